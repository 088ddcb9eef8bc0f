// Package auth maps principal roles to the permissions API operations need.
package auth

import (
	"fmt"
	"slices"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

const (
	PermProjectCreate   = "project.create"
	PermProjectRead     = "project.read"
	PermProjectManage   = "project.manage"
	PermPipelineRun     = "pipeline.run"
	PermApprovalResolve = "approval.resolve"
	PermIterationCreate = "iteration.create"
	PermQARun           = "qa.run"
	PermEventsRead      = "events.read"
)

const (
	RoleOwner    = "owner"
	RoleApprover = "approver"
	RoleViewer   = "viewer"
)

var rolePermissions = map[string][]string{
	RoleOwner: {
		PermProjectCreate, PermProjectRead, PermProjectManage, PermPipelineRun,
		PermApprovalResolve, PermIterationCreate, PermQARun, PermEventsRead,
	},
	RoleApprover: {PermProjectRead, PermApprovalResolve, PermIterationCreate, PermEventsRead},
	RoleViewer:   {PermProjectRead, PermEventsRead},
}

// Roles lists the known role names.
func Roles() []string {
	return []string{RoleOwner, RoleApprover, RoleViewer}
}

// KnownRole reports whether role is defined.
func KnownRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// Permissions expands roles into the sorted set of permissions they grant.
func Permissions(roles []string) []string {
	var perms []string
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			if !slices.Contains(perms, p) {
				perms = append(perms, p)
			}
		}
	}
	slices.Sort(perms)
	return perms
}

// Check returns ForbiddenError unless roles or explicit grants include perm.
func Check(roles, grants []string, perm string) error {
	if slices.Contains(grants, perm) || slices.Contains(Permissions(roles), perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
