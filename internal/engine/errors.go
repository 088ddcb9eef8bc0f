package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrAgentTransient marks a timeout or transport failure. The step loop
	// retries it.
	ErrAgentTransient = errors.New("agent transient failure")
	// ErrAgentPartial marks an agent that ran but reported partial or failed
	// output.
	ErrAgentPartial = errors.New("agent partial result")
	// ErrClosed is returned once the engine is shutting down.
	ErrClosed = errors.New("engine closed")

	errRunStopped = errors.New("run stopped")
	errShutdown   = errors.New("interrupted: orchestrator stopped")
)

// ValidationError reports rejected input. Fields maps a field to the rule it
// broke.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+e.Fields[k])
	}
	msg := "validation failed: " + strings.Join(parts, ", ")
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports a request that clashes with current state, such as a
// second run for a project or a duplicate pending approval.
type ConflictError struct {
	Message string
	Err     error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ConflictError) Unwrap() error { return e.Err }

func conflict(err error, format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...), Err: err}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// check runs struct validation and converts failures to *ValidationError.
func check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		fields[fe.Field()] = "failed " + rule
	}
	return &ValidationError{Fields: fields}
}
