package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"shipline/internal/app"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/repo"
)

func pipelineCmd() *cobra.Command {
	pl := &cobra.Command{Use: "pipeline", Short: "Drive a project's pipeline"}
	pl.AddCommand(&cobra.Command{
		Use:       "run <project-id> <intent>",
		Short:     "Apply an intent (start, continue, retry, deploy, user_testing) and wait for the runs it starts",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{engine.IntentStart, engine.IntentContinue, engine.IntentRetry, engine.IntentDeploy, engine.IntentUserTesting},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.RunPipeline(ctx, engine.RunPipelineOptions{
					ProjectID: args[0],
					Intent:    args[1],
					ActorID:   actorID(),
				})
				if err != nil {
					return err
				}
				if err := settle(ctx, rt); err != nil {
					return err
				}
				return printOutcome(ctx, rt, res.Project.ID)
			})
		},
	})
	pl.AddCommand(&cobra.Command{
		Use:   "stop <project-id>",
		Short: "Stop the project's active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				stopped, err := rt.Engine.StopProjectRuns(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printRuns(stopped)
			})
		},
	})
	return pl
}

// printOutcome shows where the pipeline came to rest: the project state and
// the gate it waits on, if any.
func printOutcome(ctx context.Context, rt *app.Runtime, projectID string) error {
	p, err := rt.Engine.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	pending, err := rt.Engine.ListApprovals(ctx, repo.ApprovalFilters{ProjectID: projectID, Status: string(domain.ApprovalPending)})
	if err != nil {
		return err
	}
	out := engine.PipelineResult{Project: p}
	if len(pending) > 0 {
		out.Approval = &pending[0]
	}
	if runs, err := rt.Engine.ListRuns(ctx, repo.RunFilters{ProjectID: projectID, Limit: 1}); err == nil && len(runs) > 0 {
		out.Run = &runs[0]
	}
	return printJSONOrTable(out)
}

func printRuns(runs []domain.WorkflowRun) error {
	return printTable(runs, table.Row{"Run", "Workflow", "Phase", "Status", "Steps", "Started", "Error"}, func(tw table.Writer) {
		for _, r := range runs {
			tw.AppendRow(table.Row{r.RunID, r.WorkflowName, r.PhaseNumber, r.Status,
				fmt.Sprintf("%d/%d", r.StepsCompleted, r.StepsTotal), formatTime(r.StartedAt), r.ErrorMessage})
		}
	})
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect workflow runs"}
	var f repo.RunFilters
	list := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List runs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ProjectID = args[0]
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				return printRuns(items)
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().StringVar(&f.Workflow, "workflow", "", "workflow filter")
	list.Flags().IntVar(&f.Limit, "limit", 20, "max runs")
	runs.AddCommand(list)
	runs.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				run, err := rt.Engine.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printTable(run, table.Row{"#", "Step", "Tool", "Status", "Retries", "Error"}, func(tw table.Writer) {
					for _, st := range run.Steps {
						tw.AppendRow(table.Row{st.StepNumber, st.StepName, st.ToolName, st.Status, st.RetryCount, st.ErrorMessage})
					}
					tw.SetTitle(fmt.Sprintf("%s %s (%s)", run.WorkflowName, run.RunID, run.Status))
				})
			})
		},
	})
	runs.AddCommand(&cobra.Command{
		Use:   "stop <run-id>",
		Short: "Stop a pending or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				run, err := rt.Engine.StopRun(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	})
	return runs
}

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{Use: "approval", Short: "List and resolve approvals"}
	var f repo.ApprovalFilters
	list := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List approvals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ProjectID = args[0]
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListApprovals(ctx, f)
				if err != nil {
					return err
				}
				return printTable(items, table.Row{"ID", "Type", "Reference", "Status", "Expires", "Note"}, func(tw table.Writer) {
					for _, a := range items {
						tw.AppendRow(table.Row{a.ID, a.Type, a.Reference.Kind + ":" + a.Reference.ID, a.Status, formatTime(&a.ExpiresAt), a.ResponseNote})
					}
				})
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().StringVar(&f.Type, "type", "", "approval type filter")
	ap.AddCommand(list)

	var note string
	resolve := func(use string, decision domain.ApprovalStatus) *cobra.Command {
		c := &cobra.Command{
			Use:   use + " <approval-id>",
			Short: "Mark an approval " + string(decision),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
					a, err := rt.Engine.ResolveApproval(ctx, engine.ResolveApprovalOptions{
						ID:       args[0],
						Decision: decision,
						Note:     note,
						ActorID:  actorID(),
					})
					if err != nil {
						return err
					}
					if err := settle(ctx, rt); err != nil {
						return err
					}
					return printOutcome(ctx, rt, a.ProjectID)
				})
			},
		}
		c.Flags().StringVar(&note, "note", "", "note; on rejection it is the revision feedback")
		return c
	}
	ap.AddCommand(resolve("approve", domain.ApprovalApproved))
	ap.AddCommand(resolve("reject", domain.ApprovalRejected))
	return ap
}

func qaCmd() *cobra.Command {
	qa := &cobra.Command{Use: "qa", Short: "QA reports"}
	var (
		opts  engine.RunChecksOptions
		depth string
	)
	run := &cobra.Command{
		Use:   "run <project-id>",
		Short: "Evaluate a build run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ProjectID = args[0]
			opts.Depth = domain.QADepth(depth)
			opts.ActorID = actorID()
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rep, err := rt.Engine.RunChecks(ctx, opts)
				if err != nil {
					return err
				}
				if err := settle(ctx, rt); err != nil {
					return err
				}
				return printChecks(rep)
			})
		},
	}
	run.Flags().StringVar(&opts.ExecutionID, "run", "", "build run id (default: latest completed build)")
	run.Flags().StringVar(&depth, "depth", "", "quick, standard or deep (default: phase depth)")
	run.Flags().StringSliceVar(&opts.FocusAreas, "focus", nil, "focus areas for the reviewing agent")
	qa.AddCommand(run)

	var limit int
	list := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List QA reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListQAReports(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printTable(items, table.Row{"ID", "Run", "Phase", "Depth", "Status", "Blocking"}, func(tw table.Writer) {
					for _, r := range items {
						tw.AppendRow(table.Row{r.ID, r.ExecutionID, r.PhaseNumber, r.Depth, r.OverallStatus, r.BlockingIssuesCount})
					}
				})
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "max reports")
	qa.AddCommand(list)
	qa.AddCommand(&cobra.Command{
		Use:   "show <report-id>",
		Short: "Show a report's checks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rep, err := rt.Engine.GetQAReport(ctx, args[0])
				if err != nil {
					return err
				}
				return printChecks(rep)
			})
		},
	})
	return qa
}

func printChecks(rep domain.QAReport) error {
	return printTable(rep, table.Row{"Category", "Check", "Status", "Severity", "Location", "Message"}, func(tw table.Writer) {
		for _, c := range rep.Checks {
			tw.AppendRow(table.Row{c.Category, c.Name, c.Status, c.Severity, c.Location, c.Message})
		}
		tw.SetTitle(fmt.Sprintf("QA %s: %s (%d blocking)", rep.ID, rep.OverallStatus, rep.BlockingIssuesCount))
	})
}

func iterationCmd() *cobra.Command {
	it := &cobra.Command{Use: "iteration", Short: "Revision feedback and rework"}
	var opts engine.RecordIterationOptions
	create := &cobra.Command{
		Use:   "create <project-id>",
		Short: "Record feedback and rework the phases it touches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ProjectID = args[0]
			opts.Trigger = domain.TriggerUserRequest
			opts.ActorID = actorID()
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				created, err := rt.Engine.RecordIteration(ctx, opts)
				if err != nil {
					return err
				}
				if err := settle(ctx, rt); err != nil {
					return err
				}
				got, err := rt.Engine.GetIteration(ctx, created.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(got)
			})
		},
	}
	create.Flags().StringVar(&opts.Feedback, "feedback", "", "what should change")
	create.Flags().IntSliceVar(&opts.ScopePhases, "phases", nil, "phase numbers to rework (default: matched from feedback)")
	_ = create.MarkFlagRequired("feedback")
	it.AddCommand(create)

	var f repo.IterationFilters
	list := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List iterations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ProjectID = args[0]
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListIterations(ctx, f)
				if err != nil {
					return err
				}
				return printTable(items, table.Row{"#", "ID", "Type", "Trigger", "Phases", "Status", "Feedback"}, func(tw table.Writer) {
					for _, i := range items {
						tw.AppendRow(table.Row{i.Number, i.ID, i.Type, i.Trigger, fmt.Sprint(i.ScopePhases), i.Status, i.Feedback})
					}
				})
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "status filter (open for pending or in progress)")
	list.Flags().StringVar(&f.Trigger, "trigger", "", "trigger filter")
	it.AddCommand(list)

	var summary string
	resolve := &cobra.Command{
		Use:   "resolve <iteration-id>",
		Short: "Mark an iteration resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				got, err := rt.Engine.ResolveIteration(ctx, args[0], summary, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(got)
			})
		},
	}
	resolve.Flags().StringVar(&summary, "summary", "", "resolution summary")
	it.AddCommand(resolve)
	return it
}

func eventsCmd() *cobra.Command {
	var (
		n       int
		evtType string
	)
	cmd := &cobra.Command{
		Use:   "events <project-id>",
		Short: "Show recent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.LatestEventsFrom(ctx, n, 0, args[0], evtType, "", "")
				if err != nil {
					return err
				}
				return printTable(items, table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"}, func(tw table.Writer) {
					for _, e := range items {
						tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue approvals and pause their projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Engine.SweepExpiredApprovals(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"expired": n})
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Fail runs left behind by a stopped orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Engine.Reconcile(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"reconciled": n})
			})
		},
	}
}
