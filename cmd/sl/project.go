package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shipline/internal/app"
	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/repo"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Pipeline configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default shipline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault(afero.NewOsFs(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show [project-id]",
		Short: "Print the workspace config, or a project's stored config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				c := rt.Config
				if len(args) == 1 {
					var err error
					if c, err = rt.Engine.ProjectConfig(ctx, args[0]); err != nil {
						return err
					}
				}
				data, err := c.YAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "set <project-id> <file>",
		Short: "Replace a project's pipeline config from a YAML file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.FromFile(afero.NewOsFs(), args[1])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.UpdateProjectConfig(ctx, args[0], c)
			})
		},
	})
	return cfg
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectActionCmd("pause", "Pause a project and stop its run", engine.Engine.PauseProject))
	prj.AddCommand(projectActionCmd("resume", "Resume a paused project", engine.Engine.ResumeProject))
	prj.AddCommand(projectActionCmd("cancel", "Cancel a project", engine.Engine.CancelProject))
	prj.AddCommand(projectActionCmd("archive", "Archive a project", engine.Engine.ArchiveProject))
	return prj
}

func projectCreateCmd() *cobra.Command {
	var (
		opts       engine.CreateProjectOptions
		configFile string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project in intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				c, err := config.FromFile(afero.NewOsFs(), configFile)
				if err != nil {
					return err
				}
				opts.Config = c
			}
			opts.ActorID = actorID()
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if opts.Config == nil {
					opts.Config = rt.Config
				}
				p, err := rt.Engine.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (default: generated)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.Prompt, "prompt", "", "what to build")
	cmd.Flags().Float64Var(&opts.BudgetLimitUSD, "budget", 0, "agent cost limit in USD")
	cmd.Flags().StringVar(&configFile, "config", "", "pipeline config file (default: workspace shipline.yml)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	var f repo.ProjectFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListProjects(ctx, f)
				if err != nil {
					return err
				}
				return printTable(items, table.Row{"ID", "Name", "Status", "Phase", "Updated"}, func(tw table.Writer) {
					for _, p := range items {
						tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CurrentPhaseNumber, formatTime(&p.UpdatedAt)})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max projects")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project with its plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"project": p}
				if plan, err := rt.Engine.ActivePlan(ctx, p.ID); err == nil {
					out["plan"] = plan
				}
				if ex, err := rt.Engine.CurrentAgent(ctx, p.ID); err == nil {
					out["current_agent"] = ex
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func projectActionCmd(use, short string, act func(engine.Engine, context.Context, string, string) (domain.Project, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <project-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := act(rt.Engine, ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if err := settle(ctx, rt); err != nil {
					return err
				}
				if p, err = rt.Engine.GetProject(ctx, p.ID); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}
