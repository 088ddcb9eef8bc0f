package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"shipline/internal/app"
	"shipline/internal/db"
	"shipline/internal/logging"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Shipline CLI",
	Long: `Shipline drives AI agents through a web-app build pipeline.
- Project: one app being built; it moves intake -> planning -> designing -> building -> qa -> review -> deployed.
- Plan: the phases (research, design, build) the planning agent produced for a project.
- Run: one execution of a workflow; steps call agents or tools and are retried on transient failure.
- Approval: a human gate (plan, phase, deploy); rejecting one records an iteration.
- Iteration: feedback-driven rework of the phases it touches.
- QA report: checks run after a build phase; blocking failures trigger a qa_fix iteration.
- Events: every state change, listed with 'sl events' or streamed from 'sl serve'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		l, err := logging.New(logging.Config{
			Level:  viper.GetString("log-level"),
			Format: viper.GetString("log-format"),
		})
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SHIPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded on events")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (json, console)")
	flags.String("agent-url", "", "agent service base URL (empty uses scripted agents)")
	flags.String("agent-token", "", "bearer token for the agent service")
	flags.Float64("agent-rate", 0, "agent requests per second")
	flags.String("nats-url", "", "publish events to this NATS server")
	flags.Duration("wait", 30*time.Minute, "how long to wait for runs a command started")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format", "agent-url", "agent-token", "agent-rate", "nats-url", "wait"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(qaCmd())
	rootCmd.AddCommand(iterationCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func settings() app.Settings {
	return app.Settings{
		Workspace:      viper.GetString("workspace"),
		AgentURL:       viper.GetString("agent-url"),
		AgentToken:     viper.GetString("agent-token"),
		AgentRateLimit: viper.GetFloat64("agent-rate"),
		NATSURL:        viper.GetString("nats-url"),
		// Another process may own the runs in this workspace.
		SkipReconcile: true,
	}
}

func actorID() string {
	return viper.GetString("actor-id")
}

// withRuntime opens the workspace for one command. Runs started by the
// command execute in this process, so they are awaited before it exits.
func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, afero.NewOsFs(), settings(), logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func settle(ctx context.Context, rt *app.Runtime) error {
	wctx, cancel := context.WithTimeout(ctx, viper.GetDuration("wait"))
	defer cancel()
	if err := rt.Engine.WaitIdle(wctx); err != nil {
		return fmt.Errorf("waiting for runs: %w", err)
	}
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows with go-pretty, or v as JSON with --json.
func printTable(v any, header table.Row, rows func(tw table.Writer)) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	rows(tw)
	tw.Render()
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format(time.DateTime)
}
