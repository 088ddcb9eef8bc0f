package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"shipline/internal/app"
	"shipline/internal/engine/auth"
	"shipline/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		addr, basePath string
		devLogin       bool
		sweepEvery     time.Duration
		hookURLs       []string
		hookEvents     []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s := settings()
			s.SkipReconcile = false
			rt, err := app.Open(ctx, afero.NewOsFs(), s, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			authCfg := server.AuthConfig{
				JWTSecret: flagOrEnv(cmd, "jwt-secret"),
				DevLogin:  devLogin,
				Log:       logger,
			}
			if authCfg.JWTSecret == "" {
				logger.Warn("SHIPLINE_JWT_SECRET not set; every request acts as the local owner")
				if devLogin {
					return fmt.Errorf("--dev-login requires SHIPLINE_JWT_SECRET")
				}
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				Bus:      rt.Bus,
				BasePath: basePath,
				Auth:     authCfg,
				Log:      logger,
			})
			if err != nil {
				return err
			}

			bg, stopBackground := context.WithCancel(ctx)
			defer stopBackground()
			go sweepLoop(bg, rt, sweepEvery)
			if len(hookURLs) > 0 {
				hooks := make([]server.WebhookConfig, 0, len(hookURLs))
				for _, u := range hookURLs {
					hooks = append(hooks, server.WebhookConfig{URL: u, Events: hookEvents, Secret: flagOrEnv(cmd, "webhook-secret")})
				}
				go server.NewWebhookDispatcher(rt.Engine, hooks, logger).Run(bg)
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving Shipline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().DurationVar(&sweepEvery, "sweep-interval", time.Minute, "how often expired approvals are swept")
	cmd.Flags().StringArrayVar(&hookURLs, "webhook", nil, "POST events to this URL (repeatable)")
	cmd.Flags().StringSliceVar(&hookEvents, "webhook-events", nil, "event types sent to webhooks (default: all)")
	cmd.Flags().String("webhook-secret", "", "HMAC secret for X-Shipline-Signature")
	return cmd
}

func sweepLoop(ctx context.Context, rt *app.Runtime, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := rt.Engine.SweepExpiredApprovals(ctx)
			if err != nil {
				logger.Warn("approval sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("expired approvals", zap.Int("count", n))
			}
		}
	}
}

func tokenCmd() *cobra.Command {
	var (
		roles []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(flagOrEnv(cmd, "jwt-secret"), actorID(), roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleOwner}, fmt.Sprintf("roles %v", auth.Roles()))
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().String("jwt-secret", "", "HS256 secret")
	return cmd
}

// flagOrEnv reads a command-local flag, falling back to its SHIPLINE_*
// variable.
func flagOrEnv(cmd *cobra.Command, name string) string {
	if v, err := cmd.Flags().GetString(name); err == nil && v != "" {
		return v
	}
	return viper.GetString(name)
}
