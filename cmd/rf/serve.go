package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"recordflow/internal/app"
	"recordflow/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader, devLogin, noWebhooks bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			secret := os.Getenv(jwtSecretEnv)
			if secret == "" {
				fromFile, err := readEnvValue(envPath(workspace), jwtSecretEnv)
				if err != nil {
					return err
				}
				secret = fromFile
			}
			if secret == "" {
				return fmt.Errorf("%s is required for bearer auth (run rf init or export it)", jwtSecretEnv)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					Pipeline: rt.Pipeline,
					Bus:      rt.Bus,
					Metrics:  rt.Metrics,
					Logger:   rt.Logger,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:              secret,
						AllowLegacyActorHeader: legacyHeader,
						AllowDevLogin:          devLogin,
						Logger:                 rt.Logger,
					},
					RateLimit: server.RateLimitConfig{
						RPS:   rt.Config.Server.RateLimit.RPS,
						Burst: rt.Config.Server.RateLimit.Burst,
					},
				})
				if err != nil {
					return err
				}

				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				if !noWebhooks && len(rt.Config.Webhooks) > 0 {
					go rt.Dispatcher().Run(ctx)
				}

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.Info("serving recordflow api", "addr", addr, "base_path", basePath)
				fmt.Printf("Serving Recordflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (dev only)")
	cmd.Flags().BoolVar(&noWebhooks, "no-webhooks", false, "do not deliver configured webhooks")
	return cmd
}
