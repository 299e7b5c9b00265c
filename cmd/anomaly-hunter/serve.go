package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/anomaly-hunter/internal/audit"
	"github.com/kubilitics/anomaly-hunter/internal/config"
	"github.com/kubilitics/anomaly-hunter/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the detection REST API, verdict stream and health endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			mgr, cfg, err := loadConfig(ctx, cmd,
				config.FlagBinding{Key: "server.host", Flag: cmd.Flag("host")},
				config.FlagBinding{Key: "server.port", Flag: cmd.Flag("port")},
				config.FlagBinding{Key: "server.grpc_port", Flag: cmd.Flag("grpc-port")},
			)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			hub := server.NewHub(cfg.Server.AllowedOrigins, a.logger.Named("websocket"))
			if err := a.startDetection(ctx, hub); err != nil {
				return err
			}

			srv, err := server.NewServer(server.FromConfig(cfg), server.Dependencies{
				Engine:          a.engine,
				Pipeline:        a.pipeline,
				Tracker:         a.tracker,
				Runs:            a.store,
				Recent:          a.recent,
				Hub:             hub,
				Audit:           a.audit,
				Logger:          a.logger.Named("server"),
				ReadinessChecks: a.readinessChecks(),
			})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			a.logger.Info("Starting anomaly-hunter",
				zap.String("version", buildVersion),
				zap.String("config", cfgFile))
			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}
			_ = a.audit.Log(ctx, audit.NewEvent(audit.EventServerStarted).
				WithResult(audit.ResultSuccess).
				WithMetadata("port", cfg.Server.Port).
				WithMetadata("version", server.Version))

			go watchConfig(ctx, mgr, a)

			<-ctx.Done()
			a.logger.Info("Received shutdown signal")

			if err := srv.Stop(); err != nil {
				return fmt.Errorf("error stopping server: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().String("host", "", "listen address (overrides server.host)")
	cmd.Flags().Int("port", 0, "HTTP port (overrides server.port)")
	cmd.Flags().Int("grpc-port", 0, "gRPC health port, 0 disables (overrides server.grpc_port)")
	return cmd
}

// watchConfig logs configuration file changes. Detection thresholds and
// sinks are fixed at startup, so a change takes effect after a restart.
func watchConfig(ctx context.Context, mgr config.ConfigManager, a *app) {
	changes := mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case next := <-changes:
			if errs := next.Validate(); len(errs) > 0 {
				a.logger.Warn("Ignoring invalid configuration change", zap.Errors("errors", errs))
				continue
			}
			a.logger.Info("Configuration file changed; restart to apply",
				zap.String("config", cfgFile),
				zap.String("log_level", next.Logging.Level))
			_ = a.audit.Log(ctx, audit.NewEvent(audit.EventConfigChanged).
				WithResult(audit.ResultSuccess).
				WithMetadata("path", cfgFile))
		}
	}
}
