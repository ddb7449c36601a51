// Package cmdutils glues cobra commands to the agent's runtime: config
// loading, logger and telemetry initialisation, and the liveness/readiness
// status server for the daemon.
package cmdutils

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/openkcm/common-sdk/pkg/health"
	"github.com/openkcm/common-sdk/pkg/logger"
	"github.com/openkcm/common-sdk/pkg/otlp"
	"github.com/openkcm/common-sdk/pkg/status"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	slogctx "github.com/veqryn/slog-context"

	"github.com/craftide/sso-agent/internal/config"
)

// configSearchPaths are tried in order; the first config.yaml found wins.
var configSearchPaths = []string{"/etc/sso-agent", "$HOME/.sso-agent", "."}

const readinessTimeout = 5 * time.Second

// RunFunc is the business entry point a command executes once the runtime
// is up.
type RunFunc func(context.Context, *config.Config) error

// WrapperFunc prepares the runtime (logger, telemetry, status server as
// appropriate) and then invokes the business function.
type WrapperFunc func(context.Context, RunFunc, *config.Config) error

// CobraCommand builds a command that loads the configuration and hands it,
// together with the business function, to the wrapper.
func CobraCommand(use, short, long, buildInfo string, wrapper WrapperFunc, business RunFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(buildInfo)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if err := wrapper(cmd.Context(), business, cfg); err != nil {
				return fmt.Errorf("running the command: %w", err)
			}

			return nil
		},
	}
}

// RunAsService runs fn as a long-lived daemon: telemetry is exported and the
// liveness/readiness server is started alongside.
func RunAsService(ctx context.Context, fn RunFunc, cfg *config.Config) error {
	if err := initLogger(ctx, cfg); err != nil {
		return err
	}

	err := otlp.Init(ctx, &cfg.Application, &cfg.Telemetry, &cfg.Logger)
	if err != nil {
		return oops.In("main").Wrapf(err, "Failed to load the telemetry")
	}

	go func() {
		if err := startStatusServer(ctx, cfg); err != nil {
			slogctx.Error(ctx, "Failure on the status server", "error", err)
			_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
		}
	}()

	if err := fn(ctx, cfg); err != nil {
		return oops.In("main").Wrapf(err, "Failed to start the main business application")
	}

	return nil
}

// RunAsJob runs fn as a foreground one-shot: logging only, no telemetry
// exporter and no status server.
func RunAsJob(ctx context.Context, fn RunFunc, cfg *config.Config) error {
	if err := initLogger(ctx, cfg); err != nil {
		return err
	}

	if err := fn(ctx, cfg); err != nil {
		return oops.In("main").Wrapf(err, "Failed to run the job")
	}

	return nil
}

func initLogger(ctx context.Context, cfg *config.Config) error {
	if err := logger.InitAsDefault(cfg.Logger, cfg.Application); err != nil {
		return oops.In("main").Wrapf(err, "Failed to initialise the logger")
	}

	slogctx.Debug(ctx, "Starting the application", slog.Any("config", cfg))

	return nil
}

func loadConfig(buildInfo string) (*config.Config, error) {
	cfg := &config.Config{}

	err := commoncfg.LoadConfig(cfg, map[string]any{}, configSearchPaths...)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	if err := commoncfg.UpdateConfigVersion(&cfg.BaseConfig, buildInfo); err != nil {
		return nil, fmt.Errorf("updating the version configuration: %w", err)
	}

	return cfg, nil
}

// startStatusServer serves liveness and readiness. The agent has no hard
// backing dependency to probe (the file store is local and valkey failures
// surface as request errors), so readiness runs without dependency checks.
func startStatusServer(ctx context.Context, cfg *config.Config) error {
	liveness := status.WithLiveness(
		health.NewHandler(
			health.NewChecker(health.WithDisabledAutostart()),
		),
	)

	readiness := status.WithReadiness(
		health.NewHandler(
			health.NewChecker(
				health.WithDisabledAutostart(),
				health.WithTimeout(readinessTimeout),
				health.WithStatusListener(func(ctx context.Context, state health.State) {
					slogctx.Info(ctx, "readiness status changed", "status", state.Status)
				}),
			),
		),
	)

	if err := status.Start(ctx, &cfg.BaseConfig, liveness, readiness); err != nil {
		return fmt.Errorf("starting status server: %w", err)
	}

	return nil
}
