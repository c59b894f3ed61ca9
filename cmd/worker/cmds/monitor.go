package cmds

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/codes"

	"github.com/bl1231/bilbomd-worker/internal/config"
	"github.com/bl1231/bilbomd-worker/internal/logger"
	"github.com/bl1231/bilbomd-worker/internal/monitor"
	"github.com/bl1231/bilbomd-worker/internal/store"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Periodically reconcile delegated jobs against slurm",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, span := tracer.Start(cmd.Context(), "monitorCmd")
		defer span.End()

		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.GetConfig()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to load config")
			return err
		}
		if cfg.Logging != nil {
			logger.LogLevel.Set(slog.Level(cfg.Logging.App.Level))
		}

		client, err := nerscClient(cfg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to build nersc client")
			return err
		}
		if client == nil {
			err = fmt.Errorf("the monitor requires nersc to be enabled")
			span.RecordError(err)
			span.SetStatus(codes.Error, "nersc disabled")
			return err
		}

		st, err := store.Connect(cfg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to connect to postgres")
			return err
		}

		interval := time.Duration(cfg.Nersc.MonitorTimeSec) * time.Second
		logger.Logger.InfoContext(ctx, "monitor started", "interval", interval)

		err = monitor.New(st, client, interval).Run(ctx)
		if err != nil && ctx.Err() == nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "monitor loop failed")
			return err
		}

		span.SetStatus(codes.Ok, "monitor shut down")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}
