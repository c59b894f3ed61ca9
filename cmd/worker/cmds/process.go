package cmds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/bl1231/bilbomd-worker/cmd/worker/internal/handler"
	"github.com/bl1231/bilbomd-worker/internal/command"
	"github.com/bl1231/bilbomd-worker/internal/config"
	"github.com/bl1231/bilbomd-worker/internal/logger"
	"github.com/bl1231/bilbomd-worker/internal/mailer"
	"github.com/bl1231/bilbomd-worker/internal/nersc"
	"github.com/bl1231/bilbomd-worker/internal/pipelines"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/steps"
	"github.com/bl1231/bilbomd-worker/internal/store"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Consume and process jobs from the queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, span := tracer.Start(cmd.Context(), "processCmd")
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

		st, err := store.Connect(cfg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to connect to postgres")
			return err
		}

		queuer := queue.NewRedisQueuer(cfg.RedisAddr(), cfg.Redis.Password, cfg.Redis.Queue, cfg.Worker.MaxAttempts)
		executor := command.NewShellExecutor()
		mail := mailer.NewSMTPMailer(cfg)
		runner := steps.NewRunner(st, executor, mail, cfg)

		client, err := nerscClient(cfg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to build nersc client")
			return err
		}

		registry := pipelines.NewRegistry(runner, client, cfg)
		h := handler.New(st, func(jobID string) queue.JobContext {
			return queuer.JobContext(jobID)
		}, registry)

		logger.Logger.InfoContext(ctx, "worker started",
			"queue", cfg.Redis.Queue,
			"concurrency", cfg.Worker.Concurrency,
			"nersc", client != nil,
		)

		group, groupCtx := errgroup.WithContext(ctx)
		for i := 0; i < cfg.Worker.Concurrency; i++ {
			group.Go(func() error {
				for {
					err := queuer.Dequeue(groupCtx, cfg.Worker.MessageTimeout, h)
					if err != nil {
						if errors.Is(err, context.Canceled) {
							return nil
						}
						logger.Logger.ErrorContext(groupCtx, "dequeue failed", "error", err)
						return err
					}
				}
			})
		}

		if err = group.Wait(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "worker loop failed")
			return err
		}

		span.SetStatus(codes.Ok, "worker shut down")
		return nil
	},
}

// nerscClient builds the Superfacility client when delegation is
// enabled. Transient API failures are retried at the transport level.
func nerscClient(cfg *config.Config) (*nersc.Client, error) {
	if cfg.Nersc == nil || !cfg.Nersc.Enabled {
		return nil, nil
	}
	if cfg.Nersc.ClientID == "" || cfg.Nersc.ClientKeyPath == "" {
		return nil, fmt.Errorf("nersc is enabled but client credentials are not configured")
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	standard := httpClient.StandardClient()

	tokens := nersc.NewTokenSource(
		cfg.Nersc.ClientID,
		cfg.Nersc.ClientKeyPath,
		cfg.Nersc.TokenURL,
		standard,
	)
	return nersc.NewClient(cfg.Nersc.APIURL, cfg.Nersc.Site, tokens, standard), nil
}

func init() {
	rootCmd.AddCommand(processCmd)
}
