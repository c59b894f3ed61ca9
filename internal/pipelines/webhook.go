package pipelines

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bl1231/bilbomd-worker/internal/config"
	"github.com/bl1231/bilbomd-worker/internal/logger"
	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/nersc"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/steps"
	"github.com/bl1231/bilbomd-worker/internal/types"
)

// WebhookPipeline rebuilds the container images on Perlmutter after an
// upstream release. The job carries no science inputs; the work is one
// remote script run.
type WebhookPipeline struct {
	runner *steps.Runner
	client *nersc.Client
	cfg    *config.Config
}

var _ Pipeline = (*WebhookPipeline)(nil)

func (p *WebhookPipeline) Process(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "WebhookPipeline.Process", trace.WithAttributes(
		attribute.String("uuid", job.UUID),
	))
	defer span.End()

	r := p.runner

	if p.cfg.Nersc.DockerBuild == "" {
		err := fmt.Errorf("no docker build script configured")
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook job unusable")
		return err
	}

	if err := r.Store.SetStatus(ctx, job, types.JobStatusRunning); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark job running")
		return err
	}
	_ = jc.Log(ctx, "start docker image rebuild")

	taskID, err := p.client.ExecuteScript(ctx, p.cfg.Nersc.DockerBuild)
	if err != nil {
		span.SetStatus(codes.Error, "failed to start build")
		return p.fail(ctx, jc, job, err)
	}
	task, err := p.client.WatchTask(ctx, taskID)
	if err != nil {
		span.SetStatus(codes.Error, "build task failed")
		return p.fail(ctx, jc, job, err)
	}
	_ = jc.Log(ctx, fmt.Sprintf("build task %s completed", task.ID))

	if err = r.Store.SetStatus(ctx, job, types.JobStatusCompleted); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark job completed")
		return err
	}
	checkpoint(ctx, r, jc, job, 100)

	span.SetStatus(codes.Ok, "rebuild complete")
	return nil
}

func (p *WebhookPipeline) fail(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
	cause error,
) error {
	if err := p.runner.Store.SetStatus(ctx, job, types.JobStatusError); err != nil {
		logger.Logger.ErrorContext(ctx, "failed to mark job errored", "uuid", job.UUID, "error", err)
	}
	_ = jc.Log(ctx, fmt.Sprintf("docker rebuild failed: %s", cause.Error()))
	return cause
}
