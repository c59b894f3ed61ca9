// Package pipelines composes the individual stages into one
// orchestration per job type. Pipelines own the ordering and the
// progress checkpoints; the stages themselves live in the steps
// package.
package pipelines

import (
	"context"

	"go.opentelemetry.io/otel"
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

var tracer = otel.Tracer("github.com/bl1231/bilbomd-worker/internal/pipelines")

// Pipeline processes one job from dequeue to completion.
type Pipeline interface {
	Process(ctx context.Context, jc queue.JobContext, job *models.Job) error
}

// Registry maps a job type onto the pipeline that handles it.
type Registry map[types.JobType]Pipeline

func (r Registry) For(jobType types.JobType) (Pipeline, bool) {
	p, ok := r[jobType]
	return p, ok
}

// NewRegistry builds the pipeline table. The NERSC pipelines are only
// registered when a Superfacility client is configured.
func NewRegistry(runner *steps.Runner, client *nersc.Client, cfg *config.Config) Registry {
	reg := Registry{
		types.JobTypePDB:   &PDBPipeline{runner: runner},
		types.JobTypeCRD:   &CRDPipeline{runner: runner},
		types.JobTypeAuto:  &AutoPipeline{runner: runner},
		types.JobTypeSANS:  &SANSPipeline{runner: runner},
		types.JobTypeMulti: &MultiPipeline{runner: runner},
	}
	if client != nil {
		reg[types.JobTypeNersc] = &NerscPipeline{runner: runner, client: client, cfg: cfg}
		reg[types.JobTypeWebhook] = &WebhookPipeline{runner: runner, client: client, cfg: cfg}
	}
	return reg
}

// stage is one entry in a pipeline sequence: the stage function plus the
// progress checkpoint reached once it succeeds.
type stage struct {
	name     string
	progress int
	run      func(ctx context.Context, jc queue.JobContext, job *models.Job) error
}

// runStages drives a stage sequence in order, bracketing each stage in
// the live log and publishing the checkpoint after it succeeds. The
// first failure stops the sequence; later stages never run.
func runStages(
	ctx context.Context,
	runner *steps.Runner,
	jc queue.JobContext,
	job *models.Job,
	stages []stage,
) error {
	ctx, span := tracer.Start(ctx, "runStages", trace.WithAttributes(
		attribute.String("uuid", job.UUID),
		attribute.String("type", string(job.Type)),
	))
	defer span.End()

	for _, s := range stages {
		_ = jc.Log(ctx, "start "+s.name)
		if err := s.run(ctx, jc, job); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stage "+s.name+" failed")
			return err
		}
		_ = jc.Log(ctx, "end "+s.name)
		checkpoint(ctx, runner, jc, job, s.progress)
	}

	span.SetStatus(codes.Ok, "all stages complete")
	return nil
}

// checkpoint publishes a progress value to both the job row and the
// live progress key. Neither write may fail the pipeline.
func checkpoint(
	ctx context.Context,
	runner *steps.Runner,
	jc queue.JobContext,
	job *models.Job,
	progress int,
) {
	if err := runner.Store.SetProgress(ctx, job, progress); err != nil {
		logger.Logger.WarnContext(ctx, "failed to persist progress",
			"uuid", job.UUID, "progress", progress, "error", err)
	}
	_ = jc.UpdateProgress(ctx, progress)
}
