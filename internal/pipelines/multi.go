package pipelines

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/steps"
)

// MultiPipeline re-scores the pooled conformations of several finished
// jobs against a new experimental profile. No sampling happens here;
// the member jobs already produced the conformations.
type MultiPipeline struct {
	runner *steps.Runner
}

var _ Pipeline = (*MultiPipeline)(nil)

func (p *MultiPipeline) Process(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "MultiPipeline.Process", trace.WithAttributes(
		attribute.String("uuid", job.UUID),
		attribute.Int("members", len(job.BilboMDUUIDs)),
	))
	defer span.End()

	r := p.runner

	if err := r.InitializeJob(ctx, jc, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "initialization failed")
		return err
	}
	checkpoint(ctx, r, jc, job, 1)

	err := runStages(ctx, r, jc, job, []stage{
		{"multifoxs", 80, r.RunCombinedMultiFoXS},
		{"results", 95, r.RunResults},
	})
	if err != nil {
		span.SetStatus(codes.Error, "pipeline failed")
		return err
	}

	if err = r.CleanupJob(ctx, jc, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cleanup failed")
		return err
	}
	checkpoint(ctx, r, jc, job, 100)

	span.SetStatus(codes.Ok, "multi pipeline complete")
	return nil
}
