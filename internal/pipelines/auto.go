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

// AutoPipeline is the fully automatic workflow for AlphaFold models:
// constraints are derived from the PAE matrix and the Rg sweep bounds
// are estimated from the experimental profile, then the standard
// workflow runs.
type AutoPipeline struct {
	runner *steps.Runner
}

var _ Pipeline = (*AutoPipeline)(nil)

func (p *AutoPipeline) Process(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "AutoPipeline.Process", trace.WithAttributes(
		attribute.String("uuid", job.UUID),
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
		{"pdb2crd", 5, r.RunPDB2CRD},
		{"pae", 8, r.RunPAE},
		{"autorg", 10, r.RunAutoRg},
		{"minimize", 15, r.RunMinimize},
		{"initfoxs", 25, r.RunInitFoXS},
		{"heat", 30, r.RunHeat},
		{"md", 40, r.RunMolecularDynamics},
		{"dcd2pdb", 50, r.RunDCD2PDB},
		{"pdb_remediate", 60, r.RunRemediate},
		{"foxs", 70, r.RunFoXS},
		{"multifoxs", 80, r.RunMultiFoXS},
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

	span.SetStatus(codes.Ok, "auto pipeline complete")
	return nil
}
