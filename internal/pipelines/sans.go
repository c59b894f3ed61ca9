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

// SANSPipeline is the neutron scattering workflow: the same sampling
// stages as the SAXS pipelines, but profiles come from Pepsi-SANS and
// ensemble selection from the genetic-algorithm helper.
type SANSPipeline struct {
	runner *steps.Runner
}

var _ Pipeline = (*SANSPipeline)(nil)

func (p *SANSPipeline) Process(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "SANSPipeline.Process", trace.WithAttributes(
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

	stages := []stage{
		{"minimize", 15, r.RunMinimize},
		{"heat", 30, r.RunHeat},
		{"md", 40, r.RunMolecularDynamics},
		{"dcd2pdb", 50, r.RunDCD2PDB},
		{"pdb_remediate", 60, r.RunRemediate},
		{"pepsisans", 70, r.RunPepsiSANS},
		{"gasans", 80, r.RunGASANS},
		{"results", 95, r.RunResults},
	}
	// jobs submitted as a PDB need conversion before minimization
	if job.CRDFile == "" && job.PDBFile != "" {
		stages = append([]stage{{"pdb2crd", 10, r.RunPDB2CRD}}, stages...)
	}

	if err := runStages(ctx, r, jc, job, stages); err != nil {
		span.SetStatus(codes.Error, "pipeline failed")
		return err
	}

	if err := r.CleanupJob(ctx, jc, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cleanup failed")
		return err
	}
	checkpoint(ctx, r, jc, job, 100)

	span.SetStatus(codes.Ok, "sans pipeline complete")
	return nil
}
