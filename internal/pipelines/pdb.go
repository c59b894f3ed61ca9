package pipelines

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/steps"
	"github.com/bl1231/bilbomd-worker/internal/types"
)

// PDBPipeline is the classic workflow starting from an uploaded PDB:
// convert to CRD/PSF, minimize, fit, heat, run the Rg sweep, extract
// and score conformations, and assemble the results archive. Jobs with
// md_engine OpenMM run the minimize/heat/md trio through the OpenMM
// helper scripts instead of CHARMM decks.
type PDBPipeline struct {
	runner *steps.Runner
}

var _ Pipeline = (*PDBPipeline)(nil)

func (p *PDBPipeline) Process(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "PDBPipeline.Process", trace.WithAttributes(
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

	// the CHARMM engine converts the PDB to CRD/PSF first; OpenMM reads
	// the PDB directly and only needs its shared config written
	engine := job.MDEngine
	if engine == "" {
		engine = types.MDEngineCHARMM
	}
	span.SetAttributes(attribute.String("mdEngine", string(engine)))
	_ = jc.Log(ctx, fmt.Sprintf("using md engine %s", engine))

	prepare := stage{"pdb2crd", 10, r.RunPDB2CRD}
	minimize, heat, md := r.RunMinimize, r.RunHeat, r.RunMolecularDynamics
	if engine == types.MDEngineOpenMM {
		prepare = stage{"openmm-config", 10, r.WriteOpenMMConfig}
		minimize, heat, md = r.RunOpenMMMinimize, r.RunOpenMMHeat, r.RunOpenMMMD
	}

	err := runStages(ctx, r, jc, job, []stage{
		prepare,
		{"minimize", 15, minimize},
		{"initfoxs", 25, r.RunInitFoXS},
		{"heat", 30, heat},
		{"md", 40, md},
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

	span.SetStatus(codes.Ok, "pdb pipeline complete")
	return nil
}
