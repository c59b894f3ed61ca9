package steps

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/bl1231/bilbomd-worker/internal/charmm"
	"github.com/bl1231/bilbomd-worker/internal/command"
	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/types"
	workererrors "github.com/bl1231/bilbomd-worker/internal/worker_errors"
)

const mdTimestep = 0.001

// runCharmm executes one CHARMM deck in dir. A nonzero exit becomes an
// error carrying the exit code.
func (r *Runner) runCharmm(ctx context.Context, dir, inpFile, outFile string) error {
	result, err := r.Exec.Execute(ctx, &command.Command{
		Program: r.Cfg.Apps.CHARMM,
		Args:    []string{"-o", outFile, "-i", inpFile},
		Dir:     dir,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return workererrors.ExitErrorWrap(
			result.ExitCode,
			fmt.Errorf("charmm exited %d running %s", result.ExitCode, inpFile),
		)
	}
	return nil
}

func (r *Runner) RunMinimize(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunMinimize")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepMinimize, types.StepRunning, "")

	dir := r.workDir(job)
	params := charmm.Params{
		OutDir:     dir,
		TopoDir:    r.Cfg.TopologyDir,
		InputFile:  "minimize.inp",
		OutputFile: "minimize.out",
		PSFFile:    job.PSFFile,
		CRDFile:    job.CRDFile,
	}

	if err := charmm.WriteInput(ctx, charmm.TemplateMinimize, params); err != nil {
		span.SetStatus(codes.Error, "failed to write minimize deck")
		return r.HandleError(ctx, jc, job, types.StepMinimize, err)
	}
	if err := r.runCharmm(ctx, dir, params.InputFile, params.OutputFile); err != nil {
		span.SetStatus(codes.Error, "minimize failed")
		return r.HandleError(ctx, jc, job, types.StepMinimize, err)
	}

	r.markStep(ctx, job, types.StepMinimize, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "minimized")
	return nil
}

func (r *Runner) RunHeat(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunHeat")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepHeat, types.StepRunning, "")

	dir := r.workDir(job)
	params := charmm.Params{
		OutDir:     dir,
		TopoDir:    r.Cfg.TopologyDir,
		InputFile:  "heat.inp",
		OutputFile: "heat.out",
		PSFFile:    job.PSFFile,
		CRDFile:    "minimization_output.crd",
		ConstInp:   job.ConstFile,
	}

	if err := charmm.WriteInput(ctx, charmm.TemplateHeat, params); err != nil {
		span.SetStatus(codes.Error, "failed to write heat deck")
		return r.HandleError(ctx, jc, job, types.StepHeat, err)
	}
	if err := r.runCharmm(ctx, dir, params.InputFile, params.OutputFile); err != nil {
		span.SetStatus(codes.Error, "heat failed")
		return r.HandleError(ctx, jc, job, types.StepHeat, err)
	}

	r.markStep(ctx, job, types.StepHeat, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "heated")
	return nil
}

// RunMolecularDynamics runs one Rg-constrained dynamics deck per sweep
// point, all in parallel. The first failure cancels the rest.
func (r *Runner) RunMolecularDynamics(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunMolecularDynamics")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepMD, types.StepRunning, "")

	dir := r.workDir(job)
	rgValues := RgValues(job.RgMin, job.RgMax)
	span.SetAttributes(attribute.IntSlice("rgValues", rgValues))

	group, groupCtx := errgroup.WithContext(ctx)
	for _, rg := range rgValues {
		basename := fmt.Sprintf("dynamics_rg%d", rg)
		params := charmm.Params{
			OutDir:     dir,
			TopoDir:    r.Cfg.TopologyDir,
			InputFile:  basename + ".inp",
			OutputFile: basename + ".out",
			PSFFile:    job.PSFFile,
			ConstInp:   job.ConstFile,
			RgMin:      job.RgMin,
			RgMax:      job.RgMax,
			Rg:         rg,
			Timestep:   mdTimestep,
			ConfSample: job.ConformationalSampling,
			Basename:   basename,
		}

		if err := charmm.WriteInput(ctx, charmm.TemplateDynamics, params); err != nil {
			span.SetStatus(codes.Error, "failed to write dynamics deck")
			return r.HandleError(ctx, jc, job, types.StepMD, err)
		}

		group.Go(func() error {
			return r.runCharmm(groupCtx, dir, params.InputFile, params.OutputFile)
		})
	}

	if err := group.Wait(); err != nil {
		span.SetStatus(codes.Error, "molecular dynamics failed")
		return r.HandleError(ctx, jc, job, types.StepMD, err)
	}

	r.markStep(ctx, job, types.StepMD, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "molecular dynamics complete")
	return nil
}
