package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/bl1231/bilbomd-worker/internal/command"
	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/types"
	workererrors "github.com/bl1231/bilbomd-worker/internal/worker_errors"
)

// RunPepsiSANS computes neutron scattering profiles for every extracted
// frame, the SANS counterpart of RunFoXS.
func (r *Runner) RunPepsiSANS(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunPepsiSANS")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepPepsiSANS, types.StepRunning, "")

	dir := r.workDir(job)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, runDir := range RunDirs(job.RgMin, job.RgMax, job.ConformationalSampling) {
		sansRunDir := filepath.Join(dir, "foxs", runDir)
		group.Go(func() error {
			return r.sansProfileDir(groupCtx, sansRunDir, job.DataFile)
		})
	}

	if err := group.Wait(); err != nil {
		span.SetStatus(codes.Error, "pepsi-sans profiling failed")
		return r.HandleError(ctx, jc, job, types.StepPepsiSANS, err)
	}

	r.markStep(ctx, job, types.StepPepsiSANS, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "computed sans profiles")
	return nil
}

func (r *Runner) sansProfileDir(ctx context.Context, runDir, dataFile string) error {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pdb") {
			continue
		}

		result, err := r.Exec.Execute(ctx, &command.Command{
			Program: r.Cfg.Apps.PepsiSANS,
			Args: []string{
				entry.Name(),
				filepath.Join("..", "..", dataFile),
				"-o", entry.Name() + ".dat",
			},
			Dir: runDir,
		})
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return workererrors.ExitErrorWrap(
				result.ExitCode,
				fmt.Errorf("pepsi-sans exited %d for %s", result.ExitCode, entry.Name()),
			)
		}
	}
	return nil
}

// RunGASANS selects the best SANS ensemble with the genetic-algorithm
// helper, the SANS counterpart of RunMultiFoXS.
func (r *Runner) RunGASANS(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunGASANS")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepGASANS, types.StepRunning, "")

	dir := r.workDir(job)
	multiFoxsDir := filepath.Join(dir, "multifoxs")

	if err := os.MkdirAll(multiFoxsDir, 0o755); err != nil {
		span.SetStatus(codes.Error, "failed to create gasans dir")
		return r.HandleError(ctx, jc, job, types.StepGASANS, err)
	}

	count, err := WriteDatFileList(dir, multiFoxsDir)
	if err != nil {
		span.SetStatus(codes.Error, "failed to build dat file list")
		return r.HandleError(ctx, jc, job, types.StepGASANS, err)
	}
	if count == 0 {
		span.SetStatus(codes.Error, "no profiles to score")
		return r.HandleError(ctx, jc, job, types.StepGASANS,
			fmt.Errorf("no .pdb.dat profiles found under %s", filepath.Join(dir, "foxs")))
	}

	_, err = r.runScript(ctx, multiFoxsDir, "gasans",
		filepath.Join("sans", "gasans.py"),
		"foxs_dat_files.txt",
		filepath.Join(dir, job.DataFile),
	)
	if err != nil {
		span.SetStatus(codes.Error, "gasans failed")
		return r.HandleError(ctx, jc, job, types.StepGASANS, err)
	}

	r.markStep(ctx, job, types.StepGASANS, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "gasans complete")
	return nil
}
