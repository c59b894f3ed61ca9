package steps

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

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

// c1/c2 fitting bounds for the initial FoXS comparison
const (
	foxsMinC1 = "0.99"
	foxsMaxC1 = "1.05"
	foxsMinC2 = "-0.50"
	foxsMaxC2 = "2.00"
)

// CountDataPoints counts the data rows of a SAXS profile, skipping
// blank lines and comments.
func CountDataPoints(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		count++
	}
	return count, scanner.Err()
}

// RunInitFoXS fits the minimized structure against the experimental
// profile, establishing the baseline chi-square before sampling.
func (r *Runner) RunInitFoXS(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunInitFoXS")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepInitFoXS, types.StepRunning, "")

	dir := r.workDir(job)

	points, err := CountDataPoints(filepath.Join(dir, job.DataFile))
	if err != nil {
		span.SetStatus(codes.Error, "failed to count data points")
		return r.HandleError(ctx, jc, job, types.StepInitFoXS, err)
	}
	profileSize := points - 1
	span.SetAttributes(attribute.Int("profileSize", profileSize))

	result, err := r.Exec.Execute(ctx, &command.Command{
		Program: r.Cfg.Apps.FoXS,
		Args: []string{
			"-o",
			"--min_c1=" + foxsMinC1,
			"--max_c1=" + foxsMaxC1,
			"--min_c2=" + foxsMinC2,
			"--max_c2=" + foxsMaxC2,
			fmt.Sprintf("--profile_size=%d", profileSize),
			"minimization_output.pdb",
			job.DataFile,
		},
		Dir:     dir,
		LogName: "initial_foxs_analysis",
	})
	if err != nil {
		span.SetStatus(codes.Error, "failed to spawn foxs")
		return r.HandleError(ctx, jc, job, types.StepInitFoXS, err)
	}
	if result.ExitCode != 0 {
		span.SetStatus(codes.Error, "initial foxs fit failed")
		return r.HandleError(ctx, jc, job, types.StepInitFoXS,
			workererrors.ExitErrorWrap(result.ExitCode,
				fmt.Errorf("foxs exited %d", result.ExitCode)))
	}

	r.markStep(ctx, job, types.StepInitFoXS, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "initial foxs fit complete")
	return nil
}

// RunDCD2PDB extracts PDB frames from every dynamics trajectory into
// per-run subdirectories under foxs/, one concurrent CHARMM deck per
// rg/run combination. The first failure cancels the rest.
func (r *Runner) RunDCD2PDB(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunDCD2PDB")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepDCD2PDB, types.StepRunning, "")

	dir := r.workDir(job)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, rg := range RgValues(job.RgMin, job.RgMax) {
		for run := 1; run <= job.ConformationalSampling; run++ {
			runDir := fmt.Sprintf("rg%d_run%d", rg, run)
			if err := os.MkdirAll(filepath.Join(dir, "foxs", runDir), 0o755); err != nil {
				span.SetStatus(codes.Error, "failed to create run dir")
				return r.HandleError(ctx, jc, job, types.StepDCD2PDB, err)
			}

			basename := fmt.Sprintf("dcd2pdb_rg%d_run%d", rg, run)
			params := charmm.Params{
				OutDir:     dir,
				TopoDir:    r.Cfg.TopologyDir,
				InputFile:  basename + ".inp",
				OutputFile: basename + ".out",
				PSFFile:    job.PSFFile,
				Basename:   basename,
				DCDFile:    fmt.Sprintf("dynamics_rg%d_run%d.dcd", rg, run),
				RunDir:     runDir,
			}

			if err := charmm.WriteInput(ctx, charmm.TemplateDCD2PDB, params); err != nil {
				span.SetStatus(codes.Error, "failed to write dcd2pdb deck")
				return r.HandleError(ctx, jc, job, types.StepDCD2PDB, err)
			}

			group.Go(func() error {
				return r.runCharmm(groupCtx, dir, params.InputFile, params.OutputFile)
			})
		}
	}

	if err := group.Wait(); err != nil {
		span.SetStatus(codes.Error, "frame extraction failed")
		return r.HandleError(ctx, jc, job, types.StepDCD2PDB, err)
	}

	r.markStep(ctx, job, types.StepDCD2PDB, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "extracted trajectory frames")
	return nil
}

// RunFoXS computes a theoretical profile for every extracted frame,
// fanning out across the run directories.
func (r *Runner) RunFoXS(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunFoXS")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepFoXS, types.StepRunning, "")

	dir := r.workDir(job)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, runDir := range RunDirs(job.RgMin, job.RgMax, job.ConformationalSampling) {
		foxsRunDir := filepath.Join(dir, "foxs", runDir)
		group.Go(func() error {
			return r.profileDir(groupCtx, foxsRunDir)
		})
	}

	if err := group.Wait(); err != nil {
		span.SetStatus(codes.Error, "foxs profiling failed")
		return r.HandleError(ctx, jc, job, types.StepFoXS, err)
	}

	r.markStep(ctx, job, types.StepFoXS, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "computed foxs profiles")
	return nil
}

func (r *Runner) profileDir(ctx context.Context, runDir string) error {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pdb") {
			continue
		}

		result, err := r.Exec.Execute(ctx, &command.Command{
			Program: r.Cfg.Apps.FoXS,
			Args:    []string{"-p", entry.Name()},
			Dir:     runDir,
		})
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return workererrors.ExitErrorWrap(
				result.ExitCode,
				fmt.Errorf("foxs exited %d for %s", result.ExitCode, entry.Name()),
			)
		}
	}
	return nil
}
