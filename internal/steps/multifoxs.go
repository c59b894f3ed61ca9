package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bl1231/bilbomd-worker/internal/command"
	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/types"
	workererrors "github.com/bl1231/bilbomd-worker/internal/worker_errors"
)

// WriteDatFileList collects every computed profile under foxs/ into
// foxs_dat_files.txt, the input manifest MultiFoXS consumes. Paths are
// written relative to the multifoxs directory.
func WriteDatFileList(jobDir, multiFoxsDir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(jobDir, "foxs", "*", "*.pdb.dat"))
	if err != nil {
		return 0, err
	}
	sort.Strings(matches)

	var lines []string
	for _, match := range matches {
		rel, err := filepath.Rel(multiFoxsDir, match)
		if err != nil {
			return 0, err
		}
		lines = append(lines, rel)
	}

	listFile := filepath.Join(multiFoxsDir, "foxs_dat_files.txt")
	err = os.WriteFile(listFile, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
	if err != nil {
		return 0, err
	}
	return len(lines), nil
}

// RunMultiFoXS searches for the best multi-state ensembles over every
// computed profile.
func (r *Runner) RunMultiFoXS(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunMultiFoXS")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))
	r.markStep(ctx, job, types.StepMultiFoXS, types.StepRunning, "")

	dir := r.workDir(job)
	multiFoxsDir := filepath.Join(dir, "multifoxs")

	if err := os.MkdirAll(multiFoxsDir, 0o755); err != nil {
		span.SetStatus(codes.Error, "failed to create multifoxs dir")
		return r.HandleError(ctx, jc, job, types.StepMultiFoXS, err)
	}

	count, err := WriteDatFileList(dir, multiFoxsDir)
	if err != nil {
		span.SetStatus(codes.Error, "failed to build dat file list")
		return r.HandleError(ctx, jc, job, types.StepMultiFoXS, err)
	}
	if count == 0 {
		span.SetStatus(codes.Error, "no profiles to score")
		return r.HandleError(ctx, jc, job, types.StepMultiFoXS,
			fmt.Errorf("no .pdb.dat profiles found under %s", filepath.Join(dir, "foxs")))
	}
	span.SetAttributes(attribute.Int("profiles", count))

	result, err := r.Exec.Execute(ctx, &command.Command{
		Program: r.Cfg.Apps.MultiFoXS,
		Args:    []string{"-o", filepath.Join(dir, job.DataFile), "foxs_dat_files.txt"},
		Dir:     multiFoxsDir,
		LogName: "multi_foxs",
	})
	if err != nil {
		span.SetStatus(codes.Error, "failed to spawn multi_foxs")
		return r.HandleError(ctx, jc, job, types.StepMultiFoXS, err)
	}
	if result.ExitCode != 0 {
		span.SetStatus(codes.Error, "multi_foxs failed")
		return r.HandleError(ctx, jc, job, types.StepMultiFoXS,
			workererrors.ExitErrorWrap(result.ExitCode,
				fmt.Errorf("multi_foxs exited %d", result.ExitCode)))
	}

	r.markStep(ctx, job, types.StepMultiFoXS, types.StepSuccess, "")
	span.SetStatus(codes.Ok, "multifoxs complete")
	return nil
}
