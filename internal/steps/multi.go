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

// RunCombinedMultiFoXS scores the pooled conformations of several
// finished jobs against this job's experimental profile. The member
// jobs are referenced by their working-directory UUIDs.
func (r *Runner) RunCombinedMultiFoXS(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.RunCombinedMultiFoXS")
	defer span.End()

	span.SetAttributes(
		attribute.String("uuid", job.UUID),
		attribute.StringSlice("members", job.BilboMDUUIDs),
	)
	r.markStep(ctx, job, types.StepMultiFoXS, types.StepRunning, "")

	dir := r.workDir(job)
	multiFoxsDir := filepath.Join(dir, "multifoxs")

	if err := os.MkdirAll(multiFoxsDir, 0o755); err != nil {
		span.SetStatus(codes.Error, "failed to create multifoxs dir")
		return r.HandleError(ctx, jc, job, types.StepMultiFoXS, err)
	}

	var pooled []string
	for _, memberUUID := range job.BilboMDUUIDs {
		memberDir := filepath.Join(r.Cfg.UploadDir, memberUUID)
		matches, err := filepath.Glob(filepath.Join(memberDir, "foxs", "*", "*.pdb.dat"))
		if err != nil {
			span.SetStatus(codes.Error, "failed to enumerate member profiles")
			return r.HandleError(ctx, jc, job, types.StepMultiFoXS, err)
		}
		if len(matches) == 0 {
			span.SetStatus(codes.Error, "member job has no profiles")
			return r.HandleError(ctx, jc, job, types.StepMultiFoXS,
				fmt.Errorf("member job %s has no computed profiles", memberUUID))
		}
		pooled = append(pooled, matches...)
		_ = jc.Log(ctx, fmt.Sprintf("pooled %d profiles from %s", len(matches), memberUUID))
	}
	sort.Strings(pooled)
	span.SetAttributes(attribute.Int("profiles", len(pooled)))

	listFile := filepath.Join(multiFoxsDir, "multi_md_foxs_files.txt")
	err := os.WriteFile(listFile, []byte(strings.Join(pooled, "\n")+"\n"), 0o644)
	if err != nil {
		span.SetStatus(codes.Error, "failed to write pooled list")
		return r.HandleError(ctx, jc, job, types.StepMultiFoXS, err)
	}

	result, err := r.Exec.Execute(ctx, &command.Command{
		Program: r.Cfg.Apps.MultiFoXS,
		Args:    []string{"-o", filepath.Join(dir, job.DataFile), "multi_md_foxs_files.txt"},
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
	span.SetStatus(codes.Ok, "combined multifoxs complete")
	return nil
}
