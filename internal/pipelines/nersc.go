package pipelines

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/bl1231/bilbomd-worker/internal/config"
	"github.com/bl1231/bilbomd-worker/internal/logger"
	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/nersc"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/steps"
	"github.com/bl1231/bilbomd-worker/internal/types"
)

// NerscPipeline delegates the compute-heavy stages to Perlmutter via
// the Superfacility API. The worker prepares and submits a batch
// script, then reconciles remote progress from the status file the
// script maintains until the slurm job reaches a terminal state.
type NerscPipeline struct {
	runner *steps.Runner
	client *nersc.Client
	cfg    *config.Config
}

var _ Pipeline = (*NerscPipeline)(nil)

func (p *NerscPipeline) Process(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "NerscPipeline.Process", trace.WithAttributes(
		attribute.String("uuid", job.UUID),
	))
	defer span.End()

	r := p.runner

	if err := r.InitializeJob(ctx, jc, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "initialization failed")
		return err
	}
	p.seedRemoteSteps(ctx, job)
	checkpoint(ctx, r, jc, job, 1)

	if err := p.prepareSlurmScript(ctx, jc, job); err != nil {
		span.SetStatus(codes.Error, "slurm preparation failed")
		return err
	}
	checkpoint(ctx, r, jc, job, 5)

	slurmID, err := p.submitSlurmJob(ctx, jc, job)
	if err != nil {
		span.SetStatus(codes.Error, "slurm submission failed")
		return err
	}
	span.SetAttributes(attribute.String("slurmID", slurmID))
	checkpoint(ctx, r, jc, job, 10)

	if err = p.watchSlurmJob(ctx, jc, job, slurmID); err != nil {
		span.SetStatus(codes.Error, "slurm job failed")
		return err
	}
	checkpoint(ctx, r, jc, job, 90)

	if err = p.copyResults(ctx, jc, job); err != nil {
		span.SetStatus(codes.Error, "result copy failed")
		return err
	}
	checkpoint(ctx, r, jc, job, 95)

	if err = r.CleanupJob(ctx, jc, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cleanup failed")
		return err
	}
	checkpoint(ctx, r, jc, job, 100)

	span.SetStatus(codes.Ok, "nersc pipeline complete")
	return nil
}

// seedRemoteSteps records the delegation-specific steps as Waiting so
// the frontend renders them ahead of the usual science steps.
func (p *NerscPipeline) seedRemoteSteps(ctx context.Context, job *models.Job) {
	for _, step := range []types.StepName{
		types.StepNerscPrep,
		types.StepNerscSubmit,
		types.StepNerscStatus,
		types.StepNerscCopy,
	} {
		if err := p.runner.Store.UpdateStepStatus(ctx, job, step, types.StepWaiting, ""); err != nil {
			logger.Logger.WarnContext(ctx, "failed to seed remote step",
				"uuid", job.UUID, "step", step, "error", err)
		}
	}
}

// prepareSlurmScript generates bilbomd.slurm in the job's remote work
// directory by running the generator script on a login node.
func (p *NerscPipeline) prepareSlurmScript(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "NerscPipeline.prepareSlurmScript")
	defer span.End()

	r := p.runner
	if err := r.Store.UpdateStepStatus(ctx, job, types.StepNerscPrep, types.StepRunning, ""); err != nil {
		logger.Logger.WarnContext(ctx, "failed to persist step status", "error", err)
	}
	_ = jc.Log(ctx, "start nersc_prepare_slurm_batch")

	cmd := fmt.Sprintf("%s %s",
		filepath.Join(p.cfg.Nersc.ScriptsDir, "make-bilbomd.sh"),
		job.UUID,
	)
	taskID, err := p.client.ExecuteScript(ctx, cmd)
	if err != nil {
		span.SetStatus(codes.Error, "failed to start generator")
		return r.HandleError(ctx, jc, job, types.StepNerscPrep, err)
	}
	if _, err = p.client.WatchTask(ctx, taskID); err != nil {
		span.SetStatus(codes.Error, "generator task failed")
		return r.HandleError(ctx, jc, job, types.StepNerscPrep, err)
	}

	if err = r.Store.UpdateStepStatus(ctx, job, types.StepNerscPrep, types.StepSuccess, ""); err != nil {
		logger.Logger.WarnContext(ctx, "failed to persist step status", "error", err)
	}
	_ = jc.Log(ctx, "end nersc_prepare_slurm_batch")
	span.SetStatus(codes.Ok, "slurm script prepared")
	return nil
}

// submitSlurmJob submits the generated batch script and records the
// slurm job id on the job row.
func (p *NerscPipeline) submitSlurmJob(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) (string, error) {
	ctx, span := tracer.Start(ctx, "NerscPipeline.submitSlurmJob")
	defer span.End()

	r := p.runner
	if err := r.Store.UpdateStepStatus(ctx, job, types.StepNerscSubmit, types.StepRunning, ""); err != nil {
		logger.Logger.WarnContext(ctx, "failed to persist step status", "error", err)
	}
	_ = jc.Log(ctx, "start nersc_submit_slurm_batch")

	scriptPath := filepath.Join(p.cfg.Nersc.WorkDir, job.UUID, "bilbomd.slurm")
	taskID, err := p.client.SubmitJob(ctx, scriptPath)
	if err != nil {
		span.SetStatus(codes.Error, "failed to submit batch script")
		return "", r.HandleError(ctx, jc, job, types.StepNerscSubmit, err)
	}
	task, err := p.client.WatchTask(ctx, taskID)
	if err != nil {
		span.SetStatus(codes.Error, "submit task failed")
		return "", r.HandleError(ctx, jc, job, types.StepNerscSubmit, err)
	}
	slurmID, err := nersc.ParseSubmitResult(task.Result)
	if err != nil {
		span.SetStatus(codes.Error, "submit result unusable")
		return "", r.HandleError(ctx, jc, job, types.StepNerscSubmit, err)
	}

	job.Nersc = datatypes.NewNull(models.NerscInfo{
		JobID:         slurmID,
		State:         types.SlurmPending,
		TimeSubmitted: time.Now().Format(time.RFC3339),
	})
	if err = r.Store.Save(ctx, job); err != nil {
		span.SetStatus(codes.Error, "failed to persist slurm id")
		return "", r.HandleError(ctx, jc, job, types.StepNerscSubmit, err)
	}

	if err = r.Store.UpdateStepStatus(ctx, job, types.StepNerscSubmit, types.StepSuccess, ""); err != nil {
		logger.Logger.WarnContext(ctx, "failed to persist step status", "error", err)
	}
	_ = jc.Log(ctx, fmt.Sprintf("end nersc_submit_slurm_batch, slurm job %s", slurmID))
	span.SetAttributes(attribute.String("slurmID", slurmID))
	span.SetStatus(codes.Ok, "batch script submitted")
	return slurmID, nil
}

// watchSlurmJob polls the slurm job and, on each poll, reconciles the
// remote status file into the job's step records and progress.
func (p *NerscPipeline) watchSlurmJob(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
	slurmID string,
) error {
	ctx, span := tracer.Start(ctx, "NerscPipeline.watchSlurmJob", trace.WithAttributes(
		attribute.String("slurmID", slurmID),
	))
	defer span.End()

	r := p.runner
	if err := r.Store.UpdateStepStatus(ctx, job, types.StepNerscStatus, types.StepRunning, ""); err != nil {
		logger.Logger.WarnContext(ctx, "failed to persist step status", "error", err)
	}
	_ = jc.Log(ctx, "start nersc_job_status")

	statusPath := filepath.Join(p.cfg.Nersc.WorkDir, job.UUID, "status.txt")
	finalState, err := p.client.WatchJob(ctx, slurmID, func(ctx context.Context, state string) error {
		p.recordSlurmState(ctx, job, state)
		return p.reconcileStatusFile(ctx, jc, job, statusPath)
	})
	if err != nil {
		span.SetStatus(codes.Error, "watch failed")
		return r.HandleError(ctx, jc, job, types.StepNerscStatus, err)
	}

	p.recordSlurmState(ctx, job, finalState)
	// pick up steps the batch script finished between the last two polls
	if err = p.reconcileStatusFile(ctx, jc, job, statusPath); err != nil {
		logger.Logger.WarnContext(ctx, "final status reconcile failed", "error", err)
	}

	if types.NormalizeSlurmState(finalState) != types.SlurmCompleted {
		span.SetStatus(codes.Error, "slurm job did not complete")
		return r.HandleError(ctx, jc, job, types.StepNerscStatus,
			fmt.Errorf("slurm job %s finished as %s", slurmID, finalState))
	}

	if err = r.Store.UpdateStepStatus(ctx, job, types.StepNerscStatus, types.StepSuccess, ""); err != nil {
		logger.Logger.WarnContext(ctx, "failed to persist step status", "error", err)
	}
	_ = jc.Log(ctx, "end nersc_job_status")
	span.SetStatus(codes.Ok, "slurm job completed")
	return nil
}

func (p *NerscPipeline) recordSlurmState(ctx context.Context, job *models.Job, state string) {
	info, ok := job.Nersc.V, job.Nersc.Valid
	if !ok {
		return
	}

	normalized := types.NormalizeSlurmState(state)
	if info.State == normalized {
		return
	}
	info.State = normalized

	now := time.Now().Format(time.RFC3339)
	switch normalized {
	case types.SlurmRunning:
		if info.TimeStarted == "" {
			info.TimeStarted = now
		}
	case types.SlurmCompleted, types.SlurmFailed, types.SlurmCancelled,
		types.SlurmTimeout, types.SlurmDeadline:
		if info.TimeCompleted == "" {
			info.TimeCompleted = now
		}
	}

	job.Nersc = datatypes.NewNull(info)
	if err := p.runner.Store.Save(ctx, job); err != nil {
		logger.Logger.WarnContext(ctx, "failed to persist slurm state",
			"uuid", job.UUID, "state", normalized, "error", err)
	}
}

// reconcileStatusFile downloads status.txt and folds its step states
// into the job record, then republishes aggregate progress.
func (p *NerscPipeline) reconcileStatusFile(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
	statusPath string,
) error {
	data, err := p.client.Download(ctx, statusPath)
	if err != nil {
		return err
	}

	for step, state := range nersc.ParseStatusFile(data) {
		if job.Steps.Get(step).Status == state {
			continue
		}
		if err = p.runner.Store.UpdateStepStatus(ctx, job, step, state, ""); err != nil {
			logger.Logger.WarnContext(ctx, "failed to reconcile step",
				"uuid", job.UUID, "step", step, "error", err)
		}
	}

	checkpoint(ctx, p.runner, jc, job, nersc.Progress(job.Steps))
	return nil
}

// copyResults stages the finished work directory onto CFS so the
// frontend can serve the archive.
func (p *NerscPipeline) copyResults(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "NerscPipeline.copyResults")
	defer span.End()

	r := p.runner
	if err := r.Store.UpdateStepStatus(ctx, job, types.StepNerscCopy, types.StepRunning, ""); err != nil {
		logger.Logger.WarnContext(ctx, "failed to persist step status", "error", err)
	}
	_ = jc.Log(ctx, "start nersc_copy_results_to_cfs")

	cmd := fmt.Sprintf("%s %s",
		filepath.Join(p.cfg.Nersc.ScriptsDir, "copy-results-to-cfs.sh"),
		job.UUID,
	)
	taskID, err := p.client.ExecuteScript(ctx, cmd)
	if err != nil {
		span.SetStatus(codes.Error, "failed to start copy")
		return r.HandleError(ctx, jc, job, types.StepNerscCopy, err)
	}
	if _, err = p.client.WatchTask(ctx, taskID); err != nil {
		span.SetStatus(codes.Error, "copy task failed")
		return r.HandleError(ctx, jc, job, types.StepNerscCopy, err)
	}

	if err = r.Store.UpdateStepStatus(ctx, job, types.StepNerscCopy, types.StepSuccess, ""); err != nil {
		logger.Logger.WarnContext(ctx, "failed to persist step status", "error", err)
	}
	_ = jc.Log(ctx, "end nersc_copy_results_to_cfs")
	span.SetStatus(codes.Ok, "results copied")
	return nil
}
