package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"

	"github.com/bl1231/bilbomd-worker/internal/logger"
	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/types"
)

// InitializeJob moves a dequeued job into the Running state. A job
// without a resolvable user is unprocessable.
func (r *Runner) InitializeJob(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.InitializeJob")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))

	if job.User.ID == uuid.Nil {
		err := fmt.Errorf("no user found for: %s", job.UUID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "job has no user")
		return err
	}

	// drop logs from a previous delivery attempt of this message
	if err := jc.ClearLogs(ctx); err != nil {
		logger.Logger.WarnContext(ctx, "failed to clear previous logs", "error", err)
	}

	job.Status = types.JobStatusRunning
	job.TimeStarted = datatypes.NewNull(time.Now().Format(time.RFC3339))
	if err := r.Store.Save(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark job running")
		return err
	}

	span.SetStatus(codes.Ok, "initialized job")
	return nil
}

// CleanupJob finalizes a successful pipeline: Completed status, end
// timestamp, and a success notification.
func (r *Runner) CleanupJob(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
) error {
	ctx, span := tracer.Start(ctx, "Runner.CleanupJob")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", job.UUID))

	job.Status = types.JobStatusCompleted
	job.TimeCompleted = datatypes.NewNull(time.Now().Format(time.RFC3339))
	if err := r.Store.Save(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark job completed")
		return err
	}

	r.markStep(ctx, job, types.StepEmail, types.StepRunning, "")
	if err := r.Mail.SendJobCompleteEmail(ctx, job.User.Email, job.ID.String(), job.Title, false); err != nil {
		logger.Logger.WarnContext(ctx, "failed to send completion email", "error", err)
	} else {
		_ = jc.Log(ctx, fmt.Sprintf("email notification sent to %s", job.User.Email))
	}
	r.markStep(ctx, job, types.StepEmail, types.StepSuccess, "")

	span.SetStatus(codes.Ok, "cleaned up job")
	return nil
}
