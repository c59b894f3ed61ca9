package steps

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bl1231/bilbomd-worker/internal/logger"
	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/types"
	workererrors "github.com/bl1231/bilbomd-worker/internal/worker_errors"
)

// ErrPipelineFailed aborts pipeline advancement after a step failure.
var ErrPipelineFailed = errors.New("bilbomd pipeline failed")

// HandleError is the single failure path for all stages: it records the
// failure on the step and the job, notifies the user once retries are
// exhausted, and returns the error the orchestrator stops on.
func (r *Runner) HandleError(
	ctx context.Context,
	jc queue.JobContext,
	job *models.Job,
	step types.StepName,
	cause error,
) error {
	ctx, span := tracer.Start(ctx, "Runner.HandleError")
	defer span.End()

	span.SetAttributes(
		attribute.String("uuid", job.UUID),
		attribute.String("step", string(step)),
	)
	span.RecordError(cause)

	r.markStep(ctx, job, step, types.StepError, cause.Error())

	if err := r.Store.SetStatus(ctx, job, types.JobStatusError); err != nil {
		logger.Logger.ErrorContext(ctx, "failed to mark job errored", "uuid", job.UUID, "error", err)
	}

	_ = jc.Log(ctx, fmt.Sprintf("error in %s: %s", step, cause.Error()))

	attempts := jc.AttemptsMade(ctx)
	logger.Logger.WarnContext(ctx, "step failed",
		"uuid", job.UUID,
		"step", step,
		"attempts", attempts,
		"error", cause,
	)

	if attempts >= r.Cfg.Worker.MaxAttempts {
		if err := r.Mail.SendJobCompleteEmail(ctx, job.User.Email, job.ID.String(), job.Title, true); err != nil {
			logger.Logger.WarnContext(ctx, "failed to send failure email", "error", err)
		} else {
			_ = jc.Log(ctx, fmt.Sprintf("email notification sent to %s", job.User.Email))
		}
	}

	span.SetStatus(codes.Error, "step failed")
	return workererrors.StepErrorWrap(step, exitCodeOf(cause), fmt.Errorf("%w: %w", ErrPipelineFailed, cause))
}

func exitCodeOf(err error) int {
	var se workererrors.StepError
	if errors.As(err, &se) {
		return se.ExitCode
	}
	var ee workererrors.ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 0
}
