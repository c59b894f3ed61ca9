// Package steps implements the individual pipeline stages. Every stage
// follows the same shape: mark the step Running, do the work, then mark
// Success or route the failure through HandleError.
package steps

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/bl1231/bilbomd-worker/internal/command"
	"github.com/bl1231/bilbomd-worker/internal/config"
	"github.com/bl1231/bilbomd-worker/internal/logger"
	"github.com/bl1231/bilbomd-worker/internal/mailer"
	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/store"
	"github.com/bl1231/bilbomd-worker/internal/types"
)

var tracer = otel.Tracer("github.com/bl1231/bilbomd-worker/internal/steps")

// Runner bundles the collaborators every stage needs.
type Runner struct {
	Store store.Store
	Exec  command.Executor
	Mail  mailer.Mailer
	Cfg   *config.Config
}

func NewRunner(
	st store.Store,
	exec command.Executor,
	mail mailer.Mailer,
	cfg *config.Config,
) *Runner {
	return &Runner{Store: st, Exec: exec, Mail: mail, Cfg: cfg}
}

// markStep records a step transition. A persistence failure here must
// not kill a multi-hour pipeline, so it is logged and swallowed.
func (r *Runner) markStep(
	ctx context.Context,
	job *models.Job,
	step types.StepName,
	state types.StepState,
	message string,
) {
	err := r.Store.UpdateStepStatus(ctx, job, step, state, message)
	if err != nil {
		logger.Logger.ErrorContext(ctx, "failed to persist step status",
			"uuid", job.UUID,
			"step", step,
			"state", state,
			"error", err,
		)
	}
}

func (r *Runner) workDir(job *models.Job) string {
	return job.WorkDir(r.Cfg.UploadDir)
}
