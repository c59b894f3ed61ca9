package store

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/types"
)

var tracer = otel.Tracer("github.com/bl1231/bilbomd-worker/internal/store")

// Store is the persistence boundary for jobs and users. Pipelines only
// talk to this interface so tests can run against an in-memory fake.
type Store interface {
	// JobByID loads a job with its user association populated
	JobByID(ctx context.Context, id string) (*models.Job, error)
	// JobByUUID loads a job by its working-directory key
	JobByUUID(ctx context.Context, jobUUID string) (*models.Job, error)
	// IncompleteNerscJobs lists jobs with a submitted slurm job that has
	// not reached a terminal state yet
	IncompleteNerscJobs(ctx context.Context) ([]models.Job, error)
	Save(ctx context.Context, job *models.Job) error
	// UpdateStepStatus records a step transition on the job. Last write
	// wins; recording the same state twice leaves the job unchanged.
	UpdateStepStatus(
		ctx context.Context,
		job *models.Job,
		step types.StepName,
		state types.StepState,
		message string,
	) error
	SetStatus(ctx context.Context, job *models.Job, status types.JobStatus) error
	SetProgress(ctx context.Context, job *models.Job, progress int) error
}
