package handler_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl1231/bilbomd-worker/cmd/worker/internal/handler"
	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/pipelines"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/store"
	"github.com/bl1231/bilbomd-worker/internal/types"
)

type fakeStore struct {
	jobs map[string]*models.Job
}

var _ store.Store = (*fakeStore)(nil)

func (f *fakeStore) JobByID(ctx context.Context, id string) (*models.Job, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeStore) JobByUUID(ctx context.Context, jobUUID string) (*models.Job, error) {
	job, ok := f.jobs[jobUUID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobUUID)
	}
	return job, nil
}

func (f *fakeStore) IncompleteNerscJobs(ctx context.Context) ([]models.Job, error) {
	return nil, nil
}

func (f *fakeStore) Save(ctx context.Context, job *models.Job) error { return nil }

func (f *fakeStore) UpdateStepStatus(
	ctx context.Context,
	job *models.Job,
	step types.StepName,
	state types.StepState,
	message string,
) error {
	return nil
}

func (f *fakeStore) SetStatus(ctx context.Context, job *models.Job, status types.JobStatus) error {
	return nil
}

func (f *fakeStore) SetProgress(ctx context.Context, job *models.Job, progress int) error {
	return nil
}

type fakePipeline struct {
	processed []*models.Job
	err       error
}

var _ pipelines.Pipeline = (*fakePipeline)(nil)

func (f *fakePipeline) Process(ctx context.Context, jc queue.JobContext, job *models.Job) error {
	f.processed = append(f.processed, job)
	return f.err
}

type nopJobContext struct{}

var _ queue.JobContext = nopJobContext{}

func (nopJobContext) Log(ctx context.Context, line string) error             { return nil }
func (nopJobContext) UpdateProgress(ctx context.Context, progress int) error { return nil }
func (nopJobContext) ClearLogs(ctx context.Context) error                    { return nil }
func (nopJobContext) AttemptsMade(ctx context.Context) int                   { return 1 }

func jobContextFactory(string) queue.JobContext { return nopJobContext{} }

func TestHandle(t *testing.T) {
	pdbJob := &models.Job{Type: types.JobTypePDB, UUID: "uuid-1"}

	t.Run("DispatchesToRegisteredPipeline", func(t *testing.T) {
		pipeline := &fakePipeline{}
		st := &fakeStore{jobs: map[string]*models.Job{"uuid-1": pdbJob}}
		h := handler.New(st, jobContextFactory, pipelines.Registry{types.JobTypePDB: pipeline})

		err := h.Handle(context.Background(), []byte(`{"type":"pdb","uuid":"uuid-1"}`))
		require.NoError(t, err)
		require.Len(t, pipeline.processed, 1)
		assert.Same(t, pdbJob, pipeline.processed[0])
	})

	t.Run("MalformedMessageIsPoison", func(t *testing.T) {
		h := handler.New(&fakeStore{}, jobContextFactory, pipelines.Registry{})

		err := h.Handle(context.Background(), []byte("not json"))
		var pe *queue.PoisonError
		require.ErrorAs(t, err, &pe)
	})

	t.Run("UnknownJobIsPoison", func(t *testing.T) {
		h := handler.New(&fakeStore{jobs: map[string]*models.Job{}}, jobContextFactory, pipelines.Registry{})

		err := h.Handle(context.Background(), []byte(`{"type":"pdb","uuid":"missing"}`))
		var pe *queue.PoisonError
		require.ErrorAs(t, err, &pe)
	})

	t.Run("UnroutableTypeIsPoison", func(t *testing.T) {
		st := &fakeStore{jobs: map[string]*models.Job{"uuid-1": pdbJob}}
		h := handler.New(st, jobContextFactory, pipelines.Registry{})

		err := h.Handle(context.Background(), []byte(`{"type":"pdb","uuid":"uuid-1"}`))
		var pe *queue.PoisonError
		require.ErrorAs(t, err, &pe)
	})

	t.Run("PipelineErrorIsNotPoison", func(t *testing.T) {
		pipeline := &fakePipeline{err: errors.New("charmm blew up")}
		st := &fakeStore{jobs: map[string]*models.Job{"uuid-1": pdbJob}}
		h := handler.New(st, jobContextFactory, pipelines.Registry{types.JobTypePDB: pipeline})

		err := h.Handle(context.Background(), []byte(`{"type":"pdb","uuid":"uuid-1"}`))
		require.Error(t, err)
		var pe *queue.PoisonError
		assert.False(t, errors.As(err, &pe), "a failed pipeline must be retried, not poisoned")
	})
}
