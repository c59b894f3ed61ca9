package steps

import (
	"context"
	"sync"

	"github.com/bl1231/bilbomd-worker/internal/command"
	"github.com/bl1231/bilbomd-worker/internal/config"
	"github.com/bl1231/bilbomd-worker/internal/mailer"
	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/store"
	"github.com/bl1231/bilbomd-worker/internal/types"
)

type stubStore struct {
	job *models.Job
}

var _ store.Store = (*stubStore)(nil)

func (s *stubStore) JobByID(ctx context.Context, id string) (*models.Job, error) {
	return s.job, nil
}

func (s *stubStore) JobByUUID(ctx context.Context, jobUUID string) (*models.Job, error) {
	return s.job, nil
}

func (s *stubStore) IncompleteNerscJobs(ctx context.Context) ([]models.Job, error) {
	return nil, nil
}

func (s *stubStore) Save(ctx context.Context, job *models.Job) error {
	return nil
}

func (s *stubStore) UpdateStepStatus(
	ctx context.Context,
	job *models.Job,
	step types.StepName,
	state types.StepState,
	message string,
) error {
	if job.Steps == nil {
		job.Steps = types.Steps{}
	}
	job.Steps.Set(step, state, message)
	return nil
}

func (s *stubStore) SetStatus(ctx context.Context, job *models.Job, status types.JobStatus) error {
	job.Status = status
	return nil
}

func (s *stubStore) SetProgress(ctx context.Context, job *models.Job, progress int) error {
	job.Progress = progress
	return nil
}

// recordingExecutor captures spawned commands; safe for concurrent use
// since fan-out stages execute from multiple goroutines.
type recordingExecutor struct {
	mu       sync.Mutex
	commands []*command.Command
}

var _ command.Executor = (*recordingExecutor)(nil)

func (r *recordingExecutor) Execute(ctx context.Context, cmd *command.Command) (*command.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	return &command.Result{ExitCode: 0}, nil
}

func (r *recordingExecutor) ran(program string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, cmd := range r.commands {
		if cmd.Program == program {
			count++
		}
	}
	return count
}

// gateExecutor blocks every spawned command on a shared gate so a test
// can observe how many are in flight at once.
type gateExecutor struct {
	begun   chan string
	release chan struct{}
}

var _ command.Executor = (*gateExecutor)(nil)

func (g *gateExecutor) Execute(ctx context.Context, cmd *command.Command) (*command.Result, error) {
	g.begun <- cmd.Program
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &command.Result{ExitCode: 0}, nil
}

type stubMailer struct{}

var _ mailer.Mailer = (*stubMailer)(nil)

func (stubMailer) SendJobCompleteEmail(
	ctx context.Context,
	recipient, jobID, title string,
	failed bool,
) error {
	return nil
}

type stubJobContext struct{}

var _ queue.JobContext = (*stubJobContext)(nil)

func (stubJobContext) Log(ctx context.Context, line string) error { return nil }

func (stubJobContext) UpdateProgress(ctx context.Context, prog int) error { return nil }

func (stubJobContext) ClearLogs(ctx context.Context) error { return nil }

func (stubJobContext) AttemptsMade(ctx context.Context) int { return 1 }

func stubConfig(uploadDir string) *config.Config {
	return &config.Config{
		Apps: &config.AppsConfig{
			CHARMM:    "charmm",
			FoXS:      "foxs",
			MultiFoXS: "multi_foxs",
			PepsiSANS: "Pepsi-SANS",
			Python:    "python3",
		},
		Worker:      &config.WorkerConfig{Concurrency: 1, MaxAttempts: 3},
		UploadDir:   uploadDir,
		ScriptsDir:  "/app/scripts",
		TopologyDir: "/app/scripts/toppar",
	}
}

func stubRunner(job *models.Job, exec command.Executor, uploadDir string) *Runner {
	return NewRunner(&stubStore{job: job}, exec, stubMailer{}, stubConfig(uploadDir))
}
