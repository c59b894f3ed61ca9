package pipelines_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl1231/bilbomd-worker/internal/command"
	"github.com/bl1231/bilbomd-worker/internal/config"
	"github.com/bl1231/bilbomd-worker/internal/mailer"
	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/pipelines"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/steps"
	"github.com/bl1231/bilbomd-worker/internal/store"
	"github.com/bl1231/bilbomd-worker/internal/types"
)

type fakeStore struct {
	job *models.Job
}

var _ store.Store = (*fakeStore)(nil)

func (f *fakeStore) JobByID(ctx context.Context, id string) (*models.Job, error) {
	return f.job, nil
}

func (f *fakeStore) JobByUUID(ctx context.Context, jobUUID string) (*models.Job, error) {
	return f.job, nil
}

func (f *fakeStore) IncompleteNerscJobs(ctx context.Context) ([]models.Job, error) {
	return nil, nil
}

func (f *fakeStore) Save(ctx context.Context, job *models.Job) error {
	return nil
}

func (f *fakeStore) UpdateStepStatus(
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

func (f *fakeStore) SetStatus(ctx context.Context, job *models.Job, status types.JobStatus) error {
	job.Status = status
	return nil
}

func (f *fakeStore) SetProgress(ctx context.Context, job *models.Job, progress int) error {
	job.Progress = progress
	return nil
}

// fakeExecutor records every spawned command and fails the ones whose
// program matches failProgram. Fan-out stages execute from multiple
// goroutines, so recording is mutex guarded.
type fakeExecutor struct {
	mu          sync.Mutex
	commands    []*command.Command
	failProgram string
}

var _ command.Executor = (*fakeExecutor)(nil)

func (f *fakeExecutor) Execute(ctx context.Context, cmd *command.Command) (*command.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	if cmd.Program == f.failProgram {
		return &command.Result{ExitCode: 1}, nil
	}
	return &command.Result{ExitCode: 0}, nil
}

func (f *fakeExecutor) ran(program string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, cmd := range f.commands {
		if cmd.Program == program {
			count++
		}
	}
	return count
}

type fakeJobContext struct {
	attempts int
	logs     []string
	progress []int
}

var _ queue.JobContext = (*fakeJobContext)(nil)

func (f *fakeJobContext) Log(ctx context.Context, line string) error {
	f.logs = append(f.logs, line)
	return nil
}

func (f *fakeJobContext) UpdateProgress(ctx context.Context, progress int) error {
	f.progress = append(f.progress, progress)
	return nil
}

func (f *fakeJobContext) ClearLogs(ctx context.Context) error {
	f.logs = nil
	return nil
}

func (f *fakeJobContext) AttemptsMade(ctx context.Context) int {
	return f.attempts
}

type fakeMailer struct {
	recipients []string
	failed     []bool
}

var _ mailer.Mailer = (*fakeMailer)(nil)

func (f *fakeMailer) SendJobCompleteEmail(
	ctx context.Context,
	recipient, jobID, title string,
	failed bool,
) error {
	f.recipients = append(f.recipients, recipient)
	f.failed = append(f.failed, failed)
	return nil
}

func testConfig(uploadDir string) *config.Config {
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

func testJob(t *testing.T, uploadDir string) *models.Job {
	t.Helper()

	job := &models.Job{
		Type:                   types.JobTypeCRD,
		Status:                 types.JobStatusSubmitted,
		Title:                  "test job",
		UUID:                   "6c5e0a9e-0000-4000-8000-000000000000",
		CRDFile:                "model.crd",
		PSFFile:                "model.psf",
		ConstFile:              "const.inp",
		DataFile:               "saxs.dat",
		RgMin:                  25,
		RgMax:                  25,
		ConformationalSampling: 1,
		Steps:                  types.Steps{},
		User:                   models.User{Email: "user@example.com"},
	}
	job.ID = uuid.New()
	job.User.ID = uuid.New()

	dir := job.WorkDir(uploadDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "saxs.dat"),
		[]byte("# q I(q) err\n0.01 1.0 0.1\n0.02 0.9 0.1\n0.03 0.8 0.1\n"),
		0o644,
	))

	// a precomputed profile so ensemble scoring has input
	runDir := filepath.Join(dir, "foxs", "rg25_run1")
	require.NoError(t, os.MkdirAll(runDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "frame_1.pdb.dat"), []byte("0.01 1.0\n"), 0o644))

	return job
}

func newTestPipeline(job *models.Job, exec *fakeExecutor, uploadDir string) (pipelines.Pipeline, *fakeMailer) {
	mail := &fakeMailer{}
	runner := steps.NewRunner(&fakeStore{job: job}, exec, mail, testConfig(uploadDir))
	reg := pipelines.NewRegistry(runner, nil, nil)
	p, _ := reg.For(types.JobTypeCRD)
	return p, mail
}

func TestCRDPipeline(t *testing.T) {
	t.Run("HappyPathCompletesJob", func(t *testing.T) {
		uploadDir := t.TempDir()
		job := testJob(t, uploadDir)
		exec := &fakeExecutor{}
		jc := &fakeJobContext{attempts: 1}

		p, mail := newTestPipeline(job, exec, uploadDir)
		require.NoError(t, p.Process(context.Background(), jc, job))

		assert.Equal(t, types.JobStatusCompleted, job.Status)
		assert.Equal(t, 100, job.Progress)
		assert.True(t, job.TimeStarted.Valid)
		assert.True(t, job.TimeCompleted.Valid)

		for _, step := range []types.StepName{
			types.StepMinimize, types.StepInitFoXS, types.StepHeat,
			types.StepMD, types.StepDCD2PDB, types.StepRemediate,
			types.StepFoXS, types.StepMultiFoXS, types.StepResults,
			types.StepEmail,
		} {
			assert.Equal(t, types.StepSuccess, job.Steps.Get(step).Status, string(step))
		}

		// minimize, heat, one md deck, one dcd2pdb deck
		assert.Equal(t, 4, exec.ran("charmm"))
		assert.Equal(t, 1, exec.ran("multi_foxs"))
		assert.Equal(t, 1, exec.ran("tar"))

		// the archive carries a machine-readable manifest next to the README
		raw, err := os.ReadFile(filepath.Join(job.WorkDir(uploadDir), "results", "bilbomd_job.json"))
		require.NoError(t, err, "results dir should contain the job manifest")
		var manifest struct {
			UUID  string   `json:"uuid"`
			Type  string   `json:"type"`
			Title string   `json:"title"`
			Files []string `json:"files"`
		}
		require.NoError(t, json.Unmarshal(raw, &manifest))
		assert.Equal(t, job.UUID, manifest.UUID)
		assert.Equal(t, "crd", manifest.Type)
		assert.Equal(t, "test job", manifest.Title)
		assert.Contains(t, manifest.Files, "saxs.dat")

		require.Len(t, mail.recipients, 1)
		assert.Equal(t, "user@example.com", mail.recipients[0])
		assert.False(t, mail.failed[0])
	})

	t.Run("FailedStepHaltsPipeline", func(t *testing.T) {
		uploadDir := t.TempDir()
		job := testJob(t, uploadDir)
		exec := &fakeExecutor{failProgram: "charmm"}
		jc := &fakeJobContext{attempts: 1}

		p, mail := newTestPipeline(job, exec, uploadDir)
		err := p.Process(context.Background(), jc, job)
		require.ErrorIs(t, err, steps.ErrPipelineFailed)

		assert.Equal(t, types.JobStatusError, job.Status)
		assert.Equal(t, types.StepError, job.Steps.Get(types.StepMinimize).Status)

		// nothing after the failed stage may run
		assert.Equal(t, types.StepWaiting, job.Steps.Get(types.StepInitFoXS).Status)
		assert.Equal(t, types.StepWaiting, job.Steps.Get(types.StepHeat).Status)
		assert.Equal(t, 1, exec.ran("charmm"))
		assert.Zero(t, exec.ran("foxs"))
		assert.Zero(t, exec.ran("multi_foxs"))

		// first delivery attempt, retries remain, so no email yet
		assert.Empty(t, mail.recipients)
	})

	t.Run("ExhaustedAttemptsSendFailureEmail", func(t *testing.T) {
		uploadDir := t.TempDir()
		job := testJob(t, uploadDir)
		exec := &fakeExecutor{failProgram: "charmm"}
		jc := &fakeJobContext{attempts: 3}

		p, mail := newTestPipeline(job, exec, uploadDir)
		err := p.Process(context.Background(), jc, job)
		require.ErrorIs(t, err, steps.ErrPipelineFailed)

		require.Len(t, mail.recipients, 1)
		assert.Equal(t, "user@example.com", mail.recipients[0])
		assert.True(t, mail.failed[0])
	})

	t.Run("ProgressCheckpointsAreMonotonic", func(t *testing.T) {
		uploadDir := t.TempDir()
		job := testJob(t, uploadDir)
		exec := &fakeExecutor{}
		jc := &fakeJobContext{attempts: 1}

		p, _ := newTestPipeline(job, exec, uploadDir)
		require.NoError(t, p.Process(context.Background(), jc, job))

		require.NotEmpty(t, jc.progress)
		for i := 1; i < len(jc.progress); i++ {
			assert.GreaterOrEqual(t, jc.progress[i], jc.progress[i-1])
		}
		assert.Equal(t, 100, jc.progress[len(jc.progress)-1])
	})
}

func TestPDBPipeline(t *testing.T) {
	t.Run("OpenMMEngineRunsPythonHelpers", func(t *testing.T) {
		uploadDir := t.TempDir()
		job := testJob(t, uploadDir)
		job.Type = types.JobTypePDB
		job.PDBFile = "model.pdb"
		job.MDEngine = types.MDEngineOpenMM

		exec := &fakeExecutor{}
		mail := &fakeMailer{}
		runner := steps.NewRunner(&fakeStore{job: job}, exec, mail, testConfig(uploadDir))
		reg := pipelines.NewRegistry(runner, nil, nil)
		p, ok := reg.For(types.JobTypePDB)
		require.True(t, ok)

		jc := &fakeJobContext{attempts: 1}
		require.NoError(t, p.Process(context.Background(), jc, job))

		assert.Equal(t, types.JobStatusCompleted, job.Status)
		assert.Equal(t, types.StepSuccess, job.Steps.Get(types.StepOpenMMCfg).Status)
		assert.Equal(t, types.StepSuccess, job.Steps.Get(types.StepMD).Status)
		assert.FileExists(t, filepath.Join(job.WorkDir(uploadDir), steps.OpenMMConfigFile))

		// minimize.py, heat.py, six md.py runs; no pdb2crd conversion
		assert.Equal(t, 8, exec.ran("python3"))
		// charmm only extracts trajectory frames
		assert.Equal(t, 1, exec.ran("charmm"))
	})
}

func TestRegistry(t *testing.T) {
	runner := steps.NewRunner(&fakeStore{}, &fakeExecutor{}, &fakeMailer{}, testConfig(t.TempDir()))

	t.Run("NerscPipelinesNeedAClient", func(t *testing.T) {
		reg := pipelines.NewRegistry(runner, nil, nil)

		_, ok := reg.For(types.JobTypePDB)
		assert.True(t, ok)
		_, ok = reg.For(types.JobTypeMulti)
		assert.True(t, ok)
		_, ok = reg.For(types.JobTypeNersc)
		assert.False(t, ok)
		_, ok = reg.For(types.JobTypeWebhook)
		assert.False(t, ok)
	})

	t.Run("UnknownTypeNotRegistered", func(t *testing.T) {
		reg := pipelines.NewRegistry(runner, nil, nil)
		_, ok := reg.For(types.JobTypeUnknown)
		assert.False(t, ok)
	})
}
