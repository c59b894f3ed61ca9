package steps

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/types"
)

func TestRunDCD2PDB(t *testing.T) {
	newJob := func(t *testing.T, uploadDir string) *models.Job {
		t.Helper()
		job := &models.Job{
			UUID:                   "d2f1b0aa-0000-4000-8000-000000000000",
			PSFFile:                "model.psf",
			RgMin:                  20,
			RgMax:                  22,
			ConformationalSampling: 2,
			Steps:                  types.Steps{},
		}
		require.NoError(t, os.MkdirAll(job.WorkDir(uploadDir), 0o755))
		return job
	}

	t.Run("ExtractionsRunConcurrently", func(t *testing.T) {
		uploadDir := t.TempDir()
		job := newJob(t, uploadDir)

		// 2 Rg points x 2 runs
		exec := &gateExecutor{begun: make(chan string, 8), release: make(chan struct{})}
		runner := stubRunner(job, exec, uploadDir)

		done := make(chan error, 1)
		go func() {
			done <- runner.RunDCD2PDB(context.Background(), stubJobContext{}, job)
		}()

		for i := 0; i < 4; i++ {
			select {
			case <-exec.begun:
			case <-time.After(5 * time.Second):
				t.Fatalf("only %d of 4 extractions started; they must not run one at a time", i)
			}
		}
		close(exec.release)

		require.NoError(t, <-done)
		assert.Equal(t, types.StepSuccess, job.Steps.Get(types.StepDCD2PDB).Status)
	})

	t.Run("CreatesEveryRunDir", func(t *testing.T) {
		uploadDir := t.TempDir()
		job := newJob(t, uploadDir)

		exec := &recordingExecutor{}
		runner := stubRunner(job, exec, uploadDir)
		require.NoError(t, runner.RunDCD2PDB(context.Background(), stubJobContext{}, job))

		assert.Equal(t, 4, exec.ran("charmm"))
		for _, runDir := range []string{"rg20_run1", "rg20_run2", "rg21_run1", "rg21_run2"} {
			assert.DirExists(t, filepath.Join(job.WorkDir(uploadDir), "foxs", runDir))
		}
	})
}
