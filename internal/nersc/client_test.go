package nersc

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl1231/bilbomd-worker/internal/types"
)

func TestWatchTask(t *testing.T) {
	t.Run("ForbiddenTriggersSingleRefresh", func(t *testing.T) {
		ctx := context.Background()

		var tokenHits atomic.Int64
		var rejected atomic.Bool

		mux := http.NewServeMux()
		mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
			n := tokenHits.Add(1)
			fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":600}`, n)
		})
		mux.HandleFunc("/tasks/42", func(w http.ResponseWriter, r *http.Request) {
			// reject the first attempt to simulate a token expired server-side
			if rejected.CompareAndSwap(false, true) {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			assert.Equal(t, "Bearer tok-2", r.Header.Get("Authorization"))
			fmt.Fprint(w, `{"id":"42","status":"completed","result":"ok"}`)
		})
		server := httptest.NewServer(mux)
		defer server.Close()

		ts := NewTokenSource("client-id", writeTestKey(t), server.URL+"/token", server.Client())
		client := NewClient(server.URL, "perlmutter", ts, server.Client())

		task, err := client.WatchTask(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, "completed", task.Status)
		assert.Equal(t, int64(2), tokenHits.Load(), "403 should force exactly one token refresh")
	})

	t.Run("FailedTaskSurfacesError", func(t *testing.T) {
		ctx := context.Background()

		mux := http.NewServeMux()
		mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"access_token":"tok","expires_in":600}`)
		})
		mux.HandleFunc("/tasks/7", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"id":"7","status":"failed","result":"slurm submission error"}`)
		})
		server := httptest.NewServer(mux)
		defer server.Close()

		ts := NewTokenSource("client-id", writeTestKey(t), server.URL+"/token", server.Client())
		client := NewClient(server.URL, "perlmutter", ts, server.Client())

		_, err := client.WatchTask(ctx, "7")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "slurm submission error")
	})
}

func TestJobStatus(t *testing.T) {
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"access_token":"tok","expires_in":600}`)
	})
	mux.HandleFunc("/compute/jobs/perlmutter/12345", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("sacct"))
		fmt.Fprint(w, `{"output":[{"state":"RUNNING"}]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ts := NewTokenSource("client-id", writeTestKey(t), server.URL+"/token", server.Client())
	client := NewClient(server.URL, "perlmutter", ts, server.Client())

	state, err := client.JobStatus(ctx, "12345")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", state)
}

func TestParseSubmitResult(t *testing.T) {
	t.Run("JobID", func(t *testing.T) {
		jobID, err := ParseSubmitResult(`{"jobid":"98765","error":""}`)
		require.NoError(t, err)
		assert.Equal(t, "98765", jobID)
	})

	t.Run("SubmissionError", func(t *testing.T) {
		_, err := ParseSubmitResult(`{"jobid":"","error":"sbatch: error: invalid partition"}`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid partition")
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := ParseSubmitResult("not json")
		require.Error(t, err)
	})
}

func TestParseStatusFile(t *testing.T) {
	data := []byte(`minimize: Success
heat: Success
md: Running

not a status line
foxs: Bogus
`)

	parsed := ParseStatusFile(data)
	assert.Equal(t, types.StepSuccess, parsed[types.StepMinimize])
	assert.Equal(t, types.StepSuccess, parsed[types.StepHeat])
	assert.Equal(t, types.StepRunning, parsed[types.StepMD])
	assert.Equal(t, types.StepWaiting, parsed[types.StepFoXS], "unknown tokens decay to Waiting")
	assert.Len(t, parsed, 4)
}
