package command_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl1231/bilbomd-worker/internal/command"
)

func TestExecute(t *testing.T) {
	t.Run("ZeroExitCode", func(t *testing.T) {
		ctx := context.Background()
		shell := command.NewShellExecutor()

		expected := &command.Result{
			Cmd:      []string{"echo", "-n", "a"},
			Stdout:   []byte("a"),
			Stderr:   []byte{},
			ExitCode: 0,
		}

		cmd := command.New("echo", "-n", "a")
		result, err := shell.Execute(ctx, cmd)
		require.NoError(t, err, "failed to run command")
		assert.Equal(t, expected, result, "command result did not match")
	})

	t.Run("NonzeroExitCode", func(t *testing.T) {
		ctx := context.Background()
		shell := command.NewShellExecutor()

		cmd := command.New("grep", "-y")
		result, err := shell.Execute(ctx, cmd)
		require.NoError(t, err, "failed to run command")
		assert.Equal(t, 2, result.ExitCode, "nonzero exit surfaces in the result, not the error")
		assert.NotEmpty(t, result.Stderr)
	})

	t.Run("CancelContextGracefulShutdown", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
		defer cancel()

		shell := command.NewShellExecutor()

		cmd := command.New("sleep", "10")
		result, err := shell.Execute(ctx, cmd)
		require.NoError(t, err, "context cancel sets return code -1")
		assert.Equal(t, -1, result.ExitCode, "context cancel sets return code to -1")
	})

	t.Run("WritesStepLogFiles", func(t *testing.T) {
		ctx := context.Background()
		shell := command.NewShellExecutor()
		dir := t.TempDir()

		cmd := command.NewInDir(dir, "minimize", "sh", "-c", "echo out; echo err 1>&2")
		result, err := shell.Execute(ctx, cmd)
		require.NoError(t, err, "failed to run command")
		assert.Equal(t, 0, result.ExitCode)

		logBytes, err := os.ReadFile(filepath.Join(dir, "minimize.log"))
		require.NoError(t, err, "step log file should exist")
		assert.Equal(t, "out\n", string(logBytes))

		errBytes, err := os.ReadFile(filepath.Join(dir, "minimize_error.log"))
		require.NoError(t, err, "step error log file should exist")
		assert.Equal(t, "err\n", string(errBytes))
	})

	t.Run("AppendsToExistingLog", func(t *testing.T) {
		ctx := context.Background()
		shell := command.NewShellExecutor()
		dir := t.TempDir()

		for range 2 {
			cmd := command.NewInDir(dir, "heat", "echo", "line")
			_, err := shell.Execute(ctx, cmd)
			require.NoError(t, err, "failed to run command")
		}

		logBytes, err := os.ReadFile(filepath.Join(dir, "heat.log"))
		require.NoError(t, err)
		assert.Equal(t, "line\nline\n", string(logBytes))
	})
}
