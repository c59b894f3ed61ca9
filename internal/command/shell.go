package command

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bl1231/bilbomd-worker/internal/logger"
)

// Ensure ShellExecutor implements Executor interface.
var _ Executor = (*ShellExecutor)(nil)

// Executes the command via fork / subprocess
type ShellExecutor struct{}

func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{}
}

func (*ShellExecutor) Execute(ctx context.Context, command *Command) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ShellExecutor.Execute", trace.WithAttributes(
		attribute.String("program", command.Program),
		attribute.StringSlice("args", command.Args),
		attribute.String("dir", command.Dir),
	))
	defer span.End()

	var stdout, stderr bytes.Buffer
	var stdoutSink io.Writer = &stdout
	var stderrSink io.Writer = &stderr

	if command.LogName != "" && command.Dir != "" {
		logFile, err := os.OpenFile(
			filepath.Join(command.Dir, command.LogName+".log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND,
			0o644,
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to open step log file")
			return nil, err
		}
		defer logFile.Close()

		errFile, err := os.OpenFile(
			filepath.Join(command.Dir, command.LogName+"_error.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND,
			0o644,
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to open step error log file")
			return nil, err
		}
		defer errFile.Close()

		stdoutSink = io.MultiWriter(&stdout, logFile)
		stderrSink = io.MultiWriter(&stderr, errFile)
	}

	//nolint:gosec // G204: not controllable by sanitizing here; callers should ensure sanitization
	cmd := exec.CommandContext(ctx, command.Program, command.Args...)
	cmd.Dir = command.Dir
	cmd.Stdin = command.Stdin
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}
	cmd.Stdout = stdoutSink
	cmd.Stderr = stderrSink
	// on cancellation ask nicely first, SIGKILL after the delay
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to execute command")
			return nil, err
		}
	}

	span.AddEvent("executed", trace.WithAttributes(
		attribute.Int("exitCode", cmd.ProcessState.ExitCode()),
	))
	logger.Logger.DebugContext(ctx, "executed command",
		"program", command.Program,
		"exitCode", cmd.ProcessState.ExitCode(),
	)

	executed := make([]string, 0, len(command.Args)+1)
	executed = append(executed, command.Program)
	executed = append(executed, command.Args...)

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "successfully executed command")
	return &Result{
		Cmd:      executed,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}, nil
}
