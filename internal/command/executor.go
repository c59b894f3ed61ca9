package command

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer(
	"github.com/bl1231/bilbomd-worker/internal/command",
)

type Result struct {
	Cmd      []string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

type Command struct {
	Stdin   io.Reader
	Program string
	Args    []string
	// Dir is the working directory for the process. Empty means inherit.
	Dir string
	// LogName, when set, mirrors stdout to <LogName>.log and stderr to
	// <LogName>_error.log inside Dir. Both files are flushed and closed
	// before Execute returns.
	LogName string
	// Env entries (KEY=value) are appended to the inherited environment.
	Env []string
}

func New(program string, args ...string) *Command {
	return &Command{
		Program: program,
		Args:    args,
	}
}

func NewInDir(dir string, logName string, program string, args ...string) *Command {
	return &Command{
		Program: program,
		Args:    args,
		Dir:     dir,
		LogName: logName,
	}
}

type Executor interface {
	Execute(ctx context.Context, cmd *Command) (*Result, error)
}
