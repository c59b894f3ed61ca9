package nersc

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bl1231/bilbomd-worker/internal/logger"
	"github.com/bl1231/bilbomd-worker/internal/types"
)

const (
	taskPollInterval = 2 * time.Second
	jobPollInterval  = 60 * time.Second
	// consecutive fetch failures tolerated while watching a slurm job
	maxJobPollFailures = 10
	// hard cap on polling iterations, roughly a day at one per minute
	maxJobPollIterations = 1440
)

// WatchTask polls a task until it completes or fails.
func (c *Client) WatchTask(ctx context.Context, taskID string) (*Task, error) {
	ctx, span := tracer.Start(ctx, "Client.WatchTask", trace.WithAttributes(
		attribute.String("taskID", taskID),
	))
	defer span.End()

	var task *Task
	err := retry.Do(ctx, retry.NewConstant(taskPollInterval), func(ctx context.Context) error {
		var err error
		task, err = c.Task(ctx, taskID)
		if err != nil {
			return err
		}

		switch types.TaskState(task.Status) {
		case types.TaskCompleted:
			return nil
		case types.TaskFailed:
			return fmt.Errorf("task %s failed: %s", taskID, task.Result)
		default:
			return retry.RetryableError(fmt.Errorf("task %s still %s", taskID, task.Status))
		}
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task did not complete")
		return nil, err
	}

	span.SetStatus(codes.Ok, "task completed")
	return task, nil
}

// WatchJob polls a slurm job until it reaches a terminal state. While
// the job runs, onPoll is invoked with the current state so the caller
// can reconcile remote progress. Transient fetch failures are tolerated
// up to a cap; the iteration cap bounds total polling time.
func (c *Client) WatchJob(
	ctx context.Context,
	slurmID string,
	onPoll func(ctx context.Context, state string) error,
) (string, error) {
	ctx, span := tracer.Start(ctx, "Client.WatchJob", trace.WithAttributes(
		attribute.String("slurmID", slurmID),
	))
	defer span.End()

	failures := 0
	for iteration := 0; iteration < maxJobPollIterations; iteration++ {
		if iteration > 0 {
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context cancelled")
				return "", ctx.Err()
			case <-time.After(jobPollInterval):
			}
		}

		state, err := c.JobStatus(ctx, slurmID)
		if err != nil {
			failures++
			logger.Logger.WarnContext(ctx, "failed to poll slurm job",
				"slurmID", slurmID,
				"failures", failures,
				"error", err,
			)
			if failures >= maxJobPollFailures {
				span.RecordError(err)
				span.SetStatus(codes.Error, "too many consecutive poll failures")
				return "", fmt.Errorf("gave up polling slurm job %s: %w", slurmID, err)
			}
			continue
		}
		failures = 0

		span.AddEvent("polled", trace.WithAttributes(attribute.String("state", state)))

		if onPoll != nil {
			if err = onPoll(ctx, state); err != nil {
				logger.Logger.WarnContext(ctx, "job poll callback failed", "error", err)
			}
		}

		if types.IsTerminalSlurmState(state) {
			span.SetAttributes(attribute.String("finalState", state))
			span.SetStatus(codes.Ok, "job reached terminal state")
			return state, nil
		}
	}

	err := fmt.Errorf("slurm job %s did not finish within the polling window", slurmID)
	span.RecordError(err)
	span.SetStatus(codes.Error, "polling window exhausted")
	return "", err
}

// ParseStatusFile decodes the `step: state` lines the batch script
// appends to status.txt as it advances. Malformed lines are skipped.
func ParseStatusFile(data []byte) map[types.StepName]types.StepState {
	parsed := map[types.StepName]types.StepState{}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		name, state, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		parsed[types.StepName(strings.TrimSpace(name))] = types.ParseStepState(strings.TrimSpace(state))
	}

	return parsed
}
