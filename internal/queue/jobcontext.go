package queue

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bl1231/bilbomd-worker/internal/logger"
)

// JobContext is the per-message collaborator pipelines use to publish
// transient progress to the frontend. It is distinct from the job row:
// these writes are advisory and never fail a pipeline.
type JobContext interface {
	// Log appends a line to the job's live log stream
	Log(ctx context.Context, line string) error
	// UpdateProgress publishes a 0-100 progress value
	UpdateProgress(ctx context.Context, progress int) error
	// ClearLogs drops the log stream from a previous delivery attempt
	ClearLogs(ctx context.Context) error
	// AttemptsMade reports the delivery attempt number for this message
	AttemptsMade(ctx context.Context) int
}

// Redis backed JobContext
type RedisJobContext struct {
	q     *RedisQueuer
	jobID string
}

var _ JobContext = (*RedisJobContext)(nil)

func (q *RedisQueuer) JobContext(jobID string) *RedisJobContext {
	return &RedisJobContext{q: q, jobID: jobID}
}

func (c *RedisJobContext) logsKey() string {
	return fmt.Sprintf("bilbomd:job:%s:logs", c.jobID)
}

func (c *RedisJobContext) progressKey() string {
	return fmt.Sprintf("bilbomd:job:%s:progress", c.jobID)
}

func (c *RedisJobContext) Log(ctx context.Context, line string) error {
	ctx, span := tracer.Start(ctx, "JobContext.Log")
	defer span.End()

	err := c.q.rdb.RPush(ctx, c.logsKey(), line).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to append job log")
		logger.Logger.WarnContext(ctx, "failed to append job log", "error", err)
		return err
	}

	span.SetStatus(codes.Ok, "appended job log")
	return nil
}

func (c *RedisJobContext) UpdateProgress(ctx context.Context, progress int) error {
	ctx, span := tracer.Start(ctx, "JobContext.UpdateProgress")
	defer span.End()

	span.SetAttributes(attribute.Int("progress", progress))

	err := c.q.rdb.Set(ctx, c.progressKey(), progress, 0).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish progress")
		logger.Logger.WarnContext(ctx, "failed to publish progress", "error", err)
		return err
	}

	span.SetStatus(codes.Ok, "published progress")
	return nil
}

func (c *RedisJobContext) ClearLogs(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "JobContext.ClearLogs")
	defer span.End()

	err := c.q.rdb.Del(ctx, c.logsKey()).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to clear job logs")
		return err
	}

	span.SetStatus(codes.Ok, "cleared job logs")
	return nil
}

func (c *RedisJobContext) AttemptsMade(ctx context.Context) int {
	return Attempts(ctx)
}
