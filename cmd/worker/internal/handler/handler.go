// Package handler decodes queue messages and dispatches them to the
// pipeline registered for the job's type.
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bl1231/bilbomd-worker/internal/logger"
	"github.com/bl1231/bilbomd-worker/internal/pipelines"
	"github.com/bl1231/bilbomd-worker/internal/queue"
	"github.com/bl1231/bilbomd-worker/internal/store"
	"github.com/bl1231/bilbomd-worker/internal/types"
)

var tracer = otel.Tracer("github.com/bl1231/bilbomd-worker/cmd/worker/internal/handler")

// JobHandler is the MessageHandler behind the dequeue loops. Decode or
// lookup failures poison the message; pipeline failures let it return
// to the queue for another delivery attempt.
type JobHandler struct {
	store      store.Store
	jobContext func(jobID string) queue.JobContext
	registry   pipelines.Registry
}

var _ queue.MessageHandler = (*JobHandler)(nil)

func New(
	st store.Store,
	jobContext func(jobID string) queue.JobContext,
	registry pipelines.Registry,
) *JobHandler {
	return &JobHandler{store: st, jobContext: jobContext, registry: registry}
}

func (h *JobHandler) Handle(ctx context.Context, message []byte) error {
	ctx, span := tracer.Start(ctx, "JobHandler.Handle")
	defer span.End()

	var msg types.JobMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "undecodable message")
		return queue.WrapPoisonError(fmt.Errorf("failed to decode job message: %w", err))
	}
	span.SetAttributes(
		attribute.String("type", string(msg.Type)),
		attribute.String("uuid", msg.UUID),
	)

	job, err := h.store.JobByUUID(ctx, msg.UUID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job not found")
		return queue.WrapPoisonError(fmt.Errorf("no job for uuid %s: %w", msg.UUID, err))
	}

	pipeline, ok := h.registry.For(job.Type)
	if !ok {
		err = fmt.Errorf("no pipeline registered for job type %q", job.Type)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unroutable job type")
		return queue.WrapPoisonError(err)
	}

	logger.Logger.InfoContext(ctx, "processing job",
		"uuid", job.UUID,
		"type", job.Type,
		"title", job.Title,
		"attempt", queue.Attempts(ctx),
	)

	jc := h.jobContext(job.ID.String())
	if err = pipeline.Process(ctx, jc, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		return err
	}

	span.SetStatus(codes.Ok, "processed job")
	return nil
}
