// Package monitor reconciles delegated jobs against slurm out of band.
// The pipelines watch their own jobs while the worker is alive; the
// monitor catches jobs whose watcher died with the process.
package monitor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/bl1231/bilbomd-worker/internal/logger"
	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/nersc"
	"github.com/bl1231/bilbomd-worker/internal/store"
	"github.com/bl1231/bilbomd-worker/internal/types"
)

var tracer = otel.Tracer("github.com/bl1231/bilbomd-worker/internal/monitor")

type Monitor struct {
	store    store.Store
	client   *nersc.Client
	interval time.Duration
}

func New(st store.Store, client *nersc.Client, interval time.Duration) *Monitor {
	return &Monitor{store: st, client: client, interval: interval}
}

// Run sweeps on the configured interval until the context is cancelled.
// The first sweep happens immediately.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Sweep(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep reconciles every job with an unfinished slurm submission.
func (m *Monitor) Sweep(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "Monitor.Sweep")
	defer span.End()

	jobs, err := m.store.IncompleteNerscJobs(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list incomplete jobs")
		logger.Logger.ErrorContext(ctx, "failed to list incomplete nersc jobs", "error", err)
		return
	}
	span.SetAttributes(attribute.Int("jobs", len(jobs)))

	for i := range jobs {
		if err = m.reconcile(ctx, &jobs[i]); err != nil {
			logger.Logger.WarnContext(ctx, "failed to reconcile job",
				"uuid", jobs[i].UUID, "error", err)
		}
	}

	span.SetStatus(codes.Ok, "sweep complete")
}

func (m *Monitor) reconcile(ctx context.Context, job *models.Job) error {
	ctx, span := tracer.Start(ctx, "Monitor.reconcile", trace.WithAttributes(
		attribute.String("uuid", job.UUID),
	))
	defer span.End()

	if !job.Nersc.Valid || job.Nersc.V.JobID == "" {
		span.SetStatus(codes.Ok, "nothing submitted yet")
		return nil
	}
	info := job.Nersc.V

	state, err := m.client.JobStatus(ctx, info.JobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch slurm state")
		return err
	}
	normalized := types.NormalizeSlurmState(state)
	span.SetAttributes(attribute.String("state", string(normalized)))

	now := time.Now().Format(time.RFC3339)
	changed := false
	if info.State != normalized {
		info.State = normalized
		changed = true
	}

	switch normalized {
	case types.SlurmRunning:
		if info.TimeStarted == "" {
			info.TimeStarted = now
			changed = true
		}
		if job.Status != types.JobStatusRunning {
			if err = m.store.SetStatus(ctx, job, types.JobStatusRunning); err != nil {
				span.RecordError(err)
				return err
			}
		}
	case types.SlurmCompleted:
		if info.TimeCompleted == "" {
			info.TimeCompleted = now
			changed = true
		}
		// leave completion handling to the pipeline if its watcher is
		// still alive; only one sweep may take over cleanup
		if !info.CleanupInProgress {
			info.CleanupInProgress = true
			changed = true
			logger.Logger.InfoContext(ctx, "slurm job completed, cleanup pending",
				"uuid", job.UUID, "slurmID", info.JobID)
		}
	case types.SlurmFailed, types.SlurmCancelled, types.SlurmTimeout, types.SlurmDeadline:
		if info.TimeCompleted == "" {
			info.TimeCompleted = now
			changed = true
		}
		if job.Status != types.JobStatusFailed {
			if err = m.store.SetStatus(ctx, job, types.JobStatusFailed); err != nil {
				span.RecordError(err)
				return err
			}
			logger.Logger.WarnContext(ctx, "slurm job did not complete",
				"uuid", job.UUID, "slurmID", info.JobID, "state", normalized)
		}
	}

	if changed {
		job.Nersc = datatypes.NewNull(info)
		if err = m.store.Save(ctx, job); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to persist slurm info")
			return err
		}
	}

	span.SetStatus(codes.Ok, "reconciled")
	return nil
}
