package store

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/bl1231/bilbomd-worker/internal/config"
	"github.com/bl1231/bilbomd-worker/internal/models"
	"github.com/bl1231/bilbomd-worker/internal/types"
)

// Postgres backed store
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func Connect(cfg *config.Config) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err = db.Use(tracing.NewPlugin()); err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConnections)
	sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConnections)
	sqlDB.SetConnMaxLifetime(cfg.Postgres.ConnectionTTL)

	return &GormStore{db: db}, nil
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) JobByID(ctx context.Context, id string) (*models.Job, error) {
	ctx, span := tracer.Start(ctx, "GormStore.JobByID")
	defer span.End()

	span.SetAttributes(attribute.String("id", id))

	var job models.Job
	err := s.db.WithContext(ctx).Preload("User").First(&job, "id = ?", id).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job by id")
		return nil, err
	}

	span.SetStatus(codes.Ok, "got job")
	return &job, nil
}

func (s *GormStore) JobByUUID(ctx context.Context, jobUUID string) (*models.Job, error) {
	ctx, span := tracer.Start(ctx, "GormStore.JobByUUID")
	defer span.End()

	span.SetAttributes(attribute.String("uuid", jobUUID))

	var job models.Job
	err := s.db.WithContext(ctx).Preload("User").First(&job, "uuid = ?", jobUUID).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job by uuid")
		return nil, err
	}

	span.SetStatus(codes.Ok, "got job")
	return &job, nil
}

func (s *GormStore) IncompleteNerscJobs(ctx context.Context) ([]models.Job, error) {
	ctx, span := tracer.Start(ctx, "GormStore.IncompleteNerscJobs")
	defer span.End()

	var jobs []models.Job
	err := s.db.WithContext(ctx).
		Preload("User").
		Where("status IN ?", []types.JobStatus{types.JobStatusRunning, types.JobStatusPending}).
		Where("nersc IS NOT NULL").
		Find(&jobs).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list incomplete nersc jobs")
		return nil, err
	}

	span.SetAttributes(attribute.Int("count", len(jobs)))
	span.SetStatus(codes.Ok, "listed incomplete nersc jobs")
	return jobs, nil
}

func (s *GormStore) Save(ctx context.Context, job *models.Job) error {
	ctx, span := tracer.Start(ctx, "GormStore.Save")
	defer span.End()

	err := s.db.WithContext(ctx).Save(job).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save job")
		return err
	}

	span.SetStatus(codes.Ok, "saved job")
	return nil
}

func (s *GormStore) UpdateStepStatus(
	ctx context.Context,
	job *models.Job,
	step types.StepName,
	state types.StepState,
	message string,
) error {
	ctx, span := tracer.Start(ctx, "GormStore.UpdateStepStatus")
	defer span.End()

	span.SetAttributes(
		attribute.String("step", string(step)),
		attribute.String("state", string(state)),
	)

	if job.Steps == nil {
		job.Steps = types.Steps{}
	}
	job.Steps.Set(step, state, message)

	err := s.db.WithContext(ctx).
		Model(job).
		Update("steps", job.Steps).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist step status")
		return err
	}

	span.SetStatus(codes.Ok, "updated step status")
	return nil
}

func (s *GormStore) SetStatus(
	ctx context.Context,
	job *models.Job,
	status types.JobStatus,
) error {
	ctx, span := tracer.Start(ctx, "GormStore.SetStatus")
	defer span.End()

	span.SetAttributes(attribute.String("status", string(status)))

	job.Status = status
	err := s.db.WithContext(ctx).Model(job).Update("status", status).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set job status")
		return err
	}

	span.SetStatus(codes.Ok, "set job status")
	return nil
}

func (s *GormStore) SetProgress(ctx context.Context, job *models.Job, progress int) error {
	ctx, span := tracer.Start(ctx, "GormStore.SetProgress")
	defer span.End()

	span.SetAttributes(attribute.Int("progress", progress))

	job.Progress = progress
	err := s.db.WithContext(ctx).Model(job).Update("progress", progress).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set job progress")
		return err
	}

	span.SetStatus(codes.Ok, "set job progress")
	return nil
}
