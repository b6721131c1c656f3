package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"z-novel-pipeline/internal/domain/entity"
	"z-novel-pipeline/internal/domain/repository"
)

// batchJobModel batch_jobs 表结构。
// 结果与失败历史整体存 jsonb，失败章节序号单独存数组列便于查询。
type batchJobModel struct {
	ID              string               `gorm:"primaryKey;type:varchar(64)"`
	ProjectID       string               `gorm:"type:varchar(64);not null;index:idx_batch_jobs_project_created,priority:1"`
	StartSequence   int                  `gorm:"not null"`
	TotalUnits      int                  `gorm:"not null"`
	CurrentIndex    int                  `gorm:"not null"`
	Plans           []entity.UnitPlan    `gorm:"type:jsonb;serializer:json"`
	Status          string               `gorm:"type:varchar(32);not null;index"`
	Phase           string               `gorm:"type:varchar(64);not null;index"`
	Cancelled       bool                 `gorm:"not null"`
	Outcomes        []entity.UnitOutcome `gorm:"type:jsonb;serializer:json"`
	Failures        []entity.UnitFailure `gorm:"type:jsonb;serializer:json"`
	PendingFailure  *entity.UnitFailure  `gorm:"type:jsonb;serializer:json"`
	FailedSequences pq.Int64Array        `gorm:"type:bigint[]"`
	Attempt         int                  `gorm:"not null"`
	ActiveUnitID    string               `gorm:"type:varchar(64)"`
	PriorContext    json.RawMessage      `gorm:"type:jsonb"`
	Progress        int                  `gorm:"not null"`
	ErrorMessage    string               `gorm:"type:text"`
	CreatedAt       time.Time            `gorm:"not null;index:idx_batch_jobs_project_created,priority:2"`
	UpdatedAt       time.Time            `gorm:"not null"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// TableName 表名
func (batchJobModel) TableName() string {
	return "batch_jobs"
}

var terminalPhases = []string{
	string(entity.PhaseCompleted),
	string(entity.PhaseCancelled),
	string(entity.PhaseFailed),
}

func toModel(job *entity.BatchJob) *batchJobModel {
	m := &batchJobModel{
		ID:              job.ID,
		ProjectID:       job.ProjectID,
		StartSequence:   job.StartSequence,
		TotalUnits:      job.TotalUnits,
		CurrentIndex:    job.CurrentIndex,
		Plans:           job.Plans,
		Status:          string(job.Status),
		Phase:           string(job.Phase),
		Cancelled:       job.Cancelled,
		Outcomes:        job.Outcomes,
		Failures:        job.Failures,
		PendingFailure:  job.PendingFailure,
		FailedSequences: pq.Int64Array(job.FailedSequences()),
		Attempt:         job.Attempt,
		ActiveUnitID:    job.ActiveUnitID,
		PriorContext:    job.PriorContext,
		Progress:        job.Progress,
		ErrorMessage:    job.ErrorMessage,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
	if m.FailedSequences == nil {
		m.FailedSequences = pq.Int64Array{}
	}
	return m
}

func (m *batchJobModel) toEntity() *entity.BatchJob {
	job := &entity.BatchJob{
		ID:             m.ID,
		ProjectID:      m.ProjectID,
		StartSequence:  m.StartSequence,
		TotalUnits:     m.TotalUnits,
		CurrentIndex:   m.CurrentIndex,
		Plans:          m.Plans,
		Status:         entity.BatchStatus(m.Status),
		Phase:          entity.BatchPhase(m.Phase),
		Cancelled:      m.Cancelled,
		Outcomes:       m.Outcomes,
		Failures:       m.Failures,
		PendingFailure: m.PendingFailure,
		Attempt:        m.Attempt,
		ActiveUnitID:   m.ActiveUnitID,
		PriorContext:   m.PriorContext,
		Progress:       m.Progress,
		ErrorMessage:   m.ErrorMessage,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
	}
	if job.Outcomes == nil {
		job.Outcomes = []entity.UnitOutcome{}
	}
	return job
}

// BatchJobRepository 批量任务仓储实现
type BatchJobRepository struct {
	client *Client
}

var _ repository.BatchJobRepository = (*BatchJobRepository)(nil)

// NewBatchJobRepository 创建批量任务仓储
func NewBatchJobRepository(client *Client) *BatchJobRepository {
	return &BatchJobRepository{client: client}
}

// Migrate 建表
func (r *BatchJobRepository) Migrate(ctx context.Context) error {
	if err := r.client.db.WithContext(ctx).AutoMigrate(&batchJobModel{}); err != nil {
		return fmt.Errorf("failed to migrate batch_jobs: %w", err)
	}
	return nil
}

// Save 保存任务（按主键 upsert）
func (r *BatchJobRepository) Save(ctx context.Context, job *entity.BatchJob) error {
	ctx, span := tracer.Start(ctx, "postgres.BatchJobRepository.Save",
		trace.WithAttributes(
			attribute.String("batch.id", job.ID),
			attribute.String("batch.phase", string(job.Phase)),
		))
	defer span.End()

	err := r.client.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(toModel(job)).Error
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save batch job: %w", err)
	}
	return nil
}

// GetByID 根据 ID 获取任务
func (r *BatchJobRepository) GetByID(ctx context.Context, id string) (*entity.BatchJob, error) {
	ctx, span := tracer.Start(ctx, "postgres.BatchJobRepository.GetByID")
	defer span.End()

	var m batchJobModel
	if err := r.client.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get batch job: %w", err)
	}
	return m.toEntity(), nil
}

// ListActive 获取所有未结束的任务
func (r *BatchJobRepository) ListActive(ctx context.Context) ([]*entity.BatchJob, error) {
	ctx, span := tracer.Start(ctx, "postgres.BatchJobRepository.ListActive")
	defer span.End()

	var models []batchJobModel
	if err := r.client.db.WithContext(ctx).
		Where("phase NOT IN ?", terminalPhases).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list active batch jobs: %w", err)
	}
	return toEntities(models), nil
}

// ListByProject 获取项目任务列表
func (r *BatchJobRepository) ListByProject(ctx context.Context, projectID string, pagination repository.Pagination) (*repository.PagedResult[*entity.BatchJob], error) {
	ctx, span := tracer.Start(ctx, "postgres.BatchJobRepository.ListByProject")
	defer span.End()

	query := r.client.db.WithContext(ctx).Model(&batchJobModel{}).Where("project_id = ?", projectID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count batch jobs: %w", err)
	}

	var models []batchJobModel
	if err := query.Order("created_at DESC").
		Offset(pagination.Offset()).
		Limit(pagination.Limit()).
		Find(&models).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}

	return repository.NewPagedResult(toEntities(models), total, pagination), nil
}

// Delete 删除任务
func (r *BatchJobRepository) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "postgres.BatchJobRepository.Delete")
	defer span.End()

	if err := r.client.db.WithContext(ctx).Delete(&batchJobModel{}, "id = ?", id).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete batch job: %w", err)
	}
	return nil
}

func toEntities(models []batchJobModel) []*entity.BatchJob {
	jobs := make([]*entity.BatchJob, 0, len(models))
	for i := range models {
		jobs = append(jobs, models[i].toEntity())
	}
	return jobs
}
