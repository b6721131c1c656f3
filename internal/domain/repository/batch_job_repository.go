// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"z-novel-pipeline/internal/domain/entity"
)

// BatchJobRepository 批量任务状态仓储接口。
// 编排器在每次阶段切换后整体保存，重启时据此恢复。
type BatchJobRepository interface {
	// Save 保存任务（不存在则创建）
	Save(ctx context.Context, job *entity.BatchJob) error

	// GetByID 根据 ID 获取任务；不存在时返回 nil, nil
	GetByID(ctx context.Context, id string) (*entity.BatchJob, error)

	// ListActive 获取所有未结束的任务
	ListActive(ctx context.Context) ([]*entity.BatchJob, error)

	// ListByProject 获取项目下的任务，按创建时间倒序
	ListByProject(ctx context.Context, projectID string, pagination Pagination) (*PagedResult[*entity.BatchJob], error)

	// Delete 删除任务
	Delete(ctx context.Context, id string) error
}
