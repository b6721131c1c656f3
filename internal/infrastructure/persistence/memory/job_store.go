// Package memory 提供进程内的批量任务状态存储，适用于单实例部署和测试
package memory

import (
	"context"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"

	"z-novel-pipeline/internal/domain/entity"
	"z-novel-pipeline/internal/domain/repository"
)

// JobStore 基于 go-cache 的任务存储。
// 未结束的任务永不过期，结束的任务保留 ttl 后清理。读写都做深拷贝。
type JobStore struct {
	items *cache.Cache
	ttl   time.Duration
}

var _ repository.BatchJobRepository = (*JobStore)(nil)

// NewJobStore 创建存储；ttl <= 0 时结束的任务也不过期
func NewJobStore(ttl time.Duration) *JobStore {
	cleanup := time.Duration(0)
	if ttl > 0 {
		cleanup = ttl / 2
		if cleanup < time.Minute {
			cleanup = time.Minute
		}
	}
	return &JobStore{
		items: cache.New(cache.NoExpiration, cleanup),
		ttl:   ttl,
	}
}

// Save 保存任务
func (s *JobStore) Save(_ context.Context, job *entity.BatchJob) error {
	exp := cache.NoExpiration
	if job.IsTerminal() && s.ttl > 0 {
		exp = s.ttl
	}
	s.items.Set(job.ID, job.Clone(), exp)
	return nil
}

// GetByID 获取任务；不存在时返回 nil, nil
func (s *JobStore) GetByID(_ context.Context, id string) (*entity.BatchJob, error) {
	v, ok := s.items.Get(id)
	if !ok {
		return nil, nil
	}
	return v.(*entity.BatchJob).Clone(), nil
}

// ListActive 获取所有未结束的任务，按创建时间升序
func (s *JobStore) ListActive(_ context.Context) ([]*entity.BatchJob, error) {
	jobs := s.filter(func(j *entity.BatchJob) bool { return !j.IsTerminal() })
	sort.SliceStable(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	return jobs, nil
}

// ListByProject 获取项目下的任务，按创建时间倒序
func (s *JobStore) ListByProject(_ context.Context, projectID string, pagination repository.Pagination) (*repository.PagedResult[*entity.BatchJob], error) {
	jobs := s.filter(func(j *entity.BatchJob) bool { return j.ProjectID == projectID })
	sort.SliceStable(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})

	total := int64(len(jobs))
	start := pagination.Offset()
	if start > len(jobs) {
		start = len(jobs)
	}
	end := start + pagination.Limit()
	if end > len(jobs) {
		end = len(jobs)
	}
	return repository.NewPagedResult(jobs[start:end], total, pagination), nil
}

// Delete 删除任务
func (s *JobStore) Delete(_ context.Context, id string) error {
	s.items.Delete(id)
	return nil
}

func (s *JobStore) filter(keep func(*entity.BatchJob) bool) []*entity.BatchJob {
	items := s.items.Items()
	jobs := make([]*entity.BatchJob, 0, len(items))
	for _, it := range items {
		job := it.Object.(*entity.BatchJob)
		if keep(job) {
			jobs = append(jobs, job.Clone())
		}
	}
	return jobs
}
