package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"z-novel-pipeline/internal/domain/entity"
	"z-novel-pipeline/internal/domain/repository"
)

const defaultKeyPrefix = "batch:job:"

// JobStore 批量任务状态存储。
// 任务以 JSON 保存在 <prefix><id>，未结束的任务 ID 记录在 <prefix>active，
// 项目索引为按创建时间排序的 <prefix>project:<project_id>。
type JobStore struct {
	client *Client
	prefix string
	ttl    time.Duration
	group  singleflight.Group
}

var _ repository.BatchJobRepository = (*JobStore)(nil)

// NewJobStore 创建任务存储；ttl 为 0 时不过期
func NewJobStore(client *Client, prefix string, ttl time.Duration) *JobStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &JobStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *JobStore) jobKey(id string) string {
	return s.prefix + id
}

func (s *JobStore) activeKey() string {
	return s.prefix + "active"
}

func (s *JobStore) projectKey(projectID string) string {
	return s.prefix + "project:" + projectID
}

// Save 保存任务
func (s *JobStore) Save(ctx context.Context, job *entity.BatchJob) error {
	ctx, span := tracer.Start(ctx, "redis.JobStore.Save",
		trace.WithAttributes(
			attribute.String("batch.id", job.ID),
			attribute.String("batch.phase", string(job.Phase)),
		))
	defer span.End()

	data, err := json.Marshal(job)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal batch job: %w", err)
	}

	pipe := s.client.rdb.TxPipeline()
	pipe.Set(ctx, s.jobKey(job.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.projectKey(job.ProjectID), redis.Z{
		Score:  float64(job.CreatedAt.UnixNano()),
		Member: job.ID,
	})
	if job.IsTerminal() {
		pipe.SRem(ctx, s.activeKey(), job.ID)
	} else {
		pipe.SAdd(ctx, s.activeKey(), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save batch job: %w", err)
	}
	return nil
}

// GetByID 获取任务；并发读取同一任务时合并为一次请求
func (s *JobStore) GetByID(ctx context.Context, id string) (*entity.BatchJob, error) {
	ctx, span := tracer.Start(ctx, "redis.JobStore.GetByID",
		trace.WithAttributes(attribute.String("batch.id", id)))
	defer span.End()

	v, err, shared := s.group.Do(id, func() (interface{}, error) {
		data, err := s.client.rdb.Get(ctx, s.jobKey(id)).Bytes()
		if err != nil {
			if IsNil(err) {
				return nil, nil
			}
			return nil, err
		}
		return decodeJob(data)
	})
	span.SetAttributes(attribute.Bool("singleflight.shared", shared))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get batch job: %w", err)
	}
	if v == nil {
		return nil, nil
	}
	// 共享结果需要拷贝，避免调用方互相修改
	return v.(*entity.BatchJob).Clone(), nil
}

// ListActive 获取所有未结束的任务；已过期的索引项顺带清理
func (s *JobStore) ListActive(ctx context.Context) ([]*entity.BatchJob, error) {
	ctx, span := tracer.Start(ctx, "redis.JobStore.ListActive")
	defer span.End()

	ids, err := s.client.rdb.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list active batch jobs: %w", err)
	}

	jobs, missing, err := s.load(ctx, ids)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(missing) > 0 {
		members := make([]interface{}, len(missing))
		for i, id := range missing {
			members[i] = id
		}
		_ = s.client.rdb.SRem(ctx, s.activeKey(), members...).Err()
	}

	active := jobs[:0]
	for _, job := range jobs {
		if !job.IsTerminal() {
			active = append(active, job)
		}
	}
	return active, nil
}

// ListByProject 获取项目下的任务，按创建时间倒序
func (s *JobStore) ListByProject(ctx context.Context, projectID string, pagination repository.Pagination) (*repository.PagedResult[*entity.BatchJob], error) {
	ctx, span := tracer.Start(ctx, "redis.JobStore.ListByProject",
		trace.WithAttributes(attribute.String("project.id", projectID)))
	defer span.End()

	key := s.projectKey(projectID)
	total, err := s.client.rdb.ZCard(ctx, key).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count batch jobs: %w", err)
	}

	start := int64(pagination.Offset())
	stop := start + int64(pagination.Limit()) - 1
	ids, err := s.client.rdb.ZRevRange(ctx, key, start, stop).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}

	jobs, _, err := s.load(ctx, ids)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return repository.NewPagedResult(jobs, total, pagination), nil
}

// Delete 删除任务及其索引
func (s *JobStore) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "redis.JobStore.Delete",
		trace.WithAttributes(attribute.String("batch.id", id)))
	defer span.End()

	job, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.rdb.TxPipeline()
	pipe.Del(ctx, s.jobKey(id))
	pipe.SRem(ctx, s.activeKey(), id)
	if job != nil {
		pipe.ZRem(ctx, s.projectKey(job.ProjectID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete batch job: %w", err)
	}
	return nil
}

// load 批量读取任务，返回已不存在的 ID
func (s *JobStore) load(ctx context.Context, ids []string) ([]*entity.BatchJob, []string, error) {
	if len(ids) == 0 {
		return []*entity.BatchJob{}, nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.client.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load batch jobs: %w", err)
	}

	jobs := make([]*entity.BatchJob, 0, len(values))
	var missing []string
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		job, err := decodeJob([]byte(raw))
		if err != nil {
			return nil, nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, missing, nil
}

func decodeJob(data []byte) (*entity.BatchJob, error) {
	var job entity.BatchJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch job: %w", err)
	}
	return &job, nil
}
