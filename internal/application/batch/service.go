package batch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"z-novel-pipeline/internal/domain/entity"
	"z-novel-pipeline/internal/domain/repository"
	apperrors "z-novel-pipeline/pkg/errors"
	"z-novel-pipeline/pkg/logger"
)

// PolicyAsk 失败时挂起等待用户决策
const PolicyAsk = "ask"

// StartRequest 创建批量任务的参数
type StartRequest struct {
	ProjectID     string
	StartSequence int
	TotalUnits    int
	Plans         []entity.UnitPlan
	// FailurePolicy 为空时使用服务默认值
	FailurePolicy string
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	FailurePolicy string
	MaxRetries    int
}

// Service 管理运行中的批量任务：创建、查询、取消、决策与重启恢复
type Service struct {
	orch *Orchestrator
	repo repository.BatchJobRepository
	bus  *Bus
	cfg  ServiceConfig

	baseCtx context.Context
	stop    context.CancelFunc

	mu   sync.Mutex
	runs map[string]*activeRun
	wg   sync.WaitGroup
}

type activeRun struct {
	projectID string
	ctl       *Control
	done      chan struct{}
}

// NewService 创建服务
func NewService(orch *Orchestrator, repo repository.BatchJobRepository, bus *Bus, cfg ServiceConfig) *Service {
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = PolicyAsk
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		orch:    orch,
		repo:    repo,
		bus:     bus,
		cfg:     cfg,
		baseCtx: ctx,
		stop:    stop,
		runs:    make(map[string]*activeRun),
	}
}

// Start 创建并启动批量任务
func (s *Service) Start(ctx context.Context, req StartRequest) (*entity.BatchJob, error) {
	if req.ProjectID == "" || req.TotalUnits <= 0 || req.StartSequence < 0 {
		return nil, apperrors.ErrInvalidParam.WithDetail("project_id, total_units > 0 and start_sequence >= 0 are required")
	}
	policy := req.FailurePolicy
	if policy == "" {
		policy = s.cfg.FailurePolicy
	}
	if policy != PolicyAsk {
		if _, ok := ParseDecision(policy); !ok {
			return nil, apperrors.ErrInvalidParam.WithDetail("unknown failure_policy: " + policy)
		}
	}

	job := entity.NewBatchJob(uuid.New().String(), req.ProjectID, req.StartSequence, req.TotalUnits, req.Plans)

	// 落盘前占住项目槽位，并发的 Start 只有一个能通过
	s.mu.Lock()
	for id, r := range s.runs {
		if r.projectID == req.ProjectID {
			s.mu.Unlock()
			return nil, apperrors.ErrBatchConflict.WithDetail("project already has a running batch: " + id)
		}
	}
	r := s.register(job)
	s.mu.Unlock()

	if err := s.repo.Save(ctx, job); err != nil {
		s.release(job.ID, r)
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to save batch job")
	}

	logger.Info(ctx, "batch job created",
		"batch_id", job.ID, "total_units", job.TotalUnits, "failure_policy", policy)
	snapshot := job.Clone()
	s.spawn(job, r, policy)
	return snapshot, nil
}

// launch 在后台运行任务；同一任务只会有一个运行实例
func (s *Service) launch(job *entity.BatchJob, policy string) bool {
	s.mu.Lock()
	if _, ok := s.runs[job.ID]; ok {
		s.mu.Unlock()
		return false
	}
	r := s.register(job)
	s.mu.Unlock()

	s.spawn(job, r, policy)
	return true
}

// register 登记运行实例，调用方持有 s.mu
func (s *Service) register(job *entity.BatchJob) *activeRun {
	r := &activeRun{projectID: job.ProjectID, ctl: NewControl(), done: make(chan struct{})}
	s.runs[job.ID] = r
	s.wg.Add(1)
	return r
}

// release 撤销未能启动的登记
func (s *Service) release(id string, r *activeRun) {
	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()
	close(r.done)
	s.wg.Done()
}

func (s *Service) spawn(job *entity.BatchJob, r *activeRun, policy string) {
	var decider Decider
	if policy == PolicyAsk {
		decider = NewInteractiveDecider(r.ctl)
	} else {
		decider = NewPolicyDecider(policy, s.cfg.MaxRetries)
	}

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.runs, job.ID)
			s.mu.Unlock()
			close(r.done)
		}()

		if err := s.orch.Run(s.baseCtx, job, r.ctl, decider); err != nil {
			logger.Warn(s.baseCtx, "batch run interrupted", "batch_id", job.ID, "error", err.Error())
		}
	}()
}

// Get 查询任务
func (s *Service) Get(ctx context.Context, id string) (*entity.BatchJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to get batch job")
	}
	if job == nil {
		return nil, apperrors.ErrBatchNotFound
	}
	return job, nil
}

// List 查询项目下的任务
func (s *Service) List(ctx context.Context, projectID string, pagination repository.Pagination) (*repository.PagedResult[*entity.BatchJob], error) {
	result, err := s.repo.ListByProject(ctx, projectID, pagination)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to list batch jobs")
	}
	return result, nil
}

// Cancel 置位取消标志；编排器在下一个轮询点进入 Cancelled
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		r.ctl.Cancel()
		logger.Info(ctx, "batch cancel requested", "batch_id", id)
		return nil
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return apperrors.ErrBatchConflict
	}
	// 未在本进程运行（例如恢复前），直接落盘为取消
	job.Cancel()
	if err := s.repo.Save(ctx, job); err != nil {
		return apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to save batch job")
	}
	return nil
}

// Decide 投递用户对挂起失败的决策
func (s *Service) Decide(ctx context.Context, id string, d Decision) error {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return apperrors.ErrDecisionNotPending
	}
	if err := r.ctl.Resolve(d); err != nil {
		return err
	}
	logger.Info(ctx, "batch decision submitted", "batch_id", id, "decision", d)
	return nil
}

// Subscribe 订阅任务事件
func (s *Service) Subscribe(batchID string) (<-chan Event, func()) {
	return s.bus.Subscribe(batchID)
}

// Running 任务是否在本进程运行
func (s *Service) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[id]
	return ok
}

// Done 任务运行结束时关闭；未运行时返回已关闭的 channel
func (s *Service) Done(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		return r.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Reconcile 启动时恢复所有未结束的任务。
// 每个任务从持久化的阶段重新接入：生成中重新生成，定稿中用记录的章节 ID 重新定稿，
// 等待就绪的继续轮询，等待决策的重新发起决策。
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	jobs, err := s.repo.ListActive(ctx)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to list active batch jobs")
	}

	var mu sync.Mutex
	resumed := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, job := range jobs {
		g.Go(func() error {
			if job.Phase == entity.PhaseAwaitingUnitCompletion {
				// 流已随进程丢失，只能重新生成
				job.Enter(entity.PhaseGeneratingUnit)
				if err := s.repo.Save(gctx, job); err != nil {
					return apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to save batch job")
				}
			}
			if !s.launch(job, s.cfg.FailurePolicy) {
				return nil
			}
			logger.Info(gctx, "batch job reattached",
				"batch_id", job.ID, "phase", job.Phase, "current_index", job.CurrentIndex)
			mu.Lock()
			resumed++
			mu.Unlock()
			return nil
		})
	}

	err = g.Wait()
	return resumed, err
}

// Shutdown 停止所有运行中的任务并等待退出；任务保留当前阶段供下次恢复
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
