package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"z-novel-pipeline/internal/application/progress"
	"z-novel-pipeline/internal/domain/entity"
	"z-novel-pipeline/internal/domain/repository"
	apperrors "z-novel-pipeline/pkg/errors"
	"z-novel-pipeline/pkg/logger"
	"z-novel-pipeline/pkg/metrics"
	"z-novel-pipeline/pkg/tracer"
)

// Config 编排器时间参数
type Config struct {
	PollInterval      time.Duration
	GraceInterval     time.Duration
	CompletionTimeout time.Duration
	FinalizeTimeout   time.Duration
	ReadyTimeout      time.Duration
}

// DefaultConfig 默认时间参数
func DefaultConfig() Config {
	return Config{
		PollInterval:      500 * time.Millisecond,
		GraceInterval:     2 * time.Second,
		CompletionTimeout: 10 * time.Minute,
		FinalizeTimeout:   5 * time.Minute,
		ReadyTimeout:      3 * time.Minute,
	}
}

// Orchestrator 批量编排器。
// 单元严格按序处理：第 k 章定稿产出持久化 ID 之前不会开始第 k+1 章。
type Orchestrator struct {
	cfg    Config
	gen    UnitGenerator
	fin    Finalizer
	cursor UnitCursor
	repo   repository.BatchJobRepository
	sink   EventSink
}

// NewOrchestrator 创建编排器；repo 与 sink 可为 nil
func NewOrchestrator(cfg Config, gen UnitGenerator, fin Finalizer, cursor UnitCursor, repo repository.BatchJobRepository, sink EventSink) *Orchestrator {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = def.CompletionTimeout
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = def.FinalizeTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	return &Orchestrator{
		cfg:    cfg,
		gen:    gen,
		fin:    fin,
		cursor: cursor,
		repo:   repo,
		sink:   sink,
	}
}

// unitError 单元级失败，进入决策点
type unitError struct {
	stage entity.FailureStage
	kind  entity.FailureKind
	err   error
}

func (e *unitError) Error() string { return e.err.Error() }
func (e *unitError) Unwrap() error { return e.err }

func newUnitError(stage entity.FailureStage, err error) *unitError {
	kind := entity.FailureRejected
	switch {
	case apperrors.IsTimeout(err):
		kind = entity.FailureTimeout
	case apperrors.HasCode(err, apperrors.CodeUnitNotPersisted):
		kind = entity.FailureNotPersisted
	case apperrors.IsTransport(err):
		kind = entity.FailureTransport
	}
	if !apperrors.IsAppError(err) {
		err = apperrors.Wrap(err, apperrors.CodeUnitRejected, fmt.Sprintf("%s call rejected", stage))
	}
	return &unitError{stage: stage, kind: kind, err: err}
}

// run 一次 Run 调用的可变状态
type run struct {
	o         *Orchestrator
	job       *entity.BatchJob
	ctl       *Control
	decider   Decider
	est       *progress.Estimator
	unitStart time.Time
}

// Run 驱动任务直到终止阶段（完成、取消或失败），此时返回 nil。
// ctx 结束时返回 ctx.Err()，任务停留在已持久化的阶段，重启后可以恢复。
func (o *Orchestrator) Run(ctx context.Context, job *entity.BatchJob, ctl *Control, decider Decider) error {
	ctx = logger.WithContext(ctx, logger.BatchIDKey, job.ID)
	ctx = logger.WithContext(ctx, logger.ProjectIDKey, job.ProjectID)
	ctx, span := tracer.Start(ctx, "batch.Orchestrator.Run",
		trace.WithAttributes(
			attribute.String("batch.id", job.ID),
			attribute.Int("batch.total_units", job.TotalUnits),
			attribute.String("batch.phase", string(job.Phase)),
		))
	defer span.End()

	if job.IsTerminal() {
		return nil
	}
	if ctl == nil {
		ctl = NewControl()
	}
	if decider == nil {
		decider = NewPolicyDecider(string(DecisionStop), 0)
	}

	metrics.BatchJobsActive.Inc()
	defer metrics.BatchJobsActive.Dec()

	r := &run{o: o, job: job, ctl: ctl, decider: decider, est: progress.NewEstimator(nil)}
	defer ctl.closeDecision()

	if job.Status == entity.BatchStatusPending {
		job.Start()
		r.save(ctx)
		r.emit(ctx, newEvent(EventBatchStarted, job))
		logger.Info(ctx, "batch started", "total_units", job.TotalUnits, "start_sequence", job.StartSequence)
	} else {
		job.Start()
		if job.Phase == entity.PhaseAwaitingDecision {
			r.openDecision()
		}
		logger.Info(ctx, "batch resumed", "phase", job.Phase, "current_index", job.CurrentIndex)
	}

	for !job.IsTerminal() {
		if ctl.Cancelled() {
			job.Cancel()
			break
		}
		if job.CurrentIndex >= job.TotalUnits {
			job.Complete()
			break
		}

		err := r.step(ctx)
		if err == nil {
			continue
		}
		if apperrors.IsCancelled(err) || ctl.Cancelled() {
			job.Cancel()
			break
		}
		if ctx.Err() != nil {
			logger.Info(ctx, "batch suspended", "phase", job.Phase, "current_index", job.CurrentIndex)
			return ctx.Err()
		}

		var ue *unitError
		if !errors.As(err, &ue) {
			ue = newUnitError(stageOf(job.Phase), err)
		}
		span.RecordError(ue)
		r.fail(ctx, ue)
	}

	r.finish(ctx)
	return nil
}

func stageOf(p entity.BatchPhase) entity.FailureStage {
	switch p {
	case entity.PhaseAwaitingUnitCompletion:
		return entity.StageComplete
	case entity.PhaseFinalizingUnit:
		return entity.StageFinalize
	case entity.PhaseAwaitingNextUnitReady:
		return entity.StageReady
	default:
		return entity.StageGenerate
	}
}

func (r *run) step(ctx context.Context) error {
	ctx = logger.WithContext(ctx, logger.UnitSeqKey, r.job.SequenceAt(r.job.CurrentIndex))
	logger.Debug(ctx, "batch step", "phase", r.job.Phase, "current_index", r.job.CurrentIndex)

	switch r.job.Phase {
	case entity.PhaseIdle, entity.PhaseGeneratingUnit, entity.PhaseAwaitingUnitCompletion:
		return r.generate(ctx)
	case entity.PhaseFinalizingUnit:
		return r.finalize(ctx)
	case entity.PhaseAwaitingNextUnitReady:
		return r.awaitReady(ctx)
	case entity.PhaseAwaitingDecision:
		return r.decide(ctx)
	default:
		return fmt.Errorf("unexpected batch phase %q", r.job.Phase)
	}
}

// passthrough 取消与 ctx 结束不算单元失败
func (r *run) passthrough(ctx context.Context, stage entity.FailureStage, err error) error {
	if apperrors.IsCancelled(err) || ctx.Err() != nil {
		return err
	}
	return newUnitError(stage, err)
}

// generate 触发单章生成，等待流结束与自动保存，拿到章节 ID 后进入定稿阶段
func (r *run) generate(ctx context.Context) error {
	job := r.job
	ctx, span := tracer.Start(ctx, "batch.generateUnit",
		trace.WithAttributes(attribute.Int("unit.sequence", job.SequenceAt(job.CurrentIndex))))
	defer span.End()

	job.Attempt++
	job.ActiveUnitID = ""
	job.UpdateProgress(0)
	job.Enter(entity.PhaseGeneratingUnit)
	r.est.Reset()
	r.unitStart = time.Now()
	r.save(ctx)
	r.emit(ctx, newEvent(EventUnitStarted, job))
	logger.Info(ctx, "unit generation started", "unit_index", job.CurrentIndex, "attempt", job.Attempt)

	sess, err := r.o.gen.StartUnit(ctx, UnitRequest{
		BatchID:      job.ID,
		ProjectID:    job.ProjectID,
		Plan:         job.PlanAt(job.CurrentIndex),
		PriorContext: job.PriorContext,
	})
	if err != nil {
		return r.passthrough(ctx, entity.StageGenerate, err)
	}
	// 未拿到章节 ID 就离开时中止这次生成，重试不会与旧流同时保存
	persisted := false
	defer func() {
		if !persisted {
			sess.Cancel()
		}
	}()

	job.Enter(entity.PhaseAwaitingUnitCompletion)
	r.save(ctx)

	cfg := r.o.cfg
	err = poll(ctx, r.ctl, cfg.PollInterval, cfg.CompletionTimeout, "unit stream to finish", func(ctx context.Context) (bool, error) {
		if sess.Terminal() {
			return true, nil
		}
		r.tick(ctx)
		return false, nil
	})
	if err != nil {
		return r.passthrough(ctx, entity.StageComplete, err)
	}
	if err := sess.Err(); err != nil {
		return r.passthrough(ctx, entity.StageGenerate, err)
	}
	r.emit(ctx, newEvent(EventUnitTerminal, job))

	// 给自动保存留出时间
	if err := sleep(ctx, r.ctl, cfg.PollInterval, cfg.GraceInterval); err != nil {
		return err
	}

	var unitID string
	err = poll(ctx, r.ctl, cfg.PollInterval, cfg.CompletionTimeout, "unit to be persisted", func(context.Context) (bool, error) {
		if err := sess.Err(); err != nil {
			return false, err
		}
		unitID = sess.UnitID()
		return unitID != "", nil
	})
	if apperrors.IsTimeout(err) {
		err = apperrors.Wrap(err, apperrors.CodeUnitNotPersisted, "unit was not persisted after stream finished")
	}
	if err != nil {
		return r.passthrough(ctx, entity.StageComplete, err)
	}

	persisted = true
	job.ActiveUnitID = unitID
	job.Enter(entity.PhaseFinalizingUnit)
	r.save(ctx)
	return nil
}

// tick 推进进度估算并发出进度事件
func (r *run) tick(ctx context.Context) {
	pct := r.est.Tick()
	if pct == r.job.Progress {
		return
	}
	r.job.UpdateProgress(pct)
	evt := newEvent(EventUnitProgress, r.job)
	evt.Progress = pct
	r.emit(ctx, evt)
}

// finalize 调用定稿步骤；成功即记录本单元结果
func (r *run) finalize(ctx context.Context) error {
	job := r.job
	ctx, span := tracer.Start(ctx, "batch.finalizeUnit",
		trace.WithAttributes(attribute.String("unit.id", job.ActiveUnitID)))
	defer span.End()

	if r.ctl.Cancelled() {
		return apperrors.ErrBatchCancelled
	}

	unitID := job.ActiveUnitID
	fctx, cancel := context.WithTimeout(ctx, r.o.cfg.FinalizeTimeout)
	defer cancel()

	out, err := r.o.fin.Finalize(fctx, FinalizeRequest{
		BatchID:   job.ID,
		ProjectID: job.ProjectID,
		UnitID:    unitID,
		Sequence:  job.SequenceAt(job.CurrentIndex),
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(fctx.Err(), context.DeadlineExceeded) {
			err = apperrors.Wrap(err, apperrors.CodeUnitTimeout, "finalize timed out")
		}
		return r.passthrough(ctx, entity.StageFinalize, err)
	}

	if len(out) > 0 {
		job.PriorContext = out
	}
	outcome := job.RecordOutcome(entity.UnitStatusSuccess, unitID, "")
	metrics.BatchUnitsTotal.WithLabelValues(string(entity.UnitStatusSuccess)).Inc()
	if !r.unitStart.IsZero() {
		metrics.BatchUnitDuration.Observe(time.Since(r.unitStart).Seconds())
	}
	if job.CurrentIndex < job.TotalUnits {
		job.Enter(entity.PhaseAwaitingNextUnitReady)
	}
	r.save(ctx)

	evt := newEvent(EventUnitFinalized, job)
	evt.UnitIndex = outcome.UnitIndex
	evt.Sequence = outcome.Sequence
	evt.UnitID = unitID
	evt.Progress = r.est.Complete()
	r.emit(ctx, evt)
	logger.Info(ctx, "unit finalized", "unit_index", outcome.UnitIndex, "unit_id", unitID)
	return nil
}

// awaitReady 轮询外部的当前章节序号，直到等于下一章
func (r *run) awaitReady(ctx context.Context) error {
	job := r.job
	expected := job.SequenceAt(job.CurrentIndex)
	cfg := r.o.cfg

	err := poll(ctx, r.ctl, cfg.PollInterval, cfg.ReadyTimeout, "next unit to become ready", func(ctx context.Context) (bool, error) {
		cur, err := r.o.cursor.Current(ctx, job.ProjectID)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			logger.Warn(ctx, "read unit cursor failed", "error", err.Error())
			return false, nil
		}
		return cur == expected, nil
	})
	if err != nil {
		return r.passthrough(ctx, entity.StageReady, err)
	}

	r.emit(ctx, newEvent(EventNextUnitReady, job))
	job.Enter(entity.PhaseGeneratingUnit)
	r.save(ctx)
	return nil
}

// fail 记录失败尝试并挂起等待决策
func (r *run) fail(ctx context.Context, ue *unitError) {
	job := r.job
	attempt := 1
	for _, f := range job.Failures {
		if f.UnitIndex == job.CurrentIndex {
			attempt++
		}
	}

	f := entity.UnitFailure{
		UnitIndex: job.CurrentIndex,
		Sequence:  job.SequenceAt(job.CurrentIndex),
		Attempt:   attempt,
		Stage:     ue.stage,
		Kind:      ue.kind,
		Error:     ue.Error(),
	}
	job.RecordFailure(f)
	// 阶段对外可见之前就要能接受决策
	r.openDecision()
	job.Enter(entity.PhaseAwaitingDecision)
	r.save(ctx)

	metrics.BatchUnitFailuresTotal.WithLabelValues(string(ue.stage), string(ue.kind)).Inc()
	logger.Warn(ctx, "unit failed",
		"unit_index", f.UnitIndex, "stage", f.Stage, "kind", f.Kind, "attempt", f.Attempt, "error", f.Error)

	evt := newEvent(EventUnitFailed, job)
	evt.Stage, evt.Kind, evt.Error = f.Stage, f.Kind, f.Error
	r.emit(ctx, evt)

	req := newEvent(EventDecisionRequired, job)
	req.Stage, req.Kind, req.Error = f.Stage, f.Kind, f.Error
	r.emit(ctx, req)
}

func (r *run) openDecision() {
	if o, ok := r.decider.(decisionOpener); ok {
		o.Open()
	}
}

// decide 等待决策并据此推进：retry 回到失败的阶段，skip/stop 记录结果
func (r *run) decide(ctx context.Context) error {
	job := r.job
	if job.PendingFailure == nil {
		job.Enter(entity.PhaseGeneratingUnit)
		return nil
	}
	f := *job.PendingFailure

	d, err := r.decider.Decide(ctx, job.Clone(), f)
	if err != nil {
		if apperrors.IsCancelled(err) || r.ctl.Cancelled() {
			return apperrors.ErrBatchCancelled
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error(ctx, "decision failed, stopping batch", err)
		d = DecisionStop
	}
	job.ResolveFailure(string(d))
	logger.Info(ctx, "failure resolved", "unit_index", f.UnitIndex, "decision", d)

	switch d {
	case DecisionRetry:
		switch f.Stage {
		case entity.StageFinalize:
			job.Enter(entity.PhaseFinalizingUnit)
		case entity.StageReady:
			job.Enter(entity.PhaseAwaitingNextUnitReady)
		default:
			job.Enter(entity.PhaseGeneratingUnit)
		}
	case DecisionSkip:
		job.RecordOutcome(entity.UnitStatusSkipped, job.ActiveUnitID, f.Error)
		metrics.BatchUnitsTotal.WithLabelValues(string(entity.UnitStatusSkipped)).Inc()
		job.Enter(entity.PhaseGeneratingUnit)
	default:
		job.RecordOutcome(entity.UnitStatusFailed, job.ActiveUnitID, f.Error)
		metrics.BatchUnitsTotal.WithLabelValues(string(entity.UnitStatusFailed)).Inc()
		job.Fail(f.Error)
	}
	r.save(ctx)
	return nil
}

// finish 任务进入终止阶段后的收尾
func (r *run) finish(ctx context.Context) {
	job := r.job
	// ctx 可能已被取消，终止状态仍需落盘
	saveCtx := context.WithoutCancel(ctx)
	r.save(saveCtx)
	metrics.BatchJobsTotal.WithLabelValues(string(job.Status)).Inc()

	evt := newEvent(EventBatchFinished, job)
	evt.UnitIndex = job.CurrentIndex
	evt.Error = job.ErrorMessage
	evt.Outcomes = append([]entity.UnitOutcome(nil), job.Outcomes...)
	r.emit(saveCtx, evt)

	logger.Info(ctx, "batch finished",
		"status", job.Status, "outcomes", len(job.Outcomes), "total_units", job.TotalUnits)
}

func (r *run) save(ctx context.Context) {
	if r.o.repo == nil {
		return
	}
	if err := r.o.repo.Save(ctx, r.job); err != nil {
		logger.Error(ctx, "save batch job failed", err, "phase", r.job.Phase)
	}
}

func (r *run) emit(ctx context.Context, evt Event) {
	if r.o.sink == nil {
		return
	}
	if err := r.o.sink.Publish(ctx, evt); err != nil {
		logger.Warn(ctx, "publish batch event failed", "type", evt.Type, "error", err.Error())
	}
}
