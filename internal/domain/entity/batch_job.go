// Package entity 定义领域实体
package entity

import (
	"encoding/json"
	"time"
)

// BatchStatus 批量任务状态
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusCancelled BatchStatus = "cancelled"
	BatchStatusFailed    BatchStatus = "failed"
)

// BatchPhase 编排状态机所处阶段，持久化后用于重启恢复
type BatchPhase string

const (
	PhaseIdle                   BatchPhase = "idle"
	PhaseGeneratingUnit         BatchPhase = "generating_unit"
	PhaseAwaitingUnitCompletion BatchPhase = "awaiting_unit_completion"
	PhaseFinalizingUnit         BatchPhase = "finalizing_unit"
	PhaseAwaitingNextUnitReady  BatchPhase = "awaiting_next_unit_ready"
	PhaseAwaitingDecision       BatchPhase = "awaiting_decision"
	PhaseCompleted              BatchPhase = "completed"
	PhaseCancelled              BatchPhase = "cancelled"
	PhaseFailed                 BatchPhase = "failed"
)

// IsTerminal 是否为终止阶段
func (p BatchPhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseFailed
}

// UnitStatus 单元结果
type UnitStatus string

const (
	UnitStatusSuccess UnitStatus = "success"
	UnitStatusFailed  UnitStatus = "failed"
	UnitStatusSkipped UnitStatus = "skipped"
)

// FailureStage 单元失败发生的阶段
type FailureStage string

const (
	StageGenerate FailureStage = "generate"
	StageComplete FailureStage = "complete"
	StageFinalize FailureStage = "finalize"
	StageReady    FailureStage = "ready"
)

// FailureKind 失败类型；超时与显式拒绝分开统计
type FailureKind string

const (
	FailureRejected     FailureKind = "rejected"
	FailureTimeout      FailureKind = "timeout"
	FailureTransport    FailureKind = "transport"
	FailureNotPersisted FailureKind = "not_persisted"
)

// UnitPlan 单个章节的生成计划
type UnitPlan struct {
	Sequence  int    `json:"sequence"`
	TitleHint string `json:"title_hint,omitempty"`
	Directive string `json:"directive,omitempty"`
	Model     string `json:"model,omitempty"`
	Template  string `json:"template,omitempty"`
}

// UnitOutcome 单元最终结果，按 UnitIndex 递增排列
type UnitOutcome struct {
	UnitIndex  int        `json:"unit_index"`
	Sequence   int        `json:"sequence"`
	Status     UnitStatus `json:"status"`
	UnitID     string     `json:"unit_id,omitempty"`
	Error      string     `json:"error,omitempty"`
	FinishedAt time.Time  `json:"finished_at"`
}

// UnitFailure 一次失败的尝试；无论最终如何处理都会记录
type UnitFailure struct {
	UnitIndex int          `json:"unit_index"`
	Sequence  int          `json:"sequence"`
	Attempt   int          `json:"attempt"`
	Stage     FailureStage `json:"stage"`
	Kind      FailureKind  `json:"kind"`
	Error     string       `json:"error"`
	Decision  string       `json:"decision,omitempty"`
	At        time.Time    `json:"at"`
}

// BatchJob 一次"连续生成 N 章"的任务
type BatchJob struct {
	ID            string      `json:"id"`
	ProjectID     string      `json:"project_id"`
	StartSequence int         `json:"start_sequence"`
	TotalUnits    int         `json:"total_units"`
	CurrentIndex  int         `json:"current_index"`
	Plans         []UnitPlan  `json:"plans,omitempty"`
	Status        BatchStatus `json:"status"`
	Phase         BatchPhase  `json:"phase"`
	Cancelled     bool        `json:"cancelled"`

	Outcomes []UnitOutcome `json:"outcomes"`
	Failures []UnitFailure `json:"failures,omitempty"`

	// PendingFailure 等待决策的失败
	PendingFailure *UnitFailure `json:"pending_failure,omitempty"`

	Attempt      int             `json:"attempt"`
	ActiveUnitID string          `json:"active_unit_id,omitempty"`
	PriorContext json.RawMessage `json:"prior_context,omitempty"`
	Progress     int             `json:"progress"` // 当前单元进度 (0-100)
	ErrorMessage string          `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewBatchJob 创建批量任务；plans 可为空或只覆盖部分单元
func NewBatchJob(id, projectID string, startSequence, totalUnits int, plans []UnitPlan) *BatchJob {
	now := time.Now()
	return &BatchJob{
		ID:            id,
		ProjectID:     projectID,
		StartSequence: startSequence,
		TotalUnits:    totalUnits,
		Plans:         plans,
		Status:        BatchStatusPending,
		Phase:         PhaseIdle,
		Outcomes:      []UnitOutcome{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Start 开始执行
func (j *BatchJob) Start() {
	now := time.Now()
	j.Status = BatchStatusRunning
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.UpdatedAt = now
}

// Enter 切换阶段
func (j *BatchJob) Enter(phase BatchPhase) {
	j.Phase = phase
	j.UpdatedAt = time.Now()
}

// SequenceAt 第 index 个单元的章节序号
func (j *BatchJob) SequenceAt(index int) int {
	return j.StartSequence + index
}

// PlanAt 第 index 个单元的计划；未显式给出时只带序号
func (j *BatchJob) PlanAt(index int) UnitPlan {
	seq := j.SequenceAt(index)
	for _, p := range j.Plans {
		if p.Sequence == seq {
			return p
		}
	}
	return UnitPlan{Sequence: seq}
}

// Remaining 尚未处理的单元数
func (j *BatchJob) Remaining() int {
	return j.TotalUnits - j.CurrentIndex
}

// RecordOutcome 记录当前单元结果并推进到下一个单元。
// 两步合一，保证 len(Outcomes) == CurrentIndex。
func (j *BatchJob) RecordOutcome(status UnitStatus, unitID, errMsg string) UnitOutcome {
	o := UnitOutcome{
		UnitIndex:  j.CurrentIndex,
		Sequence:   j.SequenceAt(j.CurrentIndex),
		Status:     status,
		UnitID:     unitID,
		Error:      errMsg,
		FinishedAt: time.Now(),
	}
	j.Outcomes = append(j.Outcomes, o)
	j.CurrentIndex++
	j.Attempt = 0
	j.ActiveUnitID = ""
	j.PendingFailure = nil
	j.Progress = 0
	j.UpdatedAt = o.FinishedAt
	return o
}

// RecordFailure 追加一次失败尝试并挂起等待决策
func (j *BatchJob) RecordFailure(f UnitFailure) {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	j.Failures = append(j.Failures, f)
	pending := f
	j.PendingFailure = &pending
	j.UpdatedAt = f.At
}

// ResolveFailure 记录对最近一次失败的决策
func (j *BatchJob) ResolveFailure(decision string) {
	if n := len(j.Failures); n > 0 {
		j.Failures[n-1].Decision = decision
	}
	j.PendingFailure = nil
	j.UpdatedAt = time.Now()
}

// Complete 全部单元处理完毕
func (j *BatchJob) Complete() {
	j.finish(BatchStatusCompleted, PhaseCompleted, "")
}

// Cancel 用户取消
func (j *BatchJob) Cancel() {
	j.Cancelled = true
	j.finish(BatchStatusCancelled, PhaseCancelled, "")
}

// Fail 用户在失败后选择停止，或不可恢复的错误
func (j *BatchJob) Fail(errMsg string) {
	j.finish(BatchStatusFailed, PhaseFailed, errMsg)
}

func (j *BatchJob) finish(status BatchStatus, phase BatchPhase, errMsg string) {
	now := time.Now()
	j.Status = status
	j.Phase = phase
	j.ErrorMessage = errMsg
	j.PendingFailure = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// IsTerminal 是否已结束
func (j *BatchJob) IsTerminal() bool {
	return j.Phase.IsTerminal()
}

// FailedSequences 结果为失败的章节序号
func (j *BatchJob) FailedSequences() []int64 {
	var seqs []int64
	for _, o := range j.Outcomes {
		if o.Status == UnitStatusFailed {
			seqs = append(seqs, int64(o.Sequence))
		}
	}
	return seqs
}

// UpdateProgress 更新当前单元进度
func (j *BatchJob) UpdateProgress(progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	j.Progress = progress
}

// Clone 深拷贝，供存储与对外快照使用
func (j *BatchJob) Clone() *BatchJob {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Plans = append([]UnitPlan(nil), j.Plans...)
	cp.Outcomes = append([]UnitOutcome{}, j.Outcomes...)
	cp.Failures = append([]UnitFailure(nil), j.Failures...)
	if j.PendingFailure != nil {
		pf := *j.PendingFailure
		cp.PendingFailure = &pf
	}
	if j.PriorContext != nil {
		cp.PriorContext = append(json.RawMessage(nil), j.PriorContext...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
