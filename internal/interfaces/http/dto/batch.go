package dto

import (
	"encoding/json"
	"time"

	"z-novel-pipeline/internal/application/batch"
	"z-novel-pipeline/internal/domain/entity"
)

// UnitPlanRequest 单章生成参数
type UnitPlanRequest struct {
	Sequence  int    `json:"sequence" binding:"min=0"`
	TitleHint string `json:"title_hint,omitempty" binding:"max=200"`
	Directive string `json:"directive,omitempty" binding:"max=4000"`
	Model     string `json:"model,omitempty" binding:"max=64"`
	Template  string `json:"template,omitempty" binding:"max=64"`
}

// StartBatchRequest 创建批量任务请求
type StartBatchRequest struct {
	ProjectID     string            `json:"project_id" binding:"required,max=64"`
	StartSequence int               `json:"start_sequence" binding:"min=0"`
	TotalUnits    int               `json:"total_units" binding:"required,min=1,max=200"`
	Plans         []UnitPlanRequest `json:"plans,omitempty" binding:"omitempty,dive"`
	FailurePolicy string            `json:"failure_policy,omitempty" binding:"omitempty,oneof=ask stop skip retry"`
}

// ToStartRequest 转换为应用层参数
func (r *StartBatchRequest) ToStartRequest() batch.StartRequest {
	plans := make([]entity.UnitPlan, 0, len(r.Plans))
	for _, p := range r.Plans {
		plans = append(plans, entity.UnitPlan{
			Sequence:  p.Sequence,
			TitleHint: p.TitleHint,
			Directive: p.Directive,
			Model:     p.Model,
			Template:  p.Template,
		})
	}
	return batch.StartRequest{
		ProjectID:     r.ProjectID,
		StartSequence: r.StartSequence,
		TotalUnits:    r.TotalUnits,
		Plans:         plans,
		FailurePolicy: r.FailurePolicy,
	}
}

// DecisionRequest 失败决策请求；decision 为 retry | skip | stop
type DecisionRequest struct {
	Decision string `json:"decision" binding:"required"`
}

// BatchResponse 批量任务响应
type BatchResponse struct {
	ID              string               `json:"id"`
	ProjectID       string               `json:"project_id"`
	Status          string               `json:"status"`
	Phase           string               `json:"phase"`
	StartSequence   int                  `json:"start_sequence"`
	TotalUnits      int                  `json:"total_units"`
	CurrentIndex    int                  `json:"current_index"`
	CurrentSequence int                  `json:"current_sequence"`
	Attempt         int                  `json:"attempt"`
	Progress        int                  `json:"progress"`
	ActiveUnitID    string               `json:"active_unit_id,omitempty"`
	Outcomes        []entity.UnitOutcome `json:"outcomes"`
	Failures        []entity.UnitFailure `json:"failures,omitempty"`
	PendingFailure  *entity.UnitFailure  `json:"pending_failure,omitempty"`
	PriorContext    json.RawMessage      `json:"prior_context,omitempty"`
	ErrorMsg        string               `json:"error_msg,omitempty"`
	Running         bool                 `json:"running"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	StartedAt       *time.Time           `json:"started_at,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
}

// BatchListResponse 批量任务列表响应
type BatchListResponse struct {
	Batches []*BatchResponse `json:"batches"`
}

// CancelBatchResponse 取消批量任务响应
type CancelBatchResponse struct {
	ID              string `json:"id"`
	CancelRequested bool   `json:"cancel_requested"`
}

// DecisionResponse 决策提交响应
type DecisionResponse struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
}

// ToBatchResponse 将领域实体转换为响应 DTO
func ToBatchResponse(j *entity.BatchJob, running bool) *BatchResponse {
	if j == nil {
		return nil
	}

	return &BatchResponse{
		ID:              j.ID,
		ProjectID:       j.ProjectID,
		Status:          string(j.Status),
		Phase:           string(j.Phase),
		StartSequence:   j.StartSequence,
		TotalUnits:      j.TotalUnits,
		CurrentIndex:    j.CurrentIndex,
		CurrentSequence: j.SequenceAt(j.CurrentIndex),
		Attempt:         j.Attempt,
		Progress:        j.Progress,
		ActiveUnitID:    j.ActiveUnitID,
		Outcomes:        j.Outcomes,
		Failures:        j.Failures,
		PendingFailure:  j.PendingFailure,
		PriorContext:    j.PriorContext,
		ErrorMsg:        j.ErrorMessage,
		Running:         running,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}
