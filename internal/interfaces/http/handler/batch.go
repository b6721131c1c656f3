// Package handler 提供 HTTP 请求处理器
package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"z-novel-pipeline/internal/application/batch"
	"z-novel-pipeline/internal/domain/entity"
	"z-novel-pipeline/internal/domain/repository"
	"z-novel-pipeline/internal/interfaces/http/dto"
	apperrors "z-novel-pipeline/pkg/errors"
	"z-novel-pipeline/pkg/logger"
)

// BatchService 处理器依赖的批量任务服务
type BatchService interface {
	Start(ctx context.Context, req batch.StartRequest) (*entity.BatchJob, error)
	Get(ctx context.Context, id string) (*entity.BatchJob, error)
	List(ctx context.Context, projectID string, pagination repository.Pagination) (*repository.PagedResult[*entity.BatchJob], error)
	Cancel(ctx context.Context, id string) error
	Decide(ctx context.Context, id string, d batch.Decision) error
	Subscribe(batchID string) (<-chan batch.Event, func())
	Running(id string) bool
	Done(id string) <-chan struct{}
}

// BatchHandler 批量任务处理器
type BatchHandler struct {
	svc BatchService
}

// NewBatchHandler 创建批量任务处理器
func NewBatchHandler(svc BatchService) *BatchHandler {
	return &BatchHandler{svc: svc}
}

// StartBatch 创建并启动批量任务
// @Summary 创建批量任务
// @Tags Batches
// @Accept json
// @Produce json
// @Param body body dto.StartBatchRequest true "批量参数"
// @Success 202 {object} dto.Response[dto.BatchResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 409 {object} dto.ErrorResponse "项目已有运行中的任务"
// @Router /v1/batches [post]
func (h *BatchHandler) StartBatch(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.StartBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, err.Error())
		return
	}

	job, err := h.svc.Start(ctx, req.ToStartRequest())
	if err != nil {
		h.fail(c, "failed to start batch", err)
		return
	}

	dto.Accepted(c, dto.ToBatchResponse(job, true))
}

// GetBatch 获取批量任务
// @Summary 获取批量任务详情
// @Tags Batches
// @Produce json
// @Param bid path string true "批量任务 ID"
// @Success 200 {object} dto.Response[dto.BatchResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/batches/{bid} [get]
func (h *BatchHandler) GetBatch(c *gin.Context) {
	id := dto.BindBatchID(c)

	job, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "failed to get batch", err)
		return
	}
	dto.Success(c, dto.ToBatchResponse(job, h.svc.Running(id)))
}

// ListProjectBatches 获取项目下的批量任务
// @Summary 项目批量任务列表
// @Tags Batches
// @Produce json
// @Param pid path string true "项目 ID"
// @Success 200 {object} dto.Response[dto.BatchListResponse]
// @Router /v1/projects/{pid}/batches [get]
func (h *BatchHandler) ListProjectBatches(c *gin.Context) {
	projectID := dto.BindProjectID(c)
	pageReq := dto.BindPage(c)

	result, err := h.svc.List(c.Request.Context(), projectID, repository.NewPagination(pageReq.Page, pageReq.PageSize))
	if err != nil {
		h.fail(c, "failed to list batches", err)
		return
	}

	resp := &dto.BatchListResponse{Batches: make([]*dto.BatchResponse, 0, len(result.Items))}
	for _, j := range result.Items {
		resp.Batches = append(resp.Batches, dto.ToBatchResponse(j, h.svc.Running(j.ID)))
	}
	dto.SuccessWithPage(c, resp, dto.NewPageMeta(result.Page, result.PageSize, int(result.Total)))
}

// CancelBatch 请求取消批量任务；任务在下一个轮询点停止
// @Summary 取消批量任务
// @Tags Batches
// @Produce json
// @Param bid path string true "批量任务 ID"
// @Success 202 {object} dto.Response[dto.CancelBatchResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Failure 409 {object} dto.ErrorResponse "任务已结束"
// @Router /v1/batches/{bid}/cancel [post]
func (h *BatchHandler) CancelBatch(c *gin.Context) {
	id := dto.BindBatchID(c)

	if err := h.svc.Cancel(c.Request.Context(), id); err != nil {
		h.fail(c, "failed to cancel batch", err)
		return
	}
	dto.Accepted(c, &dto.CancelBatchResponse{ID: id, CancelRequested: true})
}

// SubmitDecision 对挂起的失败提交决策
// @Summary 提交失败决策
// @Tags Batches
// @Accept json
// @Produce json
// @Param bid path string true "批量任务 ID"
// @Param body body dto.DecisionRequest true "retry | skip | stop"
// @Success 202 {object} dto.Response[dto.DecisionResponse]
// @Failure 409 {object} dto.ErrorResponse "没有等待中的决策"
// @Router /v1/batches/{bid}/decision [post]
func (h *BatchHandler) SubmitDecision(c *gin.Context) {
	id := dto.BindBatchID(c)

	var req dto.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, err.Error())
		return
	}
	d, ok := batch.ParseDecision(req.Decision)
	if !ok {
		dto.BadRequest(c, "decision must be one of retry, skip, stop")
		return
	}

	if err := h.svc.Decide(c.Request.Context(), id, d); err != nil {
		h.fail(c, "failed to submit decision", err)
		return
	}
	dto.Accepted(c, &dto.DecisionResponse{ID: id, Decision: string(d)})
}

// fail 业务错误原样返回，其余记录日志
func (h *BatchHandler) fail(c *gin.Context, msg string, err error) {
	if !apperrors.IsAppError(err) || apperrors.AsAppError(err).HTTPStatus >= 500 {
		logger.Error(c.Request.Context(), msg, err)
	}
	dto.FromError(c, err)
}
