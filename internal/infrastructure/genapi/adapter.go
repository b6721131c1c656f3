package genapi

import (
	"context"
	"encoding/json"

	"z-novel-pipeline/internal/application/batch"
	apperrors "z-novel-pipeline/pkg/errors"
)

// BatchAdapter 将客户端适配为批量编排所需的端口
type BatchAdapter struct {
	client *Client
}

var (
	_ batch.UnitGenerator = (*BatchAdapter)(nil)
	_ batch.Finalizer     = (*BatchAdapter)(nil)
	_ batch.UnitCursor    = (*BatchAdapter)(nil)
)

// NewBatchAdapter 创建适配器
func NewBatchAdapter(client *Client) *BatchAdapter {
	return &BatchAdapter{client: client}
}

// StartUnit 触发单章生成
func (a *BatchAdapter) StartUnit(ctx context.Context, req batch.UnitRequest) (batch.UnitSession, error) {
	sess, err := a.client.StartSession(ctx, StreamRequest{
		ProjectID:    req.ProjectID,
		Sequence:     req.Plan.Sequence,
		TitleHint:    req.Plan.TitleHint,
		Directive:    req.Plan.Directive,
		Model:        req.Plan.Model,
		Template:     req.Plan.Template,
		PriorContext: req.PriorContext,
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Finalize 定稿
func (a *BatchAdapter) Finalize(ctx context.Context, req batch.FinalizeRequest) (json.RawMessage, error) {
	if req.UnitID == "" {
		return nil, apperrors.New(apperrors.CodeUnitNotPersisted, "finalize requires a persisted unit id")
	}
	return a.client.Finalize(ctx, req.ProjectID, req.UnitID)
}

// Current 当前章节游标
func (a *BatchAdapter) Current(ctx context.Context, projectID string) (int, error) {
	return a.client.CurrentSequence(ctx, projectID)
}
