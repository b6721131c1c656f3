// Package batch 按章节顺序编排"生成 → 等待完成 → 定稿 → 等待下一章就绪"的循环
package batch

import (
	"context"
	"encoding/json"

	"z-novel-pipeline/internal/domain/entity"
)

// UnitRequest 单章生成请求
type UnitRequest struct {
	BatchID      string
	ProjectID    string
	Plan         entity.UnitPlan
	PriorContext json.RawMessage
}

// UnitSession 一次单章生成的可观察状态。
// 触发调用与完成信号是解耦的，编排器只通过轮询这些方法观察进展。
type UnitSession interface {
	// Terminal 流是否已结束
	Terminal() bool
	// Err 流结束原因；正常结束为 nil
	Err() error
	// UnitID 自动保存完成后的章节 ID，之前为空
	UnitID() string
	// Cancel 放弃本次生成：中止流，且之后不再自动保存
	Cancel()
}

// UnitGenerator 单章生成触发器
type UnitGenerator interface {
	StartUnit(ctx context.Context, req UnitRequest) (UnitSession, error)
}

// FinalizeRequest 定稿请求
type FinalizeRequest struct {
	BatchID   string
	ProjectID string
	UnitID    string
	Sequence  int
}

// Finalizer 定稿步骤：服务端摘要并准备下一章，返回的上下文不做解析
type Finalizer interface {
	Finalize(ctx context.Context, req FinalizeRequest) (json.RawMessage, error)
}

// UnitCursor 项目当前正在编辑的章节序号；由外部修改，每次都要重新读取
type UnitCursor interface {
	Current(ctx context.Context, projectID string) (int, error)
}

// EventSink 事件出口
type EventSink interface {
	Publish(ctx context.Context, evt Event) error
}
