// Package handler 提供 HTTP 请求处理器
package handler

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"z-novel-pipeline/internal/application/batch"
	"z-novel-pipeline/internal/interfaces/http/dto"
)

// heartbeatInterval SSE 心跳间隔，避免代理断开空闲连接
var heartbeatInterval = 15 * time.Second

// StreamEvents 以 SSE 推送批量任务事件
// @Summary 订阅批量任务事件
// @Description 先推送一次 snapshot，之后推送编排事件，任务结束后关闭
// @Tags Batches
// @Produce text/event-stream
// @Param bid path string true "批量任务 ID"
// @Success 200 "SSE stream"
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/batches/{bid}/events [get]
func (h *BatchHandler) StreamEvents(c *gin.Context) {
	id := dto.BindBatchID(c)

	// 先订阅再读快照，避免两者之间的事件丢失
	events, unsubscribe := h.svc.Subscribe(id)
	defer unsubscribe()

	job, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "failed to get batch", err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	running := h.svc.Running(id)
	c.SSEvent("snapshot", dto.ToBatchResponse(job, running))
	if !running {
		c.Writer.Flush()
		return
	}

	done := h.svc.Done(id)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(evt.Type), evt)
			return !evt.IsFinal()

		case <-done:
			// 运行结束后把缓冲中的事件推完
			drain(c, events)
			return false

		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"ts": time.Now().Unix()})
			return true

		case <-c.Request.Context().Done():
			// 客户端断开
			return false
		}
	})
}

func drain(c *gin.Context, events <-chan batch.Event) {
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(string(evt.Type), evt)
			if evt.IsFinal() {
				return
			}
		default:
			return
		}
	}
}
