// Package router 提供 HTTP 路由配置
package router

import (
	"z-novel-pipeline/internal/interfaces/http/handler"
	"z-novel-pipeline/internal/interfaces/http/middleware"

	"github.com/gin-gonic/gin"
)

// RegisterV1Routes 注册 v1 版本路由
func RegisterV1Routes(v1 *gin.RouterGroup, batchHandler *handler.BatchHandler) {
	// 批量生成
	v1.POST("/batches", batchHandler.StartBatch)

	batches := v1.Group("/batches/:bid", middleware.BatchContext("bid"))
	{
		batches.GET("", batchHandler.GetBatch)
		batches.POST("/cancel", batchHandler.CancelBatch)
		batches.POST("/decision", batchHandler.SubmitDecision)
		batches.GET("/events", batchHandler.StreamEvents)
	}

	// 项目下的批量任务
	projects := v1.Group("/projects")
	{
		projects.GET("/:pid/batches", batchHandler.ListProjectBatches)
	}
}
