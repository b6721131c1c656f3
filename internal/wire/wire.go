//go:build wireinject
// +build wireinject

// Package wire 提供依赖注入配置
package wire

import (
	"context"

	"github.com/google/wire"

	"z-novel-pipeline/internal/application/batch"
	"z-novel-pipeline/internal/config"
	"z-novel-pipeline/internal/infrastructure/genapi"
	"z-novel-pipeline/internal/interfaces/http/handler"
	"z-novel-pipeline/internal/interfaces/http/router"
)

// InitializeApp 初始化整个应用（带路由器）
func InitializeApp(ctx context.Context, cfg *config.Config) (*App, func(), error) {
	wire.Build(
		DataSet,
		GenerationSet,
		BatchSet,
		RouterSet,
		wire.Struct(new(App), "*"),
	)
	return nil, nil, nil
}

// InitializeMigrator 仅初始化 PostgreSQL 任务仓储（用于 migrate）
func InitializeMigrator(ctx context.Context, cfg *config.Config) (*Migrator, func(), error) {
	wire.Build(
		ProvideRequiredPostgresClient,
		ProvideBatchJobRepository,
		wire.Struct(new(Migrator), "*"),
	)
	return nil, nil, nil
}

// DataSet 任务存储与 Redis 提供者集合
var DataSet = wire.NewSet(
	ProvidePostgresClient,
	ProvideRedisClient,
	ProvideJobStore,
)

// GenerationSet 生成服务客户端提供者集合
var GenerationSet = wire.NewSet(
	ProvideStreamOptions,
	ProvideGenerationClient,
	genapi.NewBatchAdapter,
)

// BatchSet 编排器与事件出口提供者集合
var BatchSet = wire.NewSet(
	batch.NewBus,
	ProvideEventSink,
	ProvideOrchestrator,
	ProvideBatchService,
	wire.Bind(new(handler.BatchService), new(*batch.Service)),
)

// RouterSet 路由器提供者集合
var RouterSet = wire.NewSet(
	handler.NewBatchHandler,
	ProvideHealthHandler,
	router.New,
)
