package wire

import (
	"context"
	"fmt"
	"strings"

	"z-novel-pipeline/internal/application/batch"
	"z-novel-pipeline/internal/config"
	"z-novel-pipeline/internal/domain/repository"
	"z-novel-pipeline/internal/infrastructure/genapi"
	"z-novel-pipeline/internal/infrastructure/messaging"
	"z-novel-pipeline/internal/infrastructure/persistence/memory"
	"z-novel-pipeline/internal/infrastructure/persistence/postgres"
	"z-novel-pipeline/internal/infrastructure/persistence/redis"
	"z-novel-pipeline/internal/interfaces/http/handler"
	"z-novel-pipeline/internal/interfaces/http/router"
	"z-novel-pipeline/internal/stream"
	"z-novel-pipeline/internal/stream/sse"
	"z-novel-pipeline/internal/stream/textfmt"
	"z-novel-pipeline/internal/stream/title"
	"z-novel-pipeline/pkg/logger"
)

// 任务存储后端
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// App 服务进程需要的顶层对象
type App struct {
	Router  *router.Router
	Service *batch.Service
}

// Migrator 建表工具需要的对象
type Migrator struct {
	Client *postgres.Client
	Repo   *postgres.BatchJobRepository
}

func backend(cfg *config.Config) string {
	b := strings.ToLower(strings.TrimSpace(cfg.JobStore.Backend))
	if b == "" {
		return BackendMemory
	}
	return b
}

// ProvidePostgresClient 任务存储使用 postgres 时提供客户端，否则返回 nil
func ProvidePostgresClient(cfg *config.Config) (*postgres.Client, func(), error) {
	if backend(cfg) != BackendPostgres {
		return nil, func() {}, nil
	}
	return ProvideRequiredPostgresClient(cfg)
}

// ProvideRequiredPostgresClient 提供 PostgreSQL 客户端
func ProvideRequiredPostgresClient(cfg *config.Config) (*postgres.Client, func(), error) {
	client, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = client.Close()
	}
	return client, cleanup, nil
}

// ProvideRedisClient 任务存储或事件流需要 Redis 时提供客户端，否则返回 nil
func ProvideRedisClient(cfg *config.Config) (*redis.Client, func(), error) {
	if backend(cfg) != BackendRedis && !cfg.Messaging.RedisStream.Enabled {
		return nil, func() {}, nil
	}
	client, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = client.Close()
	}
	return client, cleanup, nil
}

// ProvideBatchJobRepository 提供 PostgreSQL 任务仓储
func ProvideBatchJobRepository(client *postgres.Client) *postgres.BatchJobRepository {
	return postgres.NewBatchJobRepository(client)
}

// ProvideJobStore 按配置选择任务存储
func ProvideJobStore(ctx context.Context, cfg *config.Config, pg *postgres.Client, rc *redis.Client) (repository.BatchJobRepository, error) {
	switch b := backend(cfg); b {
	case BackendMemory:
		return memory.NewJobStore(cfg.JobStore.TTL), nil
	case BackendRedis:
		return redis.NewJobStore(rc, cfg.JobStore.KeyPrefix, cfg.JobStore.TTL), nil
	case BackendPostgres:
		repo := postgres.NewBatchJobRepository(pg)
		if cfg.Database.Postgres.AutoMigrate {
			if err := repo.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown job store backend: %s", b)
	}
}

// ProvideStreamOptions 由配置组装流式会话参数
func ProvideStreamOptions(cfg *config.Config) stream.Options {
	opts := textfmt.DefaultOptions()
	n := cfg.Normalizer
	if n.LeftQuotes != "" {
		opts.LeftQuotes = n.LeftQuotes
	}
	if n.RightQuotes != "" {
		opts.RightQuotes = n.RightQuotes
	}
	if n.AttachPunctuation != "" {
		opts.AttachPunctuation = n.AttachPunctuation
	}
	if n.TerminalPunctuation != "" {
		opts.TerminalPunctuation = n.TerminalPunctuation
	}
	if n.Ellipsis != "" {
		opts.Ellipsis = n.Ellipsis
	}
	if n.Indent != "" {
		opts.Indent = n.Indent
	}
	if n.ParagraphBreak != "" {
		opts.ParagraphBreak = n.ParagraphBreak
	}

	return stream.Options{
		TerminalEvents: cfg.Stream.TerminalEvents,
		Classifier:     sse.NewClassifier(cfg.Stream.ProgressDenylist),
		Normalizer:     textfmt.New(opts),
		TitleDelimiter: title.ParseDelimiter(cfg.Title.Delimiter),
		TitlePolicy:    title.ParsePolicy(cfg.Title.UnterminatedPolicy),
		ReadBufferSize: cfg.Stream.ReadBufferSize,
	}
}

// ProvideGenerationClient 提供生成服务客户端
func ProvideGenerationClient(cfg *config.Config, opts stream.Options) *genapi.Client {
	return genapi.NewClient(cfg.GenerationAPI, opts)
}

// ProvideEventSink 进程内总线总是启用；配置开启时同时写入 Redis Stream
func ProvideEventSink(cfg *config.Config, bus *batch.Bus, rc *redis.Client) batch.EventSink {
	sinks := batch.MultiSink{bus}
	if cfg.Messaging.RedisStream.Enabled && rc != nil {
		maxLen := cfg.Messaging.RedisStream.MaxLen
		if maxLen <= 0 {
			maxLen = 100000
		}
		producer := messaging.NewProducer(rc.Redis(), int64(maxLen))
		sinks = append(sinks, messaging.NewEventSink(producer))
	}
	return sinks
}

// ProvideOrchestrator 提供编排器；未配置的时间参数使用默认值
func ProvideOrchestrator(cfg *config.Config, adapter *genapi.BatchAdapter, repo repository.BatchJobRepository, sink batch.EventSink) *batch.Orchestrator {
	oc := batch.DefaultConfig()
	b := cfg.Batch
	if b.PollInterval > 0 {
		oc.PollInterval = b.PollInterval
	}
	if b.GraceInterval > 0 {
		oc.GraceInterval = b.GraceInterval
	}
	if b.CompletionTimeout > 0 {
		oc.CompletionTimeout = b.CompletionTimeout
	}
	if b.FinalizeTimeout > 0 {
		oc.FinalizeTimeout = b.FinalizeTimeout
	}
	if b.ReadyTimeout > 0 {
		oc.ReadyTimeout = b.ReadyTimeout
	}
	return batch.NewOrchestrator(oc, adapter, adapter, adapter, repo, sink)
}

// ProvideBatchService 提供批量任务服务
func ProvideBatchService(cfg *config.Config, orch *batch.Orchestrator, repo repository.BatchJobRepository, bus *batch.Bus) *batch.Service {
	return batch.NewService(orch, repo, bus, batch.ServiceConfig{
		FailurePolicy: cfg.Batch.FailurePolicy,
		MaxRetries:    cfg.Batch.MaxRetries,
	})
}

// ProvideHealthHandler 就绪检查只包含实际启用的依赖
func ProvideHealthHandler(ctx context.Context, cfg *config.Config, pg *postgres.Client, rc *redis.Client) *handler.HealthHandler {
	var deps []handler.Dependency
	if pg != nil {
		deps = append(deps, handler.Dependency{Name: "postgres", Checker: pg, Required: true})
	}
	if rc != nil {
		// 只用于事件流时 Redis 不可用不影响编排
		deps = append(deps, handler.Dependency{Name: "redis", Checker: rc, Required: backend(cfg) == BackendRedis})
	}
	logger.Debug(ctx, "readiness dependencies configured", "count", len(deps), "job_store", backend(cfg))
	return handler.NewHealthHandler(cfg.App.Version, deps...)
}
