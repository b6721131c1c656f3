// Package config 提供配置加载功能
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

var envPlaceholder = regexp.MustCompile(`\${(\w+)(:([^}]*))?}`)

// Load 加载配置文件
// 按优先级加载：默认配置 -> 环境配置 -> 环境变量
func Load() (*Config, error) {
	dir := os.Getenv("CONFIG_DIR")
	if dir == "" {
		dir = "configs"
	}
	return LoadFromDir(dir)
}

// LoadFromDir 从指定目录加载配置
func LoadFromDir(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// 1. 默认配置（缺失时仅使用内置默认值）
	if err := loadConfigFile(v, filepath.Join(dir, "config.yaml"), true); err != nil {
		return nil, err
	}

	// 2. 环境特定配置
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}
	envFile := filepath.Join(dir, fmt.Sprintf("config.%s.yaml", env))
	if err := loadConfigFile(v, envFile, true); err != nil {
		return nil, err
	}

	// 3. 绑定环境变量 (直接覆盖)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// loadConfigFile 读取文件，执行环境变量替换，并加载到 viper
func loadConfigFile(v *viper.Viper, path string, optional bool) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	reader := strings.NewReader(expandEnv(string(content)))
	if v.ConfigFileUsed() == "" {
		if err := v.ReadConfig(reader); err != nil {
			return fmt.Errorf("failed to read processed config %s: %w", path, err)
		}
		// 手动标记已加载文件，后续文件走 merge
		v.SetConfigFile(path)
	} else {
		if err := v.MergeConfig(reader); err != nil {
			return fmt.Errorf("failed to merge processed config %s: %w", path, err)
		}
	}

	return nil
}

// expandEnv 替换字符串中的 ${VAR:default} 占位符
func expandEnv(s string) string {
	return envPlaceholder.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envPlaceholder.FindStringSubmatch(match)
		key := submatch[1]
		hasDefault := submatch[2] != ""
		defVal := submatch[3]

		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		if hasDefault {
			return defVal
		}
		return match
	})
}

// MustLoad 加载配置，失败时 panic
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "z-novel-pipeline")
	v.SetDefault("app.version", "v0.0.0")
	v.SetDefault("app.env", "development")

	// HTTP 服务器默认值
	v.SetDefault("server.http.host", "0.0.0.0")
	v.SetDefault("server.http.port", 8090)
	v.SetDefault("server.http.read_timeout", "30s")
	v.SetDefault("server.http.write_timeout", "0s") // SSE 长连接不设写超时
	v.SetDefault("server.http.idle_timeout", "120s")

	// 生成服务默认值
	v.SetDefault("generation_api.base_url", "http://localhost:8080")
	v.SetDefault("generation_api.stream_path", "/v1/projects/{project_id}/chapters/stream")
	v.SetDefault("generation_api.persist_path", "/v1/projects/{project_id}/chapters")
	v.SetDefault("generation_api.finalize_path", "/v1/chapters/{chapter_id}/finalize")
	v.SetDefault("generation_api.cursor_path", "/v1/projects/{project_id}/chapters/current")
	v.SetDefault("generation_api.timeout", "120s")
	v.SetDefault("generation_api.requests_per_second", 5)
	v.SetDefault("generation_api.burst", 5)

	// 流式协议默认值
	v.SetDefault("stream.terminal_events", []string{"done", "complete", "end"})
	v.SetDefault("stream.progress_denylist", []string{
		"正在生成", "正在分析", "正在构思", "正在保存", "正在总结", "开始生成", "生成完成", "准备中",
	})
	v.SetDefault("stream.read_buffer_size", 4096)

	// 排版默认值
	v.SetDefault("normalizer.left_quotes", "“‘「『")
	v.SetDefault("normalizer.right_quotes", "”’」』")
	v.SetDefault("normalizer.attach_punctuation", "，。！？；：、,.!?;:…”’」』")
	v.SetDefault("normalizer.terminal_punctuation", "。！？")
	v.SetDefault("normalizer.ellipsis", "…")
	v.SetDefault("normalizer.indent", "　　")
	v.SetDefault("normalizer.paragraph_break", "\n\n")

	// 标题默认值
	v.SetDefault("title.delimiter", "$")
	v.SetDefault("title.unterminated_policy", "discard")

	// 批量编排默认值
	v.SetDefault("batch.poll_interval", "500ms")
	v.SetDefault("batch.grace_interval", "2s")
	v.SetDefault("batch.completion_timeout", "10m")
	v.SetDefault("batch.finalize_timeout", "5m")
	v.SetDefault("batch.ready_timeout", "3m")
	v.SetDefault("batch.failure_policy", "ask")
	v.SetDefault("batch.max_retries", 2)

	// 任务状态存储默认值
	v.SetDefault("job_store.backend", "memory")
	v.SetDefault("job_store.key_prefix", "batch:job:")
	v.SetDefault("job_store.ttl", "168h")

	// 数据库默认值
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.database", "z_novel_ai")
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("database.postgres.max_open_conns", 10)
	v.SetDefault("database.postgres.max_idle_conns", 5)
	v.SetDefault("database.postgres.conn_max_lifetime", "30m")
	v.SetDefault("database.postgres.conn_max_idle_time", "5m")
	v.SetDefault("database.postgres.auto_migrate", true)

	// Redis 默认值
	v.SetDefault("cache.redis.host", "localhost")
	v.SetDefault("cache.redis.port", 6379)
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.pool_size", 20)
	v.SetDefault("cache.redis.min_idle_conns", 2)
	v.SetDefault("cache.redis.dial_timeout", "5s")
	v.SetDefault("cache.redis.read_timeout", "3s")
	v.SetDefault("cache.redis.write_timeout", "3s")

	v.SetDefault("messaging.redis_stream.enabled", false)
	v.SetDefault("messaging.redis_stream.max_len", 100000)

	// 可观测性默认值
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")
	v.SetDefault("observability.tracing.sample_rate", 1.0)
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.path", "/metrics")
}
