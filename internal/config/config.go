// Package config 提供配置加载和管理功能
package config

import (
	"time"
)

// Config 应用配置根结构
type Config struct {
	App           AppConfig           `yaml:"app" mapstructure:"app"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	GenerationAPI GenerationAPIConfig `yaml:"generation_api" mapstructure:"generation_api"`
	Stream        StreamConfig        `yaml:"stream" mapstructure:"stream"`
	Normalizer    NormalizerConfig    `yaml:"normalizer" mapstructure:"normalizer"`
	Title         TitleConfig         `yaml:"title" mapstructure:"title"`
	Batch         BatchConfig         `yaml:"batch" mapstructure:"batch"`
	JobStore      JobStoreConfig      `yaml:"job_store" mapstructure:"job_store"`
	Database      DatabaseConfig      `yaml:"database" mapstructure:"database"`
	Cache         CacheConfig         `yaml:"cache" mapstructure:"cache"`
	Messaging     MessagingConfig     `yaml:"messaging" mapstructure:"messaging"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
	Security      SecurityConfig      `yaml:"security" mapstructure:"security"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	Name    string `yaml:"name" mapstructure:"name"`
	Version string `yaml:"version" mapstructure:"version"`
	Env     string `yaml:"env" mapstructure:"env"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTP HTTPServerConfig `yaml:"http" mapstructure:"http"`
}

// HTTPServerConfig HTTP 服务器配置
type HTTPServerConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// GenerationAPIConfig 章节生成/定稿服务（外部协作方）配置
type GenerationAPIConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`

	// 路径模板，{project_id} / {chapter_id} 会被替换
	StreamPath   string `yaml:"stream_path" mapstructure:"stream_path"`
	PersistPath  string `yaml:"persist_path" mapstructure:"persist_path"`
	FinalizePath string `yaml:"finalize_path" mapstructure:"finalize_path"`
	CursorPath   string `yaml:"cursor_path" mapstructure:"cursor_path"`

	// Timeout 非流式请求超时；流式请求只受 context 约束
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
}

// StreamConfig 流式协议解码配置
type StreamConfig struct {
	TerminalEvents   []string `yaml:"terminal_events" mapstructure:"terminal_events"`
	ProgressDenylist []string `yaml:"progress_denylist" mapstructure:"progress_denylist"`
	ReadBufferSize   int      `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
}

// NormalizerConfig 正文排版配置（字符集视为数据）
type NormalizerConfig struct {
	LeftQuotes          string `yaml:"left_quotes" mapstructure:"left_quotes"`
	RightQuotes         string `yaml:"right_quotes" mapstructure:"right_quotes"`
	AttachPunctuation   string `yaml:"attach_punctuation" mapstructure:"attach_punctuation"`
	TerminalPunctuation string `yaml:"terminal_punctuation" mapstructure:"terminal_punctuation"`
	Ellipsis            string `yaml:"ellipsis" mapstructure:"ellipsis"`
	Indent              string `yaml:"indent" mapstructure:"indent"`
	ParagraphBreak      string `yaml:"paragraph_break" mapstructure:"paragraph_break"`
}

// TitleConfig 标题提取配置
type TitleConfig struct {
	Delimiter string `yaml:"delimiter" mapstructure:"delimiter"`
	// UnterminatedPolicy discard | flush
	UnterminatedPolicy string `yaml:"unterminated_policy" mapstructure:"unterminated_policy"`
}

// BatchConfig 批量编排配置
type BatchConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	GraceInterval     time.Duration `yaml:"grace_interval" mapstructure:"grace_interval"`
	CompletionTimeout time.Duration `yaml:"completion_timeout" mapstructure:"completion_timeout"`
	FinalizeTimeout   time.Duration `yaml:"finalize_timeout" mapstructure:"finalize_timeout"`
	ReadyTimeout      time.Duration `yaml:"ready_timeout" mapstructure:"ready_timeout"`
	// FailurePolicy ask | stop | skip | retry
	FailurePolicy string `yaml:"failure_policy" mapstructure:"failure_policy"`
	MaxRetries    int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// JobStoreConfig 批量任务状态存储配置
type JobStoreConfig struct {
	// Backend memory | redis | postgres
	Backend   string        `yaml:"backend" mapstructure:"backend"`
	KeyPrefix string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	TTL       time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	Database        string        `yaml:"database" mapstructure:"database"`
	SSLMode         string        `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate" mapstructure:"auto_migrate"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	Password     string        `yaml:"password" mapstructure:"password"`
	DB           int           `yaml:"db" mapstructure:"db"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// MessagingConfig 消息队列配置
type MessagingConfig struct {
	RedisStream RedisStreamConfig `yaml:"redis_stream" mapstructure:"redis_stream"`
}

// RedisStreamConfig Redis Stream 配置
type RedisStreamConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	MaxLen  int  `yaml:"max_len" mapstructure:"max_len"`
}

// ObservabilityConfig 可观测性配置
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TracingConfig 追踪配置
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" mapstructure:"enabled"`
	Endpoint   string  `yaml:"endpoint" mapstructure:"endpoint"`
	SampleRate float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	CORS CORSConfig `yaml:"cors" mapstructure:"cors"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" mapstructure:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" mapstructure:"allowed_headers"`
}
