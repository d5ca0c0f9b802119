package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了编排服务在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig          `json:"server" yaml:"server"`
	Logging    LoggingConfig         `json:"logging" yaml:"logging"`
	Routes     []RouteConfig         `json:"routes" yaml:"routes"`
	Targets    map[string]TargetSpec `json:"targets" yaml:"targets"`
	Breaker    BreakerConfig         `json:"breaker" yaml:"breaker"`
	RateLimit  RateLimitConfig       `json:"rate_limit" yaml:"rate_limit"`
	Queue      QueueConfig           `json:"queue" yaml:"queue"`
	Dispatcher DispatcherConfig      `json:"dispatcher" yaml:"dispatcher"`
	Health     HealthConfig          `json:"health" yaml:"health"`
	Store      StoreConfig           `json:"store" yaml:"store"`
	Bus        BusConfig             `json:"bus" yaml:"bus"`
	Alerting   AlertingConfig        `json:"alerting" yaml:"alerting"`
	Tracing    TracingConfig         `json:"tracing" yaml:"tracing"`
}

// TracingConfig 控制 OpenTelemetry 链路追踪的导出方式。
type TracingConfig struct {
	Exporter    string            `json:"exporter" yaml:"exporter"`
	Endpoint    string            `json:"endpoint" yaml:"endpoint"`
	Insecure    bool              `json:"insecure" yaml:"insecure"`
	Headers     map[string]string `json:"headers" yaml:"headers"`
	SampleRatio float64           `json:"sample_ratio" yaml:"sample_ratio"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                string `json:"address" yaml:"address"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level" yaml:"level"`
	Format      string   `json:"format" yaml:"format"`
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
	AuditPath   string   `json:"audit_path" yaml:"audit_path"`
}

// RouteConfig 是路由表中的一条规则。
type RouteConfig struct {
	Pattern         string `json:"pattern" yaml:"pattern"`
	Target          string `json:"target" yaml:"target"`
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	HealthURL       string `json:"health_url" yaml:"health_url"`
	TimeoutSeconds  int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	DefaultPriority int    `json:"default_priority" yaml:"default_priority"`
}

// TargetSpec 允许为单个下游服务覆盖熔断和限流参数。
type TargetSpec struct {
	FailureThreshold    int     `json:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeoutSeconds int     `json:"reset_timeout_seconds" yaml:"reset_timeout_seconds"`
	RefillPerMinute     float64 `json:"refill_per_minute" yaml:"refill_per_minute"`
	Burst               int     `json:"burst" yaml:"burst"`
}

// BreakerConfig 为所有下游服务提供默认熔断参数。
type BreakerConfig struct {
	FailureThreshold    int `json:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeoutSeconds int `json:"reset_timeout_seconds" yaml:"reset_timeout_seconds"`
}

// RateLimitConfig 描述令牌桶默认参数与后端。
type RateLimitConfig struct {
	Backend         string      `json:"backend" yaml:"backend"`
	RefillPerMinute float64     `json:"refill_per_minute" yaml:"refill_per_minute"`
	Burst           int         `json:"burst" yaml:"burst"`
	Redis           RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// QueueConfig 控制优先级队列容量。
type QueueConfig struct {
	MaxSize            int `json:"max_size" yaml:"max_size"`
	PollIntervalMillis int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// DispatcherConfig 控制执行器并发与重试参数。
type DispatcherConfig struct {
	Workers           int `json:"workers" yaml:"workers"`
	TransportAttempts int `json:"transport_attempts" yaml:"transport_attempts"`
	BaseDelayMillis   int `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMillis    int `json:"max_delay_ms" yaml:"max_delay_ms"`
	DefaultMaxRetries int `json:"default_max_retries" yaml:"default_max_retries"`
	BackgroundLimit   int `json:"background_limit" yaml:"background_limit"`
}

// HealthConfig 控制健康探测循环。
type HealthConfig struct {
	IntervalSeconds int `json:"interval_seconds" yaml:"interval_seconds"`
	TimeoutSeconds  int `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// StoreConfig 描述任务存储。
type StoreConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	RetentionSeconds       int    `json:"retention_seconds" yaml:"retention_seconds"`
	SweepIntervalSeconds   int    `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
}

// BusConfig 描述事件总线。
type BusConfig struct {
	Driver            string         `json:"driver" yaml:"driver"`
	DeadLetterEnabled *bool          `json:"dead_letter_enabled" yaml:"dead_letter_enabled"`
	DeadLetterLimit   int64          `json:"dead_letter_limit" yaml:"dead_letter_limit"`
	RabbitMQ          RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
	Redis             RedisConfig    `json:"redis" yaml:"redis"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL             string `json:"url" yaml:"url"`
	Exchange        string `json:"exchange" yaml:"exchange"`
	Durable         bool   `json:"durable" yaml:"durable"`
	DeadLetterQueue string `json:"dead_letter_queue" yaml:"dead_letter_queue"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// Load 负责解析指定路径的 JSON 或 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 根据扩展名选择解码器，不做默认值填充。
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}
	return &cfg, nil
}

// applyEnv 使用环境变量覆盖部署相关的字段。
func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv("ORCH_SERVER_ADDRESS")); v != "" {
		c.Server.Address = v
	}
	if v := strings.TrimSpace(getenv("ORCH_LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(getenv("ORCH_REDIS_ADDRESS")); v != "" {
		c.RateLimit.Redis.Address = v
		c.Bus.Redis.Address = v
	}
	if v := strings.TrimSpace(getenv("ORCH_RABBITMQ_URL")); v != "" {
		c.Bus.RabbitMQ.URL = v
	}
	if v := strings.TrimSpace(getenv("ORCH_STORE_DSN")); v != "" {
		c.Store.DSN = v
	}
	if v := strings.TrimSpace(getenv("ORCH_OTEL_EXPORTER")); v != "" {
		c.Tracing.Exporter = v
	}
	if v := strings.TrimSpace(getenv("ORCH_OTEL_ENDPOINT")); v != "" {
		c.Tracing.Endpoint = v
	}
	if v := strings.TrimSpace(getenv("ORCH_DISPATCHER_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Dispatcher.Workers = n
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	for i := range c.Routes {
		route := &c.Routes[i]
		route.Pattern = strings.TrimSpace(route.Pattern)
		if route.Target == "" {
			route.Target = route.Pattern
		}
		if route.TimeoutSeconds <= 0 {
			route.TimeoutSeconds = 30
		}
		if route.DefaultPriority == 0 {
			route.DefaultPriority = 3
		}
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.ResetTimeoutSeconds <= 0 {
		c.Breaker.ResetTimeoutSeconds = 60
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.RefillPerMinute <= 0 {
		c.RateLimit.RefillPerMinute = 60
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 10
	}
	if c.Queue.MaxSize <= 0 {
		c.Queue.MaxSize = 10000
	}
	if c.Queue.PollIntervalMillis <= 0 {
		c.Queue.PollIntervalMillis = 200
	}
	if c.Dispatcher.Workers <= 0 {
		c.Dispatcher.Workers = 16
	}
	if c.Dispatcher.TransportAttempts <= 0 {
		c.Dispatcher.TransportAttempts = 3
	}
	if c.Dispatcher.BaseDelayMillis <= 0 {
		c.Dispatcher.BaseDelayMillis = 1000
	}
	if c.Dispatcher.MaxDelayMillis <= 0 {
		c.Dispatcher.MaxDelayMillis = 30000
	}
	if c.Dispatcher.DefaultMaxRetries < 0 {
		c.Dispatcher.DefaultMaxRetries = 0
	} else if c.Dispatcher.DefaultMaxRetries == 0 {
		c.Dispatcher.DefaultMaxRetries = 3
	}
	if c.Dispatcher.BackgroundLimit <= 0 {
		c.Dispatcher.BackgroundLimit = 256
	}
	if c.Health.IntervalSeconds <= 0 {
		c.Health.IntervalSeconds = 30
	}
	if c.Health.TimeoutSeconds <= 0 {
		c.Health.TimeoutSeconds = 5
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.RetentionSeconds == 0 {
		c.Store.RetentionSeconds = int((24 * time.Hour).Seconds())
	}
	if c.Store.SweepIntervalSeconds <= 0 {
		c.Store.SweepIntervalSeconds = 300
	}
	if c.Bus.Driver == "" {
		c.Bus.Driver = "log"
	}
	if c.Bus.DeadLetterEnabled == nil {
		enabled := true
		c.Bus.DeadLetterEnabled = &enabled
	}
	if c.Bus.RabbitMQ.Exchange == "" {
		c.Bus.RabbitMQ.Exchange = "orchestrator.events"
	}
	if c.Bus.RabbitMQ.DeadLetterQueue == "" {
		c.Bus.RabbitMQ.DeadLetterQueue = "orchestrator.dead_letter"
	}
	if c.Bus.DeadLetterLimit <= 0 {
		c.Bus.DeadLetterLimit = 1000
	}
	if c.Bus.Redis.KeyPrefix == "" {
		c.Bus.Redis.KeyPrefix = "orchestrator:"
	}
	if c.RateLimit.Redis.KeyPrefix == "" {
		c.RateLimit.Redis.KeyPrefix = "orchestrator:rl:"
	}
	c.Tracing.Exporter = strings.ToLower(strings.TrimSpace(c.Tracing.Exporter))
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
}

// Validate 检查路由表与取值范围。
func (c *Config) Validate() error {
	if len(c.Routes) == 0 {
		return errors.New("至少需要配置一条路由规则")
	}
	seen := make(map[string]struct{}, len(c.Routes))
	for i, route := range c.Routes {
		if route.Pattern == "" {
			return fmt.Errorf("routes[%d]: pattern 不能为空", i)
		}
		if _, dup := seen[route.Pattern]; dup {
			return fmt.Errorf("routes[%d]: pattern %q 重复", i, route.Pattern)
		}
		seen[route.Pattern] = struct{}{}
		if strings.TrimSpace(route.Endpoint) == "" {
			return fmt.Errorf("routes[%d]: endpoint 不能为空", i)
		}
		if route.DefaultPriority < 1 || route.DefaultPriority > 5 {
			return fmt.Errorf("routes[%d]: default_priority 必须在 1-5 之间", i)
		}
	}
	switch c.Store.Driver {
	case "memory", "mysql", "postgres":
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Store.Driver)
	}
	switch c.Bus.Driver {
	case "log", "rabbitmq", "redis":
	default:
		return fmt.Errorf("未知的事件总线驱动: %s", c.Bus.Driver)
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("未知的限流后端: %s", c.RateLimit.Backend)
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlphttp":
	default:
		return fmt.Errorf("未知的追踪导出器: %s", c.Tracing.Exporter)
	}
	return nil
}

// Target 返回指定下游服务合并后的熔断与限流参数。
func (c *Config) Target(name string) TargetSpec {
	spec := TargetSpec{
		FailureThreshold:    c.Breaker.FailureThreshold,
		ResetTimeoutSeconds: c.Breaker.ResetTimeoutSeconds,
		RefillPerMinute:     c.RateLimit.RefillPerMinute,
		Burst:               c.RateLimit.Burst,
	}
	override, ok := c.Targets[name]
	if !ok {
		return spec
	}
	if override.FailureThreshold > 0 {
		spec.FailureThreshold = override.FailureThreshold
	}
	if override.ResetTimeoutSeconds > 0 {
		spec.ResetTimeoutSeconds = override.ResetTimeoutSeconds
	}
	if override.RefillPerMinute > 0 {
		spec.RefillPerMinute = override.RefillPerMinute
	}
	if override.Burst > 0 {
		spec.Burst = override.Burst
	}
	return spec
}

// Retention 返回终态任务的保留时长，0 表示不清理。
func (s StoreConfig) Retention() time.Duration {
	if s.RetentionSeconds < 0 {
		return 0
	}
	return time.Duration(s.RetentionSeconds) * time.Second
}

// DeadLetter 返回是否启用死信投递。
func (b BusConfig) DeadLetter() bool {
	return b.DeadLetterEnabled == nil || *b.DeadLetterEnabled
}
