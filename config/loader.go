// =============================================================================
// 📦 notegen 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("notegen.yaml").
//	    WithEnvPrefix("NOTEGEN").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 notegen 的完整配置结构
type Config struct {
	// Session 会话池与生成协调配置
	Session SessionConfig `yaml:"session" env:"SESSION"`

	// Backend 生成后端连接配置
	Backend BackendConfig `yaml:"backend" env:"BACKEND"`

	// Journal 生成记录持久化配置
	Journal JournalConfig `yaml:"journal" env:"JOURNAL"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Simulator 本地后端模拟器配置
	Simulator SimulatorConfig `yaml:"simulator" env:"SIMULATOR"`
}

// SessionConfig 会话池配置
type SessionConfig struct {
	// 通道建立超时（等待 open 或 connected 事件）
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	// start-generation 调用的派发超时
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" env:"DISPATCH_TIMEOUT"`
	// 整体生成看门狗
	GenerationTimeout time.Duration `yaml:"generation_timeout" env:"GENERATION_TIMEOUT"`
	// 普通用户的空闲回收延迟
	CloseDelay time.Duration `yaml:"close_delay" env:"CLOSE_DELAY"`
	// 高频用户的空闲回收延迟
	FrequentUserTimeout time.Duration `yaml:"frequent_user_timeout" env:"FREQUENT_USER_TIMEOUT"`
	// 空闲保活间隔
	KeepAliveInterval time.Duration `yaml:"keepalive_interval" env:"KEEPALIVE_INTERVAL"`
	// 会话最大存活时间，0 表示不限制
	MaxSessionAge time.Duration `yaml:"max_session_age" env:"MAX_SESSION_AGE"`
	// 失败释放时是否直接关闭通道（避免迟到的 chunk 串到下一次请求）
	CloseOnFailure bool `yaml:"close_on_failure" env:"CLOSE_ON_FAILURE"`
	// 看门狗超时时若已有部分文本，按成功返回
	PartialOnTimeout bool `yaml:"partial_on_timeout" env:"PARTIAL_ON_TIMEOUT"`
	// 状态事件队列长度
	StatusBufferSize int `yaml:"status_buffer_size" env:"STATUS_BUFFER_SIZE"`
	// 尽力而为的后端通知（close / cancel）超时
	NotifyTimeout time.Duration `yaml:"notify_timeout" env:"NOTIFY_TIMEOUT"`
	// 预连接配置
	Preconnect PreconnectConfig `yaml:"preconnect" env:"PRECONNECT"`
	// 使用频率统计配置
	Usage UsageConfig `yaml:"usage" env:"USAGE"`
}

// PreconnectConfig 预连接调度配置
type PreconnectConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 触发预连接的最小输入长度（按字符计）
	MinInputLength int `yaml:"min_input_length" env:"MIN_INPUT_LENGTH"`
	// 输入停顿去抖时长
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
	// 视为句子结束的标点
	TerminalPunctuation string `yaml:"terminal_punctuation" env:"TERMINAL_PUNCTUATION"`
	// 预连接尝试的速率上限
	RatePerSecond float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	// 速率桶容量
	Burst int `yaml:"burst" env:"BURST"`
}

// UsageConfig 使用频率统计配置
type UsageConfig struct {
	// 滑动窗口
	Window time.Duration `yaml:"window" env:"WINDOW"`
	// 窗口内达到该次数即视为高频用户
	FrequentThreshold int `yaml:"frequent_threshold" env:"FREQUENT_THRESHOLD"`
	// 存储后端: memory, redis
	Store string `yaml:"store" env:"STORE"`
	// 客户端标识（Redis 键的一部分）
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`
	// Redis 配置（Store=redis 时生效）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
}

// BackendConfig 生成后端配置
type BackendConfig struct {
	// 传输方式: sse, ws
	Transport string `yaml:"transport" env:"TRANSPORT"`
	// HTTP 基础地址（SSE + 控制调用）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// WebSocket 地址
	WSURL string `yaml:"ws_url" env:"WS_URL"`
	// 控制调用超时
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// Bearer Token 签名密钥（HS256），为空则不携带认证
	AuthSecret string `yaml:"auth_secret" env:"AUTH_SECRET"`
	// Token 签发者
	AuthIssuer string `yaml:"auth_issuer" env:"AUTH_ISSUER"`
	// Token 有效期
	TokenTTL time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	// 客户端标识，写入 Token subject
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`
}

// JournalConfig 生成记录配置
type JournalConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 下为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// SimulatorConfig 后端模拟器配置
type SimulatorConfig struct {
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 每个 chunk 之间的间隔
	ChunkDelay time.Duration `yaml:"chunk_delay" env:"CHUNK_DELAY"`
	// 每个 chunk 的字符数
	ChunkSize int `yaml:"chunk_size" env:"CHUNK_SIZE"`
	// 发送 N 个 chunk 后注入 error 事件，0 表示不注入
	ErrorAfter int `yaml:"error_after" env:"ERROR_AFTER"`
	// 是否在流打开后发送 connected 事件
	SendConnected bool `yaml:"send_connected" env:"SEND_CONNECTED"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "NOTEGEN",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.Session.validate()...)

	switch c.Backend.Transport {
	case "sse":
		if c.Backend.BaseURL == "" {
			errs = append(errs, "backend.base_url is required for sse transport")
		}
	case "ws":
		if c.Backend.WSURL == "" {
			errs = append(errs, "backend.ws_url is required for ws transport")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported backend transport %q", c.Backend.Transport))
	}

	if c.Journal.Enabled {
		switch c.Journal.Database.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("unsupported journal driver %q", c.Journal.Database.Driver))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Validate 验证会话配置
func (s SessionConfig) Validate() error {
	if errs := s.validate(); len(errs) > 0 {
		return fmt.Errorf("session config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s SessionConfig) validate() []string {
	var errs []string

	positive := map[string]time.Duration{
		"session.connect_timeout":       s.ConnectTimeout,
		"session.dispatch_timeout":      s.DispatchTimeout,
		"session.generation_timeout":    s.GenerationTimeout,
		"session.close_delay":           s.CloseDelay,
		"session.frequent_user_timeout": s.FrequentUserTimeout,
		"session.keepalive_interval":    s.KeepAliveInterval,
		"session.usage.window":          s.Usage.Window,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	if s.MaxSessionAge < 0 {
		errs = append(errs, "session.max_session_age must not be negative")
	}
	if s.Usage.FrequentThreshold < 1 {
		errs = append(errs, "session.usage.frequent_threshold must be at least 1")
	}
	switch s.Usage.Store {
	case "memory", "":
	case "redis":
		if s.Usage.Redis.Addr == "" {
			errs = append(errs, "session.usage.redis.addr is required for redis store")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported usage store %q", s.Usage.Store))
	}
	if s.Preconnect.Enabled {
		if s.Preconnect.Debounce <= 0 {
			errs = append(errs, "session.preconnect.debounce must be positive")
		}
		if s.Preconnect.MinInputLength < 0 {
			errs = append(errs, "session.preconnect.min_input_length must not be negative")
		}
	}

	// map 遍历无序，排序保证错误信息稳定
	sort.Strings(errs)
	return errs
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
