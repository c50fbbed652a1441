// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// 验证会话时序默认值
	assert.Equal(t, 12*time.Second, cfg.Session.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.Session.DispatchTimeout)
	assert.Equal(t, 90*time.Second, cfg.Session.GenerationTimeout)
	assert.Equal(t, 30*time.Second, cfg.Session.CloseDelay)
	assert.Equal(t, 180*time.Second, cfg.Session.FrequentUserTimeout)
	assert.Equal(t, 30*time.Second, cfg.Session.KeepAliveInterval)
	assert.True(t, cfg.Session.CloseOnFailure)
	assert.True(t, cfg.Session.PartialOnTimeout)

	// 验证使用频率默认值
	assert.Equal(t, 60*time.Second, cfg.Session.Usage.Window)
	assert.Equal(t, 2, cfg.Session.Usage.FrequentThreshold)
	assert.Equal(t, "memory", cfg.Session.Usage.Store)

	// 验证预连接默认值
	assert.True(t, cfg.Session.Preconnect.Enabled)
	assert.Equal(t, 800*time.Millisecond, cfg.Session.Preconnect.Debounce)
	assert.Contains(t, cfg.Session.Preconnect.TerminalPunctuation, "。")

	// 验证后端默认值
	assert.Equal(t, "sse", cfg.Backend.Transport)
	assert.NotEmpty(t, cfg.Backend.BaseURL)

	// 验证 Log 默认值
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	require.NoError(t, cfg.Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	// 不指定配置文件，应该返回默认值
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 30*time.Second, cfg.Session.CloseDelay)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "notegen.yaml")

	yamlContent := `
session:
  connect_timeout: 5s
  close_delay: 45s
  close_on_failure: false
  preconnect:
    min_input_length: 4
    debounce: 500ms
  usage:
    frequent_threshold: 3
    store: redis
    redis:
      addr: "redis:6379"

backend:
  transport: ws
  ws_url: "ws://gen.internal/ws"

log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Session.ConnectTimeout)
	assert.Equal(t, 45*time.Second, cfg.Session.CloseDelay)
	assert.False(t, cfg.Session.CloseOnFailure)
	assert.Equal(t, 4, cfg.Session.Preconnect.MinInputLength)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.Preconnect.Debounce)
	assert.Equal(t, 3, cfg.Session.Usage.FrequentThreshold)
	assert.Equal(t, "redis", cfg.Session.Usage.Store)
	assert.Equal(t, "redis:6379", cfg.Session.Usage.Redis.Addr)
	assert.Equal(t, "ws", cfg.Backend.Transport)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 未出现在 YAML 中的字段保持默认值
	assert.Equal(t, 90*time.Second, cfg.Session.GenerationTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("NOTEGEN_SESSION_CLOSE_DELAY", "15s")
	t.Setenv("NOTEGEN_SESSION_USAGE_FREQUENT_THRESHOLD", "5")
	t.Setenv("NOTEGEN_SESSION_PRECONNECT_ENABLED", "false")
	t.Setenv("NOTEGEN_SESSION_PRECONNECT_RATE_PER_SECOND", "2.5")
	t.Setenv("NOTEGEN_BACKEND_BASE_URL", "http://gen.internal")
	t.Setenv("NOTEGEN_LOG_OUTPUT_PATHS", "stdout, /var/log/notegen.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Session.CloseDelay)
	assert.Equal(t, 5, cfg.Session.Usage.FrequentThreshold)
	assert.False(t, cfg.Session.Preconnect.Enabled)
	assert.Equal(t, 2.5, cfg.Session.Preconnect.RatePerSecond)
	assert.Equal(t, "http://gen.internal", cfg.Backend.BaseURL)
	assert.Equal(t, []string{"stdout", "/var/log/notegen.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "notegen.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("session:\n  close_delay: 45s\n"), 0644))

	t.Setenv("NOTEGEN_SESSION_CLOSE_DELAY", "20s")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.Session.CloseDelay)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SESSION_KEEPALIVE_INTERVAL", "7s")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.Session.KeepAliveInterval)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("NOTEGEN_SESSION_CONNECT_TIMEOUT", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOTEGEN_SESSION_CONNECT_TIMEOUT")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("NOTEGEN_SESSION_CLOSE_DELAY", "0s")

	_, err := NewLoader().
		WithValidator(func(c *Config) error { return c.Validate() }).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session.close_delay must be positive")
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/notegen.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Session, cfg.Session)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("session: [unclosed"), 0644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

// --- 校验测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{
			name:    "zero dispatch timeout",
			mutate:  func(c *Config) { c.Session.DispatchTimeout = 0 },
			wantErr: "session.dispatch_timeout must be positive",
		},
		{
			name:    "threshold below one",
			mutate:  func(c *Config) { c.Session.Usage.FrequentThreshold = 0 },
			wantErr: "frequent_threshold must be at least 1",
		},
		{
			name:    "unknown usage store",
			mutate:  func(c *Config) { c.Session.Usage.Store = "etcd" },
			wantErr: `unsupported usage store "etcd"`,
		},
		{
			name:    "redis store without addr",
			mutate:  func(c *Config) { c.Session.Usage.Store = "redis"; c.Session.Usage.Redis.Addr = "" },
			wantErr: "session.usage.redis.addr is required",
		},
		{
			name:    "unknown transport",
			mutate:  func(c *Config) { c.Backend.Transport = "grpc" },
			wantErr: `unsupported backend transport "grpc"`,
		},
		{
			name:    "ws without url",
			mutate:  func(c *Config) { c.Backend.Transport = "ws"; c.Backend.WSURL = "" },
			wantErr: "backend.ws_url is required",
		},
		{
			name:    "journal with unknown driver",
			mutate:  func(c *Config) { c.Journal.Enabled = true; c.Journal.Database.Driver = "oracle" },
			wantErr: `unsupported journal driver "oracle"`,
		},
		{
			name:    "negative max session age",
			mutate:  func(c *Config) { c.Session.MaxSessionAge = -time.Second },
			wantErr: "max_session_age must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSessionConfig_ValidateStandalone(t *testing.T) {
	s := DefaultSessionConfig()
	require.NoError(t, s.Validate())

	s.CloseDelay = 0
	s.KeepAliveInterval = 0
	err := s.Validate()
	require.Error(t, err)
	// 错误顺序稳定
	assert.Equal(t,
		"session config validation errors: session.close_delay must be positive; session.keepalive_interval must be positive",
		err.Error())
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres",
			config: DatabaseConfig{
				Driver: "postgres", Host: "db", Port: 5432,
				User: "u", Password: "p", Name: "notegen", SSLMode: "disable",
			},
			expected: "host=db port=5432 user=u password=p dbname=notegen sslmode=disable",
		},
		{
			name: "mysql",
			config: DatabaseConfig{
				Driver: "mysql", Host: "db", Port: 3306,
				User: "u", Password: "p", Name: "notegen",
			},
			expected: "u:p@tcp(db:3306)/notegen?parseTime=true",
		},
		{
			name:     "sqlite",
			config:   DatabaseConfig{Driver: "sqlite", Name: "/tmp/notegen.db"},
			expected: "/tmp/notegen.db",
		},
		{
			name:     "unknown",
			config:   DatabaseConfig{Driver: "oracle"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

func TestMustLoad_PanicsOnInvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log: [unclosed"), 0644))

	assert.Panics(t, func() { MustLoad(configPath) })
}
