// =============================================================================
// 📦 notegen 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Session:   DefaultSessionConfig(),
		Backend:   DefaultBackendConfig(),
		Journal:   DefaultJournalConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
		Simulator: DefaultSimulatorConfig(),
	}
}

// DefaultSessionConfig 返回默认会话配置
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ConnectTimeout:      12 * time.Second,
		DispatchTimeout:     10 * time.Second,
		GenerationTimeout:   90 * time.Second,
		CloseDelay:          30 * time.Second,
		FrequentUserTimeout: 180 * time.Second,
		KeepAliveInterval:   30 * time.Second,
		MaxSessionAge:       0,
		CloseOnFailure:      true,
		PartialOnTimeout:    true,
		StatusBufferSize:    64,
		NotifyTimeout:       5 * time.Second,
		Preconnect:          DefaultPreconnectConfig(),
		Usage:               DefaultUsageConfig(),
	}
}

// DefaultPreconnectConfig 返回默认预连接配置
func DefaultPreconnectConfig() PreconnectConfig {
	return PreconnectConfig{
		Enabled:             true,
		MinInputLength:      10,
		Debounce:            800 * time.Millisecond,
		TerminalPunctuation: ".!?。！？…\n",
		RatePerSecond:       0.5,
		Burst:               1,
	}
}

// DefaultUsageConfig 返回默认使用频率配置
func DefaultUsageConfig() UsageConfig {
	return UsageConfig{
		Window:            60 * time.Second,
		FrequentThreshold: 2,
		Store:             "memory",
		ClientID:          "default",
		Redis:             DefaultRedisConfig(),
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		Password:  "",
		DB:        0,
		KeyPrefix: "notegen:usage:",
		PoolSize:  4,
	}
}

// DefaultBackendConfig 返回默认后端配置
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		Transport:      "sse",
		BaseURL:        "http://localhost:8090",
		WSURL:          "ws://localhost:8090/ws",
		RequestTimeout: 10 * time.Second,
		AuthSecret:     "",
		AuthIssuer:     "notegen",
		TokenTTL:       5 * time.Minute,
		ClientID:       "notegen-client",
	}
}

// DefaultJournalConfig 返回默认生成记录配置
func DefaultJournalConfig() JournalConfig {
	return JournalConfig{
		Enabled:  false,
		Database: DefaultDatabaseConfig(),
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "notegen",
		Password:        "",
		Name:            "notegen.db",
		SSLMode:         "disable",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "notegen",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "notegen",
	}
}

// DefaultSimulatorConfig 返回默认模拟器配置
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Addr:          ":8090",
		ChunkDelay:    40 * time.Millisecond,
		ChunkSize:     8,
		ErrorAfter:    0,
		SendConnected: true,
	}
}
