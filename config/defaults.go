package config

import "time"

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Table:     DefaultTableConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
	}
}

// DefaultServerConfig returns the default listener settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		MetricsAddr:     ":9091",
		FrameBurst:      64,
		MaxFrameBytes:   16 << 20,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultTableConfig returns the default table settings.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		Shards:          32,
		DispatchWorkers: 16,
		DispatchQueue:   256,
	}
}

// DefaultLogConfig returns the default logger settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "rendezvousd",
		SampleRate:   0.1,
		Insecure:     true,
	}
}

// DefaultRedisConfig returns the default registry settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		KeyPrefix:    "rendezvous:incarnation:",
		TTL:          30 * time.Second,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig returns the default ledger settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Enabled:         false,
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "rendezvous",
		Name:            "rendezvous.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}
