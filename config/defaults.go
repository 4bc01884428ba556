package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "sagaflow",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 10 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
				MaxAge:         300,
			},
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 100,
				Burst:             200,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Saga: SagaConfig{
			MaxConcurrent:      100,
			DefaultStepTimeout: 30 * time.Second,
			Retry: RetryConfig{
				MaxRetries:     0,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
				BackoffFactor:  2.0,
			},
			RecoverOnStart: true,
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:       "./data/badger",
				SyncWrites: true,
			},
			Redis: RedisConfig{
				Address:   "localhost:6379",
				Password:  "",
				DB:        0,
				KeyPrefix: "sagaflow",
			},
			WAL: WALConfig{
				Enabled:         false,
				Path:            "./data/wal",
				WriteMode:       "sync",
				AsyncQueueSize:  1024,
				CleanupInterval: time.Hour,
				Retention:       24 * time.Hour,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlpgrpc",
			Endpoint:   "localhost:4317",
			Timeout:    10 * time.Second,
			Sampler:    "parentbased_traceidratio",
			SampleRate: 0.1,
		},
	}
}
