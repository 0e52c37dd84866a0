package domain

import "time"

// Config holds the complete service configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Profile selects the backing stack
	Profile Profile `json:"profile"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Advisor    AdvisorConfig    `json:"advisor"`
	Allocation AllocationConfig `json:"allocation"`

	// Seed loads the demo dataset on startup
	Seed bool `json:"seed"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// Profile represents the deployment profile.
type Profile string

const (
	// ProfileLocal keeps everything in process: memory store, LRU cache, channels.
	ProfileLocal Profile = "local"

	// ProfileProduction uses PostgreSQL + Redis + NATS and the model gateway.
	ProfileProduction Profile = "production"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// AdvisorConfig selects the generative collaborators.
type AdvisorConfig struct {
	// Type is "heuristic" (deterministic, offline) or "http" (model gateway)
	Type    string        `json:"type"`
	BaseURL string        `json:"baseUrl"`
	APIKey  string        `json:"-"`
	Timeout time.Duration `json:"timeout"`

	// CacheTTL keeps prioritization answers for identical inputs
	CacheTTL time.Duration `json:"cacheTtl"`
}

// AllocationConfig controls the allocation engine and its scheduler.
type AllocationConfig struct {
	// Interval between background runs; zero disables the ticker
	Interval time.Duration `json:"interval"`

	// OnCreate triggers a run whenever a case is created
	OnCreate bool `json:"onCreate"`

	// ExplainTimeout bounds each explanation call
	ExplainTimeout time.Duration `json:"explainTimeout"`

	// EligibilityPolicy is an optional CEL expression over case and agency
	EligibilityPolicy string `json:"eligibilityPolicy"`

	// LockTTL bounds how long a run may hold the run lock
	LockTTL time.Duration `json:"lockTtl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp
	Endpoint     string `json:"endpoint"`
}

// DefaultConfig returns the local profile: an in-memory store seeded with
// the demo dataset and deterministic collaborators.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Profile: ProfileLocal,
		Repository: RepositoryConfig{
			Driver:       "memory",
			SQLitePath:   "./dcaos.db",
			CaseDefaults: DefaultCaseDefaults(),
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Advisor: AdvisorConfig{
			Type:     "heuristic",
			Timeout:  10 * time.Second,
			CacheTTL: time.Hour,
		},
		Allocation: AllocationConfig{
			Interval:       0,
			OnCreate:       false,
			ExplainTimeout: 5 * time.Second,
			LockTTL:        2 * time.Minute,
		},
		Seed: true,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "dcaos",
		},
	}
}

// ProductionConfig returns the production profile.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Profile = ProfileProduction
	cfg.Seed = false
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "dcaos",
		MaxOpenConns: 20,
		MaxIdleConns: 5,
		CaseDefaults: DefaultCaseDefaults(),
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "dcaos-allocators",
	}
	cfg.Advisor.Type = "http"
	cfg.Advisor.BaseURL = "http://localhost:3400"
	cfg.Allocation.Interval = time.Minute
	cfg.Allocation.OnCreate = true
	cfg.Tracing.Enabled = true
	return cfg
}
