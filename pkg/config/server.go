package config

import "time"

// Store drivers accepted by STORE_DRIVER.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// ServerConfig holds runtime configuration for the telemetry API.
type ServerConfig struct {
	Environment             string
	Addr                    string
	StoreDriver             string
	DatabaseURL             string
	MigrationsDir           string
	LogLevel                string
	SchemaVersions          []string
	MaxBatchSize            int
	CorrelationLookback     time.Duration
	KeywordThreshold        float64
	MinKeywordLength        int
	CandidateLimit          int
	PendingRefreshInterval  time.Duration
	IngestRateLimit         int
	RateLimitRedisAddr      string
	RateLimitRedisPass      string
	RateLimitRedisDB        int
	IngestTokenSecret       string
	StreamHeartbeatInterval time.Duration
	ShutdownTimeout         time.Duration
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:             GetString("APP_ENV", "development"),
		Addr:                    GetString("API_ADDR", ":4000"),
		StoreDriver:             GetString("STORE_DRIVER", StoreDriverPostgres),
		DatabaseURL:             GetString("DATABASE_URL", "postgres://agentwatch:agentwatch@db:5432/agentwatch?sslmode=disable"),
		MigrationsDir:           GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		LogLevel:                GetString("LOG_LEVEL", "info"),
		SchemaVersions:          GetList("SUPPORTED_SCHEMA_VERSIONS", []string{"1.0"}),
		MaxBatchSize:            GetInt("MAX_BATCH_SIZE", 500),
		CorrelationLookback:     GetDuration("CORRELATION_LOOKBACK_SECONDS", 5*time.Minute),
		KeywordThreshold:        GetFloat("CORRELATION_KEYWORD_THRESHOLD", 0.5),
		MinKeywordLength:        GetInt("CORRELATION_MIN_KEYWORD_LENGTH", 3),
		CandidateLimit:          GetInt("CORRELATION_CANDIDATE_LIMIT", 50),
		PendingRefreshInterval:  GetDuration("PENDING_REFRESH_SECONDS", time.Minute),
		IngestRateLimit:         GetInt("INGEST_RATE_LIMIT", 1200),
		RateLimitRedisAddr:      GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:      GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:        GetInt("RATE_LIMIT_REDIS_DB", 0),
		IngestTokenSecret:       GetString("INGEST_TOKEN_SECRET", ""),
		StreamHeartbeatInterval: GetDuration("STREAM_HEARTBEAT_SECONDS", 15*time.Second),
		ShutdownTimeout:         GetDuration("SHUTDOWN_TIMEOUT_SECONDS", 10*time.Second),
	}
}
