package config

import "time"

// APIConfig holds runtime configuration for the control plane.
type APIConfig struct {
	Environment        string
	Addr               string
	LogLevel           string
	StorageDriver      string
	DatabaseURL        string
	MigrationsDir      string
	MigrateOnStart     bool
	JWTSecret          string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	WebhookSecretKey   string
	AgentCallTimeout   time.Duration
	AgentPingInterval  time.Duration
	AgentLoginLength   int
	AgentPasswordLen   int
	NodeSaveRetries    int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		StorageDriver:      GetString("STORAGE_DRIVER", "postgres"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://hawkeye:hawkeye@db:5432/hawkeye?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", ""),
		MigrateOnStart:     GetBool("DB_MIGRATE_ON_START", true),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:     GetDuration("ACCESS_TOKEN_TTL_MIN", time.Minute, 15*time.Minute),
		RefreshTokenTTL:    GetDuration("REFRESH_TOKEN_TTL_HOURS", time.Hour, 24*time.Hour),
		WebhookSecretKey:   GetString("WEBHOOK_SECRET_KEY", "supersecret"),
		AgentCallTimeout:   GetDuration("AGENT_CALL_TIMEOUT_SECONDS", time.Second, 30*time.Second),
		AgentPingInterval:  GetDuration("AGENT_PING_SECONDS", time.Second, 20*time.Second),
		AgentLoginLength:   GetInt("AGENT_LOGIN_LENGTH", 8),
		AgentPasswordLen:   GetInt("AGENT_PASSWORD_LENGTH", 8),
		NodeSaveRetries:    GetInt("NODE_SAVE_RETRIES", 3),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
