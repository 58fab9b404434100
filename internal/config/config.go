package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names for process-local vs shared state.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Tickets      TicketConfig
	SLA          SLAConfig
	Idempotency  IdempotencyConfig
	RateLimit    RateLimitConfig
	Notification NotificationConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values. An empty DSN selects in-memory repositories.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
	BcryptCost            int
	CookieSecure          bool
}

// TicketConfig tunes the lifecycle service.
type TicketConfig struct {
	DefaultSLAHours          int
	RepositoryTimeoutSeconds int
	ListDefaultLimit         int
	ListMaxLimit             int
	SnowflakeNodeID          int64
}

// SLAConfig tunes the breach sweeper.
type SLAConfig struct {
	SweepIntervalSeconds int
	SweepBatchSize       int
	ExcludedStatuses     []string
}

// IdempotencyConfig selects where replay records live and for how long.
type IdempotencyConfig struct {
	Backend  string
	TTLHours int
}

// RateLimitConfig configures per-identity admission control.
type RateLimitConfig struct {
	Backend       string
	MaxRequests   int
	WindowSeconds int
}

// NotificationConfig holds stub notification endpoints.
type NotificationConfig struct {
	EmailFrom  string
	WebhookURL string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	nodeID, err := strconv.ParseInt(getEnv("TICKET_SNOWFLAKE_NODE_ID", "1"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid TICKET_SNOWFLAKE_NODE_ID: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "helpdesk-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 7*24*60),
			BcryptCost:            getEnvAsInt("AUTH_BCRYPT_COST", 10),
			CookieSecure:          getEnvAsBool("AUTH_COOKIE_SECURE", false),
		},
		Tickets: TicketConfig{
			DefaultSLAHours:          getEnvAsInt("TICKET_DEFAULT_SLA_HOURS", 24),
			RepositoryTimeoutSeconds: getEnvAsInt("TICKET_REPOSITORY_TIMEOUT_SECONDS", 5),
			ListDefaultLimit:         getEnvAsInt("TICKET_LIST_DEFAULT_LIMIT", 20),
			ListMaxLimit:             getEnvAsInt("TICKET_LIST_MAX_LIMIT", 100),
			SnowflakeNodeID:          nodeID,
		},
		SLA: SLAConfig{
			SweepIntervalSeconds: getEnvAsInt("SLA_SWEEP_INTERVAL_SECONDS", 60),
			SweepBatchSize:       getEnvAsInt("SLA_SWEEP_BATCH_SIZE", 500),
			ExcludedStatuses:     getEnvAsList("SLA_EXCLUDED_STATUSES", []string{"resolved"}),
		},
		Idempotency: IdempotencyConfig{
			Backend:  strings.ToLower(getEnv("IDEMPOTENCY_BACKEND", BackendMemory)),
			TTLHours: getEnvAsInt("IDEMPOTENCY_TTL_HOURS", 24),
		},
		RateLimit: RateLimitConfig{
			Backend:       strings.ToLower(getEnv("RATE_LIMIT_BACKEND", BackendMemory)),
			MaxRequests:   getEnvAsInt("RATE_LIMIT_MAX_REQUESTS", 60),
			WindowSeconds: getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60),
		},
		Notification: NotificationConfig{
			EmailFrom:  getEnv("NOTIFY_EMAIL_FROM", "noreply@example.com"),
			WebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Tickets.DefaultSLAHours <= 0 {
		errs = append(errs, errors.New("TICKET_DEFAULT_SLA_HOURS must be positive"))
	}
	if c.Tickets.ListMaxLimit <= 0 || c.Tickets.ListDefaultLimit <= 0 {
		errs = append(errs, errors.New("ticket list limits must be positive"))
	}
	if c.SLA.SweepIntervalSeconds <= 0 {
		errs = append(errs, errors.New("SLA_SWEEP_INTERVAL_SECONDS must be positive"))
	}
	if c.Idempotency.TTLHours <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL_HOURS must be positive"))
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.WindowSeconds <= 0 {
		errs = append(errs, errors.New("rate limit max and window must be positive"))
	}
	for name, backend := range map[string]string{
		"IDEMPOTENCY_BACKEND": c.Idempotency.Backend,
		"RATE_LIMIT_BACKEND":  c.RateLimit.Backend,
	} {
		switch backend {
		case BackendMemory:
		case BackendRedis:
			if c.Redis.Addr == "" {
				errs = append(errs, fmt.Errorf("%s=redis requires REDIS_ADDR", name))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown backend %q", name, backend))
		}
	}
	return errors.Join(errs...)
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// RepositoryTimeout bounds a single lifecycle operation's store round trips.
func (t TicketConfig) RepositoryTimeout() time.Duration {
	if t.RepositoryTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(t.RepositoryTimeoutSeconds) * time.Second
}

// SweepInterval returns the sweeper cadence.
func (s SLAConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

// TTL returns the replay record retention window.
func (i IdempotencyConfig) TTL() time.Duration {
	return time.Duration(i.TTLHours) * time.Hour
}

// Window returns the rate limit window length.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// AccessTokenTTL returns the JWT lifetime.
func (a AuthConfig) AccessTokenTTL() time.Duration {
	return time.Duration(a.AccessTokenTTLMinutes) * time.Minute
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsList(key string, fallback []string) []string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	out := []string{}
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
