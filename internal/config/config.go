package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates application configuration values.
type Config struct {
	HTTP       HTTPConfig
	Store      StoreConfig
	Graph      GraphConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Logging    LoggingConfig
	Commission CommissionConfig
	Retry      RetryConfig
}

// HTTPConfig governs HTTP server behaviour.
type HTTPConfig struct {
	Host              string
	Port              int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MetricsEnabled    bool
	AllowedOriginsCSV string
	WebhookRPS        float64
	WebhookBurst      int
}

// Store backends.
const (
	BackendMemory   = "memory"
	BackendNeo4j    = "neo4j"
	BackendPostgres = "postgres"
)

// StoreConfig selects the ledger store strategy at startup.
type StoreConfig struct {
	Backend      string // memory|neo4j|postgres
	DemoFixtures bool
}

// GraphConfig describes connectivity to the graph database (Neo4j).
type GraphConfig struct {
	URI            string
	Database       string
	Username       string
	Password       string
	MaxConnections int
}

// PostgresConfig describes the relational ledger store.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig enables the cross-instance change feed when Addr is set.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	Colored       bool
	IncludeCaller bool
}

// CommissionConfig carries the payout policy. Schedules are in basis points,
// amounts in minor currency units.
type CommissionConfig struct {
	RootUID            string
	MaxLevel           int
	ActivationSchedule []LevelRate
	EarningSchedule    []LevelRate
	PlanPrice          int64
	PolicyFile         string
}

// LevelRate is one level of a schedule.
type LevelRate struct {
	BasisPoints int64 `yaml:"basis_points"`
	Flat        int64 `yaml:"flat"`
}

// RetryConfig bounds caller-side retries of retryable failures.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

const (
	defaultHost             = "0.0.0.0"
	defaultPort             = 8080
	defaultReadTimeout      = 10 * time.Second
	defaultWriteTimeout     = 15 * time.Second
	defaultIdleTimeout      = 60 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultLoggingLevel     = "info"
	defaultLoggingFormat    = "text"
	defaultGraphMaxSessions = 10
	defaultRootUID          = "ADMIN_DEFAULT_UID_001"
	defaultMaxLevel         = 4
	defaultScheduleBPS      = "5000,2000,1000,500"
	defaultPlanPrice        = 80000
	defaultWebhookRPS       = 50
	defaultWebhookBurst     = 100
	defaultRetries          = 5
	defaultRetryInterval    = 200 * time.Millisecond
	defaultRetryElapsed     = 30 * time.Second
)

// Load reads configuration from environment variables, applying defaults. A
// .env file in the working directory, when present, seeds variables that are
// not already set.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		HTTP: HTTPConfig{
			Host:            valueOrDefault("SERVER_HOST", defaultHost),
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			IdleTimeout:     defaultIdleTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
			WebhookRPS:      parseFloatWithDefault("SERVER_WEBHOOK_RPS", defaultWebhookRPS),
			WebhookBurst:    parseIntWithDefault("SERVER_WEBHOOK_BURST", defaultWebhookBurst),
		},
		Store: StoreConfig{
			Backend:      strings.ToLower(valueOrDefault("STORE_BACKEND", BackendMemory)),
			DemoFixtures: parseBoolWithDefault("DEMO_FIXTURES", false),
		},
		Logging: LoggingConfig{
			Level:         valueOrDefault("LOG_LEVEL", defaultLoggingLevel),
			Format:        valueOrDefault("LOG_FORMAT", defaultLoggingFormat),
			Colored:       parseBoolWithDefault("LOG_COLOR", false),
			IncludeCaller: parseBoolWithDefault("LOG_INCLUDE_CALLER", false),
		},
		Graph: GraphConfig{
			URI:            os.Getenv("GRAPH_URI"),
			Database:       valueOrDefault("GRAPH_DATABASE", ""),
			Username:       os.Getenv("GRAPH_USERNAME"),
			Password:       os.Getenv("GRAPH_PASSWORD"),
			MaxConnections: parseIntWithDefault("GRAPH_MAX_CONNECTIONS", defaultGraphMaxSessions),
		},
		Postgres: PostgresConfig{
			DSN:          os.Getenv("POSTGRES_DSN"),
			MaxOpenConns: parseIntWithDefault("POSTGRES_MAX_OPEN_CONNS", 10),
			MaxIdleConns: parseIntWithDefault("POSTGRES_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:          os.Getenv("REDIS_ADDR"),
			Password:      os.Getenv("REDIS_PASSWORD"),
			DB:            parseIntWithDefault("REDIS_DB", 0),
			ChannelPrefix: os.Getenv("REDIS_CHANNEL_PREFIX"),
		},
		Commission: CommissionConfig{
			RootUID:    valueOrDefault("ROOT_UID", defaultRootUID),
			MaxLevel:   parseIntWithDefault("COMMISSION_MAX_LEVEL", defaultMaxLevel),
			PlanPrice:  int64(parseIntWithDefault("PLAN_PRICE_MINOR", defaultPlanPrice)),
			PolicyFile: os.Getenv("COMMISSION_POLICY_FILE"),
		},
		Retry: RetryConfig{
			MaxRetries:      uint64(parseIntWithDefault("RETRY_MAX", defaultRetries)),
			InitialInterval: defaultRetryInterval,
			MaxElapsed:      defaultRetryElapsed,
		},
	}

	port, err := parsePort("SERVER_PORT", defaultPort)
	if err != nil {
		return Config{}, err
	}
	cfg.HTTP.Port = port

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"SERVER_READ_TIMEOUT", &cfg.HTTP.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout},
		{"SERVER_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout},
		{"POSTGRES_CONN_MAX_LIFETIME", &cfg.Postgres.ConnMaxLifetime},
		{"RETRY_INITIAL_INTERVAL", &cfg.Retry.InitialInterval},
		{"RETRY_MAX_ELAPSED", &cfg.Retry.MaxElapsed},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.target = parsed
		}
	}

	cfg.HTTP.MetricsEnabled = parseBoolWithDefault("SERVER_METRICS_ENABLED", false)
	cfg.HTTP.AllowedOriginsCSV = os.Getenv("SERVER_ALLOWED_ORIGINS")

	cfg.Commission.ActivationSchedule, err = ParseScheduleBPS(valueOrDefault("COMMISSION_SCHEDULE_BPS", defaultScheduleBPS))
	if err != nil {
		return Config{}, fmt.Errorf("invalid COMMISSION_SCHEDULE_BPS: %w", err)
	}
	if v := os.Getenv("COMMISSION_EARNING_SCHEDULE_BPS"); v != "" {
		cfg.Commission.EarningSchedule, err = ParseScheduleBPS(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid COMMISSION_EARNING_SCHEDULE_BPS: %w", err)
		}
	}
	if cfg.Commission.PolicyFile != "" {
		if err := applyPolicyFile(cfg.Commission.PolicyFile, &cfg.Commission); err != nil {
			return Config{}, err
		}
	}

	switch cfg.Store.Backend {
	case BackendMemory, BackendNeo4j, BackendPostgres:
	default:
		return Config{}, fmt.Errorf("unsupported STORE_BACKEND %q", cfg.Store.Backend)
	}

	return cfg, nil
}

// ParseScheduleBPS parses a comma separated list of basis points, level 1 first.
func ParseScheduleBPS(csv string) ([]LevelRate, error) {
	var rates []LevelRate
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		bps, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", len(rates)+1, err)
		}
		if bps < 0 {
			return nil, fmt.Errorf("level %d: negative basis points %d", len(rates)+1, bps)
		}
		rates = append(rates, LevelRate{BasisPoints: bps})
	}
	if len(rates) == 0 {
		return nil, errors.New("schedule is empty")
	}
	return rates, nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseIntWithDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return fallback
}

func parseFloatWithDefault(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.ParseFloat(v, 64); err == nil {
			return val
		}
	}
	return fallback
}

func parsePort(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		if port <= 0 || port > 65535 {
			return 0, fmt.Errorf("port %d is out of range", port)
		}
		return port, nil
	}
	return fallback, nil
}
