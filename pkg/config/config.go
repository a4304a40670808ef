package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/mkovalenko/community-directory-backend/pkg/retry"
)

// EnvPrefix namespaces every environment variable the engine reads.
const EnvPrefix = "dirbot"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Reconcile ReconcileConfig
	AdminJobs AdminJobsConfig
	Worker    WorkerConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string  `envconfig:"DIRBOT_APP_ENV" default:"dev"`
	LogLevel     string  `envconfig:"DIRBOT_LOG_LEVEL" default:"info"`
	LogWarnStack bool    `envconfig:"DIRBOT_LOG_WARN_STACK" default:"false"`
	AdminIDs     []int64 `envconfig:"DIRBOT_ADMIN_IDS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// IsAdmin reports whether the user id belongs to the configured admin set.
func (a AppConfig) IsAdmin(userID int64) bool {
	for _, id := range a.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type DBConfig struct {
	Path            string        `envconfig:"DIRBOT_DB_PATH" default:"state.db"`
	BusyTimeout     time.Duration `envconfig:"DIRBOT_DB_BUSY_TIMEOUT" default:"5s"`
	MaxOpenConns    int           `envconfig:"DIRBOT_DB_MAX_OPEN_CONNS" default:"1"`
	MaxIdleConns    int           `envconfig:"DIRBOT_DB_MAX_IDLE_CONNS" default:"1"`
	ConnMaxLifetime time.Duration `envconfig:"DIRBOT_DB_CONN_MAX_LIFETIME" default:"1h"`
	RetryAttempts   int           `envconfig:"DIRBOT_DB_RETRY_ATTEMPTS" default:"5"`
	RetryBaseWait   time.Duration `envconfig:"DIRBOT_DB_RETRY_BASE_WAIT" default:"50ms"`
}

// RetryPolicy builds the backoff the repositories apply around writes that
// hit a busy store.
func (d DBConfig) RetryPolicy() retry.Policy {
	return retry.Policy{Attempts: d.RetryAttempts, BaseDelay: d.RetryBaseWait}
}

type RedisConfig struct {
	Addr     string `envconfig:"DIRBOT_REDIS_ADDR"`
	Password string `envconfig:"DIRBOT_REDIS_PASSWORD"`
	DB       int    `envconfig:"DIRBOT_REDIS_DB" default:"0"`
}

// Enabled reports whether a Redis endpoint is configured; the worker falls
// back to lock-free operation without one.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

type ReconcileConfig struct {
	Interval  time.Duration `envconfig:"DIRBOT_RECONCILE_INTERVAL" default:"5m"`
	GraceDays int           `envconfig:"DIRBOT_RECONCILE_GRACE_DAYS" default:"3"`
	BatchSize int           `envconfig:"DIRBOT_RECONCILE_BATCH_SIZE" default:"200"`
}

type AdminJobsConfig struct {
	ProjectID string `envconfig:"DIRBOT_ADMINJOBS_PROJECT_ID"`
	Topic     string `envconfig:"DIRBOT_ADMINJOBS_TOPIC"`
}

// Enabled reports whether the Pub/Sub side channel is configured.
func (a AdminJobsConfig) Enabled() bool {
	return strings.TrimSpace(a.ProjectID) != "" && strings.TrimSpace(a.Topic) != ""
}

type WorkerConfig struct {
	Port string `envconfig:"DIRBOT_WORKER_PORT" default:"9090"`
}
