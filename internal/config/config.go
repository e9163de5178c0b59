package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	API       API       `envPrefix:"API_"`
	Scheduler Scheduler `envPrefix:"SCHED_"`
	Worker    Worker    `envPrefix:"WORKER_"`
}

type API struct {
	Addr  string `env:"ADDR" envDefault:":8080"`
	Token string `env:"TOKEN"`
}

type Scheduler struct {
	Interval time.Duration `env:"INTERVAL" envDefault:"1s"`
	Batch    int           `env:"BATCH" envDefault:"500"`
}

// Worker configures cmd/worker. Zero durations fall back to the client's
// defaults.
type Worker struct {
	Topics                 []string      `env:"TOPICS" envSeparator:","`
	MaxTasks               int           `env:"MAX_TASKS" envDefault:"10"`
	LongPollingTimeout     time.Duration `env:"LONG_POLLING_TIMEOUT" envDefault:"10s"`
	LockDuration           time.Duration `env:"LOCK_DURATION" envDefault:"100s"`
	AdditionalLockDuration time.Duration `env:"ADDITIONAL_LOCK_DURATION"`
	ExtendLockTimeout      time.Duration `env:"EXTEND_LOCK_TIMEOUT"`
	ShutdownGrace          time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`
	MetricsAddr            string        `env:"METRICS_ADDR" envDefault:":9090"`
}

func (c Config) Production() bool { return c.AppEnv == "production" }

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "parse env")
	}
	return c, nil
}
