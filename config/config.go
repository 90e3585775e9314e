package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"go.uber.org/zap/zapcore"
)

type LogLevel struct {
	zapcore.Level
}

func (l *LogLevel) UnmarshalEnvironmentValue(data string) error {
	if err := l.Level.UnmarshalText([]byte(data)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", data, err)
	}
	return nil
}

// Origins is a comma separated list of allowed CORS origins.
type Origins []string

func (o *Origins) UnmarshalEnvironmentValue(data string) error {
	var origins Origins
	for _, origin := range strings.Split(data, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	*o = origins
	return nil
}

// Allows reports whether origin is in the list. "*" allows every origin.
func (o Origins) Allows(origin string) bool {
	for _, allowed := range o {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

type QueueConfig struct {
	MaxRetries   int `env:"QUEUE_MAX_RETRIES,default=3"`
	ErrorLogSize int `env:"QUEUE_ERROR_LOG_SIZE,default=10"`
}

type RetryConfig struct {
	MaxRetries    int           `env:"RETRY_MAX_RETRIES,default=3"`
	BaseDelay     time.Duration `env:"RETRY_BASE_DELAY,default=500ms"`
	MaxDelay      time.Duration `env:"RETRY_MAX_DELAY,default=30s"`
	BackoffFactor float64       `env:"RETRY_BACKOFF_FACTOR,default=2"`
}

type Config struct {
	GrpcListenAddress    string   `env:"GRPC_LISTEN_ADDRESS,default=0.0.0.0:8080"`
	WebListenAddress     string   `env:"WEB_LISTEN_ADDRESS"`
	MetricsListenAddress string   `env:"METRICS_LISTEN_ADDRESS"`
	SQLiteDirPath        string   `env:"SQLITE_DIR_PATH,default=db"`
	PgDatabaseUrl        string   `env:"DATABASE_URL"`
	CorsAllowedOrigins   Origins  `env:"CORS_ALLOWED_ORIGINS,default=*"`
	LogLevel             LogLevel `env:"LOG_LEVEL,default=info"`
	LogFormat            string   `env:"LOG_FORMAT,default=json"`

	// RemoteAddress is the sync server dialed by clients.
	RemoteAddress string `env:"SYNC_REMOTE_ADDRESS,default=localhost:8080"`
	Queue         QueueConfig
	Retry         RetryConfig
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// FromEnvSet parses a configuration from an explicit set of variables.
func FromEnvSet(es env.EnvSet) (*Config, error) {
	var config Config
	if err := env.Unmarshal(es, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
