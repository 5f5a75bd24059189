// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Database struct {
	Host            string        `env:"DB_HOST"              envDefault:"localhost"`
	Port            string        `env:"DB_PORT"              envDefault:"5432"`
	User            string        `env:"DB_USER"              envDefault:"postgres"`
	Password        string        `env:"DB_PASSWORD"          envDefault:"postgres"`
	Name            string        `env:"DB_NAME"              envDefault:"donations_db"`
	SSLMode         string        `env:"DB_SSLMODE"           envDefault:"disable"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS"    envDefault:"20"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS"    envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
}

// DSN returns a lib/pq connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type Redis struct {
	// Enabled turns off idempotency, rate limiting and the shared notification
	// queue when false.
	Enabled  bool   `env:"REDIS_ENABLED"  envDefault:"true"`
	Host     string `env:"REDIS_HOST"     envDefault:"localhost"`
	Port     string `env:"REDIS_PORT"     envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"       envDefault:"0"`
}

func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// Billing holds the knobs of the scheduling and retry engine.
type Billing struct {
	DefaultCurrency   string        `env:"DEFAULT_CURRENCY"   envDefault:"usd"`
	MaxRetries        int           `env:"MAX_RETRIES"        envDefault:"3"`
	RetryDelay        time.Duration `env:"RETRY_DELAY"        envDefault:"72h"`
	ProcessingTimeout time.Duration `env:"PROCESSING_TIMEOUT" envDefault:"15m"`
	ProviderTimeout   time.Duration `env:"PROVIDER_TIMEOUT"   envDefault:"30s"`
	BatchSize         int           `env:"BATCH_SIZE"         envDefault:"100"`
	// ApprovalThreshold is the amount, in minor units, above which an amount
	// change request waits for approval.
	ApprovalThreshold int64 `env:"APPROVAL_THRESHOLD" envDefault:"10000"`
	AllowResumeFailed bool  `env:"ALLOW_RESUME_FAILED" envDefault:"false"`
	RecentFeedSize    int   `env:"RECENT_FEED_SIZE"   envDefault:"10"`
}

type Notifications struct {
	Timeout time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"10s"`
	Workers int           `env:"NOTIFY_WORKERS" envDefault:"4"`
	Queue   string        `env:"NOTIFY_QUEUE"   envDefault:"notifications"`
}

type Provider struct {
	Kind      string `env:"PAYMENT_PROVIDER"  envDefault:"fake"`
	StripeKey string `env:"STRIPE_SECRET_KEY"`
}

type Tracing struct {
	Endpoint      string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName   string  `env:"OTEL_SERVICE_NAME"     envDefault:"recurring-donations"`
	SamplingRatio float64 `env:"OTEL_SAMPLING_RATIO"   envDefault:"0.1"`
}

// HTTP configures the API's request middleware.
type HTTP struct {
	RateLimit       int           `env:"RATE_LIMIT"        envDefault:"60"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	IdempotencyTTL  time.Duration `env:"IDEMPOTENCY_TTL"   envDefault:"24h"`
}

type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR"     envDefault:":8080"`
	Store        string        `env:"STORE"         envDefault:"postgres"`
	LogLevel     string        `env:"LOG_LEVEL"     envDefault:"info"`
	LogFormat    string        `env:"LOG_FORMAT"    envDefault:"json"`
	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"1h"`

	HTTP          HTTP
	Database      Database
	Redis         Redis
	Billing       Billing
	Notifications Notifications
	Provider      Provider
	Tracing       Tracing
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported STORE %q", c.Store)
	}
	switch c.Provider.Kind {
	case "fake":
	case "stripe":
		if c.Provider.StripeKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when PAYMENT_PROVIDER=stripe")
		}
	default:
		return fmt.Errorf("unsupported PAYMENT_PROVIDER %q", c.Provider.Kind)
	}
	if c.Billing.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1")
	}
	if c.Billing.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1")
	}
	return nil
}
