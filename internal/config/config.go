package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/paulexconde/csat/internal/dispatch"
)

const envPrefix = "CSAT_"

const (
	SinkWebhook  = "webhook"
	SinkPostgres = "postgres"
)

// Config holds the process configuration. Values come from CSAT_* environment
// variables and may be overridden by command line flags.
type Config struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8080"`

	DataDir       string        `env:"DATA_DIR"       envDefault:"data"`
	StoreFile     string        `env:"STORE_FILE"     envDefault:"surveys.json"`
	SurveyTTL     time.Duration `env:"SURVEY_TTL"     envDefault:"24h"`
	LockTimeout   time.Duration `env:"LOCK_TIMEOUT"   envDefault:"5s"`
	StoreRetries  uint          `env:"STORE_RETRIES"  envDefault:"3"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	LinkBaseURL    string `env:"LINK_BASE_URL"   envDefault:"http://localhost:8080"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS" envDefault:"*"`
	CategoriesFile string `env:"CATEGORIES_FILE"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	Sink        string `env:"SINK"         envDefault:"webhook"`
	WebhookURL  string `env:"WEBHOOK_URL"`
	DatabaseURL string `env:"DATABASE_URL"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	Delivery DeliveryConfig `envPrefix:"DELIVERY_"`

	Catalog Catalog `env:"-"`
}

type DeliveryConfig struct {
	MaxAttempts         int           `env:"MAX_ATTEMPTS"          envDefault:"5"`
	BaseDelay           time.Duration `env:"BASE_DELAY"            envDefault:"1s"`
	MaxDelay            time.Duration `env:"MAX_DELAY"             envDefault:"1m"`
	Jitter              float64       `env:"JITTER"                envDefault:"0.2"`
	AttemptTimeout      time.Duration `env:"ATTEMPT_TIMEOUT"       envDefault:"10s"`
	LeaseTTL            time.Duration `env:"LEASE_TTL"             envDefault:"2m"`
	Concurrency         int           `env:"CONCURRENCY"           envDefault:"4"`
	QueueSize           int           `env:"QUEUE_SIZE"            envDefault:"256"`
	RatePerSecond       float64       `env:"RATE_PER_SECOND"       envDefault:"0"`
	Burst               int           `env:"BURST"                 envDefault:"1"`
	RecoveryInterval    time.Duration `env:"RECOVERY_INTERVAL"     envDefault:"1m"`
	RedeliverInProgress bool          `env:"REDELIVER_IN_PROGRESS" envDefault:"true"`
}

// Dispatch converts the settings for the dispatcher.
func (d DeliveryConfig) Dispatch() dispatch.Config {
	return dispatch.Config{
		MaxAttempts:         d.MaxAttempts,
		BaseDelay:           d.BaseDelay,
		MaxDelay:            d.MaxDelay,
		Jitter:              d.Jitter,
		AttemptTimeout:      d.AttemptTimeout,
		LeaseTTL:            d.LeaseTTL,
		Concurrency:         d.Concurrency,
		QueueSize:           d.QueueSize,
		RatePerSecond:       d.RatePerSecond,
		Burst:               d.Burst,
		RecoveryInterval:    d.RecoveryInterval,
		RedeliverInProgress: d.RedeliverInProgress,
	}
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are skipped; already set variables win.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load parses environ (as returned by env.ToMap) and then args with fs.
func Load(fset *flag.FlagSet, args []string, environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      envPrefix,
		Environment: environ,
	}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	// Older deployments only set the tracker specific name.
	if cfg.WebhookURL == "" {
		cfg.WebhookURL = strings.TrimSpace(environ["JIRA_WEBHOOK_URL"])
	}

	fset.StringVar(&cfg.Host, "host", cfg.Host, "HTTP listen host")
	fset.IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	fset.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory holding the survey store")
	fset.StringVar(&cfg.CategoriesFile, "categories", cfg.CategoriesFile, "YAML file with languages, links and categories")
	fset.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fset.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text or json)")
	fset.StringVar(&cfg.Sink, "sink", cfg.Sink, "where results are delivered (webhook or postgres)")
	if err := fset.Parse(args); err != nil {
		return Config{}, err
	}

	catalog, err := LoadCatalog(cfg.CategoriesFile)
	if err != nil {
		return Config{}, err
	}
	cfg.Catalog = catalog

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if strings.TrimSpace(c.DataDir) == "" && !filepath.IsAbs(c.StoreFile) {
		errs = append(errs, errors.New("data dir is required"))
	}
	if strings.TrimSpace(c.StoreFile) == "" {
		errs = append(errs, errors.New("store file is required"))
	}
	if c.SurveyTTL <= 0 {
		errs = append(errs, errors.New("survey ttl must be positive"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	switch c.Sink {
	case SinkWebhook:
	case SinkPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("database url is required for the postgres sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink %q", c.Sink))
	}
	if c.Delivery.Jitter < 0 || c.Delivery.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("delivery jitter %v must be in [0, 1)", c.Delivery.Jitter))
	}
	return errors.Join(errs...)
}

// Addr returns the HTTP listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// StorePath returns the survey store location.
func (c Config) StorePath() string {
	if filepath.IsAbs(c.StoreFile) {
		return c.StoreFile
	}
	return filepath.Join(c.DataDir, c.StoreFile)
}
