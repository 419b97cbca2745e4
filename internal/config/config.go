package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Tenant     TenantConfig     `mapstructure:"tenant"`
	ReportAPI  ReportAPIConfig  `mapstructure:"report_api"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Events     EventsConfig     `mapstructure:"events"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type TenantConfig struct {
	CacheSize       int    `mapstructure:"cache_size"`
	DefaultTimezone string `mapstructure:"default_timezone"`
}

type ReportAPIConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	MarketplaceID string        `mapstructure:"marketplace_id"`
	ClientID      string        `mapstructure:"client_id"`
	ClientSecret  string        `mapstructure:"client_secret"`
	RefreshToken  string        `mapstructure:"refresh_token"`
	TokenURL      string        `mapstructure:"token_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Type      string `mapstructure:"type"` // local, s3
	LocalDir  string `mapstructure:"local_dir"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
}

type PipelineConfig struct {
	Workers             int           `mapstructure:"workers"`
	BatchSize           int           `mapstructure:"batch_size"`
	MaxProcessAttempts  int           `mapstructure:"max_process_attempts"`
	MaxDownloadAttempts int           `mapstructure:"max_download_attempts"`
	ImportAttempts      int           `mapstructure:"import_attempts"`
	MaxDocumentBytes    int64         `mapstructure:"max_document_bytes"`
	FetchTimeout        time.Duration `mapstructure:"fetch_timeout"`
	RetryBudget         time.Duration `mapstructure:"retry_budget"`
	DeleteBatchSize     int           `mapstructure:"delete_batch_size"`
	InsertBatchSize     int           `mapstructure:"insert_batch_size"`
	PeriodRetryLimit    int           `mapstructure:"period_retry_limit"`
}

type ResilienceConfig struct {
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerResetTimeout     time.Duration `mapstructure:"breaker_reset_timeout"`
	RateLimitMaxRequests    int           `mapstructure:"rate_limit_max_requests"`
	RateLimitWindow         time.Duration `mapstructure:"rate_limit_window"`
	BackoffBase             time.Duration `mapstructure:"backoff_base"`
	BackoffMax              time.Duration `mapstructure:"backoff_max"`
	MemoryHighWaterMB       uint64        `mapstructure:"memory_high_water_mb"`
}

type EventsConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets come from the environment in every deployment.
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("report_api.client_id", "LWA_CLIENT_ID")
	v.BindEnv("report_api.client_secret", "LWA_CLIENT_SECRET")
	v.BindEnv("report_api.refresh_token", "LWA_REFRESH_TOKEN")
	v.BindEnv("storage.access_key", "S3_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "S3_SECRET_KEY")
	v.BindEnv("events.brokers", "KAFKA_BROKERS")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sqpsync")
	v.SetDefault("database.name", "sqpsync_root")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "./data/sqpsync.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("tenant.cache_size", 32)
	v.SetDefault("tenant.default_timezone", "America/Los_Angeles")

	v.SetDefault("report_api.base_url", "https://sellingpartnerapi-na.amazon.com")
	v.SetDefault("report_api.marketplace_id", "ATVPDKIKX0DER")
	v.SetDefault("report_api.token_url", "https://api.amazon.com/auth/o2/token")
	v.SetDefault("report_api.timeout", 30*time.Second)

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_dir", "./data/reports")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.prefix", "reports")

	v.SetDefault("pipeline.workers", 2)
	v.SetDefault("pipeline.batch_size", 50)
	v.SetDefault("pipeline.max_process_attempts", 3)
	v.SetDefault("pipeline.max_download_attempts", 3)
	v.SetDefault("pipeline.import_attempts", 3)
	v.SetDefault("pipeline.max_document_bytes", 100<<20)
	v.SetDefault("pipeline.fetch_timeout", 2*time.Minute)
	v.SetDefault("pipeline.retry_budget", 15*time.Minute)
	v.SetDefault("pipeline.delete_batch_size", 500)
	v.SetDefault("pipeline.insert_batch_size", 500)
	v.SetDefault("pipeline.period_retry_limit", 3)

	v.SetDefault("resilience.breaker_failure_threshold", 5)
	v.SetDefault("resilience.breaker_reset_timeout", time.Minute)
	v.SetDefault("resilience.rate_limit_max_requests", 60)
	v.SetDefault("resilience.rate_limit_window", time.Minute)
	v.SetDefault("resilience.backoff_base", 2*time.Second)
	v.SetDefault("resilience.backoff_max", 5*time.Minute)
	v.SetDefault("resilience.memory_high_water_mb", 1024)

	v.SetDefault("events.topic", "sqp.report.completed")
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	switch c.Storage.Type {
	case "local", "s3":
	default:
		errs = append(errs, fmt.Errorf("storage.type %q is not supported", c.Storage.Type))
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, errors.New("pipeline.workers must be positive"))
	}
	if c.Pipeline.BatchSize <= 0 {
		errs = append(errs, errors.New("pipeline.batch_size must be positive"))
	}
	if c.Pipeline.ImportAttempts <= 0 || c.Pipeline.MaxProcessAttempts <= 0 {
		errs = append(errs, errors.New("pipeline attempt caps must be positive"))
	}
	if c.Pipeline.MaxDocumentBytes <= 0 {
		errs = append(errs, errors.New("pipeline.max_document_bytes must be positive"))
	}
	if c.Tenant.CacheSize <= 0 {
		errs = append(errs, errors.New("tenant.cache_size must be positive"))
	}
	if _, err := time.LoadLocation(c.Tenant.DefaultTimezone); err != nil {
		errs = append(errs, fmt.Errorf("tenant.default_timezone: %w", err))
	}
	return errors.Join(errs...)
}
