package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds every runtime setting of the service.
type Config struct {
	Environment string           `toml:"environment"`
	Server      ServerConfig     `toml:"server"`
	Logging     LoggingConfig    `toml:"logging"`
	Redis       RedisConfig      `toml:"redis"`
	Kafka       KafkaConfig      `toml:"kafka"`
	ClickHouse  ClickHouseConfig `toml:"clickhouse"`
	Minmo       MinmoConfig      `toml:"minmo"`
	Telegram    TelegramConfig   `toml:"telegram"`
	Payment     PaymentConfig    `toml:"payment"`
}

type ServerConfig struct {
	Port          int           `toml:"port"`
	TLSPort       int           `toml:"tls_port"`
	ReadTimeout   time.Duration `toml:"read_timeout"`
	WriteTimeout  time.Duration `toml:"write_timeout"`
	IdleTimeout   time.Duration `toml:"idle_timeout"`
	EnableTLS     bool          `toml:"enable_tls"`
	AutoCert      bool          `toml:"auto_cert"`
	Domain        string        `toml:"domain"`
	CertFile      string        `toml:"cert_file"`
	KeyFile       string        `toml:"key_file"`
	AutoCertDir   string        `toml:"auto_cert_dir"`
	Email         string        `toml:"email"`
	PublicBaseURL string        `toml:"public_base_url"`
	CORSOrigins   []string      `toml:"cors_origins"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type RedisConfig struct {
	URL      string `toml:"url"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	PoolSize int    `toml:"pool_size"`
}

type KafkaConfig struct {
	Enabled         bool     `toml:"enabled"`
	Brokers         []string `toml:"brokers"`
	SettlementTopic string   `toml:"settlement_topic"`
}

// ClickHouseConfig configures the settlement audit ledger. An empty URL
// disables it.
type ClickHouseConfig struct {
	URL           string        `toml:"url"`
	Username      string        `toml:"username"`
	Password      string        `toml:"password"`
	Database      string        `toml:"database"`
	Table         string        `toml:"table"`
	CAFile        string        `toml:"ca_file"`
	BatchSize     int           `toml:"batch_size"`
	FlushInterval time.Duration `toml:"flush_interval"`
}

// MinmoConfig configures the Lightning invoice / M-Pesa payout provider.
type MinmoConfig struct {
	APIURL                 string        `toml:"api_url"`
	APIKey                 string        `toml:"api_key"`
	WebhookSecret          string        `toml:"webhook_secret"`
	PreviousWebhookSecrets []string      `toml:"previous_webhook_secrets"`
	Timeout                time.Duration `toml:"timeout"`
}

type TelegramConfig struct {
	Token         string `toml:"token"`
	APIURL        string `toml:"api_url"`
	WebhookSecret string `toml:"webhook_secret"`
	// MessagesPerMinute caps inbound chat updates per user; 0 disables the limiter.
	MessagesPerMinute int `toml:"messages_per_minute"`
}

type PaymentConfig struct {
	MinAmount            decimal.Decimal `toml:"min_amount"`
	MaxAmount            decimal.Decimal `toml:"max_amount"`
	InvoiceExpiry        time.Duration   `toml:"invoice_expiry"`
	RateLockTTL          time.Duration   `toml:"rate_lock_ttl"`
	SessionTTL           time.Duration   `toml:"session_ttl"`
	SessionSweepInterval time.Duration   `toml:"session_sweep_interval"`
	RatePollInterval     time.Duration   `toml:"rate_poll_interval"`
	RateMaxAge           time.Duration   `toml:"rate_max_age"`
	LockSweepInterval    time.Duration   `toml:"lock_sweep_interval"`
	LockShards           int             `toml:"lock_shards"`
	// FallbackRate is a display-only KES per BTC rate; zero disables it.
	FallbackRate decimal.Decimal `toml:"fallback_rate"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:          3000,
			TLSPort:       443,
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  15 * time.Second,
			IdleTimeout:   60 * time.Second,
			AutoCertDir:   "./certs",
			PublicBaseURL: "http://localhost:3000",
			CORSOrigins:   []string{"https://*"},
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Redis: RedisConfig{
			PoolSize: 20,
		},
		Kafka: KafkaConfig{
			SettlementTopic: "rada.settlement.events",
		},
		ClickHouse: ClickHouseConfig{
			Username:      "default",
			Database:      "rada",
			Table:         "settlement_events",
			BatchSize:     500,
			FlushInterval: 5 * time.Second,
		},
		Minmo: MinmoConfig{
			APIURL:  "https://api.dev.minmo.to",
			Timeout: 30 * time.Second,
		},
		Telegram: TelegramConfig{
			APIURL:            "https://api.telegram.org",
			MessagesPerMinute: 30,
		},
		Payment: PaymentConfig{
			MinAmount:            decimal.NewFromInt(10),
			MaxAmount:            decimal.NewFromInt(150000),
			InvoiceExpiry:        120 * time.Second,
			RateLockTTL:          2 * time.Minute,
			SessionTTL:           time.Hour,
			SessionSweepInterval: time.Minute,
			RatePollInterval:     30 * time.Second,
			RateMaxAge:           60 * time.Second,
			LockSweepInterval:    30 * time.Second,
			LockShards:           256,
			FallbackRate:         decimal.Zero,
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional TOML file
// (RADA_CONFIG_FILE), a .env file and finally the process environment.
func LoadConfig() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("RADA_CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []error

	cfg.Environment = getEnv("NODE_ENV", getEnv("ENVIRONMENT", cfg.Environment))

	cfg.Server.Port = getEnvInt("PORT", cfg.Server.Port, &errs)
	cfg.Server.TLSPort = getEnvInt("TLS_PORT", cfg.Server.TLSPort, &errs)
	cfg.Server.ReadTimeout = getEnvDuration("SERVER_READ_TIMEOUT", cfg.Server.ReadTimeout, &errs)
	cfg.Server.WriteTimeout = getEnvDuration("SERVER_WRITE_TIMEOUT", cfg.Server.WriteTimeout, &errs)
	cfg.Server.IdleTimeout = getEnvDuration("SERVER_IDLE_TIMEOUT", cfg.Server.IdleTimeout, &errs)
	cfg.Server.EnableTLS = getEnvBool("ENABLE_TLS", cfg.Server.EnableTLS, &errs)
	cfg.Server.AutoCert = getEnvBool("AUTO_CERT", cfg.Server.AutoCert, &errs)
	cfg.Server.Domain = getEnv("DOMAIN", cfg.Server.Domain)
	cfg.Server.CertFile = getEnv("TLS_CERT_FILE", cfg.Server.CertFile)
	cfg.Server.KeyFile = getEnv("TLS_KEY_FILE", cfg.Server.KeyFile)
	cfg.Server.AutoCertDir = getEnv("AUTO_CERT_DIR", cfg.Server.AutoCertDir)
	cfg.Server.Email = getEnv("ACME_EMAIL", cfg.Server.Email)
	cfg.Server.PublicBaseURL = strings.TrimRight(getEnv("PUBLIC_BASE_URL", cfg.Server.PublicBaseURL), "/")
	cfg.Server.CORSOrigins = getEnvList("CORS_ORIGINS", cfg.Server.CORSOrigins)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)

	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB, &errs)
	cfg.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", cfg.Redis.PoolSize, &errs)

	cfg.Kafka.Enabled = getEnvBool("KAFKA_ENABLED", cfg.Kafka.Enabled, &errs)
	cfg.Kafka.Brokers = getEnvList("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.SettlementTopic = getEnv("KAFKA_SETTLEMENT_TOPIC", cfg.Kafka.SettlementTopic)

	cfg.ClickHouse.URL = getEnv("CLICKHOUSE_URL", cfg.ClickHouse.URL)
	cfg.ClickHouse.Username = getEnv("CLICKHOUSE_USERNAME", cfg.ClickHouse.Username)
	cfg.ClickHouse.Password = getEnv("CLICKHOUSE_PASSWORD", cfg.ClickHouse.Password)
	cfg.ClickHouse.Database = getEnv("CLICKHOUSE_DATABASE", cfg.ClickHouse.Database)
	cfg.ClickHouse.Table = getEnv("CLICKHOUSE_SETTLEMENT_TABLE", cfg.ClickHouse.Table)
	cfg.ClickHouse.CAFile = getEnv("CLICKHOUSE_CA_FILE", cfg.ClickHouse.CAFile)
	cfg.ClickHouse.BatchSize = getEnvInt("CLICKHOUSE_BATCH_SIZE", cfg.ClickHouse.BatchSize, &errs)
	cfg.ClickHouse.FlushInterval = getEnvDuration("CLICKHOUSE_FLUSH_INTERVAL", cfg.ClickHouse.FlushInterval, &errs)

	cfg.Minmo.APIURL = strings.TrimRight(getEnv("MINMO_API_URL", cfg.Minmo.APIURL), "/")
	cfg.Minmo.APIKey = getEnv("MINMO_API_KEY", cfg.Minmo.APIKey)
	cfg.Minmo.WebhookSecret = getEnv("MINMO_WEBHOOK_SECRET", cfg.Minmo.WebhookSecret)
	cfg.Minmo.PreviousWebhookSecrets = getEnvList("MINMO_PREVIOUS_WEBHOOK_SECRETS", cfg.Minmo.PreviousWebhookSecrets)
	cfg.Minmo.Timeout = getEnvDuration("MINMO_TIMEOUT", cfg.Minmo.Timeout, &errs)

	cfg.Telegram.Token = getEnv("TELEGRAM_BOT_TOKEN", cfg.Telegram.Token)
	cfg.Telegram.APIURL = strings.TrimRight(getEnv("TELEGRAM_API_URL", cfg.Telegram.APIURL), "/")
	cfg.Telegram.WebhookSecret = getEnv("TELEGRAM_WEBHOOK_SECRET", cfg.Telegram.WebhookSecret)
	cfg.Telegram.MessagesPerMinute = getEnvInt("TELEGRAM_MESSAGES_PER_MINUTE", cfg.Telegram.MessagesPerMinute, &errs)

	cfg.Payment.MinAmount = getEnvDecimal("PAYMENT_MIN_AMOUNT", cfg.Payment.MinAmount, &errs)
	cfg.Payment.MaxAmount = getEnvDecimal("PAYMENT_MAX_AMOUNT", cfg.Payment.MaxAmount, &errs)
	cfg.Payment.InvoiceExpiry = getEnvDuration("INVOICE_EXPIRY", cfg.Payment.InvoiceExpiry, &errs)
	cfg.Payment.RateLockTTL = getEnvDuration("RATE_LOCK_TTL", cfg.Payment.RateLockTTL, &errs)
	cfg.Payment.SessionTTL = getEnvDuration("SESSION_TTL", cfg.Payment.SessionTTL, &errs)
	cfg.Payment.SessionSweepInterval = getEnvDuration("SESSION_SWEEP_INTERVAL", cfg.Payment.SessionSweepInterval, &errs)
	cfg.Payment.RatePollInterval = getEnvDuration("RATE_POLL_INTERVAL", cfg.Payment.RatePollInterval, &errs)
	cfg.Payment.RateMaxAge = getEnvDuration("RATE_MAX_AGE", cfg.Payment.RateMaxAge, &errs)
	cfg.Payment.LockSweepInterval = getEnvDuration("RATE_LOCK_SWEEP_INTERVAL", cfg.Payment.LockSweepInterval, &errs)
	cfg.Payment.LockShards = getEnvInt("SESSION_LOCK_SHARDS", cfg.Payment.LockShards, &errs)
	cfg.Payment.FallbackRate = getEnvDecimal("RATE_FALLBACK_KES_PER_BTC", cfg.Payment.FallbackRate, &errs)

	return errors.Join(errs...)
}

// Validate checks cross-field constraints and production requirements.
func (c *Config) Validate() error {
	var errs []error

	p := c.Payment
	if !p.MinAmount.IsPositive() {
		errs = append(errs, errors.New("payment min amount must be positive"))
	}
	if p.MaxAmount.LessThan(p.MinAmount) {
		errs = append(errs, errors.New("payment max amount must not be below min amount"))
	}
	if p.InvoiceExpiry <= 0 || p.RateLockTTL <= 0 || p.SessionTTL <= 0 {
		errs = append(errs, errors.New("invoice expiry, rate lock ttl and session ttl must be positive"))
	}
	if p.RateLockTTL < p.InvoiceExpiry {
		errs = append(errs, fmt.Errorf("rate lock ttl %s must cover invoice expiry %s", p.RateLockTTL, p.InvoiceExpiry))
	}
	if p.RatePollInterval <= 0 || p.LockSweepInterval <= 0 || p.SessionSweepInterval <= 0 {
		errs = append(errs, errors.New("poll and sweep intervals must be positive"))
	}
	if p.LockShards <= 0 {
		errs = append(errs, errors.New("session lock shards must be positive"))
	}
	if p.FallbackRate.IsNegative() {
		errs = append(errs, errors.New("fallback rate must not be negative"))
	}
	if c.ClickHouseEnabled() && (c.ClickHouse.BatchSize <= 0 || c.ClickHouse.FlushInterval <= 0) {
		errs = append(errs, errors.New("clickhouse batch size and flush interval must be positive"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka enabled without brokers"))
	}

	if c.IsProduction() {
		if c.Minmo.APIKey == "" {
			errs = append(errs, errors.New("MINMO_API_KEY is required in production"))
		}
		if c.Minmo.WebhookSecret == "" {
			errs = append(errs, errors.New("MINMO_WEBHOOK_SECRET is required in production"))
		}
		if c.Telegram.Token == "" {
			errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required in production"))
		}
		if c.Telegram.WebhookSecret == "" {
			errs = append(errs, errors.New("TELEGRAM_WEBHOOK_SECRET is required in production"))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// GetServerAddress returns the plain HTTP listen address.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// RedisEnabled reports whether a durable store was configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.URL != ""
}

// ClickHouseEnabled reports whether the settlement ledger is configured.
func (c *Config) ClickHouseEnabled() bool {
	return c.ClickHouse.URL != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool, errs *[]error) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}

func getEnvDecimal(key string, defaultValue decimal.Decimal, errs *[]error) decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
