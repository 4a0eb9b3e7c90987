package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Log       LogConfig       `mapstructure:"log"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Fees      FeesConfig      `mapstructure:"fees"`
	BNSL      BNSLConfig      `mapstructure:"bnsl"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Mode          string `mapstructure:"mode"` // debug, release, test
	InternalToken string `mapstructure:"internal_token"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level  string        `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool          `mapstructure:"pretty"` // human-readable output (dev only)
	File   LogFileConfig `mapstructure:"file"`
}

// LogFileConfig enables a rotating log file next to stdout. Empty Path disables it.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// OracleConfig selects the spot price source.
// Provider: "http" (one or more JSON feeds, median-combined) or "static".
type OracleConfig struct {
	Provider     string        `mapstructure:"provider"`
	FeedURLs     []string      `mapstructure:"feed_urls"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxDeviation float64       `mapstructure:"max_deviation"` // fraction, e.g. 0.02
	StaticPrice  string        `mapstructure:"static_price"`  // USD per gram
}

type LedgerConfig struct {
	TransferTTL time.Duration `mapstructure:"transfer_ttl"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// FeeConfig mirrors conversion.FeeSpec. Type is PERCENTAGE or FLAT; an empty
// Value disables the fee.
type FeeConfig struct {
	Type   string `mapstructure:"type"`
	Value  string `mapstructure:"value"`
	MinUSD string `mapstructure:"min_usd"`
	MaxUSD string `mapstructure:"max_usd"`
}

type FeesConfig struct {
	Transfer FeeConfig `mapstructure:"transfer"`
	Purchase FeeConfig `mapstructure:"purchase"`
}

type BNSLConfig struct {
	EarlyExitPenaltyPercent string `mapstructure:"early_exit_penalty_percent"`
}

type NotifyConfig struct {
	WebhookURL    string `mapstructure:"webhook_url"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	RedisPubSub   bool   `mapstructure:"redis_pubsub"`
}

type SchedulerConfig struct {
	SettleSpec string        `mapstructure:"settle_spec"` // cron expression with seconds
	ExpirySpec string        `mapstructure:"expiry_spec"`
	BatchLimit int           `mapstructure:"batch_limit"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
	Port       int           `mapstructure:"port"` // /metrics and /health
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: GL_ (Gold Ledger).
// Nested keys use underscore: GL_DATABASE_HOST, GL_ORACLE_PROVIDER, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.internal_token", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "gold_ledger")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrate", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "gold-ledger")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("oracle.provider", "static")
	v.SetDefault("oracle.feed_urls", []string{})
	v.SetDefault("oracle.timeout", "3s")
	v.SetDefault("oracle.max_deviation", 0.02)
	v.SetDefault("oracle.static_price", "")
	v.SetDefault("ledger.transfer_ttl", "24h")
	v.SetDefault("ledger.lock_timeout", "5s")
	v.SetDefault("fees.transfer.type", "PERCENTAGE")
	v.SetDefault("fees.transfer.value", "")
	v.SetDefault("fees.purchase.type", "PERCENTAGE")
	v.SetDefault("fees.purchase.value", "")
	v.SetDefault("bnsl.early_exit_penalty_percent", "5")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.webhook_secret", "")
	v.SetDefault("notify.redis_pubsub", true)
	v.SetDefault("scheduler.settle_spec", "0 */15 * * * *")
	v.SetDefault("scheduler.expiry_spec", "0 * * * * *")
	v.SetDefault("scheduler.batch_limit", 500)
	v.SetDefault("scheduler.lock_ttl", "10m")
	v.SetDefault("scheduler.port", 9090)

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: GL_DATABASE_HOST -> database.host
	v.SetEnvPrefix("GL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required, env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
