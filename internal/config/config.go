// Package config loads service settings from defaults, an optional
// pocketpal.yaml, POCKETPAL_* environment variables and command line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type HTTP struct {
	Port        int    `mapstructure:"port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	GinMode     string `mapstructure:"gin_mode"`
}

type Store struct {
	Driver      string        `mapstructure:"driver"`
	DSN         string        `mapstructure:"dsn"`
	JournalPath string        `mapstructure:"journal_path"`
	SeedPath    string        `mapstructure:"seed_path"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	MaxConns    int32         `mapstructure:"max_conns"`
}

type Transfer struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type Fee struct {
	Threshold int64  `mapstructure:"threshold"`
	Flat      int64  `mapstructure:"flat"`
	Sourcing  string `mapstructure:"sourcing"`
}

type TxID struct {
	Strategy string `mapstructure:"strategy"`
}

type Auth struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Idempotency struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type NATS struct {
	URL string `mapstructure:"url"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

type Tracing struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"` // OTLP gRPC collector
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Environment string  `mapstructure:"environment"`
}

// Config is the full service configuration.
type Config struct {
	HTTP        HTTP        `mapstructure:"http"`
	Store       Store       `mapstructure:"store"`
	Transfer    Transfer    `mapstructure:"transfer"`
	Fee         Fee         `mapstructure:"fee"`
	TxID        TxID        `mapstructure:"txid"`
	Auth        Auth        `mapstructure:"auth"`
	Redis       Redis       `mapstructure:"redis"`
	Idempotency Idempotency `mapstructure:"idempotency"`
	NATS        NATS        `mapstructure:"nats"`
	Log         Log         `mapstructure:"log"`
	Tracing     Tracing     `mapstructure:"tracing"`
}

// Defaults returns the built-in value of every key.
func Defaults() map[string]any {
	return map[string]any{
		"http.port":                  8080,
		"http.metrics_port":          9090,
		"http.gin_mode":              "release",
		"store.driver":               "memory",
		"store.dsn":                  "",
		"store.journal_path":         "data/ledger.log",
		"store.seed_path":            "",
		"store.lock_timeout":         2 * time.Second,
		"store.max_conns":            10,
		"transfer.max_attempts":      5,
		"transfer.retry_max_elapsed": 2 * time.Second,
		"transfer.timeout":           5 * time.Second,
		"fee.threshold":              100,
		"fee.flat":                   5,
		"fee.sourcing":               "sender",
		"txid.strategy":              "random",
		"auth.jwt_secret":            "",
		"auth.token_ttl":             6 * time.Hour,
		"redis.addr":                 "",
		"redis.password":             "",
		"redis.db":                   0,
		"idempotency.ttl":            24 * time.Hour,
		"nats.url":                   "",
		"log.level":                  "info",
		"log.format":                 "json",
		"tracing.enabled":            true,
		"tracing.endpoint":           "localhost:4317",
		"tracing.sample_ratio":       1.0,
		"tracing.environment":        "development",
	}
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"port":         "http.port",
	"metrics-port": "http.metrics_port",
	"gin-mode":     "http.gin_mode",
	"store":        "store.driver",
	"dsn":          "store.dsn",
	"journal":      "store.journal_path",
	"seed":         "store.seed_path",
	"redis-addr":   "redis.addr",
	"nats-url":     "nats.url",
	"log-level":    "log.level",
	"log-format":   "log.format",
}

// RegisterFlags adds the flags Load understands to cmd.
func RegisterFlags(cmd *cobra.Command) {
	d := Defaults()
	f := cmd.PersistentFlags()
	f.String("config", "", "config file (default ./pocketpal.yaml)")
	f.Int("port", d["http.port"].(int), "HTTP server port")
	f.Int("metrics-port", d["http.metrics_port"].(int), "Metrics server port")
	f.String("gin-mode", d["http.gin_mode"].(string), "Gin mode (debug/release)")
	f.String("store", d["store.driver"].(string), "Store driver (memory, postgres, sqlite)")
	f.String("dsn", "", "Database DSN for the postgres and sqlite drivers")
	f.String("journal", d["store.journal_path"].(string), "Journal path for the memory driver, empty for none")
	f.String("seed", "", "YAML file of accounts to create at startup")
	f.String("redis-addr", "", "Redis address for idempotency keys, empty for in-process")
	f.String("nats-url", "", "NATS server URL, empty to disable events")
	f.String("log-level", d["log.level"].(string), "Log level (debug, info, warn, error)")
	f.String("log-format", d["log.format"].(string), "Log format (json, text)")
}

// Load resolves the configuration for cmd. Flags not registered on cmd are
// skipped.
func Load(cmd *cobra.Command) (Config, error) {
	var c Config
	v := viper.New()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	v.SetConfigName("pocketpal")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if f := cmd.Flags().Lookup("config"); f != nil && f.Value.String() != "" {
		v.SetConfigFile(f.Value.String())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return c, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("pocketpal")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return c, err
			}
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("decode config: %w", err)
	}
	return c, c.Validate()
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the %s driver", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Store.LockTimeout <= 0 {
		errs = append(errs, errors.New("store.lock_timeout must be positive"))
	}
	if c.Transfer.MaxAttempts < 1 {
		errs = append(errs, errors.New("transfer.max_attempts must be at least 1"))
	}
	if c.Fee.Threshold < 0 || c.Fee.Flat < 0 {
		errs = append(errs, errors.New("fee.threshold and fee.flat must not be negative"))
	}
	if c.Fee.Sourcing != "sender" && c.Fee.Sourcing != "receiver" {
		errs = append(errs, fmt.Errorf("fee.sourcing must be sender or receiver, got %q", c.Fee.Sourcing))
	}
	if c.TxID.Strategy != "random" && c.TxID.Strategy != "sequence" {
		errs = append(errs, fmt.Errorf("txid.strategy must be random or sequence, got %q", c.TxID.Strategy))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %v", c.Tracing.SampleRatio))
	}
	return errors.Join(errs...)
}
