package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/akylbek/payment-system/link-verifier/internal/ledger"
	"github.com/akylbek/payment-system/link-verifier/internal/models"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Port           string
	DatabaseURL    string
	StoreDriver    string
	RedisURL       string
	KafkaBrokers   []string
	NatsURL        string
	JaegerEndpoint string
	TracingEnabled bool
	Debug          bool
	PublicBaseURL  string

	RPCURL               string
	PollInterval         time.Duration
	LookbackBlocks       uint64
	Confirmations        uint64
	RPCTimeout           time.Duration
	StoreTimeout         time.Duration
	RetryMaxAttempts     uint64
	RetryInitialInterval time.Duration
	MaxConcurrency       int
	LockTTL              time.Duration

	Currencies models.CurrencyTable
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8082")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:3000")
	v.SetDefault("POLL_INTERVAL", 5*time.Second)
	v.SetDefault("LOOKBACK_BLOCKS", 100)
	v.SetDefault("CONFIRMATIONS", 2)
	v.SetDefault("RPC_TIMEOUT", 10*time.Second)
	v.SetDefault("STORE_TIMEOUT", 5*time.Second)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 5)
	v.SetDefault("RETRY_INITIAL_INTERVAL", 500*time.Millisecond)
	v.SetDefault("MAX_CONCURRENCY", 4)
	v.SetDefault("LOCK_TTL", 30*time.Second)
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("DEBUG", false)
	v.SetDefault("CONFIG_FILE", "config.yaml")
}

// Load reads configuration from the environment (optionally seeded from a
// .env file) and the currency table from the YAML file named by CONFIG_FILE.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:                 v.GetString("PORT"),
		DatabaseURL:          v.GetString("DATABASE_URL"),
		StoreDriver:          strings.ToLower(v.GetString("STORE_DRIVER")),
		RedisURL:             v.GetString("REDIS_URL"),
		KafkaBrokers:         splitList(v.GetString("KAFKA_BROKERS")),
		NatsURL:              v.GetString("NATS_URL"),
		JaegerEndpoint:       v.GetString("JAEGER_ENDPOINT"),
		TracingEnabled:       v.GetBool("TRACING_ENABLED"),
		Debug:                v.GetBool("DEBUG"),
		PublicBaseURL:        strings.TrimRight(v.GetString("PUBLIC_BASE_URL"), "/"),
		RPCURL:               v.GetString("RPC_URL"),
		PollInterval:         v.GetDuration("POLL_INTERVAL"),
		LookbackBlocks:       v.GetUint64("LOOKBACK_BLOCKS"),
		Confirmations:        v.GetUint64("CONFIRMATIONS"),
		RPCTimeout:           v.GetDuration("RPC_TIMEOUT"),
		StoreTimeout:         v.GetDuration("STORE_TIMEOUT"),
		RetryMaxAttempts:     v.GetUint64("RETRY_MAX_ATTEMPTS"),
		RetryInitialInterval: v.GetDuration("RETRY_INITIAL_INTERVAL"),
		MaxConcurrency:       v.GetInt("MAX_CONCURRENCY"),
		LockTTL:              v.GetDuration("LOCK_TTL"),
	}

	currencies, err := LoadCurrencies(v.GetString("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	cfg.Currencies = currencies

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadCurrencies reads the symbol table from the "currencies" key of a YAML file:
//
//	currencies:
//	  TSHC:
//	    address: "0x..."
//	    decimals: 18
//	  ETH:
//	    native: true
//	    decimals: 18
func LoadCurrencies(path string) (models.CurrencyTable, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read currency table %s: %w", path, err)
	}

	// Viper lower-cases map keys; symbols are conventionally upper-case.
	var raw map[string]models.Currency
	if err := v.UnmarshalKey("currencies", &raw); err != nil {
		return nil, fmt.Errorf("parse currency table %s: %w", path, err)
	}
	table := make(models.CurrencyTable, len(raw))
	for symbol, c := range raw {
		table[strings.ToUpper(symbol)] = c
	}

	if err := ledger.ValidateCurrencies(table); err != nil {
		return nil, err
	}
	return ledger.NormalizeCurrencies(table), nil
}

func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("%w: RPC_URL is required", ErrInvalidConfig)
	}
	switch c.StoreDriver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for store driver %s", ErrInvalidConfig, c.StoreDriver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("%w: unknown STORE_DRIVER %q", ErrInvalidConfig, c.StoreDriver)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: POLL_INTERVAL must be positive", ErrInvalidConfig)
	}
	if c.RetryMaxAttempts == 0 {
		return fmt.Errorf("%w: RETRY_MAX_ATTEMPTS must be at least 1", ErrInvalidConfig)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("%w: MAX_CONCURRENCY must be positive", ErrInvalidConfig)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
