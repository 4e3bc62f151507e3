package app

import (
	"io/fs"
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (KART_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (KART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Storage      string `default:"postgres" usage:"Storage backend: postgres or memory"`
	SeedDemo     bool   `default:"false" usage:"Load the demo catalog on start" flag:"seed-demo"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (KART_API_KEY_PEPPER)" flag:"api-key-pepper"`
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
	Orders       OrdersConfig
	Outbox       OutboxConfig
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window, 0 disables the limiter"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// OrdersConfig controls checkout and the order lifecycle.
type OrdersConfig struct {
	RestockOnCancel  bool   `default:"true" usage:"Return stock of cancelled orders" flag:"restock-on-cancel"`
	Location         string `default:"UTC" usage:"Time zone of the day in order numbers" flag:"orders-location"`
	SequencerRetries int    `default:"3" usage:"Order number allocation attempts per checkout" flag:"sequencer-retries"`
}

// OutboxConfig controls publishing of order events.
type OutboxConfig struct {
	Brokers     []string      `usage:"Kafka seed brokers; events are logged when empty"`
	TopicPrefix string        `default:"kart." usage:"Prefix of Kafka topic names" flag:"outbox-topic-prefix"`
	Interval    time.Duration `default:"1s" usage:"Outbox polling interval" flag:"outbox-interval"`
	BatchSize   int           `default:"100" usage:"Records published per batch" flag:"outbox-batch-size"`
	MaxBacklog  int64         `default:"10000" usage:"Unsent records above which the service reports not ready" flag:"outbox-max-backlog"`
}

// LoadConfig loads configuration from an optional .env file, environment
// variables, command line flags and YAML config files, and applies
// platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(false)
}

// LoadEnvConfig is LoadConfig for tools that parse their own flags.
func LoadEnvConfig() (*Config, error) {
	return loadConfig(true)
}

func loadConfig(skipFlags bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART",
		SkipFlags: skipFlags,
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set KART_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage %q", c.Storage)
	}
	if _, err := time.LoadLocation(c.Orders.Location); err != nil {
		return errors.Wrap(err, "orders location")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's KART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
