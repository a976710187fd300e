package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"

	WalletSourceEnv      = "env"
	WalletSourcePostgres = "postgres"
)

type Config struct {
	Wallet   WalletConfig
	Store    StoreConfig
	DB       DBConfig
	Redis    RedisConfig
	Chains   ChainsConfig
	Notify   NotifyConfig
	Pricing  APIConfig
	Explorer APIConfig
	Monitor  MonitorConfig
	Cache    CacheConfig
	Server   ServerConfig
	Tracing  TracingConfig
	Log      LogConfig
}

type WalletConfig struct {
	Address string
	Label   string
	Source  string
}

type StoreConfig struct {
	Backend string
}

type DBConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL       string
	KeyPrefix string
}

type ChainsConfig struct {
	// RPCURLs holds the configured endpoint per chain id. Chains without an
	// endpoint are not monitored.
	RPCURLs        map[int64]string
	RPS            float64
	Burst          int
	DefaultChainID int64
	TokenListPath  string
}

type NotifyConfig struct {
	Log             bool
	WebhookURL      string
	SlackWebhookURL string
}

type APIConfig struct {
	URL    string
	APIKey string
}

type MonitorConfig struct {
	MinInterval         time.Duration
	RediscoveryInterval time.Duration
	BackgroundTasks     bool
	AutoStart           bool
}

type CacheConfig struct {
	MaxEntries    int
	SweepInterval time.Duration
}

type ServerConfig struct {
	AdminPort int
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type LogConfig struct {
	Level string
}

// chainEnvKeys maps the <CHAIN>_RPC_URL prefix to its chain id.
var chainEnvKeys = map[string]int64{
	"ETHEREUM": 1,
	"BSC":      56,
	"POLYGON":  137,
	"BASE":     8453,
	"ARBITRUM": 42161,
}

// Load reads configuration from the environment. A .env file in the working
// directory, if present, is loaded first without overriding variables that
// are already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Wallet: WalletConfig{
			Address: getEnv("WALLET_ADDRESS", ""),
			Label:   getEnv("WALLET_LABEL", ""),
			Source:  strings.ToLower(getEnv("WALLET_SOURCE", WalletSourceEnv)),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
		},
		DB: DBConfig{
			URL:             getEnv("DB_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
			MigrationsDir:   getEnv("DB_MIGRATIONS_DIR", "internal/store/postgres/migrations"),
		},
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", ""),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "wallet-monitor:"),
		},
		Chains: ChainsConfig{
			RPCURLs:        map[int64]string{},
			RPS:            getEnvFloat("RPC_RPS", 10),
			Burst:          getEnvInt("RPC_BURST", 20),
			DefaultChainID: int64(getEnvInt("DEFAULT_CHAIN_ID", 1)),
			TokenListPath:  getEnv("TOKEN_LIST_PATH", ""),
		},
		Notify: NotifyConfig{
			Log:             getEnvBool("NOTIFY_LOG", true),
			WebhookURL:      getEnv("NOTIFY_WEBHOOK_URL", ""),
			SlackWebhookURL: getEnv("NOTIFY_SLACK_WEBHOOK_URL", ""),
		},
		Pricing: APIConfig{
			URL:    getEnv("PRICE_API_URL", ""),
			APIKey: getEnv("PRICE_API_KEY", ""),
		},
		Explorer: APIConfig{
			URL:    getEnv("EXPLORER_API_URL", ""),
			APIKey: getEnv("EXPLORER_API_KEY", ""),
		},
		Monitor: MonitorConfig{
			MinInterval:         time.Duration(getEnvInt("MONITOR_MIN_INTERVAL_SEC", 15)) * time.Second,
			RediscoveryInterval: time.Duration(getEnvInt("REDISCOVERY_INTERVAL_HOURS", 24)) * time.Hour,
			BackgroundTasks:     getEnvBool("BACKGROUND_TASKS_ENABLED", true),
			AutoStart:           getEnvBool("AUTO_START", true),
		},
		Cache: CacheConfig{
			MaxEntries:    getEnvInt("CACHE_MAX_ENTRIES", 1000),
			SweepInterval: time.Duration(getEnvInt("CACHE_SWEEP_INTERVAL_SEC", 300)) * time.Second,
		},
		Server: ServerConfig{
			AdminPort: getEnvInt("ADMIN_PORT", 8080),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("TRACING_ENDPOINT", "localhost:4317"),
			Insecure:    getEnvBool("TRACING_INSECURE", true),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1),
		},
		Log: LogConfig{
			Level: strings.ToLower(getEnv("LOG_LEVEL", "info")),
		},
	}

	for prefix, id := range chainEnvKeys {
		if u := getEnv(prefix+"_RPC_URL", ""); u != "" {
			cfg.Chains.RPCURLs[id] = u
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_BACKEND=redis")
		}
	case StorePostgres:
		if c.DB.URL == "" {
			return fmt.Errorf("DB_URL is required when STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}

	switch c.Wallet.Source {
	case WalletSourceEnv:
	case WalletSourcePostgres:
		if c.DB.URL == "" {
			return fmt.Errorf("DB_URL is required when WALLET_SOURCE=postgres")
		}
	default:
		return fmt.Errorf("unknown WALLET_SOURCE %q", c.Wallet.Source)
	}

	if len(c.Chains.RPCURLs) == 0 {
		return fmt.Errorf("at least one <CHAIN>_RPC_URL is required")
	}
	if _, ok := c.Chains.RPCURLs[c.Chains.DefaultChainID]; !ok {
		return fmt.Errorf("DEFAULT_CHAIN_ID %d has no RPC URL configured", c.Chains.DefaultChainID)
	}
	if c.Monitor.MinInterval <= 0 {
		return fmt.Errorf("MONITOR_MIN_INTERVAL_SEC must be positive")
	}
	if c.Monitor.RediscoveryInterval <= 0 {
		return fmt.Errorf("REDISCOVERY_INTERVAL_HOURS must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown LOG_LEVEL %q", c.Log.Level)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
