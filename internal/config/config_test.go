package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"WALLET_ADDRESS", "WALLET_LABEL", "WALLET_SOURCE", "STORE_BACKEND", "REDIS_URL",
		"REDIS_KEY_PREFIX", "DB_URL", "DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "DB_MIGRATIONS_DIR",
		"ETHEREUM_RPC_URL", "BSC_RPC_URL", "POLYGON_RPC_URL", "BASE_RPC_URL", "ARBITRUM_RPC_URL",
		"RPC_RPS", "RPC_BURST", "DEFAULT_CHAIN_ID", "TOKEN_LIST_PATH", "NOTIFY_LOG",
		"NOTIFY_WEBHOOK_URL", "NOTIFY_SLACK_WEBHOOK_URL", "PRICE_API_URL", "PRICE_API_KEY",
		"EXPLORER_API_URL", "EXPLORER_API_KEY", "MONITOR_MIN_INTERVAL_SEC",
		"REDISCOVERY_INTERVAL_HOURS", "BACKGROUND_TASKS_ENABLED", "AUTO_START",
		"CACHE_MAX_ENTRIES", "CACHE_SWEEP_INTERVAL_SEC", "ADMIN_PORT", "TRACING_ENABLED",
		"TRACING_ENDPOINT", "TRACING_INSECURE", "TRACING_SAMPLE_RATIO", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ETHEREUM_RPC_URL", "https://eth.example")
	t.Setenv("WALLET_ADDRESS", "0xabc")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0xabc", cfg.Wallet.Address)
	assert.Equal(t, WalletSourceEnv, cfg.Wallet.Source)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, map[int64]string{1: "https://eth.example"}, cfg.Chains.RPCURLs)
	assert.Equal(t, int64(1), cfg.Chains.DefaultChainID)
	assert.Equal(t, 10.0, cfg.Chains.RPS)
	assert.Equal(t, 20, cfg.Chains.Burst)
	assert.True(t, cfg.Notify.Log)
	assert.Equal(t, 15*time.Second, cfg.Monitor.MinInterval)
	assert.Equal(t, 24*time.Hour, cfg.Monitor.RediscoveryInterval)
	assert.True(t, cfg.Monitor.BackgroundTasks)
	assert.True(t, cfg.Monitor.AutoStart)
	assert.Equal(t, 1000, cfg.Cache.MaxEntries)
	assert.Equal(t, 5*time.Minute, cfg.Cache.SweepInterval)
	assert.Equal(t, 8080, cfg.Server.AdminPort)
	assert.Equal(t, "wallet-monitor:", cfg.Redis.KeyPrefix)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("POLYGON_RPC_URL", "https://polygon.example")
	t.Setenv("BASE_RPC_URL", "https://base.example")
	t.Setenv("DEFAULT_CHAIN_ID", "137")
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("RPC_RPS", "2.5")
	t.Setenv("BACKGROUND_TASKS_ENABLED", "false")
	t.Setenv("MONITOR_MIN_INTERVAL_SEC", "30")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("ADMIN_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreRedis, cfg.Store.Backend)
	assert.Len(t, cfg.Chains.RPCURLs, 2)
	assert.Equal(t, int64(137), cfg.Chains.DefaultChainID)
	assert.Equal(t, 2.5, cfg.Chains.RPS)
	assert.False(t, cfg.Monitor.BackgroundTasks)
	assert.Equal(t, 30*time.Second, cfg.Monitor.MinInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8080, cfg.Server.AdminPort, "unparsable values fall back")
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"no rpc", map[string]string{}, "RPC_URL"},
		{"default chain without rpc", map[string]string{"POLYGON_RPC_URL": "x"}, "DEFAULT_CHAIN_ID"},
		{"unknown backend", map[string]string{"ETHEREUM_RPC_URL": "x", "STORE_BACKEND": "etcd"}, "STORE_BACKEND"},
		{"redis without url", map[string]string{"ETHEREUM_RPC_URL": "x", "STORE_BACKEND": "redis"}, "REDIS_URL"},
		{"postgres without url", map[string]string{"ETHEREUM_RPC_URL": "x", "STORE_BACKEND": "postgres"}, "DB_URL"},
		{"wallet source postgres without url", map[string]string{"ETHEREUM_RPC_URL": "x", "WALLET_SOURCE": "postgres"}, "DB_URL"},
		{"unknown wallet source", map[string]string{"ETHEREUM_RPC_URL": "x", "WALLET_SOURCE": "ldap"}, "WALLET_SOURCE"},
		{"bad interval", map[string]string{"ETHEREUM_RPC_URL": "x", "MONITOR_MIN_INTERVAL_SEC": "0"}, "MONITOR_MIN_INTERVAL_SEC"},
		{"bad log level", map[string]string{"ETHEREUM_RPC_URL": "x", "LOG_LEVEL": "trace"}, "LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("ETHEREUM_RPC_URL=https://from-dotenv\nWALLET_LABEL=dotenv\n"), 0o600))
	t.Chdir(dir)
	t.Setenv("WALLET_LABEL", "env")
	// godotenv only fills variables that are unset.
	require.NoError(t, os.Unsetenv("ETHEREUM_RPC_URL"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://from-dotenv", cfg.Chains.RPCURLs[1])
	assert.Equal(t, "env", cfg.Wallet.Label)
}
