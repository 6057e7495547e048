package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"KEEPER_PRIVATE_KEY": testKey,
	}))
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.TradeConcurrency)
	assert.Equal(t, "0.05", cfg.CycleGasBudgetEth.String())
	assert.Equal(t, float64(30), cfg.SpendRateThreshold)
	assert.Equal(t, 70, cfg.AI.ConfidenceThreshold)
	assert.Equal(t, 2*time.Second, cfg.AI.Timeout)
	assert.False(t, cfg.AI.Enabled)
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"KEEPER_PRIVATE_KEY":       testKey,
		"POLL_INTERVAL":            "30000",
		"TRADE_CONCURRENCY":        "2",
		"CYCLE_GAS_BUDGET":         "0.1",
		"SPEND_RATE_THRESHOLD_PCT": "50",
		"AI_EVALUATION_ENABLED":    "true",
		"AI_PROVIDER":              "ollama",
		"AI_MODEL":                 "llama3",
		"AI_TIMEOUT_MS":            "5000",
		"RPC_URL_10143":            "http://localhost:8545",
	}))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 2, cfg.TradeConcurrency)
	assert.Equal(t, "0.1", cfg.CycleGasBudgetEth.String())
	assert.True(t, cfg.AI.Enabled)
	assert.Equal(t, "ollama", cfg.AI.Provider)
	assert.Equal(t, 5*time.Second, cfg.AI.Timeout)
	assert.Equal(t, "http://localhost:8545", cfg.RPCEndpoints[10143])
}

func TestFromEnvNetworks(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"KEEPER_PRIVATE_KEY": testKey,
		"RPC_URL_10143":      "http://localhost:8545",
		"V2_ROUTER_10143":    "0xfB8e1C3b833f9E67a71C859a132cf783b645e436",
		"VAULT_ADDRESS_8453": "0x00000000000000000000000000000000000000aa",
	}))
	require.NoError(t, err)

	assert.Equal(t, "0x760AfE86e5de5fa0Ee542fc7B7B713e1c5425701", cfg.Networks[10143].WETH)
	assert.Equal(t, "0xfB8e1C3b833f9E67a71C859a132cf783b645e436", cfg.Networks[10143].V2Router)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", cfg.Networks[8453].Vault)
	assert.Empty(t, cfg.Networks[10143].Vault, "vaultless chain")
}

func TestFromEnvKeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"missing", "", ErrMissingKeeperKey},
		{"no prefix", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", ErrMalformedKey},
		{"short", "0xdeadbeef", ErrMalformedKey},
		{"non-hex", "0x" + "zz0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f3623", ErrMalformedKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(env(map[string]string{"KEEPER_PRIVATE_KEY": tt.key}))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateBounds(t *testing.T) {
	cfg := DefaultConfig
	cfg.KeeperPrivateKey = testKey
	cfg.TradeConcurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig
	cfg.KeeperPrivateKey = testKey
	cfg.AI.ConfidenceThreshold = 101
	assert.Error(t, cfg.Validate())
}
