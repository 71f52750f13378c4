package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/futures-guard/internal/risk"
)

const sampleYAML = `
trading_mode: paper
symbols:
  allow: [BTCUSDT, ETH-USDT, SOL]
  deny: [SOL]
risk:
  max_consecutive_losses: 4
  regime:
    type_regimes:
      trend: [trending]
    min_strength:
      trending: moderate
killswitch:
  window_trades: 10
  min_trades: 4
storage:
  idempotency_bucket: 5m
exchange:
  paper:
    prices:
      BTCUSDT: "50000"
wire:
  enabled: true
  base_url: http://feed:8091
  poll_interval: 2s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 4, c.Risk.MaxConsecutiveLosses)
	assert.Equal(t, 10, c.Risk.MaxTradesPerHour)
	assert.Equal(t, 5*time.Minute, c.IdempotencyBucket())
	assert.Equal(t, "http://feed:8091", c.Wire.BaseURL)
	assert.Equal(t, 2*time.Second, c.Wire.PollInterval)
	assert.Equal(t, "50000", c.Exchange.Paper.Prices["BTCUSDT"])
	assert.Equal(t, []string{"trending"}, c.Risk.Regime.TypeRegimes["trend"])

	require.NotNil(t, c.SymbolPolicy())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, c.SymbolPolicy().Universe())

	ks := c.KillswitchConfig()
	assert.Equal(t, risk.GranularityTypeRegime, ks.Granularity)
	assert.Equal(t, time.Hour, ks.DisableFor)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("MAX_CONSECUTIVE_LOSSES", "7")
	t.Setenv("BURST_RATE_LIMIT_MS", "1500")
	t.Setenv("KILLSWITCH_MIN_PROFIT_FACTOR", "1.2")
	t.Setenv("KILLSWITCH_KEY_GRANULARITY", "type_regime_side")
	t.Setenv("SYMBOL_ALLOWLIST", "BTC/USDT, ETHUSDTM")
	t.Setenv("SYMBOL_DENYLIST", "BTC")
	t.Setenv("ALLOWED_REGIMES", "trending,volatile")
	t.Setenv("IDEMPOTENCY_BUCKET", "0")
	t.Setenv("MAX_HOLD_MINUTES", "90")

	c, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 7, c.Risk.MaxConsecutiveLosses)
	assert.Equal(t, 1500*time.Millisecond, c.RateLimit().BurstInterval)
	assert.Equal(t, 1.2, c.Killswitch.MinProfitFactor)
	assert.Equal(t, risk.GranularityTypeRegimeSide, c.KillswitchConfig().Granularity)
	assert.Equal(t, []string{"trending", "volatile"}, c.Risk.Regime.AllowedRegimes)
	assert.Equal(t, time.Duration(0), c.IdempotencyBucket())
	assert.Equal(t, 90*time.Minute, c.PositionConfig().MaxHold)

	policy := c.SymbolPolicy()
	assert.False(t, policy.Check("BTC/USDT").Allowed)
	assert.True(t, policy.Check("ETHUSDTM").Allowed)
}

func TestExplicitZeroIsKept(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
		yaml string
	}{
		{
			name: "env",
			env: map[string]string{
				"KILLSWITCH_MIN_EXPECTANCY": "0",
				"MIN_HOLD_ROI":              "0",
				"BREAK_EVEN_BUFFER_ROI":     "0",
				"MAX_CONSECUTIVE_LOSSES":    "0",
				"BURST_RATE_LIMIT_MS":       "0",
				"IDEMPOTENCY_BUCKET":        "0s",
				"SYMBOL_ALLOWLIST":          "BTCUSDT",
			},
		},
		{
			name: "yaml",
			yaml: `
symbols:
  allow: [BTCUSDT]
risk:
  max_consecutive_losses: 0
  burst_rate_limit_ms: 0
killswitch:
  min_expectancy: 0
lifecycle:
  min_hold_roi: 0
  break_even_buffer_roi: 0
storage:
  idempotency_bucket: 0s
`,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			path := ""
			if tc.yaml != "" {
				path = writeConfig(t, tc.yaml)
			}
			c, err := Load(path)
			require.NoError(t, err)

			assert.Equal(t, 0.0, c.Killswitch.MinExpectancy)
			assert.Equal(t, 0.0, c.Lifecycle.MinHoldRoi)
			assert.Equal(t, 0.0, c.Lifecycle.BreakEvenBufferRoi)
			assert.Equal(t, 0, c.Risk.MaxConsecutiveLosses)
			assert.Equal(t, time.Duration(0), c.RateLimit().BurstInterval)
			assert.Equal(t, time.Duration(0), c.IdempotencyBucket())
			assert.True(t, c.PositionConfig().MinHoldRoi.IsZero())

			// Untouched settings still take their defaults.
			assert.Equal(t, 10, c.Risk.MaxTradesPerHour)
			assert.Equal(t, 0.8, c.Killswitch.MinProfitFactor)
			assert.Equal(t, 10.0, c.Lifecycle.StopLossRoi)
		})
	}
}

func TestLoadFailures(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
		yaml string
	}{
		{name: "empty universe", env: map[string]string{"SYMBOL_DENYLIST": "BTC,ETH,SOL"}, yaml: sampleYAML},
		{name: "no allow list", yaml: "trading_mode: paper\n"},
		{name: "bad int", env: map[string]string{"MAX_TRADES_PER_HOUR": "many"}, yaml: sampleYAML},
		{name: "bad granularity", env: map[string]string{"KILLSWITCH_KEY_GRANULARITY": "feature"}, yaml: sampleYAML},
		{name: "live mode", yaml: "trading_mode: live\nsymbols:\n  allow: [BTCUSDT]\n"},
		{name: "bad yaml", yaml: "symbols: [\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	assert.Equal(t, DefaultPath, Path())
	t.Setenv("CONFIG_PATH", "/etc/agent.yaml")
	assert.Equal(t, "/etc/agent.yaml", Path())
}
