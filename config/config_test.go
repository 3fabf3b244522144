package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
engine:
  maintenance_margin_pct: 0.01
  entry_fee_pct: 0.001
symbols:
  - symbol: BTCUSDT
    asset_class: MAJOR
    spread_bps: 1
    max_leverage: 20
storage:
  dsn: test.db
upstream:
  book_ticker_url: wss://example.test/ws
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_AppliesDefaultsForUnsetFields(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.01, cfg.Engine.MaintenanceMarginPct)
	assert.Equal(t, 0.001, cfg.Engine.EntryFeePct)
	assert.Equal(t, 0.0005, cfg.Engine.ExitFeePct, "unset in YAML, must fall back to the default")
	assert.Equal(t, 0.05, cfg.Engine.CircuitBreakerThresholdPct)
	assert.Equal(t, int64(1000), cfg.Engine.CircuitBreakerResetMs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "memory", cfg.Cache.DSN)
}

func TestLoad_MissingStorageDSNFails(t *testing.T) {
	path := writeTempConfig(t, `
upstream:
  book_ticker_url: wss://example.test/ws
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingUpstreamURLFails(t *testing.T) {
	path := writeTempConfig(t, `
storage:
  dsn: test.db
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverridesTakePrecedenceOverYAML(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	t.Setenv("ENTRY_FEE_PCT", "0.002")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.002, cfg.Engine.EntryFeePct)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_SymbolSpreadsOverlayAppliesOnlyToKnownSymbols(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	t.Setenv("SYMBOL_SPREADS", `{"BTCUSDT": 3, "ETHUSDT": 5}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Symbols, 1)
	assert.Equal(t, 3.0, cfg.Symbols[0].SpreadBps)
}

func TestSymbolConfig_ToDomain(t *testing.T) {
	s := SymbolConfig{Symbol: "BTCUSDT", AssetClass: "MAJOR", SpreadBps: 1, MaxLeverage: 20, FundingRate: 0.0001}
	d := s.ToDomain()
	assert.Equal(t, "BTCUSDT", d.Symbol)
	assert.True(t, d.Majors())
	assert.Equal(t, 20, d.MaxLeverage)
}

func TestEngineConfig_DurationHelpers(t *testing.T) {
	e := EngineConfig{SessionDurationSeconds: 3600, AccountFlushIntervalSeconds: 5}
	assert.Equal(t, "1h0m0s", e.SessionDuration().String())
	assert.Equal(t, "5s", e.AccountFlushInterval().String())
}
