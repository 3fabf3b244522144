package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/perpengine/internal/domain"
)

// Config is the complete engine configuration.
type Config struct {
	Engine  EngineConfig   `yaml:"engine"`
	Symbols []SymbolConfig `yaml:"symbols"`
	Storage StorageConfig  `yaml:"storage"`
	Cache   CacheConfig    `yaml:"cache"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Log     LogConfig      `yaml:"log"`
}

// EngineConfig controls margin, fee, pricing and risk-sweep parameters.
type EngineConfig struct {
	MaintenanceMarginPct       float64 `yaml:"maintenance_margin_pct"`
	EntryFeePct                float64 `yaml:"entry_fee_pct"`
	ExitFeePct                 float64 `yaml:"exit_fee_pct"`
	DefaultSpreadBps           float64 `yaml:"default_spread_bps"`
	CircuitBreakerThresholdPct float64 `yaml:"circuit_breaker_threshold_pct"`
	CircuitBreakerResetMs      int64   `yaml:"circuit_breaker_reset_ms"`
	PriceStaleThresholdMs      int64   `yaml:"price_stale_threshold_ms"`
	SessionDurationSeconds     int     `yaml:"session_duration_seconds"`
	AccountFlushIntervalSeconds int    `yaml:"account_flush_interval_seconds"`
	RetryQueueCapacity         int     `yaml:"retry_queue_capacity"`
}

// SessionDuration returns the client session lifetime as a time.Duration.
func (e EngineConfig) SessionDuration() time.Duration {
	return time.Duration(e.SessionDurationSeconds) * time.Second
}

// AccountFlushInterval returns the dirty-account flush interval.
func (e EngineConfig) AccountFlushInterval() time.Duration {
	return time.Duration(e.AccountFlushIntervalSeconds) * time.Second
}

// SymbolConfig is the YAML shape of one tradable symbol's static
// parameters, converted into domain.SymbolConfig at load time.
type SymbolConfig struct {
	Symbol      string  `yaml:"symbol"`
	AssetClass  string  `yaml:"asset_class"`
	SpreadBps   float64 `yaml:"spread_bps"`
	MaxLeverage int     `yaml:"max_leverage"`
	FundingRate float64 `yaml:"funding_rate"`
}

// ToDomain converts the YAML symbol entry to its domain counterpart.
func (s SymbolConfig) ToDomain() domain.SymbolConfig {
	class := domain.AssetClassAltcoin
	if s.AssetClass == string(domain.AssetClassMajor) {
		class = domain.AssetClassMajor
	}
	return domain.SymbolConfig{
		Symbol:      s.Symbol,
		AssetClass:  class,
		SpreadBps:   s.SpreadBps,
		MaxLeverage: s.MaxLeverage,
		FundingRate: s.FundingRate,
	}
}

// StorageConfig controls where trade/account state is persisted.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // sqlite DSN, or ":memory:"
}

// CacheConfig controls the shared coordination service (rate-limit
// buckets, stats snapshots).
type CacheConfig struct {
	DSN string `yaml:"dsn"`
}

// UpstreamConfig controls the Binance book-ticker and depth feed
// connections.
type UpstreamConfig struct {
	BookTickerURL string `yaml:"book_ticker_url"`
	DepthURL      string `yaml:"depth_url"`
}

// LogConfig controls logging format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path, applies environment overrides, then
// fills in defaults. A .env file in the working directory is loaded first
// if present; its values take effect as environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: env overrides: %w", err)
	}
	setDefaults(&cfg)

	if cfg.Storage.DSN == "" {
		return nil, fmt.Errorf("config.Load: storage DSN is required")
	}
	if cfg.Upstream.BookTickerURL == "" {
		return nil, fmt.Errorf("config.Load: upstream book ticker URL is required")
	}

	return &cfg, nil
}

// applyEnvOverrides overwrites config fields with environment variables
// when present, using a per-field "if set, override" shape across the
// engine's full parameter set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("MAINTENANCE_MARGIN_PCT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MAINTENANCE_MARGIN_PCT: %w", err)
		}
		cfg.Engine.MaintenanceMarginPct = f
	}
	if v := os.Getenv("ENTRY_FEE_PCT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("ENTRY_FEE_PCT: %w", err)
		}
		cfg.Engine.EntryFeePct = f
	}
	if v := os.Getenv("EXIT_FEE_PCT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("EXIT_FEE_PCT: %w", err)
		}
		cfg.Engine.ExitFeePct = f
	}
	if v := os.Getenv("DEFAULT_SPREAD_BPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("DEFAULT_SPREAD_BPS: %w", err)
		}
		cfg.Engine.DefaultSpreadBps = f
	}
	if v := os.Getenv("CIRCUIT_BREAKER_THRESHOLD_PCT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD_PCT: %w", err)
		}
		cfg.Engine.CircuitBreakerThresholdPct = f
	}
	if v := os.Getenv("CIRCUIT_BREAKER_RESET_MS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CIRCUIT_BREAKER_RESET_MS: %w", err)
		}
		cfg.Engine.CircuitBreakerResetMs = n
	}
	if v := os.Getenv("PRICE_STALE_THRESHOLD_MS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("PRICE_STALE_THRESHOLD_MS: %w", err)
		}
		cfg.Engine.PriceStaleThresholdMs = n
	}
	if v := os.Getenv("SESSION_DURATION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SESSION_DURATION: %w", err)
		}
		cfg.Engine.SessionDurationSeconds = n
	}
	// SYMBOL_SPREADS is a JSON object overlay, e.g. {"BTCUSDT": 1, "ETHUSDT": 2},
	// applied on top of whatever symbols.yaml already declared.
	if v := os.Getenv("SYMBOL_SPREADS"); v != "" {
		var overlay map[string]float64
		if err := json.Unmarshal([]byte(v), &overlay); err != nil {
			return fmt.Errorf("SYMBOL_SPREADS: %w", err)
		}
		for i, s := range cfg.Symbols {
			if bps, ok := overlay[s.Symbol]; ok {
				cfg.Symbols[i].SpreadBps = bps
			}
		}
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("CACHE_DSN"); v != "" {
		cfg.Cache.DSN = v
	}
	if v := os.Getenv("UPSTREAM_BOOK_TICKER_URL"); v != "" {
		cfg.Upstream.BookTickerURL = v
	}
	if v := os.Getenv("UPSTREAM_DEPTH_URL"); v != "" {
		cfg.Upstream.DepthURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

// setDefaults fills in sensible values for anything left unset.
func setDefaults(cfg *Config) {
	if cfg.Engine.MaintenanceMarginPct <= 0 {
		cfg.Engine.MaintenanceMarginPct = 0.005
	}
	if cfg.Engine.EntryFeePct <= 0 {
		cfg.Engine.EntryFeePct = 0.0005
	}
	if cfg.Engine.ExitFeePct <= 0 {
		cfg.Engine.ExitFeePct = 0.0005
	}
	if cfg.Engine.DefaultSpreadBps <= 0 {
		cfg.Engine.DefaultSpreadBps = 1
	}
	if cfg.Engine.CircuitBreakerThresholdPct <= 0 {
		cfg.Engine.CircuitBreakerThresholdPct = 0.05
	}
	if cfg.Engine.CircuitBreakerResetMs <= 0 {
		cfg.Engine.CircuitBreakerResetMs = 1000
	}
	if cfg.Engine.PriceStaleThresholdMs <= 0 {
		cfg.Engine.PriceStaleThresholdMs = 5000
	}
	if cfg.Engine.SessionDurationSeconds <= 0 {
		cfg.Engine.SessionDurationSeconds = 24 * 3600
	}
	if cfg.Engine.AccountFlushIntervalSeconds <= 0 {
		cfg.Engine.AccountFlushIntervalSeconds = 5
	}
	if cfg.Engine.RetryQueueCapacity <= 0 {
		cfg.Engine.RetryQueueCapacity = 256
	}
	if cfg.Cache.DSN == "" {
		cfg.Cache.DSN = "memory"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
