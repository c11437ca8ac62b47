package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"quantdesk/internal/backtest"
	"quantdesk/internal/domain"
	"quantdesk/internal/marketdata"
	"quantdesk/internal/optimizer"
)

// DefaultPath is used when QUANTDESK_CONFIG is unset.
const DefaultPath = "config/quantdesk.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for quantdesk.
type Config struct {
	Storage   Storage         `yaml:"storage"`
	Server    Server          `yaml:"server"`
	Alpaca    Alpaca          `yaml:"alpaca"`
	Logging   Logging         `yaml:"logging"`
	Backtest  BacktestConfig  `yaml:"backtest"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Data      DataConfig      `yaml:"data"`
	Gather    GatherConfig    `yaml:"gather"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca market data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`

	// BaseURL is the trading API, used only for the market calendar.
	BaseURL string `yaml:"base_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BacktestConfig holds engine defaults applied to every run.
type BacktestConfig struct {
	InitialCash     float64 `yaml:"initial_cash"`
	Sizing          string  `yaml:"sizing"`
	Fraction        float64 `yaml:"fraction"`
	Quantity        float64 `yaml:"quantity"`
	MaxPositionPct  float64 `yaml:"max_position_pct"`
	AllowFractional bool    `yaml:"allow_fractional"`
	Pyramiding      bool    `yaml:"pyramiding"`

	Commission CommissionConfig `yaml:"commission"`

	FillTiming   string `yaml:"fill_timing"`
	Align        string `yaml:"align"`
	LookbackDays int    `yaml:"lookback_days"`
}

// CommissionConfig selects the commission model.
type CommissionConfig struct {
	Model   string  `yaml:"model"`
	Amount  float64 `yaml:"amount"`
	Minimum float64 `yaml:"minimum"`
}

// OptimizerConfig bounds parameter sweeps.
type OptimizerConfig struct {
	MaxWorkers      int           `yaml:"max_workers"`
	MaxCombinations int           `yaml:"max_combinations"`
	RunTimeout      time.Duration `yaml:"run_timeout"`
}

// DataConfig controls where bars come from.
type DataConfig struct {
	Market           string `yaml:"market"`
	FallbackToAlpaca bool   `yaml:"fallback_to_alpaca"`
	WriteBack        bool   `yaml:"write_back"`
	RateLimitPerMin  int    `yaml:"rate_limit_per_min"`
}

// GatherConfig controls the daily bar backfill job.
type GatherConfig struct {
	USDaily GatherJobConfig `yaml:"us_daily"`
}

// GatherJobConfig holds parameters for a single data gathering job.
type GatherJobConfig struct {
	StartDate       string   `yaml:"start_date"`
	BatchSize       int      `yaml:"batch_size"`
	MaxWorkers      int      `yaml:"max_workers"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
	Symbols         []string `yaml:"symbols"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns QUANTDESK_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv("QUANTDESK_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

// Default returns a configuration built from defaults and the environment
// alone, for running without a config file.
func Default() *Config {
	_ = godotenv.Load()
	cfg := &Config{}
	applyEnvOverrides(cfg)
	setDefaults(cfg)
	return cfg
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("QUANTDESK_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Optimizer.MaxWorkers = n
		}
	}

	// Standard Alpaca env vars take precedence; the SDK reads the same names.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/quantdesk.db"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.GRPCPort <= 0 {
		cfg.Server.GRPCPort = 9090
	}
	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "sip"
	}
	if cfg.Alpaca.BaseURL == "" {
		cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Backtest.InitialCash <= 0 {
		cfg.Backtest.InitialCash = 100000
	}
	if cfg.Backtest.Fraction <= 0 {
		cfg.Backtest.Fraction = backtest.DefaultFraction
	}
	if cfg.Optimizer.MaxCombinations <= 0 {
		cfg.Optimizer.MaxCombinations = optimizer.DefaultMaxCombinations
	}
	if cfg.Optimizer.RunTimeout <= 0 {
		cfg.Optimizer.RunTimeout = 2 * time.Minute
	}
	if cfg.Data.Market == "" {
		cfg.Data.Market = string(domain.MarketUS)
	}
	if cfg.Data.RateLimitPerMin <= 0 {
		cfg.Data.RateLimitPerMin = 200
	}
	if cfg.Gather.USDaily.StartDate == "" {
		cfg.Gather.USDaily.StartDate = "2020-01-01"
	}
	if cfg.Gather.USDaily.BatchSize <= 0 {
		cfg.Gather.USDaily.BatchSize = 50
	}
	if cfg.Gather.USDaily.MaxWorkers <= 0 {
		cfg.Gather.USDaily.MaxWorkers = 4
	}
	if cfg.Gather.USDaily.RateLimitPerMin <= 0 {
		cfg.Gather.USDaily.RateLimitPerMin = cfg.Data.RateLimitPerMin
	}
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// EngineConfig converts the backtest section into engine settings.
func (c *Config) EngineConfig() (backtest.Config, error) {
	b := c.Backtest
	policy, err := backtest.ParseSizingPolicy(b.Sizing)
	if err != nil {
		return backtest.Config{}, err
	}
	model, err := backtest.ParseCommissionModel(b.Commission.Model)
	if err != nil {
		return backtest.Config{}, err
	}
	fill, err := backtest.ParseFillTiming(b.FillTiming)
	if err != nil {
		return backtest.Config{}, err
	}
	align, err := marketdata.ParseAlignMode(b.Align)
	if err != nil {
		return backtest.Config{}, err
	}

	cfg := backtest.Config{
		Sizing: backtest.Sizing{
			Policy:          policy,
			Fraction:        b.Fraction,
			Quantity:        b.Quantity,
			MaxPositionPct:  b.MaxPositionPct,
			AllowFractional: b.AllowFractional,
			Pyramiding:      b.Pyramiding,
		},
		Commission: backtest.Commission{
			Model:   model,
			Amount:  b.Commission.Amount,
			Minimum: b.Commission.Minimum,
		},
		Fill:         fill,
		Align:        align,
		LookbackDays: b.LookbackDays,
	}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return backtest.Config{}, fmt.Errorf("backtest config: %w", err)
	}
	return cfg, nil
}

// OptimizerSettings converts the optimizer section.
func (c *Config) OptimizerSettings() optimizer.Config {
	return optimizer.Config{
		Workers:         c.Optimizer.MaxWorkers,
		MaxCombinations: c.Optimizer.MaxCombinations,
		RunTimeout:      c.Optimizer.RunTimeout,
	}
}

// AlpacaOptions converts the alpaca and data sections.
func (c *Config) AlpacaOptions() marketdata.AlpacaOptions {
	return marketdata.AlpacaOptions{
		APIKey:          c.Alpaca.APIKey,
		APISecret:       c.Alpaca.APISecret,
		DataURL:         c.Alpaca.DataURL,
		Feed:            c.Alpaca.Feed,
		RateLimitPerMin: c.Data.RateLimitPerMin,
	}
}

// Market returns the configured market.
func (c *Config) Market() domain.Market { return domain.Market(c.Data.Market) }
