// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure for a grid engine
// session: a single symbol, a single exchange adapter, one grid spec.
type Config struct {
	App       AppConfig      `yaml:"app"`
	Exchange  ExchangeConfig `yaml:"exchange"`
	Grid      GridConfig     `yaml:"grid"`
	Safety    SafetyConfig   `yaml:"safety"`
	System    SystemConfig   `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Symbol      string `yaml:"symbol" validate:"required"`
	Mode        string `yaml:"mode" validate:"required,oneof=backtest live"`
	EngineType  string `yaml:"engine_type" validate:"required,oneof=simple durable"`
	DatabaseURL string `yaml:"database_url"` // required when engine_type=durable
}

// ExchangeConfig contains exchange-adapter configuration. Kind selects
// between the bar-driven simulated adapter and the generic REST/WS adapter.
type ExchangeConfig struct {
	Kind          string `yaml:"kind" validate:"required,oneof=simulated http"`
	APIKey        Secret `yaml:"api_key"`
	SecretKey     Secret `yaml:"secret_key"`
	Passphrase    Secret `yaml:"passphrase"`
	BaseURL       string `yaml:"base_url"`
	WSURL         string `yaml:"ws_url"`
	MakerFeeRate  float64 `yaml:"maker_fee_rate" validate:"required,min=0,max=1"`
	PriceDecimals int32   `yaml:"price_decimals" validate:"min=0,max=18"`
	QtyDecimals   int32   `yaml:"quantity_decimals" validate:"min=0,max=18"`
}

// GridConfig mirrors the grid generator and grid manager's configuration
// surface exactly: support/resistance, spacing inputs, level counts, and
// the position-sizing/regime knobs consumed by the grid manager.
type GridConfig struct {
	Support             float64 `yaml:"support" validate:"required"`
	Resistance          float64 `yaml:"resistance" validate:"required,gtfield=Support"`
	Regime              string  `yaml:"regime" validate:"required,oneof=neutral_range bullish_range bearish_range"`
	GridLayersBuy       int     `yaml:"grid_layers_buy" validate:"required,min=1,max=500"`
	GridLayersSell      int     `yaml:"grid_layers_sell" validate:"required,min=1,max=500"`
	ActiveBuyLevels     int     `yaml:"active_buy_levels" validate:"required,min=1"`
	MinReturn           float64 `yaml:"min_return" validate:"required,min=0"`
	VolatilityK         float64 `yaml:"volatility_k" validate:"min=0"`
	CushionMultiplier   float64 `yaml:"cushion_multiplier" validate:"min=0"`
	EnableMidShift      bool    `yaml:"enable_mid_shift"`
	EnableShortInBearish bool   `yaml:"enable_short_in_bearish"`
	Leverage            float64 `yaml:"leverage" validate:"required,min=1,max=20"`
	RiskBudgetPct       float64 `yaml:"risk_budget_pct" validate:"required,min=0,max=1"`
	InitialCash         float64 `yaml:"initial_cash" validate:"required,min=0"`
	BreakoutBlockThresh float64 `yaml:"breakout_block_threshold" validate:"min=0,max=1"`
}

// SafetyConfig contains the safety gate's tolerances and the risk-control
// circuit-breaker thresholds.
type SafetyConfig struct {
	EpsilonSell         float64 `yaml:"epsilon_sell" validate:"required,min=0,max=1"`
	EpsilonFill         float64 `yaml:"epsilon_fill" validate:"required,min=0,max=1"`
	LeverageBuffer      float64 `yaml:"leverage_buffer" validate:"min=0,max=1"`
	MaxUnrealizedLossPct float64 `yaml:"max_unrealized_loss_pct" validate:"min=0,max=1"`
	MaxInventoryRatio   float64 `yaml:"max_inventory_ratio" validate:"min=0"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel         string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CancelOnExit     bool   `yaml:"cancel_on_exit"`
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds" validate:"min=1,max=3600"`
	TickTimeoutSeconds       int `yaml:"tick_timeout_seconds" validate:"min=1,max=300"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateApp(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExchange(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateGrid(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSafety(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateApp() error {
	if c.App.Symbol == "" {
		return ValidationError{Field: "app.symbol", Message: "symbol is required"}
	}
	if c.App.Mode != "backtest" && c.App.Mode != "live" {
		return ValidationError{Field: "app.mode", Value: c.App.Mode, Message: "must be one of: backtest, live"}
	}
	if c.App.EngineType == "durable" && c.App.DatabaseURL == "" {
		return ValidationError{Field: "app.database_url", Message: "database_url is required when engine_type is durable"}
	}
	return nil
}

func (c *Config) validateExchange() error {
	validKinds := []string{"simulated", "http"}
	if !contains(validKinds, c.Exchange.Kind) {
		return ValidationError{Field: "exchange.kind", Value: c.Exchange.Kind, Message: "must be one of: simulated, http"}
	}
	if c.Exchange.Kind == "http" {
		if c.Exchange.APIKey == "" {
			return ValidationError{Field: "exchange.api_key", Message: "API key is required for the http adapter"}
		}
		if c.Exchange.BaseURL == "" {
			return ValidationError{Field: "exchange.base_url", Message: "base_url is required for the http adapter"}
		}
	}
	return nil
}

func (c *Config) validateGrid() error {
	g := c.Grid
	if g.Support <= 0 || g.Resistance <= 0 {
		return ValidationError{Field: "grid.support/resistance", Message: "support and resistance must be positive"}
	}
	if g.Resistance <= g.Support {
		return ValidationError{Field: "grid.resistance", Value: g.Resistance, Message: "resistance must exceed support"}
	}
	if g.GridLayersBuy <= 0 || g.GridLayersSell <= 0 {
		return ValidationError{Field: "grid.grid_layers_buy/sell", Message: "grid layer counts must be positive"}
	}
	if g.ActiveBuyLevels <= 0 || g.ActiveBuyLevels > g.GridLayersBuy {
		return ValidationError{Field: "grid.active_buy_levels", Value: g.ActiveBuyLevels, Message: "must be positive and no greater than grid_layers_buy"}
	}
	if g.Leverage < 1 {
		return ValidationError{Field: "grid.leverage", Value: g.Leverage, Message: "must be at least 1"}
	}
	return nil
}

func (c *Config) validateSafety() error {
	if c.Safety.EpsilonSell < 0 || c.Safety.EpsilonSell > 1 {
		return ValidationError{Field: "safety.epsilon_sell", Value: c.Safety.EpsilonSell, Message: "must be within [0,1]"}
	}
	if c.Safety.EpsilonFill < 0 || c.Safety.EpsilonFill > 1 {
		return ValidationError{Field: "safety.epsilon_fill", Value: c.Safety.EpsilonFill, Message: "must be within [0,1]"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{Field: "system.log_level", Value: c.System.LogLevel, Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}
	}
	return nil
}

// String returns a string representation of the configuration (with secrets redacted).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing and local runs.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Symbol:     "BTCUSDT",
			Mode:       "backtest",
			EngineType: "simple",
		},
		Exchange: ExchangeConfig{
			Kind:          "simulated",
			MakerFeeRate:  0.001,
			PriceDecimals: 2,
			QtyDecimals:   6,
		},
		Grid: GridConfig{
			Support:         84000,
			Resistance:      94000,
			Regime:          "neutral_range",
			GridLayersBuy:   20,
			GridLayersSell:  20,
			ActiveBuyLevels: 10,
			MinReturn:       0.001,
			VolatilityK:     2.0,
			Leverage:        1,
			RiskBudgetPct:   0.05,
			InitialCash:     10000,
		},
		Safety: SafetyConfig{
			EpsilonSell:    0.05,
			EpsilonFill:    0.05,
			LeverageBuffer: 0.1,
		},
		System: SystemConfig{
			LogLevel:                 "INFO",
			CancelOnExit:             true,
			ReconcileIntervalSeconds: 60,
			TickTimeoutSeconds:       30,
		},
	}
}
