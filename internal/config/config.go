// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"gridtrader/internal/logging"
)

// Config represents the complete configuration structure
type Config struct {
	App           AppConfig                 `yaml:"app"`
	Exchanges     map[string]ExchangeConfig `yaml:"exchanges"`
	Grids         []GridConfig              `yaml:"grids"`
	RiskControl   RiskControlConfig         `yaml:"risk_control"`
	Webhook       WebhookConfig             `yaml:"webhook"`
	Concurrency   ConcurrencyConfig         `yaml:"concurrency"`
	Telemetry     TelemetryConfig           `yaml:"telemetry"`
	Notifications NotificationConfig        `yaml:"notifications"`
}

// NotificationConfig carries outbound alert.AlertManager channel settings
// for the kill-switch notification fanout; any field left empty disables
// that channel.
type NotificationConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// AppConfig contains process-level bind addresses and the active exchange.
type AppConfig struct {
	LogLevel        string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	HTTPAddr        string `yaml:"http_addr"`     // e.g. ":8080"
	CurrentExchange string `yaml:"current_exchange" validate:"required"`
	StoreDSN        string `yaml:"store_dsn"` // empty activates the null store
	Testnet         bool   `yaml:"testnet"`
}

// ExchangeConfig contains exchange-specific credentials. An empty APIKey
// activates the mock exchange per §6: "Absence of exchange keys activates a
// mock exchange that synthesizes deterministic price walks for test."
type ExchangeConfig struct {
	APIKey    Secret `yaml:"api_key"`
	SecretKey Secret `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"`
	FeeBps    float64 `yaml:"fee_bps" validate:"min=0,max=1000"`
}

// GridConfig is the YAML-serializable form of core.GridParameters read
// straight from the deploy-time config (§3 data model).
type GridConfig struct {
	Symbol           string  `yaml:"symbol" validate:"required"`
	LowerPrice       float64 `yaml:"lower_price" validate:"required,gt=0"`
	UpperPrice       float64 `yaml:"upper_price" validate:"required,gt=0"`
	GridCount        int     `yaml:"grid_count" validate:"required,min=2"`
	TotalInvestment  float64 `yaml:"total_investment" validate:"required,gt=0"`
	StopLoss         *float64 `yaml:"stop_loss,omitempty"`
	TakeProfit       *float64 `yaml:"take_profit,omitempty"`
	BTCFilterEnabled bool    `yaml:"btc_filter_enabled"`
}

// ToDecimal converts this YAML grid config into decimal-backed values
// consumed by internal/core.GridParameters.
func (g GridConfig) ToDecimal() (symbol string, lower, upper, totalInvestment decimal.Decimal, gridCount int, stopLoss, takeProfit *decimal.Decimal) {
	lower = decimal.NewFromFloat(g.LowerPrice)
	upper = decimal.NewFromFloat(g.UpperPrice)
	totalInvestment = decimal.NewFromFloat(g.TotalInvestment)
	if g.StopLoss != nil {
		v := decimal.NewFromFloat(*g.StopLoss)
		stopLoss = &v
	}
	if g.TakeProfit != nil {
		v := decimal.NewFromFloat(*g.TakeProfit)
		takeProfit = &v
	}
	return g.Symbol, lower, upper, totalInvestment, g.GridCount, stopLoss, takeProfit
}

// RiskControlConfig contains RiskSupervisor tunables (§4.2).
type RiskControlConfig struct {
	PriceWindowSize     int     `yaml:"price_window_size" validate:"min=10,max=10000"`   // W, default 100
	VolatilityThreshold float64 `yaml:"volatility_threshold" validate:"min=0"`            // V_THRESH, default 5.0
	VolatilityBreakerCount int  `yaml:"volatility_breaker_count" validate:"min=1"`        // VB_COUNT, default 2
	MaxDrawdownPct      float64 `yaml:"max_drawdown_pct" validate:"min=0,max=100"`        // default 30
	MaxAPIErrorPct      float64 `yaml:"max_api_error_pct" validate:"min=0,max=100"`       // default 2.0
	MaxPositionPct      float64 `yaml:"max_position_pct" validate:"min=0,max=100"`        // single-symbol exposure cap
	EquityPollInterval  time.Duration `yaml:"equity_poll_interval"`                       // default 60s
}

// WebhookConfig contains AlertRouter settings (§4.4).
type WebhookConfig struct {
	Secret          Secret `yaml:"secret"`
	AlertHistorySize int   `yaml:"alert_history_size" validate:"min=1,max=100000"` // default 500
}

// ConcurrencyConfig contains worker pool and rate-limit settings.
type ConcurrencyConfig struct {
	PlacementPoolSize int     `yaml:"placement_pool_size" validate:"min=1,max=1000"` // concurrent order placement within a tick
	ExchangeRateLimit float64 `yaml:"exchange_rate_limit" validate:"min=0.1"`        // token-bucket rate, req/s
	ExchangeBurst     int     `yaml:"exchange_burst" validate:"min=1"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error.
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

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAppConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateGrids(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRiskControlConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateAppConfig() error {
	if _, err := logging.ParseLevel(c.App.LogLevel); err != nil {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: "must be one of: DEBUG, INFO, WARN, ERROR, FATAL",
		}
	}

	if c.App.CurrentExchange != "mock" {
		if _, exists := c.Exchanges[c.App.CurrentExchange]; !exists {
			return ValidationError{
				Field:   "app.current_exchange",
				Value:   c.App.CurrentExchange,
				Message: "exchange configuration not found in exchanges section",
			}
		}
	}

	return nil
}

func (c *Config) validateGrids() error {
	seen := make(map[string]bool)
	for _, g := range c.Grids {
		if g.Symbol == "" {
			return ValidationError{Field: "grids[].symbol", Message: "symbol is required"}
		}
		if seen[g.Symbol] {
			return ValidationError{Field: "grids[].symbol", Value: g.Symbol, Message: "duplicate symbol"}
		}
		seen[g.Symbol] = true
		if g.UpperPrice <= g.LowerPrice {
			return ValidationError{Field: "grids[].upper_price", Value: g.Symbol, Message: "upper_price must be > lower_price"}
		}
		if g.GridCount < 2 {
			return ValidationError{Field: "grids[].grid_count", Value: g.Symbol, Message: "grid_count must be >= 2"}
		}
		if g.TotalInvestment <= 0 {
			return ValidationError{Field: "grids[].total_investment", Value: g.Symbol, Message: "total_investment must be > 0"}
		}
	}
	return nil
}

func (c *Config) validateRiskControlConfig() error {
	if c.RiskControl.PriceWindowSize < 0 {
		return ValidationError{Field: "risk_control.price_window_size", Message: "must be non-negative"}
	}
	return nil
}

// GetCurrentExchangeConfig returns the configuration for the currently selected exchange.
func (c *Config) GetCurrentExchangeConfig() (*ExchangeConfig, error) {
	exchange, exists := c.Exchanges[c.App.CurrentExchange]
	if !exists {
		return nil, fmt.Errorf("exchange configuration not found for: %s", c.App.CurrentExchange)
	}
	return &exchange, nil
}

// String returns a string representation of the configuration with secrets redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable is critical for operation.
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		"BINANCE_API_KEY", "BINANCE_SECRET_KEY",
		"OKX_API_KEY", "OKX_SECRET_KEY", "OKX_PASSPHRASE",
		"BYBIT_API_KEY", "BYBIT_SECRET_KEY",
	}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			LogLevel:        "INFO",
			HTTPAddr:        ":8080",
			CurrentExchange: "mock",
			Testnet:         true,
		},
		Exchanges: map[string]ExchangeConfig{},
		Grids: []GridConfig{
			{
				Symbol:          "BTCUSDT",
				LowerPrice:      95500,
				UpperPrice:      99000,
				GridCount:       12,
				TotalInvestment: 25000,
			},
		},
		RiskControl: RiskControlConfig{
			PriceWindowSize:        100,
			VolatilityThreshold:    5.0,
			VolatilityBreakerCount: 2,
			MaxDrawdownPct:         30,
			MaxAPIErrorPct:         2.0,
			MaxPositionPct:         50,
			EquityPollInterval:     60 * time.Second,
		},
		Webhook: WebhookConfig{
			AlertHistorySize: 500,
		},
		Concurrency: ConcurrencyConfig{
			PlacementPoolSize: 10,
			ExchangeRateLimit: 10,
			ExchangeBurst:     20,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
