package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "static_value: 123\napi_key: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "static_value: 123\napi_key: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `app:
  log_level: "INFO"
  http_addr: ":8080"
  current_exchange: "binance"

exchanges:
  binance:
    api_key: "${TEST_BINANCE_API_KEY}"
    secret_key: "${TEST_BINANCE_SECRET_KEY}"
    fee_bps: 2.0

grids:
  - symbol: "BTCUSDT"
    lower_price: 95500
    upper_price: 99000
    grid_count: 12
    total_investment: 25000

risk_control:
  price_window_size: 100
  volatility_threshold: 5.0
  volatility_breaker_count: 2
  max_drawdown_pct: 30
  max_api_error_pct: 2.0
  max_position_pct: 50
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_BINANCE_API_KEY", "test_api_key_from_env")
	os.Setenv("TEST_BINANCE_SECRET_KEY", "test_secret_key_from_env")
	defer os.Unsetenv("TEST_BINANCE_API_KEY")
	defer os.Unsetenv("TEST_BINANCE_SECRET_KEY")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	binanceConfig := cfg.Exchanges["binance"]
	assert.Equal(t, Secret("test_api_key_from_env"), binanceConfig.APIKey)
	assert.Equal(t, Secret("test_secret_key_from_env"), binanceConfig.SecretKey)
	require.Len(t, cfg.Grids, 1)
	assert.Equal(t, "BTCUSDT", cfg.Grids[0].Symbol)
}

func TestIsCriticalEnvVar(t *testing.T) {
	tests := []struct {
		name     string
		envVar   string
		expected bool
	}{
		{"binance api key is critical", "BINANCE_API_KEY", true},
		{"binance secret is critical", "BINANCE_SECRET_KEY", true},
		{"okx api key is critical", "OKX_API_KEY", true},
		{"okx secret is critical", "OKX_SECRET_KEY", true},
		{"okx passphrase is critical", "OKX_PASSPHRASE", true},
		{"bybit api key is critical", "BYBIT_API_KEY", true},
		{"bybit secret is critical", "BYBIT_SECRET_KEY", true},
		{"random var is not critical", "RANDOM_VAR", false},
		{"empty var is not critical", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isCriticalEnvVar(tt.envVar)
			assert.Equal(t, tt.expected, result, "isCriticalEnvVar(%q)", tt.envVar)
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := &Config{
		Exchanges: map[string]ExchangeConfig{
			"test": {
				APIKey:    Secret("my_super_secret_api_key"),
				SecretKey: Secret("my_super_secret_secret_key"),
			},
		},
	}
	output := cfg.String()

	assert.Contains(t, output, "REDACTED")
	assert.NotContains(t, output, "my_super_secret_api_key")
	assert.NotContains(t, output, "my_super_secret_secret_key")
}

func TestConfig_ValidateGrids(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchanges = map[string]ExchangeConfig{}
	cfg.App.CurrentExchange = "mock"
	require.NoError(t, cfg.Validate())

	cfg.Grids = append(cfg.Grids, GridConfig{Symbol: "BTCUSDT", LowerPrice: 100, UpperPrice: 200, GridCount: 2, TotalInvestment: 10})
	require.Error(t, cfg.Validate(), "duplicate symbol should fail validation")
}

func TestConfig_GetCurrentExchangeConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.CurrentExchange = "mock"
	_, err := cfg.GetCurrentExchangeConfig()
	require.Error(t, err, "mock exchange has no entry in Exchanges map")

	cfg.Exchanges["binance"] = ExchangeConfig{APIKey: "k", SecretKey: "s"}
	cfg.App.CurrentExchange = "binance"
	ec, err := cfg.GetCurrentExchangeConfig()
	require.NoError(t, err)
	assert.Equal(t, Secret("k"), ec.APIKey)
}
