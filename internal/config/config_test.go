package config

import (
	"encoding/json"
	"os"
	"path/filepath"
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
			input: "static_value: 123\npair: ${TEST_PAIR}",
			envVars: map[string]string{
				"TEST_PAIR": "BTC_USDT",
			},
			expected: "static_value: 123\npair: BTC_USDT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.expected, expandEnvVars(tt.input))
		})
	}
}

func TestDefaultConfig_InvalidWithoutPair(t *testing.T) {
	config := DefaultConfig()

	results := config.Validate()
	require.Contains(t, results, "trading")
	assert.Contains(t, results["trading"], "pair is required")

	config.Trading.Pair = "BTC_USDT"
	assert.True(t, config.IsValid())
	assert.NoError(t, config.Err())
}

func TestValidate_SectionErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *BotConfig)
		section string
	}{
		{
			name:    "zero budget",
			mutate:  func(c *BotConfig) { c.Trading.BudgetPerTrade = 0 },
			section: "trading",
		},
		{
			name:    "target profit out of range",
			mutate:  func(c *BotConfig) { c.Trading.TargetProfitPercent = 80 },
			section: "trading",
		},
		{
			name:    "min trade above max trade",
			mutate:  func(c *BotConfig) { c.Security.MinTradeAmount = 2000 },
			section: "security",
		},
		{
			name:    "positive dca trigger",
			mutate:  func(c *BotConfig) { c.DCA.Level1.TriggerPercent = 1.0 },
			section: "dca",
		},
		{
			name:    "non monotonic dca ladder",
			mutate:  func(c *BotConfig) { c.DCA.Level2.TriggerPercent = -1.0 },
			section: "dca",
		},
		{
			name:    "cycle sleep too fast",
			mutate:  func(c *BotConfig) { c.Performance.SleepBetweenCycles = 0.01 },
			section: "performance",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.Trading.Pair = "BTC_USDT"
			tt.mutate(config)

			results := config.Validate()
			assert.Contains(t, results, tt.section)
			assert.Error(t, config.Err())
		})
	}
}

func TestValidate_CrossSection(t *testing.T) {
	config := DefaultConfig()
	config.Trading.Pair = "BTC_USDT"

	config.Trading.StopLossPercent = 2.0
	config.Trading.TargetProfitPercent = 2.5
	results := config.Validate()
	require.Contains(t, results, "cross_validation")
	assert.Contains(t, results["cross_validation"], "stop_loss_percent must be > target_profit_percent")

	config = DefaultConfig()
	config.Trading.Pair = "BTC_USDT"
	config.Trading.BudgetPerTrade = 5000
	results = config.Validate()
	require.Contains(t, results, "cross_validation")
	assert.Contains(t, results["cross_validation"], "security.max_trade_amount must be >= trading.budget_per_trade")
}

func TestPresets(t *testing.T) {
	tests := []struct {
		name          string
		target        float64
		stopLoss      float64
		maxDailyLoss  float64
		minWinRate    float64
		level1        float64
		level2        float64
		level3        float64
		maxDCA        int
		cycleSleep    float64
		defaultBudget float64
		strategy      Strategy
		risk          RiskLevel
	}{
		{
			name: "conservative", target: 1.0, stopLoss: 3.0,
			maxDailyLoss: 5.0, minWinRate: 40.0,
			level1: -1.5, level2: -3.0, level3: -5.0, maxDCA: 3,
			cycleSleep: 2.0, defaultBudget: 30.0,
			strategy: StrategyScalping, risk: RiskConservative,
		},
		{
			name: "aggressive", target: 3.0, stopLoss: 8.0,
			maxDailyLoss: 15.0, minWinRate: 25.0,
			level1: -3.0, level2: -7.0, level3: -12.0, maxDCA: 7,
			cycleSleep: 0.5, defaultBudget: 100.0,
			strategy: StrategyScalping, risk: RiskAggressive,
		},
		{
			name: "moderate", target: 5.0, stopLoss: 10.0,
			maxDailyLoss: 10.0, minWinRate: 35.0,
			level1: -4.0, level2: -8.0, level3: -15.0, maxDCA: 5,
			cycleSleep: 5.0, defaultBudget: 75.0,
			strategy: StrategySwing, risk: RiskModerate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := PresetByName(tt.name, "XNY_USDT", 50.0)
			require.NoError(t, err)

			assert.Equal(t, "XNY_USDT", config.Trading.Pair)
			assert.Equal(t, 50.0, config.Trading.BudgetPerTrade)
			assert.Equal(t, tt.target, config.Trading.TargetProfitPercent)
			assert.Equal(t, tt.stopLoss, config.Trading.StopLossPercent)
			assert.Equal(t, tt.strategy, config.Trading.Strategy)
			assert.Equal(t, tt.risk, config.Trading.RiskLevel)
			assert.Equal(t, tt.maxDailyLoss, config.Security.MaxDailyLossPercent)
			assert.Equal(t, tt.minWinRate, config.Security.MinWinRatePercent)
			assert.Equal(t, tt.level1, config.DCA.Level1.TriggerPercent)
			assert.Equal(t, tt.level2, config.DCA.Level2.TriggerPercent)
			assert.Equal(t, tt.level3, config.DCA.Level3.TriggerPercent)
			assert.Equal(t, tt.maxDCA, config.DCA.MaxTotalDCATrades)
			assert.Equal(t, tt.cycleSleep, config.Performance.SleepBetweenCycles)

			assert.True(t, config.IsValid(), "presets must validate clean")

			// Zero budget falls back to the preset default.
			withDefault, err := PresetByName(tt.name, "XNY_USDT", 0)
			require.NoError(t, err)
			assert.Equal(t, tt.defaultBudget, withDefault.Trading.BudgetPerTrade)
		})
	}
}

func TestPresetByName_Unknown(t *testing.T) {
	_, err := PresetByName("reckless", "BTC_USDT", 50)
	assert.Error(t, err)
	assert.ElementsMatch(t, []string{"conservative", "aggressive", "moderate"}, ListPresets())
}

func TestConfig_JSONRoundTrip(t *testing.T) {
	original := AggressiveScalping("ETH_USDT", 120.0)

	data, err := json.Marshal(original)
	require.NoError(t, err)

	// Enums serialize as their value strings.
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	trading := raw["trading"].(map[string]any)
	assert.Equal(t, "scalping", trading["strategy"])
	assert.Equal(t, "aggressive", trading["risk_level"])

	var restored BotConfig
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, original.Trading, restored.Trading)
	assert.Equal(t, original.Security, restored.Security)
	assert.Equal(t, original.DCA, restored.DCA)
	assert.Equal(t, original.Performance, restored.Performance)
}

func TestConfig_SaveAndLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "configs", "btc.json")

	original := ConservativeScalping("BTC_USDT", 40.0)
	require.NoError(t, original.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, original.Trading, loaded.Trading)
	assert.Equal(t, original.DCA, loaded.DCA)
	assert.False(t, original.Metadata.UpdatedAt.IsZero())
}

func TestLoadConfig_YAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_SCALPER_PAIR", "SOL_USDT")

	yamlDoc := `
trading:
  pair: ${TEST_SCALPER_PAIR}
  budget_per_trade: 25.0
  target_profit_percent: 1.5
  stop_loss_percent: 4.0
performance:
  sleep_between_cycles: 2.5
`
	path := filepath.Join(t.TempDir(), "bot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "SOL_USDT", config.Trading.Pair)
	assert.Equal(t, 25.0, config.Trading.BudgetPerTrade)
	assert.Equal(t, 2.5, config.Performance.SleepBetweenCycles)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, config.DCA.MaxTotalDCATrades)
}

func TestLoadConfig_InvalidRejected(t *testing.T) {
	yamlDoc := `
trading:
  pair: BTC_USDT
  budget_per_trade: 50.0
  target_profit_percent: 6.0
  stop_loss_percent: 2.0
`
	path := filepath.Join(t.TempDir(), "bot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cross_validation")
}

func TestMaskString(t *testing.T) {
	assert.Equal(t, "********", maskString("short123"))
	assert.Equal(t, "abcd********wxyz", maskString("abcdefghijklwxyz"))
}
