// Package config handles bot configuration with composite validation and presets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Strategy identifies the trading style a bot runs.
type Strategy string

const (
	StrategyScalping Strategy = "scalping"
	StrategySwing    Strategy = "swing"
	StrategyHodl     Strategy = "hodl"
	StrategyDCAOnly  Strategy = "dca_only"
)

// RiskLevel identifies how aggressive a configuration is.
type RiskLevel string

const (
	RiskConservative RiskLevel = "conservative"
	RiskModerate     RiskLevel = "moderate"
	RiskAggressive   RiskLevel = "aggressive"
	RiskCustom       RiskLevel = "custom"
)

// BotConfig is the complete configuration for one trading bot.
type BotConfig struct {
	Trading     TradingConfig     `yaml:"trading" json:"trading"`
	Security    SecurityConfig    `yaml:"security" json:"security"`
	DCA         DCAConfig         `yaml:"dca" json:"dca"`
	Performance PerformanceConfig `yaml:"performance" json:"performance"`
	Metadata    Metadata          `yaml:"metadata" json:"metadata"`
}

// TradingConfig contains the core trading parameters.
type TradingConfig struct {
	Pair                     string    `yaml:"pair" json:"pair"`
	BudgetPerTrade           float64   `yaml:"budget_per_trade" json:"budget_per_trade"`
	TargetProfitPercent      float64   `yaml:"target_profit_percent" json:"target_profit_percent"`
	StopLossPercent          float64   `yaml:"stop_loss_percent" json:"stop_loss_percent"`
	MaxTradesPerSession      int       `yaml:"max_trades_per_session" json:"max_trades_per_session"`
	Strategy                 Strategy  `yaml:"strategy" json:"strategy"`
	RiskLevel                RiskLevel `yaml:"risk_level" json:"risk_level"`
	TrailingStopEnabled      bool      `yaml:"trailing_stop_enabled" json:"trailing_stop_enabled"`
	TrailingStopPercent      float64   `yaml:"trailing_stop_percent" json:"trailing_stop_percent"`
	EntryStrategy            string    `yaml:"entry_strategy" json:"entry_strategy"`
	ExitStrategy             string    `yaml:"exit_strategy" json:"exit_strategy"`
	SlippageTolerancePercent float64   `yaml:"slippage_tolerance_percent" json:"slippage_tolerance_percent"`
	// ExitFeePercent is the flat fee rate assumed on the gross sale value.
	ExitFeePercent float64 `yaml:"exit_fee_percent" json:"exit_fee_percent"`
}

// SecurityConfig contains loss limits and API safety settings.
type SecurityConfig struct {
	MaxConsecutiveFailures    int     `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
	FailureCooldownMinutes    int     `yaml:"failure_cooldown_minutes" json:"failure_cooldown_minutes"`
	ExponentialBackoffEnabled bool    `yaml:"exponential_backoff_enabled" json:"exponential_backoff_enabled"`
	MaxDailyLossPercent       float64 `yaml:"max_daily_loss_percent" json:"max_daily_loss_percent"`
	MinWinRatePercent         float64 `yaml:"min_win_rate_percent" json:"min_win_rate_percent"`
	MaxDrawdownPercent        float64 `yaml:"max_drawdown_percent" json:"max_drawdown_percent"`
	MaxPositionSizePercent    float64 `yaml:"max_position_size_percent" json:"max_position_size_percent"`
	MinTradeAmount            float64 `yaml:"min_trade_amount" json:"min_trade_amount"`
	MaxTradeAmount            float64 `yaml:"max_trade_amount" json:"max_trade_amount"`
	MaxAPICallsPerMinute      int     `yaml:"max_api_calls_per_minute" json:"max_api_calls_per_minute"`
	APITimeoutSeconds         int     `yaml:"api_timeout_seconds" json:"api_timeout_seconds"`
	RetryAttempts             int     `yaml:"retry_attempts" json:"retry_attempts"`
}

// DCALevel is one rung of the averaging-down ladder.
type DCALevel struct {
	TriggerPercent float64 `yaml:"trigger_percent" json:"trigger_percent"`
	Multiplier     float64 `yaml:"multiplier" json:"multiplier"`
	MaxTrades      int     `yaml:"max_trades" json:"max_trades"`
}

// DCAConfig contains the three-level averaging-down ladder. Level 3 is the
// terminal rung: with Action "stop_loss" the position is closed instead of
// averaged further.
type DCAConfig struct {
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	Level1            DCALevel `yaml:"level1" json:"level1"`
	Level2            DCALevel `yaml:"level2" json:"level2"`
	Level3            DCALevel `yaml:"level3" json:"level3"`
	Level3Action      string   `yaml:"level3_action" json:"level3_action"`
	MaxTotalDCATrades int      `yaml:"max_total_dca_trades" json:"max_total_dca_trades"`
	CooldownMinutes   int      `yaml:"cooldown_minutes" json:"cooldown_minutes"`
}

// PerformanceConfig contains pacing, session and resource settings.
type PerformanceConfig struct {
	SleepBetweenCycles        float64 `yaml:"sleep_between_cycles" json:"sleep_between_cycles"`
	OrderTimeoutSeconds       int     `yaml:"order_timeout_seconds" json:"order_timeout_seconds"`
	PriceUpdateInterval       int     `yaml:"price_update_interval" json:"price_update_interval"`
	MaxSessionDurationMinutes int     `yaml:"max_session_duration_minutes" json:"max_session_duration_minutes"`
	AutoRestartOnError        bool    `yaml:"auto_restart_on_error" json:"auto_restart_on_error"`
	GracefulShutdownTimeout   int     `yaml:"graceful_shutdown_timeout" json:"graceful_shutdown_timeout"`
	MetricsPort               int     `yaml:"metrics_port" json:"metrics_port"`
	LogRotationSizeMB         int     `yaml:"log_rotation_size_mb" json:"log_rotation_size_mb"`
	CleanupOldLogsDays        int     `yaml:"cleanup_old_logs_days" json:"cleanup_old_logs_days"`
}

// Metadata carries provenance for a stored configuration.
type Metadata struct {
	ConfigVersion string    `yaml:"config_version" json:"config_version"`
	CreatedAt     time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt     time.Time `yaml:"updated_at" json:"updated_at"`
	CreatedBy     string    `yaml:"created_by" json:"created_by"`
	Description   string    `yaml:"description" json:"description"`
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

// DefaultConfig returns a configuration with moderate defaults and no pair set.
func DefaultConfig() *BotConfig {
	now := time.Now().UTC()
	return &BotConfig{
		Trading: TradingConfig{
			BudgetPerTrade:           50.0,
			TargetProfitPercent:      2.5,
			StopLossPercent:          5.0,
			MaxTradesPerSession:      100,
			Strategy:                 StrategyScalping,
			RiskLevel:                RiskModerate,
			TrailingStopPercent:      1.0,
			EntryStrategy:            "market",
			ExitStrategy:             "market",
			SlippageTolerancePercent: 0.1,
			ExitFeePercent:           0.2,
		},
		Security: SecurityConfig{
			MaxConsecutiveFailures:    5,
			FailureCooldownMinutes:    10,
			ExponentialBackoffEnabled: true,
			MaxDailyLossPercent:       10.0,
			MinWinRatePercent:         30.0,
			MaxDrawdownPercent:        25.0,
			MaxPositionSizePercent:    20.0,
			MinTradeAmount:            10.0,
			MaxTradeAmount:            1000.0,
			MaxAPICallsPerMinute:      100,
			APITimeoutSeconds:         10,
			RetryAttempts:             3,
		},
		DCA: DCAConfig{
			Enabled:           true,
			Level1:            DCALevel{TriggerPercent: -2.0, Multiplier: 2.0, MaxTrades: 3},
			Level2:            DCALevel{TriggerPercent: -5.0, Multiplier: 3.0, MaxTrades: 2},
			Level3:            DCALevel{TriggerPercent: -10.0, Multiplier: 0.0, MaxTrades: 0},
			Level3Action:      "stop_loss",
			MaxTotalDCATrades: 5,
			CooldownMinutes:   5,
		},
		Performance: PerformanceConfig{
			SleepBetweenCycles:        1.0,
			OrderTimeoutSeconds:       30,
			PriceUpdateInterval:       5,
			MaxSessionDurationMinutes: 480,
			AutoRestartOnError:        true,
			GracefulShutdownTimeout:   60,
			LogRotationSizeMB:         10,
			CleanupOldLogsDays:        7,
		},
		Metadata: Metadata{
			ConfigVersion: "1.0.0",
			CreatedAt:     now,
			UpdatedAt:     now,
			CreatedBy:     "scalper",
		},
	}
}

func (t *TradingConfig) validate() []string {
	var errors []string
	if t.Pair == "" {
		errors = append(errors, "pair is required")
	}
	if t.BudgetPerTrade <= 0 {
		errors = append(errors, "budget_per_trade must be > 0")
	}
	if t.TargetProfitPercent < 0.1 || t.TargetProfitPercent > 50 {
		errors = append(errors, "target_profit_percent must be between 0.1% and 50%")
	}
	if t.MaxTradesPerSession < 1 {
		errors = append(errors, "max_trades_per_session must be >= 1")
	}
	if t.ExitFeePercent < 0 || t.ExitFeePercent > 1 {
		errors = append(errors, "exit_fee_percent must be between 0% and 1%")
	}
	return errors
}

func (s *SecurityConfig) validate() []string {
	var errors []string
	if s.MaxConsecutiveFailures < 1 {
		errors = append(errors, "max_consecutive_failures must be >= 1")
	}
	if s.MaxDailyLossPercent < 0.1 || s.MaxDailyLossPercent > 50 {
		errors = append(errors, "max_daily_loss_percent must be between 0.1% and 50%")
	}
	if s.MinWinRatePercent < 1 || s.MinWinRatePercent > 100 {
		errors = append(errors, "min_win_rate_percent must be between 1% and 100%")
	}
	if s.MinTradeAmount >= s.MaxTradeAmount {
		errors = append(errors, "min_trade_amount must be < max_trade_amount")
	}
	return errors
}

func (d *DCAConfig) validate() []string {
	var errors []string
	if d.Level1.TriggerPercent >= 0 {
		errors = append(errors, "level1.trigger_percent must be negative")
	}
	if d.Level2.TriggerPercent >= d.Level1.TriggerPercent {
		errors = append(errors, "level2.trigger_percent must be below level1")
	}
	if d.Level3.TriggerPercent >= d.Level2.TriggerPercent {
		errors = append(errors, "level3.trigger_percent must be below level2")
	}
	if d.MaxTotalDCATrades < 1 {
		errors = append(errors, "max_total_dca_trades must be >= 1")
	}
	return errors
}

func (p *PerformanceConfig) validate() []string {
	var errors []string
	if p.SleepBetweenCycles < 0.1 || p.SleepBetweenCycles > 60 {
		errors = append(errors, "sleep_between_cycles must be between 0.1 and 60 seconds")
	}
	if p.MaxSessionDurationMinutes < 10 {
		errors = append(errors, "max_session_duration_minutes must be >= 10")
	}
	return errors
}

// Validate runs every section validator plus the cross-section checks and
// returns the failures keyed by section. An empty map means the config is valid.
func (c *BotConfig) Validate() map[string][]string {
	results := make(map[string][]string)
	if errs := c.Trading.validate(); len(errs) > 0 {
		results["trading"] = errs
	}
	if errs := c.Security.validate(); len(errs) > 0 {
		results["security"] = errs
	}
	if errs := c.DCA.validate(); len(errs) > 0 {
		results["dca"] = errs
	}
	if errs := c.Performance.validate(); len(errs) > 0 {
		results["performance"] = errs
	}

	var cross []string
	if c.Trading.StopLossPercent <= c.Trading.TargetProfitPercent {
		cross = append(cross, "stop_loss_percent must be > target_profit_percent")
	}
	if c.Security.MaxTradeAmount < c.Trading.BudgetPerTrade {
		cross = append(cross, "security.max_trade_amount must be >= trading.budget_per_trade")
	}
	if len(cross) > 0 {
		results["cross_validation"] = cross
	}

	return results
}

// IsValid reports whether Validate found no errors.
func (c *BotConfig) IsValid() bool {
	return len(c.Validate()) == 0
}

// Err flattens the validation results into a single error, or nil when valid.
func (c *BotConfig) Err() error {
	results := c.Validate()
	if len(results) == 0 {
		return nil
	}
	var parts []string
	for section, errs := range results {
		parts = append(parts, fmt.Sprintf("%s: %s", section, strings.Join(errs, "; ")))
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(parts, " | "))
}

// SaveToFile writes the configuration as indented JSON, updating UpdatedAt.
func (c *BotConfig) SaveToFile(path string) error {
	c.Metadata.UpdatedAt = time.Now().UTC()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadFromFile reads a JSON configuration written by SaveToFile.
func LoadFromFile(path string) (*BotConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// LoadConfig loads a YAML configuration with environment variable expansion
// and validates it before returning.
func LoadConfig(filename string) (*BotConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Err(); err != nil {
		return nil, err
	}
	return config, nil
}

// String returns the configuration as YAML for logging.
func (c *BotConfig) String() string {
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

// isCriticalEnvVar checks if an environment variable is critical for operation
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		"GATE_API_KEY", "GATE_SECRET_KEY",
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

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
