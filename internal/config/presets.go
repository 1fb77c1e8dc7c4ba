package config

import (
	"fmt"
	"strings"
)

// ConservativeScalping builds a low-risk scalping configuration: tight 1%
// target, shallow DCA ladder, slow cycle pacing.
func ConservativeScalping(pair string, budget float64) *BotConfig {
	if budget <= 0 {
		budget = 30.0
	}
	config := DefaultConfig()

	config.Trading.Pair = pair
	config.Trading.BudgetPerTrade = budget
	config.Trading.TargetProfitPercent = 1.0
	config.Trading.MaxTradesPerSession = 50
	config.Trading.Strategy = StrategyScalping
	config.Trading.RiskLevel = RiskConservative
	config.Trading.StopLossPercent = 3.0

	config.Security.MaxDailyLossPercent = 5.0
	config.Security.MinWinRatePercent = 40.0
	config.Security.MaxConsecutiveFailures = 3
	config.Security.MaxDrawdownPercent = 15.0

	config.DCA.Level1.TriggerPercent = -1.5
	config.DCA.Level2.TriggerPercent = -3.0
	config.DCA.Level3.TriggerPercent = -5.0
	config.DCA.MaxTotalDCATrades = 3

	config.Performance.SleepBetweenCycles = 2.0
	config.Performance.MaxSessionDurationMinutes = 240

	config.Metadata.Description = fmt.Sprintf("Conservative scalping for %s", pair)
	return config
}

// AggressiveScalping builds a high-frequency configuration with relaxed loss
// limits and a deep DCA ladder.
func AggressiveScalping(pair string, budget float64) *BotConfig {
	if budget <= 0 {
		budget = 100.0
	}
	config := DefaultConfig()

	config.Trading.Pair = pair
	config.Trading.BudgetPerTrade = budget
	config.Trading.TargetProfitPercent = 3.0
	config.Trading.MaxTradesPerSession = 200
	config.Trading.Strategy = StrategyScalping
	config.Trading.RiskLevel = RiskAggressive
	config.Trading.StopLossPercent = 8.0

	config.Security.MaxDailyLossPercent = 15.0
	config.Security.MinWinRatePercent = 25.0
	config.Security.MaxConsecutiveFailures = 8
	config.Security.MaxDrawdownPercent = 35.0

	config.DCA.Level1.TriggerPercent = -3.0
	config.DCA.Level2.TriggerPercent = -7.0
	config.DCA.Level3.TriggerPercent = -12.0
	config.DCA.MaxTotalDCATrades = 7

	config.Performance.SleepBetweenCycles = 0.5
	config.Performance.MaxSessionDurationMinutes = 720

	config.Metadata.Description = fmt.Sprintf("Aggressive scalping for %s", pair)
	return config
}

// ModerateSwing builds a slower swing-trading configuration with wider
// targets and a long session ceiling.
func ModerateSwing(pair string, budget float64) *BotConfig {
	if budget <= 0 {
		budget = 75.0
	}
	config := DefaultConfig()

	config.Trading.Pair = pair
	config.Trading.BudgetPerTrade = budget
	config.Trading.TargetProfitPercent = 5.0
	config.Trading.MaxTradesPerSession = 20
	config.Trading.Strategy = StrategySwing
	config.Trading.RiskLevel = RiskModerate
	config.Trading.StopLossPercent = 10.0

	config.Security.MaxDailyLossPercent = 10.0
	config.Security.MinWinRatePercent = 35.0
	config.Security.MaxConsecutiveFailures = 5
	config.Security.MaxDrawdownPercent = 25.0

	config.DCA.Level1.TriggerPercent = -4.0
	config.DCA.Level2.TriggerPercent = -8.0
	config.DCA.Level3.TriggerPercent = -15.0
	config.DCA.MaxTotalDCATrades = 5

	config.Performance.SleepBetweenCycles = 5.0
	config.Performance.MaxSessionDurationMinutes = 1440

	config.Metadata.Description = fmt.Sprintf("Moderate swing trading for %s", pair)
	return config
}

// PresetByName builds a configuration from a preset name.
func PresetByName(name, pair string, budget float64) (*BotConfig, error) {
	switch strings.ToLower(name) {
	case "conservative":
		return ConservativeScalping(pair, budget), nil
	case "aggressive":
		return AggressiveScalping(pair, budget), nil
	case "moderate":
		return ModerateSwing(pair, budget), nil
	default:
		return nil, fmt.Errorf("unknown preset %q, available: %s", name, strings.Join(ListPresets(), ", "))
	}
}

// ListPresets returns the available preset names.
func ListPresets() []string {
	return []string{"conservative", "aggressive", "moderate"}
}
