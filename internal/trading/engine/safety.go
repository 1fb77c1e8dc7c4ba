package engine

import (
	"fmt"
	"sync"
	"time"

	"scalper/internal/config"
)

// minTradesForWinRate is how many closed trades the win-rate check needs
// before it can deny.
const minTradesForWinRate = 5

// SafetySystem tracks daily realized P&L and a rolling win rate, and denies
// further trading when either loss limit is breached. Counters reset on a
// new UTC day.
type SafetySystem struct {
	mu           sync.Mutex
	day          time.Time
	dailyPnl     float64
	trades       []float64
	maxDailyLoss float64
	minWinRate   float64

	now func() time.Time
}

// NewSafetySystem builds a safety system. maxDailyLoss is an absolute quote
// amount; minWinRate is a percentage.
func NewSafetySystem(maxDailyLoss, minWinRate float64) *SafetySystem {
	s := &SafetySystem{
		maxDailyLoss: maxDailyLoss,
		minWinRate:   minWinRate,
		now:          time.Now,
	}
	s.day = s.today()
	return s
}

// NewSafetySystemFromConfig scales the configured daily-loss percentage to an
// absolute quote amount against the per-trade budget. Realized P&L is recorded
// in quote units, so the limit must be too.
func NewSafetySystemFromConfig(cfg *config.BotConfig) *SafetySystem {
	maxLoss := cfg.Security.MaxDailyLossPercent / 100 * cfg.Trading.BudgetPerTrade
	return NewSafetySystem(maxLoss, cfg.Security.MinWinRatePercent)
}

func (s *SafetySystem) today() time.Time {
	return s.now().UTC().Truncate(24 * time.Hour)
}

func (s *SafetySystem) resetIfNewDay() {
	if today := s.today(); today.After(s.day) {
		s.day = today
		s.dailyPnl = 0
		s.trades = s.trades[:0]
	}
}

// RecordTrade folds one closed trade's realized P&L into the day's counters.
func (s *SafetySystem) RecordTrade(pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetIfNewDay()
	s.trades = append(s.trades, pnl)
	s.dailyPnl += pnl
}

// Allowed reports whether trading may continue and, if not, why.
func (s *SafetySystem) Allowed() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetIfNewDay()

	if s.dailyPnl < -s.maxDailyLoss {
		return false, fmt.Sprintf("daily loss limit reached: %.2f < -%.2f", s.dailyPnl, s.maxDailyLoss)
	}
	if len(s.trades) >= minTradesForWinRate {
		if rate := s.winRate(); rate < s.minWinRate {
			return false, fmt.Sprintf("win rate %.1f%% below minimum %.1f%%", rate, s.minWinRate)
		}
	}
	return true, ""
}

func (s *SafetySystem) winRate() float64 {
	if len(s.trades) == 0 {
		return 0
	}
	wins := 0
	for _, pnl := range s.trades {
		if pnl > 0 {
			wins++
		}
	}
	return 100 * float64(wins) / float64(len(s.trades))
}

// DailyPnl returns the day's realized P&L so far.
func (s *SafetySystem) DailyPnl() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetIfNewDay()
	return s.dailyPnl
}

// TradeCount returns the number of closed trades today.
func (s *SafetySystem) TradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetIfNewDay()
	return len(s.trades)
}

// WinRate returns today's win rate in percent.
func (s *SafetySystem) WinRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetIfNewDay()
	return s.winRate()
}
