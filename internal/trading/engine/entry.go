package engine

import (
	"math"

	"github.com/shopspring/decimal"

	"scalper/internal/core"
)

const (
	// signalWindow is the number of one-minute candles the entry analysis
	// needs.
	signalWindow = 20

	minVolatility = 1e-4
	minSentiment  = 40.0
	minConfidence = 0.2

	kellyFloor = 0.01
	kellyCap   = 0.20
)

// Signal is the entry analysis over the recent candle window.
type Signal struct {
	Volatility float64
	Trend      float64
	VolumeZ    float64
	Sentiment  float64
	Confidence float64
}

// ShouldEnter applies the permissive entry gate: some movement, mildly
// positive sentiment, non-trivial confidence.
func (s Signal) ShouldEnter() bool {
	return s.Sentiment > minSentiment &&
		s.Volatility > minVolatility &&
		s.Confidence > minConfidence
}

// AnalyzeCandles computes volatility, trend, volume z-score and the composite
// sentiment from the last signalWindow candles. Fewer candles than the window
// yield a zero signal.
func AnalyzeCandles(candles []core.Candle) Signal {
	if len(candles) < signalWindow {
		return Signal{}
	}
	candles = candles[len(candles)-signalWindow:]

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i], _ = c.Close.Float64()
		volumes[i], _ = c.Volume.Float64()
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			returns = append(returns, closes[i]/closes[i-1]-1)
		}
	}

	volatility := stddev(returns)
	trend := 0.0
	if closes[0] != 0 {
		trend = linregSlope(closes) / closes[0]
	}
	volumeZ := zscore(volumes)

	sentiment := compositeSentiment(closes, trend, volumeZ)

	return Signal{
		Volatility: volatility,
		Trend:      trend,
		VolumeZ:    volumeZ,
		Sentiment:  sentiment,
		Confidence: sentiment / 100,
	}
}

// compositeSentiment blends an RSI-like oscillator, a MACD-like momentum
// term, the volume z-score and the trend into one 0-100 score.
func compositeSentiment(closes []float64, trend, volumeZ float64) float64 {
	rsi := rsiLike(closes, 14)
	macd := clamp(50+emaDelta(closes)*5000, 0, 100)
	volume := clamp(50+volumeZ*10, 0, 100)
	trendScore := clamp(50+trend*5000, 0, 100)

	return 0.3*rsi + 0.2*macd + 0.2*volume + 0.3*trendScore
}

// rsiLike is the classic relative-strength oscillator over the window.
func rsiLike(closes []float64, period int) float64 {
	if len(closes) <= period {
		period = len(closes) - 1
	}
	if period < 1 {
		return 50
	}

	var gains, losses float64
	start := len(closes) - period
	for i := start; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	if gains+losses == 0 {
		return 50
	}
	return 100 * gains / (gains + losses)
}

// emaDelta is the normalized gap between a fast and a slow exponential
// moving average, positive when momentum is up.
func emaDelta(closes []float64) float64 {
	fast := ema(closes, 5)
	slow := ema(closes, 12)
	if slow == 0 {
		return 0
	}
	return (fast - slow) / slow
}

func ema(xs []float64, period int) float64 {
	if len(xs) == 0 {
		return 0
	}
	k := 2.0 / float64(period+1)
	value := xs[0]
	for _, x := range xs[1:] {
		value = x*k + value*(1-k)
	}
	return value
}

// PositionSize computes the Kelly-fraction-lite stake for the signal, scaled
// by the hour-of-day factor, floored at the minimum notional and capped at
// the per-trade budget.
func PositionSize(sig Signal, capital, minNotional, budget decimal.Decimal, utcHour int) decimal.Decimal {
	if !sig.ShouldEnter() || !capital.IsPositive() {
		return decimal.Zero
	}

	fraction := sig.Confidence - (1-sig.Confidence)/(sig.Volatility*100)
	fraction = clamp(fraction, kellyFloor, kellyCap)

	size := capital.Mul(decimal.NewFromFloat(fraction * hourFactor(utcHour)))
	if size.LessThan(minNotional) {
		size = minNotional
	}
	if size.GreaterThan(budget) {
		size = budget
	}
	return size
}

// hourFactor scales aggressiveness by trading session: quiet Asia hours,
// neutral Europe, busy US overlap.
func hourFactor(utcHour int) float64 {
	switch {
	case utcHour >= 7 && utcHour < 13:
		return 1.0 // Europe
	case utcHour >= 13 && utcHour < 21:
		return 1.2 // US
	default:
		return 0.7 // Asia
	}
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

func zscore(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sd := stddev(xs[:len(xs)-1])
	if sd == 0 {
		return 0
	}
	return (xs[len(xs)-1] - mean(xs[:len(xs)-1])) / sd
}

// linregSlope is the least-squares slope of xs over index.
func linregSlope(xs []float64) float64 {
	n := float64(len(xs))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range xs {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
