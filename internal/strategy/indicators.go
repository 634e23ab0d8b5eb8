package strategy

import (
	"math"
	"sync"

	"spot-grid-bot/internal/models"

	"github.com/shopspring/decimal"
)

// IndicatorTracker keeps a rolling window of prices and derives the trend score
// ((SMA short - SMA long) / SMA long, in percent) and the volatility (standard
// deviation of simple returns, in percent).
type IndicatorTracker struct {
	mu     sync.Mutex
	short  int
	long   int
	prices []float64
}

// NewIndicatorTracker creates a tracker. long is also the window size.
func NewIndicatorTracker(short, long int) *IndicatorTracker {
	if short < 1 {
		short = 1
	}
	if long < short {
		long = short
	}
	return &IndicatorTracker{short: short, long: long, prices: make([]float64, 0, long+1)}
}

// Add appends one price.
func (t *IndicatorTracker) Add(price decimal.Decimal) {
	f, _ := price.Float64()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices = append(t.prices, f)
	if len(t.prices) > t.long {
		t.prices = t.prices[len(t.prices)-t.long:]
	}
}

// Warmup seeds the window with historical closes.
func (t *IndicatorTracker) Warmup(klines []models.Kline) {
	for _, k := range klines {
		t.Add(k.Close)
	}
}

// Snapshot returns the current indicators. With fewer than two prices it returns nil.
func (t *IndicatorTracker) Snapshot() *models.Indicators {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.prices)
	if n < 2 {
		return nil
	}
	ind := &models.Indicators{Samples: n}
	if n >= t.long {
		longMA := mean(t.prices[n-t.long:])
		shortMA := mean(t.prices[n-t.short:])
		if longMA != 0 {
			ind.TrendScore = (shortMA - longMA) / longMA * 100
		}
	}

	returns := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if t.prices[i-1] != 0 {
			returns = append(returns, (t.prices[i]-t.prices[i-1])/t.prices[i-1])
		}
	}
	ind.Volatility = stddev(returns) * 100
	return ind
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		sum += (x - m) * (x - m)
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}
