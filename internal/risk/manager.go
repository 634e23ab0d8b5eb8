// Package risk gates proposed signals against stop-loss, position, daily loss,
// drawdown, price anomaly and loss-streak limits.
package risk

import (
	"fmt"
	"sync"
	"time"

	"spot-grid-bot/internal/events"
	"spot-grid-bot/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rule names reported in RISK_TRIGGERED.
const (
	RuleStopLoss          = "stop loss"
	RuleMaxPosition       = "max position"
	RuleDailyLoss         = "daily loss"
	RuleDrawdown          = "drawdown"
	RulePriceAnomaly      = "price anomaly"
	RuleConsecutiveLosses = "consecutive losses"
)

const dayLayout = "2006-01-02"

// Manager owns the risk state. Check never fails: a violation turns the signal into
// HOLD (or, for the stop-loss, into a sell of the whole position) and is reported
// through the event bus.
type Manager struct {
	mu       sync.Mutex
	cfg      models.RiskConfig
	state    models.RiskState
	quantity decimal.Decimal
	prices   []decimal.Decimal // recent tick prices, oldest first, not persisted
	bus      *events.Bus
	logger   *zap.Logger
}

// NewManager creates a manager with an empty state.
func NewManager(cfg models.RiskConfig, bus *events.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, bus: bus, logger: logger}
}

// SetGridQuantity sets the base quantity of one grid. With it the position limit is
// measured in base amount, so a widened buy counts for every grid it is worth.
func (m *Manager) SetGridQuantity(q decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quantity = q
}

// State returns a copy of the risk state.
func (m *Manager) State() models.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Restore replaces the state with a persisted copy.
func (m *Manager) Restore(s models.RiskState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// Reset clears the state for a new session.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = models.RiskState{}
	m.prices = nil
}

// Observe updates the peak and the daily window with the current equity. The daily
// window restarts at each UTC day boundary.
func (m *Manager) Observe(now time.Time, equity decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := now.UTC().Format(dayLayout)
	if m.state.Day != day {
		if m.state.Day != "" {
			m.logger.Info("daily risk window reset",
				zap.String("previous_day", m.state.Day),
				zap.String("previous_daily_pnl", m.state.DailyPnL.String()))
		}
		m.state.Day = day
		m.state.DailyStartEquity = equity
	}
	if equity.GreaterThan(m.state.PeakEquity) {
		m.state.PeakEquity = equity
	}
	m.state.DailyPnL = equity.Sub(m.state.DailyStartEquity)
}

// RecordClose counts losing round trips in a row. A profitable one resets the streak.
func (m *Manager) RecordClose(pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pnl.IsNegative() {
		m.state.ConsecutiveLosses++
	} else {
		m.state.ConsecutiveLosses = 0
	}
}

// Drawdown is (peak - equity) / peak, or zero without a peak.
func (m *Manager) Drawdown(equity decimal.Decimal) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drawdownLocked(equity)
}

func (m *Manager) drawdownLocked(equity decimal.Decimal) decimal.Decimal {
	if !m.state.PeakEquity.IsPositive() {
		return decimal.Zero
	}
	return m.state.PeakEquity.Sub(equity).Div(m.state.PeakEquity)
}

// Check applies the rules in order; the first violation wins. The tick price is
// recorded afterwards, so the anomaly rule compares against earlier ticks only.
func (m *Manager) Check(sig models.Signal, pos models.Position, md models.MarketData) models.Signal {
	m.mu.Lock()
	out, rule, reason := m.evaluate(sig, pos, md)
	m.recordPrice(md.Price)
	m.mu.Unlock()

	if rule == "" {
		return out
	}
	m.logger.Warn("risk rule triggered",
		zap.String("rule", rule),
		zap.String("reason", reason),
		zap.String("signal", sig.String()),
		zap.String("result", out.String()))
	if m.bus != nil {
		m.bus.Emit(events.RiskTriggered, events.RiskData{Rule: rule, Reason: reason, Original: sig, Result: out})
	}
	return out
}

func (m *Manager) evaluate(sig models.Signal, pos models.Position, md models.MarketData) (models.Signal, string, string) {
	price := md.Price

	if m.cfg.StopLossPrice.IsPositive() && price.LessThanOrEqual(m.cfg.StopLossPrice) {
		reason := fmt.Sprintf("%s: price %s <= stop %s", RuleStopLoss, price, m.cfg.StopLossPrice)
		return models.Signal{
			Action:     models.ActionSell,
			Price:      price,
			Amount:     pos.HeldAmount,
			Reason:     reason,
			LevelIndex: models.NoLevel,
			Liquidate:  true,
		}, RuleStopLoss, reason
	}

	if sig.Action != models.ActionBuy {
		// SELL and HOLD only reduce or keep risk
		return sig, "", ""
	}

	if m.cfg.MaxPositionGrids > 0 && pos.GridsHeld+1 > m.cfg.MaxPositionGrids {
		return m.reject(price, RuleMaxPosition, fmt.Sprintf("%s: %d grids held, limit %d", RuleMaxPosition, pos.GridsHeld, m.cfg.MaxPositionGrids))
	}
	if m.cfg.MaxPositionGrids > 0 && m.quantity.IsPositive() {
		limit := m.quantity.Mul(decimal.NewFromInt(int64(m.cfg.MaxPositionGrids)))
		if after := pos.Exposure.Add(sig.Amount); after.GreaterThan(limit) {
			return m.reject(price, RuleMaxPosition, fmt.Sprintf("%s: exposure %s + %s exceeds %d grids x %s", RuleMaxPosition, pos.Exposure, sig.Amount, m.cfg.MaxPositionGrids, m.quantity))
		}
	}

	if m.cfg.DailyLossLimit.IsPositive() && m.state.DailyPnL.LessThanOrEqual(m.cfg.DailyLossLimit.Neg()) {
		return m.reject(price, RuleDailyLoss, fmt.Sprintf("%s: daily pnl %s reached limit -%s", RuleDailyLoss, m.state.DailyPnL.StringFixed(2), m.cfg.DailyLossLimit))
	}

	equity := m.cfg.InitialCapital.Add(pos.RealizedPnL).Add(pos.UnrealizedPnL)
	if dd := m.drawdownLocked(equity); m.cfg.MaxDrawdown.IsPositive() && dd.GreaterThan(m.cfg.MaxDrawdown) {
		return m.reject(price, RuleDrawdown, fmt.Sprintf("%s: %s%% exceeds %s%%", RuleDrawdown, dd.Mul(decimal.NewFromInt(100)).StringFixed(2), m.cfg.MaxDrawdown.Mul(decimal.NewFromInt(100)).StringFixed(2)))
	}

	if reason := m.priceAnomaly(price); reason != "" {
		return m.reject(price, RulePriceAnomaly, reason)
	}

	if m.cfg.ConsecutiveLossLimit > 0 && m.state.ConsecutiveLosses >= m.cfg.ConsecutiveLossLimit {
		return m.reject(price, RuleConsecutiveLosses, fmt.Sprintf("%s: %d in a row, limit %d", RuleConsecutiveLosses, m.state.ConsecutiveLosses, m.cfg.ConsecutiveLossLimit))
	}

	return sig, "", ""
}

// priceAnomaly flags a move against the previous tick larger than PriceSpikePercent
// either way, and a fall larger than PriceDropPercent against the price
// PriceDropTicks ticks ago.
func (m *Manager) priceAnomaly(price decimal.Decimal) string {
	n := len(m.prices)
	if n == 0 || !price.IsPositive() {
		return ""
	}
	if m.cfg.PriceSpikePercent.IsPositive() {
		last := m.prices[n-1]
		change := pctChange(last, price)
		if change.Abs().GreaterThan(m.cfg.PriceSpikePercent) {
			return fmt.Sprintf("%s: price moved %s%% since the last tick (%s -> %s), limit %s%%",
				RulePriceAnomaly, change.StringFixed(2), last, price, m.cfg.PriceSpikePercent)
		}
	}
	if k := m.cfg.PriceDropTicks; k > 0 && n >= k && m.cfg.PriceDropPercent.IsPositive() {
		old := m.prices[n-k]
		change := pctChange(old, price)
		if change.LessThan(m.cfg.PriceDropPercent.Neg()) {
			return fmt.Sprintf("%s: price fell %s%% over %d ticks (%s -> %s), limit %s%%",
				RulePriceAnomaly, change.Neg().StringFixed(2), k, old, price, m.cfg.PriceDropPercent)
		}
	}
	return ""
}

func (m *Manager) recordPrice(price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	keep := m.cfg.PriceDropTicks
	if keep < 1 {
		keep = 1
	}
	m.prices = append(m.prices, price)
	if len(m.prices) > keep {
		m.prices = append(m.prices[:0], m.prices[len(m.prices)-keep:]...)
	}
}

func pctChange(from, to decimal.Decimal) decimal.Decimal {
	if !from.IsPositive() {
		return decimal.Zero
	}
	return to.Sub(from).Div(from).Mul(decimal.NewFromInt(100))
}

func (m *Manager) reject(price decimal.Decimal, rule, reason string) (models.Signal, string, string) {
	return models.Hold(price, reason), rule, reason
}
