package strategy

import (
	"fmt"

	"spot-grid-bot/internal/ledger"
	"spot-grid-bot/internal/models"

	"github.com/shopspring/decimal"
)

// SmartGridStrategy filters the grid's decisions with trend and volatility.
// It skips buys in a strong downtrend or under excessive volatility, sizes buys up
// in a strong uptrend and holds sells that would not clear the minimum profit.
type SmartGridStrategy struct {
	grid     *GridStrategy
	cfg      models.SmartGridConfig
	maxGrids int
}

// NewSmartGridStrategy wraps grid. The uptrend size multiplier never takes the
// amount held or on order beyond maxGrids times the grid quantity.
func NewSmartGridStrategy(grid *GridStrategy, cfg models.SmartGridConfig, maxGrids int) *SmartGridStrategy {
	return &SmartGridStrategy{grid: grid, cfg: cfg, maxGrids: maxGrids}
}

func (s *SmartGridStrategy) Name() string { return "smart_grid" }

func (s *SmartGridStrategy) Analyze(md models.MarketData, l *ledger.Ledger) models.Signal {
	sig := s.grid.Analyze(md, l)
	switch sig.Action {
	case models.ActionBuy:
		return s.filterBuy(sig, md, l)
	case models.ActionSell:
		return s.filterSell(sig, md, l)
	}
	return sig
}

func (s *SmartGridStrategy) filterBuy(sig models.Signal, md models.MarketData, l *ledger.Ledger) models.Signal {
	ind := md.Indicators
	if ind == nil || ind.Samples < s.cfg.LongWindow {
		// not enough history to judge the trend
		return sig
	}

	if ind.TrendScore <= s.cfg.StrongDowntrendThreshold {
		return models.Hold(md.Price, fmt.Sprintf("skip buy on level %d: strong downtrend (trend %.2f%%)", sig.LevelIndex, ind.TrendScore))
	}
	if s.cfg.MaxVolatility > 0 && ind.Volatility > s.cfg.MaxVolatility {
		return models.Hold(md.Price, fmt.Sprintf("skip buy on level %d: volatility %.2f%% above %.2f%%", sig.LevelIndex, ind.Volatility, s.cfg.MaxVolatility))
	}

	if ind.TrendScore >= s.cfg.StrongUptrendThreshold && s.cfg.UptrendSizeMultiplier > 1 {
		mult := s.cfg.UptrendSizeMultiplier
		if room := s.room(l); mult > room {
			mult = room
		}
		if mult > 1 {
			sig.Amount = sig.Amount.Mul(decimal.NewFromInt(int64(mult)))
			sig.Reason = fmt.Sprintf("%s; uptrend x%d (trend %.2f%%)", sig.Reason, mult, ind.TrendScore)
		}
	}
	return sig
}

// room is how many grid quantities still fit under the position limit.
func (s *SmartGridStrategy) room(l *ledger.Ledger) int {
	q := s.grid.quantity
	if !q.IsPositive() {
		return 0
	}
	limit := q.Mul(decimal.NewFromInt(int64(s.maxGrids)))
	return int(limit.Sub(l.Position().Exposure).Div(q).Floor().IntPart())
}

func (s *SmartGridStrategy) filterSell(sig models.Signal, md models.MarketData, l *ledger.Ledger) models.Signal {
	if s.cfg.MinProfitRate <= 0 {
		return sig
	}
	lv, ok := l.Level(sig.LevelIndex)
	if !ok || !lv.EntryPrice.IsPositive() {
		return sig
	}
	floor := lv.EntryPrice.Mul(decimal.NewFromFloat(1 + s.cfg.MinProfitRate))
	if sig.Price.LessThan(floor) {
		return models.Hold(md.Price, fmt.Sprintf("hold level %d: sell %s below min profit price %s", sig.LevelIndex, sig.Price, floor.StringFixed(2)))
	}
	return sig
}
