package strategy

import (
	"fmt"

	"spot-grid-bot/internal/ledger"
	"spot-grid-bot/internal/models"

	"github.com/shopspring/decimal"
)

// GridStrategy buys EMPTY levels the price has crossed on the way down and sells
// HOLDING levels once the price reaches one spacing above them.
type GridStrategy struct {
	quantity decimal.Decimal
}

// NewGridStrategy creates a plain grid strategy.
func NewGridStrategy(cfg models.GridConfig) *GridStrategy {
	return &GridStrategy{quantity: cfg.Quantity}
}

func (g *GridStrategy) Name() string { return "grid" }

// Analyze picks the qualifying level whose trigger is closest to the current price.
// A BUY triggers at the level price, and only for a level armed by an earlier price
// above it, so a level the price never crossed is never bought. A SELL triggers at
// level price + spacing. Ties go to the SELL. Every other qualifying level waits
// for a later tick and stays armed meanwhile.
func (g *GridStrategy) Analyze(md models.MarketData, l *ledger.Ledger) models.Signal {
	price := md.Price
	if !price.IsPositive() {
		return models.Hold(price, "no price")
	}

	inRange := l.InRange(price)
	spacing := l.Spacing()

	var (
		best     models.Signal
		bestDist decimal.Decimal
		found    bool
	)
	consider := func(sig models.Signal, dist decimal.Decimal) {
		if !found || dist.LessThan(bestDist) || (dist.Equal(bestDist) && sig.Action == models.ActionSell && best.Action == models.ActionBuy) {
			best, bestDist, found = sig, dist, true
		}
	}

	for _, lv := range l.Levels() {
		switch lv.Status {
		case models.LevelEmpty:
			if !inRange || !lv.Armed || lv.Price.LessThan(price) {
				continue
			}
			consider(models.Signal{
				Action:     models.ActionBuy,
				Price:      lv.Price,
				Amount:     g.quantity,
				Reason:     fmt.Sprintf("price %s crossed below level %d (%s)", price, lv.Index, lv.Price),
				LevelIndex: lv.Index,
			}, lv.Price.Sub(price))
		case models.LevelHolding:
			target := lv.Price.Add(spacing)
			if price.LessThan(target) {
				continue
			}
			consider(models.Signal{
				Action:     models.ActionSell,
				Price:      target,
				Amount:     lv.Amount,
				Reason:     fmt.Sprintf("price %s reached sell target %s of level %d", price, target, lv.Index),
				LevelIndex: lv.Index,
			}, price.Sub(target))
		}
	}

	if !found {
		if !inRange {
			return models.Hold(price, fmt.Sprintf("price %s outside grid %s-%s", price, l.Spec().Lower, l.Spec().Upper))
		}
		return models.Hold(price, "no level triggered")
	}
	return best
}
