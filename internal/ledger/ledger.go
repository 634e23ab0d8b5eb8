// Package ledger tracks the lifecycle of every grid level and the position derived from it.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"spot-grid-bot/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrIllegalLevelTransition is returned when a level is moved outside its lifecycle.
	ErrIllegalLevelTransition = errors.New("illegal level transition")
	// ErrUnknownLevel is returned for an index outside the grid.
	ErrUnknownLevel = errors.New("unknown grid level")
	// ErrGridMismatch is returned when restored levels were built from another grid.
	ErrGridMismatch = errors.New("persisted grid does not match configuration")
)

// Ledger owns the grid levels and the position. Order state only changes through
// the Mark*/Confirm*/Revert*/Reduce* methods, which the order executor calls.
// MarkToMarket arms EMPTY levels the price trades above; a BUY needs an armed level.
type Ledger struct {
	mu        sync.RWMutex
	spec      models.GridSpec
	spacing   decimal.Decimal
	levels    []models.GridLevel
	realized  decimal.Decimal
	lastPrice decimal.Decimal
	feeRate   decimal.Decimal
}

// New builds count levels from lower to upper. Level i is priced at lower + i*spacing
// with spacing = (upper-lower)/count.
func New(lower, upper decimal.Decimal, count int) (*Ledger, error) {
	if count < 1 {
		return nil, errors.Errorf("grid count must be positive, got %d", count)
	}
	if !upper.GreaterThan(lower) {
		return nil, errors.Errorf("grid upper %s must be above lower %s", upper, lower)
	}
	spacing := upper.Sub(lower).Div(decimal.NewFromInt(int64(count)))
	levels := make([]models.GridLevel, count)
	for i := range levels {
		levels[i] = models.GridLevel{
			Index:  i,
			Price:  lower.Add(spacing.Mul(decimal.NewFromInt(int64(i)))),
			Status: models.LevelEmpty,
		}
	}
	return &Ledger{
		spec:    models.GridSpec{Lower: lower, Upper: upper, Count: count},
		spacing: spacing,
		levels:  levels,
	}, nil
}

// SetFeeRate sets the per-leg fee rate used for realized PnL.
func (l *Ledger) SetFeeRate(rate decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.feeRate = rate
}

func (l *Ledger) Spec() models.GridSpec    { return l.spec }
func (l *Ledger) Spacing() decimal.Decimal { return l.spacing }
func (l *Ledger) Count() int               { return len(l.levels) }

// InRange reports whether price lies inside [lower, upper].
func (l *Ledger) InRange(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(l.spec.Lower) && price.LessThanOrEqual(l.spec.Upper)
}

// SellTarget is the price at which a level bought at its own price is sold.
func (l *Ledger) SellTarget(index int) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.levels) {
		return decimal.Zero
	}
	return l.levels[index].Price.Add(l.spacing)
}

// Levels returns a copy of all levels in ascending price order.
func (l *Ledger) Levels() []models.GridLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.GridLevel, len(l.levels))
	copy(out, l.levels)
	return out
}

// Level returns a copy of one level.
func (l *Ledger) Level(index int) (models.GridLevel, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.levels) {
		return models.GridLevel{}, false
	}
	return l.levels[index], true
}

// Pending returns the levels with an outstanding order.
func (l *Ledger) Pending() []models.GridLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []models.GridLevel
	for _, lv := range l.levels {
		if lv.Status.IsPending() {
			out = append(out, lv)
		}
	}
	return out
}

// Holding returns the levels whose base amount is held and not on order.
func (l *Ledger) Holding() []models.GridLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []models.GridLevel
	for _, lv := range l.levels {
		if lv.Status == models.LevelHolding {
			out = append(out, lv)
		}
	}
	return out
}

// Position derives the aggregate position from the levels.
func (l *Ledger) Position() models.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.positionLocked()
}

func (l *Ledger) positionLocked() models.Position {
	pos := models.Position{RealizedPnL: l.realized, LastPrice: l.lastPrice}
	cost := decimal.Zero
	for _, lv := range l.levels {
		if lv.Status != models.LevelEmpty {
			pos.GridsHeld++
			pos.Exposure = pos.Exposure.Add(lv.Amount)
		}
		if lv.Status == models.LevelHolding || lv.Status == models.LevelSellPending {
			pos.HeldAmount = pos.HeldAmount.Add(lv.Amount)
			cost = cost.Add(lv.EntryPrice.Mul(lv.Amount))
		}
	}
	if pos.HeldAmount.IsPositive() {
		pos.AverageCost = cost.Div(pos.HeldAmount)
		if l.lastPrice.IsPositive() {
			pos.UnrealizedPnL = l.lastPrice.Sub(pos.AverageCost).Mul(pos.HeldAmount)
		}
	}
	return pos
}

// MarkToMarket records the latest price for unrealized PnL and arms every EMPTY
// level priced below it. A level stays armed until its buy fills or it is cleared.
func (l *Ledger) MarkToMarket(price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastPrice = price
	for i := range l.levels {
		lv := &l.levels[i]
		if lv.Status == models.LevelEmpty && lv.Price.LessThan(price) {
			lv.Armed = true
		}
	}
}

// Equity is capital plus realized and unrealized PnL.
func (l *Ledger) Equity(capital decimal.Decimal) decimal.Decimal {
	pos := l.Position()
	return capital.Add(pos.RealizedPnL).Add(pos.UnrealizedPnL)
}

// OrderRef describes the order placed for a level.
type OrderRef struct {
	ClientOrderID string
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Sequence      uint64
}

// MarkBuyPending moves an EMPTY level to BUY_PENDING.
func (l *Ledger) MarkBuyPending(index int, ref OrderRef, at time.Time) error {
	return l.mutate(index, models.LevelEmpty, func(lv *models.GridLevel) {
		lv.Status = models.LevelBuyPending
		lv.ClientOrderID = ref.ClientOrderID
		lv.OrderID = ""
		lv.OrderPrice = ref.Price
		lv.Amount = ref.Amount
		lv.Sequence = ref.Sequence
		lv.UpdatedAt = models.NewTimestamp(at)
	})
}

// MarkSellPending moves a HOLDING level to SELL_PENDING. The held amount is kept.
func (l *Ledger) MarkSellPending(index int, ref OrderRef, at time.Time) error {
	return l.mutate(index, models.LevelHolding, func(lv *models.GridLevel) {
		lv.Status = models.LevelSellPending
		lv.ClientOrderID = ref.ClientOrderID
		lv.OrderID = ""
		lv.OrderPrice = ref.Price
		lv.Sequence = ref.Sequence
		lv.UpdatedAt = models.NewTimestamp(at)
	})
}

// SetOrderID records the exchange id once the placement is acknowledged.
func (l *Ledger) SetOrderID(index int, clientOrderID, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.levels) {
		return errors.Wrapf(ErrUnknownLevel, "index %d", index)
	}
	lv := &l.levels[index]
	if !lv.Status.IsPending() || lv.ClientOrderID != clientOrderID {
		return errors.Wrapf(ErrIllegalLevelTransition, "level %d has no pending order %s", index, clientOrderID)
	}
	lv.OrderID = orderID
	return nil
}

// ConfirmBuy moves BUY_PENDING to HOLDING after a confirmed fill.
func (l *Ledger) ConfirmBuy(index int, fillPrice, filled decimal.Decimal, at time.Time) error {
	if !filled.IsPositive() {
		return errors.Errorf("confirmed buy on level %d has no filled amount", index)
	}
	return l.mutate(index, models.LevelBuyPending, func(lv *models.GridLevel) {
		lv.Status = models.LevelHolding
		lv.Armed = false
		if fillPrice.IsPositive() {
			lv.EntryPrice = fillPrice
		} else {
			lv.EntryPrice = lv.OrderPrice
		}
		lv.Amount = filled
		lv.ClientOrderID = ""
		lv.OrderID = ""
		lv.OrderPrice = decimal.Zero
		lv.UpdatedAt = models.NewTimestamp(at)
	})
}

// ConfirmSell moves SELL_PENDING to EMPTY after a confirmed fill and returns the
// realized PnL of the round trip, net of fees on both legs.
func (l *Ledger) ConfirmSell(index int, fillPrice decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	var pnl decimal.Decimal
	err := l.mutate(index, models.LevelSellPending, func(lv *models.GridLevel) {
		price := fillPrice
		if !price.IsPositive() {
			price = lv.OrderPrice
		}
		pnl = l.roundTripPnL(lv.EntryPrice, price, lv.Amount)
		l.realized = l.realized.Add(pnl)
		clearLevel(lv, at)
	})
	return pnl, err
}

// ReduceHolding books a sell that filled in part before its order was cancelled.
// The sold amount is closed at fillPrice and the rest goes back to HOLDING. Selling
// the whole amount empties the level like ConfirmSell.
func (l *Ledger) ReduceHolding(index int, sold, fillPrice decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	if !sold.IsPositive() {
		return decimal.Zero, errors.Errorf("partial sell on level %d has no filled amount", index)
	}
	var pnl decimal.Decimal
	err := l.mutate(index, models.LevelSellPending, func(lv *models.GridLevel) {
		price := fillPrice
		if !price.IsPositive() {
			price = lv.OrderPrice
		}
		if sold.GreaterThanOrEqual(lv.Amount) {
			pnl = l.roundTripPnL(lv.EntryPrice, price, lv.Amount)
			l.realized = l.realized.Add(pnl)
			clearLevel(lv, at)
			return
		}
		pnl = l.roundTripPnL(lv.EntryPrice, price, sold)
		l.realized = l.realized.Add(pnl)
		lv.Status = models.LevelHolding
		lv.Amount = lv.Amount.Sub(sold)
		lv.ClientOrderID = ""
		lv.OrderID = ""
		lv.OrderPrice = decimal.Zero
		lv.UpdatedAt = models.NewTimestamp(at)
	})
	return pnl, err
}

// RevertPending undoes a pending order that will never fill: BUY_PENDING goes back
// to EMPTY and SELL_PENDING back to HOLDING. A reverted buy keeps its arming.
func (l *Ledger) RevertPending(index int, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.levels) {
		return errors.Wrapf(ErrUnknownLevel, "index %d", index)
	}
	lv := &l.levels[index]
	switch lv.Status {
	case models.LevelBuyPending:
		armed := lv.Armed
		clearLevel(lv, at)
		lv.Armed = armed
	case models.LevelSellPending:
		lv.Status = models.LevelHolding
		lv.ClientOrderID = ""
		lv.OrderID = ""
		lv.OrderPrice = decimal.Zero
		lv.UpdatedAt = models.NewTimestamp(at)
	default:
		return errors.Wrapf(ErrIllegalLevelTransition, "level %d is %s, nothing to revert", index, lv.Status)
	}
	return nil
}

// Liquidate closes every HOLDING level after the stop-loss sell filled and returns
// the total realized PnL.
func (l *Ledger) Liquidate(fillPrice decimal.Decimal, at time.Time) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for i := range l.levels {
		lv := &l.levels[i]
		if lv.Status != models.LevelHolding {
			continue
		}
		total = total.Add(l.roundTripPnL(lv.EntryPrice, fillPrice, lv.Amount))
		clearLevel(lv, at)
	}
	l.realized = l.realized.Add(total)
	return total
}

func (l *Ledger) roundTripPnL(entry, exit, amount decimal.Decimal) decimal.Decimal {
	gross := exit.Sub(entry).Mul(amount)
	fees := entry.Add(exit).Mul(amount).Mul(l.feeRate)
	return gross.Sub(fees)
}

func clearLevel(lv *models.GridLevel, at time.Time) {
	lv.Status = models.LevelEmpty
	lv.ClientOrderID = ""
	lv.OrderID = ""
	lv.OrderPrice = decimal.Zero
	lv.EntryPrice = decimal.Zero
	lv.Amount = decimal.Zero
	lv.Armed = false
	lv.UpdatedAt = models.NewTimestamp(at)
}

func (l *Ledger) mutate(index int, want models.LevelStatus, fn func(*models.GridLevel)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.levels) {
		return errors.Wrapf(ErrUnknownLevel, "index %d", index)
	}
	lv := &l.levels[index]
	if lv.Status != want {
		return errors.Wrapf(ErrIllegalLevelTransition, "level %d is %s, expected %s", index, lv.Status, want)
	}
	fn(lv)
	return nil
}

// Restore replaces the levels and realized PnL with a persisted copy. The persisted
// grid must match the configured one level by level.
func (l *Ledger) Restore(spec models.GridSpec, levels []models.GridLevel, realized decimal.Decimal) error {
	if !spec.Lower.Equal(l.spec.Lower) || !spec.Upper.Equal(l.spec.Upper) || spec.Count != l.spec.Count {
		return errors.Wrapf(ErrGridMismatch, "persisted %s-%s/%d, configured %s-%s/%d",
			spec.Lower, spec.Upper, spec.Count, l.spec.Lower, l.spec.Upper, l.spec.Count)
	}
	if len(levels) != len(l.levels) {
		return errors.Wrapf(ErrGridMismatch, "persisted %d levels, configured %d", len(levels), len(l.levels))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i, lv := range levels {
		if lv.Index != i || !lv.Price.Equal(l.levels[i].Price) {
			return errors.Wrapf(ErrGridMismatch, "level %d persisted as #%d @ %s", i, lv.Index, lv.Price)
		}
		if !validStatus(lv.Status) {
			return errors.Errorf("level %d has unknown status %q", i, lv.Status)
		}
	}
	copy(l.levels, levels)
	l.realized = realized
	return nil
}

// Reset empties every level and clears realized PnL. Order sequences are kept so
// client order ids are never reused.
func (l *Ledger) Reset(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.levels {
		clearLevel(&l.levels[i], at)
	}
	l.realized = decimal.Zero
}

func validStatus(s models.LevelStatus) bool {
	switch s {
	case models.LevelEmpty, models.LevelBuyPending, models.LevelHolding, models.LevelSellPending:
		return true
	}
	return false
}

func (l *Ledger) String() string {
	pos := l.Position()
	return fmt.Sprintf("grid %s-%s/%d held=%s grids=%d realized=%s",
		l.spec.Lower, l.spec.Upper, l.spec.Count, pos.HeldAmount, pos.GridsHeld, pos.RealizedPnL)
}
