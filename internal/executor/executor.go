// Package executor turns approved signals into exchange orders and reconciles the
// grid ledger against confirmed order states.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spot-grid-bot/internal/events"
	"spot-grid-bot/internal/exchange"
	"spot-grid-bot/internal/ledger"
	"spot-grid-bot/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrReconciliationMismatch is returned by CheckBalance once the exchange balance has
// disagreed with the ledger too many times in a row.
var ErrReconciliationMismatch = errors.New("ledger and exchange balance disagree")

// OrderError is a failed placement. Kind tells the caller whether the bot can go on.
type OrderError struct {
	Kind          exchange.ErrorKind
	Op            string
	ClientOrderID string
	LevelIndex    int
	Err           error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("%s %s (level %d, %s): %v", e.Op, e.ClientOrderID, e.LevelIndex, e.Kind, e.Err)
}

func (e *OrderError) Unwrap() error { return e.Err }

// IsAuth reports whether err is an authentication or permission failure.
func IsAuth(err error) bool {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Kind == exchange.KindAuth
	}
	return exchange.IsAuth(err)
}

// Outcome of Execute.
type Outcome string

const (
	OutcomeNone      Outcome = "NONE"      // HOLD, nothing to do
	OutcomeSkipped   Outcome = "SKIPPED"   // level busy, stop requested, nothing held
	OutcomeSubmitted Outcome = "SUBMITTED" // accepted, waiting for a fill
	OutcomeFilled    Outcome = "FILLED"    // confirmed in the same call
	OutcomeFailed    Outcome = "FAILED"
)

// Fill is a confirmed order applied to the ledger.
type Fill struct {
	LevelIndex    int
	Side          models.Side
	ClientOrderID string
	Price         decimal.Decimal
	Amount        decimal.Decimal
	RealizedPnL   decimal.Decimal
	Closed        bool // a round trip was closed and RealizedPnL is meaningful
	Liquidation   bool
}

// ExecutionResult reports what Execute did with a signal.
type ExecutionResult struct {
	Outcome       Outcome
	ClientOrderID string
	Reason        string
	Fills         []Fill
	Err           error
}

// Executor is the only writer of the ledger.
type Executor struct {
	ex     exchange.Client
	ledger *ledger.Ledger
	ids    *ClientIDGenerator
	retry  RetryPolicy
	bus    *events.Bus
	logger *zap.Logger

	symbol    string
	baseAsset string
	priceTick decimal.Decimal
	qtyStep   decimal.Decimal

	maxMismatches int
	tolerance     decimal.Decimal

	mu         sync.Mutex
	mismatches int
	now        func() time.Time
}

// Options configures an Executor.
type Options struct {
	Config *models.Config
	Retry  RetryPolicy
	IDs    *ClientIDGenerator
	Bus    *events.Bus
	Logger *zap.Logger
}

// New creates an executor over ex and l.
func New(ex exchange.Client, l *ledger.Ledger, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	return &Executor{
		ex:            ex,
		ledger:        l,
		ids:           opts.IDs,
		retry:         opts.Retry,
		bus:           opts.Bus,
		logger:        logger.Named("executor"),
		symbol:        cfg.Symbol,
		baseAsset:     cfg.BaseAsset,
		priceTick:     cfg.Grid.PriceTick,
		qtyStep:       cfg.Grid.QuantityStep,
		maxMismatches: cfg.Risk.MaxReconcileMismatches,
		tolerance:     cfg.Risk.BalanceTolerance,
		now:           time.Now,
	}
}

// Execute places the order for sig. BUY is only placed for an EMPTY level and SELL
// only for a HOLDING one; a pending level is never re-submitted. The level is
// marked pending under its client id before the first attempt, so an ambiguous
// failure is resolved by Reconcile instead of a second order.
func (e *Executor) Execute(ctx context.Context, sig models.Signal) ExecutionResult {
	if sig.IsHold() {
		return ExecutionResult{Outcome: OutcomeNone, Reason: sig.Reason}
	}
	if sig.Liquidate {
		return e.liquidate(ctx, sig)
	}
	if stopRequested(ctx) {
		return ExecutionResult{Outcome: OutcomeSkipped, Reason: "stop requested"}
	}
	if ctx.Err() != nil {
		return ExecutionResult{Outcome: OutcomeSkipped, Reason: "tick budget exhausted"}
	}

	lv, ok := e.ledger.Level(sig.LevelIndex)
	if !ok {
		return ExecutionResult{Outcome: OutcomeSkipped, Reason: fmt.Sprintf("unknown level %d", sig.LevelIndex)}
	}
	want := models.LevelEmpty
	if sig.Action == models.ActionSell {
		want = models.LevelHolding
	}
	if lv.Status != want {
		return ExecutionResult{Outcome: OutcomeSkipped, Reason: fmt.Sprintf("level %d is %s", lv.Index, lv.Status)}
	}

	seq := lv.Sequence + 1
	clientID := e.ids.ForLevel(lv.Index, seq)
	req := exchange.OrderRequest{
		ClientID: clientID,
		Symbol:   e.symbol,
		Side:     sig.Side(),
		Price:    roundToStep(sig.Price, e.priceTick, false),
	}
	ref := ledger.OrderRef{ClientOrderID: clientID, Price: req.Price, Sequence: seq}
	var err error
	if sig.Action == models.ActionBuy {
		req.Amount = roundToStep(sig.Amount, e.qtyStep, true)
		if !req.Amount.IsPositive() {
			return ExecutionResult{Outcome: OutcomeSkipped, Reason: fmt.Sprintf("amount %s below step %s", sig.Amount, e.qtyStep)}
		}
		ref.Amount = req.Amount
		err = e.ledger.MarkBuyPending(lv.Index, ref, e.now())
	} else {
		req.Amount = lv.Amount
		err = e.ledger.MarkSellPending(lv.Index, ref, e.now())
	}
	if err != nil {
		return ExecutionResult{Outcome: OutcomeSkipped, Reason: err.Error()}
	}
	e.emitOrder(events.OrderSubmitted, lv.Index, clientID, "", req.Side, req.Price, req.Amount, "SUBMITTED", decimal.Zero, sig.Reason)

	var handle exchange.OrderHandle
	attempts, err := e.retry.Do(ctx, "place order", func(callCtx context.Context) error {
		var perr error
		handle, perr = e.ex.PlaceOrder(callCtx, req)
		return perr
	})
	if err != nil {
		return e.placementFailed(lv.Index, clientID, req, err)
	}

	if serr := e.ledger.SetOrderID(lv.Index, clientID, handle.OrderID); serr != nil {
		e.logger.Warn("failed to record order id", zap.Error(serr))
	}
	e.logger.Info("order placed",
		zap.Int("level", lv.Index),
		zap.String("side", string(req.Side)),
		zap.String("client_order_id", clientID),
		zap.String("order_id", handle.OrderID),
		zap.String("price", req.Price.String()),
		zap.String("amount", req.Amount.String()),
		zap.Int("attempts", attempts))

	if stopRequested(ctx) {
		// the stop arrived while the order was on the wire
		e.cancelLevel(lv.Index, "stop requested during placement")
	}

	level, _ := e.ledger.Level(lv.Index)
	res := ExecutionResult{Outcome: OutcomeSubmitted, ClientOrderID: clientID}
	if !level.Status.IsPending() {
		return res
	}
	// a fresh order may not be visible yet, so not-found is not treated as final here
	checkCtx := context.WithoutCancel(ctx)
	if dl, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithDeadline(checkCtx, dl)
		defer cancel()
	}
	fill, _, rerr := e.reconcileLevel(checkCtx, level, false)
	if rerr != nil {
		e.logger.Debug("post-placement status check failed", zap.Error(rerr))
	}
	if fill != nil {
		res.Outcome = OutcomeFilled
		res.Fills = append(res.Fills, *fill)
	}
	return res
}

// stopRequested tells a cancelled context from one that only ran out of tick budget.
func stopRequested(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

// placementFailed reverts the level when the exchange definitely rejected the order
// and leaves it pending when the outcome is unknown.
func (e *Executor) placementFailed(index int, clientID string, req exchange.OrderRequest, err error) ExecutionResult {
	kind := exchange.KindOf(err)
	oerr := &OrderError{Kind: kind, Op: "place order", ClientOrderID: clientID, LevelIndex: index, Err: err}

	if kind == exchange.KindPermanent || kind == exchange.KindAuth {
		if rerr := e.ledger.RevertPending(index, e.now()); rerr != nil {
			e.logger.Error("failed to revert rejected order", zap.Int("level", index), zap.Error(rerr))
		}
		e.logger.Error("order rejected", zap.Int("level", index), zap.String("client_order_id", clientID), zap.Error(err))
		e.emitOrder(events.OrderFailed, index, clientID, "", req.Side, req.Price, req.Amount, "REJECTED", decimal.Zero, err.Error())
		return ExecutionResult{Outcome: OutcomeFailed, ClientOrderID: clientID, Reason: err.Error(), Err: oerr}
	}

	e.logger.Warn("order outcome unknown, level stays pending",
		zap.Int("level", index), zap.String("client_order_id", clientID), zap.Error(err))
	e.emitOrder(events.OrderFailed, index, clientID, "", req.Side, req.Price, req.Amount, "UNKNOWN",
		decimal.Zero, "outcome unknown, will reconcile: "+err.Error())
	return ExecutionResult{Outcome: OutcomeFailed, ClientOrderID: clientID, Reason: err.Error(), Err: oerr}
}

// Reconcile queries every pending level by client id and applies confirmed states.
// An auth failure aborts the pass and is returned; other query failures leave the
// level pending for the next tick. Levels left once ctx is done wait for the next
// tick as well.
func (e *Executor) Reconcile(ctx context.Context) ([]Fill, error) {
	var fills []Fill
	for _, lv := range e.ledger.Pending() {
		if ctx.Err() != nil {
			break
		}
		fill, _, err := e.reconcileLevel(ctx, lv, true)
		if err != nil {
			if IsAuth(err) {
				return fills, err
			}
			e.logger.Warn("reconcile failed, will retry next tick",
				zap.Int("level", lv.Index), zap.String("client_order_id", lv.ClientOrderID), zap.Error(err))
			continue
		}
		if fill != nil {
			fills = append(fills, *fill)
		}
	}
	return fills, nil
}

// reconcileLevel applies the exchange state of one pending order. It reports
// whether the level left its pending state. An order unknown to the exchange is
// reverted only when revertMissing is set.
func (e *Executor) reconcileLevel(ctx context.Context, lv models.GridLevel, revertMissing bool) (*Fill, bool, error) {
	handle := exchange.OrderHandle{Symbol: e.symbol, ClientID: lv.ClientOrderID, OrderID: lv.OrderID}
	side := models.Buy
	if lv.Status == models.LevelSellPending {
		side = models.Sell
	}

	var report exchange.OrderReport
	_, err := e.retry.Do(ctx, "get order status", func(callCtx context.Context) error {
		var qerr error
		report, qerr = e.ex.GetOrderStatus(callCtx, handle)
		return qerr
	})
	if err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) && revertMissing {
			e.revert(lv, side, "not found on exchange")
			return nil, true, nil
		}
		return nil, false, &OrderError{Kind: exchange.KindOf(err), Op: "get order status", ClientOrderID: lv.ClientOrderID, LevelIndex: lv.Index, Err: err}
	}

	switch report.Status {
	case exchange.StatusOpen:
		return nil, false, nil
	case exchange.StatusFilled:
		fill, err := e.confirm(lv, side, report)
		return fill, err == nil, err
	default:
		// CANCELED or REJECTED. A partially filled buy keeps what was bought and a
		// partially filled sell books what was sold.
		if side == models.Buy && report.FilledAmount.IsPositive() {
			fill, err := e.confirm(lv, side, report)
			return fill, err == nil, err
		}
		if side == models.Sell && report.FilledAmount.IsPositive() {
			fill, err := e.confirmPartialSell(lv, report)
			return fill, err == nil, err
		}
		e.revert(lv, side, string(report.Status))
		return nil, true, nil
	}
}

// confirmPartialSell applies a sell order that ended with only part of its amount
// filled. The level keeps the unsold rest.
func (e *Executor) confirmPartialSell(lv models.GridLevel, report exchange.OrderReport) (*Fill, error) {
	price := report.AvgPrice
	if !price.IsPositive() {
		price = lv.OrderPrice
	}
	pnl, err := e.ledger.ReduceHolding(lv.Index, report.FilledAmount, price, e.now())
	if err != nil {
		return nil, err
	}
	fill := &Fill{
		LevelIndex:    lv.Index,
		Side:          models.Sell,
		ClientOrderID: lv.ClientOrderID,
		Price:         price,
		Amount:        report.FilledAmount,
		RealizedPnL:   pnl,
		Closed:        true,
	}
	e.logger.Warn("sell partially filled before it ended",
		zap.Int("level", lv.Index),
		zap.String("client_order_id", lv.ClientOrderID),
		zap.String("status", string(report.Status)),
		zap.String("filled", report.FilledAmount.String()),
		zap.String("ordered", lv.Amount.String()),
		zap.String("realized_pnl", pnl.String()))
	e.emitOrder(events.OrderFilled, lv.Index, lv.ClientOrderID, lv.OrderID, models.Sell, price, report.FilledAmount,
		string(report.Status), pnl, "partially filled before "+string(report.Status))
	return fill, nil
}

func (e *Executor) confirm(lv models.GridLevel, side models.Side, report exchange.OrderReport) (*Fill, error) {
	now := e.now()
	fill := &Fill{LevelIndex: lv.Index, Side: side, ClientOrderID: lv.ClientOrderID, Price: report.AvgPrice, Amount: report.FilledAmount}
	if !fill.Price.IsPositive() {
		fill.Price = lv.OrderPrice
	}
	if side == models.Buy {
		if !fill.Amount.IsPositive() {
			fill.Amount = lv.Amount
		}
		if err := e.ledger.ConfirmBuy(lv.Index, fill.Price, fill.Amount, now); err != nil {
			return nil, err
		}
	} else {
		fill.Amount = lv.Amount
		pnl, err := e.ledger.ConfirmSell(lv.Index, fill.Price, now)
		if err != nil {
			return nil, err
		}
		fill.RealizedPnL = pnl
		fill.Closed = true
	}
	e.logger.Info("order filled",
		zap.Int("level", lv.Index),
		zap.String("side", string(side)),
		zap.String("client_order_id", lv.ClientOrderID),
		zap.String("price", fill.Price.String()),
		zap.String("amount", fill.Amount.String()),
		zap.String("realized_pnl", fill.RealizedPnL.String()))
	e.emitOrder(events.OrderFilled, lv.Index, lv.ClientOrderID, lv.OrderID, side, fill.Price, fill.Amount, string(exchange.StatusFilled), fill.RealizedPnL, "")
	return fill, nil
}

func (e *Executor) revert(lv models.GridLevel, side models.Side, why string) {
	if err := e.ledger.RevertPending(lv.Index, e.now()); err != nil {
		e.logger.Error("failed to revert level", zap.Int("level", lv.Index), zap.Error(err))
		return
	}
	e.logger.Info("pending order reverted", zap.Int("level", lv.Index), zap.String("client_order_id", lv.ClientOrderID), zap.String("reason", why))
	e.emitOrder(events.OrderFailed, lv.Index, lv.ClientOrderID, lv.OrderID, side, lv.OrderPrice, lv.Amount, why, decimal.Zero, why)
}

// cancelLevel cancels the pending order of one level and applies its final state.
func (e *Executor) cancelLevel(index int, why string) {
	lv, ok := e.ledger.Level(index)
	if !ok || !lv.Status.IsPending() {
		return
	}
	ctx := context.Background()
	handle := exchange.OrderHandle{Symbol: e.symbol, ClientID: lv.ClientOrderID, OrderID: lv.OrderID}
	_, err := e.retry.Do(ctx, "cancel order", func(callCtx context.Context) error {
		_, cerr := e.ex.CancelOrder(callCtx, handle)
		return cerr
	})
	if err != nil {
		e.logger.Warn("cancel failed", zap.Int("level", index), zap.String("client_order_id", lv.ClientOrderID), zap.Error(err))
		return
	}
	e.logger.Info("order cancelled", zap.Int("level", index), zap.String("client_order_id", lv.ClientOrderID), zap.String("reason", why))
	if _, _, err := e.reconcileLevel(ctx, lv, true); err != nil {
		e.logger.Warn("status after cancel unknown", zap.Int("level", index), zap.Error(err))
	}
}

// CancelAll cancels every pending order once and applies the resulting states. It
// ignores ctx cancellation since it runs during shutdown.
func (e *Executor) CancelAll(_ context.Context) int {
	pending := e.ledger.Pending()
	for _, lv := range pending {
		e.cancelLevel(lv.Index, "shutdown")
	}
	if len(pending) > 0 {
		e.logger.Info("pending orders cancelled", zap.Int("count", len(pending)))
	}
	return len(pending)
}

// liquidate sells the whole position at market after the stop-loss fired. Pending
// orders are cancelled first so the held amount is final.
func (e *Executor) liquidate(ctx context.Context, sig models.Signal) ExecutionResult {
	// the stop-loss must go through even when a stop was requested
	ctx = context.WithoutCancel(ctx)
	e.CancelAll(ctx)

	// only HOLDING levels are sold; a sell whose cancel failed stays on the book
	held := decimal.Zero
	for _, lv := range e.ledger.Holding() {
		held = held.Add(lv.Amount)
	}
	if !held.IsPositive() {
		return ExecutionResult{Outcome: OutcomeSkipped, Reason: "stop loss with empty position"}
	}
	clientID := e.ids.ForLiquidation(e.now())
	req := exchange.OrderRequest{ClientID: clientID, Symbol: e.symbol, Side: models.Sell, Amount: held}
	e.emitOrder(events.OrderSubmitted, models.NoLevel, clientID, "", models.Sell, sig.Price, held, "SUBMITTED", decimal.Zero, sig.Reason)

	var handle exchange.OrderHandle
	_, err := e.retry.Do(ctx, "liquidate", func(callCtx context.Context) error {
		var perr error
		handle, perr = e.ex.PlaceOrder(callCtx, req)
		return perr
	})
	if err != nil {
		e.logger.Error("stop-loss sell failed", zap.String("client_order_id", clientID), zap.Error(err))
		e.emitOrder(events.OrderFailed, models.NoLevel, clientID, "", models.Sell, sig.Price, held, "FAILED", decimal.Zero, err.Error())
		return ExecutionResult{Outcome: OutcomeFailed, ClientOrderID: clientID, Reason: err.Error(),
			Err: &OrderError{Kind: exchange.KindOf(err), Op: "liquidate", ClientOrderID: clientID, LevelIndex: models.NoLevel, Err: err}}
	}

	var report exchange.OrderReport
	_, err = e.retry.Do(ctx, "get liquidation status", func(callCtx context.Context) error {
		var qerr error
		report, qerr = e.ex.GetOrderStatus(callCtx, handle)
		return qerr
	})
	if err != nil || report.Status != exchange.StatusFilled {
		e.logger.Warn("stop-loss sell not confirmed", zap.String("client_order_id", clientID), zap.Error(err))
		return ExecutionResult{Outcome: OutcomeSubmitted, ClientOrderID: clientID}
	}

	price := report.AvgPrice
	if !price.IsPositive() {
		price = sig.Price
	}
	pnl := e.ledger.Liquidate(price, e.now())
	e.logger.Warn("position liquidated",
		zap.String("client_order_id", clientID),
		zap.String("price", price.String()),
		zap.String("amount", held.String()),
		zap.String("realized_pnl", pnl.String()))
	e.emitOrder(events.OrderFilled, models.NoLevel, clientID, handle.OrderID, models.Sell, price, held, string(exchange.StatusFilled), pnl, sig.Reason)
	return ExecutionResult{
		Outcome:       OutcomeFilled,
		ClientOrderID: clientID,
		Fills: []Fill{{
			LevelIndex: models.NoLevel, Side: models.Sell, ClientOrderID: clientID,
			Price: price, Amount: held, RealizedPnL: pnl, Closed: true, Liquidation: true,
		}},
	}
}

// CheckBalance compares the exchange base balance with the amount the ledger holds.
// A shortfall beyond the tolerance counts as a mismatch; reaching the configured
// limit in a row returns ErrReconciliationMismatch. Query failures are returned
// without touching the counter.
func (e *Executor) CheckBalance(ctx context.Context) error {
	var balances map[string]decimal.Decimal
	_, err := e.retry.Do(ctx, "get balance", func(callCtx context.Context) error {
		var berr error
		balances, berr = e.ex.GetBalance(callCtx)
		return berr
	})
	if err != nil {
		return &OrderError{Kind: exchange.KindOf(err), Op: "get balance", LevelIndex: models.NoLevel, Err: err}
	}

	held := e.ledger.Position().HeldAmount
	have := balances[e.baseAsset]
	floor := held.Mul(decimal.NewFromInt(1).Sub(e.tolerance))

	e.mu.Lock()
	defer e.mu.Unlock()
	if have.GreaterThanOrEqual(floor) {
		e.mismatches = 0
		return nil
	}
	e.mismatches++
	e.logger.Warn("balance mismatch",
		zap.String("asset", e.baseAsset),
		zap.String("ledger_held", held.String()),
		zap.String("exchange_balance", have.String()),
		zap.Int("consecutive", e.mismatches))
	if e.maxMismatches > 0 && e.mismatches >= e.maxMismatches {
		return errors.Wrapf(ErrReconciliationMismatch, "ledger holds %s %s, exchange has %s (%d checks in a row)",
			held, e.baseAsset, have, e.mismatches)
	}
	return nil
}

func (e *Executor) emitOrder(t events.Type, index int, clientID, orderID string, side models.Side, price, amount decimal.Decimal, status string, pnl decimal.Decimal, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(t, events.OrderData{
		ClientOrderID: clientID,
		OrderID:       orderID,
		LevelIndex:    index,
		Side:          side,
		Price:         price.String(),
		Amount:        amount.String(),
		Status:        status,
		RealizedPnL:   pnl.String(),
		Reason:        reason,
	})
}

// roundToStep rounds v to a multiple of step, down when floor is set and to the
// nearest multiple otherwise. A zero step leaves v unchanged.
func roundToStep(v, step decimal.Decimal, floor bool) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	n := v.Div(step)
	if floor {
		n = n.Floor()
	} else {
		n = n.Round(0)
	}
	return n.Mul(step)
}
