package bot

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"spot-grid-bot/internal/events"
	"spot-grid-bot/internal/exchange"
	"spot-grid-bot/internal/executor"
	"spot-grid-bot/internal/ledger"
	"spot-grid-bot/internal/models"
	"spot-grid-bot/internal/persistence"
	"spot-grid-bot/internal/reporter"
	"spot-grid-bot/internal/risk"
	"spot-grid-bot/internal/statemachine"
	"spot-grid-bot/internal/statemanager"
	"spot-grid-bot/internal/strategy"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrSessionEnded means the previous session ended in STOPPED or ERROR and needs an operator reset.
var ErrSessionEnded = errors.New("previous session ended, operator reset required")

// TickObserver receives a summary at the end of every tick, e.g. for Prometheus.
type TickObserver interface {
	ObserveTick(equity decimal.Decimal, pos models.Position, at time.Time)
}

// Deps are the bot's collaborators.
type Deps struct {
	Exchange exchange.Client
	Repo     persistence.StateRepository
	Bus      *events.Bus
	Logger   *zap.Logger
	Observer TickObserver          // optional
	Retry    *executor.RetryPolicy // optional, built from config by default
	Clock    func() time.Time      // optional, paper mode runs on kline time
	Status   io.Writer             // status table output, os.Stdout by default
	Reset    bool                  // operator reset: clear grid and risk state and start over
}

// GridTradingBot trades one spot pair on a fixed grid. Every tick runs
// market data, reconcile, strategy, risk, execution and persistence in that order,
// and only one tick runs at a time.
type GridTradingBot struct {
	cfg        *models.Config
	ex         exchange.Client
	ledger     *ledger.Ledger
	strategy   strategy.Strategy
	indicators *strategy.IndicatorTracker
	risk       *risk.Manager
	executor   *executor.Executor
	machine    *statemachine.Machine
	states     *statemanager.StateManager
	bus        *events.Bus
	observer   TickObserver
	retry      executor.RetryPolicy
	logger     *zap.Logger
	status     io.Writer
	now        func() time.Time

	reset         bool
	fullReconcile bool // persisted state is stale, reconcile everything before trading

	tickMu     sync.Mutex // serializes ticks
	lastPrice  decimal.Decimal
	closedPnL  []decimal.Decimal
	sessionErr error

	shutdownOnce sync.Once
	wake         chan struct{}
}

// NewGridTradingBot builds the bot and restores persisted state.
func NewGridTradingBot(cfg *models.Config, deps Deps) (*GridTradingBot, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus(logger)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	retry := executor.NewRetryPolicy(cfg.Retry)
	if deps.Retry != nil {
		retry = *deps.Retry
	}
	status := deps.Status
	if status == nil {
		status = os.Stdout
	}

	l, err := ledger.New(cfg.Grid.Lower, cfg.Grid.Upper, cfg.Grid.Count)
	if err != nil {
		return nil, errors.Wrap(err, "build grid")
	}
	l.SetFeeRate(cfg.Risk.FeeRate)

	b := &GridTradingBot{
		cfg:        cfg,
		ex:         deps.Exchange,
		ledger:     l,
		strategy:   strategy.New(cfg),
		indicators: strategy.NewIndicatorTracker(cfg.Smart.ShortWindow, cfg.Smart.LongWindow),
		risk:       risk.NewManager(cfg.Risk, bus, logger),
		machine:    statemachine.New(bus, logger),
		states:     statemanager.NewStateManager(deps.Repo, cfg, logger),
		bus:        bus,
		observer:   deps.Observer,
		retry:      retry,
		logger:     logger.Named("bot"),
		status:     status,
		now:        clock,
		reset:      deps.Reset,
		wake:       make(chan struct{}, 1),
	}

	b.risk.SetGridQuantity(cfg.Grid.Quantity)

	if err := b.restore(); err != nil {
		return nil, err
	}

	b.executor = executor.New(deps.Exchange, l, executor.Options{
		Config: cfg,
		Retry:  retry,
		IDs:    executor.NewClientIDGenerator(b.states.BotID()),
		Bus:    bus,
		Logger: logger,
	})
	b.logger.Info("grid bot created",
		zap.String("symbol", cfg.Symbol),
		zap.String("strategy", b.strategy.Name()),
		zap.String("bot_id", b.states.BotID().String()),
		zap.String("grid", l.String()))
	return b, nil
}

// restore loads persisted state. It runs before the executor exists because the
// client order id prefix comes from the bot id.
func (b *GridTradingBot) restore() error {
	state, err := b.states.Load()
	if err != nil {
		if b.reset && errors.Is(err, statemanager.ErrIncompatibleState) {
			b.logger.Warn("persisted state is incompatible, discarding it on operator reset", zap.Error(err))
			b.discard(state)
			return nil
		}
		return errors.Wrap(err, "load state")
	}
	if state == nil {
		return nil
	}

	if err := b.states.Restore(state, b.ledger, b.risk, b.machine); err != nil {
		if b.reset && errors.Is(err, ledger.ErrGridMismatch) {
			b.logger.Warn("grid parameters changed, discarding the old grid on operator reset", zap.Error(err))
			b.discard(state)
			return nil
		}
		return errors.Wrap(err, "restore state")
	}
	b.fullReconcile = b.states.IsStale(state)
	b.lastPrice = state.Position.LastPrice
	if b.fullReconcile {
		b.logger.Warn("persisted state is stale, reconciling everything before trading",
			zap.Time("last_tick_at", state.LastTickAt.Time),
			zap.Duration("stale_after", b.cfg.StaleAfter()))
	}
	return nil
}

// discard drops a record that cannot be resumed. Orders it still had open are
// cancelled first, since nothing would track them once the bot id is renewed.
func (b *GridTradingBot) discard(state *models.BotState) {
	if state != nil {
		b.cancelOrphans(state)
	}
	b.states.RenewBotID()
}

func (b *GridTradingBot) cancelOrphans(state *models.BotState) {
	symbol := state.Symbol
	if symbol == "" {
		symbol = b.cfg.Symbol
	}
	for _, lv := range state.GridLevels {
		if !lv.Status.IsPending() || lv.ClientOrderID == "" {
			continue
		}
		h := exchange.OrderHandle{Symbol: symbol, ClientID: lv.ClientOrderID, OrderID: lv.OrderID}
		_, err := b.retry.Do(context.Background(), "cancel orphaned order", func(callCtx context.Context) error {
			_, cerr := b.ex.CancelOrder(callCtx, h)
			return cerr
		})
		if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			b.logger.Warn("failed to cancel order of discarded state",
				zap.Int("level", lv.Index), zap.String("client_order_id", lv.ClientOrderID), zap.Error(err))
			continue
		}
		b.logger.Info("order of discarded state cancelled",
			zap.Int("level", lv.Index), zap.String("client_order_id", lv.ClientOrderID))
	}
}

// Warmup feeds historical klines into the trend and volatility indicators.
func (b *GridTradingBot) Warmup(klines []models.Kline) {
	b.indicators.Warmup(klines)
	b.logger.Info("indicators warmed up", zap.Int("klines", len(klines)))
}

// State returns the run state.
func (b *GridTradingBot) State() models.RunState { return b.machine.State() }

// Ledger returns the grid ledger. Callers must not modify it.
func (b *GridTradingBot) Ledger() *ledger.Ledger { return b.ledger }

// BotID returns the bot identity.
func (b *GridTradingBot) BotID() string { return b.states.BotID().String() }

// ClosedPnL returns the realized PnL of every round trip closed this session.
func (b *GridTradingBot) ClosedPnL() []decimal.Decimal {
	b.tickMu.Lock()
	defer b.tickMu.Unlock()
	out := make([]decimal.Decimal, len(b.closedPnL))
	copy(out, b.closedPnL)
	return out
}

// SessionErr returns the error that sent the session to ERROR.
func (b *GridTradingBot) SessionErr() error {
	b.tickMu.Lock()
	defer b.tickMu.Unlock()
	return b.sessionErr
}

// Start runs the startup checks and enters RUNNING. A session that ended PAUSED stays paused.
func (b *GridTradingBot) Start(ctx context.Context) error {
	if b.reset {
		if err := b.operatorReset(ctx); err != nil {
			return err
		}
	}

	switch b.machine.State() {
	case models.StateStopped, models.StateError:
		return errors.Wrapf(ErrSessionEnded, "persisted state is %s", b.machine.State())
	}

	if b.fullReconcile {
		if err := b.startupReconcile(ctx); err != nil {
			return err
		}
		b.fullReconcile = false
	}

	if b.machine.State() == models.StatePaused {
		b.logger.Info("previous session was paused, waiting for resume")
		return nil
	}
	return b.machine.Start("operator start")
}

// operatorReset goes back to IDLE with empty grid and risk state. Pending orders
// are cancelled first. Order sequences are kept so client order ids are never reused.
func (b *GridTradingBot) operatorReset(ctx context.Context) error {
	cancelled := b.executor.CancelAll(ctx)
	b.ledger.Reset(b.now())
	b.risk.Reset()

	switch b.machine.State() {
	case models.StateError, models.StatePaused:
		if err := b.machine.Stop("operator reset"); err != nil {
			return err
		}
	}
	if b.machine.State() == models.StateStopped {
		if err := b.machine.Reset("operator reset"); err != nil {
			return err
		}
	}
	b.fullReconcile = false
	b.logger.Warn("operator reset done", zap.Int("cancelled_orders", cancelled))
	return b.persist(b.now())
}

// startupReconcile does one full reconcile after a stale restore.
func (b *GridTradingBot) startupReconcile(ctx context.Context) error {
	fills, err := b.executor.Reconcile(ctx)
	b.recordFills(fills)
	if err != nil {
		return errors.Wrap(err, "startup reconcile")
	}
	if err := b.executor.CheckBalance(ctx); err != nil {
		if errors.Is(err, executor.ErrReconciliationMismatch) || executor.IsAuth(err) {
			return errors.Wrap(err, "startup balance check")
		}
		b.logger.Warn("startup balance check failed", zap.Error(err))
	}
	b.logger.Info("startup reconcile done", zap.Int("fills", len(fills)), zap.Int("pending", len(b.ledger.Pending())))
	return nil
}

// Pause stops trading. Open orders stay on the book.
func (b *GridTradingBot) Pause(reason string) error {
	err := b.machine.Pause(reason)
	b.notify()
	return err
}

// Resume continues trading after a pause.
func (b *GridTradingBot) Resume(reason string) error {
	err := b.machine.Resume(reason)
	b.notify()
	return err
}

// Stop requests a stop. Shutdown cancels orders and saves the final state.
func (b *GridTradingBot) Stop(reason string) error {
	err := b.machine.Stop(reason)
	b.notify()
	return err
}

func (b *GridTradingBot) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run starts the bot and ticks every CheckInterval until ctx ends or the state is terminal.
func (b *GridTradingBot) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer b.Shutdown()

	ticker := time.NewTicker(b.cfg.CheckInterval())
	defer ticker.Stop()
	statusEvery := time.Duration(b.cfg.StatusEverySec) * time.Second
	if statusEvery <= 0 {
		statusEvery = time.Minute
	}
	statusTicker := time.NewTicker(statusEvery)
	defer statusTicker.Stop()

	b.Tick(ctx)
	for {
		if statemachine.IsTerminal(b.machine.State()) {
			return b.SessionErr()
		}
		select {
		case <-ctx.Done():
			if !statemachine.IsTerminal(b.machine.State()) {
				if err := b.machine.Stop("operator stop"); err != nil {
					b.logger.Warn("stop failed", zap.Error(err))
				}
			}
			return b.SessionErr()
		case <-ticker.C:
			b.Tick(ctx)
		case <-statusTicker.C:
			b.PrintStatus()
		case <-b.wake:
		}
	}
}

// PaperMarket is the market behind a paper run.
type PaperMarket interface {
	SetKline(k models.Kline)
}

// RunPaper replays klines and ticks once per kline.
func (b *GridTradingBot) RunPaper(ctx context.Context, klines []models.Kline, market PaperMarket) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer b.Shutdown()

	for i, k := range klines {
		if ctx.Err() != nil {
			break
		}
		if statemachine.IsTerminal(b.machine.State()) {
			b.logger.Info("paper run ended early", zap.Int("kline", i), zap.String("state", string(b.machine.State())))
			break
		}
		market.SetKline(k)
		b.Tick(ctx)
	}
	if !statemachine.IsTerminal(b.machine.State()) {
		_ = b.machine.Stop("paper data exhausted")
	}
	return b.SessionErr()
}

// Tick runs one trading cycle. It does nothing unless the bot is RUNNING.
//
// All exchange calls of a tick share one retry budget of MaxTotal. Once it is
// spent the remaining calls are skipped and the tick still persists.
func (b *GridTradingBot) Tick(ctx context.Context) {
	b.tickMu.Lock()
	defer b.tickMu.Unlock()

	if ctx.Err() != nil || b.machine.State() != models.StateRunning {
		return
	}
	now := b.now()
	if b.retry.MaxTotal > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.retry.MaxTotal)
		defer cancel()
	}

	// 1. market data
	price, err := b.fetchPrice(ctx)
	if err != nil {
		if exchange.IsAuth(err) {
			b.fail(err, "price query rejected")
			b.persistLocked(now)
			return
		}
		b.logger.Warn("price unavailable, skipping tick", zap.Error(err))
		b.bus.Emit(events.SignalGenerated, events.SignalData{
			Signal: models.Hold(b.lastPrice, "price unavailable: "+err.Error()),
			Market: models.MarketData{Symbol: b.cfg.Symbol, Price: b.lastPrice, PrevPrice: b.lastPrice, Timestamp: now},
		})
		b.persistLocked(now)
		return
	}
	md := b.marketData(price, now)

	// 2. reconcile: every pending order is queried again by client id
	fills, err := b.executor.Reconcile(ctx)
	b.recordFills(fills)
	if err != nil && executor.IsAuth(err) {
		b.fail(err, "reconcile rejected")
		b.persistLocked(now)
		return
	}
	if !b.cfg.AnalyzeOnly {
		if err := b.executor.CheckBalance(ctx); err != nil {
			if errors.Is(err, executor.ErrReconciliationMismatch) || executor.IsAuth(err) {
				b.fail(err, "balance check")
				b.persistLocked(now)
				return
			}
			b.logger.Warn("balance check failed", zap.Error(err))
		}
	}

	// 3. valuation and risk state
	b.ledger.MarkToMarket(price)
	equity := b.ledger.Equity(b.cfg.Risk.InitialCapital)
	b.risk.Observe(now, equity)

	// 4. strategy and risk
	sig := b.strategy.Analyze(md, b.ledger)
	b.bus.Emit(events.SignalGenerated, events.SignalData{Signal: sig, Market: md})
	approved := b.risk.Check(sig, b.ledger.Position(), md)

	// 5. execution
	if b.cfg.AnalyzeOnly {
		if !approved.IsHold() {
			b.logger.Info("analyze only, no order placed", zap.String("signal", approved.String()))
		}
	} else {
		res := b.executor.Execute(ctx, approved)
		b.recordFills(res.Fills)
		if res.Outcome != executor.OutcomeNone {
			b.logger.Debug("execution result",
				zap.String("outcome", string(res.Outcome)),
				zap.String("client_order_id", res.ClientOrderID),
				zap.String("reason", res.Reason))
		}
		if res.Err != nil && executor.IsAuth(res.Err) {
			b.fail(res.Err, "order rejected")
		}
	}
	if approved.Liquidate && b.machine.State() == models.StateRunning {
		if err := b.machine.Stop(approved.Reason); err != nil {
			b.logger.Error("stop after stop-loss failed", zap.Error(err))
		}
	}

	// 6. persistence
	b.persistLocked(now)
	if b.observer != nil {
		b.observer.ObserveTick(b.ledger.Equity(b.cfg.Risk.InitialCapital), b.ledger.Position(), now)
	}
}

func (b *GridTradingBot) fetchPrice(ctx context.Context) (decimal.Decimal, error) {
	var price decimal.Decimal
	_, err := b.retry.Do(ctx, "get price", func(callCtx context.Context) error {
		var perr error
		price, perr = b.ex.GetPrice(callCtx, b.cfg.Symbol)
		return perr
	})
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, errors.Errorf("invalid price %s", price)
	}
	return price, nil
}

// marketData builds the tick's market snapshot. It is not modified afterwards.
func (b *GridTradingBot) marketData(price decimal.Decimal, now time.Time) models.MarketData {
	b.indicators.Add(price)
	md := models.MarketData{
		Symbol:     b.cfg.Symbol,
		Price:      price,
		PrevPrice:  b.lastPrice,
		Timestamp:  now,
		Indicators: b.indicators.Snapshot(),
	}
	b.lastPrice = price
	return md
}

func (b *GridTradingBot) recordFills(fills []executor.Fill) {
	for _, f := range fills {
		if !f.Closed {
			continue
		}
		b.risk.RecordClose(f.RealizedPnL)
		b.closedPnL = append(b.closedPnL, f.RealizedPnL)
	}
}

// fail enters ERROR. Only auth failures and balance mismatches get here.
func (b *GridTradingBot) fail(err error, what string) {
	b.sessionErr = err
	b.logger.Error("fatal error, bot enters ERROR", zap.String("stage", what), zap.Error(err))
	if terr := b.machine.Fail(fmt.Sprintf("%s: %v", what, err)); terr != nil {
		b.logger.Warn("state transition failed", zap.Error(terr))
	}
}

func (b *GridTradingBot) persist(at time.Time) error {
	return b.states.Persist(b.ledger, b.risk, b.machine.State(), at)
}

// persistLocked saves state. A failure is only logged; the next tick saves again.
func (b *GridTradingBot) persistLocked(at time.Time) {
	if err := b.persist(at); err != nil {
		b.logger.Error("failed to save state", zap.Error(err))
	}
}

// Shutdown cancels every pending order and saves the final state, once.
func (b *GridTradingBot) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.tickMu.Lock()
		defer b.tickMu.Unlock()

		b.logger.Info("cancelling all open orders")
		cancelled := b.executor.CancelAll(context.Background())
		if err := b.persist(b.now()); err != nil {
			b.logger.Error("failed to save final state", zap.Error(err))
		}
		b.logger.Info("grid bot stopped",
			zap.String("state", string(b.machine.State())),
			zap.Int("cancelled_orders", cancelled),
			zap.Uint64("state_version", b.states.Version()))
		b.printStatusLocked()
	})
}

// PrintStatus prints the grid ladder, the position and the risk state.
func (b *GridTradingBot) PrintStatus() {
	b.tickMu.Lock()
	defer b.tickMu.Unlock()
	b.printStatusLocked()
}

func (b *GridTradingBot) printStatusLocked() {
	fmt.Fprint(b.status, reporter.RenderStatus(b.statusLocked()))
}

func (b *GridTradingBot) statusLocked() reporter.Status {
	equity := b.ledger.Equity(b.cfg.Risk.InitialCapital)
	return reporter.Status{
		Time:        b.now(),
		Symbol:      b.cfg.Symbol,
		RunState:    b.machine.State(),
		Price:       b.lastPrice,
		Spacing:     b.ledger.Spacing(),
		Levels:      b.ledger.Levels(),
		Position:    b.ledger.Position(),
		Risk:        b.risk.State(),
		Equity:      equity,
		Drawdown:    b.risk.Drawdown(equity),
		Transitions: b.machine.History(),
	}
}
