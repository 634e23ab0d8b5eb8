package bot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"spot-grid-bot/internal/events"
	"spot-grid-bot/internal/exchange"
	"spot-grid-bot/internal/executor"
	"spot-grid-bot/internal/ledger"
	"spot-grid-bot/internal/models"
	"spot-grid-bot/internal/persistence"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubOrder struct {
	req       exchange.OrderRequest
	orderID   string
	status    exchange.OrderStatus
	fillPrice decimal.Decimal
}

// stubExchange keeps limit orders open unless autoFill is set; market orders fill
// at the current price.
type stubExchange struct {
	mu       sync.Mutex
	price    decimal.Decimal
	queued   []decimal.Decimal // served one per GetPrice before price
	priceErr error
	placeErr error
	autoFill bool

	statusErr   error
	statusDelay time.Duration

	orders  map[string]*stubOrder
	base    decimal.Decimal
	baseFix *decimal.Decimal // reported base balance regardless of fills
	placed  int
	cancels map[string]int
}

func newStubExchange(price string) *stubExchange {
	return &stubExchange{price: d(price), orders: map[string]*stubOrder{}, cancels: map[string]int{}}
}

func (s *stubExchange) setPrice(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = d(p)
}

// queuePrices makes the next GetPrice calls return prices in order. The last one
// sticks.
func (s *stubExchange) queuePrices(prices ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range prices {
		s.queued = append(s.queued, d(p))
	}
}

func (s *stubExchange) placedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placed
}

func (s *stubExchange) cancelCount(clientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels[clientID]
}

func (s *stubExchange) fillLocked(o *stubOrder, price decimal.Decimal) {
	o.status = exchange.StatusFilled
	o.fillPrice = price
	if o.req.Side == models.Buy {
		s.base = s.base.Add(o.req.Amount)
	} else {
		s.base = s.base.Sub(o.req.Amount)
	}
}

func (s *stubExchange) GetPrice(_ context.Context, _ string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priceErr != nil {
		return decimal.Zero, s.priceErr
	}
	if len(s.queued) > 0 {
		s.price, s.queued = s.queued[0], s.queued[1:]
	}
	return s.price, nil
}

func (s *stubExchange) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.placeErr != nil {
		return exchange.OrderHandle{}, s.placeErr
	}
	if o, ok := s.orders[req.ClientID]; ok {
		return exchange.OrderHandle{Symbol: req.Symbol, ClientID: req.ClientID, OrderID: o.orderID}, nil
	}
	s.placed++
	o := &stubOrder{req: req, orderID: fmt.Sprintf("%d", 1000+s.placed), status: exchange.StatusOpen}
	s.orders[req.ClientID] = o
	switch {
	case req.IsMarket():
		s.fillLocked(o, s.price)
	case s.autoFill:
		s.fillLocked(o, req.Price)
	}
	return exchange.OrderHandle{Symbol: req.Symbol, ClientID: req.ClientID, OrderID: o.orderID}, nil
}

func (s *stubExchange) GetOrderStatus(_ context.Context, h exchange.OrderHandle) (exchange.OrderReport, error) {
	s.mu.Lock()
	delay, serr := s.statusDelay, s.statusErr
	s.mu.Unlock()
	time.Sleep(delay)
	if serr != nil {
		return exchange.OrderReport{}, serr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[h.ClientID]
	if !ok {
		return exchange.OrderReport{}, exchange.NewError(exchange.KindNotFound, -2013, "Order does not exist.", nil)
	}
	r := exchange.OrderReport{Handle: exchange.OrderHandle{Symbol: h.Symbol, ClientID: h.ClientID, OrderID: o.orderID}, Status: o.status}
	if o.status == exchange.StatusFilled {
		r.FilledAmount = o.req.Amount
		r.AvgPrice = o.fillPrice
	}
	return r, nil
}

func (s *stubExchange) CancelOrder(_ context.Context, h exchange.OrderHandle) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[h.ClientID]++
	o, ok := s.orders[h.ClientID]
	if !ok {
		return false, exchange.NewError(exchange.KindNotFound, -2011, "Unknown order sent.", nil)
	}
	if o.status != exchange.StatusOpen {
		return false, nil
	}
	o.status = exchange.StatusCanceled
	return true, nil
}

func (s *stubExchange) GetBalance(_ context.Context) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.base
	if s.baseFix != nil {
		base = *s.baseFix
	}
	return map[string]decimal.Decimal{"ETH": base, "USDT": d("10000")}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type tickRecorder struct {
	calls []models.Position
}

func (o *tickRecorder) ObserveTick(_ decimal.Decimal, pos models.Position, _ time.Time) {
	o.calls = append(o.calls, pos)
}

func testConfig() *models.Config {
	return &models.Config{
		Symbol:           "ETHUSDT",
		BaseAsset:        "ETH",
		QuoteAsset:       "USDT",
		CheckIntervalSec: 1,
		StatusEverySec:   60,
		StaleAfterSec:    300,
		Grid: models.GridConfig{
			Lower: d("3000"), Upper: d("4000"), Count: 10,
			Quantity: d("0.1"), QuantityStep: d("0.001"), PriceTick: d("0.01"),
		},
		Risk: models.RiskConfig{
			InitialCapital:         d("10000"),
			MaxReconcileMismatches: 3,
			BalanceTolerance:       d("0.01"),
		},
		Smart: models.SmartGridConfig{ShortWindow: 3, LongWindow: 5},
		Paper: models.PaperConfig{QuoteBalance: d("10000")},
	}
}

func fastRetry() *executor.RetryPolicy {
	return &executor.RetryPolicy{
		MaxAttempts: 2,
		Backoff:     backoff.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2},
		MaxTotal:    time.Second,
		CallTimeout: time.Second,
		IsTransient: exchange.IsTransient,
	}
}

type fixture struct {
	cfg  *models.Config
	ex   *stubExchange
	repo persistence.StateRepository
	rec  *recorder
}

func newFixture(t *testing.T, price string) *fixture {
	t.Helper()
	repo, err := persistence.NewInMemoryRepository(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return &fixture{cfg: testConfig(), ex: newStubExchange(price), repo: repo, rec: &recorder{}}
}

func (f *fixture) newBot(t *testing.T, mutate func(*Deps)) *GridTradingBot {
	t.Helper()
	bus := events.NewBus(zap.NewNop())
	bus.SubscribeAll(f.rec.handle)
	deps := Deps{
		Exchange: f.ex,
		Repo:     f.repo,
		Bus:      bus,
		Logger:   zap.NewNop(),
		Retry:    fastRetry(),
		Status:   io.Discard,
	}
	if mutate != nil {
		mutate(&deps)
	}
	b, err := NewGridTradingBot(f.cfg, deps)
	require.NoError(t, err)
	return b
}

func (f *fixture) stored(t *testing.T) *models.BotState {
	t.Helper()
	state, err := f.repo.LoadState()
	require.NoError(t, err)
	require.NotNil(t, state)
	return state
}

// crossLevel6 ticks once above 3600 and once below it, so the second tick buys
// level 6.
func (f *fixture) crossLevel6(ctx context.Context, b *GridTradingBot) {
	f.ex.setPrice("3650")
	b.Tick(ctx)
	f.ex.setPrice("3550")
	b.Tick(ctx)
}

func level(t *testing.T, l *ledger.Ledger, index int) models.GridLevel {
	t.Helper()
	lv, ok := l.Level(index)
	require.True(t, ok)
	return lv
}

func statuses(l *ledger.Ledger) []models.LevelStatus {
	var out []models.LevelStatus
	for _, lv := range l.Levels() {
		out = append(out, lv.Status)
	}
	return out
}

func TestTickBuysAndPersists(t *testing.T) {
	f := newFixture(t, "3550")
	f.ex.autoFill = true
	obs := &tickRecorder{}
	b := f.newBot(t, func(deps *Deps) { deps.Observer = obs })
	ctx := context.Background()

	require.NoError(t, b.Start(ctx))
	assert.Equal(t, models.StateRunning, b.State())

	f.ex.setPrice("3650")
	b.Tick(ctx)
	assert.Equal(t, 0, f.ex.placedCount(), "no level has been crossed yet")
	assert.Equal(t, uint64(1), f.stored(t).Version)

	f.ex.setPrice("3550")
	b.Tick(ctx)

	lv := level(t, b.Ledger(), 6)
	assert.Equal(t, models.LevelHolding, lv.Status, "3600 was crossed on the way to 3550")
	assert.True(t, lv.Amount.Equal(d("0.1")))
	assert.Equal(t, 1, f.ex.placedCount())

	assert.Equal(t, 2, f.rec.count(events.SignalGenerated))
	assert.Equal(t, 1, f.rec.count(events.OrderSubmitted))
	assert.Equal(t, 1, f.rec.count(events.OrderFilled))

	state := f.stored(t)
	assert.Equal(t, uint64(2), state.Version)
	assert.Equal(t, models.StateRunning, state.RunState)
	assert.Equal(t, b.BotID(), state.BotID)
	assert.Equal(t, models.LevelHolding, state.GridLevels[6].Status)
	assert.True(t, state.Position.LastPrice.Equal(d("3550")))

	require.Len(t, obs.calls, 2)
	assert.Equal(t, 0, obs.calls[0].GridsHeld)
	assert.Equal(t, 1, obs.calls[1].GridsHeld)

	b.Tick(ctx)
	assert.Equal(t, uint64(3), f.stored(t).Version, "every tick persists")
	assert.Equal(t, 1, f.ex.placedCount(), "the price stayed put")
}

func TestPauseLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t, "3550")
	f.ex.autoFill = true
	b := f.newBot(t, nil)
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))

	f.crossLevel6(ctx, b)
	require.Equal(t, 1, f.ex.placedCount())
	before := statuses(b.Ledger())
	version := b.states.Version()

	require.NoError(t, b.Pause("operator pause"))
	assert.Equal(t, models.StatePaused, b.State())

	f.ex.setPrice("3300")
	b.Tick(ctx)
	b.Tick(ctx)
	assert.Equal(t, before, statuses(b.Ledger()))
	assert.Equal(t, version, b.states.Version(), "paused ticks do not persist")
	assert.Equal(t, 1, f.ex.placedCount())

	require.NoError(t, b.Resume("operator resume"))
	b.Tick(ctx)
	assert.Equal(t, models.LevelHolding, level(t, b.Ledger(), 3).Status, "levels armed before the pause still count")
	assert.Equal(t, 2, f.ex.placedCount())
}

func TestStopCancelsPendingOrdersOnce(t *testing.T) {
	f := newFixture(t, "3550")
	var out bytes.Buffer
	b := f.newBot(t, func(deps *Deps) { deps.Status = &out })
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))

	f.crossLevel6(ctx, b)
	lv := level(t, b.Ledger(), 6)
	require.Equal(t, models.LevelBuyPending, lv.Status)
	require.NotEmpty(t, lv.OrderID)

	require.NoError(t, b.Stop("operator stop"))
	b.Shutdown()
	b.Shutdown()

	assert.Equal(t, 1, f.ex.cancelCount(lv.ClientOrderID))
	assert.Equal(t, models.LevelEmpty, level(t, b.Ledger(), 6).Status)
	assert.Empty(t, b.Ledger().Pending())
	assert.Equal(t, models.StateStopped, f.stored(t).RunState)
	assert.Contains(t, out.String(), "ETHUSDT 网格")

	// a stopped bot ignores further ticks
	b.Tick(ctx)
	assert.Equal(t, 1, f.ex.placedCount())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, "3550")
	f.ex.queuePrices("3650", "3550")
	b := f.newBot(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return f.ex.placedCount() >= 1 }, 4*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, models.StateStopped, b.State())
	assert.Empty(t, b.Ledger().Pending())
	f.ex.mu.Lock()
	defer f.ex.mu.Unlock()
	for id, n := range f.ex.cancels {
		assert.Equal(t, 1, n, "order %s cancelled once", id)
	}
}

func TestStopLossLiquidatesAndStops(t *testing.T) {
	f := newFixture(t, "3550")
	f.ex.autoFill = true
	f.cfg.Risk.StopLossPrice = d("3100")
	b := f.newBot(t, nil)
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))

	f.crossLevel6(ctx, b)
	require.Equal(t, models.LevelHolding, level(t, b.Ledger(), 6).Status)

	f.ex.setPrice("3050")
	b.Tick(ctx)

	assert.Equal(t, models.StateStopped, b.State())
	assert.True(t, b.Ledger().Position().HeldAmount.IsZero())
	pnl := b.ClosedPnL()
	require.Len(t, pnl, 1)
	assert.True(t, pnl[0].Equal(d("-55")), "sold 0.1 bought at 3600 for 3050, got %s", pnl[0])
	assert.Equal(t, 1, f.rec.count(events.RiskTriggered))
	assert.Equal(t, 1, b.risk.State().ConsecutiveLosses)
	assert.Equal(t, models.StateStopped, f.stored(t).RunState)
	assert.NoError(t, b.SessionErr())
}

func TestAuthErrorOnPlaceFailsBot(t *testing.T) {
	f := newFixture(t, "3550")
	f.ex.placeErr = exchange.NewError(exchange.KindAuth, -2015, "Invalid API-key, IP, or permissions for action.", nil)
	b := f.newBot(t, nil)
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))

	f.crossLevel6(ctx, b)

	assert.Equal(t, models.StateError, b.State())
	require.Error(t, b.SessionErr())
	assert.True(t, executor.IsAuth(b.SessionErr()))
	assert.Equal(t, models.LevelEmpty, level(t, b.Ledger(), 6).Status, "a rejected order is reverted")
	assert.Equal(t, models.StateError, f.stored(t).RunState)
	assert.Equal(t, 1, f.rec.count(events.OrderFailed))
}

func TestPriceErrors(t *testing.T) {
	f := newFixture(t, "3550")
	f.ex.priceErr = exchange.NewError(exchange.KindTransient, -1001, "Internal error; unable to process your request.", nil)
	b := f.newBot(t, nil)
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))

	b.Tick(ctx)
	assert.Equal(t, models.StateRunning, b.State(), "a transient failure skips the tick")
	assert.Equal(t, uint64(1), b.states.Version(), "a skipped tick still records when it ran")
	assert.Equal(t, 1, f.rec.count(events.SignalGenerated))
	f.rec.mu.Lock()
	last := f.rec.events[len(f.rec.events)-1]
	f.rec.mu.Unlock()
	data, ok := last.Data.(events.SignalData)
	require.True(t, ok)
	assert.True(t, data.Signal.IsHold())
	assert.Contains(t, data.Signal.Reason, "price unavailable")
	assert.Equal(t, 0, f.ex.placedCount())

	f.ex.mu.Lock()
	f.ex.priceErr = exchange.NewError(exchange.KindAuth, -2014, "API-key format invalid.", nil)
	f.ex.mu.Unlock()
	b.Tick(ctx)
	assert.Equal(t, models.StateError, b.State())
	assert.True(t, executor.IsAuth(b.SessionErr()))
	assert.Equal(t, models.StateError, f.stored(t).RunState)
}

func TestBalanceMismatchFailsBot(t *testing.T) {
	f := newFixture(t, "3550")
	f.ex.autoFill = true
	b := f.newBot(t, nil)
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))

	f.crossLevel6(ctx, b)
	require.True(t, b.Ledger().Position().HeldAmount.IsPositive())

	zero := decimal.Zero
	f.ex.mu.Lock()
	f.ex.baseFix = &zero
	f.ex.mu.Unlock()

	b.Tick(ctx)
	b.Tick(ctx)
	assert.Equal(t, models.StateRunning, b.State(), "two mismatches in a row are tolerated")

	b.Tick(ctx)
	assert.Equal(t, models.StateError, b.State())
	assert.True(t, errors.Is(b.SessionErr(), executor.ErrReconciliationMismatch))
}

func TestRestartRestoresState(t *testing.T) {
	f := newFixture(t, "3550")
	f.ex.autoFill = true
	ctx := context.Background()

	first := f.newBot(t, nil)
	require.NoError(t, first.Start(ctx))
	f.crossLevel6(ctx, first)
	// crash: no shutdown, the last tick already persisted RUNNING

	second := f.newBot(t, nil)
	assert.Equal(t, first.BotID(), second.BotID())
	assert.Equal(t, models.StateIdle, second.State(), "RUNNING is restored as IDLE")
	assert.Equal(t, models.LevelHolding, level(t, second.Ledger(), 6).Status)
	require.NoError(t, second.Start(ctx))
	assert.Equal(t, models.StateRunning, second.State())

	require.NoError(t, second.Stop("operator stop"))
	second.Shutdown()

	bus := events.NewBus(zap.NewNop())
	third, err := NewGridTradingBot(f.cfg, Deps{Exchange: f.ex, Repo: f.repo, Bus: bus, Retry: fastRetry(), Status: io.Discard})
	require.NoError(t, err)
	err = third.Start(ctx)
	assert.True(t, errors.Is(err, ErrSessionEnded))
	assert.Equal(t, models.StateStopped, third.State())

	fourth := f.newBot(t, func(deps *Deps) { deps.Reset = true })
	require.NoError(t, fourth.Start(ctx))
	assert.Equal(t, models.StateRunning, fourth.State())
	assert.Equal(t, first.BotID(), fourth.BotID())
	lv := level(t, fourth.Ledger(), 6)
	assert.Equal(t, models.LevelEmpty, lv.Status)
	assert.Equal(t, uint64(1), lv.Sequence, "order sequences survive a reset")
	assert.True(t, fourth.Ledger().Position().HeldAmount.IsZero())
}

func TestChangedGridRequiresReset(t *testing.T) {
	f := newFixture(t, "3550")
	f.ex.autoFill = true
	ctx := context.Background()

	first := f.newBot(t, nil)
	require.NoError(t, first.Start(ctx))
	f.crossLevel6(ctx, first)

	f.cfg.Grid.Count = 5
	_, err := NewGridTradingBot(f.cfg, Deps{Exchange: f.ex, Repo: f.repo, Retry: fastRetry(), Status: io.Discard})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrGridMismatch))

	reset := f.newBot(t, func(deps *Deps) { deps.Reset = true })
	assert.NotEqual(t, first.BotID(), reset.BotID(), "a discarded grid gets a new identity")
	assert.Equal(t, 5, reset.Ledger().Count())
	require.NoError(t, reset.Start(ctx))
	reset.Tick(ctx)
	state := f.stored(t)
	assert.Equal(t, reset.BotID(), state.BotID)
	assert.Len(t, state.GridLevels, 5)
}

// TestResetCancelsOrdersOfDiscardedState verifies a reset that throws away the old
// record first cancels the orders that record still had open.
func TestResetCancelsOrdersOfDiscardedState(t *testing.T) {
	for name, change := range map[string]func(*models.Config){
		"grid changed":   func(cfg *models.Config) { cfg.Grid.Count = 5 },
		"symbol changed": func(cfg *models.Config) { cfg.Symbol = "BTCUSDT" },
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, "3550")
			ctx := context.Background()

			first := f.newBot(t, nil)
			require.NoError(t, first.Start(ctx))
			f.crossLevel6(ctx, first)
			old := level(t, first.Ledger(), 6)
			require.Equal(t, models.LevelBuyPending, old.Status)

			change(f.cfg)
			reset := f.newBot(t, func(deps *Deps) { deps.Reset = true })
			assert.Equal(t, 1, f.ex.cancelCount(old.ClientOrderID))
			assert.NotEqual(t, first.BotID(), reset.BotID())
			assert.Empty(t, reset.Ledger().Pending())

			require.NoError(t, reset.Start(ctx))
			assert.Equal(t, 1, f.ex.cancelCount(old.ClientOrderID), "cancelled once")
		})
	}
}

// TestTickSharesOneRetryBudget runs a tick against eight pending orders whose
// status queries keep failing. The whole tick stays within the retry budget and
// still persists.
func TestTickSharesOneRetryBudget(t *testing.T) {
	f := newFixture(t, "3550")
	retry := &executor.RetryPolicy{
		MaxAttempts: 10,
		Backoff:     backoff.Backoff{Min: 20 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
		MaxTotal:    100 * time.Millisecond,
		CallTimeout: time.Second,
		IsTransient: exchange.IsTransient,
	}
	b := f.newBot(t, func(deps *Deps) { deps.Retry = retry })
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))

	for i := 0; i < 8; i++ {
		lv := level(t, b.Ledger(), i)
		require.NoError(t, b.Ledger().MarkBuyPending(i, ledger.OrderRef{
			ClientOrderID: fmt.Sprintf("pending-%d", i),
			Price:         lv.Price,
			Amount:        d("0.1"),
			Sequence:      1,
		}, time.Now()))
	}
	f.ex.mu.Lock()
	f.ex.statusErr = exchange.NewError(exchange.KindTransient, -1001, "Internal error; unable to process your request.", nil)
	f.ex.statusDelay = 5 * time.Millisecond
	f.ex.mu.Unlock()

	start := time.Now()
	b.Tick(ctx)
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	assert.Equal(t, models.StateRunning, b.State())
	assert.Equal(t, uint64(1), f.stored(t).Version)
	assert.Len(t, b.Ledger().Pending(), 8, "unanswered orders wait for the next tick")
	assert.Equal(t, 0, f.ex.placedCount())
}

func TestAnalyzeOnlyPlacesNoOrders(t *testing.T) {
	f := newFixture(t, "3550")
	f.cfg.AnalyzeOnly = true
	b := f.newBot(t, nil)
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))

	b.Tick(ctx)
	b.Tick(ctx)

	assert.Equal(t, 0, f.ex.placedCount())
	assert.Equal(t, 2, f.rec.count(events.SignalGenerated))
	assert.Empty(t, b.Ledger().Pending())
	assert.Equal(t, uint64(2), f.stored(t).Version)
}

func kline(at time.Time, closePrice string) models.Kline {
	p := d(closePrice)
	return models.Kline{OpenTime: at, Open: p, High: p, Low: p, Close: p, Volume: d("1")}
}

func TestRunPaper(t *testing.T) {
	cfg := testConfig()
	repo, err := persistence.NewInMemoryRepository(zap.NewNop())
	require.NoError(t, err)
	defer repo.Close()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var klines []models.Kline
	for i, p := range []string{"3550", "3450", "3350", "3450", "3800", "3900"} {
		klines = append(klines, kline(start.Add(time.Duration(i)*time.Minute), p))
	}

	paper := exchange.NewPaperExchange(cfg, zap.NewNop())
	paper.SetPrice(klines[0].Open, klines[0].OpenTime)
	b, err := NewGridTradingBot(cfg, Deps{
		Exchange: paper,
		Repo:     repo,
		Retry:    fastRetry(),
		Clock:    paper.Now,
		Status:   io.Discard,
	})
	require.NoError(t, err)

	require.NoError(t, b.RunPaper(context.Background(), klines, paper))

	assert.Equal(t, models.StateStopped, b.State())
	assert.Positive(t, paper.OrdersPlaced())
	assert.Empty(t, paper.OpenOrders())
	pnl := b.ClosedPnL()
	require.NotEmpty(t, pnl)
	for _, p := range pnl {
		assert.True(t, p.IsPositive(), "grid round trip closed at %s", p)
	}

	state, err := repo.LoadState()
	require.NoError(t, err)
	assert.Equal(t, models.StateStopped, state.RunState)
	assert.True(t, state.LastTickAt.Time.Equal(klines[len(klines)-1].OpenTime))
}
