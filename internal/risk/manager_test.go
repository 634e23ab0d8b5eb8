package risk

import (
	"testing"
	"time"

	"spot-grid-bot/internal/events"
	"spot-grid-bot/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var riskCfg = models.RiskConfig{
	StopLossPrice:        d("2800"),
	MaxPositionGrids:     5,
	DailyLossLimit:       d("50"),
	MaxDrawdown:          d("0.1"),
	ConsecutiveLossLimit: 3,
	InitialCapital:       d("1000"),
}

func newRecordedManager() (*Manager, *[]events.RiskData) {
	bus := events.NewBus(zap.NewNop())
	var triggered []events.RiskData
	bus.Subscribe(events.RiskTriggered, func(ev events.Event) error {
		triggered = append(triggered, ev.Data.(events.RiskData))
		return nil
	})
	return NewManager(riskCfg, bus, zap.NewNop()), &triggered
}

func buy() models.Signal {
	return models.Signal{Action: models.ActionBuy, Price: d("3500"), Amount: d("0.1"), LevelIndex: 5}
}

func sell() models.Signal {
	return models.Signal{Action: models.ActionSell, Price: d("3600"), Amount: d("0.1"), LevelIndex: 5}
}

func md(price string) models.MarketData {
	return models.MarketData{Price: d(price), Timestamp: time.Now()}
}

// TestMaxPositionRejectsSixthBuy covers five grids held at a limit of five.
func TestMaxPositionRejectsSixthBuy(t *testing.T) {
	m, triggered := newRecordedManager()
	pos := models.Position{GridsHeld: 5, HeldAmount: d("0.5")}

	out := m.Check(buy(), pos, md("3490"))
	assert.Equal(t, models.ActionHold, out.Action)
	require.Len(t, *triggered, 1)
	assert.Equal(t, "max position", (*triggered)[0].Rule)
	assert.Contains(t, out.Reason, "max position")
	assert.Equal(t, models.ActionBuy, (*triggered)[0].Original.Action)

	out = m.Check(buy(), models.Position{GridsHeld: 4}, md("3490"))
	assert.Equal(t, models.ActionBuy, out.Action, "the fifth grid is still allowed")
}

// TestStopLossDominates verifies every input becomes a sell of the whole position.
func TestStopLossDominates(t *testing.T) {
	pos := models.Position{GridsHeld: 5, HeldAmount: d("0.7")}
	for _, sig := range []models.Signal{buy(), sell(), models.Hold(d("2790"), "nothing")} {
		m, triggered := newRecordedManager()
		out := m.Check(sig, pos, md("2790"))
		assert.Equal(t, models.ActionSell, out.Action)
		assert.True(t, out.Liquidate)
		assert.True(t, out.Amount.Equal(d("0.7")))
		assert.Equal(t, models.NoLevel, out.LevelIndex)
		require.Len(t, *triggered, 1)
		assert.Equal(t, RuleStopLoss, (*triggered)[0].Rule)
	}

	m, _ := newRecordedManager()
	out := m.Check(buy(), models.Position{}, md("2800"))
	assert.True(t, out.Liquidate, "the stop price itself triggers")
}

// TestSellNeverBlocked verifies sells pass through even when every buy rule is violated.
func TestSellNeverBlocked(t *testing.T) {
	m, triggered := newRecordedManager()
	m.Observe(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), d("1200"))
	m.Observe(time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), d("900"))
	for i := 0; i < 5; i++ {
		m.RecordClose(d("-1"))
	}
	pos := models.Position{GridsHeld: 9, RealizedPnL: d("-100")}

	out := m.Check(sell(), pos, md("3600"))
	assert.Equal(t, models.ActionSell, out.Action)
	assert.Empty(t, *triggered)

	out = m.Check(buy(), models.Position{GridsHeld: 1, RealizedPnL: d("-100")}, md("3600"))
	assert.Equal(t, models.ActionHold, out.Action)
}

// TestDailyLossLimit verifies the daily window and its UTC reset.
func TestDailyLossLimit(t *testing.T) {
	m, triggered := newRecordedManager()
	day1 := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	m.Observe(day1, d("1000"))
	m.Observe(day1.Add(time.Hour), d("950"))
	st := m.State()
	assert.True(t, st.DailyPnL.Equal(d("-50")))
	assert.Equal(t, "2024-01-01", st.Day)

	pos := models.Position{RealizedPnL: d("-50")}
	out := m.Check(buy(), pos, md("3490"))
	assert.Equal(t, models.ActionHold, out.Action)
	require.Len(t, *triggered, 1)
	assert.Equal(t, RuleDailyLoss, (*triggered)[0].Rule)

	// a new UTC day opens a fresh window even at 00:30 local UTC+1
	m.Observe(time.Date(2024, 1, 2, 0, 30, 0, 0, time.FixedZone("UTC+1", 3600)), d("950"))
	assert.Equal(t, "2024-01-01", m.State().Day, "00:30 UTC+1 is still January 1st in UTC")
	m.Observe(time.Date(2024, 1, 2, 0, 0, 1, 0, time.UTC), d("950"))
	st = m.State()
	assert.Equal(t, "2024-01-02", st.Day)
	assert.True(t, st.DailyPnL.IsZero())
	assert.True(t, st.DailyStartEquity.Equal(d("950")))
	assert.True(t, st.PeakEquity.Equal(d("1000")), "peak survives the day boundary")
}

// TestDrawdownLimit verifies buys stop once equity falls too far below the peak.
func TestDrawdownLimit(t *testing.T) {
	cfg := riskCfg
	cfg.DailyLossLimit = decimal.Zero
	m := NewManager(cfg, nil, nil)
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	m.Observe(now, d("1200"))

	// equity 1000 + 70 = 1070: drawdown 10.8%
	out := m.Check(buy(), models.Position{UnrealizedPnL: d("70")}, md("3490"))
	assert.Equal(t, models.ActionHold, out.Action)
	assert.Contains(t, out.Reason, RuleDrawdown)

	// equity 1090: drawdown 9.2%
	out = m.Check(buy(), models.Position{UnrealizedPnL: d("90")}, md("3490"))
	assert.Equal(t, models.ActionBuy, out.Action)
	assert.True(t, m.Drawdown(d("1080")).Equal(d("0.1")))
}

// TestPeakIsMonotonic verifies the peak never decreases.
func TestPeakIsMonotonic(t *testing.T) {
	m := NewManager(riskCfg, nil, nil)
	now := time.Now()
	for _, eq := range []string{"1000", "1100", "900", "1050"} {
		m.Observe(now, d(eq))
	}
	assert.True(t, m.State().PeakEquity.Equal(d("1100")))
}

// TestConsecutiveLosses verifies the loss streak rule and its reset on a win.
func TestConsecutiveLosses(t *testing.T) {
	m, triggered := newRecordedManager()
	for i := 0; i < 3; i++ {
		m.RecordClose(d("-2"))
	}
	out := m.Check(buy(), models.Position{}, md("3490"))
	assert.Equal(t, models.ActionHold, out.Action)
	require.Len(t, *triggered, 1)
	assert.Equal(t, RuleConsecutiveLosses, (*triggered)[0].Rule)

	m.RecordClose(d("3"))
	assert.Equal(t, 0, m.State().ConsecutiveLosses)
	assert.Equal(t, models.ActionBuy, m.Check(buy(), models.Position{}, md("3490")).Action)
}

// TestRuleOrder verifies the first violated rule is the one reported.
func TestRuleOrder(t *testing.T) {
	m, triggered := newRecordedManager()
	m.Observe(time.Now(), d("1000"))
	for i := 0; i < 3; i++ {
		m.RecordClose(d("-2"))
	}
	m.Check(buy(), models.Position{GridsHeld: 5, RealizedPnL: d("-200")}, md("3490"))
	require.Len(t, *triggered, 1)
	assert.Equal(t, RuleMaxPosition, (*triggered)[0].Rule)
}

// TestRestoreAndReset verifies persisted state can be reloaded and cleared.
func TestRestoreAndReset(t *testing.T) {
	m := NewManager(riskCfg, nil, nil)
	m.Restore(models.RiskState{PeakEquity: d("10"), ConsecutiveLosses: 2, Day: "2024-01-01"})
	assert.Equal(t, 2, m.State().ConsecutiveLosses)
	m.Reset()
	assert.Equal(t, models.RiskState{}, m.State())
}

// TestMaxPositionCountsWidenedBuys verifies the limit is measured in base amount once
// the grid quantity is known.
func TestMaxPositionCountsWidenedBuys(t *testing.T) {
	m, triggered := newRecordedManager()
	m.SetGridQuantity(d("0.1"))

	widened := buy()
	widened.Amount = d("0.3")
	out := m.Check(widened, models.Position{GridsHeld: 1, Exposure: d("0.3")}, md("3490"))
	assert.Equal(t, models.ActionHold, out.Action, "0.3 + 0.3 is more than 5 x 0.1")
	require.Len(t, *triggered, 1)
	assert.Equal(t, RuleMaxPosition, (*triggered)[0].Rule)
	assert.Contains(t, out.Reason, "exposure")

	widened.Amount = d("0.2")
	out = m.Check(widened, models.Position{GridsHeld: 1, Exposure: d("0.3")}, md("3490"))
	assert.Equal(t, models.ActionBuy, out.Action, "0.5 fills the limit exactly")

	out = m.Check(buy(), models.Position{GridsHeld: 2, Exposure: d("0.5")}, md("3490"))
	assert.Equal(t, models.ActionHold, out.Action, "two widened grids already use the whole limit")
}

func anomalyManager() (*Manager, *[]events.RiskData) {
	cfg := riskCfg
	cfg.PriceSpikePercent = d("10")
	cfg.PriceDropPercent = d("5")
	cfg.PriceDropTicks = 5
	bus := events.NewBus(zap.NewNop())
	var triggered []events.RiskData
	bus.Subscribe(events.RiskTriggered, func(ev events.Event) error {
		triggered = append(triggered, ev.Data.(events.RiskData))
		return nil
	})
	return NewManager(cfg, bus, zap.NewNop()), &triggered
}

// TestPriceSpikeBlocksBuys verifies a jump against the previous tick in either
// direction stops buys for that tick only.
func TestPriceSpikeBlocksBuys(t *testing.T) {
	m, triggered := anomalyManager()
	hold := models.Hold(d("3500"), "nothing")

	assert.Equal(t, models.ActionBuy, m.Check(buy(), models.Position{}, md("3500")).Action, "no history yet")

	out := m.Check(buy(), models.Position{}, md("3880"))
	assert.Equal(t, models.ActionHold, out.Action)
	require.Len(t, *triggered, 1)
	assert.Equal(t, RulePriceAnomaly, (*triggered)[0].Rule)
	assert.Contains(t, out.Reason, "since the last tick")

	assert.Equal(t, models.ActionSell, m.Check(sell(), models.Position{}, md("3480")).Action, "sells are never blocked")
	assert.Len(t, *triggered, 1)

	m.Check(hold, models.Position{}, md("3470"))
	assert.Equal(t, models.ActionBuy, m.Check(buy(), models.Position{}, md("3460")).Action)

	m.Reset()
	assert.Equal(t, models.ActionBuy, m.Check(buy(), models.Position{}, md("2900")).Action, "reset forgets the price history")
}

// TestRapidDropBlocksBuys covers a steady fall of more than 5% over five ticks, each
// step too small to count as a spike.
func TestRapidDropBlocksBuys(t *testing.T) {
	m, triggered := anomalyManager()
	hold := models.Hold(d("3500"), "nothing")
	for _, p := range []string{"3500", "3460", "3420", "3380", "3340"} {
		m.Check(hold, models.Position{}, md(p))
	}
	require.Empty(t, *triggered)

	out := m.Check(buy(), models.Position{}, md("3300"))
	assert.Equal(t, models.ActionHold, out.Action)
	require.Len(t, *triggered, 1)
	assert.Equal(t, RulePriceAnomaly, (*triggered)[0].Rule)
	assert.Contains(t, out.Reason, "over 5 ticks")

	// the window moved on: 3460 -> 3320 is about -4%
	assert.Equal(t, models.ActionBuy, m.Check(buy(), models.Position{}, md("3320")).Action)
}

// TestPriceAnomalyComesBeforeLossStreak verifies the anomaly rule sits after drawdown
// and before the consecutive loss rule.
func TestPriceAnomalyComesBeforeLossStreak(t *testing.T) {
	m, triggered := anomalyManager()
	for i := 0; i < 3; i++ {
		m.RecordClose(d("-2"))
	}
	m.Check(models.Hold(d("3500"), "nothing"), models.Position{}, md("3500"))
	require.Empty(t, *triggered)

	m.Check(buy(), models.Position{}, md("3100"))
	require.Len(t, *triggered, 1)
	assert.Equal(t, RulePriceAnomaly, (*triggered)[0].Rule)
}
