// Package metrics exposes bot activity as Prometheus metrics. The collector only
// listens on the event bus; the trading core never calls it directly.
package metrics

import (
	"net/http"
	"time"

	"spot-grid-bot/internal/events"
	"spot-grid-bot/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const promNamespace = "spot_grid_bot"

var runStates = []models.RunState{
	models.StateIdle, models.StateRunning, models.StatePaused, models.StateStopped, models.StateError,
}

// Collector turns bus events into Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	orders      *prometheus.CounterVec
	signals     *prometheus.CounterVec
	riskRules   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	runState    *prometheus.GaugeVec
	realizedPnL prometheus.Gauge
	equity      prometheus.Gauge
	gridsHeld   prometheus.Gauge
	lastTick    prometheus.Gauge
}

// NewCollector creates a collector with its own registry.
func NewCollector(symbol string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	labels := prometheus.Labels{"symbol": symbol}
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		logger:   logger.Named("metrics"),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   promNamespace,
			Name:        "order_events_total",
			Help:        "Order events by event type and side.",
			ConstLabels: labels,
		}, []string{"event", "side"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   promNamespace,
			Name:        "signals_total",
			Help:        "Signals produced by the strategy, by action.",
			ConstLabels: labels,
		}, []string{"action"}),
		riskRules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   promNamespace,
			Name:        "risk_triggered_total",
			Help:        "Signals rewritten by the risk manager, by rule.",
			ConstLabels: labels,
		}, []string{"rule"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   promNamespace,
			Name:        "state_transitions_total",
			Help:        "Lifecycle transitions, by target state.",
			ConstLabels: labels,
		}, []string{"to"}),
		runState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   promNamespace,
			Name:        "run_state",
			Help:        "1 for the current lifecycle state, 0 otherwise.",
			ConstLabels: labels,
		}, []string{"state"}),
		realizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   promNamespace,
			Name:        "realized_pnl",
			Help:        "Cumulative realized PnL in quote currency reported by fills.",
			ConstLabels: labels,
		}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   promNamespace,
			Name:        "equity",
			Help:        "Marked-to-market equity in quote currency.",
			ConstLabels: labels,
		}),
		gridsHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   promNamespace,
			Name:        "grids_held",
			Help:        "Grid levels that are not EMPTY.",
			ConstLabels: labels,
		}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   promNamespace,
			Name:        "last_tick_timestamp_seconds",
			Help:        "Unix time of the last completed tick.",
			ConstLabels: labels,
		}),
	}
	registry.MustRegister(c.orders, c.signals, c.riskRules, c.transitions, c.runState,
		c.realizedPnL, c.equity, c.gridsHeld, c.lastTick)
	c.setRunState(models.StateIdle)
	return c
}

// Attach subscribes the collector to every event type of bus.
func (c *Collector) Attach(bus *events.Bus) {
	bus.SubscribeAll(c.Handle)
}

// Handle updates metrics for one event. It is an events.Handler.
func (c *Collector) Handle(ev events.Event) error {
	switch data := ev.Data.(type) {
	case events.StateChangedData:
		c.transitions.WithLabelValues(string(data.To)).Inc()
		c.setRunState(data.To)
	case events.SignalData:
		c.signals.WithLabelValues(string(data.Signal.Action)).Inc()
	case events.RiskData:
		c.riskRules.WithLabelValues(data.Rule).Inc()
	case events.OrderData:
		c.orders.WithLabelValues(string(ev.Type), string(data.Side)).Inc()
		if ev.Type == events.OrderFilled && data.RealizedPnL != "" {
			pnl, err := decimal.NewFromString(data.RealizedPnL)
			if err != nil {
				return err
			}
			f, _ := pnl.Float64()
			c.realizedPnL.Add(f)
		}
	default:
		c.logger.Debug("event without metrics", zap.String("event", string(ev.Type)))
	}
	return nil
}

// ObserveTick records the per-tick gauges that have no event of their own.
func (c *Collector) ObserveTick(equity decimal.Decimal, pos models.Position, at time.Time) {
	f, _ := equity.Float64()
	c.equity.Set(f)
	c.gridsHeld.Set(float64(pos.GridsHeld))
	c.lastTick.Set(float64(at.Unix()))
}

func (c *Collector) setRunState(current models.RunState) {
	for _, s := range runStates {
		v := 0.0
		if s == current {
			v = 1
		}
		c.runState.WithLabelValues(string(s)).Set(v)
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve starts the /metrics endpoint on addr. The returned server is shut down by
// the caller.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	c.logger.Info("metrics server listening", zap.String("addr", addr), zap.String("path", "/metrics"))
	return srv
}
