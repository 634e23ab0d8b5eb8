// Package strategy turns market snapshots into trading signals.
package strategy

import (
	"spot-grid-bot/internal/ledger"
	"spot-grid-bot/internal/models"
)

// Strategy proposes at most one action per tick. Implementations read the ledger
// but never mutate it.
type Strategy interface {
	Name() string
	Analyze(md models.MarketData, l *ledger.Ledger) models.Signal
}

// New returns the strategy selected by the configuration.
func New(cfg *models.Config) Strategy {
	grid := NewGridStrategy(cfg.Grid)
	if cfg.Grid.Smart {
		maxGrids := cfg.Risk.MaxPositionGrids
		if maxGrids <= 0 {
			maxGrids = cfg.Grid.Count
		}
		return NewSmartGridStrategy(grid, cfg.Smart, maxGrids)
	}
	return grid
}
