package persistence

import (
	"spot-grid-bot/internal/models"

	"github.com/pkg/errors"
)

// ErrStaleVersion is returned when a save does not advance the stored version.
var ErrStaleVersion = errors.New("state version is not newer than the stored one")

// StateRepository stores the single durable bot record. Badger backs both the
// on-disk store used live and the in-memory one used by paper runs and tests.
type StateRepository interface {
	// SaveState atomically saves the entire bot state. The state's Version must be
	// greater than the stored one, otherwise ErrStaleVersion is returned and the
	// stored state is left untouched.
	SaveState(state *models.BotState) error

	// LoadState returns the stored record, or (nil, nil) when there is none.
	LoadState() (*models.BotState, error)

	// Close releases the database.
	Close() error
}
