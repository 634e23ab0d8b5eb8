package persistence

import (
	"encoding/json"

	"spot-grid-bot/internal/models"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var stateKey = []byte("bot_state")

// badgerRepository is the BadgerDB implementation of the StateRepository.
// The state is stored as JSON under a single key.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string, logger *zap.Logger) (StateRepository, error) {
	return open(badger.DefaultOptions(dbPath), logger)
}

// NewInMemoryRepository returns a repository backed by an in-memory BadgerDB, used by
// paper runs and tests.
func NewInMemoryRepository(logger *zap.Logger) (StateRepository, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), logger)
}

func open(opts badger.Options, logger *zap.Logger) (StateRepository, error) {
	if logger == nil {
		opts.Logger = nil
	} else {
		// badger logs compaction chatter at info level, keep only warnings
		opts.Logger = &badgerLogger{s: logger.Named("badger").Sugar()}
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger at %q", opts.Dir)
	}
	return &badgerRepository{db: db}, nil
}

// SaveState checks the stored version and writes the new state in one transaction.
func (r *badgerRepository) SaveState(state *models.BotState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "marshal state")
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		stored, err := readVersion(txn)
		if err != nil {
			return err
		}
		if state.Version <= stored {
			return errors.Wrapf(ErrStaleVersion, "saving version %d, stored %d", state.Version, stored)
		}
		return txn.Set(stateKey, data)
	})
	// conflicting writers surface as ErrConflict, which is a stale write as well
	if errors.Is(err, badger.ErrConflict) {
		return errors.Wrap(ErrStaleVersion, "concurrent save")
	}
	return err
}

func readVersion(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(stateKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var head struct {
		Version uint64 `json:"version"`
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &head)
	})
	return head.Version, errors.Wrap(err, "decode stored version")
}

// LoadState loads the bot state from storage.
// If the state key is not found, it returns (nil, nil) to indicate no state is present.
func (r *badgerRepository) LoadState() (*models.BotState, error) {
	var state models.BotState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey)
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load state")
	}
	return &state, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l *badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l *badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l *badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
