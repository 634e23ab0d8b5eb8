package statemanager

import (
	"sync"
	"time"

	"spot-grid-bot/internal/ledger"
	"spot-grid-bot/internal/models"
	"spot-grid-bot/internal/persistence"
	"spot-grid-bot/internal/risk"
	"spot-grid-bot/internal/statemachine"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrIncompatibleState is returned when a persisted record cannot be resumed.
var ErrIncompatibleState = errors.New("persisted state is incompatible")

// StateManager is responsible for turning the live components into the durable
// record and back. Saves are synchronous and every save advances Version.
type StateManager struct {
	mu         sync.Mutex
	repo       persistence.StateRepository
	botID      uuid.UUID
	symbol     string
	version    uint64
	staleAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewStateManager creates a new StateManager with a fresh bot id. Load replaces
// the id with the persisted one.
func NewStateManager(repo persistence.StateRepository, cfg *models.Config, logger *zap.Logger) *StateManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateManager{
		repo:       repo,
		botID:      uuid.New(),
		symbol:     cfg.Symbol,
		staleAfter: cfg.StaleAfter(),
		logger:     logger.Named("statemanager"),
		now:        time.Now,
	}
}

// BotID identifies this bot across restarts.
func (sm *StateManager) BotID() uuid.UUID {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.botID
}

// Version returns the version of the last successful save.
func (sm *StateManager) Version() uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.version
}

// Load reads the persisted record, if any, and adopts its bot id and version. A
// record that cannot be resumed is returned along with ErrIncompatibleState, so
// the caller can clean up the orders it references before discarding it.
func (sm *StateManager) Load() (*models.BotState, error) {
	state, err := sm.repo.LoadState()
	if err != nil {
		return nil, err
	}
	if state == nil {
		sm.logger.Info("No persisted state found, starting fresh.", zap.String("bot_id", sm.BotID().String()))
		return nil, nil
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	// the stored version bounds every later save, even when the record is discarded
	sm.version = state.Version
	if state.SchemaVersion != models.StateSchemaVersion {
		return state, errors.Wrapf(ErrIncompatibleState, "schema version %d, expected %d", state.SchemaVersion, models.StateSchemaVersion)
	}
	if state.Symbol != sm.symbol {
		return state, errors.Wrapf(ErrIncompatibleState, "state belongs to %s, configured %s", state.Symbol, sm.symbol)
	}

	if id, err := uuid.Parse(state.BotID); err == nil {
		sm.botID = id
	} else {
		sm.logger.Warn("Persisted bot id is not a uuid, keeping a new one.", zap.String("bot_id", state.BotID))
	}
	sm.logger.Info("Persisted state loaded.",
		zap.String("bot_id", sm.botID.String()),
		zap.Uint64("version", state.Version),
		zap.String("run_state", string(state.RunState)),
		zap.Time("last_tick_at", state.LastTickAt.Time))
	return state, nil
}

// RenewBotID starts a new identity, so client order ids of a discarded session are
// never reused. The version sequence continues.
func (sm *StateManager) RenewBotID() uuid.UUID {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	old := sm.botID
	sm.botID = uuid.New()
	sm.logger.Info("Bot id renewed.", zap.String("previous", old.String()), zap.String("bot_id", sm.botID.String()))
	return sm.botID
}

// IsStale reports whether the record is too old to trust without a full reconcile.
func (sm *StateManager) IsStale(state *models.BotState) bool {
	if state == nil || state.LastTickAt.IsZero() {
		return true
	}
	return sm.staleAfter > 0 && sm.now().Sub(state.LastTickAt.Time) > sm.staleAfter
}

// Restore pushes a loaded record into the ledger, the risk manager and the state
// machine. A grid built from different parameters is rejected.
func (sm *StateManager) Restore(state *models.BotState, l *ledger.Ledger, rm *risk.Manager, m *statemachine.Machine) error {
	if err := l.Restore(state.Grid, state.GridLevels, state.Position.RealizedPnL); err != nil {
		return err
	}
	rm.Restore(state.RiskState)
	m.Restore(state.RunState)
	sm.logger.Info("State restored.",
		zap.Int("pending", len(l.Pending())),
		zap.Int("holding", len(l.Holding())),
		zap.String("run_state", string(m.State())))
	return nil
}

// Snapshot builds the durable record from the live components. Version is filled
// in by Save.
func (sm *StateManager) Snapshot(l *ledger.Ledger, rm *risk.Manager, run models.RunState, lastTick time.Time) *models.BotState {
	return &models.BotState{
		SchemaVersion: models.StateSchemaVersion,
		BotID:         sm.BotID().String(),
		Symbol:        sm.symbol,
		RunState:      run,
		Grid:          l.Spec(),
		GridLevels:    l.Levels(),
		Position:      l.Position(),
		RiskState:     rm.State(),
		LastTickAt:    models.NewTimestamp(lastTick),
	}
}

// Save writes state with the next version. The version only advances when the
// write succeeds.
func (sm *StateManager) Save(state *models.BotState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	toSave := state.Clone()
	toSave.Version = sm.version + 1
	toSave.SavedAt = models.NewTimestamp(sm.now())
	if err := sm.repo.SaveState(toSave); err != nil {
		sm.logger.Error("CRITICAL: Failed to save state", zap.Uint64("version", toSave.Version), zap.Error(err))
		return err
	}
	sm.version = toSave.Version
	return nil
}

// Persist snapshots and saves in one step.
func (sm *StateManager) Persist(l *ledger.Ledger, rm *risk.Manager, run models.RunState, lastTick time.Time) error {
	return sm.Save(sm.Snapshot(l, rm, run, lastTick))
}
