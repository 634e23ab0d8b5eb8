// Package storage keeps an append-only journal of every order event in sqlite.
// The journal is an audit trail only; the bot never reads it back to decide anything.
package storage

import (
	"context"
	"database/sql"
	"time"

	"spot-grid-bot/internal/events"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure-go sqlite driver, registered as "sqlite"
)

// Entry is one row of the order_events table.
type Entry struct {
	ID            int64
	Event         string
	ClientOrderID string
	OrderID       string
	LevelIndex    int
	Side          string
	Price         string
	Amount        string
	Status        string
	RealizedPnL   string
	Reason        string
	CreatedAt     time.Time
}

// Order is the latest known state of one client order id.
type Order struct {
	ClientOrderID string
	OrderID       string
	LevelIndex    int
	Side          string
	Price         string
	Amount        string
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Journal writes order events to a sqlite database.
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenJournal opens (or creates) the journal database at path.
func OpenJournal(path string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open journal")
	}
	// sqlite allows one writer, serialize everything through one connection
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to connect to journal")
	}
	if err = createTables(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create journal tables")
	}
	return &Journal{db: db, logger: logger.Named("journal")}, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// every ORDER_* event, in emission order
	createEventsTableSQL := `
	CREATE TABLE IF NOT EXISTS order_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event TEXT NOT NULL,
		client_order_id TEXT NOT NULL,
		order_id TEXT,
		level_index INTEGER NOT NULL,
		side TEXT NOT NULL,
		price TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		realized_pnl TEXT,
		reason TEXT,
		created_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createEventsTableSQL); err != nil {
		return err
	}

	// one row per client order id with its latest status
	createOrdersTableSQL := `
	CREATE TABLE IF NOT EXISTS orders (
		client_order_id TEXT PRIMARY KEY,
		order_id TEXT,
		level_index INTEGER NOT NULL,
		side TEXT NOT NULL,
		price TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createOrdersTableSQL); err != nil {
		return err
	}

	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_order_events_client ON order_events (client_order_id);`)
	return err
}

// Attach subscribes the journal to the order events of bus.
func (j *Journal) Attach(bus *events.Bus) {
	for _, t := range []events.Type{events.OrderSubmitted, events.OrderFilled, events.OrderFailed} {
		bus.Subscribe(t, j.Handle)
	}
}

// Handle records one order event. It is an events.Handler.
func (j *Journal) Handle(ev events.Event) error {
	data, ok := ev.Data.(events.OrderData)
	if !ok {
		return errors.Errorf("unexpected payload %T for %s", ev.Data, ev.Type)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return j.Record(ctx, ev.Type, data, ev.Timestamp)
}

// Record inserts the event row and upserts the order row in one transaction.
func (j *Journal) Record(ctx context.Context, typ events.Type, data events.OrderData, at time.Time) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin journal transaction")
	}
	defer tx.Rollback()

	ts := at.UTC().UnixMilli()
	_, err = tx.ExecContext(ctx, `
	INSERT INTO order_events (event, client_order_id, order_id, level_index, side, price, amount, status, realized_pnl, reason, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(typ), data.ClientOrderID, data.OrderID, data.LevelIndex, string(data.Side),
		data.Price, data.Amount, data.Status, data.RealizedPnL, data.Reason, ts,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert event for %s", data.ClientOrderID)
	}

	// an empty order id never overwrites a known one
	_, err = tx.ExecContext(ctx, `
	INSERT INTO orders (client_order_id, order_id, level_index, side, price, amount, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(client_order_id) DO UPDATE SET
		order_id = CASE WHEN excluded.order_id = '' THEN orders.order_id ELSE excluded.order_id END,
		status = excluded.status,
		updated_at = excluded.updated_at;`,
		data.ClientOrderID, data.OrderID, data.LevelIndex, string(data.Side),
		data.Price, data.Amount, data.Status, ts, ts,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert order %s", data.ClientOrderID)
	}
	return tx.Commit()
}

// History returns the most recent limit events, oldest first. limit <= 0 returns all.
func (j *Journal) History(ctx context.Context, limit int) ([]Entry, error) {
	query := `
	SELECT id, event, client_order_id, COALESCE(order_id, ''), level_index, side, price, amount, status,
		COALESCE(realized_pnl, ''), COALESCE(reason, ''), created_at
	FROM (SELECT * FROM order_events ORDER BY id DESC LIMIT ?)
	ORDER BY id ASC`
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query order events")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.ID, &e.Event, &e.ClientOrderID, &e.OrderID, &e.LevelIndex, &e.Side,
			&e.Price, &e.Amount, &e.Status, &e.RealizedPnL, &e.Reason, &ts); err != nil {
			return nil, errors.Wrap(err, "failed to scan order event")
		}
		e.CreatedAt = time.UnixMilli(ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetOrder returns the latest row for clientOrderID, or (nil, nil) when unknown.
func (j *Journal) GetOrder(ctx context.Context, clientOrderID string) (*Order, error) {
	var o Order
	var created, updated int64
	err := j.db.QueryRowContext(ctx, `
	SELECT client_order_id, COALESCE(order_id, ''), level_index, side, price, amount, status, created_at, updated_at
	FROM orders WHERE client_order_id = ?`, clientOrderID).Scan(
		&o.ClientOrderID, &o.OrderID, &o.LevelIndex, &o.Side, &o.Price, &o.Amount, &o.Status, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query order %s", clientOrderID)
	}
	o.CreatedAt = time.UnixMilli(created).UTC()
	o.UpdatedAt = time.UnixMilli(updated).UTC()
	return &o, nil
}

// CountByStatus returns how many orders currently sit in each status.
func (j *Journal) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count orders")
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan order count")
		}
		out[status] = n
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
