package journal

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Rajchodisetti/futures-guard/internal/exchange"
	"github.com/Rajchodisetti/futures-guard/internal/model"
	"github.com/Rajchodisetti/futures-guard/internal/observ"
)

// SQLiteRecorder persists the journal to a SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	observ.Log("journal_opened", map[string]any{"path": dbPath})
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp       INTEGER NOT NULL,
			order_id        TEXT NOT NULL,
			client_order_id TEXT,
			symbol          TEXT NOT NULL,
			side            TEXT NOT NULL,
			size            TEXT NOT NULL,
			fill_price      TEXT NOT NULL,
			reduce_only     INTEGER NOT NULL,
			purpose         TEXT,
			correlation_id  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_ts ON orders(timestamp)`,

		`CREATE TABLE IF NOT EXISTS outcomes (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp      INTEGER NOT NULL,
			symbol         TEXT NOT NULL,
			side           TEXT NOT NULL,
			pnl_percent    REAL NOT NULL,
			pnl_usd        REAL NOT NULL,
			feature_key    TEXT,
			reason         TEXT,
			correlation_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_ts ON outcomes(timestamp)`,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordOrder(res exchange.OrderResult, purpose, correlationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reduce := 0
	if res.ReduceOnly {
		reduce = 1
	}
	_, err := r.db.Exec(`INSERT INTO orders
		(timestamp, order_id, client_order_id, symbol, side, size, fill_price, reduce_only, purpose, correlation_id)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		res.PlacedAt.UnixNano(), res.OrderID, res.ClientOrderID, res.Symbol, string(res.Side),
		res.Size.String(), res.FillPrice.String(), reduce, purpose, correlationID,
	)
	return err
}

func (r *SQLiteRecorder) RecordOutcome(o model.TradeOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`INSERT INTO outcomes
		(timestamp, symbol, side, pnl_percent, pnl_usd, feature_key, reason, correlation_id)
		VALUES (?,?,?,?,?,?,?,?)`,
		o.Timestamp.UnixNano(), o.Symbol, string(o.Side), o.PnlPercent, o.PnlUSD,
		o.FeatureKey, o.Reason, o.CorrelationID,
	)
	return err
}

func (r *SQLiteRecorder) Recent(limit int) ([]model.TradeOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`SELECT timestamp, symbol, side, pnl_percent, pnl_usd, feature_key, reason, correlation_id
		FROM (SELECT * FROM outcomes ORDER BY timestamp DESC, id DESC LIMIT ?)
		ORDER BY timestamp ASC, id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []model.TradeOutcome
	for rows.Next() {
		var (
			o    model.TradeOutcome
			ts   int64
			side string
		)
		if err := rows.Scan(&ts, &o.Symbol, &side, &o.PnlPercent, &o.PnlUSD, &o.FeatureKey, &o.Reason, &o.CorrelationID); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Timestamp = time.Unix(0, ts).UTC()
		o.Side = model.Side(side)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
