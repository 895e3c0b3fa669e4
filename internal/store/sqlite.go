// Package store implements the core.Store persistence capability: a
// deterministic no-op Null store, and a SQLiteStore backed by
// github.com/mattn/go-sqlite3 in WAL mode (§6 "persisted state layout").
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"gridtrader/internal/core"
)

const tickQueueCapacity = 4096

// SQLiteStore persists trades, per-level order lifecycle events, grid
// config snapshots, kill events, and inbound alerts in an append-only
// schema, plus a best-effort tick log. Every RecordX call from a GridWorker
// runs fire-and-forget already (see grid.Worker.recordTrade); ticks are the
// highest-volume write, so they go through a bounded queue that drops the
// oldest queued tick on overflow rather than ever blocking the caller or the
// lower-volume, higher-value trade/kill writes.
type SQLiteStore struct {
	db       *sql.DB
	tickCh   chan core.Tick
	tickDone chan struct{}
}

// NewSQLiteStore opens (creating if absent) a SQLite database at path,
// enables WAL mode for crash recovery, and creates the schema if missing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if err := createSchema(db); err != nil {
		return nil, err
	}

	s := &SQLiteStore{
		db:       db,
		tickCh:   make(chan core.Tick, tickQueueCapacity),
		tickDone: make(chan struct{}),
	}
	go s.drainTicks()
	return s, nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			level_index INTEGER NOT NULL,
			qty TEXT NOT NULL,
			buy_price TEXT NOT NULL,
			sell_price TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_ts ON trades(symbol, ts)`,
		`CREATE TABLE IF NOT EXISTS grid_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			snapshot_json TEXT NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_grid_snapshots_symbol_ts ON grid_snapshots(symbol, ts)`,
		`CREATE TABLE IF NOT EXISTS order_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			level_index INTEGER NOT NULL,
			order_id TEXT NOT NULL,
			side TEXT NOT NULL,
			state TEXT NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_symbol_ts ON order_events(symbol, ts)`,
		`CREATE TABLE IF NOT EXISTS ticks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			price TEXT NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_symbol_ts ON ticks(symbol, ts)`,
		`CREATE TABLE IF NOT EXISTS kill_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			reason TEXT NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			action TEXT NOT NULL,
			price TEXT NOT NULL,
			ts INTEGER NOT NULL,
			result TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) RecordTrade(ctx context.Context, t core.TradeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (symbol, level_index, qty, buy_price, sell_price, realized_pnl, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, t.LevelIndex, t.Qty.String(), t.BuyPrice.String(), t.SellPrice.String(), t.RealizedPnL.String(), t.Ts.UnixMilli())
	if err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordGridSnapshot(ctx context.Context, symbol string, snapshot core.GridSnap) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal grid snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO grid_snapshots (symbol, snapshot_json, ts) VALUES (?, ?, ?)`,
		symbol, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record grid snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordOrderEvent(ctx context.Context, e core.OrderEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO order_events (symbol, level_index, order_id, side, state, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Symbol, e.LevelIndex, e.OrderID, string(e.Side), string(e.State), e.Ts.UnixMilli())
	if err != nil {
		return fmt.Errorf("record order event: %w", err)
	}
	return nil
}

// RecordTick enqueues the tick for background insertion. If the queue is
// saturated it silently evicts the oldest queued tick to make room. Ticks
// are diagnostic, not authoritative state, so dropping one under load is
// always preferable to blocking the PriceFeed's fanout goroutine.
func (s *SQLiteStore) RecordTick(ctx context.Context, tick core.Tick) error {
	select {
	case s.tickCh <- tick:
		return nil
	default:
	}
	select {
	case <-s.tickCh:
	default:
	}
	select {
	case s.tickCh <- tick:
	default:
	}
	return nil
}

func (s *SQLiteStore) drainTicks() {
	defer close(s.tickDone)
	for tick := range s.tickCh {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, _ = s.db.ExecContext(ctx,
			`INSERT INTO ticks (symbol, price, ts) VALUES (?, ?, ?)`,
			tick.Symbol, tick.Price.String(), tick.Ts.UnixMilli())
		cancel()
	}
}

func (s *SQLiteStore) RecordKillEvent(ctx context.Context, reason string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kill_events (reason, ts) VALUES (?, ?)`, reason, ts.UnixMilli())
	if err != nil {
		return fmt.Errorf("record kill event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordAlert(ctx context.Context, a core.AlertRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (symbol, action, price, ts, result) VALUES (?, ?, ?, ?, ?)`,
		a.Symbol, a.Action, a.Price.String(), a.Ts.UnixMilli(), a.Result)
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	close(s.tickCh)
	<-s.tickDone
	return s.db.Close()
}
