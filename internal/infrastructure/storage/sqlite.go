package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vitos/flowtrade/internal/domain"
)

// SQLiteStore persists detected fills and completed round trips. The CSV
// ledgers hold only live state; this is the append-only trade history used
// for reporting.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			order_id TEXT NOT NULL,
			tier TEXT NOT NULL,
			price REAL NOT NULL,
			notional REAL NOT NULL,
			units REAL NOT NULL,
			filled_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_symbol ON fills(symbol);`,
		`CREATE TABLE IF NOT EXISTS round_trips (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			avg_buy_price REAL NOT NULL,
			quantity REAL NOT NULL,
			sell_price REAL NOT NULL,
			closed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_round_trips_symbol ON round_trips(symbol);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveFill(ctx context.Context, fill *domain.Fill) error {
	query := `INSERT INTO fills (symbol, order_id, tier, price, notional, units, filled_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		fill.Symbol, fill.OrderID, string(fill.Tier), fill.Price, fill.Notional, fill.Units, fill.FilledAt)
	if err != nil {
		return err
	}
	fill.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) SaveRoundTrip(ctx context.Context, trip *domain.RoundTrip) error {
	query := `INSERT INTO round_trips (symbol, avg_buy_price, quantity, sell_price, closed_at)
			  VALUES (?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		trip.Symbol, trip.AvgBuyPrice, trip.Quantity, trip.SellPrice, trip.ClosedAt)
	if err != nil {
		return err
	}
	trip.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListFills(ctx context.Context, limit int) ([]*domain.Fill, error) {
	query := `SELECT id, symbol, order_id, tier, price, notional, units, filled_at
			  FROM fills ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []*domain.Fill
	for rows.Next() {
		var f domain.Fill
		var tier string
		if err := rows.Scan(&f.ID, &f.Symbol, &f.OrderID, &tier, &f.Price, &f.Notional, &f.Units, &f.FilledAt); err != nil {
			return nil, err
		}
		f.Tier = domain.Tier(tier)
		fills = append(fills, &f)
	}
	return fills, rows.Err()
}

func (s *SQLiteStore) ListRoundTrips(ctx context.Context, limit int) ([]*domain.RoundTrip, error) {
	query := `SELECT id, symbol, avg_buy_price, quantity, sell_price, closed_at
			  FROM round_trips ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trips []*domain.RoundTrip
	for rows.Next() {
		var t domain.RoundTrip
		if err := rows.Scan(&t.ID, &t.Symbol, &t.AvgBuyPrice, &t.Quantity, &t.SellPrice, &t.ClosedAt); err != nil {
			return nil, err
		}
		trips = append(trips, &t)
	}
	return trips, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
