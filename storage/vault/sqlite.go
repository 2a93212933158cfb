package vault

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLite persists receipts in a SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. Use ":memory:" for an
// ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serialises
	// writers, which the order uniqueness check relies on.
	db.SetMaxOpenConns(1)
	store := &SQLite{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLite) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS receipts (
            id TEXT PRIMARY KEY,
            order_id TEXT NOT NULL UNIQUE,
            buyer TEXT NOT NULL,
            seller TEXT NOT NULL,
            amount TEXT NOT NULL,
            counter_amount TEXT NOT NULL DEFAULT '',
            mode TEXT NOT NULL,
            proof_hash TEXT NOT NULL,
            timestamp INTEGER NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Mint(ctx context.Context, r Receipt) (string, error) {
	r, err := prepare(r)
	if err != nil {
		return "", err
	}
	r.OrderID = strings.ToLower(r.OrderID)
	const insert = `INSERT INTO receipts (id, order_id, buyer, seller, amount, counter_amount, mode, proof_hash, timestamp)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(order_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, insert, r.ID, r.OrderID, r.Buyer, r.Seller, r.Amount, r.CounterAmount, r.Mode, r.ProofHash, r.Timestamp); err != nil {
		return "", err
	}
	var id string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM receipts WHERE order_id = ?`, r.OrderID).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

const selectReceipt = `SELECT id, order_id, buyer, seller, amount, counter_amount, mode, proof_hash, timestamp FROM receipts`

func scanReceipt(row interface{ Scan(...any) error }) (*Receipt, error) {
	var r Receipt
	if err := row.Scan(&r.ID, &r.OrderID, &r.Buyer, &r.Seller, &r.Amount, &r.CounterAmount, &r.Mode, &r.ProofHash, &r.Timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*Receipt, error) {
	return scanReceipt(s.db.QueryRowContext(ctx, selectReceipt+` WHERE id = ?`, strings.TrimSpace(id)))
}

func (s *SQLite) ByOrder(ctx context.Context, orderID string) (*Receipt, error) {
	return scanReceipt(s.db.QueryRowContext(ctx, selectReceipt+` WHERE order_id = ?`, strings.ToLower(strings.TrimSpace(orderID))))
}

func (s *SQLite) List(ctx context.Context) ([]Receipt, error) {
	rows, err := s.db.QueryContext(ctx, selectReceipt+` ORDER BY timestamp, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
