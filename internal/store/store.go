// Package store keeps the consumer's local state in SQLite: the ledger of
// processed order events used to make processing idempotent under
// at-least-once delivery, and a record of every dead-lettered message.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glimte/orderevents/internal/reliability"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ProcessedOrder is one entry of the processed-order ledger. EventKey
// identifies the event across redeliveries; the same OrderID may appear
// under several keys.
type ProcessedOrder struct {
	EventKey      string
	OrderID       int64
	UserID        int64
	Amount        float64
	PaymentMethod string
	Status        string
	MessageID     string
	ProcessedAt   time.Time
}

// SQLiteStore implements the processed-order ledger and dead-letter record
// on a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the database at path. An empty path
// uses orderevents.db under DefaultDataDir.
func NewStore(path string) (*SQLiteStore, error) {
	dbPath := path
	if dbPath == "" {
		dataDir, err := DefaultDataDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get data directory: %w", err)
		}
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		dbPath = filepath.Join(dataDir, "orderevents.db")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; also keeps ":memory:" databases on one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to set pragmas: %w", err), db.Close())
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize schema: %w", err), db.Close())
	}

	return &SQLiteStore{db: db}, nil
}

// DefaultDataDir returns $XDG_DATA_HOME/orderevents, falling back to ~/.local/share.
func DefaultDataDir() (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "orderevents"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "orderevents"), nil
}

// ErrMissingEventKey is returned by MarkProcessed for an entry without a key
var ErrMissingEventKey = errors.New("store: missing event key")

// MarkProcessed records order as processed. It returns false when its event
// key was already in the ledger, in which case nothing is changed.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, order ProcessedOrder) (bool, error) {
	if order.EventKey == "" {
		return false, fmt.Errorf("mark order %d processed: %w", order.OrderID, ErrMissingEventKey)
	}
	if order.ProcessedAt.IsZero() {
		order.ProcessedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO processed_events
    (event_key, order_id, user_id, amount, payment_method, status, message_id, processed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		order.EventKey, order.OrderID, order.UserID, order.Amount, order.PaymentMethod,
		order.Status, order.MessageID, order.ProcessedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("mark order %d processed: %w", order.OrderID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IsProcessed reports whether the event with key is in the ledger
func (s *SQLiteStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_events WHERE event_key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListProcessed returns the most recently processed orders first
func (s *SQLiteStore) ListProcessed(ctx context.Context, limit int64) (_ []ProcessedOrder, err error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT event_key, order_id, user_id, amount, payment_method, status, message_id, processed_at
FROM processed_events
ORDER BY processed_at DESC, order_id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.Join(err, rows.Close()) }()

	var orders []ProcessedOrder
	for rows.Next() {
		var o ProcessedOrder
		var processedAt int64
		if err := rows.Scan(&o.EventKey, &o.OrderID, &o.UserID, &o.Amount, &o.PaymentMethod,
			&o.Status, &o.MessageID, &processedAt); err != nil {
			return nil, err
		}
		o.ProcessedAt = time.Unix(0, processedAt).UTC()
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// RecordDeadLetter implements reliability.DeadLetterRecorder
func (s *SQLiteStore) RecordDeadLetter(ctx context.Context, letter reliability.DeadLetter) error {
	if letter.DeadLetteredAt.IsZero() {
		letter.DeadLetteredAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO dead_letters
    (message_id, queue, dead_letter_queue, failure_type, attempts, last_error,
     body, content_type, dead_lettered_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		letter.MessageID, letter.Queue, letter.DeadLetterQueue, string(letter.FailureType),
		letter.Attempts, letter.LastError, letter.Body, letter.ContentType,
		letter.DeadLetteredAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record dead letter %q: %w", letter.MessageID, err)
	}
	return nil
}

// ListDeadLetters returns the most recent dead letters for queue first. An
// empty queue lists every queue.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, queue string, limit int64) (_ []reliability.DeadLetter, err error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT message_id, queue, dead_letter_queue, failure_type, attempts, last_error,
       body, content_type, dead_lettered_at
FROM dead_letters
WHERE ? = '' OR queue = ?
ORDER BY dead_lettered_at DESC, id DESC
LIMIT ?`, queue, queue, limit)
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.Join(err, rows.Close()) }()

	var letters []reliability.DeadLetter
	for rows.Next() {
		var l reliability.DeadLetter
		var failureType string
		var deadLetteredAt int64
		if err := rows.Scan(&l.MessageID, &l.Queue, &l.DeadLetterQueue, &failureType,
			&l.Attempts, &l.LastError, &l.Body, &l.ContentType, &deadLetteredAt); err != nil {
			return nil, err
		}
		l.FailureType = reliability.FailureType(failureType)
		l.DeadLetteredAt = time.Unix(0, deadLetteredAt).UTC()
		letters = append(letters, l)
	}
	return letters, rows.Err()
}

// Ping checks the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
