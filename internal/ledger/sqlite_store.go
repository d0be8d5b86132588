package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists records in a local SQLite file. Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single writer avoids SQLITE_BUSY under concurrent handlers
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initDB(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initDB(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS deposits (
			txid TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			receiver TEXT NOT NULL,
			micro_algos INTEGER NOT NULL,
			confirmed_round INTEGER NOT NULL DEFAULT 0,
			idempotency_key TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			response BLOB,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create deposits table: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_deposits_idempotency_key ON deposits(idempotency_key)`)
	if err != nil {
		return fmt.Errorf("failed to create idempotency_key index: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_deposits_created_at ON deposits(created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create created_at index: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deposits (txid, mode, sender, receiver, micro_algos, confirmed_round,
			idempotency_key, status_code, response, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (txid) DO UPDATE
		SET mode = excluded.mode,
			sender = COALESCE(NULLIF(excluded.sender, ''), deposits.sender),
			receiver = excluded.receiver,
			micro_algos = excluded.micro_algos,
			confirmed_round = CASE WHEN excluded.confirmed_round = 0 THEN deposits.confirmed_round ELSE excluded.confirmed_round END,
			idempotency_key = COALESCE(NULLIF(excluded.idempotency_key, ''), deposits.idempotency_key),
			status_code = CASE WHEN excluded.idempotency_key = '' THEN deposits.status_code ELSE excluded.status_code END,
			response = CASE WHEN excluded.idempotency_key = '' THEN deposits.response ELSE excluded.response END,
			expires_at = CASE WHEN excluded.idempotency_key = '' THEN deposits.expires_at ELSE excluded.expires_at END
	`, rec.TxID, rec.Mode, rec.Sender, rec.Receiver, int64(rec.MicroAlgos), int64(rec.Round),
		rec.IdempotencyKey, rec.StatusCode, rec.Response, toNanos(rec.CreatedAt), toNanos(rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("save deposit %s: %w", rec.TxID, err)
	}
	return nil
}

const sqliteSelectColumns = `
	SELECT txid, mode, sender, receiver, micro_algos, confirmed_round,
		idempotency_key, status_code, response, created_at, expires_at
	FROM deposits
`

func (s *SQLiteStore) Get(ctx context.Context, txid string) (*Record, error) {
	return s.getOne(ctx, sqliteSelectColumns+` WHERE txid = ?`, txid)
}

func (s *SQLiteStore) GetByIdempotencyKey(ctx context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := s.getOne(ctx, sqliteSelectColumns+` WHERE idempotency_key = ? ORDER BY created_at DESC LIMIT 1`, key)
	if err != nil || rec == nil {
		return rec, err
	}
	if s.now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, sqliteSelectColumns+` ORDER BY created_at DESC, txid ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list deposits: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) getOne(ctx context.Context, query, arg string) (*Record, error) {
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (Record, error) {
	var (
		rec                Record
		micro, round       int64
		createdAt, expires int64
	)
	err := row.Scan(&rec.TxID, &rec.Mode, &rec.Sender, &rec.Receiver, &micro, &round,
		&rec.IdempotencyKey, &rec.StatusCode, &rec.Response, &createdAt, &expires)
	if err != nil {
		return Record{}, err
	}
	rec.MicroAlgos = uint64(micro)
	rec.Round = uint64(round)
	rec.CreatedAt = fromNanos(createdAt)
	rec.ExpiresAt = fromNanos(expires)
	return rec, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
