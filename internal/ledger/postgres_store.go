package ledger

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

const createDepositsTableSQL = `
CREATE TABLE IF NOT EXISTS deposits (
    txid TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    sender TEXT NOT NULL DEFAULT '',
    receiver TEXT NOT NULL,
    micro_algos BIGINT NOT NULL,
    confirmed_round BIGINT NOT NULL DEFAULT 0,
    idempotency_key TEXT NOT NULL DEFAULT '',
    status_code INT NOT NULL DEFAULT 0,
    response BYTEA,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS deposits_idempotency_key_idx ON deposits (idempotency_key);
CREATE INDEX IF NOT EXISTS deposits_created_at_idx ON deposits (created_at);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createDepositsTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Save(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = p.now()
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO deposits (txid, mode, sender, receiver, micro_algos, confirmed_round,
    idempotency_key, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (txid) DO UPDATE
SET mode = EXCLUDED.mode,
    sender = COALESCE(NULLIF(EXCLUDED.sender, ''), deposits.sender),
    receiver = EXCLUDED.receiver,
    micro_algos = EXCLUDED.micro_algos,
    confirmed_round = CASE WHEN EXCLUDED.confirmed_round = 0 THEN deposits.confirmed_round ELSE EXCLUDED.confirmed_round END,
    idempotency_key = COALESCE(NULLIF(EXCLUDED.idempotency_key, ''), deposits.idempotency_key),
    status_code = CASE WHEN EXCLUDED.idempotency_key = '' THEN deposits.status_code ELSE EXCLUDED.status_code END,
    response = CASE WHEN EXCLUDED.idempotency_key = '' THEN deposits.response ELSE EXCLUDED.response END,
    expires_at = CASE WHEN EXCLUDED.idempotency_key = '' THEN deposits.expires_at ELSE EXCLUDED.expires_at END
`, rec.TxID, rec.Mode, rec.Sender, rec.Receiver, int64(rec.MicroAlgos), int64(rec.Round),
		rec.IdempotencyKey, rec.StatusCode, rec.Response, rec.CreatedAt, rec.ExpiresAt)
	return err
}

const selectDepositColumns = `
SELECT txid, mode, sender, receiver, micro_algos, confirmed_round,
    idempotency_key, status_code, response, created_at, expires_at
FROM deposits
`

func (p *PostgresStore) Get(ctx context.Context, txid string) (*Record, error) {
	return p.getOne(ctx, selectDepositColumns+`WHERE txid = $1`, txid)
}

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := p.getOne(ctx, selectDepositColumns+`WHERE idempotency_key = $1 ORDER BY created_at DESC LIMIT 1`, key)
	if err != nil || rec == nil {
		return rec, err
	}
	if p.now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return rec, nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := p.pool.Query(ctx, selectDepositColumns+`ORDER BY created_at DESC, txid ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) getOne(ctx context.Context, query string, arg string) (*Record, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec   Record
		micro int64
		round int64
	)
	err := row.Scan(&rec.TxID, &rec.Mode, &rec.Sender, &rec.Receiver, &micro, &round,
		&rec.IdempotencyKey, &rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		return Record{}, err
	}
	rec.MicroAlgos = uint64(micro)
	rec.Round = uint64(round)
	return rec, nil
}
