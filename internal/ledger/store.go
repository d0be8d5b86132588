package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record is one deposit known to the service, together with the cached stub
// response replayed for a repeated idempotency key. Round stays 0 until the
// deposit is seen confirmed.
type Record struct {
	TxID           string    `json:"txid"`
	Mode           string    `json:"mode"`
	Sender         string    `json:"sender,omitempty"`
	Receiver       string    `json:"receiver"`
	MicroAlgos     uint64    `json:"amount"`
	Round          uint64    `json:"round"`
	IdempotencyKey string    `json:"-"`
	StatusCode     int       `json:"-"`
	Response       []byte    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"-"`
}

// Store persists deposit records. Save upserts by TxID; empty idempotency
// fields on the incoming record keep whatever is already stored.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, txid string) (*Record, error)
	List(ctx context.Context, limit int) ([]Record, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// MemoryStore is mostly for testing and the default local setup.
type MemoryStore struct {
	mu     sync.RWMutex
	byTxID map[string]Record
	byKey  map[string]string
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byTxID: make(map[string]Record),
		byKey:  make(map[string]string),
		now:    time.Now,
	}
}

func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	if existing, ok := m.byTxID[rec.TxID]; ok {
		rec = merge(existing, rec)
	}
	m.byTxID[rec.TxID] = rec
	if rec.IdempotencyKey != "" {
		m.byKey[rec.IdempotencyKey] = rec.TxID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, txid string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byTxID[txid]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.byTxID))
	for _, rec := range m.byTxID {
		out = append(out, rec)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TxID < out[j].TxID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetByIdempotencyKey(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txid, ok := m.byKey[key]
	if !ok {
		return nil, nil
	}
	rec := m.byTxID[txid]
	if m.now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// merge overlays next onto existing, keeping stored idempotency data when next has none.
func merge(existing, next Record) Record {
	if next.IdempotencyKey == "" {
		next.IdempotencyKey = existing.IdempotencyKey
		next.StatusCode = existing.StatusCode
		next.Response = existing.Response
		next.ExpiresAt = existing.ExpiresAt
	}
	if next.Sender == "" {
		next.Sender = existing.Sender
	}
	if next.Round == 0 {
		next.Round = existing.Round
	}
	if !existing.CreatedAt.IsZero() {
		next.CreatedAt = existing.CreatedAt
	}
	return next
}
