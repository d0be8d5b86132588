package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"launchpad/internal/deposit"
	"launchpad/internal/ledger"
)

type fakeConfirmer struct {
	mu     sync.Mutex
	round  uint64
	err    error
	rounds uint64
	txids  []string
}

func (f *fakeConfirmer) WaitForConfirmation(_ context.Context, txid string, rounds uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txids = append(f.txids, txid)
	f.rounds = rounds
	return f.round, f.err
}

func TestRecorderFillsConfirmedRound(t *testing.T) {
	store := ledger.NewMemoryStore()
	confirmer := &fakeConfirmer{round: 42}
	rec := NewRecorder(store, NewMetrics(), nil).WithConfirmations(confirmer, 4)

	rec.DepositSettled(context.Background(), deposit.Receipt{
		TxID:       "LIVE-1",
		Mode:       deposit.ModeLive,
		Sender:     "SENDER",
		Receiver:   "ESCROW",
		MicroAlgos: 250_000,
	})
	rec.Wait()

	got, err := store.Get(context.Background(), "LIVE-1")
	if err != nil || got == nil {
		t.Fatalf("expected record, got %+v %v", got, err)
	}
	if got.Round != 42 {
		t.Fatalf("expected round 42, got %d", got.Round)
	}
	if got.Sender != "SENDER" || got.MicroAlgos != 250_000 {
		t.Fatalf("confirmation should keep the deposit fields, got %+v", got)
	}
	if confirmer.rounds != 4 {
		t.Fatalf("expected wait of 4 rounds, got %d", confirmer.rounds)
	}
}

func TestRecorderSkipsConfirmation(t *testing.T) {
	tests := []struct {
		name      string
		mode      deposit.Mode
		confirmer *fakeConfirmer
		wantWaits int
	}{
		{name: "test mode", mode: deposit.ModeTest, confirmer: &fakeConfirmer{round: 9}},
		{name: "not confirmed", mode: deposit.ModeLive, confirmer: &fakeConfirmer{err: errors.New("timeout")}, wantWaits: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := ledger.NewMemoryStore()
			rec := NewRecorder(store, nil, nil).WithConfirmations(tc.confirmer, 2)
			txid := fmt.Sprintf("TX-%s", tc.mode)

			rec.DepositSettled(context.Background(), deposit.Receipt{TxID: txid, Mode: tc.mode, Receiver: "ESCROW", MicroAlgos: 1})
			rec.Wait()

			got, _ := store.Get(context.Background(), txid)
			if got == nil {
				t.Fatalf("deposit should be recorded regardless of confirmation")
			}
			if got.Round != 0 {
				t.Fatalf("expected round 0, got %d", got.Round)
			}
			if len(tc.confirmer.txids) != tc.wantWaits {
				t.Fatalf("expected %d waits, got %d", tc.wantWaits, len(tc.confirmer.txids))
			}
		})
	}
}

func TestRecorderWithoutConfirmer(t *testing.T) {
	store := ledger.NewMemoryStore()
	rec := NewRecorder(store, nil, nil)
	rec.DepositSettled(context.Background(), deposit.Receipt{TxID: "LIVE-2", Mode: deposit.ModeLive, Receiver: "ESCROW", MicroAlgos: 1})
	rec.Wait()

	got, _ := store.Get(context.Background(), "LIVE-2")
	if got == nil || got.Round != 0 {
		t.Fatalf("expected unconfirmed record, got %+v", got)
	}
}
