package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"launchpad/internal/deposit"
	"launchpad/internal/ledger"
)

// Confirmer waits for a broadcast transaction and reports its round.
type Confirmer interface {
	WaitForConfirmation(ctx context.Context, txid string, rounds uint64) (uint64, error)
}

// confirmTimeout bounds one background confirmation wait.
const confirmTimeout = 2 * time.Minute

// Recorder implements deposit.Observer: settled deposits go to the ledger,
// every outcome goes to the metrics.
type Recorder struct {
	store   ledger.Store
	metrics *Metrics
	logger  *zap.Logger

	confirmer Confirmer
	rounds    uint64
	pending   sync.WaitGroup
}

func NewRecorder(store ledger.Store, metrics *Metrics, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, metrics: metrics, logger: logger.Named("recorder")}
}

// WithConfirmations makes live deposits record their confirmed round once
// the network reports it within rounds.
func (r *Recorder) WithConfirmations(c Confirmer, rounds uint64) *Recorder {
	r.confirmer = c
	r.rounds = rounds
	return r
}

// Wait blocks until outstanding confirmation waits finish.
func (r *Recorder) Wait() {
	r.pending.Wait()
}

func (r *Recorder) DepositSettled(ctx context.Context, receipt deposit.Receipt) {
	if r.metrics != nil {
		r.metrics.incDeposit(string(receipt.Mode), "settled")
	}
	if r.store == nil {
		return
	}
	rec := ledger.Record{
		TxID:       receipt.TxID,
		Mode:       string(receipt.Mode),
		Sender:     receipt.Sender,
		Receiver:   receipt.Receiver,
		MicroAlgos: receipt.MicroAlgos,
	}
	if err := r.store.Save(ctx, rec); err != nil {
		r.logger.Error("failed to record deposit", zap.String("txid", receipt.TxID), zap.Error(err))
		return
	}
	if receipt.Mode == deposit.ModeLive && r.confirmer != nil && r.rounds > 0 {
		r.pending.Add(1)
		go r.confirm(context.WithoutCancel(ctx), rec)
	}
}

func (r *Recorder) confirm(ctx context.Context, rec ledger.Record) {
	defer r.pending.Done()
	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	round, err := r.confirmer.WaitForConfirmation(ctx, rec.TxID, r.rounds)
	if err != nil {
		r.logger.Warn("deposit not confirmed", zap.String("txid", rec.TxID), zap.Error(err))
		return
	}
	rec.Round = round
	if err := r.store.Save(ctx, rec); err != nil {
		r.logger.Error("failed to record confirmed round", zap.String("txid", rec.TxID), zap.Error(err))
		return
	}
	r.logger.Info("deposit confirmed", zap.String("txid", rec.TxID), zap.Uint64("round", round))
}

func (r *Recorder) DepositFailed(mode deposit.Mode, err error) {
	if r.metrics != nil {
		r.metrics.incDeposit(string(mode), errorKind(err))
	}
}

func (r *Recorder) SessionChanged(session deposit.Session) {
	if r.metrics != nil {
		r.metrics.setConnected(session.IsConnected())
	}
}

// errorKind names the controller failure class, used both as a metric label
// and to pick the HTTP status.
func errorKind(err error) string {
	switch {
	case errors.Is(err, deposit.ErrPrecondition):
		return "precondition"
	case errors.Is(err, deposit.ErrValidation):
		return "validation"
	case errors.Is(err, deposit.ErrBusy):
		return "busy"
	case errors.Is(err, deposit.ErrNetwork):
		return "network"
	case errors.Is(err, deposit.ErrSigning):
		return "signing"
	case errors.Is(err, deposit.ErrBroadcast):
		return "broadcast"
	case errors.Is(err, deposit.ErrBackend):
		return "backend"
	case errors.Is(err, deposit.ErrConnect):
		return "connect"
	default:
		return "unknown"
	}
}
