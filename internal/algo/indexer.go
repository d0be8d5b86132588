package algo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/indexer"
	"go.uber.org/zap"
)

const (
	MaxDepositLimit     = 500
	defaultMaxAttempts  = 3
	defaultRetryBackoff = time.Second
)

// EscrowDeposit is one confirmed payment into the escrow.
type EscrowDeposit struct {
	TxID       string `json:"txid"`
	Sender     string `json:"sender"`
	MicroAlgos uint64 `json:"amount"`
	Round      uint64 `json:"round"`
}

type transactionSearcher interface {
	searchPayments(ctx context.Context, receiver string, limit uint64) (models.TransactionsResponse, error)
}

type sdkSearcher struct {
	client *indexer.Client
}

func (s sdkSearcher) searchPayments(ctx context.Context, receiver string, limit uint64) (models.TransactionsResponse, error) {
	return s.client.SearchForTransactions().
		AddressString(receiver).
		AddressRole("receiver").
		TxType("pay").
		Limit(limit).
		Do(ctx)
}

// Indexer lists escrow deposits. Queries are retried with linearly growing pauses.
type Indexer struct {
	search      transactionSearcher
	logger      *zap.Logger
	maxAttempts int
	backoff     time.Duration
	onRetry     func()
}

func NewIndexer(cfg ClientConfig, logger *zap.Logger) (*Indexer, error) {
	if cfg.Address == "" {
		return nil, errors.New("indexer address is required")
	}
	cli, err := indexer.MakeClientWithHeaders(cfg.Address, "", tokenHeaders(cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("indexer client: %w", err)
	}
	return newIndexer(sdkSearcher{client: cli}, logger), nil
}

func newIndexer(search transactionSearcher, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		search:      search,
		logger:      logger.Named("indexer"),
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultRetryBackoff,
	}
}

// OnRetry registers a callback invoked before every retry, e.g. for metrics.
func (i *Indexer) OnRetry(fn func()) {
	i.onRetry = fn
}

// LatestDeposits returns up to limit payments received by escrow. Limit is clamped to MaxDepositLimit.
func (i *Indexer) LatestDeposits(ctx context.Context, escrow string, limit int) ([]EscrowDeposit, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0, got %d", limit)
	}
	if limit > MaxDepositLimit {
		limit = MaxDepositLimit
	}

	var lastErr error
	for attempt := 0; attempt < i.maxAttempts; attempt++ {
		if attempt > 0 {
			if i.onRetry != nil {
				i.onRetry()
			}
			select {
			case <-time.After(time.Duration(attempt) * i.backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := i.search.searchPayments(ctx, escrow, uint64(limit))
		if err == nil {
			return toDeposits(resp.Transactions), nil
		}
		lastErr = err
		i.logger.Warn("indexer request failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("query indexer after %d attempts: %w", i.maxAttempts, lastErr)
}

func toDeposits(txns []models.Transaction) []EscrowDeposit {
	out := make([]EscrowDeposit, 0, len(txns))
	for _, tx := range txns {
		out = append(out, EscrowDeposit{
			TxID:       tx.Id,
			Sender:     tx.Sender,
			MicroAlgos: tx.PaymentTransaction.Amount,
			Round:      tx.ConfirmedRound,
		})
	}
	return out
}
