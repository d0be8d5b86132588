package airdrop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"go.uber.org/zap"

	"launchpad/internal/algo"
	"launchpad/internal/deposit"
)

const (
	// MaxGroup is the protocol limit on transactions in one atomic group.
	MaxGroup     = 16
	DefaultBatch = MaxGroup

	fallbackFee = 1000
)

var (
	ErrBatchSize         = fmt.Errorf("batch size must be between 1 and %d", MaxGroup)
	ErrNoRecipients      = errors.New("no recipients to send to")
	ErrInsufficientFunds = errors.New("sender balance does not cover the airdrop")
	ErrNotExecuted       = errors.New("execute not requested")
)

// Chain is the algod subset an airdrop needs.
type Chain interface {
	SuggestedParams(ctx context.Context) (types.SuggestedParams, error)
	SendRawTransaction(ctx context.Context, raw []byte) (string, error)
	AccountInfo(ctx context.Context, address string) (algo.AccountInfo, error)
	WaitForConfirmation(ctx context.Context, txid string, rounds uint64) (uint64, error)
}

// Options control one run. AssetID 0 sends ALGO, anything else sends that ASA.
type Options struct {
	AssetID    uint64
	BatchSize  int
	DryRun     bool
	Execute    bool
	WaitRounds uint64
	Pause      time.Duration
}

// Plan is what a run would send and what it costs.
type Plan struct {
	Send            []Row
	SkippedNoOptIn  []Row
	FeePerTxn       uint64
	TotalFees       uint64
	TotalMicroAlgos uint64
	TotalAssetUnits uint64
	Batches         int
}

// RequiredMicroAlgos is the ALGO the sender must hold: fees plus any ALGO being sent.
func (p Plan) RequiredMicroAlgos() uint64 {
	return p.TotalFees + p.TotalMicroAlgos
}

type Batch struct {
	TxIDs []string
	Round uint64
}

type Result struct {
	Plan    Plan
	Batches []Batch
}

// Airdropper sends grouped payments or asset transfers from one wallet.
type Airdropper struct {
	chain  Chain
	wallet deposit.Wallet
	sender string
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

func New(chain Chain, wallet deposit.Wallet, sender string, logger *zap.Logger) *Airdropper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Airdropper{
		chain:  chain,
		wallet: wallet,
		sender: sender,
		logger: logger.Named("airdrop"),
		sleep:  sleepCtx,
	}
}

// Plan filters recipients that have not opted in to the asset and estimates totals.
func (a *Airdropper) Plan(ctx context.Context, rows []Row, opts Options) (Plan, error) {
	batch := opts.BatchSize
	if batch == 0 {
		batch = DefaultBatch
	}
	if batch < 1 || batch > MaxGroup {
		return Plan{}, ErrBatchSize
	}
	if len(rows) == 0 {
		return Plan{}, ErrNoRecipients
	}

	var plan Plan
	for _, row := range rows {
		if opts.AssetID != 0 && !a.optedIn(ctx, row.Recipient, opts.AssetID) {
			plan.SkippedNoOptIn = append(plan.SkippedNoOptIn, row)
			continue
		}
		plan.Send = append(plan.Send, row)
		if opts.AssetID == 0 {
			plan.TotalMicroAlgos += row.Amount
		} else {
			plan.TotalAssetUnits += row.Amount
		}
	}

	params, err := a.chain.SuggestedParams(ctx)
	if err != nil {
		return Plan{}, err
	}
	plan.FeePerTxn = params.MinFee
	if plan.FeePerTxn == 0 {
		plan.FeePerTxn = fallbackFee
	}
	plan.TotalFees = plan.FeePerTxn * uint64(len(plan.Send))
	plan.Batches = (len(plan.Send) + batch - 1) / batch

	a.logger.Info("airdrop planned",
		zap.Int("recipients", len(rows)),
		zap.Int("will_send", len(plan.Send)),
		zap.Int("skipped_no_optin", len(plan.SkippedNoOptIn)),
		zap.Uint64("total_fees", plan.TotalFees),
		zap.Uint64("total_micro_algos", plan.TotalMicroAlgos),
		zap.Uint64("total_asset_units", plan.TotalAssetUnits),
	)
	return plan, nil
}

// optedIn reports whether addr holds assetID. Lookup failures count as not opted in.
func (a *Airdropper) optedIn(ctx context.Context, addr string, assetID uint64) bool {
	info, err := a.chain.AccountInfo(ctx, addr)
	if err != nil {
		a.logger.Warn("account lookup failed", zap.String("address", addr), zap.Error(err))
		return false
	}
	_, ok := info.Assets[assetID]
	return ok
}

// CheckFunds fails with ErrInsufficientFunds when the sender cannot cover plan.
func (a *Airdropper) CheckFunds(ctx context.Context, plan Plan, assetID uint64) error {
	info, err := a.chain.AccountInfo(ctx, a.sender)
	if err != nil {
		return err
	}
	if info.MicroAlgos < plan.RequiredMicroAlgos() {
		return fmt.Errorf("%w: need %d microAlgos, have %d", ErrInsufficientFunds, plan.RequiredMicroAlgos(), info.MicroAlgos)
	}
	if assetID != 0 && info.Assets[assetID] < plan.TotalAssetUnits {
		return fmt.Errorf("%w: need %d units of asset %d, have %d", ErrInsufficientFunds, plan.TotalAssetUnits, assetID, info.Assets[assetID])
	}
	return nil
}

// Run plans the airdrop and, unless it is a dry run, checks funds and sends it
// in groups of opts.BatchSize. Without Execute it stops after the funds check
// with ErrNotExecuted.
func (a *Airdropper) Run(ctx context.Context, rows []Row, opts Options) (Result, error) {
	plan, err := a.Plan(ctx, rows, opts)
	if err != nil {
		return Result{}, err
	}
	result := Result{Plan: plan}
	if opts.DryRun {
		a.logger.Info("dry run, nothing submitted")
		return result, nil
	}
	if err := a.CheckFunds(ctx, plan, opts.AssetID); err != nil {
		return result, err
	}
	if !opts.Execute {
		return result, ErrNotExecuted
	}
	if len(plan.Send) == 0 {
		return result, ErrNoRecipients
	}

	if _, err := a.wallet.Connect(ctx); err != nil {
		return result, fmt.Errorf("connect wallet: %w", err)
	}
	defer func() { _ = a.wallet.Disconnect(context.WithoutCancel(ctx)) }()

	size := opts.BatchSize
	if size == 0 {
		size = DefaultBatch
	}
	for i := 0; i < plan.Batches; i++ {
		end := min((i+1)*size, len(plan.Send))
		chunk := plan.Send[i*size : end]
		a.logger.Info("sending batch", zap.Int("batch", i+1), zap.Int("of", plan.Batches), zap.Int("size", len(chunk)))

		sent, err := a.sendBatch(ctx, chunk, opts)
		if err != nil {
			return result, fmt.Errorf("batch %d: %w", i+1, err)
		}
		result.Batches = append(result.Batches, sent)

		if opts.Pause > 0 && i < plan.Batches-1 {
			if err := a.sleep(ctx, opts.Pause); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

func (a *Airdropper) sendBatch(ctx context.Context, rows []Row, opts Options) (Batch, error) {
	params, err := a.chain.SuggestedParams(ctx)
	if err != nil {
		return Batch{}, err
	}

	txns := make([]types.Transaction, 0, len(rows))
	for _, row := range rows {
		txn, err := a.buildTransfer(row, opts.AssetID, params)
		if err != nil {
			return Batch{}, err
		}
		txns = append(txns, txn)
	}
	txns, err = transaction.AssignGroupID(txns, "")
	if err != nil {
		return Batch{}, fmt.Errorf("assign group: %w", err)
	}

	encoded := make([][]byte, len(txns))
	for i, txn := range txns {
		encoded[i] = deposit.EncodeTransaction(txn)
	}
	signed, err := a.wallet.SignTransactions(ctx, encoded)
	if err != nil {
		return Batch{}, fmt.Errorf("sign: %w", err)
	}
	if len(signed) != len(txns) {
		return Batch{}, fmt.Errorf("sign: wallet returned %d of %d transactions", len(signed), len(txns))
	}

	var group []byte
	batch := Batch{TxIDs: make([]string, 0, len(signed))}
	for _, stx := range signed {
		if len(stx.Blob) == 0 {
			return Batch{}, errors.New("sign: wallet returned an empty transaction")
		}
		group = append(group, stx.Blob...)
		batch.TxIDs = append(batch.TxIDs, stx.TxID)
	}

	first, err := a.chain.SendRawTransaction(ctx, group)
	if err != nil {
		return Batch{}, err
	}
	a.logger.Info("batch submitted", zap.Int("size", len(signed)), zap.String("first_txid", first))

	if opts.WaitRounds > 0 {
		round, err := a.chain.WaitForConfirmation(ctx, first, opts.WaitRounds)
		if err != nil {
			return batch, err
		}
		batch.Round = round
		a.logger.Info("batch confirmed", zap.String("first_txid", first), zap.Uint64("round", round))
	}
	return batch, nil
}

func (a *Airdropper) buildTransfer(row Row, assetID uint64, params types.SuggestedParams) (types.Transaction, error) {
	if assetID == 0 {
		return deposit.BuildPayment(a.sender, row.Recipient, row.Amount, params)
	}
	txn, err := transaction.MakeAssetTransferTxn(a.sender, row.Recipient, row.Amount, nil, params, "", assetID)
	if err != nil {
		return types.Transaction{}, fmt.Errorf("build asset transfer: %w", err)
	}
	return txn, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
