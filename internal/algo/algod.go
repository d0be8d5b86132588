package algo

import (
	"context"
	"errors"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// APIKeyHeader carries the access token for hosted algod/indexer endpoints.
const APIKeyHeader = "X-API-Key"

// HealthChecker is implemented by collaborators that can report reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type ClientConfig struct {
	Address string
	Token   string
}

// Algod talks to an algod node: suggested params, broadcast and confirmation.
type Algod struct {
	client *algod.Client
}

func NewAlgod(cfg ClientConfig) (*Algod, error) {
	if cfg.Address == "" {
		return nil, errors.New("algod address is required")
	}
	cli, err := algod.MakeClientWithHeaders(cfg.Address, "", tokenHeaders(cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("algod client: %w", err)
	}
	return &Algod{client: cli}, nil
}

func tokenHeaders(token string) []*common.Header {
	if token == "" {
		return nil
	}
	return []*common.Header{{Key: APIKeyHeader, Value: token}}
}

func (a *Algod) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	params, err := a.client.SuggestedParams().Do(ctx)
	if err != nil {
		return types.SuggestedParams{}, fmt.Errorf("suggested params: %w", err)
	}
	return params, nil
}

func (a *Algod) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	txid, err := a.client.SendRawTransaction(raw).Do(ctx)
	if err != nil {
		return "", fmt.Errorf("send raw transaction: %w", err)
	}
	return txid, nil
}

// WaitForConfirmation blocks until txid is confirmed or rounds pass, returning the confirmed round.
func (a *Algod) WaitForConfirmation(ctx context.Context, txid string, rounds uint64) (uint64, error) {
	info, err := transaction.WaitForConfirmation(a.client, txid, rounds, ctx)
	if err != nil {
		return 0, fmt.Errorf("wait for %s: %w", txid, err)
	}
	return info.ConfirmedRound, nil
}

// AccountInfo is the balance view of one account: microAlgos plus units held per asset id.
type AccountInfo struct {
	MicroAlgos uint64
	Assets     map[uint64]uint64
}

func (a *Algod) AccountInfo(ctx context.Context, address string) (AccountInfo, error) {
	acct, err := a.client.AccountInformation(address).Do(ctx)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("account %s: %w", address, err)
	}
	info := AccountInfo{MicroAlgos: acct.Amount, Assets: make(map[uint64]uint64, len(acct.Assets))}
	for _, holding := range acct.Assets {
		info.Assets[holding.AssetId] = holding.Amount
	}
	return info, nil
}

func (a *Algod) Ping(ctx context.Context) error {
	_, err := a.client.Status().Do(ctx)
	return err
}
