package deposit

import (
	"context"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/shopspring/decimal"
)

// Wallet abstracts the account holder: connect, disconnect and sign.
type Wallet interface {
	Connect(ctx context.Context) ([]string, error)
	Disconnect(ctx context.Context) error
	SignTransactions(ctx context.Context, txns [][]byte) ([]SignedTxn, error)
}

// SignedTxn is one wallet signature result. Blob is empty when the wallet produced nothing usable.
type SignedTxn struct {
	TxID string
	Blob []byte
}

// Network is the algod subset the live branch needs.
type Network interface {
	SuggestedParams(ctx context.Context) (types.SuggestedParams, error)
	SendRawTransaction(ctx context.Context, raw []byte) (string, error)
}

// Backend is the stub deposit endpoint used in test mode.
type Backend interface {
	Deposit(ctx context.Context, amount decimal.Decimal, escrowAddress string) (string, error)
}

// Notifier receives every status the controller publishes.
type Notifier interface {
	Publish(Status)
}

// Observer is told about settled and failed deposits and session changes.
type Observer interface {
	DepositSettled(ctx context.Context, receipt Receipt)
	DepositFailed(mode Mode, err error)
	SessionChanged(session Session)
}

// Receipt describes a deposit that reached the network (or the stub backend).
type Receipt struct {
	TxID       string          `json:"txid"`
	Mode       Mode            `json:"mode"`
	Sender     string          `json:"sender,omitempty"`
	Receiver   string          `json:"receiver"`
	Amount     decimal.Decimal `json:"amount"`
	MicroAlgos uint64          `json:"microAlgos"`
}
