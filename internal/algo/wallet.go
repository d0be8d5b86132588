package algo

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"

	"launchpad/internal/deposit"
)

var ErrWalletNotConnected = errors.New("wallet session not connected")

// LocalWallet signs with a single in-process account.
type LocalWallet struct {
	account crypto.Account

	mu        sync.Mutex
	connected bool
}

// NewLocalWallet loads the account behind a 25-word mnemonic.
func NewLocalWallet(phrase string) (*LocalWallet, error) {
	sk, err := mnemonic.ToPrivateKey(strings.TrimSpace(phrase))
	if err != nil {
		return nil, fmt.Errorf("parse mnemonic: %w", err)
	}
	return newWallet(sk)
}

// NewDevWallet derives a deterministic account from seed. For local demos and tests only.
func NewDevWallet(seed string) (*LocalWallet, error) {
	sum := sha256.Sum256([]byte(seed))
	return newWallet(ed25519.NewKeyFromSeed(sum[:]))
}

func newWallet(sk ed25519.PrivateKey) (*LocalWallet, error) {
	account, err := crypto.AccountFromPrivateKey(sk)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return &LocalWallet{account: account}, nil
}

func (w *LocalWallet) Address() string {
	return w.account.Address.String()
}

func (w *LocalWallet) Connect(context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = true
	return []string{w.Address()}, nil
}

func (w *LocalWallet) Disconnect(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return ErrWalletNotConnected
	}
	w.connected = false
	return nil
}

// SignTransactions signs each msgpack-encoded transaction. Transactions from other senders are refused.
func (w *LocalWallet) SignTransactions(ctx context.Context, txns [][]byte) ([]deposit.SignedTxn, error) {
	w.mu.Lock()
	connected := w.connected
	w.mu.Unlock()
	if !connected {
		return nil, ErrWalletNotConnected
	}

	out := make([]deposit.SignedTxn, 0, len(txns))
	for idx, raw := range txns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		txn, err := deposit.DecodeTransaction(raw)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", idx, err)
		}
		if txn.Sender != w.account.Address {
			return nil, fmt.Errorf("transaction %d: sender %s is not this wallet", idx, txn.Sender)
		}
		txid, blob, err := crypto.SignTransaction(w.account.PrivateKey, txn)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: sign: %w", idx, err)
		}
		out = append(out, deposit.SignedTxn{TxID: txid, Blob: blob})
	}
	return out, nil
}
