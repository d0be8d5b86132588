package algo

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"launchpad/internal/deposit"
)

func testParams() types.SuggestedParams {
	hash := make([]byte, 32)
	hash[0] = 1
	return types.SuggestedParams{
		GenesisID:       "testnet-v1.0",
		GenesisHash:     hash,
		FirstRoundValid: 10,
		LastRoundValid:  1010,
		MinFee:          1000,
	}
}

func TestLocalWalletSignsOwnPayments(t *testing.T) {
	acct := crypto.GenerateAccount()
	phrase, err := mnemonic.FromPrivateKey(acct.PrivateKey)
	if err != nil {
		t.Fatalf("mnemonic: %v", err)
	}
	wallet, err := NewLocalWallet(phrase)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}

	accounts, err := wallet.Connect(context.Background())
	if err != nil || len(accounts) != 1 || accounts[0] != acct.Address.String() {
		t.Fatalf("unexpected connect result %v %v", accounts, err)
	}

	escrow := crypto.GenerateAccount().Address.String()
	txn, err := deposit.BuildPayment(accounts[0], escrow, 100_000, testParams())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	signed, err := wallet.SignTransactions(context.Background(), [][]byte{deposit.EncodeTransaction(txn)})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(signed) != 1 || len(signed[0].Blob) == 0 {
		t.Fatalf("expected one signed blob")
	}
	if signed[0].TxID != crypto.GetTxID(txn) {
		t.Fatalf("txid mismatch")
	}

	var stx types.SignedTxn
	if err := msgpack.Decode(signed[0].Blob, &stx); err != nil {
		t.Fatalf("decode signed: %v", err)
	}
	if stx.Sig == (types.Signature{}) {
		t.Fatalf("missing signature")
	}
	if stx.Txn.Receiver.String() != escrow || uint64(stx.Txn.Amount) != 100_000 {
		t.Fatalf("unexpected signed payload %+v", stx.Txn.PaymentTxnFields)
	}
	msg := append([]byte("TX"), msgpack.Encode(stx.Txn)...)
	if !ed25519.Verify(acct.PublicKey, msg, stx.Sig[:]) {
		t.Fatalf("signature does not verify")
	}
}

func TestLocalWalletRefusesForeignSender(t *testing.T) {
	wallet, err := NewDevWallet("alice")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if _, err := wallet.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	other := crypto.GenerateAccount().Address.String()
	txn, err := deposit.BuildPayment(other, wallet.Address(), 100_000, testParams())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := wallet.SignTransactions(context.Background(), [][]byte{deposit.EncodeTransaction(txn)}); err == nil {
		t.Fatalf("expected refusal")
	}
}

func TestLocalWalletRequiresSession(t *testing.T) {
	wallet, err := NewDevWallet("bob")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if _, err := wallet.SignTransactions(context.Background(), nil); !errors.Is(err, ErrWalletNotConnected) {
		t.Fatalf("expected ErrWalletNotConnected, got %v", err)
	}
	if err := wallet.Disconnect(context.Background()); !errors.Is(err, ErrWalletNotConnected) {
		t.Fatalf("expected ErrWalletNotConnected, got %v", err)
	}
}

func TestDevWalletIsDeterministic(t *testing.T) {
	a, _ := NewDevWallet("seed")
	b, _ := NewDevWallet("seed")
	if a.Address() != b.Address() {
		t.Fatalf("dev wallet addresses differ")
	}
	if _, err := types.DecodeAddress(a.Address()); err != nil {
		t.Fatalf("dev wallet address invalid: %v", err)
	}
}

func TestNewLocalWalletRejectsGarbage(t *testing.T) {
	if _, err := NewLocalWallet("not a mnemonic"); err == nil {
		t.Fatalf("expected error")
	}
}
