package deposit

import (
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// BuildPayment constructs the unsigned escrow payment.
func BuildPayment(sender, receiver string, micro uint64, params types.SuggestedParams) (types.Transaction, error) {
	txn, err := transaction.MakePaymentTxn(sender, receiver, micro, nil, "", params)
	if err != nil {
		return types.Transaction{}, fmt.Errorf("build payment: %w", err)
	}
	return txn, nil
}

// EncodeTransaction returns the canonical msgpack bytes a wallet signs.
func EncodeTransaction(txn types.Transaction) []byte {
	return msgpack.Encode(txn)
}

// DecodeTransaction is the inverse of EncodeTransaction.
func DecodeTransaction(raw []byte) (types.Transaction, error) {
	var txn types.Transaction
	if err := msgpack.Decode(raw, &txn); err != nil {
		return types.Transaction{}, fmt.Errorf("decode transaction: %w", err)
	}
	return txn, nil
}

func validAddress(addr string) bool {
	_, err := types.DecodeAddress(addr)
	return err == nil
}
