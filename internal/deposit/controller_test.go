package deposit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/shopspring/decimal"
)

type stubWallet struct {
	accounts      []string
	connectErr    error
	disconnectErr error
	signErr       error
	signed        []SignedTxn
	useInput      bool

	connectCalls    int
	disconnectCalls int
	signCalls       int
	lastSignInput   [][]byte
}

func (w *stubWallet) Connect(context.Context) ([]string, error) {
	w.connectCalls++
	return w.accounts, w.connectErr
}

func (w *stubWallet) Disconnect(context.Context) error {
	w.disconnectCalls++
	return w.disconnectErr
}

func (w *stubWallet) SignTransactions(_ context.Context, txns [][]byte) ([]SignedTxn, error) {
	w.signCalls++
	w.lastSignInput = txns
	if w.signErr != nil {
		return nil, w.signErr
	}
	if w.useInput {
		out := make([]SignedTxn, len(txns))
		for i, raw := range txns {
			out[i] = SignedTxn{Blob: append([]byte("signed:"), raw...)}
		}
		return out, nil
	}
	return w.signed, nil
}

type stubNetwork struct {
	paramsErr error
	sendErr   error
	txid      string

	paramsCalls int
	sendCalls   int
	lastRaw     []byte
}

func (n *stubNetwork) SuggestedParams(context.Context) (types.SuggestedParams, error) {
	n.paramsCalls++
	if n.paramsErr != nil {
		return types.SuggestedParams{}, n.paramsErr
	}
	hash := make([]byte, 32)
	for i := range hash {
		hash[i] = byte(i + 1)
	}
	return types.SuggestedParams{
		Fee:             0,
		GenesisID:       "testnet-v1.0",
		GenesisHash:     hash,
		FirstRoundValid: 1000,
		LastRoundValid:  2000,
		MinFee:          1000,
	}, nil
}

func (n *stubNetwork) SendRawTransaction(_ context.Context, raw []byte) (string, error) {
	n.sendCalls++
	n.lastRaw = raw
	if n.sendErr != nil {
		return "", n.sendErr
	}
	return n.txid, nil
}

type stubBackend struct {
	txid  string
	err   error
	calls int

	lastAmount decimal.Decimal
	lastEscrow string
}

func (b *stubBackend) Deposit(_ context.Context, amount decimal.Decimal, escrow string) (string, error) {
	b.calls++
	b.lastAmount = amount
	b.lastEscrow = escrow
	return b.txid, b.err
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *recordingNotifier) Publish(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recordingNotifier) last() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[len(r.statuses)-1]
}

type countingObserver struct {
	settled  []Receipt
	failed   []error
	sessions []Session
}

func (o *countingObserver) DepositSettled(_ context.Context, r Receipt) { o.settled = append(o.settled, r) }
func (o *countingObserver) DepositFailed(_ Mode, err error)           { o.failed = append(o.failed, err) }
func (o *countingObserver) SessionChanged(s Session)                  { o.sessions = append(o.sessions, s) }

func newAddress() string {
	return crypto.GenerateAccount().Address.String()
}

type fixture struct {
	wallet   *stubWallet
	network  *stubNetwork
	backend  *stubBackend
	notifier *recordingNotifier
	observer *countingObserver
	ctrl     *Controller
	sender   string
	escrow   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sender:   newAddress(),
		escrow:   newAddress(),
		network:  &stubNetwork{txid: "TXID-LIVE"},
		backend:  &stubBackend{txid: "ABC123"},
		notifier: &recordingNotifier{},
		observer: &countingObserver{},
	}
	f.wallet = &stubWallet{accounts: []string{f.sender}, useInput: true}
	f.ctrl = NewController(Options{
		Wallet:   f.wallet,
		Network:  f.network,
		Backend:  f.backend,
		Notifier: f.notifier,
		Observer: f.observer,
	})
	return f
}

func (f *fixture) externalCalls() int {
	return f.network.paramsCalls + f.network.sendCalls + f.backend.calls + f.wallet.signCalls
}

func TestConnectStoresFirstAccount(t *testing.T) {
	f := newFixture(t)
	f.wallet.accounts = []string{f.sender, newAddress()}

	session, err := f.ctrl.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	addr, ok := session.Address()
	if !ok || addr != f.sender {
		t.Fatalf("expected session for %s, got %q", f.sender, addr)
	}
	if f.ctrl.State() != StateConnected {
		t.Fatalf("expected connected state, got %s", f.ctrl.State())
	}
	if got := f.notifier.last(); got.Kind != StatusSuccess || got.TTL != connectedStatusTTL {
		t.Fatalf("unexpected status %+v", got)
	}
	if len(f.observer.sessions) != 1 {
		t.Fatalf("expected one session change")
	}
}

func TestConnectFailureKeepsSessionEmpty(t *testing.T) {
	f := newFixture(t)
	f.wallet.connectErr = errors.New("user closed the modal")

	_, err := f.ctrl.Connect(context.Background())
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	if f.ctrl.Session().IsConnected() {
		t.Fatalf("session should stay empty")
	}
	if f.ctrl.State() != StateDisconnected || f.ctrl.Busy() {
		t.Fatalf("controller should be idle and disconnected")
	}
	st := f.notifier.last()
	if st.Kind != StatusError || st.Message != "Connection failed: user closed the modal" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestConnectRejectsEmptyAccountList(t *testing.T) {
	f := newFixture(t)
	f.wallet.accounts = nil
	if _, err := f.ctrl.Connect(context.Background()); !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
}

func TestDisconnectClearsSessionEvenOnWalletError(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.wallet.disconnectErr = errors.New("bridge gone")

	if err := f.ctrl.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if f.ctrl.Session().IsConnected() {
		t.Fatalf("session should be cleared")
	}
	if f.wallet.disconnectCalls != 1 {
		t.Fatalf("expected wallet disconnect call")
	}
	if got := f.notifier.last(); got.Message != "Wallet disconnected" {
		t.Fatalf("unexpected status %+v", got)
	}
}

func TestSubmitDepositRejectsInvalidAmounts(t *testing.T) {
	for _, input := range []string{"", "abc", "0", "0.09", "-1", "0.0999999", "1,5"} {
		t.Run(input, func(t *testing.T) {
			f := newFixture(t)
			if _, err := f.ctrl.Connect(context.Background()); err != nil {
				t.Fatalf("connect: %v", err)
			}
			for _, testMode := range []bool{false, true} {
				_, err := f.ctrl.SubmitDeposit(context.Background(), input, f.escrow, testMode)
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("testMode=%v: expected ErrValidation, got %v", testMode, err)
				}
			}
			if f.externalCalls() != 0 {
				t.Fatalf("expected no external calls, got %d", f.externalCalls())
			}
			if f.ctrl.Busy() {
				t.Fatalf("controller left busy")
			}
		})
	}
}

func TestSubmitDepositWithoutSessionFailsPrecondition(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.SubmitDeposit(context.Background(), "1", f.escrow, false)
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition, got %v", err)
	}
	if f.network.paramsCalls != 0 {
		t.Fatalf("params must not be fetched")
	}
	if got := f.notifier.last(); got.Kind != StatusError || !strings.Contains(got.Message, "wallet not connected") {
		t.Fatalf("unexpected status %+v", got)
	}
	if f.ctrl.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", f.ctrl.State())
	}
}

func TestSubmitDepositTestMode(t *testing.T) {
	f := newFixture(t)

	receipt, err := f.ctrl.SubmitDeposit(context.Background(), "0.25", f.escrow, true)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if receipt.TxID != "ABC123" || receipt.Mode != ModeTest {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if f.backend.calls != 1 || f.backend.lastEscrow != f.escrow || f.backend.lastAmount.String() != "0.25" {
		t.Fatalf("unexpected backend call %+v", f.backend)
	}
	if f.network.paramsCalls != 0 || f.wallet.signCalls != 0 {
		t.Fatalf("live branch must not run in test mode")
	}
	st := f.notifier.last()
	if st.Kind != StatusSuccess || !strings.Contains(st.Message, "ABC123") {
		t.Fatalf("unexpected status %+v", st)
	}
	if len(f.observer.settled) != 1 {
		t.Fatalf("expected observer notified")
	}
}

func TestSubmitDepositTestModeBackendError(t *testing.T) {
	f := newFixture(t)
	f.backend.err = errors.New("Internal Server Error")

	_, err := f.ctrl.SubmitDeposit(context.Background(), "1", f.escrow, true)
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
	if !strings.Contains(f.notifier.last().Message, "Internal Server Error") {
		t.Fatalf("status should carry backend status text")
	}
	if len(f.observer.failed) != 1 {
		t.Fatalf("expected observer failure")
	}
}

func TestSubmitDepositLive(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	receipt, err := f.ctrl.SubmitDeposit(context.Background(), "2.345", f.escrow, false)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if receipt.TxID != "TXID-LIVE" || receipt.MicroAlgos != 2_345_000 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if f.network.sendCalls != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", f.network.sendCalls)
	}
	if len(f.wallet.lastSignInput) != 1 {
		t.Fatalf("expected one transaction to sign")
	}

	txn, err := DecodeTransaction(f.wallet.lastSignInput[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if txn.Type != types.PaymentTx {
		t.Fatalf("expected payment, got %s", txn.Type)
	}
	if txn.Sender.String() != f.sender || txn.Receiver.String() != f.escrow {
		t.Fatalf("unexpected parties %s -> %s", txn.Sender, txn.Receiver)
	}
	if uint64(txn.Amount) != 2_345_000 {
		t.Fatalf("unexpected amount %d", txn.Amount)
	}
	if !strings.HasPrefix(string(f.network.lastRaw), "signed:") {
		t.Fatalf("broadcast should carry the wallet blob")
	}
	if f.ctrl.State() != StateConnected {
		t.Fatalf("expected to return to connected, got %s", f.ctrl.State())
	}
}

func TestSubmitDepositLiveFailures(t *testing.T) {
	cases := []struct {
		name      string
		setup     func(f *fixture)
		want      error
		wantSends int
		wantMsg   string
	}{
		{
			name:  "params fetch",
			setup: func(f *fixture) { f.network.paramsErr = errors.New("503") },
			want:  ErrNetwork,
		},
		{
			name:    "wallet rejects",
			setup:   func(f *fixture) { f.wallet.signErr = errors.New("user rejected") },
			want:    ErrSigning,
			wantMsg: "Deposit failed: user rejected",
		},
		{
			name: "no signed payload",
			setup: func(f *fixture) {
				f.wallet.useInput = false
				f.wallet.signed = []SignedTxn{{}}
			},
			want: ErrSigning,
		},
		{
			name: "empty signature list",
			setup: func(f *fixture) {
				f.wallet.useInput = false
				f.wallet.signed = nil
			},
			want: ErrSigning,
		},
		{
			name:      "broadcast rejected",
			setup:     func(f *fixture) { f.network.sendErr = errors.New("overspend") },
			want:      ErrBroadcast,
			wantSends: 1,
			wantMsg:   "Deposit failed: overspend",
		},
		{
			name:  "escrow not an address",
			setup: func(f *fixture) { f.escrow = "PASTE_ESCROW_ADDRESS_HERE" },
			want:  ErrValidation,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if _, err := f.ctrl.Connect(context.Background()); err != nil {
				t.Fatalf("connect: %v", err)
			}
			tc.setup(f)

			_, err := f.ctrl.SubmitDeposit(context.Background(), "1", f.escrow, false)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if f.network.sendCalls != tc.wantSends {
				t.Fatalf("expected %d broadcasts, got %d", tc.wantSends, f.network.sendCalls)
			}
			if f.ctrl.Busy() || f.ctrl.State() != StateConnected {
				t.Fatalf("controller should be idle and connected")
			}
			st := f.notifier.last()
			if st.Kind != StatusError || strings.Contains(st.Message, tc.want.Error()+":") {
				t.Fatalf("status should carry the collaborator message without the error class, got %+v", st)
			}
			if tc.wantMsg != "" && st.Message != tc.wantMsg {
				t.Fatalf("expected %q, got %q", tc.wantMsg, st.Message)
			}

			// re-invocable from scratch
			f.network.paramsErr, f.network.sendErr, f.wallet.signErr = nil, nil, nil
			f.wallet.useInput = true
			if f.escrow == "PASTE_ESCROW_ADDRESS_HERE" {
				f.escrow = newAddress()
			}
			if _, err := f.ctrl.SubmitDeposit(context.Background(), "1", f.escrow, false); err != nil {
				t.Fatalf("retry after failure: %v", err)
			}
		})
	}
}

type blockingBackend struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingBackend) Deposit(context.Context, decimal.Decimal, string) (string, error) {
	close(b.entered)
	<-b.release
	return "SLOW", nil
}

func TestSubmitDepositRejectsReentry(t *testing.T) {
	backend := &blockingBackend{entered: make(chan struct{}), release: make(chan struct{})}
	ctrl := NewController(Options{Wallet: &stubWallet{}, Backend: backend})

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.SubmitDeposit(context.Background(), "1", "ESCROW", true)
		done <- err
	}()
	<-backend.entered

	if ctrl.State() != StateDepositing || !ctrl.Busy() {
		t.Fatalf("expected depositing while in flight")
	}
	if _, err := ctrl.SubmitDeposit(context.Background(), "1", "ESCROW", true); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := ctrl.Connect(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for connect, got %v", err)
	}

	close(backend.release)
	if err := <-done; err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if ctrl.Busy() {
		t.Fatalf("busy flag not cleared")
	}
}

func TestStatusAutoDismiss(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f := newFixture(t)
	f.ctrl.now = func() time.Time { return now }

	if _, err := f.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if st := f.ctrl.Status(); st == nil || st.Kind != StatusSuccess {
		t.Fatalf("expected success status, got %+v", st)
	}

	now = now.Add(connectedStatusTTL)
	if st := f.ctrl.Status(); st != nil {
		t.Fatalf("status should be dismissed, got %+v", st)
	}

	snap := f.ctrl.Snapshot()
	if !snap.Connected || snap.Address != f.sender || snap.Status != nil {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
