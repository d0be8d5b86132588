package deposit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Options wires a Controller. Wallet is required; Network is required for live
// deposits and Backend for test-mode deposits.
type Options struct {
	Wallet    Wallet
	Network   Network
	Backend   Backend
	Notifier  Notifier
	Observer  Observer
	Logger    *zap.Logger
	MinAmount decimal.Decimal
	Now       func() time.Time
}

// Controller runs the connect / deposit / disconnect sequence for one user.
// Only one operation may be in flight at a time.
type Controller struct {
	wallet    Wallet
	network   Network
	backend   Backend
	notifier  Notifier
	observer  Observer
	logger    *zap.Logger
	minAmount decimal.Decimal
	now       func() time.Time

	mu      sync.Mutex
	state   State
	session Session
	status  *Status
	busy    bool
}

func NewController(opts Options) *Controller {
	c := &Controller{
		wallet:    opts.Wallet,
		network:   opts.Network,
		backend:   opts.Backend,
		notifier:  opts.Notifier,
		observer:  opts.Observer,
		logger:    opts.Logger,
		minAmount: opts.MinAmount,
		now:       opts.Now,
		state:     StateDisconnected,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("deposit")
	if c.minAmount.IsZero() {
		c.minAmount = DefaultMinAmount
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Snapshot is a read-only projection of the controller for display.
type Snapshot struct {
	State     State   `json:"state"`
	Connected bool    `json:"connected"`
	Address   string  `json:"address,omitempty"`
	Short     string  `json:"short,omitempty"`
	Busy      bool    `json:"busy"`
	Status    *Status `json:"status,omitempty"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, ok := c.session.Address()
	return Snapshot{
		State:     c.state,
		Connected: ok,
		Address:   addr,
		Short:     c.session.Short(),
		Busy:      c.busy,
		Status:    c.currentStatusLocked(),
	}
}

func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Status returns the current status, or nil once it has been dismissed.
func (c *Controller) Status() *Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentStatusLocked()
}

func (c *Controller) MinAmount() decimal.Decimal { return c.minAmount }

// ValidateAmount lets a UI disable the deposit control before submission.
func (c *Controller) ValidateAmount(input string) error {
	_, err := ParseAmount(input, c.minAmount)
	return err
}

// Connect asks the wallet for its accounts and binds the session to the first one.
func (c *Controller) Connect(ctx context.Context) (Session, error) {
	prev, err := c.begin(StateConnecting)
	if err != nil {
		return Session{}, err
	}
	c.publish(Status{Kind: StatusInfo, Message: "Connecting to wallet..."})

	accounts, err := c.wallet.Connect(ctx)
	if err == nil && (len(accounts) == 0 || strings.TrimSpace(accounts[0]) == "") {
		err = errors.New("wallet returned no accounts")
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrConnect, err)
		c.logger.Warn("wallet connect failed", zap.Error(err))
		c.end(prev, nil)
		c.publish(Status{Kind: StatusError, Message: "Connection failed: " + userMessage(err), TTL: errorStatusTTL})
		return Session{}, err
	}

	session := Connected(accounts[0])
	c.end(StateConnected, &session)
	c.logger.Info("wallet connected", zap.String("address", accounts[0]))
	c.publish(Status{Kind: StatusSuccess, Message: "Wallet connected!", TTL: connectedStatusTTL})
	if c.observer != nil {
		c.observer.SessionChanged(session)
	}
	return session, nil
}

// Disconnect ends the wallet session. Local state is cleared even when the wallet call fails.
func (c *Controller) Disconnect(ctx context.Context) error {
	if _, err := c.begin(StateDisconnected); err != nil {
		return err
	}

	if err := c.wallet.Disconnect(ctx); err != nil {
		c.logger.Warn("wallet disconnect failed, clearing session anyway", zap.Error(err))
	}

	session := Disconnected
	c.end(StateDisconnected, &session)
	c.logger.Info("wallet disconnected")
	c.publish(Status{Kind: StatusInfo, Message: "Wallet disconnected", TTL: disconnectedStatusTTL})
	if c.observer != nil {
		c.observer.SessionChanged(session)
	}
	return nil
}

// SubmitDeposit validates the input and runs the test or live branch.
// Nothing is retried; on failure the controller is left idle and re-invocable.
func (c *Controller) SubmitDeposit(ctx context.Context, amountInput, escrowAddress string, testMode bool) (Receipt, error) {
	mode := ModeLive
	if testMode {
		mode = ModeTest
	}

	prev, err := c.begin(StateDepositing)
	if err != nil {
		return Receipt{}, err
	}

	receipt, err := c.submit(ctx, amountInput, escrowAddress, mode)
	c.end(prev, nil)

	if err != nil {
		c.logger.Warn("deposit failed", zap.String("mode", string(mode)), zap.Error(err))
		c.publish(Status{Kind: StatusError, Message: "Deposit failed: " + userMessage(err), TTL: errorStatusTTL})
		if c.observer != nil {
			c.observer.DepositFailed(mode, err)
		}
		return Receipt{}, err
	}

	c.logger.Info("deposit submitted",
		zap.String("mode", string(mode)),
		zap.String("txid", receipt.TxID),
		zap.Uint64("micro_algos", receipt.MicroAlgos),
	)
	c.publish(Status{Kind: StatusSuccess, Message: "Deposit submitted, txid: " + receipt.TxID, TTL: depositStatusTTL})
	if c.observer != nil {
		c.observer.DepositSettled(ctx, receipt)
	}
	return receipt, nil
}

func (c *Controller) submit(ctx context.Context, amountInput, escrowAddress string, mode Mode) (Receipt, error) {
	sender, connected := c.Session().Address()
	if mode == ModeLive && !connected {
		return Receipt{}, ErrPrecondition
	}

	amount, err := ParseAmount(amountInput, c.minAmount)
	if err != nil {
		return Receipt{}, err
	}
	escrowAddress = strings.TrimSpace(escrowAddress)
	if escrowAddress == "" {
		return Receipt{}, fmt.Errorf("%w: escrow address is required", ErrValidation)
	}

	receipt := Receipt{
		Mode:       mode,
		Sender:     sender,
		Receiver:   escrowAddress,
		Amount:     amount,
		MicroAlgos: MicroAlgos(amount),
	}

	if mode == ModeTest {
		c.publish(Status{Kind: StatusInfo, Message: "Submitting test deposit..."})
		receipt.TxID, err = c.submitTest(ctx, amount, escrowAddress)
	} else {
		c.publish(Status{Kind: StatusInfo, Message: "Submitting deposit..."})
		receipt.TxID, err = c.submitLive(ctx, sender, escrowAddress, receipt.MicroAlgos)
	}
	if err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

func (c *Controller) submitTest(ctx context.Context, amount decimal.Decimal, escrowAddress string) (string, error) {
	if c.backend == nil {
		return "", fmt.Errorf("%w: no backend configured", ErrBackend)
	}
	txid, err := c.backend.Deposit(ctx, amount, escrowAddress)
	if err != nil {
		if errors.Is(err, ErrBackend) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if txid == "" {
		return "", fmt.Errorf("%w: response carried no txid", ErrBackend)
	}
	return txid, nil
}

func (c *Controller) submitLive(ctx context.Context, sender, escrowAddress string, micro uint64) (string, error) {
	if !validAddress(escrowAddress) {
		return "", fmt.Errorf("%w: escrow address %q is not an Algorand address", ErrValidation, escrowAddress)
	}
	if c.network == nil {
		return "", fmt.Errorf("%w: no network client configured", ErrNetwork)
	}

	params, err := c.network.SuggestedParams(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: fetch transaction params: %v", ErrNetwork, err)
	}

	txn, err := BuildPayment(sender, escrowAddress, micro, params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	signed, err := c.wallet.SignTransactions(ctx, [][]byte{EncodeTransaction(txn)})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	if len(signed) == 0 || len(signed[0].Blob) == 0 {
		return "", fmt.Errorf("%w: no signed transaction blob returned by wallet", ErrSigning)
	}

	txid, err := c.network.SendRawTransaction(ctx, signed[0].Blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcast, err)
	}
	if txid == "" {
		return "", fmt.Errorf("%w: network returned no transaction id", ErrBroadcast)
	}
	return txid, nil
}

// begin claims the busy flag and moves to next, returning the state to restore.
func (c *Controller) begin(next State) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return "", ErrBusy
	}
	prev := c.state
	c.busy = true
	c.state = next
	return prev, nil
}

// end releases the busy flag, settles on state and optionally replaces the session.
func (c *Controller) end(state State, session *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	c.state = state
	if session != nil {
		c.session = *session
	}
}

func (c *Controller) publish(status Status) {
	status.At = c.now()
	c.mu.Lock()
	c.status = &status
	c.mu.Unlock()
	if c.notifier != nil {
		c.notifier.Publish(status)
	}
}

func (c *Controller) currentStatusLocked() *Status {
	if c.status == nil || c.status.Expired(c.now()) {
		return nil
	}
	s := *c.status
	return &s
}

var sentinels = []error{
	ErrPrecondition, ErrValidation, ErrNetwork, ErrSigning,
	ErrBroadcast, ErrBackend, ErrBusy, ErrConnect,
}

// userMessage strips the sentinel prefix so the user sees the collaborator's own message.
// A bare sentinel keeps its text.
func userMessage(err error) string {
	msg := err.Error()
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return strings.TrimPrefix(msg, sentinel.Error()+": ")
		}
	}
	return msg
}
