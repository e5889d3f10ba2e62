package txengine

import (
	"context"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Tracker follows a single submitted transaction until it reaches a terminal
// state. It polls for the receipt on a fixed interval, counts confirmations
// against the chain head, and enforces an overall timeout. Terminal states
// are absorbing: whichever transition lands first wins and every later
// attempt is a no-op.
type Tracker struct {
	client NodeReader
	bus    *eventBus

	hash     common.Hash
	resolved *ResolvedTransaction

	confirmations uint64
	pollInterval  time.Duration
	timeout       time.Duration
	createdAt     time.Time

	mu      sync.Mutex
	state   TxState
	receipt *types.Receipt
	failure error
	started bool

	cancel context.CancelFunc
	doneCh chan struct{}
	pokeCh chan struct{}

	// onTerminal is the manager's cleanup hook, invoked exactly once after
	// the terminal event has been emitted.
	onTerminal func(common.Hash)
}

func newTracker(client NodeReader, bus *eventBus, hash common.Hash, resolved *ResolvedTransaction) *Tracker {
	return &Tracker{
		client:        client,
		bus:           bus,
		hash:          hash,
		resolved:      resolved,
		confirmations: DefaultConfirmations,
		pollInterval:  DefaultPollInterval,
		timeout:       DefaultTrackTimeout,
		createdAt:     time.Now(),
		state:         StatePending,
		doneCh:        make(chan struct{}),
		pokeCh:        make(chan struct{}, 1),
	}
}

// Hash returns the transaction hash this tracker follows.
func (t *Tracker) Hash() common.Hash {
	return t.hash
}

// State returns the current lifecycle state.
func (t *Tracker) State() TxState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Receipt returns the receipt once one has been observed, nil before that.
func (t *Tracker) Receipt() *types.Receipt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.receipt
}

// Snapshot returns a point-in-time copy of the tracker's state.
func (t *Tracker) Snapshot() TrackedTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackedTransaction{
		Hash:                  t.hash,
		Resolved:              t.resolved,
		State:                 t.state,
		Receipt:               t.receipt,
		CreatedAt:             t.createdAt,
		ConfirmationsRequired: t.confirmations,
		PollInterval:          t.pollInterval,
		Timeout:               t.timeout,
	}
}

// Start launches the polling loop. Calling Start on a tracker that is
// already running or already terminal does nothing.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.started || t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.started = true
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	go t.loop(ctx)
}

func (t *Tracker) loop(ctx context.Context) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(t.timeout)
	defer deadline.Stop()

	// First check right away rather than waiting out a full interval.
	t.checkOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			t.transition(StateFailed, nil, ErrTxTimeout)
			return
		case <-ticker.C:
			t.checkOnce(ctx)
		case <-t.pokeCh:
			t.checkOnce(ctx)
		}
	}
}

// Poke requests an immediate re-check, used when a new head arrives over a
// streaming subscription. Safe to call from any goroutine; redundant pokes
// coalesce.
func (t *Tracker) Poke() {
	select {
	case t.pokeCh <- struct{}{}:
	default:
	}
}

// checkOnce polls the receipt and applies whatever it learns. Errors from
// the node are reported as transient events and never change the state.
func (t *Tracker) checkOnce(ctx context.Context) {
	receipt, err := t.client.TransactionReceipt(ctx, t.hash)
	if err != nil {
		t.reportTransient(err)
		return
	}
	if receipt == nil {
		return
	}

	if receipt.Status == types.ReceiptStatusFailed {
		t.transition(StateFailed, receipt, ErrTxReverted)
		return
	}

	head, err := t.client.BlockNumber(ctx)
	if err != nil {
		t.reportTransient(err)
		return
	}
	if receipt.BlockNumber == nil || head < receipt.BlockNumber.Uint64() {
		return
	}
	confirmations := head - receipt.BlockNumber.Uint64() + 1
	if confirmations >= t.confirmations {
		t.transition(StateConfirmed, receipt, nil)
		return
	}
	logger.WithFields(logger.Fields{
		"tx":            t.hash.Hex(),
		"confirmations": confirmations,
		"required":      t.confirmations,
	}).Debug("waiting for confirmations")
}

func (t *Tracker) reportTransient(err error) {
	logger.WithFields(logger.Fields{
		"tx":    t.hash.Hex(),
		"error": err,
	}).Warn("transient error while polling transaction")
	t.bus.emit(Event{Hash: t.hash, State: StatePending, Err: err})
}

// transition moves the tracker into a terminal state. The first caller wins;
// once terminal, the state, receipt and failure never change again and no
// further events are emitted.
func (t *Tracker) transition(state TxState, receipt *types.Receipt, failure error) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = state
	if receipt != nil {
		t.receipt = receipt
	}
	t.failure = failure
	cancel := t.cancel
	onTerminal := t.onTerminal
	t.mu.Unlock()

	logger.WithFields(logger.Fields{
		"tx":    t.hash.Hex(),
		"state": state.String(),
	}).Info("transaction reached terminal state")

	close(t.doneCh)
	if cancel != nil {
		cancel()
	}
	t.bus.emit(Event{Hash: t.hash, State: state, Receipt: receipt, Err: failure})
	if onTerminal != nil {
		onTerminal(t.hash)
	}
}

// Stop halts polling without changing the state. A stopped pending tracker
// simply stays pending; Stop is idempotent and a stopped tracker cannot be
// started again.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.started = true
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// WaitUntilTerminal blocks until the transaction reaches a terminal state or
// the context expires. For a confirmed transaction it returns the receipt;
// for every other terminal state it returns the reason the transaction did
// not confirm.
func (t *Tracker) WaitUntilTerminal(ctx context.Context) (*types.Receipt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.doneCh:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateConfirmed:
		return t.receipt, nil
	case StateCancelled:
		return t.receipt, ErrTxCancelled
	case StateReplaced:
		return t.receipt, ErrTxReplaced
	default:
		return t.receipt, t.failure
	}
}
