package txengine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Manager is the top-level coordinator: it assembles, signs and submits
// transactions, tracks each one to a terminal state, and supports cancelling
// or speeding up anything still pending. All methods are safe for concurrent
// use.
type Manager struct {
	client    NodeReader
	signer    Signer
	oracle    *FeeOracle
	assembler *Assembler
	bus       *eventBus

	confirmations uint64
	pollInterval  time.Duration
	trackTimeout  time.Duration
	bumpPercent   int64
	feeTTL        time.Duration

	heads     HeadSource
	headSubID string

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu     sync.Mutex
	active map[common.Hash]*Tracker
	closed bool
}

func NewManager(client NodeReader, signer Signer, opts ...Option) (*Manager, error) {
	m := &Manager{
		client:        client,
		signer:        signer,
		bus:           &eventBus{},
		confirmations: DefaultConfirmations,
		pollInterval:  DefaultPollInterval,
		trackTimeout:  DefaultTrackTimeout,
		bumpPercent:   DefaultBumpPercent,
		feeTTL:        DefaultFeeQuoteTTL,
		active:        make(map[common.Hash]*Tracker),
	}
	m.lifeCtx, m.lifeCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(m)
	}
	m.oracle = NewFeeOracle(client, m.feeTTL)
	m.assembler = NewAssembler(client, m.oracle)

	if m.heads != nil {
		id, err := m.heads.SubscribeNewHeads(context.Background(), func(*BlockHeader) {
			m.pokeAll()
		})
		if err != nil {
			return nil, fmt.Errorf("subscribing to new heads: %w", err)
		}
		m.headSubID = id
	}
	return m, nil
}

// OnEvent registers a listener for transaction lifecycle events. Listeners
// must not block.
func (m *Manager) OnEvent(fn EventListener) {
	m.bus.subscribe(fn)
}

// FeeOracle exposes the manager's fee oracle for callers that want fee
// figures without submitting anything.
func (m *Manager) FeeOracle() *FeeOracle {
	return m.oracle
}

// Submit assembles, signs and broadcasts the intent, then starts tracking
// the resulting transaction. Failures before a hash exists are returned
// directly and release any nonce that was reserved; once the transaction is
// on the wire, outcomes are reported through the tracker.
func (m *Manager) Submit(ctx context.Context, intent *TransactionIntent, opts *SubmitOptions) (*Tracker, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.mu.Unlock()

	resolved, err := m.assembler.Resolve(ctx, intent)
	if err != nil {
		return nil, err
	}

	raw, err := m.signer.EncodeAndSign(ctx, resolved)
	if err != nil {
		m.assembler.ReleaseNonce(resolved.From, resolved.Nonce)
		return nil, fmt.Errorf("signing transaction: %w", err)
	}

	hash, err := m.client.SubmitRaw(ctx, raw)
	if err != nil {
		m.assembler.ReleaseNonce(resolved.From, resolved.Nonce)
		return nil, fmt.Errorf("submitting transaction: %w", err)
	}

	tracker := m.startTracking(hash, resolved, opts)
	logger.WithFields(logger.Fields{
		"tx":    hash.Hex(),
		"from":  resolved.From.Hex(),
		"nonce": resolved.Nonce,
	}).Info("transaction submitted")
	return tracker, nil
}

func (m *Manager) startTracking(hash common.Hash, resolved *ResolvedTransaction, opts *SubmitOptions) *Tracker {
	tracker := newTracker(m.client, m.bus, hash, resolved)
	tracker.confirmations = m.confirmations
	tracker.pollInterval = m.pollInterval
	tracker.timeout = m.trackTimeout
	if opts != nil {
		if opts.Confirmations > 0 {
			tracker.confirmations = opts.Confirmations
		}
		if opts.PollInterval > 0 {
			tracker.pollInterval = opts.PollInterval
		}
		if opts.Timeout > 0 {
			tracker.timeout = opts.Timeout
		}
	}
	tracker.onTerminal = m.removeActive

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		// Shutdown won the race against a submission already on the wire.
		// Hand back a tracker that never polls; its state stays pending.
		tracker.Stop()
		return tracker
	}
	m.active[hash] = tracker
	m.mu.Unlock()

	tracker.Start()
	return tracker
}

func (m *Manager) removeActive(hash common.Hash) {
	m.mu.Lock()
	delete(m.active, hash)
	m.mu.Unlock()
}

func (m *Manager) pokeAll() {
	m.mu.Lock()
	trackers := make([]*Tracker, 0, len(m.active))
	for _, t := range m.active {
		trackers = append(trackers, t)
	}
	m.mu.Unlock()
	for _, t := range trackers {
		t.Poke()
	}
}

// GetTracker returns the tracker for a transaction still being followed.
func (m *Manager) GetTracker(hash common.Hash) (*Tracker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[hash]
	return t, ok
}

// GetPendingTransactions returns snapshots of every transaction currently
// being tracked.
func (m *Manager) GetPendingTransactions() []TrackedTransaction {
	m.mu.Lock()
	trackers := make([]*Tracker, 0, len(m.active))
	for _, t := range m.active {
		trackers = append(trackers, t)
	}
	m.mu.Unlock()

	out := make([]TrackedTransaction, 0, len(trackers))
	for _, t := range trackers {
		out = append(out, t.Snapshot())
	}
	return out
}

// Cancel tries to prevent a pending transaction from confirming by
// submitting a zero-value self-transfer from the given sender at the same
// nonce with higher fees. The returned tracker follows the cancellation
// transaction. When the cancellation confirms, the original moves to the
// cancelled state; if the original confirms first, the race is lost and the
// original simply stays confirmed. Cancellation is best-effort by nature.
func (m *Manager) Cancel(ctx context.Context, hash common.Hash, from common.Address) (*Tracker, error) {
	return m.replace(ctx, hash, &from)
}

// SpeedUp resubmits a pending transaction with the same payload and bumped
// fees. When the replacement confirms, the original moves to the replaced
// state.
func (m *Manager) SpeedUp(ctx context.Context, hash common.Hash) (*Tracker, error) {
	return m.replace(ctx, hash, nil)
}

// replace implements both cancellation and speed-up. A non-nil cancelFrom
// requests cancellation on behalf of that sender.
func (m *Manager) replace(ctx context.Context, hash common.Hash, cancelFrom *common.Address) (*Tracker, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	original, ok := m.active[hash]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash.Hex())
	}
	if original.State().Terminal() {
		return nil, ErrAlreadyFinalized
	}
	if original.resolved == nil {
		return nil, ErrNotReplaceable
	}
	// Only a transaction from the same sender can occupy the same nonce.
	if cancelFrom != nil && *cancelFrom != original.resolved.From {
		return nil, fmt.Errorf("%w: cancellation sender %s does not match %s",
			ErrNotReplaceable, cancelFrom.Hex(), original.resolved.From.Hex())
	}

	replacement, err := m.buildReplacement(ctx, original.resolved, cancelFrom != nil)
	if err != nil {
		return nil, err
	}

	raw, err := m.signer.EncodeAndSign(ctx, replacement)
	if err != nil {
		return nil, fmt.Errorf("signing replacement: %w", err)
	}
	newHash, err := m.client.SubmitRaw(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("submitting replacement: %w", err)
	}

	tracker := m.startTracking(newHash, replacement, &SubmitOptions{
		Confirmations: original.confirmations,
		PollInterval:  original.pollInterval,
		Timeout:       original.timeout,
	})

	finalState := StateReplaced
	action := "speed-up"
	if cancelFrom != nil {
		finalState = StateCancelled
		action = "cancellation"
	}
	logger.WithFields(logger.Fields{
		"tx":          hash.Hex(),
		"replacement": newHash.Hex(),
		"action":      action,
	}).Info("replacement submitted")

	// Settle the original only once the replacement actually confirms. If
	// the original wins the race its terminal state is already set and this
	// transition is a no-op.
	go func() {
		if _, err := tracker.WaitUntilTerminal(m.lifeCtx); err == nil {
			original.transition(finalState, nil, nil)
		}
	}()

	return tracker, nil
}

// buildReplacement produces a same-nonce transaction with fees bumped above
// both the original and the current market, so nodes accept it as a
// replacement even after the market has moved.
func (m *Manager) buildReplacement(ctx context.Context, orig *ResolvedTransaction, asCancel bool) (*ResolvedTransaction, error) {
	tx := &ResolvedTransaction{
		Kind:     orig.Kind,
		From:     orig.From,
		Nonce:    orig.Nonce,
		ChainID:  orig.ChainID,
		GasLimit: orig.GasLimit,
	}
	if asCancel {
		// Zero-value transfer to self, no payload.
		to := orig.From
		tx.To = &to
		tx.Value = new(big.Int)
		tx.GasLimit = 21000
	} else {
		tx.To = orig.To
		tx.Value = orig.Value
		tx.Data = orig.Data
		tx.AccessList = orig.AccessList
	}

	switch orig.Kind {
	case KindPriorityFee:
		maxFee, tip, err := m.oracle.MaxFee(ctx)
		if err != nil {
			return nil, fmt.Errorf("pricing replacement: %w", err)
		}
		tx.MaxFeePerGas = m.bump(maxBig(orig.MaxFeePerGas, maxFee))
		tx.MaxPriorityFeePerGas = m.bump(maxBig(orig.MaxPriorityFeePerGas, tip))
		if tx.MaxPriorityFeePerGas.Cmp(tx.MaxFeePerGas) > 0 {
			tx.MaxFeePerGas = new(big.Int).Set(tx.MaxPriorityFeePerGas)
		}
	default:
		price, err := m.oracle.GasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("pricing replacement: %w", err)
		}
		tx.GasPrice = m.bump(maxBig(orig.GasPrice, price))
	}
	return tx, nil
}

// bump raises v by the configured percentage, rounding up so the result is
// strictly greater for any positive input.
func (m *Manager) bump(v *big.Int) *big.Int {
	return decimal.NewFromBigInt(v, 0).
		Mul(decimal.NewFromInt(100 + m.bumpPercent)).
		Div(decimal.NewFromInt(100)).
		Ceil().
		BigInt()
}

func maxBig(a, b *big.Int) *big.Int {
	if a == nil {
		return b
	}
	if b == nil || a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Shutdown stops all trackers and rejects further submissions. Pending
// transactions keep whatever state they had; nothing is force-failed.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	trackers := make([]*Tracker, 0, len(m.active))
	for _, t := range m.active {
		trackers = append(trackers, t)
	}
	m.active = make(map[common.Hash]*Tracker)
	m.mu.Unlock()

	m.lifeCancel()
	for _, t := range trackers {
		t.Stop()
	}
	if m.heads != nil && m.headSubID != "" {
		if err := m.heads.Unsubscribe(m.headSubID); err != nil {
			logger.WithFields(logger.Fields{
				"error": err,
			}).Warn("failed to drop head subscription")
		}
	}
	logger.WithFields(logger.Fields{
		"stopped_trackers": len(trackers),
	}).Info("transaction manager shut down")
}
