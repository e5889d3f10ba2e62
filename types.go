package txengine

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Defaults for transaction tracking and fee handling
const (
	DefaultConfirmations = uint64(1)
	DefaultPollInterval  = 2 * time.Second
	DefaultTrackTimeout  = 5 * time.Minute
	DefaultFeeQuoteTTL   = 30 * time.Second

	// DefaultBumpPercent is applied on top of the current market price when
	// building a same-nonce cancellation or speed-up replacement. The figure
	// is a heuristic, not a guarantee: under heavy congestion a 10% bump may
	// not be enough, so it is configurable via WithBumpPercent.
	DefaultBumpPercent = int64(10)
)

// TxKind tags the fee shape of a resolved transaction.
type TxKind uint8

const (
	KindLegacy TxKind = iota
	KindAccessList
	KindPriorityFee
)

func (k TxKind) String() string {
	switch k {
	case KindLegacy:
		return "legacy"
	case KindAccessList:
		return "access-list"
	case KindPriorityFee:
		return "priority-fee"
	default:
		return "unknown"
	}
}

// TransactionIntent is the caller-supplied partial transaction. Every field
// except From is optional; the Assembler fills in whatever is missing.
// Intents are treated as immutable once handed to Resolve.
type TransactionIntent struct {
	From  common.Address
	To    *common.Address
	Value *big.Int
	Data  []byte

	// Optional overrides. A nil pointer (or zero GasLimit) means "resolve
	// from the node".
	Nonce    *uint64
	ChainID  *big.Int
	GasLimit uint64

	// Fee overrides. Setting GasPrice together with ForceLegacy pins the
	// transaction to the legacy fee model even on a priority-fee network.
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	ForceLegacy          bool

	AccessList types.AccessList
}

// ResolvedTransaction is a fully specified transaction as produced by the
// Assembler. Exactly one of GasPrice or the MaxFeePerGas/MaxPriorityFeePerGas
// pair is set, matching Kind. Immutable after assembly.
type ResolvedTransaction struct {
	Kind TxKind

	From  common.Address
	To    *common.Address
	Value *big.Int
	Data  []byte

	Nonce    uint64
	ChainID  *big.Int
	GasLimit uint64

	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	AccessList types.AccessList
}

// FeeQuote is a point-in-time snapshot of the fee market. A quote is only
// valid while now - FetchedAt < the oracle's TTL; the oracle never hands out
// stale quotes.
type FeeQuote struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	FetchedAt            time.Time
}

// TxState is the lifecycle state of a tracked transaction.
type TxState int

const (
	StatePending TxState = iota
	StateConfirmed
	StateFailed
	StateCancelled
	StateReplaced
)

func (s TxState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is absorbing. No transition ever
// leaves a terminal state.
func (s TxState) Terminal() bool {
	return s != StatePending
}

// TrackedTransaction is a read-only snapshot of a tracker. The tracker owns
// the live state; snapshots are safe to retain and share.
type TrackedTransaction struct {
	Hash      common.Hash
	Resolved  *ResolvedTransaction
	State     TxState
	Receipt   *types.Receipt
	CreatedAt time.Time

	ConfirmationsRequired uint64
	PollInterval          time.Duration
	Timeout               time.Duration
}

// BlockHeader carries the subset of a block header the engine needs: the
// height for confirmation counting and the base fee for the fee oracle.
type BlockHeader struct {
	Number        uint64
	Hash          common.Hash
	ParentHash    common.Hash
	BaseFeePerGas *big.Int
	Timestamp     uint64
}

// CallMsg is a partially specified call used for gas estimation.
type CallMsg struct {
	From  common.Address
	To    *common.Address
	Value *big.Int
	Data  []byte
}
