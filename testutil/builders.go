package testutil

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ============================================================
// Hash Builders
// ============================================================

// HashOf returns a deterministic test hash derived from a single byte.
func HashOf(b byte) common.Hash {
	var h common.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

// ============================================================
// Receipt Builders
// ============================================================

// NewReceiptAt creates a test receipt mined in the given block with a
// specific status.
func NewReceiptAt(txHash common.Hash, blockNumber uint64, status uint64) *types.Receipt {
	return &types.Receipt{
		Status:            status,
		TxHash:            txHash,
		BlockNumber:       new(big.Int).SetUint64(blockNumber),
		BlockHash:         common.HexToHash("0xabcdef1234567890abcdef1234567890abcdef1234567890abcdef1234567890"),
		GasUsed:           21000,
		CumulativeGasUsed: 21000,
	}
}

// NewSuccessReceipt creates a receipt for a transaction that executed
// successfully in the given block.
func NewSuccessReceipt(txHash common.Hash, blockNumber uint64) *types.Receipt {
	return NewReceiptAt(txHash, blockNumber, types.ReceiptStatusSuccessful)
}

// NewFailedReceipt creates a receipt for a transaction that reverted in the
// given block.
func NewFailedReceipt(txHash common.Hash, blockNumber uint64) *types.Receipt {
	return NewReceiptAt(txHash, blockNumber, types.ReceiptStatusFailed)
}
