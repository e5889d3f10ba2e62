package txengine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/selendra/txengine/testutil"
)

// fakeNode is an in-memory NodeReader whose answers tests steer directly.
// Every method counts its calls so tests can assert on cache behavior.
type fakeNode struct {
	mu sync.Mutex

	blockNumber uint64
	blockErr    error

	chainID *big.Int

	gasPrice       *big.Int
	gasPriceErr    error
	priorityFee    *big.Int
	priorityFeeErr error
	baseFee        *big.Int

	txCount    map[common.Address]uint64
	txCountErr error

	gasEstimate uint64
	estimateErr error

	receipts   map[common.Hash]*types.Receipt
	receiptErr error

	submitErr error
	submitted []common.Hash

	calls map[string]int
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		blockNumber: 100,
		chainID:     testutil.ChainIDSelendra,
		gasPrice:    big.NewInt(10),
		priorityFee: big.NewInt(2),
		baseFee:     big.NewInt(10),
		gasEstimate: 21000,
		txCount:     make(map[common.Address]uint64),
		receipts:    make(map[common.Hash]*types.Receipt),
		calls:       make(map[string]int),
	}
}

func (n *fakeNode) count(method string) {
	n.calls[method]++
}

func (n *fakeNode) callCount(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) setBlockNumber(h uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blockNumber = h
}

func (n *fakeNode) setReceipt(hash common.Hash, r *types.Receipt) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receipts[hash] = r
}

func (n *fakeNode) setReceiptErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receiptErr = err
}

func (n *fakeNode) submittedHashes() []common.Hash {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]common.Hash, len(n.submitted))
	copy(out, n.submitted)
	return out
}

func (n *fakeNode) BlockNumber(context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count("blockNumber")
	if n.blockErr != nil {
		return 0, n.blockErr
	}
	return n.blockNumber, nil
}

func (n *fakeNode) BlockByTag(context.Context, string) (*BlockHeader, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count("blockByTag")
	if n.blockErr != nil {
		return nil, n.blockErr
	}
	return &BlockHeader{Number: n.blockNumber, BaseFeePerGas: n.baseFee}, nil
}

func (n *fakeNode) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count("receipt")
	if n.receiptErr != nil {
		return nil, n.receiptErr
	}
	return n.receipts[hash], nil
}

func (n *fakeNode) TransactionCount(_ context.Context, addr common.Address, _ string) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count("txCount")
	if n.txCountErr != nil {
		return 0, n.txCountErr
	}
	return n.txCount[addr], nil
}

func (n *fakeNode) EstimateGas(context.Context, CallMsg) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count("estimateGas")
	if n.estimateErr != nil {
		return 0, n.estimateErr
	}
	return n.gasEstimate, nil
}

func (n *fakeNode) ChainID(context.Context) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count("chainID")
	return n.chainID, nil
}

func (n *fakeNode) GasPrice(context.Context) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count("gasPrice")
	if n.gasPriceErr != nil {
		return nil, n.gasPriceErr
	}
	return n.gasPrice, nil
}

func (n *fakeNode) MaxPriorityFeePerGas(context.Context) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count("priorityFee")
	if n.priorityFeeErr != nil {
		return nil, n.priorityFeeErr
	}
	return n.priorityFee, nil
}

func (n *fakeNode) SubmitRaw(_ context.Context, raw []byte) (common.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count("submit")
	if n.submitErr != nil {
		return common.Hash{}, n.submitErr
	}
	hash := crypto.Keccak256Hash(raw)
	n.submitted = append(n.submitted, hash)
	return hash, nil
}

func makeAccessList() types.AccessList {
	return types.AccessList{{
		Address:     common.HexToAddress("0x4444444444444444444444444444444444444444"),
		StorageKeys: []common.Hash{{}},
	}}
}

// fakeSigner encodes the resolved transaction as JSON instead of RLP, which
// is enough to give every distinct transaction a distinct hash through the
// fake node.
type fakeSigner struct {
	mu     sync.Mutex
	err    error
	signed []*ResolvedTransaction

	// onSign, when set, runs outside the lock before each signature so
	// tests can stall a submission mid-flight.
	onSign func()
}

func (s *fakeSigner) EncodeAndSign(_ context.Context, tx *ResolvedTransaction) ([]byte, error) {
	s.mu.Lock()
	hook := s.onSign
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.signed = append(s.signed, tx)
	raw, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encoding test transaction: %w", err)
	}
	return raw, nil
}

func (s *fakeSigner) lastSigned() *ResolvedTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.signed) == 0 {
		return nil
	}
	return s.signed[len(s.signed)-1]
}

// fakeHeadSource hands the subscribed listener back to the test so it can
// push block headers on demand.
type fakeHeadSource struct {
	mu           sync.Mutex
	listener     func(*BlockHeader)
	unsubscribed []string
}

func (h *fakeHeadSource) SubscribeNewHeads(_ context.Context, listener func(*BlockHeader)) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = listener
	return "head-sub-1", nil
}

func (h *fakeHeadSource) Unsubscribe(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribed = append(h.unsubscribed, id)
	return nil
}

func (h *fakeHeadSource) pushHead(number uint64) {
	h.mu.Lock()
	listener := h.listener
	h.mu.Unlock()
	if listener != nil {
		listener(&BlockHeader{Number: number})
	}
}
