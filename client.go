package txengine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Caller sends a single JSON-RPC request and returns the raw result. Both
// HTTPClient and StreamingConnection satisfy it, so every higher layer works
// over either transport.
type Caller interface {
	Send(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// NodeReader is the node capability surface the engine consumes. NodeClient
// is the production implementation; tests substitute their own.
type NodeReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByTag(ctx context.Context, tag string) (*BlockHeader, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionCount(ctx context.Context, addr common.Address, tag string) (uint64, error)
	EstimateGas(ctx context.Context, msg CallMsg) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error)
	SubmitRaw(ctx context.Context, raw []byte) (common.Hash, error)
}

// Signer turns a resolved transaction into signed raw bytes ready for
// submission. Key management stays entirely on the caller's side.
type Signer interface {
	EncodeAndSign(ctx context.Context, tx *ResolvedTransaction) ([]byte, error)
}

// HeadSource delivers new chain heads as they arrive. When a Manager is
// configured with one, trackers re-check immediately on each head instead of
// waiting for the next poll tick.
type HeadSource interface {
	SubscribeNewHeads(ctx context.Context, listener func(*BlockHeader)) (string, error)
	Unsubscribe(id string) error
}

// NodeClient implements NodeReader on top of any Caller.
type NodeClient struct {
	caller Caller
}

func NewNodeClient(caller Caller) *NodeClient {
	return &NodeClient{caller: caller}
}

func (c *NodeClient) BlockNumber(ctx context.Context) (uint64, error) {
	raw, err := c.caller.Send(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	return decodeUint64(raw)
}

func (c *NodeClient) BlockByTag(ctx context.Context, tag string) (*BlockHeader, error) {
	raw, err := c.caller.Send(ctx, "eth_getBlockByNumber", []any{tag, false})
	if err != nil {
		return nil, err
	}
	if isJSONNull(raw) {
		return nil, fmt.Errorf("block %s not found", tag)
	}
	var h rpcHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decoding block header: %w", err)
	}
	return h.toHeader(), nil
}

func (c *NodeClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	raw, err := c.caller.Send(ctx, "eth_getTransactionReceipt", []any{hash})
	if err != nil {
		return nil, err
	}
	// A null result means the transaction is not yet mined. That is not an
	// error, the tracker keeps polling.
	if isJSONNull(raw) {
		return nil, nil
	}
	var receipt types.Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, fmt.Errorf("decoding receipt: %w", err)
	}
	return &receipt, nil
}

func (c *NodeClient) TransactionCount(ctx context.Context, addr common.Address, tag string) (uint64, error) {
	raw, err := c.caller.Send(ctx, "eth_getTransactionCount", []any{addr, tag})
	if err != nil {
		return 0, err
	}
	return decodeUint64(raw)
}

func (c *NodeClient) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	arg := map[string]any{"from": msg.From}
	if msg.To != nil {
		arg["to"] = *msg.To
	}
	if msg.Value != nil {
		arg["value"] = hexutil.EncodeBig(msg.Value)
	}
	if len(msg.Data) > 0 {
		arg["data"] = hexutil.Encode(msg.Data)
	}
	raw, err := c.caller.Send(ctx, "eth_estimateGas", []any{arg})
	if err != nil {
		return 0, err
	}
	return decodeUint64(raw)
}

func (c *NodeClient) ChainID(ctx context.Context) (*big.Int, error) {
	raw, err := c.caller.Send(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}
	return decodeBig(raw)
}

func (c *NodeClient) GasPrice(ctx context.Context) (*big.Int, error) {
	raw, err := c.caller.Send(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, err
	}
	return decodeBig(raw)
}

func (c *NodeClient) MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error) {
	raw, err := c.caller.Send(ctx, "eth_maxPriorityFeePerGas", nil)
	if err != nil {
		return nil, err
	}
	return decodeBig(raw)
}

func (c *NodeClient) SubmitRaw(ctx context.Context, rawTx []byte) (common.Hash, error) {
	raw, err := c.caller.Send(ctx, "eth_sendRawTransaction", []any{hexutil.Encode(rawTx)})
	if err != nil {
		return common.Hash{}, err
	}
	var hash common.Hash
	if err := json.Unmarshal(raw, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("decoding tx hash: %w", err)
	}
	return hash, nil
}

type rpcHeader struct {
	Number        hexutil.Uint64 `json:"number"`
	Hash          common.Hash    `json:"hash"`
	ParentHash    common.Hash    `json:"parentHash"`
	BaseFeePerGas *hexutil.Big   `json:"baseFeePerGas"`
	Timestamp     hexutil.Uint64 `json:"timestamp"`
}

func (h *rpcHeader) toHeader() *BlockHeader {
	header := &BlockHeader{
		Number:     uint64(h.Number),
		Hash:       h.Hash,
		ParentHash: h.ParentHash,
		Timestamp:  uint64(h.Timestamp),
	}
	if h.BaseFeePerGas != nil {
		header.BaseFeePerGas = h.BaseFeePerGas.ToInt()
	}
	return header
}

func decodeUint64(raw json.RawMessage) (uint64, error) {
	var v hexutil.Uint64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("decoding quantity: %w", err)
	}
	return uint64(v), nil
}

func decodeBig(raw json.RawMessage) (*big.Int, error) {
	var v hexutil.Big
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding quantity: %w", err)
	}
	return v.ToInt(), nil
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
