package txengine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"

	"github.com/selendra/txengine/internal/nonce"
)

// Assembler turns partial transaction intents into fully specified
// transactions, filling nonce, chain id, gas limit and fees from the node
// and the fee oracle. Caller-supplied fields always win over resolved ones.
type Assembler struct {
	client NodeReader
	oracle *FeeOracle
	nonces *nonce.Reservoir
}

func NewAssembler(client NodeReader, oracle *FeeOracle) *Assembler {
	return &Assembler{
		client: client,
		oracle: oracle,
		nonces: nonce.NewReservoir(),
	}
}

// Resolve validates the intent and fills every missing field. The input
// intent is never mutated. On error nothing is reserved except when the
// error happens after nonce reservation, in which case the caller should
// call ReleaseNonce if it will not retry with the same nonce.
func (a *Assembler) Resolve(ctx context.Context, intent *TransactionIntent) (*ResolvedTransaction, error) {
	if err := validateIntent(intent); err != nil {
		return nil, err
	}

	tx := &ResolvedTransaction{
		From:       intent.From,
		To:         intent.To,
		Value:      intent.Value,
		Data:       intent.Data,
		GasLimit:   intent.GasLimit,
		AccessList: intent.AccessList,
	}
	if tx.Value == nil {
		tx.Value = new(big.Int)
	}

	chainID := intent.ChainID
	if chainID == nil {
		var err error
		chainID, err = a.client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving chain id: %w", err)
		}
	}
	tx.ChainID = chainID

	if intent.Nonce != nil {
		tx.Nonce = *intent.Nonce
		a.nonces.Observe(intent.From, *intent.Nonce)
	} else {
		remote, err := a.client.TransactionCount(ctx, intent.From, "pending")
		if err != nil {
			return nil, fmt.Errorf("resolving nonce: %w", err)
		}
		tx.Nonce = a.nonces.Reserve(intent.From, remote)
	}

	if tx.GasLimit == 0 {
		gas, err := a.client.EstimateGas(ctx, CallMsg{
			From:  intent.From,
			To:    intent.To,
			Value: tx.Value,
			Data:  intent.Data,
		})
		if err != nil {
			a.nonces.Release(intent.From, tx.Nonce)
			return nil, fmt.Errorf("estimating gas: %w", err)
		}
		tx.GasLimit = gas
	}

	if err := a.resolveFees(ctx, intent, tx); err != nil {
		a.nonces.Release(intent.From, tx.Nonce)
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"from":      tx.From.Hex(),
		"nonce":     tx.Nonce,
		"gas_limit": tx.GasLimit,
		"kind":      tx.Kind.String(),
	}).Debug("assembled transaction")
	return tx, nil
}

func (a *Assembler) resolveFees(ctx context.Context, intent *TransactionIntent, tx *ResolvedTransaction) error {
	usePriorityFee := !intent.ForceLegacy && intent.GasPrice == nil
	if usePriorityFee && intent.MaxFeePerGas == nil {
		usePriorityFee = a.oracle.SupportsPriorityFee(ctx)
	}

	if usePriorityFee {
		tx.Kind = KindPriorityFee
		tx.MaxFeePerGas = intent.MaxFeePerGas
		tx.MaxPriorityFeePerGas = intent.MaxPriorityFeePerGas
		if tx.MaxFeePerGas == nil {
			maxFee, tip, err := a.oracle.MaxFee(ctx)
			if err != nil {
				return fmt.Errorf("resolving fee cap: %w", err)
			}
			tx.MaxFeePerGas = maxFee
			if tx.MaxPriorityFeePerGas == nil {
				tx.MaxPriorityFeePerGas = tip
			}
		} else if tx.MaxPriorityFeePerGas == nil {
			tip, err := a.oracle.PriorityFee(ctx)
			if err != nil {
				return fmt.Errorf("resolving priority fee: %w", err)
			}
			if tip.Cmp(tx.MaxFeePerGas) > 0 {
				tip = tx.MaxFeePerGas
			}
			tx.MaxPriorityFeePerGas = tip
		}
	} else {
		tx.Kind = KindLegacy
		tx.GasPrice = intent.GasPrice
		if tx.GasPrice == nil {
			price, err := a.oracle.GasPrice(ctx)
			if err != nil {
				return fmt.Errorf("resolving gas price: %w", err)
			}
			tx.GasPrice = price
		}
	}

	// An access list forces the access-list transaction kind whichever fee
	// branch priced it.
	if len(intent.AccessList) > 0 {
		tx.Kind = KindAccessList
	}
	return nil
}

// ReleaseNonce hands a reserved nonce back when the transaction was never
// submitted. Only the most recent reservation for the sender can be
// reclaimed.
func (a *Assembler) ReleaseNonce(sender common.Address, n uint64) {
	a.nonces.Release(sender, n)
}

func validateIntent(intent *TransactionIntent) error {
	if intent == nil {
		return ErrInvalidIntent
	}
	if intent.From == (common.Address{}) {
		return ErrMissingSender
	}
	// A transaction with no recipient is a contract creation and must carry
	// init code.
	if intent.To == nil && len(intent.Data) == 0 {
		return fmt.Errorf("%w: contract creation without data", ErrInvalidIntent)
	}
	if intent.Value != nil && intent.Value.Sign() < 0 {
		return fmt.Errorf("%w: negative value", ErrInvalidIntent)
	}
	return nil
}
