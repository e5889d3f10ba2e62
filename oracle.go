package txengine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
)

// FeeOracle serves fee figures for new transactions, caching each node query
// behind a TTL so hot paths do not hammer the RPC endpoint. Every cached
// value expires independently.
type FeeOracle struct {
	client NodeReader
	ttl    time.Duration

	mu           sync.Mutex
	gasPrice     cachedBig
	priorityFee  cachedBig
	baseFee      cachedBig
	supports1559 *bool

	// now is swapped out in tests to step through TTL boundaries.
	now func() time.Time
}

type cachedBig struct {
	value     *big.Int
	fetchedAt time.Time
}

func NewFeeOracle(client NodeReader, ttl time.Duration) *FeeOracle {
	if ttl <= 0 {
		ttl = DefaultFeeQuoteTTL
	}
	return &FeeOracle{
		client: client,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (o *FeeOracle) fresh(c cachedBig) bool {
	return c.value != nil && o.now().Sub(c.fetchedAt) < o.ttl
}

// GasPrice returns the legacy gas price, hitting the node only when the
// cached value has expired.
func (o *FeeOracle) GasPrice(ctx context.Context) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fresh(o.gasPrice) {
		return new(big.Int).Set(o.gasPrice.value), nil
	}
	price, err := o.client.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	o.gasPrice = cachedBig{value: price, fetchedAt: o.now()}
	logger.WithFields(logger.Fields{
		"gas_price": price.String(),
	}).Debug("refreshed legacy gas price")
	return new(big.Int).Set(price), nil
}

// PriorityFee returns the suggested priority fee per gas. Nodes that do not
// expose eth_maxPriorityFeePerGas get a best-effort estimate of half the
// legacy gas price.
func (o *FeeOracle) PriorityFee(ctx context.Context) (*big.Int, error) {
	o.mu.Lock()
	if o.fresh(o.priorityFee) {
		v := new(big.Int).Set(o.priorityFee.value)
		o.mu.Unlock()
		return v, nil
	}
	o.mu.Unlock()

	tip, err := o.client.MaxPriorityFeePerGas(ctx)
	if err != nil {
		logger.WithFields(logger.Fields{
			"error": err,
		}).Warn("priority fee query failed, falling back to half of legacy gas price")
		legacy, lerr := o.GasPrice(ctx)
		if lerr != nil {
			return nil, lerr
		}
		tip = new(big.Int).Div(legacy, big.NewInt(2))
	}

	o.mu.Lock()
	o.priorityFee = cachedBig{value: tip, fetchedAt: o.now()}
	o.mu.Unlock()
	return new(big.Int).Set(tip), nil
}

// BaseFee returns the base fee per gas of the latest block.
func (o *FeeOracle) BaseFee(ctx context.Context) (*big.Int, error) {
	o.mu.Lock()
	if o.fresh(o.baseFee) {
		v := new(big.Int).Set(o.baseFee.value)
		o.mu.Unlock()
		return v, nil
	}
	o.mu.Unlock()

	head, err := o.client.BlockByTag(ctx, "latest")
	if err != nil {
		return nil, err
	}
	if head.BaseFeePerGas == nil {
		return nil, nil
	}

	o.mu.Lock()
	o.baseFee = cachedBig{value: head.BaseFeePerGas, fetchedAt: o.now()}
	o.mu.Unlock()
	return new(big.Int).Set(head.BaseFeePerGas), nil
}

// MaxFee computes the fee cap as twice the current base fee plus the
// priority fee, leaving headroom for the base fee to double before the
// transaction is priced out.
func (o *FeeOracle) MaxFee(ctx context.Context) (maxFee, priorityFee *big.Int, err error) {
	base, err := o.BaseFee(ctx)
	if err != nil {
		return nil, nil, err
	}
	if base == nil {
		return nil, nil, fmt.Errorf("latest block carries no base fee, chain is on legacy pricing")
	}
	tip, err := o.PriorityFee(ctx)
	if err != nil {
		return nil, nil, err
	}
	maxFee = new(big.Int).Mul(base, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return maxFee, tip, nil
}

// SupportsPriorityFee probes whether the chain carries base fees, by
// checking the latest block header. The result is cached for the lifetime of
// the oracle. A probe failure reports false so callers fall back to legacy
// pricing rather than assembling a transaction the chain cannot accept.
func (o *FeeOracle) SupportsPriorityFee(ctx context.Context) bool {
	o.mu.Lock()
	if o.supports1559 != nil {
		v := *o.supports1559
		o.mu.Unlock()
		return v
	}
	o.mu.Unlock()

	head, err := o.client.BlockByTag(ctx, "latest")
	if err != nil {
		logger.WithFields(logger.Fields{
			"error": err,
		}).Warn("fee model probe failed, assuming legacy pricing")
		return false
	}
	supported := head.BaseFeePerGas != nil

	o.mu.Lock()
	o.supports1559 = &supported
	if supported {
		o.baseFee = cachedBig{value: head.BaseFeePerGas, fetchedAt: o.now()}
	}
	o.mu.Unlock()
	return supported
}

// Quote bundles all current fee figures into one snapshot.
func (o *FeeOracle) Quote(ctx context.Context) (*FeeQuote, error) {
	quote := &FeeQuote{}
	gasPrice, err := o.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	quote.GasPrice = gasPrice
	if o.SupportsPriorityFee(ctx) {
		maxFee, tip, err := o.MaxFee(ctx)
		if err != nil {
			return nil, err
		}
		quote.MaxFeePerGas = maxFee
		quote.MaxPriorityFeePerGas = tip
	}
	// Stamp after the fetches so the timestamp never predates the figures.
	quote.FetchedAt = o.now()
	return quote, nil
}
