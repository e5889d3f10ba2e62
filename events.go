package txengine

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event describes a change observed on a tracked transaction. Terminal
// events carry the final state and, when one exists, the receipt. Transient
// polling failures are reported with Err set while State stays pending.
type Event struct {
	Hash    common.Hash
	State   TxState
	Receipt *types.Receipt
	Err     error
}

// EventListener receives lifecycle events. Listeners run on the emitting
// goroutine and must not block.
type EventListener func(Event)

// eventBus fans events out to registered listeners. Emission is serialized
// so listeners observe events for a given transaction in order.
type eventBus struct {
	mu        sync.Mutex
	listeners []EventListener
}

func (b *eventBus) subscribe(fn EventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

func (b *eventBus) emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, fn := range b.listeners {
		fn(ev)
	}
}
