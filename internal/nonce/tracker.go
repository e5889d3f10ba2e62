// Package nonce keeps a local view of the next usable nonce per sender so
// that concurrent assemblies on the same account never collide. It is an
// internal package and should not be imported directly by external code.
package nonce

import (
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
)

// Reservoir hands out monotonically increasing nonces per sender, reconciled
// against the node's pending transaction count on every reservation.
type Reservoir struct {
	// lastReserved maps sender -> highest nonce handed out this session
	lastReserved sync.Map // map[common.Address]uint64

	// senderLocks provides per-sender locking
	senderLocks sync.Map // map[common.Address]*sync.Mutex
}

func NewReservoir() *Reservoir {
	return &Reservoir{}
}

func (r *Reservoir) lockFor(sender common.Address) *sync.Mutex {
	lock, _ := r.senderLocks.LoadOrStore(sender, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Reserve returns the next nonce for sender and marks it as taken. The
// remote value is the node's pending transaction count; the reservation is
// the max of remote and the local tip + 1, so a session never reuses a nonce
// it already handed out even when the node has not seen those transactions
// yet.
func (r *Reservoir) Reserve(sender common.Address, remote uint64) uint64 {
	lock := r.lockFor(sender)
	lock.Lock()
	defer lock.Unlock()

	next := remote
	if tipRaw, ok := r.lastReserved.Load(sender); ok {
		if tip := tipRaw.(uint64); tip+1 > next {
			next = tip + 1
		}
	}
	r.lastReserved.Store(sender, next)

	logger.WithFields(logger.Fields{
		"sender": sender.Hex(),
		"remote": remote,
		"nonce":  next,
	}).Debug("reserved nonce")
	return next
}

// Observe records a nonce the caller pinned explicitly, so future
// reservations continue above it. Lower values than the current tip are
// ignored.
func (r *Reservoir) Observe(sender common.Address, nonce uint64) {
	lock := r.lockFor(sender)
	lock.Lock()
	defer lock.Unlock()

	if tipRaw, ok := r.lastReserved.Load(sender); ok {
		if tip := tipRaw.(uint64); tip >= nonce {
			return
		}
	}
	r.lastReserved.Store(sender, nonce)
}

// Release returns an unused reservation to the pool. Only the tip of the
// sequence can be released; anything else would open a gap below
// already-reserved nonces, so those requests are ignored.
func (r *Reservoir) Release(sender common.Address, nonce uint64) {
	lock := r.lockFor(sender)
	lock.Lock()
	defer lock.Unlock()

	tipRaw, ok := r.lastReserved.Load(sender)
	if !ok || tipRaw.(uint64) != nonce {
		logger.WithFields(logger.Fields{
			"sender": sender.Hex(),
			"nonce":  nonce,
		}).Debug("release skipped: not the tip nonce")
		return
	}
	if nonce == 0 {
		r.lastReserved.Delete(sender)
	} else {
		r.lastReserved.Store(sender, nonce-1)
	}
	logger.WithFields(logger.Fields{
		"sender": sender.Hex(),
		"nonce":  nonce,
	}).Debug("released nonce")
}
