package provider

import (
	"sync"
	"sync/atomic"
	"time"
)

type nonceSnapshot struct {
	byOrder map[string]map[string]struct{}

	// terminal orders and when they became terminal
	retired map[string]time.Time
}

// NonceRegistry remembers the nonces used per order. Readers see an
// immutable snapshot; writers copy it under a mutex and swap it in.
type NonceRegistry struct {
	mu   sync.Mutex
	snap atomic.Pointer[nonceSnapshot]
}

func NewNonceRegistry() *NonceRegistry {
	r := &NonceRegistry{}
	r.snap.Store(&nonceSnapshot{
		byOrder: map[string]map[string]struct{}{},
		retired: map[string]time.Time{},
	})
	return r
}

// Seen reports whether nonce was already used for orderID.
func (r *NonceRegistry) Seen(orderID, nonce string) bool {
	_, ok := r.snap.Load().byOrder[orderID][nonce]
	return ok
}

// Register records nonce for orderID. It returns false when the nonce was
// already present, so of two racing registrations exactly one wins.
func (r *NonceRegistry) Register(orderID, nonce string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.byOrder[orderID][nonce]; ok {
		return false
	}

	next := &nonceSnapshot{
		byOrder: make(map[string]map[string]struct{}, len(cur.byOrder)+1),
		retired: cur.retired,
	}
	for id, set := range cur.byOrder {
		next.byOrder[id] = set
	}
	set := make(map[string]struct{}, len(cur.byOrder[orderID])+1)
	for n := range cur.byOrder[orderID] {
		set[n] = struct{}{}
	}
	set[nonce] = struct{}{}
	next.byOrder[orderID] = set

	r.snap.Store(next)
	return true
}

// Release forgets nonce for orderID so it can be registered again. It is
// used when the delivery that registered it could not be recorded.
func (r *NonceRegistry) Release(orderID, nonce string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.byOrder[orderID][nonce]; !ok {
		return
	}

	next := &nonceSnapshot{
		byOrder: make(map[string]map[string]struct{}, len(cur.byOrder)),
		retired: cur.retired,
	}
	for id, set := range cur.byOrder {
		next.byOrder[id] = set
	}
	set := make(map[string]struct{}, len(cur.byOrder[orderID]))
	for n := range cur.byOrder[orderID] {
		if n != nonce {
			set[n] = struct{}{}
		}
	}
	if len(set) == 0 {
		delete(next.byOrder, orderID)
	} else {
		next.byOrder[orderID] = set
	}
	r.snap.Store(next)
}

// Retire marks orderID terminal at the given time, making its nonces
// eligible for eviction.
func (r *NonceRegistry) Retire(orderID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.byOrder[orderID]; !ok {
		return
	}
	retired := make(map[string]time.Time, len(cur.retired)+1)
	for id, t := range cur.retired {
		retired[id] = t
	}
	retired[orderID] = at
	r.snap.Store(&nonceSnapshot{byOrder: cur.byOrder, retired: retired})
}

// Sweep evicts the nonces of orders retired more than retention before now
// and returns how many orders were evicted.
func (r *NonceRegistry) Sweep(now time.Time, retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	var expired []string
	for id, at := range cur.retired {
		if now.Sub(at) > retention {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return 0
	}

	next := &nonceSnapshot{
		byOrder: make(map[string]map[string]struct{}, len(cur.byOrder)),
		retired: make(map[string]time.Time, len(cur.retired)),
	}
	for id, set := range cur.byOrder {
		next.byOrder[id] = set
	}
	for id, at := range cur.retired {
		next.retired[id] = at
	}
	for _, id := range expired {
		delete(next.byOrder, id)
		delete(next.retired, id)
	}
	r.snap.Store(next)
	return len(expired)
}

// Len returns the number of orders holding nonces.
func (r *NonceRegistry) Len() int {
	return len(r.snap.Load().byOrder)
}
