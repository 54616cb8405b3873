package session

import (
	"hash/fnv"
	"sync"
)

// shardCount must be a power of two so shard selection can use a bitmask
// instead of a modulo, matching the teacher's sharded_map.go.
const shardCount = 32

type dialogShard struct {
	mu    sync.RWMutex
	early map[DialogKey]*Dialog
}

// DialogRegistry is the per-Session early/confirmed dialog store (§4.2):
// early dialogs are tracked in a sharded map keyed by DialogKey, confirmed
// dialogs are a single slot since a session has at most one at a time (§3
// invariant). Every Session creates its own registry in NewSession and no
// registry is shared between sessions, so the shards only ever hold one
// session's early dialogs.
type DialogRegistry struct {
	shards [shardCount]*dialogShard

	confirmedMu sync.RWMutex
	confirmed   *Dialog
}

func NewDialogRegistry() *DialogRegistry {
	r := &DialogRegistry{}
	for i := range r.shards {
		r.shards[i] = &dialogShard{early: make(map[DialogKey]*Dialog)}
	}
	return r
}

func (r *DialogRegistry) shardFor(key DialogKey) *dialogShard {
	h := fnv.New32a()
	h.Write([]byte(key.CallID))
	h.Write([]byte(key.LocalTag))
	h.Write([]byte(key.RemoteTag))
	return r.shards[h.Sum32()&(shardCount-1)]
}

// AddEarly inserts an early dialog. Per §4.2, an attempt to create an early
// dialog with an id already present is a no-op returning success.
func (r *DialogRegistry) AddEarly(d *Dialog) {
	shard := r.shardFor(d.Key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, exists := shard.early[d.Key]; exists {
		return
	}
	shard.early[d.Key] = d
}

// GetEarly looks up an early dialog by key.
func (r *DialogRegistry) GetEarly(key DialogKey) (*Dialog, bool) {
	shard := r.shardFor(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	d, ok := shard.early[key]
	return d, ok
}

// RemoveEarly deletes an early dialog by key.
func (r *DialogRegistry) RemoveEarly(key DialogKey) {
	shard := r.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.early, key)
}

// Confirmed returns the session's confirmed dialog, if any.
func (r *DialogRegistry) Confirmed() (*Dialog, bool) {
	r.confirmedMu.RLock()
	defer r.confirmedMu.RUnlock()
	return r.confirmed, r.confirmed != nil
}

// Promote moves an early dialog to confirmed: it is removed from the early
// set and assigned as the session's confirmed dialog, mutated in place to
// DialogStateConfirmed (move-and-remove, never duplicated — §9).
func (r *DialogRegistry) Promote(key DialogKey) (*Dialog, bool) {
	shard := r.shardFor(key)
	shard.mu.Lock()
	d, ok := shard.early[key]
	if ok {
		delete(shard.early, key)
	}
	shard.mu.Unlock()
	if !ok {
		return nil, false
	}
	d.Confirm()
	r.confirmedMu.Lock()
	r.confirmed = d
	r.confirmedMu.Unlock()
	return d, true
}

// ConfirmDirect installs d as the confirmed dialog without going through an
// early-dialog promotion, used on the 2xx-without-preceding-1xx path.
func (r *DialogRegistry) ConfirmDirect(d *Dialog) {
	d.Confirm()
	r.confirmedMu.Lock()
	r.confirmed = d
	r.confirmedMu.Unlock()
}

// Clear drops all early dialogs and the confirmed dialog, used on session
// termination (§7: "close the confirmed and early dialogs... before the
// event fires").
func (r *DialogRegistry) Clear() {
	for _, shard := range r.shards {
		shard.mu.Lock()
		shard.early = make(map[DialogKey]*Dialog)
		shard.mu.Unlock()
	}
	r.confirmedMu.Lock()
	r.confirmed = nil
	r.confirmedMu.Unlock()
}

// EarlyCount reports the number of tracked early dialogs, for tests/metrics.
func (r *DialogRegistry) EarlyCount() int {
	n := 0
	for _, shard := range r.shards {
		shard.mu.RLock()
		n += len(shard.early)
		shard.mu.RUnlock()
	}
	return n
}
