// Package lockmap provides a sharded map of mutual-exclusion locks keyed by an
// arbitrary 64-bit address (a zone number, an inode number, ...).
//
// It behaves as if there were one lock for every possible address, but only
// keeps state for addresses that are currently held or waited on. Addresses
// are spread over a fixed number of shards so that unrelated addresses rarely
// contend on the same internal mutex.
package lockmap

import (
	"sync"
)

// NumShards is the number of independent shards. A prime keeps sequential
// zone numbers from clustering.
const NumShards uint64 = 43

type lockState struct {
	held    bool
	waiters uint
	cond    *sync.Cond
}

type lockShard struct {
	mu    sync.Mutex
	state map[uint64]*lockState
}

func (shard *lockShard) acquire(address uint64) {
	shard.mu.Lock()
	defer shard.mu.Unlock()

	for {
		state, ok := shard.state[address]
		if !ok {
			state = &lockState{cond: sync.NewCond(&shard.mu)}
			shard.state[address] = state
		}

		if !state.held {
			state.held = true
			return
		}

		state.waiters++
		state.cond.Wait()
		state.waiters--
	}
}

func (shard *lockShard) release(address uint64) {
	shard.mu.Lock()
	defer shard.mu.Unlock()

	state, ok := shard.state[address]
	if !ok || !state.held {
		panic("lockmap: release of unlocked address")
	}

	state.held = false
	if state.waiters > 0 {
		state.cond.Signal()
	} else {
		delete(shard.state, address)
	}
}

// LockMap is a set of per-address locks. The zero value is not usable; create
// one with [New].
type LockMap struct {
	shards [NumShards]*lockShard
}

func New() *LockMap {
	lmap := &LockMap{}
	for i := range lmap.shards {
		lmap.shards[i] = &lockShard{state: make(map[uint64]*lockState)}
	}
	return lmap
}

// Acquire blocks until the lock for `address` is available and takes it.
func (lmap *LockMap) Acquire(address uint64) {
	lmap.shards[address%NumShards].acquire(address)
}

// Release gives up the lock for `address`. Releasing an address that isn't
// held is a programming error and panics.
func (lmap *LockMap) Release(address uint64) {
	lmap.shards[address%NumShards].release(address)
}

// Lock acquires the lock for `address` and returns a function that releases
// it, for use with defer.
func (lmap *LockMap) Lock(address uint64) func() {
	lmap.Acquire(address)
	return func() { lmap.Release(address) }
}
