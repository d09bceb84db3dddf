// Package cache implements the CacheMachine: an ordered, threadsafe queue
// of batch handles with wait-for-count and wait-until-finished primitives
// (spec §4.1). It is the single hand-off point between adjacent kernels in
// the aggregation pipeline. The queue has no capacity limit: AddToCache
// never blocks a producer (see Len).
//
// Structurally this is the teacher's LRU MemoryCache (container/list plus
// a map, guarded by one mutex) adapted from "keep the most recently used
// entries" to "deliver entries in strict insertion order, with completion
// signaling" — the list now holds FIFO order instead of recency order, and
// there is no eviction.
package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"github.com/blazingdb/ral/pkg/batch"
)

// ErrClosedCache is returned by any mutating call made after Finish has
// been called — spec §4.1's ClosedCache taxonomy entry. It is a
// programming error: a kernel must never call addToCache again once it
// has finished its output cache.
var ErrClosedCache = errors.New("cache: use after finish")

// CacheMachine is the ordered queue of CacheData items described in spec
// §3/§4.1. The zero value is not usable; construct with New.
type CacheMachine struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     *list.List // of *batch.CacheData, in insertion order
	finished  bool
	rowsAdded uint64 // monotonic: total accepted items across the cache's life
	name      string
}

// New creates an empty, open CacheMachine. name is used only for logging
// (the kernel back-reference in spec §9 is purely for naming, never to
// keep the cache alive — callers pass a short identifier such as
// "kernel-3-output", not a pointer to the owning kernel).
func New(name string) *CacheMachine {
	cm := &CacheMachine{
		items: list.New(),
		name:  name,
	}
	cm.cond = sync.NewCond(&cm.mu)
	return cm
}

// Name returns the cache's logging identifier.
func (cm *CacheMachine) Name() string { return cm.name }

// AddToCache appends cd to the tail of the queue. It rejects a nil handle
// outright. It rejects an empty batch unless allowEmpty is true — "empty"
// here means the handle's materialized batch has zero rows; since
// materializing just to check emptiness would defeat lazy CacheData, the
// caller (a kernel) passes the already-known emptiness via allowEmpty's
// companion isEmpty argument instead of forcing a peek.
func (cm *CacheMachine) AddToCache(cd *batch.CacheData, isEmpty bool, allowEmpty bool) (bool, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.finished {
		return false, ErrClosedCache
	}
	if cd == nil {
		return false, nil
	}
	if isEmpty && !allowEmpty {
		return false, nil
	}

	cm.items.PushBack(cd)
	cm.rowsAdded++
	cm.cond.Broadcast()
	return true, nil
}

// PullCacheData removes and returns the head of the queue. It blocks while
// the queue is empty and the cache is not yet finished; it returns
// (nil, nil) once the cache is finished and drained. It never blocks
// indefinitely past Finish: Finish wakes every waiter.
func (cm *CacheMachine) PullCacheData() (*batch.CacheData, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for cm.items.Len() == 0 && !cm.finished {
		cm.cond.Wait()
	}
	if cm.items.Len() == 0 {
		return nil, nil
	}
	front := cm.items.Front()
	cm.items.Remove(front)
	return front.Value.(*batch.CacheData), nil
}

// Finish marks the cache as finalized: no further AddToCache calls will
// succeed, and every blocked or future waiter unblocks. Idempotent.
func (cm *CacheMachine) Finish() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.finished {
		return
	}
	cm.finished = true
	cm.cond.Broadcast()
}

// IsFinished reports whether Finish has been called, regardless of
// whether the queue has drained.
func (cm *CacheMachine) IsFinished() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.finished
}

// WaitUntilFinished blocks until Finish has been called. Used by
// MergeAggregateKernel, which must not begin draining until Distribute has
// declared no further inputs (spec §4.6 step 1).
func (cm *CacheMachine) WaitUntilFinished() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for !cm.finished {
		cm.cond.Wait()
	}
}

// WaitForNext blocks until either a new item is available (returns true)
// or the cache is finished and drained (returns false). Used by
// MergeAggregateKernel's drain loop (spec §4.6 step 2): unlike
// PullCacheData it does not itself remove the item, so the caller can
// distinguish "more to pull" from "done" before pulling.
func (cm *CacheMachine) WaitForNext() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for cm.items.Len() == 0 && !cm.finished {
		cm.cond.Wait()
	}
	return cm.items.Len() > 0
}

// WaitForCount blocks until the total number of accepted items is at
// least n. This counts additions, not the current queue depth — a
// consumer draining concurrently does not reset the count. Used by
// DistributeAggregateKernel's output cache to guarantee every cross-node
// partition has arrived before Merge begins (spec §4.5).
//
// n == 0 returns immediately, matching the empty-input scenario (spec §8
// S5: "wait_for_count(0) returns immediately").
func (cm *CacheMachine) WaitForCount(n uint64) {
	if n == 0 {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for cm.rowsAdded < n {
		cm.cond.Wait()
	}
}

// TotalRowsAdded returns the monotonic count of accepted items, used by
// the optimizer's row-count estimates (spec §4.1, §4.4).
func (cm *CacheMachine) TotalRowsAdded() uint64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.rowsAdded
}

// Deposit appends b to the cache, dropping it if empty — the default
// addToCache semantics of spec §4.1. Implements executor.TaskOutput.
func (cm *CacheMachine) Deposit(b *batch.Batch) error {
	_, err := cm.AddToCache(batch.NewCacheData(depositID(b), b), b.IsEmpty(), false)
	return err
}

// DepositAllowEmpty appends b to the cache even if it has zero rows —
// used by the scalar-aggregate funneling path (spec §4.5) where an empty
// placeholder batch must still reach the output cache. Implements
// executor.TaskOutput.
func (cm *CacheMachine) DepositAllowEmpty(b *batch.Batch) error {
	_, err := cm.AddToCache(batch.NewCacheData(depositID(b), b), b.IsEmpty(), true)
	return err
}

func depositID(b *batch.Batch) string {
	return fmt.Sprintf("%p", b)
}

// Len reports the current queue depth (items added but not yet pulled).
// Exposed for tests and for bounded-cache backpressure decisions (spec
// §5): a producer kernel may choose to poll Len before calling
// AddToCache again rather than blocking inside it, though this
// implementation's AddToCache itself never blocks — unboundedness here
// mirrors the teacher's in-memory cache, which relies on upstream/executor
// pool sizing rather than a hard cache capacity for backpressure.
func (cm *CacheMachine) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.items.Len()
}
