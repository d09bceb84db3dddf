package batch

// CacheData is an opaque handle to a Batch that may be resident on device,
// host, or disk. Only the host tier is implemented directly here (the
// device/disk tiers are the GPU memory-pool's concern, out of scope per
// spec §1); the handle abstraction exists so CacheMachine and the kernels
// never need to know which tier backs a given item.
type CacheData struct {
	id       string
	materialize func() (*Batch, error)
	cached   *Batch
}

// NewCacheData wraps an already-materialized Batch in a CacheData handle.
func NewCacheData(id string, b *Batch) *CacheData {
	return &CacheData{id: id, cached: b}
}

// NewLazyCacheData wraps a materialization function, deferring the actual
// Batch construction until Materialize is first called. Kernels whose
// do_process would otherwise hold device memory unnecessarily long can use
// this to delay allocation until the executor actually runs their task.
func NewLazyCacheData(id string, materialize func() (*Batch, error)) *CacheData {
	return &CacheData{id: id, materialize: materialize}
}

// ID returns the cache_id prefix used to correlate this item with inbound
// data-partition messages at the receiving node (spec §6).
func (c *CacheData) ID() string { return c.id }

// Materialize resolves the handle into a concrete Batch, computing it once
// and caching the result for subsequent calls.
func (c *CacheData) Materialize() (*Batch, error) {
	if c.cached != nil {
		return c.cached, nil
	}
	b, err := c.materialize()
	if err != nil {
		return nil, err
	}
	c.cached = b
	return b, nil
}
