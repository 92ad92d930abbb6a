// Package flight caches the outcome of one-time loads by key. Concurrent
// callers share a single in-flight load and later callers get the stored
// outcome until the key is forgotten.
package flight

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// LoadFunc produces the value for a key. Its context is detached from
// any single caller, so one caller giving up does not abort the load.
type LoadFunc[V any] func(ctx context.Context) (V, error)

type outcome[V any] struct {
	val V
	err error
}

// Cache is safe for concurrent use. The zero value is not usable; call New.
type Cache[V any] struct {
	group singleflight.Group

	mu    sync.Mutex
	done  map[string]outcome[V]
	gen   map[string]uint64
	loads map[string]int
}

func New[V any]() *Cache[V] {
	return &Cache[V]{
		done:  map[string]outcome[V]{},
		gen:   map[string]uint64{},
		loads: map[string]int{},
	}
}

// GetOrLoad returns the stored outcome for key, joins a load already in
// flight, or starts one. Successes and failures are both stored. If ctx
// ends first GetOrLoad returns ctx.Err() and the load keeps running.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load LoadFunc[V]) (V, error) {
	c.mu.Lock()
	if o, ok := c.done[key]; ok {
		c.mu.Unlock()
		return o.val, o.err
	}
	gen := c.gen[key]
	c.mu.Unlock()

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		c.mu.Lock()
		c.loads[key]++
		c.mu.Unlock()

		v, err := load(loadCtx)

		c.mu.Lock()
		if c.gen[key] == gen {
			c.done[key] = outcome[V]{val: v, err: err}
		}
		c.mu.Unlock()
		return v, err
	})

	select {
	case res := <-ch:
		v, _ := res.Val.(V)
		return v, res.Err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Lookup reports the stored outcome for key without loading.
func (c *Cache[V]) Lookup(key string) (val V, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.done[key]
	return o.val, ok, o.err
}

// Forget drops the stored outcome so the next GetOrLoad loads again. A
// load still in flight finishes for its current callers but its result
// is not stored.
func (c *Cache[V]) Forget(key string) {
	c.mu.Lock()
	delete(c.done, key)
	c.gen[key]++
	c.mu.Unlock()
	c.group.Forget(key)
}

// Loads reports how many times a load function ran for key.
func (c *Cache[V]) Loads(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads[key]
}
