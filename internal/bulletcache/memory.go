package bulletcache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type memItem struct {
	key       string
	fragments []string
	expires   time.Time
}

// Memory is a fixed-size, process-local fragment cache with per-entry expiry.
// It keeps exactly one order element per key, oldest write at the front.
type Memory struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List
	capacity int
	now      func() time.Time
}

var _ Cache = (*Memory)(nil)

// NewMemory creates a cache holding at most capacity entries.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1
	}
	return &Memory{
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		capacity: capacity,
		now:      time.Now,
	}
}

// Get returns the fragments stored under key while they are fresh.
func (c *Memory) Get(_ context.Context, key string) ([]string, bool, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	item := el.Value.(*memItem)
	if !now.Before(item.expires) {
		c.remove(el)
		return nil, false, nil
	}
	return append([]string(nil), item.fragments...), true, nil
}

// Set records fragments for ttl, replacing any earlier value.
func (c *Memory) Set(_ context.Context, key string, fragments []string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := c.now()
	item := &memItem{
		key:       key,
		fragments: append([]string(nil), fragments...),
		expires:   now.Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value = item
		c.order.MoveToBack(el)
	} else {
		c.items[key] = c.order.PushBack(item)
	}
	c.compact(now)
	return nil
}

// Len reports the number of stored entries, expired ones included until
// they are reclaimed.
func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// compact drops expired entries from the front, then the oldest writes
// until the cache fits its capacity.
func (c *Memory) compact(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		expired := !now.Before(el.Value.(*memItem).expires)
		if !expired && c.order.Len() <= c.capacity {
			return
		}
		c.remove(el)
	}
}

func (c *Memory) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*memItem).key)
}
