package queue

import (
	"container/list"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/runnerr0/dwell/internal/events"
)

// Fingerprint hashes the identity fields of ev. Timestamps are excluded so
// double-fired notifications collide.
func Fingerprint(ev events.DomainEvent) uint64 {
	d := xxhash.New()
	for _, part := range []string{
		string(ev.Type),
		strconv.Itoa(ev.TabID),
		ev.URL,
		ev.VisitID,
		ev.ActivityID,
	} {
		_, _ = d.WriteString(part)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

type dedupEntry struct {
	fp uint64
	ts int64
}

// dedupCache is a bounded LRU of fingerprint to the event timestamp it was
// first seen at. Capacity eviction is independent of the time window.
type dedupCache struct {
	capacity int
	order    *list.List
	items    map[uint64]*list.Element
}

func newDedupCache(capacity int) *dedupCache {
	if capacity < 1 {
		capacity = 1
	}
	return &dedupCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[uint64]*list.Element, capacity),
	}
}

// isDuplicate reports whether fp was recorded within window of ts.
func (c *dedupCache) isDuplicate(fp uint64, ts int64, window time.Duration) bool {
	el, ok := c.items[fp]
	if !ok {
		return false
	}
	c.order.MoveToFront(el)
	diff := ts - el.Value.(*dedupEntry).ts
	if diff < 0 {
		diff = -diff
	}
	return diff <= window.Milliseconds()
}

// record stores fp at ts, evicting the least recently used entry when full.
func (c *dedupCache) record(fp uint64, ts int64) {
	if el, ok := c.items[fp]; ok {
		el.Value.(*dedupEntry).ts = ts
		c.order.MoveToFront(el)
		return
	}
	c.items[fp] = c.order.PushFront(&dedupEntry{fp: fp, ts: ts})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*dedupEntry).fp)
	}
}

func (c *dedupCache) len() int { return c.order.Len() }
