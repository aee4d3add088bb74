package store

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Dedup is an in-process TTL-bound LRU of seen (platform, id) keys. It is used
// when no database is configured and in tests; state does not survive a restart.
type Dedup struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	ll    *list.List               // most-recent at front
	items map[string]*list.Element // key -> element
	now   func() time.Time
}

type entry struct {
	key    string
	marked time.Time
}

func NewDedup(maxKeys int, ttl time.Duration) *Dedup {
	if maxKeys <= 0 {
		maxKeys = 100000
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Dedup{cap: maxKeys, ttl: ttl, ll: list.New(), items: make(map[string]*list.Element), now: time.Now}
}

func dedupKey(platform, id string) string {
	return platform + ":" + id
}

// IsNewAndMark reports whether the key was unseen (or expired) and marks it in
// the same critical section, so concurrent callers get exactly one true.
func (d *Dedup) IsNewAndMark(_ context.Context, platform, id string) (bool, error) {
	key := dedupKey(platform, id)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.items[key]; ok {
		en := el.Value.(entry)
		if now.Sub(en.marked) < d.ttl {
			d.ll.MoveToFront(el)
			return false, nil
		}
		en.marked = now
		el.Value = en
		d.ll.MoveToFront(el)
		return true, nil
	}

	d.items[key] = d.ll.PushFront(entry{key: key, marked: now})
	for d.ll.Len() > d.cap {
		d.removeElement(d.ll.Back())
	}
	return true, nil
}

// PurgeOlderThan drops keys marked more than age ago.
func (d *Dedup) PurgeOlderThan(_ context.Context, age time.Duration) (int64, error) {
	cutoff := d.now().Add(-age)

	d.mu.Lock()
	defer d.mu.Unlock()

	var n int64
	for el := d.ll.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(entry).marked.Before(cutoff) {
			d.removeElement(el)
			n++
		}
		el = prev
	}
	return n, nil
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ll.Len()
}

func (d *Dedup) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	d.ll.Remove(el)
	delete(d.items, el.Value.(entry).key)
}
