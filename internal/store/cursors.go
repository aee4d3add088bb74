package store

import (
	"context"
	"sync"
)

// Cursors keeps per-source cursors in memory. A cursor never moves backwards.
type Cursors struct {
	mu sync.Mutex
	m  map[string]string
}

func NewCursors() *Cursors {
	return &Cursors{m: make(map[string]string)}
}

func (c *Cursors) GetCursor(_ context.Context, sourceID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[sourceID], nil
}

func (c *Cursors) SetCursor(_ context.Context, sourceID, cursor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if after(cursor, c.m[sourceID]) {
		c.m[sourceID] = cursor
	}
	return nil
}

// after compares snowflake-style numeric ids: longer is newer, then lexical.
func after(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}
