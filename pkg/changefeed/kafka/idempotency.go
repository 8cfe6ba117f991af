package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

type sequenceDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, uint64]
}

func newSequenceDedupe(size int) *sequenceDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, uint64](size)
	return &sequenceDedupe{lru: c}
}

// stale reports whether seq is not newer than the last committed one for key
func (d *sequenceDedupe) stale(key string, seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lru.Get(key)
	return ok && seq <= last
}

func (d *sequenceDedupe) commit(key string, seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(key); ok && seq <= last {
		return
	}
	d.lru.Add(key, seq)
}
