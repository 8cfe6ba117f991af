package mapservice

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const numShards = 32

// Hooks run when a topic gains its first or loses its last subscriber.
// Adapters use them to open and close the upstream stream. Hooks for one
// topic never run concurrently.
type Hooks struct {
	First func(Topic) error
	Last  func(Topic) error
}

// Hub fans push events out to local subscribers, keyed by topic.
type Hub struct {
	hooks  Hooks
	next   atomic.Uint64
	shards [numShards]shard
}

type shard struct {
	mu sync.Mutex
	m  map[Topic]*entry
}

type entry struct {
	hookMu sync.Mutex

	// guarded by shard.mu
	handlers map[uint64]func(ChangeEvent)
	order    []uint64
	pins     int
}

func NewHub(hooks Hooks) *Hub {
	h := &Hub{hooks: hooks}
	for i := range h.shards {
		h.shards[i].m = make(map[Topic]*entry)
	}
	return h
}

func (h *Hub) pick(t Topic) *shard {
	idx := xxhash.Sum64String(t.String()) & (numShards - 1)
	return &h.shards[idx]
}

// Subscribe registers fn for t. A failing First hook rolls the subscription
// back and returns its error.
func (h *Hub) Subscribe(t Topic, fn func(ChangeEvent)) (Unsubscribe, error) {
	s := h.pick(t)

	s.mu.Lock()
	e := s.m[t]
	if e == nil {
		e = &entry{handlers: make(map[uint64]func(ChangeEvent))}
		s.m[t] = e
	}
	e.pins++
	s.mu.Unlock()

	e.hookMu.Lock()
	defer e.hookMu.Unlock()

	s.mu.Lock()
	first := len(e.handlers) == 0
	s.mu.Unlock()

	if first && h.hooks.First != nil {
		if err := h.hooks.First(t); err != nil {
			h.unpin(s, t, e)
			return nil, err
		}
	}

	id := h.next.Add(1)
	s.mu.Lock()
	e.handlers[id] = fn
	e.order = append(e.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() { err = h.remove(s, t, e, id) })
		return err
	}, nil
}

func (h *Hub) remove(s *shard, t Topic, e *entry, id uint64) error {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()

	s.mu.Lock()
	delete(e.handlers, id)
	if i := slices.Index(e.order, id); i >= 0 {
		e.order = slices.Delete(e.order, i, i+1)
	}
	last := len(e.handlers) == 0
	s.mu.Unlock()

	var err error
	if last && h.hooks.Last != nil {
		err = h.hooks.Last(t)
	}
	h.unpin(s, t, e)
	return err
}

func (h *Hub) unpin(s *shard, t Topic, e *entry) {
	s.mu.Lock()
	e.pins--
	if e.pins <= 0 && len(e.handlers) == 0 && s.m[t] == e {
		delete(s.m, t)
	}
	s.mu.Unlock()
}

// Publish delivers ev to the topic's subscribers in subscription order and
// returns how many received it. Events for one topic must be published from
// a single goroutine to keep their order.
func (h *Hub) Publish(ev ChangeEvent) int {
	s := h.pick(ev.Topic)

	s.mu.Lock()
	e := s.m[ev.Topic]
	if e == nil {
		s.mu.Unlock()
		return 0
	}
	fns := make([]func(ChangeEvent), 0, len(e.order))
	for _, id := range e.order {
		fns = append(fns, e.handlers[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
	return len(fns)
}

// Subscribers returns the number of local subscribers for t.
func (h *Hub) Subscribers(t Topic) int {
	s := h.pick(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.m[t]; e != nil {
		return len(e.handlers)
	}
	return 0
}

// Topics lists topics with at least one subscriber.
func (h *Hub) Topics() []Topic {
	var out []Topic
	for i := range h.shards {
		s := &h.shards[i]
		s.mu.Lock()
		for t, e := range s.m {
			if len(e.handlers) > 0 {
				out = append(out, t)
			}
		}
		s.mu.Unlock()
	}
	return out
}
