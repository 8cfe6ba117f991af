// Package live keeps a local copy of one map entity current by seeding it
// with a known snapshot and replacing it on every push for that entity's id.
package live

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mohammed-shakir/map-sidebar/internal/core/observability"
	"github.com/mohammed-shakir/map-sidebar/internal/logger"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice"
)

// SubscribeFunc registers onChange for pushes scoped to id.
type SubscribeFunc[T any] func(id string, onChange func(T)) (mapservice.Unsubscribe, error)

type Options[T any] struct {
	Logger *slog.Logger
	// Kind labels logs and metrics ("layer", "group").
	Kind string
	// OnChange runs after each applied push, outside the lock.
	OnChange func(id string, v T)
}

// Synchronizer holds the latest observed value of one entity. Current and
// push delivery are safe for concurrent use; Retarget and Close belong to the
// owner and must not race each other.
type Synchronizer[T any] struct {
	subscribe SubscribeFunc[T]
	log       *slog.Logger
	kind      string
	onChange  func(string, T)

	mu      sync.Mutex
	id      string
	gen     uint64
	current T
	unsub   mapservice.Unsubscribe
	closed  bool
}

// Observe seeds a synchronizer with initial and subscribes to id. A failed
// subscribe is logged; the value then stays at initial.
func Observe[T any](id string, initial T, subscribe SubscribeFunc[T], opts Options[T]) *Synchronizer[T] {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Kind == "" {
		opts.Kind = "entity"
	}
	s := &Synchronizer[T]{
		subscribe: subscribe,
		log:       opts.Logger,
		kind:      opts.Kind,
		onChange:  opts.OnChange,
	}
	s.attach(id, initial)
	return s
}

func (s *Synchronizer[T]) attach(id string, initial T) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.id = id
	s.current = initial
	s.mu.Unlock()

	unsub, err := s.subscribe(id, func(v T) { s.apply(gen, v) })
	if err != nil {
		observability.IncSubscriptionError(s.kind, "subscribe")
		s.log.ErrorContext(logger.WithEntity(context.Background(), id), "subscribe failed; keeping last known value",
			"kind", s.kind, "id", id, "err", err)
		return
	}
	if unsub == nil {
		return
	}

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		s.release(id, unsub, false)
		return
	}
	s.unsub = unsub
	s.mu.Unlock()
	observability.SubscriptionOpened(s.kind)
}

func (s *Synchronizer[T]) apply(gen uint64, v T) {
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.current = v
	id := s.id
	s.mu.Unlock()

	observability.IncPushEvent(s.kind)
	if s.onChange != nil {
		s.onChange(id, v)
	}
}

func (s *Synchronizer[T]) release(id string, unsub mapservice.Unsubscribe, counted bool) error {
	if unsub == nil {
		return nil
	}
	if counted {
		observability.SubscriptionClosed(s.kind)
	}
	if err := unsub(); err != nil {
		observability.IncSubscriptionError(s.kind, "unsubscribe")
		s.log.Warn("unsubscribe failed", "kind", s.kind, "id", id, "err", err)
		return err
	}
	return nil
}

// Current returns the most recently observed value.
func (s *Synchronizer[T]) Current() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Synchronizer[T]) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Subscribed reports whether a push subscription is currently held.
func (s *Synchronizer[T]) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsub != nil
}

// Retarget switches to another entity: the old subscription is released and
// a new one is opened, seeded with initial. Retargeting to the current id is
// a no-op so a newer push is never replaced by a stale seed.
func (s *Synchronizer[T]) Retarget(id string, initial T) {
	s.mu.Lock()
	if s.closed || id == s.id {
		s.mu.Unlock()
		return
	}
	old, oldID := s.unsub, s.id
	s.unsub = nil
	s.mu.Unlock()

	_ = s.release(oldID, old, true)
	s.attach(id, initial)
}

// Close releases the subscription. Later calls return nil.
func (s *Synchronizer[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	old, id := s.unsub, s.id
	s.unsub = nil
	s.mu.Unlock()

	return s.release(id, old, true)
}
