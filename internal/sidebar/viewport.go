package sidebar

import (
	"context"

	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
	"github.com/mohammed-shakir/map-sidebar/internal/live"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice"
)

// trackViewport seeds the viewport from the map once and follows its moves.
func (s *Session) trackViewport(ctx context.Context) {
	s.mu.RLock()
	tracking := s.viewport != nil
	s.mu.RUnlock()
	if tracking {
		return
	}

	initial, err := s.svc.Viewport(ctx)
	if err != nil {
		s.log.Warn("initial viewport read failed", "err", err)
	}
	subscribe := func(_ string, fn func(model.Viewport)) (mapservice.Unsubscribe, error) {
		return s.svc.OnViewportMove(fn)
	}
	vp := live.Observe("", initial, subscribe, live.Options[model.Viewport]{
		Logger: s.log,
		Kind:   "viewport",
	})

	s.mu.Lock()
	s.viewport = vp
	s.mu.Unlock()
}

// Viewport returns the last known map center and zoom.
func (s *Session) Viewport() (model.Viewport, error) {
	s.mu.RLock()
	vp := s.viewport
	s.mu.RUnlock()
	if vp == nil {
		return model.Viewport{}, ErrNotLoaded
	}
	return vp.Current(), nil
}
