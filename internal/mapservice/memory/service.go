// Package memory is an in-process map service. It backs the emulator binary
// and tests, and behaves like the embedded map: filters are normalized on
// read, visibility changes and viewport moves are pushed to subscribers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice"
)

var ErrNotFound = errors.New("not found")

// Method names accepted by Fail.
const (
	MethodLayers         = "layers"
	MethodLayerGroups    = "layerGroups"
	MethodLayerFilters   = "layerFilters"
	MethodSetFilters     = "setLayerFilters"
	MethodSetVisibility  = "setLayerVisibility"
	MethodSetGroupVis    = "setLayerGroupVisibility"
	MethodFitBounds      = "fitViewportToBounds"
	MethodShowDataTable  = "showLayerDataTable"
	MethodViewport       = "viewport"
	MethodSubscribeLayer = "onLayerChange"
)

type Service struct {
	log *slog.Logger
	hub *mapservice.Hub

	// pub orders mutations with their pushes so subscribers see the same
	// sequence the store applied.
	pub sync.Mutex

	mu        sync.RWMutex
	layers    []model.Layer
	groups    []model.Group
	base      map[string]model.Expression
	ephemeral map[string]model.Expression
	viewport  model.Viewport
	tables    []string
	faults    map[string]error
	calls     map[string]int
}

var _ mapservice.Service = (*Service)(nil)

func New(seed Seed, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:       log,
		hub:       mapservice.NewHub(mapservice.Hooks{}),
		layers:    slices.Clone(seed.Layers),
		groups:    slices.Clone(seed.Groups),
		base:      make(map[string]model.Expression),
		ephemeral: make(map[string]model.Expression),
		viewport:  seed.Viewport,
		faults:    make(map[string]error),
		calls:     make(map[string]int),
	}
	for id, raw := range seed.BaseFilters {
		expr, err := model.ParseExpression([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("base filter for %q: %w", id, err)
		}
		s.base[id] = expr
	}
	return s, nil
}

// Hub exposes the push hub, e.g. for the websocket bridge server.
func (s *Service) Hub() *mapservice.Hub { return s.hub }

// Fail makes every later call to method return err until cleared with a nil err.
func (s *Service) Fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, method)
		return
	}
	s.faults[method] = err
}

// Calls returns how many times method was invoked.
func (s *Service) Calls(method string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[method]
}

// enter records the call and returns the injected fault, if any. Caller holds mu.
func (s *Service) enter(ctx context.Context, method string) error {
	s.calls[method]++
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.faults[method]
}

func (s *Service) Layers(ctx context.Context) ([]*model.Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, MethodLayers); err != nil {
		return nil, err
	}
	out := make([]*model.Layer, 0, len(s.layers))
	for _, l := range s.layers {
		out = append(out, cloneLayer(l))
	}
	return out, nil
}

func (s *Service) LayerGroups(ctx context.Context) ([]*model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, MethodLayerGroups); err != nil {
		return nil, err
	}
	out := make([]*model.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, &g)
	}
	return out, nil
}

func (s *Service) LayerFilters(ctx context.Context, layerID string) (model.FilterSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, MethodLayerFilters); err != nil {
		return model.FilterSnapshot{}, err
	}
	if s.layerIndex(layerID) < 0 {
		return model.FilterSnapshot{}, fmt.Errorf("layer %q: %w", layerID, ErrNotFound)
	}
	eph := s.ephemeral[layerID]
	return model.FilterSnapshot{Ephemeral: eph, Combined: combine(s.base[layerID], eph)}, nil
}

// combine joins the layer's base filter with the ephemeral one the way the
// map reports it: a lone filter is returned as is, two are and-joined.
func combine(base, eph model.Expression) model.Expression {
	switch {
	case base == nil:
		return eph
	case eph == nil:
		return base
	}
	return model.AllOf(base, eph)
}

func (s *Service) SetLayerFilters(ctx context.Context, layerID string, expr model.Expression) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, MethodSetFilters); err != nil {
		return err
	}
	if s.layerIndex(layerID) < 0 {
		return fmt.Errorf("layer %q: %w", layerID, ErrNotFound)
	}
	if expr == nil {
		delete(s.ephemeral, layerID)
	} else {
		s.ephemeral[layerID] = expr
	}
	s.log.Debug("layer filters set", "layer_id", layerID, "cleared", expr == nil)
	return nil
}

func (s *Service) SetLayerVisibility(ctx context.Context, req model.VisibilityRequest) error {
	s.pub.Lock()
	defer s.pub.Unlock()

	s.mu.Lock()
	if err := s.enter(ctx, MethodSetVisibility); err != nil {
		s.mu.Unlock()
		return err
	}
	idx, err := s.resolve(req, s.layerIndex)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var changed []model.Layer
	for i, visible := range idx {
		if s.layers[i].Visible == visible {
			continue
		}
		s.layers[i].Visible = visible
		changed = append(changed, *cloneLayer(s.layers[i]))
	}
	s.mu.Unlock()

	for _, l := range changed {
		s.hub.Publish(mapservice.LayerChanged(l))
	}
	return nil
}

func (s *Service) SetLayerGroupVisibility(ctx context.Context, req model.VisibilityRequest) error {
	s.pub.Lock()
	defer s.pub.Unlock()

	s.mu.Lock()
	if err := s.enter(ctx, MethodSetGroupVis); err != nil {
		s.mu.Unlock()
		return err
	}
	idx, err := s.resolve(req, s.groupIndex)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var changed []model.Group
	for i, visible := range idx {
		if s.groups[i].Visible == visible {
			continue
		}
		s.groups[i].Visible = visible
		changed = append(changed, s.groups[i])
	}
	s.mu.Unlock()

	for _, g := range changed {
		s.hub.Publish(mapservice.GroupChanged(g))
	}
	return nil
}

// resolve maps request ids to positions and their target visibility. Every id
// must exist; nothing is changed otherwise.
func (s *Service) resolve(req model.VisibilityRequest, index func(string) int) (map[int]bool, error) {
	out := make(map[int]bool, len(req.Show)+len(req.Hide))
	for _, set := range []struct {
		ids     []string
		visible bool
	}{{req.Show, true}, {req.Hide, false}} {
		for _, id := range set.ids {
			i := index(id)
			if i < 0 {
				return nil, fmt.Errorf("%q: %w", id, ErrNotFound)
			}
			out[i] = set.visible
		}
	}
	return out, nil
}

func (s *Service) FitViewportToBounds(ctx context.Context, b model.Bounds) error {
	s.pub.Lock()
	defer s.pub.Unlock()

	s.mu.Lock()
	if err := s.enter(ctx, MethodFitBounds); err != nil {
		s.mu.Unlock()
		return err
	}
	s.viewport = fit(b)
	v := s.viewport
	s.mu.Unlock()

	s.hub.Publish(mapservice.ViewportMoved(v))
	return nil
}

// fit centers on b and picks the largest zoom at which its wider side still
// fits a 256px world tile.
func fit(b model.Bounds) model.Viewport {
	width := math.Abs(b.East - b.West)
	height := math.Abs(b.North - b.South)
	span := math.Max(width, height*2)
	zoom := 22.0
	if span > 0 {
		zoom = math.Max(0, math.Min(22, math.Floor(math.Log2(360/span))))
	}
	return model.Viewport{
		Center: model.LatLng{
			Latitude:  (b.North + b.South) / 2,
			Longitude: (b.East + b.West) / 2,
		},
		Zoom: zoom,
	}
}

func (s *Service) ShowLayerDataTable(ctx context.Context, layerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, MethodShowDataTable); err != nil {
		return err
	}
	if s.layerIndex(layerID) < 0 {
		return fmt.Errorf("layer %q: %w", layerID, ErrNotFound)
	}
	s.tables = append(s.tables, layerID)
	return nil
}

// DataTables lists the layers whose table was opened, in request order.
func (s *Service) DataTables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tables)
}

func (s *Service) Viewport(ctx context.Context) (model.Viewport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, MethodViewport); err != nil {
		return model.Viewport{}, err
	}
	return s.viewport, nil
}

func (s *Service) OnLayerChange(layerID string, fn func(model.Layer)) (mapservice.Unsubscribe, error) {
	s.mu.Lock()
	err := s.enter(context.Background(), MethodSubscribeLayer)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.hub.OnLayerChange(layerID, fn)
}

func (s *Service) OnLayerGroupChange(groupID string, fn func(model.Group)) (mapservice.Unsubscribe, error) {
	return s.hub.OnLayerGroupChange(groupID, fn)
}

func (s *Service) OnViewportMove(fn func(model.Viewport)) (mapservice.Unsubscribe, error) {
	return s.hub.OnViewportMove(fn)
}

// UpsertLayer replaces the layer with the same id, or appends it, and pushes
// the new value.
func (s *Service) UpsertLayer(l model.Layer) {
	s.pub.Lock()
	defer s.pub.Unlock()

	s.mu.Lock()
	if i := s.layerIndex(l.ID); i >= 0 {
		s.layers[i] = l
	} else {
		s.layers = append(s.layers, l)
	}
	s.mu.Unlock()

	s.hub.Publish(mapservice.LayerChanged(*cloneLayer(l)))
}

func (s *Service) UpsertGroup(g model.Group) {
	s.pub.Lock()
	defer s.pub.Unlock()

	s.mu.Lock()
	if i := s.groupIndex(g.ID); i >= 0 {
		s.groups[i] = g
	} else {
		s.groups = append(s.groups, g)
	}
	s.mu.Unlock()

	s.hub.Publish(mapservice.GroupChanged(g))
}

// RemoveLayer deletes the layer. No push is sent; subscribers keep the last
// value they saw.
func (s *Service) RemoveLayer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.layerIndex(id)
	if i < 0 {
		return false
	}
	s.layers = slices.Delete(s.layers, i, i+1)
	delete(s.ephemeral, id)
	delete(s.base, id)
	return true
}

func (s *Service) RemoveGroup(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.groupIndex(id)
	if i < 0 {
		return false
	}
	s.groups = slices.Delete(s.groups, i, i+1)
	return true
}

func (s *Service) MoveViewport(v model.Viewport) {
	s.pub.Lock()
	defer s.pub.Unlock()
	s.mu.Lock()
	s.viewport = v
	s.mu.Unlock()
	s.hub.Publish(mapservice.ViewportMoved(v))
}

func (s *Service) layerIndex(id string) int {
	return slices.IndexFunc(s.layers, func(l model.Layer) bool { return l.ID == id })
}

func (s *Service) groupIndex(id string) int {
	return slices.IndexFunc(s.groups, func(g model.Group) bool { return g.ID == id })
}

func cloneLayer(l model.Layer) *model.Layer {
	if l.Bounds != nil {
		b := *l.Bounds
		l.Bounds = &b
	}
	return &l
}
