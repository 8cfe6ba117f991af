// Package sidebar holds the per-map sidebar state: one row per layer and
// group, each kept live by a synchronizer, plus filter controllers for the
// filterable layers.
package sidebar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mohammed-shakir/map-sidebar/internal/actionlog"
	"github.com/mohammed-shakir/map-sidebar/internal/catalog"
	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
	"github.com/mohammed-shakir/map-sidebar/internal/filter"
	"github.com/mohammed-shakir/map-sidebar/internal/layertree"
	"github.com/mohammed-shakir/map-sidebar/internal/live"
	"github.com/mohammed-shakir/map-sidebar/internal/logger"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice"
)

var (
	ErrUnknownLayer  = errors.New("unknown layer")
	ErrUnknownGroup  = errors.New("unknown group")
	ErrNotFilterable = errors.New("layer is not filterable")
	ErrNoBounds      = errors.New("layer has no bounds")
	ErrNotLoaded     = errors.New("sidebar not loaded")
	ErrClosed        = errors.New("sidebar closed")
)

// CatalogLoader supplies the layer and group lists.
type CatalogLoader interface {
	Load(ctx context.Context) (catalog.Catalog, error)
	Invalidate(ctx context.Context) error
}

type Options struct {
	Logger *slog.Logger
	MapID  string
	// Filterable lists layer names or ids that get a filter controller.
	Filterable []string
	Filter     filter.Config
	Actions    actionlog.Recorder
}

type layerRow struct {
	sync   *live.Synchronizer[model.Layer]
	filter *filter.Controller
}

type groupRow struct {
	sync *live.Synchronizer[model.Group]
}

type Session struct {
	svc        mapservice.Service
	loader     CatalogLoader
	log        *slog.Logger
	mapID      string
	filterable map[string]struct{}
	fcfg       filter.Config
	actions    actionlog.Recorder

	reload sync.Mutex // serializes Load and Reload

	mu       sync.RWMutex
	loaded   bool
	closed   bool
	nodes    []layertree.Node
	layers   map[string]*layerRow
	groups   map[string]*groupRow
	viewport *live.Synchronizer[model.Viewport]
}

func New(svc mapservice.Service, loader CatalogLoader, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Actions == nil {
		opts.Actions = actionlog.Nop{}
	}
	if len(opts.Filterable) == 0 {
		opts.Filterable = []string{"Green Belt"}
	}
	if opts.Filter.Default == (filter.Range{}) {
		opts.Filter.Default = filter.Range{Min: 0, Max: 70000}
	}
	set := make(map[string]struct{}, len(opts.Filterable))
	for _, f := range opts.Filterable {
		set[f] = struct{}{}
	}
	log := opts.Logger.With("component", "sidebar")
	opts.Filter.Logger = log
	return &Session{
		svc:        svc,
		loader:     loader,
		log:        log,
		mapID:      opts.MapID,
		filterable: set,
		fcfg:       opts.Filter,
		actions:    opts.Actions,
		layers:     make(map[string]*layerRow),
		groups:     make(map[string]*groupRow),
	}
}

// Load fetches the catalog, builds rows and starts tracking the viewport.
// Calling it again reconciles rows against the current catalog.
func (s *Session) Load(ctx context.Context) error {
	s.reload.Lock()
	defer s.reload.Unlock()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	c, err := s.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	s.reconcile(ctx, c)
	s.trackViewport(ctx)
	return nil
}

// Reload drops the cached catalog and loads it again from the map service.
func (s *Session) Reload(ctx context.Context) error {
	if err := s.loader.Invalidate(ctx); err != nil {
		s.log.Warn("catalog invalidation failed, reloading anyway", "err", err)
	}
	return s.Load(ctx)
}

func (s *Session) filterableLayer(l model.Layer) bool {
	_, byName := s.filterable[l.Name]
	_, byID := s.filterable[l.ID]
	return byName || byID
}

// reconcile brings the rows in line with c. Rows of ids that are still
// present keep their synchronizer so newer pushes are not clobbered by the
// catalog seed. Rows of removed ids are reused for new ids where possible.
func (s *Session) reconcile(ctx context.Context, c catalog.Catalog) {
	ctx = logger.WithMapID(ctx, s.mapID)
	nodes := layertree.Assemble(c.Layers, c.Groups)

	s.mu.RLock()
	oldLayers := s.layers
	oldGroups := s.groups
	s.mu.RUnlock()

	present := make(map[string]struct{}, len(c.Layers))
	for _, l := range c.Layers {
		present[l.ID] = struct{}{}
	}
	var spare []*layerRow
	for id, row := range oldLayers {
		if _, ok := present[id]; !ok {
			spare = append(spare, row)
		}
	}

	layers := make(map[string]*layerRow, len(c.Layers))
	filters := make(map[*layerRow]*filter.Controller)
	var fresh []*filter.Controller
	for _, l := range c.Layers {
		if _, dup := layers[l.ID]; dup {
			continue
		}
		row, ok := oldLayers[l.ID]
		var fc *filter.Controller
		switch {
		case ok:
			row.sync.Retarget(l.ID, l)
			fc = row.filter
		case len(spare) > 0:
			row = spare[len(spare)-1]
			spare = spare[:len(spare)-1]
			row.sync.Retarget(l.ID, l)
		default:
			row = &layerRow{sync: live.ObserveLayer(s.svc, l, s.log, nil)}
		}
		if fc == nil && s.filterableLayer(l) {
			fc = filter.NewController(s.svc, l.ID, s.fcfg)
			fresh = append(fresh, fc)
		}
		filters[row] = fc
		layers[l.ID] = row
	}

	groups := make(map[string]*groupRow)
	for _, n := range nodes {
		if n.Kind != layertree.KindGroup {
			continue
		}
		initial := model.Group{ID: n.GroupID}
		if n.Group != nil {
			initial = *n.Group
		}
		if row, ok := oldGroups[n.GroupID]; ok {
			row.sync.Retarget(n.GroupID, initial)
			groups[n.GroupID] = row
			continue
		}
		groups[n.GroupID] = &groupRow{sync: live.ObserveGroup(s.svc, n.GroupID, initial, s.log, nil)}
	}

	// fresh controllers show the service's filter before anyone can reach them
	for _, fc := range fresh {
		if _, err := fc.Load(ctx); err != nil && !errors.Is(err, filter.ErrSuperseded) {
			s.log.WarnContext(ctx, "initial filter read failed", "layer_id", fc.LayerID(), "err", err)
		}
	}

	s.mu.Lock()
	for row, fc := range filters {
		row.filter = fc
	}
	s.nodes = nodes
	s.layers = layers
	s.groups = groups
	s.loaded = true
	s.mu.Unlock()

	for _, row := range spare {
		if err := row.sync.Close(); err != nil {
			s.log.WarnContext(ctx, "release removed layer", "layer_id", row.sync.ID(), "err", err)
		}
	}
	for id, row := range oldGroups {
		if _, ok := groups[id]; ok {
			continue
		}
		if err := row.sync.Close(); err != nil {
			s.log.WarnContext(ctx, "release removed group", "group_id", id, "err", err)
		}
	}
	s.log.InfoContext(ctx, "sidebar loaded", "layers", len(layers), "groups", len(groups), "nodes", len(nodes))
}

// Ready reports whether the catalog has been loaded.
func (s *Session) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded && !s.closed
}

func (s *Session) layer(id string) (*layerRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return nil, ErrNotLoaded
	}
	row, ok := s.layers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, id)
	}
	return row, nil
}

func (s *Session) group(id string) (*groupRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return nil, ErrNotLoaded
	}
	row, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, id)
	}
	return row, nil
}

func (s *Session) record(ctx context.Context, ev actionlog.Event) {
	ev.MapID = s.mapID
	ev.RequestID = logger.RequestID(ctx)
	s.actions.Record(ev)
}

// Layer returns the live value of a layer.
func (s *Session) Layer(id string) (model.Layer, error) {
	row, err := s.layer(id)
	if err != nil {
		return model.Layer{}, err
	}
	return row.sync.Current(), nil
}

// SetLayerVisible shows or hides a layer. A nil visible toggles the live
// value. The displayed value changes when the map pushes the update.
func (s *Session) SetLayerVisible(ctx context.Context, id string, visible *bool) (bool, error) {
	row, err := s.layer(id)
	if err != nil {
		return false, err
	}
	target := !row.sync.Current().Visible
	if visible != nil {
		target = *visible
	}
	req := model.HideIDs(id)
	if target {
		req = model.ShowIDs(id)
	}
	if err := s.svc.SetLayerVisibility(ctx, req); err != nil {
		return false, fmt.Errorf("set layer %q visibility: %w", id, err)
	}
	s.record(ctx, actionlog.Event{Action: actionlog.LayerVisibility, EntityID: id, Visible: &target})
	return target, nil
}

// SetGroupVisible is SetLayerVisible for groups.
func (s *Session) SetGroupVisible(ctx context.Context, id string, visible *bool) (bool, error) {
	row, err := s.group(id)
	if err != nil {
		return false, err
	}
	target := !row.sync.Current().Visible
	if visible != nil {
		target = *visible
	}
	req := model.HideIDs(id)
	if target {
		req = model.ShowIDs(id)
	}
	if err := s.svc.SetLayerGroupVisibility(ctx, req); err != nil {
		return false, fmt.Errorf("set group %q visibility: %w", id, err)
	}
	s.record(ctx, actionlog.Event{Action: actionlog.GroupVisibility, EntityID: id, Visible: &target})
	return target, nil
}

// ZoomToLayer fits the viewport to the layer's live bounds.
func (s *Session) ZoomToLayer(ctx context.Context, id string) error {
	row, err := s.layer(id)
	if err != nil {
		return err
	}
	l := row.sync.Current()
	if l.Bounds == nil {
		return fmt.Errorf("%w: %q", ErrNoBounds, id)
	}
	if err := s.svc.FitViewportToBounds(ctx, *l.Bounds); err != nil {
		return fmt.Errorf("zoom to layer %q: %w", id, err)
	}
	s.record(ctx, actionlog.Event{Action: actionlog.ZoomToLayer, EntityID: id})
	return nil
}

func (s *Session) ShowDataTable(ctx context.Context, id string) error {
	if _, err := s.layer(id); err != nil {
		return err
	}
	if err := s.svc.ShowLayerDataTable(ctx, id); err != nil {
		return fmt.Errorf("show data table for %q: %w", id, err)
	}
	s.record(ctx, actionlog.Event{Action: actionlog.DataTable, EntityID: id})
	return nil
}

// Filter returns the filter controller of a filterable layer.
func (s *Session) Filter(id string) (*filter.Controller, error) {
	row, err := s.layer(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	fc := row.filter
	s.mu.RUnlock()
	if fc == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFilterable, id)
	}
	return fc, nil
}

// LayerIDs lists the rows' layer ids in tree order.
func (s *Session) LayerIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	seen := make(map[string]struct{})
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, n := range s.nodes {
		if n.Kind == layertree.KindLayer {
			add(n.Layer.ID)
			continue
		}
		for _, c := range n.Children {
			add(c.ID)
		}
	}
	return out
}

// Close releases every subscription the session holds.
func (s *Session) Close() error {
	s.reload.Lock()
	defer s.reload.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	layers, groups, vp := s.layers, s.groups, s.viewport
	s.layers = map[string]*layerRow{}
	s.groups = map[string]*groupRow{}
	s.viewport = nil
	s.mu.Unlock()

	var errs []error
	for _, row := range layers {
		errs = append(errs, row.sync.Close())
	}
	for _, row := range groups {
		errs = append(errs, row.sync.Close())
	}
	if vp != nil {
		errs = append(errs, vp.Close())
	}
	return errors.Join(errs...)
}
