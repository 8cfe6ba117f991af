// Package filter runs filter round trips for one layer: write the full
// expression, read back what the map service actually applied, and keep the
// displayed state in line with the latest request.
package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
	"github.com/mohammed-shakir/map-sidebar/internal/core/observability"
	"github.com/mohammed-shakir/map-sidebar/internal/logger"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice"
)

// ErrSuperseded is returned when a newer request replaced this one before
// its result could be displayed.
var ErrSuperseded = errors.New("filter request superseded by a newer one")

type State string

const (
	Unfiltered State = "unfiltered"
	Pending    State = "pending"
	Filtered   State = "filtered"
)

// Range is the numeric window shown for the filter field.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type Config struct {
	// Field is the numeric attribute range filters apply to.
	Field   string
	Default Range
	Logger  *slog.Logger
}

// View is what the sidebar displays for a layer's filter.
type View struct {
	LayerID  string                `json:"layer_id"`
	Field    string                `json:"field"`
	State    State                 `json:"state"`
	Pending  model.Expression      `json:"pending,omitempty"`
	Snapshot *model.FilterSnapshot `json:"snapshot,omitempty"`
	Range    Range                 `json:"range"`
}

type display struct {
	state    State
	snapshot *model.FilterSnapshot
	rng      Range
}

type Controller struct {
	svc     mapservice.FilterStore
	layerID string
	field   string
	def     Range
	log     *slog.Logger

	rt sync.Mutex // one round trip on the wire at a time

	mu      sync.Mutex
	seq     uint64
	cur     display
	settled display
	pending model.Expression
}

func NewController(svc mapservice.FilterStore, layerID string, cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Field == "" {
		cfg.Field = "Area_ha"
	}
	d := display{state: Unfiltered, rng: cfg.Default}
	return &Controller{
		svc:     svc,
		layerID: layerID,
		field:   cfg.Field,
		def:     cfg.Default,
		log:     cfg.Logger.With("layer_id", layerID),
		cur:     d,
		settled: d,
	}
}

func (c *Controller) LayerID() string { return c.layerID }

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := View{
		LayerID: c.layerID,
		Field:   c.field,
		State:   c.cur.state,
		Range:   c.cur.rng,
	}
	if c.cur.state == Pending {
		v.Pending = c.pending
	}
	if c.cur.snapshot != nil {
		snap := *c.cur.snapshot
		v.Snapshot = &snap
	}
	return v
}

// issue hands out the next sequence number. Non-nil expr moves the display
// to Pending; optimistic, when set, is shown until the read-back lands.
func (c *Controller) issue(expr model.Expression, optimistic *Range) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	if expr != nil {
		if c.cur.state != Pending {
			c.settled = c.cur
		}
		c.cur.state = Pending
		c.pending = expr
		if optimistic != nil {
			c.cur.rng = *optimistic
		}
	}
	return c.seq
}

func (c *Controller) latest(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return seq == c.seq
}

// fail restores the last settled display if seq is still the latest request.
func (c *Controller) fail(ctx context.Context, seq uint64, stage string, err error, started time.Time) error {
	c.mu.Lock()
	if seq == c.seq && c.cur.state == Pending {
		c.cur = c.settled
		c.pending = nil
	}
	c.mu.Unlock()

	observability.ObserveFilterRoundTrip("error", time.Since(started).Seconds())
	c.log.ErrorContext(logger.WithEntity(ctx, c.layerID), "filter round trip failed", "stage", stage, "seq", seq, "err", err)
	return fmt.Errorf("filter %s for layer %q: %w", stage, c.layerID, err)
}

// Apply replaces the layer's filter with expr and displays the snapshot the
// service reports afterwards. A nil expr clears.
func (c *Controller) Apply(ctx context.Context, expr model.Expression) (model.FilterSnapshot, error) {
	if expr == nil {
		return model.FilterSnapshot{}, c.Clear(ctx)
	}
	return c.apply(ctx, expr, nil)
}

func (c *Controller) apply(ctx context.Context, expr model.Expression, optimistic *Range) (model.FilterSnapshot, error) {
	seq := c.issue(expr, optimistic)

	c.rt.Lock()
	defer c.rt.Unlock()

	if !c.latest(seq) {
		observability.ObserveFilterRoundTrip("superseded", 0)
		return model.FilterSnapshot{}, ErrSuperseded
	}

	started := time.Now()
	if err := c.svc.SetLayerFilters(ctx, c.layerID, expr); err != nil {
		return model.FilterSnapshot{}, c.fail(ctx, seq, "write", err, started)
	}
	snap, err := c.svc.LayerFilters(ctx, c.layerID)
	if err != nil {
		return model.FilterSnapshot{}, c.fail(ctx, seq, "read", err, started)
	}

	if !c.settle(seq, snap) {
		observability.ObserveFilterRoundTrip("superseded", 0)
		c.log.DebugContext(logger.WithEntity(ctx, c.layerID), "discarding superseded filter snapshot", "seq", seq)
		return snap, ErrSuperseded
	}
	observability.ObserveFilterRoundTrip("applied", time.Since(started).Seconds())
	return snap, nil
}

func (c *Controller) settle(seq uint64, snap model.FilterSnapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.seq {
		return false
	}
	c.cur.snapshot = &snap
	c.cur.state = Filtered
	if snap.Empty() {
		c.cur.state = Unfiltered
	}
	c.cur.rng = RangeOf(snap.Combined, c.field, c.cur.rng)
	c.pending = nil
	c.settled = c.cur
	return true
}

// Clear writes an empty filter and resets the display to its defaults. The
// snapshot is not read back.
func (c *Controller) Clear(ctx context.Context) error {
	seq := c.issue(nil, nil)

	c.rt.Lock()
	defer c.rt.Unlock()

	if !c.latest(seq) {
		observability.ObserveFilterRoundTrip("superseded", 0)
		return ErrSuperseded
	}

	started := time.Now()
	if err := c.svc.SetLayerFilters(ctx, c.layerID, nil); err != nil {
		return c.fail(ctx, seq, "clear", err, started)
	}

	c.mu.Lock()
	if seq != c.seq {
		c.mu.Unlock()
		observability.ObserveFilterRoundTrip("superseded", 0)
		return ErrSuperseded
	}
	c.cur = display{state: Unfiltered, rng: c.def}
	c.settled = c.cur
	c.pending = nil
	c.mu.Unlock()

	observability.ObserveFilterRoundTrip("cleared", time.Since(started).Seconds())
	return nil
}

// Load reads the layer's current filters without writing, so the display
// starts from what the service already applies. It never supersedes a user
// request: while one is pending Load returns ErrSuperseded without reading,
// and a request issued during the read wins over the loaded snapshot.
func (c *Controller) Load(ctx context.Context) (model.FilterSnapshot, error) {
	c.rt.Lock()
	defer c.rt.Unlock()

	c.mu.Lock()
	seq, busy := c.seq, c.cur.state == Pending
	c.mu.Unlock()
	if busy {
		return model.FilterSnapshot{}, ErrSuperseded
	}

	started := time.Now()
	snap, err := c.svc.LayerFilters(ctx, c.layerID)
	if err != nil {
		return model.FilterSnapshot{}, c.fail(ctx, seq, "load", err, started)
	}
	if !c.settle(seq, snap) {
		return snap, ErrSuperseded
	}
	return snap, nil
}

// RangeOf reads the field's bounds out of expr: ge/gt give the minimum and
// le/lt the maximum. Sides expr does not constrain keep fallback's value.
func RangeOf(expr model.Expression, field string, fallback Range) Range {
	out := fallback
	for _, cond := range model.Conditions(expr) {
		if cond.Field != field {
			continue
		}
		n, ok := cond.Number()
		if !ok {
			continue
		}
		switch cond.Op {
		case model.OpGE, model.OpGT:
			out.Min = n
		case model.OpLE, model.OpLT:
			out.Max = n
		}
	}
	return out
}
