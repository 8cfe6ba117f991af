package sidebar

import (
	"context"
	"encoding/json"

	"github.com/mohammed-shakir/map-sidebar/internal/actionlog"
	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
	"github.com/mohammed-shakir/map-sidebar/internal/filter"
)

// FilterRequest is one user filter edit. Exactly one form is used: an
// explicit expression, a numeric range, raw range text, or one comparison
// typed as text.
type FilterRequest struct {
	Expression model.Expression
	Min, Max   *float64
	TextMin    *string
	TextMax    *string
	Op         model.Operator
	Text       *string
}

// ApplyFilter runs one filter round trip for layer id and returns the
// resulting view.
func (s *Session) ApplyFilter(ctx context.Context, id string, req FilterRequest) (filter.View, error) {
	fc, err := s.Filter(id)
	if err != nil {
		return filter.View{}, err
	}

	switch {
	case req.Expression != nil:
		_, err = fc.Apply(ctx, req.Expression)
	case req.Min != nil && req.Max != nil:
		_, err = fc.ApplyRange(ctx, *req.Min, *req.Max)
	case req.TextMin != nil || req.TextMax != nil:
		_, err = fc.ApplyRangeText(ctx, deref(req.TextMin), deref(req.TextMax))
	case req.Text != nil:
		_, err = fc.ApplyText(ctx, req.Op, *req.Text)
	default:
		err = fc.Clear(ctx)
	}
	v := fc.View()
	if err != nil {
		return v, err
	}
	s.recordFilter(ctx, id, v)
	return v, nil
}

func (s *Session) ClearFilter(ctx context.Context, id string) (filter.View, error) {
	fc, err := s.Filter(id)
	if err != nil {
		return filter.View{}, err
	}
	if err := fc.Clear(ctx); err != nil {
		return fc.View(), err
	}
	v := fc.View()
	s.recordFilter(ctx, id, v)
	return v, nil
}

func (s *Session) FilterView(id string) (filter.View, error) {
	fc, err := s.Filter(id)
	if err != nil {
		return filter.View{}, err
	}
	return fc.View(), nil
}

func (s *Session) recordFilter(ctx context.Context, id string, v filter.View) {
	ev := actionlog.Event{Action: actionlog.FilterCleared, EntityID: id}
	if v.Snapshot != nil && v.Snapshot.Ephemeral != nil {
		ev.Action = actionlog.FilterApplied
		raw, err := model.MarshalExpression(v.Snapshot.Ephemeral)
		if err == nil {
			ev.Filter = json.RawMessage(raw)
		}
	}
	s.record(ctx, ev)
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
