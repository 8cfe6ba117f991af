package filter

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
)

// ApplyRange filters the field to [lo, hi]. The requested range is shown
// while the round trip is in flight.
func (c *Controller) ApplyRange(ctx context.Context, lo, hi float64) (model.FilterSnapshot, error) {
	if lo > hi {
		lo, hi = hi, lo
	}
	expr := model.AllOf(
		model.Cond(c.field, model.OpGE, lo),
		model.Cond(c.field, model.OpLE, hi),
	)
	return c.apply(ctx, expr, &Range{Min: lo, Max: hi})
}

// ApplyText filters the field with a single comparison typed by the user.
// Empty or non-numeric text clears the filter.
func (c *Controller) ApplyText(ctx context.Context, op model.Operator, text string) (model.FilterSnapshot, error) {
	n, ok := parseNumber(text)
	if !ok {
		return model.FilterSnapshot{}, c.Clear(ctx)
	}
	return c.apply(ctx, model.Cond(c.field, op, n), nil)
}

// ApplyRangeText is ApplyRange for raw text fields; unparsable input on
// either side clears the filter.
func (c *Controller) ApplyRangeText(ctx context.Context, lo, hi string) (model.FilterSnapshot, error) {
	from, okFrom := parseNumber(lo)
	to, okTo := parseNumber(hi)
	if !okFrom || !okTo {
		return model.FilterSnapshot{}, c.Clear(ctx)
	}
	return c.ApplyRange(ctx, from, to)
}

func parseNumber(text string) (float64, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}
