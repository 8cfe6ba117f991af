// Package mapservice describes the external map service the sidebar mirrors
// and provides the subscription hub its adapters share.
package mapservice

import (
	"context"

	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
)

// Unsubscribe releases a push subscription. Calling it more than once is
// allowed; only the first call releases.
type Unsubscribe func() error

type LayerSource interface {
	Layers(ctx context.Context) ([]*model.Layer, error)
	LayerGroups(ctx context.Context) ([]*model.Group, error)
}

type FilterStore interface {
	LayerFilters(ctx context.Context, layerID string) (model.FilterSnapshot, error)
	SetLayerFilters(ctx context.Context, layerID string, expr model.Expression) error
}

type Subscriber interface {
	OnLayerChange(layerID string, h func(model.Layer)) (Unsubscribe, error)
	OnLayerGroupChange(groupID string, h func(model.Group)) (Unsubscribe, error)
	OnViewportMove(h func(model.Viewport)) (Unsubscribe, error)
}

// Service is the full capability set of an embedded map.
type Service interface {
	LayerSource
	FilterStore
	Subscriber

	SetLayerVisibility(ctx context.Context, req model.VisibilityRequest) error
	SetLayerGroupVisibility(ctx context.Context, req model.VisibilityRequest) error
	FitViewportToBounds(ctx context.Context, b model.Bounds) error
	ShowLayerDataTable(ctx context.Context, layerID string) error
	Viewport(ctx context.Context) (model.Viewport, error)
}
