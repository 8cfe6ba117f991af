package live

import (
	"log/slog"

	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice"
)

// ObserveLayer follows initial.ID through sub's layer change stream.
func ObserveLayer(sub mapservice.Subscriber, initial model.Layer, log *slog.Logger, onChange func(string, model.Layer)) *Synchronizer[model.Layer] {
	return Observe(initial.ID, initial, sub.OnLayerChange, Options[model.Layer]{
		Logger:   log,
		Kind:     "layer",
		OnChange: onChange,
	})
}

// ObserveGroup follows id through sub's group change stream. initial may be
// the zero Group when the group list did not contain id.
func ObserveGroup(sub mapservice.Subscriber, id string, initial model.Group, log *slog.Logger, onChange func(string, model.Group)) *Synchronizer[model.Group] {
	return Observe(id, initial, sub.OnLayerGroupChange, Options[model.Group]{
		Logger:   log,
		Kind:     "group",
		OnChange: onChange,
	})
}
