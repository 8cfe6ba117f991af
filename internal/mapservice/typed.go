package mapservice

import "github.com/mohammed-shakir/map-sidebar/internal/core/model"

// Typed helpers adapters use to implement Subscriber on top of a Hub.

func (h *Hub) OnLayerChange(layerID string, fn func(model.Layer)) (Unsubscribe, error) {
	return h.Subscribe(LayerTopic(layerID), func(ev ChangeEvent) {
		if ev.Layer != nil {
			fn(*ev.Layer)
		}
	})
}

func (h *Hub) OnLayerGroupChange(groupID string, fn func(model.Group)) (Unsubscribe, error) {
	return h.Subscribe(GroupTopic(groupID), func(ev ChangeEvent) {
		if ev.Group != nil {
			fn(*ev.Group)
		}
	})
}

func (h *Hub) OnViewportMove(fn func(model.Viewport)) (Unsubscribe, error) {
	return h.Subscribe(ViewportTopic(), func(ev ChangeEvent) {
		if ev.Viewport != nil {
			fn(*ev.Viewport)
		}
	})
}

var _ Subscriber = (*Hub)(nil)
