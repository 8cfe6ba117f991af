package mapservice

import "github.com/mohammed-shakir/map-sidebar/internal/core/model"

type Kind string

const (
	KindLayer    Kind = "layer"
	KindGroup    Kind = "group"
	KindViewport Kind = "viewport"
)

// Topic identifies one push stream. Viewport topics have an empty ID.
type Topic struct {
	Kind Kind
	ID   string
}

func LayerTopic(id string) Topic { return Topic{Kind: KindLayer, ID: id} }

func GroupTopic(id string) Topic { return Topic{Kind: KindGroup, ID: id} }

func ViewportTopic() Topic { return Topic{Kind: KindViewport} }

func (t Topic) String() string {
	if t.ID == "" {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + t.ID
}

// ChangeEvent is one push notification; exactly one payload matching
// Topic.Kind is set.
type ChangeEvent struct {
	Topic    Topic
	Layer    *model.Layer
	Group    *model.Group
	Viewport *model.Viewport
}

func LayerChanged(l model.Layer) ChangeEvent {
	return ChangeEvent{Topic: LayerTopic(l.ID), Layer: &l}
}

func GroupChanged(g model.Group) ChangeEvent {
	return ChangeEvent{Topic: GroupTopic(g.ID), Group: &g}
}

func ViewportMoved(v model.Viewport) ChangeEvent {
	return ChangeEvent{Topic: ViewportTopic(), Viewport: &v}
}
