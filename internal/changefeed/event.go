// Package changefeed defines the layer and group change events published by
// the map backend.
package changefeed

import (
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice"
)

type Kind string

const (
	KindLayer Kind = "layer"
	KindGroup Kind = "group"
)

type Op string

const (
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

type Event struct {
	Version int          `json:"version"`
	Kind    Kind         `json:"kind"`
	Op      Op           `json:"op"`
	MapID   string       `json:"map_id,omitempty"`
	ID      string       `json:"id"`
	Seq     uint64       `json:"seq"`
	TS      time.Time    `json:"ts"`
	Layer   *model.Layer `json:"layer,omitempty"`
	Group   *model.Group `json:"group,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Kind {
	case KindLayer, KindGroup:
	default:
		return fmt.Errorf("kind must be layer|group")
	}
	switch e.Op {
	case OpUpdate, OpDelete:
	default:
		return fmt.Errorf("op must be update|delete")
	}
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if e.Op == OpDelete {
		return nil
	}
	switch e.Kind {
	case KindLayer:
		if e.Layer == nil || e.Group != nil {
			return fmt.Errorf("layer update needs exactly a layer payload")
		}
		if e.Layer.ID != e.ID {
			return fmt.Errorf("layer payload id %q does not match %q", e.Layer.ID, e.ID)
		}
	case KindGroup:
		if e.Group == nil || e.Layer != nil {
			return fmt.Errorf("group update needs exactly a group payload")
		}
		if e.Group.ID != e.ID {
			return fmt.Errorf("group payload id %q does not match %q", e.Group.ID, e.ID)
		}
	}
	return nil
}

// Key identifies the entity the event is about.
func (e Event) Key() string { return string(e.Kind) + ":" + e.ID }

// ChangeEvent converts an update into a push event. Deletes have none:
// subscribers keep the last value they saw.
func (e Event) ChangeEvent() (mapservice.ChangeEvent, bool) {
	if e.Op != OpUpdate {
		return mapservice.ChangeEvent{}, false
	}
	switch e.Kind {
	case KindLayer:
		if e.Layer != nil {
			return mapservice.LayerChanged(*e.Layer), true
		}
	case KindGroup:
		if e.Group != nil {
			return mapservice.GroupChanged(*e.Group), true
		}
	}
	return mapservice.ChangeEvent{}, false
}
