// Package wsbridge carries the map service API over a websocket: the client
// implements mapservice.Service against a remote map, the server exposes a
// local one.
package wsbridge

import (
	"encoding/json"
	"fmt"

	"github.com/mohammed-shakir/map-sidebar/internal/mapservice"
)

type MessageType string

const (
	TypeCall   MessageType = "call"
	TypeResult MessageType = "result"
	TypeEvent  MessageType = "event"
)

// Remote method names.
const (
	MethodLayers                  = "getLayers"
	MethodLayerGroups             = "getLayerGroups"
	MethodLayerFilters            = "getLayerFilters"
	MethodSetLayerFilters         = "setLayerFilters"
	MethodSetLayerVisibility      = "setLayerVisibility"
	MethodSetLayerGroupVisibility = "setLayerGroupVisibility"
	MethodFitViewportToBounds     = "fitViewportToBounds"
	MethodShowLayerDataTable      = "showLayerDataTable"
	MethodViewport                = "getViewport"
	MethodSubscribe               = "subscribe"
	MethodUnsubscribe             = "unsubscribe"
)

// Envelope is the single frame shape on the wire. For calls and results ID
// is the call id; for events it is the entity id.
type Envelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Event   mapservice.Kind `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type layerParams struct {
	LayerID string `json:"layerId"`
}

type filterParams struct {
	LayerID string          `json:"layerId"`
	Filters json.RawMessage `json:"filters"`
}

type topicParams struct {
	Kind mapservice.Kind `json:"kind"`
	ID   string          `json:"id,omitempty"`
}

func (p topicParams) topic() (mapservice.Topic, error) {
	switch p.Kind {
	case mapservice.KindLayer, mapservice.KindGroup:
		if p.ID == "" {
			return mapservice.Topic{}, fmt.Errorf("%s subscription needs an id", p.Kind)
		}
	case mapservice.KindViewport:
	default:
		return mapservice.Topic{}, fmt.Errorf("unknown subscription kind %q", p.Kind)
	}
	return mapservice.Topic{Kind: p.Kind, ID: p.ID}, nil
}

// RemoteError is an error reported by the other side of the bridge.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("map service %s: %s", e.Method, e.Message)
}
