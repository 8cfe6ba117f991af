package changefeed

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice"
)

func mustTS() time.Time { return time.Date(2025, 10, 26, 12, 30, 45, 0, time.UTC) }

func TestEvent_Validate_LayerUpdateHappyPath(t *testing.T) {
	ev := Event{
		Version: 1, Kind: KindLayer, Op: OpUpdate, ID: "l1", Seq: 3, TS: mustTS(),
		Layer: &model.Layer{ID: "l1", Name: "Green Belt", Visible: true},
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	ce, ok := ev.ChangeEvent()
	if !ok || ce.Topic != mapservice.LayerTopic("l1") || ce.Layer == nil || !ce.Layer.Visible {
		t.Fatalf("unexpected change event: %+v ok=%v", ce, ok)
	}
}

func TestEvent_Validate_DeleteNeedsNoPayload(t *testing.T) {
	ev := Event{Version: 1, Kind: KindGroup, Op: OpDelete, ID: "g1", TS: mustTS()}
	if err := ev.Validate(); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if _, ok := ev.ChangeEvent(); ok {
		t.Fatal("deletes must not produce a push")
	}
}

func TestEvent_Validate_Rejects(t *testing.T) {
	base := Event{Version: 1, Kind: KindLayer, Op: OpUpdate, ID: "l1", TS: mustTS(), Layer: &model.Layer{ID: "l1"}}
	cases := map[string]func(*Event){
		"version":       func(e *Event) { e.Version = 2 },
		"kind":          func(e *Event) { e.Kind = "feature" },
		"op":            func(e *Event) { e.Op = "insert" },
		"id":            func(e *Event) { e.ID = " " },
		"ts":            func(e *Event) { e.TS = time.Time{} },
		"no payload":    func(e *Event) { e.Layer = nil },
		"wrong payload": func(e *Event) { e.Group = &model.Group{ID: "l1"} },
		"id mismatch":   func(e *Event) { e.Layer = &model.Layer{ID: "other"} },
	}
	for name, mutate := range cases {
		ev := base
		mutate(&ev)
		if err := ev.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestEvent_DecodeWireForm(t *testing.T) {
	raw := `{"version":1,"kind":"group","op":"update","map_id":"m1","id":"g1","seq":7,
		"ts":"2025-10-26T12:30:45Z","group":{"id":"g1","name":"Environment","visible":false}}`
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if ev.Key() != "group:g1" || ev.Seq != 7 || ev.MapID != "m1" || !ev.TS.Equal(mustTS()) {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
