package model

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestParseExpression_Condition(t *testing.T) {
	e, err := ParseExpression([]byte(`["Area_ha","ge",100]`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c, ok := e.(Condition)
	if !ok {
		t.Fatalf("got %T want Condition", e)
	}
	if c.Field != "Area_ha" || c.Op != OpGE {
		t.Fatalf("unexpected condition: %+v", c)
	}
	if n, ok := c.Number(); !ok || n != 100 {
		t.Fatalf("value=%v ok=%v want 100", n, ok)
	}
}

func TestParseExpression_CompoundRoundTrip(t *testing.T) {
	in := `[["Area_ha","ge",100],"and",["Area_ha","le",500]]`
	e, err := ParseExpression([]byte(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	comp, ok := e.(Compound)
	if !ok {
		t.Fatalf("got %T want Compound", e)
	}
	if len(comp.Terms) != 2 || len(comp.Connectors) != 1 || comp.Connectors[0] != And {
		t.Fatalf("unexpected compound: %+v", comp)
	}
	out, err := MarshalExpression(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != in {
		t.Fatalf("got %s want %s", out, in)
	}
}

func TestParseExpression_WrappedCompound(t *testing.T) {
	e, err := ParseExpression([]byte(`[[["Area_ha","ge",1],"and",["Area_ha","le",2]]]`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	outer, ok := e.(Compound)
	if !ok || len(outer.Terms) != 1 {
		t.Fatalf("want one-term wrapper, got %#v", e)
	}
	if got := len(Conditions(e)); got != 2 {
		t.Fatalf("conditions=%d want 2", got)
	}
}

func TestParseExpression_NullAndErrors(t *testing.T) {
	e, err := ParseExpression([]byte(" null "))
	if err != nil || e != nil {
		t.Fatalf("null: e=%v err=%v", e, err)
	}

	bad := []string{
		`{}`,
		`[]`,
		`[["a","ge",1],"and"]`,
		`[["a","ge",1],"xor",["a","le",2]]`,
		`[["a","ge",1],["a","le",2],["a","lt",3]]`,
	}
	for _, in := range bad {
		if _, err := ParseExpression([]byte(in)); err == nil {
			t.Fatalf("expected error for %s", in)
		}
	}
}

func TestAllOf_SkipsNil(t *testing.T) {
	if AllOf() != nil || AllOf(nil, nil) != nil {
		t.Fatal("AllOf of nothing must be nil")
	}
	e := AllOf(Cond("a", OpGT, 1), nil, Cond("a", OpLT, 5))
	comp, ok := e.(Compound)
	if !ok || len(comp.Terms) != 2 || !reflect.DeepEqual(comp.Connectors, []Connector{And}) {
		t.Fatalf("unexpected: %#v", e)
	}
}

func TestFilterSnapshot_JSON(t *testing.T) {
	in := FilterSnapshot{
		Ephemeral: Cond("Area_ha", OpGE, 10.0),
		Combined:  AllOf(Cond("Area_ha", OpGE, 10.0), Cond("Area_ha", OpLE, 20.0)),
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out FilterSnapshot
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", out, in)
	}

	var empty FilterSnapshot
	if err := json.Unmarshal([]byte(`{"ephemeral":null,"combined":null}`), &empty); err != nil {
		t.Fatalf("unmarshal empty: %v", err)
	}
	if !empty.Empty() {
		t.Fatalf("expected empty snapshot, got %#v", empty)
	}
}

func TestCompactLayers_DropsNil(t *testing.T) {
	a := &Layer{ID: "a"}
	b := &Layer{ID: "b"}
	got := CompactLayers([]*Layer{nil, a, nil, b})
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected: %+v", got)
	}
	if gs := CompactGroups([]*Group{nil}); len(gs) != 0 {
		t.Fatalf("unexpected groups: %+v", gs)
	}
}
