package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type Operator string

const (
	OpGE Operator = "ge"
	OpLE Operator = "le"
	OpGT Operator = "gt"
	OpLT Operator = "lt"
	OpEQ Operator = "eq"
	OpNE Operator = "ne"
)

func (op Operator) Valid() bool {
	switch op {
	case OpGE, OpLE, OpGT, OpLT, OpEQ, OpNE:
		return true
	}
	return false
}

type Connector string

const (
	And Connector = "and"
	Or  Connector = "or"
)

func (c Connector) Valid() bool { return c == And || c == Or }

// Expression is a layer filter as understood by the map service. A nil
// Expression means "no filter".
//
// Wire form: a condition is ["field","op",value]; a compound alternates
// terms and connectors, [cond,"and",cond]. A single wrapped term [[...]]
// decodes to a one-term Compound.
type Expression interface {
	json.Marshaler
	isExpression()
}

type Condition struct {
	Field string
	Op    Operator
	Value any
}

func Cond(field string, op Operator, value any) Condition {
	return Condition{Field: field, Op: op, Value: value}
}

func (Condition) isExpression() {}

func (c Condition) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal([]any{c.Field, string(c.Op), c.Value})
	if err != nil {
		return nil, fmt.Errorf("marshal condition %q: %w", c.Field, err)
	}
	return b, nil
}

// Number returns the condition value as float64 when it is numeric.
func (c Condition) Number() (float64, bool) {
	switch v := c.Value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Compound holds len(Terms)-1 connectors; Connectors[i] joins Terms[i] and Terms[i+1].
type Compound struct {
	Terms      []Expression
	Connectors []Connector
}

func (Compound) isExpression() {}

func (c Compound) MarshalJSON() ([]byte, error) {
	out := make([]any, 0, 2*len(c.Terms))
	for i, t := range c.Terms {
		if i > 0 {
			conn := And
			if i-1 < len(c.Connectors) {
				conn = c.Connectors[i-1]
			}
			out = append(out, string(conn))
		}
		out = append(out, t)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal compound: %w", err)
	}
	return b, nil
}

// AllOf joins terms with "and", skipping nil terms. No terms yields nil.
func AllOf(terms ...Expression) Expression {
	kept := make([]Expression, 0, len(terms))
	for _, t := range terms {
		if t != nil {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	conns := make([]Connector, 0, len(kept)-1)
	for range len(kept) - 1 {
		conns = append(conns, And)
	}
	return Compound{Terms: kept, Connectors: conns}
}

// Conditions flattens every condition of e in document order.
func Conditions(e Expression) []Condition {
	var out []Condition
	var walk func(Expression)
	walk = func(x Expression) {
		switch v := x.(type) {
		case Condition:
			out = append(out, v)
		case Compound:
			for _, t := range v.Terms {
				walk(t)
			}
		}
	}
	walk(e)
	return out
}

// MarshalExpression encodes e, writing null for a nil expression.
func MarshalExpression(e Expression) ([]byte, error) {
	if e == nil {
		return []byte("null"), nil
	}
	return e.MarshalJSON()
}

var errEmptyExpression = errors.New("empty filter expression")

// ParseExpression decodes the wire form. null decodes to a nil Expression.
func ParseExpression(raw []byte) (Expression, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("filter expression must be an array: %w", err)
	}
	if len(items) == 0 {
		return nil, errEmptyExpression
	}
	if c, ok := asCondition(items); ok {
		return c, nil
	}
	if len(items)%2 == 0 {
		return nil, fmt.Errorf("compound filter has %d elements; terms and connectors must alternate", len(items))
	}

	var out Compound
	for i, it := range items {
		if i%2 == 1 {
			var s string
			if err := json.Unmarshal(it, &s); err != nil {
				return nil, fmt.Errorf("element %d: connector must be a string: %w", i, err)
			}
			conn := Connector(s)
			if !conn.Valid() {
				return nil, fmt.Errorf("element %d: unknown connector %q", i, s)
			}
			out.Connectors = append(out.Connectors, conn)
			continue
		}
		term, err := ParseExpression(it)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		if term == nil {
			return nil, fmt.Errorf("element %d: %w", i, errEmptyExpression)
		}
		out.Terms = append(out.Terms, term)
	}
	return out, nil
}

func asCondition(items []json.RawMessage) (Condition, bool) {
	if len(items) != 3 {
		return Condition{}, false
	}
	var field, op string
	if json.Unmarshal(items[0], &field) != nil || json.Unmarshal(items[1], &op) != nil {
		return Condition{}, false
	}
	if !Operator(op).Valid() {
		return Condition{}, false
	}
	v := bytes.TrimSpace(items[2])
	if len(v) > 0 && v[0] == '[' {
		return Condition{}, false
	}
	var value any
	if err := json.Unmarshal(v, &value); err != nil {
		return Condition{}, false
	}
	return Condition{Field: field, Op: Operator(op), Value: value}, true
}

// FilterSnapshot is the service's view of a layer's filters.
type FilterSnapshot struct {
	Ephemeral Expression
	Combined  Expression
}

// Empty reports whether neither slot carries a filter.
func (s FilterSnapshot) Empty() bool { return s.Ephemeral == nil && s.Combined == nil }

type wireSnapshot struct {
	Ephemeral json.RawMessage `json:"ephemeral"`
	Combined  json.RawMessage `json:"combined"`
}

func (s FilterSnapshot) MarshalJSON() ([]byte, error) {
	eph, err := MarshalExpression(s.Ephemeral)
	if err != nil {
		return nil, err
	}
	comb, err := MarshalExpression(s.Combined)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireSnapshot{Ephemeral: eph, Combined: comb})
}

func (s *FilterSnapshot) UnmarshalJSON(b []byte) error {
	var w wireSnapshot
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("decode filter snapshot: %w", err)
	}
	eph, err := ParseExpression(w.Ephemeral)
	if err != nil {
		return fmt.Errorf("ephemeral: %w", err)
	}
	comb, err := ParseExpression(w.Combined)
	if err != nil {
		return fmt.Errorf("combined: %w", err)
	}
	s.Ephemeral, s.Combined = eph, comb
	return nil
}
