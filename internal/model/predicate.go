package model

import (
	"encoding/json"
	"reflect"
)

// JSONPredicate matches a JSON document. Exactly one of And, Or, Not or Value is set.
// Scope and Key select the value inside the document that Value applies to.
type JSONPredicate struct {
	And   []JSONPredicate `json:"and,omitempty"`
	Or    []JSONPredicate `json:"or,omitempty"`
	Not   *JSONPredicate  `json:"not,omitempty"`
	Scope []string        `json:"scope,omitempty"`
	Key   string          `json:"key,omitempty"`
	Value *ValueMatcher   `json:"value,omitempty"`
}

// ValueMatcher holds conditions on a single JSON value. All set conditions must hold.
type ValueMatcher struct {
	Equals        json.RawMessage `json:"equals,omitempty"`
	AtLeast       *float64        `json:"at_least,omitempty"`
	AtMost        *float64        `json:"at_most,omitempty"`
	IsPresent     *bool           `json:"is_present,omitempty"`
	ArrayContains *ValueMatcher   `json:"array_contains,omitempty"`
}

func (p *JSONPredicate) Validate() error {
	set := 0
	if len(p.And) > 0 {
		set++
	}
	if len(p.Or) > 0 {
		set++
	}
	if p.Not != nil {
		set++
	}
	if p.Value != nil {
		set++
	}
	if set != 1 {
		return malformed("predicate must set exactly one of and, or, not, value")
	}
	for i := range p.And {
		if err := p.And[i].Validate(); err != nil {
			return err
		}
	}
	for i := range p.Or {
		if err := p.Or[i].Validate(); err != nil {
			return err
		}
	}
	if p.Not != nil {
		return p.Not.Validate()
	}
	if p.Value != nil {
		return p.Value.validate()
	}
	return nil
}

func (m *ValueMatcher) validate() error {
	if m.Equals == nil && m.AtLeast == nil && m.AtMost == nil && m.IsPresent == nil && m.ArrayContains == nil {
		return malformed("value matcher has no condition")
	}
	if m.Equals != nil && !json.Valid(m.Equals) {
		return malformed("value matcher equals is not valid json")
	}
	if m.ArrayContains != nil {
		return m.ArrayContains.validate()
	}
	return nil
}

// Evaluate applies the predicate to a decoded JSON document.
func (p *JSONPredicate) Evaluate(doc any) bool {
	switch {
	case len(p.And) > 0:
		for i := range p.And {
			if !p.And[i].Evaluate(doc) {
				return false
			}
		}
		return true
	case len(p.Or) > 0:
		for i := range p.Or {
			if p.Or[i].Evaluate(doc) {
				return true
			}
		}
		return false
	case p.Not != nil:
		return !p.Not.Evaluate(doc)
	case p.Value != nil:
		v, ok := lookup(doc, p.Scope, p.Key)
		return p.Value.match(v, ok)
	}
	return false
}

// EvaluateJSON decodes raw and evaluates the predicate against it.
// Undecodable input never matches.
func (p *JSONPredicate) EvaluateJSON(raw []byte) bool {
	var doc any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return false
		}
	}
	return p.Evaluate(doc)
}

func lookup(doc any, scope []string, key string) (any, bool) {
	path := scope
	if key != "" {
		path = append(append([]string(nil), scope...), key)
	}
	cur := doc
	if len(path) == 0 {
		return cur, cur != nil
	}
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (m *ValueMatcher) match(v any, present bool) bool {
	if m.IsPresent != nil && *m.IsPresent != present {
		return false
	}
	if m.Equals != nil {
		if !present {
			return false
		}
		var want any
		if err := json.Unmarshal(m.Equals, &want); err != nil {
			return false
		}
		if !reflect.DeepEqual(want, v) {
			return false
		}
	}
	if m.AtLeast != nil || m.AtMost != nil {
		n, ok := v.(float64)
		if !present || !ok {
			return false
		}
		if m.AtLeast != nil && n < *m.AtLeast {
			return false
		}
		if m.AtMost != nil && n > *m.AtMost {
			return false
		}
	}
	if m.ArrayContains != nil {
		arr, ok := v.([]any)
		if !present || !ok {
			return false
		}
		found := false
		for _, el := range arr {
			if m.ArrayContains.match(el, true) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (p JSONPredicate) clone() JSONPredicate {
	out := p
	if p.And != nil {
		out.And = make([]JSONPredicate, len(p.And))
		for i := range p.And {
			out.And[i] = p.And[i].clone()
		}
	}
	if p.Or != nil {
		out.Or = make([]JSONPredicate, len(p.Or))
		for i := range p.Or {
			out.Or[i] = p.Or[i].clone()
		}
	}
	if p.Not != nil {
		n := p.Not.clone()
		out.Not = &n
	}
	out.Scope = append([]string(nil), p.Scope...)
	if p.Value != nil {
		v := p.Value.clone()
		out.Value = &v
	}
	return out
}

func (m ValueMatcher) clone() ValueMatcher {
	out := m
	out.Equals = cloneRaw(m.Equals)
	if m.ArrayContains != nil {
		c := m.ArrayContains.clone()
		out.ArrayContains = &c
	}
	return out
}
