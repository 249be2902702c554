package rbac

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Attribute names a principal attribute a data rule may reference. The set
// is closed.
type Attribute string

const (
	AttrUserID       Attribute = "user_id"
	AttrUsername     Attribute = "username"
	AttrDepartmentID Attribute = "department_id"
	AttrPositionID   Attribute = "position_id"
	AttrTeamID       Attribute = "team_id"
)

var knownAttributes = map[Attribute]bool{
	AttrUserID:       true,
	AttrUsername:     true,
	AttrDepartmentID: true,
	AttrPositionID:   true,
	AttrTeamID:       true,
}

// Attributes are the principal values terms resolve against. Nil IDs and
// empty strings are absent.
type Attributes struct {
	UserID       string
	Username     string
	DepartmentID *int64
	PositionID   *int64
	TeamID       *int64
}

func (a Attributes) lookup(attr Attribute) (any, bool) {
	switch attr {
	case AttrUserID:
		return a.UserID, a.UserID != ""
	case AttrUsername:
		return a.Username, a.Username != ""
	case AttrDepartmentID:
		return derefInt(a.DepartmentID)
	case AttrPositionID:
		return derefInt(a.PositionID)
	case AttrTeamID:
		return derefInt(a.TeamID)
	}
	return nil, false
}

func derefInt(p *int64) (any, bool) {
	if p == nil {
		return nil, false
	}
	return *p, true
}

// Term is either a literal scalar or a reference to a principal attribute.
// In JSON it is {"literal": v}, {"attr": "department_id"} or a bare scalar.
type Term struct {
	Literal any
	Attr    Attribute
}

// Lit builds a literal term. Integral numbers are stored as int64.
func Lit(v any) Term {
	return Term{Literal: normalizeScalar(v)}
}

// Ref builds an attribute reference.
func Ref(a Attribute) Term {
	return Term{Attr: a}
}

// IsRef reports whether the term references an attribute.
func (t Term) IsRef() bool {
	return t.Attr != ""
}

func (t Term) MarshalJSON() ([]byte, error) {
	if t.IsRef() {
		return json.Marshal(map[string]string{"attr": string(t.Attr)})
	}
	return json.Marshal(map[string]any{"literal": t.Literal})
}

func (t *Term) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			Literal json.RawMessage `json:"literal"`
			Attr    *string         `json:"attr"`
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&obj); err != nil {
			return fmt.Errorf("invalid term: %w", err)
		}
		switch {
		case obj.Attr != nil && obj.Literal != nil:
			return fmt.Errorf("invalid term: literal and attr are exclusive")
		case obj.Attr != nil:
			a := Attribute(*obj.Attr)
			if !knownAttributes[a] {
				return fmt.Errorf("invalid term: unknown attribute %q", *obj.Attr)
			}
			*t = Ref(a)
			return nil
		case obj.Literal != nil:
			v, err := decodeScalar(obj.Literal)
			if err != nil {
				return err
			}
			*t = Term{Literal: v}
			return nil
		default:
			return fmt.Errorf("invalid term: expected literal or attr")
		}
	}

	v, err := decodeScalar(data)
	if err != nil {
		return err
	}
	*t = Term{Literal: v}
	return nil
}

func decodeScalar(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid literal: %w", err)
	}
	switch v.(type) {
	case string, bool, json.Number:
		return normalizeScalar(v), nil
	default:
		return nil, fmt.Errorf("invalid literal: only strings, numbers and booleans are allowed")
	}
}

func normalizeScalar(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		if n == float64(int64(n)) {
			return int64(n)
		}
		return n
	}
	return v
}

// Clause is the right-hand side of one condition key.
type Clause struct {
	Terms []Term
	List  bool // declared as a list; a scalar clause has exactly one term
}

func (c Clause) MarshalJSON() ([]byte, error) {
	if !c.List && len(c.Terms) == 1 {
		return json.Marshal(c.Terms[0])
	}
	return json.Marshal(c.Terms)
}

func (c *Clause) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var terms []Term
		if err := json.Unmarshal(data, &terms); err != nil {
			return err
		}
		*c = Clause{Terms: terms, List: true}
		return nil
	}
	var t Term
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	*c = Clause{Terms: []Term{t}}
	return nil
}

// Condition maps a filter field to its clause.
type Condition map[string]Clause

// ParseCondition decodes a stored rule condition.
func ParseCondition(raw []byte) (Condition, error) {
	var c Condition
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if len(c) == 0 {
		return nil, fmt.Errorf("condition has no fields")
	}
	for k := range c {
		if k == "" {
			return nil, fmt.Errorf("condition has an empty field name")
		}
	}
	return c, nil
}

// FilterValue is a resolved clause. An empty list matches nothing.
type FilterValue struct {
	Values []any
	List   bool
}

func (v FilterValue) MarshalJSON() ([]byte, error) {
	if !v.List && len(v.Values) == 1 {
		return json.Marshal(v.Values[0])
	}
	if v.Values == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v.Values)
}

// Filter is a resolved data-scope restriction keyed by field.
type Filter map[string]FilterValue

// Resolve substitutes attribute references with the principal's values.
// A reference to an absent attribute is dropped; if every term of a clause
// is dropped the field resolves to an empty list, which matches nothing.
func Resolve(c Condition, attrs Attributes) Filter {
	out := make(Filter, len(c))
	for field, clause := range c {
		values := make([]any, 0, len(clause.Terms))
		for _, t := range clause.Terms {
			if !t.IsRef() {
				values = append(values, t.Literal)
				continue
			}
			if v, ok := attrs.lookup(t.Attr); ok {
				values = append(values, v)
			}
		}
		list := clause.List || len(values) != 1
		out[field] = FilterValue{Values: values, List: list}
	}
	return out
}

// MergeFilters OR-merges filters in order. Values for a field present in
// more than one filter are unioned into a list without duplicates, keeping
// first-seen order. No filters yields nil.
func MergeFilters(filters ...Filter) Filter {
	var out Filter
	seen := make(map[string]map[string]bool)

	for _, f := range filters {
		if f == nil {
			continue
		}
		if out == nil {
			out = make(Filter)
		}
		for field, fv := range f {
			cur, exists := out[field]
			if !exists {
				cur = FilterValue{List: fv.List}
				seen[field] = make(map[string]bool)
			} else {
				cur.List = true
			}
			for _, v := range fv.Values {
				k := valueKey(v)
				if seen[field][k] {
					continue
				}
				seen[field][k] = true
				cur.Values = append(cur.Values, v)
			}
			out[field] = cur
		}
	}
	return out
}

func valueKey(v any) string {
	switch n := v.(type) {
	case int64:
		return "n:" + strconv.FormatInt(n, 10)
	case float64:
		return "n:" + strconv.FormatFloat(n, 'g', -1, 64)
	case string:
		return "s:" + n
	case bool:
		return "b:" + strconv.FormatBool(n)
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}
