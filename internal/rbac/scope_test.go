package rbac

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64p(v int64) *int64 { return &v }

func TestTerm_UnmarshalJSON(t *testing.T) {
	var lit Term
	require.NoError(t, json.Unmarshal([]byte(`{"literal": 3}`), &lit))
	assert.Equal(t, int64(3), lit.Literal)
	assert.False(t, lit.IsRef())

	var ref Term
	require.NoError(t, json.Unmarshal([]byte(`{"attr": "department_id"}`), &ref))
	assert.Equal(t, AttrDepartmentID, ref.Attr)

	var bare Term
	require.NoError(t, json.Unmarshal([]byte(`"north"`), &bare))
	assert.Equal(t, "north", bare.Literal)

	var frac Term
	require.NoError(t, json.Unmarshal([]byte(`2.5`), &frac))
	assert.Equal(t, 2.5, frac.Literal)

	for _, bad := range []string{
		`{"attr": "salary"}`,
		`{"attr": "user_id", "literal": 1}`,
		`{}`,
		`{"literal": {"nested": true}}`,
		`{"literal": null}`,
		`[1, 2]`,
		`{"expr": "${user.department}"}`,
	} {
		var term Term
		assert.Error(t, json.Unmarshal([]byte(bad), &term), bad)
	}
}

func TestParseCondition(t *testing.T) {
	c, err := ParseCondition([]byte(`{"department_id": [{"literal": 3}, {"attr": "department_id"}], "region": "north"}`))
	require.NoError(t, err)

	assert.True(t, c["department_id"].List)
	assert.Len(t, c["department_id"].Terms, 2)
	assert.False(t, c["region"].List)

	_, err = ParseCondition([]byte(`{}`))
	assert.Error(t, err)
	_, err = ParseCondition([]byte(`not json`))
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	cond := Condition{
		"department_id": {Terms: []Term{Ref(AttrDepartmentID)}},
		"owner":         {Terms: []Term{Ref(AttrUserID), Lit("shared")}, List: true},
		"team_id":       {Terms: []Term{Ref(AttrTeamID)}},
	}
	attrs := Attributes{UserID: "u-1", DepartmentID: int64p(4)}

	f := Resolve(cond, attrs)

	assert.Equal(t, FilterValue{Values: []any{int64(4)}}, f["department_id"])
	assert.Equal(t, FilterValue{Values: []any{"u-1", "shared"}, List: true}, f["owner"])
	// Team is unknown for this principal: the field matches nothing
	assert.Equal(t, FilterValue{Values: []any{}, List: true}, f["team_id"])
}

func TestResolve_IsPure(t *testing.T) {
	cond := Condition{"department_id": {Terms: []Term{Ref(AttrDepartmentID)}}}
	a := Resolve(cond, Attributes{DepartmentID: int64p(1)})
	b := Resolve(cond, Attributes{DepartmentID: int64p(2)})
	assert.Equal(t, int64(1), a["department_id"].Values[0])
	assert.Equal(t, int64(2), b["department_id"].Values[0])
	assert.Equal(t, AttrDepartmentID, cond["department_id"].Terms[0].Attr)
}

func TestMergeFilters_ListUnion(t *testing.T) {
	r1, err := ParseCondition([]byte(`{"department_id": [{"literal": 3}]}`))
	require.NoError(t, err)
	r2, err := ParseCondition([]byte(`{"department_id": [{"literal": 7}]}`))
	require.NoError(t, err)

	merged := MergeFilters(Resolve(r1, Attributes{}), Resolve(r2, Attributes{}))

	assert.Equal(t, FilterValue{Values: []any{int64(3), int64(7)}, List: true}, merged["department_id"])

	out, err := json.Marshal(merged)
	require.NoError(t, err)
	assert.JSONEq(t, `{"department_id": [3, 7]}`, string(out))
}

func TestMergeFilters_ScalarsBecomeListAndDedupe(t *testing.T) {
	a := Filter{"department_id": {Values: []any{int64(3)}}}
	b := Filter{"department_id": {Values: []any{int64(3), int64(5)}, List: true}, "team_id": {Values: []any{int64(9)}}}

	merged := MergeFilters(a, b)

	assert.Equal(t, FilterValue{Values: []any{int64(3), int64(5)}, List: true}, merged["department_id"])
	assert.Equal(t, FilterValue{Values: []any{int64(9)}}, merged["team_id"])

	out, err := json.Marshal(merged)
	require.NoError(t, err)
	assert.JSONEq(t, `{"department_id": [3, 5], "team_id": 9}`, string(out))
}

func TestMergeFilters_LiteralMatchesAttributeValue(t *testing.T) {
	lit, err := ParseCondition([]byte(`{"department_id": 4}`))
	require.NoError(t, err)
	ref := Condition{"department_id": {Terms: []Term{Ref(AttrDepartmentID)}}}
	attrs := Attributes{DepartmentID: int64p(4)}

	merged := MergeFilters(Resolve(lit, attrs), Resolve(ref, attrs))
	assert.Equal(t, []any{int64(4)}, merged["department_id"].Values)
}

func TestMergeFilters_Empty(t *testing.T) {
	assert.Nil(t, MergeFilters())
	assert.Nil(t, MergeFilters(nil, nil))
}

func TestCondition_RoundTrip(t *testing.T) {
	src := `{"department_id":[{"literal":3},{"attr":"department_id"}],"region":{"literal":"north"}}`
	c, err := ParseCondition([]byte(src))
	require.NoError(t, err)
	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, src, string(out))
}
