package realtime

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestFilterCompile(t *testing.T) {
	compiled, err := ChangeFilter{Schema: "public", Table: "todos", Predicate: "user_id=eq.U1"}.compile()
	assert.Equal(t, err, nil)
	assert.Equal(t, compiled.schema, "public")
	assert.Equal(t, compiled.table, "todos")
	assert.Equal(t, compiled.column, "user_id")
	assert.Equal(t, compiled.value, "U1")
	assert.Equal(t, compiled.token, "user_id=eq.U1")

	// empty predicate means all rows
	compiled, err = ChangeFilter{Schema: "public", Table: "todos"}.compile()
	assert.Equal(t, err, nil)
	assert.Equal(t, compiled.column, "")
	assert.Equal(t, compiled.token, "")

	// values may contain separators
	compiled, err = ChangeFilter{Schema: "public", Table: "todos", Predicate: "note=eq.a=b.c"}.compile()
	assert.Equal(t, err, nil)
	assert.Equal(t, compiled.value, "a=b.c")
}

func TestFilterCompileRejects(t *testing.T) {
	badFilters := []ChangeFilter{
		{Schema: "", Table: "todos"},
		{Schema: "public", Table: ""},
		{Schema: "public", Table: "todos", Predicate: "noequals"},
		{Schema: "public", Table: "todos", Predicate: "user_id=U1"},
		{Schema: "public", Table: "todos", Predicate: "user_id=lt.5"},
		{Schema: "public", Table: "todos", Predicate: "bad name=eq.U1"},
		{Schema: "public", Table: "todos", Predicate: "9col=eq.U1"},
		{Schema: "public", Table: "todos", Predicate: "=eq.U1"},
	}
	for _, filter := range badFilters {
		_, err := filter.compile()
		if !errorIs(err, ErrInvalidFilter) {
			t.Fatalf("expected invalid filter error for %v, got %v", filter, err)
		}
	}
}

func TestFilterMatchesScope(t *testing.T) {
	compiled, err := ChangeFilter{Schema: "public", Table: "todos"}.compile()
	assert.Equal(t, err, nil)
	assert.Equal(t, compiled.matchesScope("public", "todos"), true)
	assert.Equal(t, compiled.matchesScope("public", "notes"), false)
	assert.Equal(t, compiled.matchesScope("private", "todos"), false)
}

func TestFilterMatchesRecord(t *testing.T) {
	compiled, err := ChangeFilter{Schema: "public", Table: "todos", Predicate: "user_id=eq.U1"}.compile()
	assert.Equal(t, err, nil)

	assert.Equal(t, compiled.matchesRecord(json.RawMessage(`{"user_id":"U1"}`)), true)
	assert.Equal(t, compiled.matchesRecord(json.RawMessage(`{"user_id":"U2"}`)), false)
	// missing column does not match
	assert.Equal(t, compiled.matchesRecord(json.RawMessage(`{"id":1}`)), false)
	// unparseable record does not match
	assert.Equal(t, compiled.matchesRecord(json.RawMessage(`[1,2]`)), false)
	// no record to check against matches, e.g. delete identity payloads
	assert.Equal(t, compiled.matchesRecord(nil), true)

	// non-string values compare on their printed form
	numeric, err := ChangeFilter{Schema: "public", Table: "todos", Predicate: "id=eq.7"}.compile()
	assert.Equal(t, err, nil)
	assert.Equal(t, numeric.matchesRecord(json.RawMessage(`{"id":7}`)), true)
	assert.Equal(t, numeric.matchesRecord(json.RawMessage(`{"id":8}`)), false)

	// no predicate matches every record
	all, err := ChangeFilter{Schema: "public", Table: "todos"}.compile()
	assert.Equal(t, err, nil)
	assert.Equal(t, all.matchesRecord(json.RawMessage(`{"anything":true}`)), true)
}
