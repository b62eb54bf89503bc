package realtime

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// platform identifier syntax for column names
var identifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_$]*$`)

// ChangeFilter scopes a change listener to one table and optionally to rows
// matching a single column-equality predicate of the form `column=eq.value`.
// An empty predicate means all rows in the table.
// A consumer that needs an OR of conditions registers multiple listeners.
type ChangeFilter struct {
	Schema    string
	Table     string
	Predicate string
}

// the immutable compiled form, produced once at registration time
type compiledFilter struct {
	schema string
	table  string
	// empty column means no predicate
	column string
	value  string
	token  string
}

func (self ChangeFilter) compile() (*compiledFilter, error) {
	if self.Schema == "" {
		return nil, fmt.Errorf("%w: schema required", ErrInvalidFilter)
	}
	if self.Table == "" {
		return nil, fmt.Errorf("%w: table required", ErrInvalidFilter)
	}
	compiled := &compiledFilter{
		schema: self.Schema,
		table:  self.Table,
	}
	if self.Predicate == "" {
		return compiled, nil
	}
	column, value, ok := strings.Cut(self.Predicate, "=")
	if !ok {
		return nil, fmt.Errorf("%w: predicate must be column=eq.value (%s)", ErrInvalidFilter, self.Predicate)
	}
	value, ok = strings.CutPrefix(value, "eq.")
	if !ok {
		return nil, fmt.Errorf("%w: only equality predicates are supported (%s)", ErrInvalidFilter, self.Predicate)
	}
	if !identifierRe.MatchString(column) {
		return nil, fmt.Errorf("%w: bad column name (%s)", ErrInvalidFilter, column)
	}
	compiled.column = column
	compiled.value = value
	compiled.token = fmt.Sprintf("%s=eq.%s", column, value)
	return compiled, nil
}

func (self *compiledFilter) matchesScope(schema string, table string) bool {
	return self.schema == schema && self.table == table
}

// re-validate the predicate against the record the server forwarded.
// predicates are evaluated server side; this is a defensive re-check.
// a record that cannot be parsed or is missing the column does not match.
func (self *compiledFilter) matchesRecord(record json.RawMessage) bool {
	if self.column == "" {
		return true
	}
	if len(record) == 0 {
		// no record to check against, e.g. a delete with identity columns only
		return true
	}
	row := map[string]any{}
	if err := json.Unmarshal(record, &row); err != nil {
		return false
	}
	value, ok := row[self.column]
	if !ok {
		return false
	}
	switch v := value.(type) {
	case string:
		return v == self.value
	default:
		return fmt.Sprintf("%v", v) == self.value
	}
}
