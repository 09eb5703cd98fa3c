// Package model holds the row-level data types the storage interface, the
// concurrency-control engines, and the write-ahead log all share. None of
// these types know about SQL, query planning, or physical page layout —
// they are the already-elaborated per-row request the rest of the system
// consumes (spec §1).
package model

import "fmt"

// Value is an opaque column value. The engine treats it as comparable
// data; it never interprets column semantics beyond equality/ordering
// needed for Condition evaluation.
type Value = interface{}

// Row identifies one tuple by (table, object_id) and carries its column
// data as an opaque map. object_id is a sequential id assigned by storage
// when the row is inserted.
type Row struct {
	Table    string
	ObjectID int64
	Data     map[string]Value
}

// Clone returns a deep-enough copy of the row for safe staging in a
// transaction buffer or version chain (the Data map is copied; the
// values inside it are treated as immutable once written).
func (r Row) Clone() Row {
	data := make(map[string]Value, len(r.Data))
	for k, v := range r.Data {
		data[k] = v
	}
	return Row{Table: r.Table, ObjectID: r.ObjectID, Data: data}
}

// Equal reports whether two rows have identical table, object id, and
// column data — used by the transaction buffer to match a buffered
// UPDATE/DELETE's old-row condition against storage reads.
func (r Row) Equal(other Row) bool {
	if r.Table != other.Table || r.ObjectID != other.ObjectID {
		return false
	}
	if len(r.Data) != len(other.Data) {
		return false
	}
	for k, v := range r.Data {
		ov, ok := other.Data[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(ov) {
			return false
		}
	}
	return true
}

// Op is a comparison operator used by a Condition.
type Op int

const (
	Eq Op = iota
	Neq
	Lt
	Lte
	Gt
	Gte
)

func (op Op) String() string {
	switch op {
	case Eq:
		return "="
	case Neq:
		return "<>"
	case Lt:
		return "<"
	case Lte:
		return "<="
	case Gt:
		return ">"
	case Gte:
		return ">="
	default:
		return "?"
	}
}

// Condition is a single column predicate: column OP operand.
type Condition struct {
	Column  string
	Op      Op
	Operand Value
}

// Matches reports whether row satisfies the condition.
func (c Condition) Matches(row Row) bool {
	got, ok := row.Data[c.Column]
	if !ok {
		return false
	}
	return compare(got, c.Operand, c.Op)
}

// MatchesAll reports whether row satisfies every condition in conds
// (conjunction, as in a SQL WHERE clause built from AND-ed predicates).
func MatchesAll(row Row, conds []Condition) bool {
	for _, c := range conds {
		if !c.Matches(row) {
			return false
		}
	}
	return true
}

func compare(got, operand Value, op Op) bool {
	gf, gok := toFloat(got)
	of, ook := toFloat(operand)
	if gok && ook {
		switch op {
		case Eq:
			return gf == of
		case Neq:
			return gf != of
		case Lt:
			return gf < of
		case Lte:
			return gf <= of
		case Gt:
			return gf > of
		case Gte:
			return gf >= of
		}
	}
	gs, os := fmt.Sprint(got), fmt.Sprint(operand)
	switch op {
	case Eq:
		return gs == os
	case Neq:
		return gs != os
	case Lt:
		return gs < os
	case Lte:
		return gs <= os
	case Gt:
		return gs > os
	case Gte:
		return gs >= os
	}
	return false
}

func toFloat(v Value) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

// Column is a named, typed field in a table's schema.
type Column struct {
	Name string
	Type string
}

// Schema describes one table: its columns and declared keys. Foreign
// keys are tracked for informational purposes only — referential
// integrity enforcement is a query-processing concern out of scope here.
type Schema struct {
	Table       string
	Columns     []Column
	PrimaryKeys []string
	ForeignKeys []string
}

// DataRetrieval is a read request: all rows of Table (optionally
// projected to Columns) matching every Condition.
type DataRetrieval struct {
	Table      string
	Columns    []string
	Conditions []Condition
}

// DataWrite is a write request. Empty Conditions means INSERT; non-empty
// Conditions means UPDATE of every matching row (spec §6).
type DataWrite struct {
	Table      string
	Columns    []string
	NewValue   map[string]Value
	Conditions []Condition
}

// IsInsert reports whether this write is an insert (no match conditions).
func (w DataWrite) IsInsert() bool {
	return len(w.Conditions) == 0
}

// DataDeletion is a delete request: remove every row of Table matching
// every Condition.
type DataDeletion struct {
	Table      string
	Conditions []Condition
}
