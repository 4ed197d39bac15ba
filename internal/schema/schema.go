// Package schema defines the column contracts used by the feature pipeline.
//
// A Schema is an ordered list of typed, nullability-annotated columns. Two
// schemas matter at runtime: the raw schema (the input contract the staging
// loader coerces to) and the feature schema (raw columns plus every derived
// column the transform plan produces). Validation is a pure check; no value is
// ever coerced here beyond the declared numeric widening rule.
package schema

import (
	"fmt"
	"time"
)

// Kind is the primitive type of a column.
type Kind string

const (
	Int64     Kind = "int64"
	Float64   Kind = "float64"
	String    Kind = "string"
	Bool      Kind = "bool"
	Timestamp Kind = "timestamp"
)

// KnownKind reports whether k is one of the supported primitive kinds.
func KnownKind(k Kind) bool {
	switch k {
	case Int64, Float64, String, Bool, Timestamp:
		return true
	}
	return false
}

// Column declares one column of a schema.
type Column struct {
	Name     string `json:"name"`
	Kind     Kind   `json:"kind"`
	Nullable bool   `json:"nullable,omitempty"`

	// Layout is an optional date layout used when coercing timestamp columns
	// from text (Go reference layout). Empty means RFC 3339 then a small set
	// of common fallbacks.
	Layout string `json:"layout,omitempty"`
}

// Schema is an ordered set of columns. Order is significant: batches carry
// their values positionally aligned to it.
type Schema struct {
	Columns []Column `json:"columns"`
}

// Names returns the column names in declaration order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// Index returns the position of the named column, or -1 when absent.
func (s Schema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Column returns the named column and whether it exists.
func (s Schema) Column(name string) (Column, bool) {
	if i := s.Index(name); i >= 0 {
		return s.Columns[i], true
	}
	return Column{}, false
}

// Extend returns a copy of s with cols appended. It fails when a new column
// collides with an existing name; the receiver is never mutated.
func (s Schema) Extend(cols ...Column) (Schema, error) {
	out := Schema{Columns: make([]Column, len(s.Columns), len(s.Columns)+len(cols))}
	copy(out.Columns, s.Columns)
	for _, c := range cols {
		if out.Index(c.Name) >= 0 {
			return Schema{}, fmt.Errorf("schema: duplicate column %q", c.Name)
		}
		out.Columns = append(out.Columns, c)
	}
	return out, nil
}

// Check verifies the schema declaration itself: non-empty, unique names,
// known kinds.
func (s Schema) Check() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema: no columns declared")
	}
	seen := make(map[string]struct{}, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("schema: column with empty name")
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("schema: duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if !KnownKind(c.Kind) {
			return fmt.Errorf("schema: column %q has unknown kind %q", c.Name, c.Kind)
		}
	}
	return nil
}

// Error describes a single schema violation. Column names the offending
// column; Expected/Actual hold kind names or, for shape errors, a short
// description ("missing", "unexpected", "null").
type Error struct {
	Column   string
	Expected string
	Actual   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("schema: column %q: expected %s, got %s", e.Column, e.Expected, e.Actual)
}

// widens reports whether a value of kind 'from' may be accepted where 'to' is
// declared. Only int64 → float64 widening is permitted; narrowing never is.
func widens(from, to Kind) bool {
	return from == Int64 && to == Float64
}

// KindOf maps a runtime batch value to its schema kind. The bool result is
// false for nil values and for Go types the pipeline does not carry.
func KindOf(v any) (Kind, bool) {
	switch v.(type) {
	case int64:
		return Int64, true
	case float64:
		return Float64, true
	case string:
		return String, true
	case bool:
		return Bool, true
	case time.Time:
		return Timestamp, true
	}
	return "", false
}

// ValidateValue checks a single value against a column declaration. A nil
// value passes only for nullable columns.
func ValidateValue(col Column, v any) *Error {
	if v == nil {
		if col.Nullable {
			return nil
		}
		return &Error{Column: col.Name, Expected: string(col.Kind), Actual: "null"}
	}
	k, ok := KindOf(v)
	if !ok {
		return &Error{Column: col.Name, Expected: string(col.Kind), Actual: fmt.Sprintf("%T", v)}
	}
	if k == col.Kind || widens(k, col.Kind) {
		return nil
	}
	return &Error{Column: col.Name, Expected: string(col.Kind), Actual: string(k)}
}
