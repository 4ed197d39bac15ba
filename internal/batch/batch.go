// Package batch defines the row batch handed between pipeline stages and the
// schema check applied at stage boundaries.
//
// A Batch is positional: row values align with the schema's column order.
// Values are one of nil, int64, float64, string, bool, or time.Time. Batches
// are handed off by value between stages; a stage that needs to keep data
// past the handoff must Clone first.
package batch

import (
	"fmt"

	"featureetl/internal/schema"
)

// Batch is an ordered collection of rows conforming to Schema.
type Batch struct {
	Schema schema.Schema
	Rows   [][]any
}

// Len returns the number of rows.
func (b Batch) Len() int { return len(b.Rows) }

// Value returns the value of the named column in row i, or nil when the
// column is absent.
func (b Batch) Value(i int, name string) any {
	ix := b.Schema.Index(name)
	if ix < 0 || i < 0 || i >= len(b.Rows) {
		return nil
	}
	return b.Rows[i][ix]
}

// Clone returns a deep copy of the batch's row structure. Cell values are
// immutable by convention (primitives and time.Time), so they are shared.
func (b Batch) Clone() Batch {
	out := Batch{Schema: b.Schema, Rows: make([][]any, len(b.Rows))}
	for i, r := range b.Rows {
		row := make([]any, len(r))
		copy(row, r)
		out.Rows[i] = row
	}
	return out
}

// Validate checks the batch against a declared schema: exact column set and
// order, value kinds (with the int64 → float64 widening rule), and
// nullability. It is a pure check; the first violation is returned as a
// *schema.Error.
func Validate(b Batch, s schema.Schema) error {
	if len(b.Schema.Columns) != len(s.Columns) {
		return &schema.Error{
			Column:   "",
			Expected: columnsLabel(len(s.Columns)),
			Actual:   columnsLabel(len(b.Schema.Columns)),
		}
	}
	for i, want := range s.Columns {
		got := b.Schema.Columns[i]
		if got.Name != want.Name {
			return &schema.Error{Column: want.Name, Expected: "column " + want.Name, Actual: "column " + got.Name}
		}
	}
	for _, row := range b.Rows {
		if len(row) != len(s.Columns) {
			return &schema.Error{Column: "", Expected: columnsLabel(len(s.Columns)), Actual: columnsLabel(len(row))}
		}
		for i, col := range s.Columns {
			if err := schema.ValidateValue(col, row[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func columnsLabel(n int) string {
	if n == 1 {
		return "1 column"
	}
	return fmt.Sprintf("%d columns", n)
}
