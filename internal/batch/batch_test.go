package batch

import (
	"errors"
	"testing"
	"time"

	"featureetl/internal/schema"
)

func testSchema() schema.Schema {
	return schema.Schema{Columns: []schema.Column{
		{Name: "user_id", Kind: schema.String},
		{Name: "amount", Kind: schema.Float64, Nullable: true},
		{Name: "event_time", Kind: schema.Timestamp},
	}}
}

func TestValueAndLen(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b := Batch{Schema: testSchema(), Rows: [][]any{
		{"u1", 4.5, ts},
		{"u2", nil, ts},
	}}
	if b.Len() != 2 {
		t.Errorf("Len = %d, want 2", b.Len())
	}
	if got := b.Value(0, "amount"); got != 4.5 {
		t.Errorf("Value(0, amount) = %v, want 4.5", got)
	}
	if got := b.Value(1, "amount"); got != nil {
		t.Errorf("Value(1, amount) = %v, want nil", got)
	}
	if got := b.Value(0, "missing"); got != nil {
		t.Errorf("Value of absent column = %v, want nil", got)
	}
	if got := b.Value(9, "amount"); got != nil {
		t.Errorf("Value of out-of-range row = %v, want nil", got)
	}
}

/*
TestClone checks the handoff contract: mutating a clone's row structure never
leaks into the original.
*/
func TestClone(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b := Batch{Schema: testSchema(), Rows: [][]any{{"u1", 4.5, ts}}}

	c := b.Clone()
	c.Rows[0][0] = "mutated"
	if b.Rows[0][0] != "u1" {
		t.Errorf("clone mutation leaked into original: %v", b.Rows[0][0])
	}
}

func TestValidate(t *testing.T) {
	s := testSchema()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		b       Batch
		wantErr bool
	}{
		{
			name: "conforming",
			b: Batch{Schema: s, Rows: [][]any{
				{"u1", 4.5, ts},
				{"u2", nil, ts},
			}},
		},
		{
			name: "int widens into float column",
			b:    Batch{Schema: s, Rows: [][]any{{"u1", int64(4), ts}}},
		},
		{
			name: "column count mismatch",
			b: Batch{Schema: schema.Schema{Columns: s.Columns[:2]},
				Rows: [][]any{{"u1", 4.5}}},
			wantErr: true,
		},
		{
			name: "column order mismatch",
			b: Batch{Schema: schema.Schema{Columns: []schema.Column{
				s.Columns[1], s.Columns[0], s.Columns[2],
			}}, Rows: nil},
			wantErr: true,
		},
		{
			name:    "short row",
			b:       Batch{Schema: s, Rows: [][]any{{"u1", 4.5}}},
			wantErr: true,
		},
		{
			name:    "null in non-nullable column",
			b:       Batch{Schema: s, Rows: [][]any{{nil, 4.5, ts}}},
			wantErr: true,
		},
		{
			name:    "kind mismatch",
			b:       Batch{Schema: s, Rows: [][]any{{"u1", "oops", ts}}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.b, s)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var serr *schema.Error
				if !errors.As(err, &serr) {
					t.Errorf("error type = %T, want *schema.Error", err)
				}
			}
		})
	}
}
