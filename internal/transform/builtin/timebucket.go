package builtin

import (
	"fmt"
	"time"

	"featureetl/internal/batch"
	"featureetl/internal/schema"
	"featureetl/internal/transform"
)

// TimeBucket buckets a continuous timestamp column into categorical time
// features: hour of day (0-23) and day of week (0=Sunday..6). Null
// timestamps yield null buckets.
type TimeBucket struct {
	column string
}

// NewTimeBucket returns a TimeBucket over the named timestamp column.
func NewTimeBucket(column string) (*TimeBucket, error) {
	if column == "" {
		return nil, fmt.Errorf("time_bucket: column is required")
	}
	return &TimeBucket{column: column}, nil
}

func (t *TimeBucket) Name() string     { return "time_bucket(" + t.column + ")" }
func (t *TimeBucket) Inputs() []string { return []string{t.column} }

func (t *TimeBucket) Outputs() []schema.Column {
	return []schema.Column{
		{Name: t.column + "_hour", Kind: schema.Int64, Nullable: true},
		{Name: t.column + "_dow", Kind: schema.Int64, Nullable: true},
	}
}

func (t *TimeBucket) Apply(b batch.Batch) (batch.Batch, error) {
	out, err := transform.Extend(b, t.Outputs()...)
	if err != nil {
		return batch.Batch{}, err
	}
	src := b.Schema.Index(t.column)
	hourIx := len(b.Schema.Columns)
	dowIx := hourIx + 1

	for _, row := range out.Rows {
		v := row[src]
		if v == nil {
			continue
		}
		ts, ok := v.(time.Time)
		if !ok {
			return batch.Batch{}, fmt.Errorf("time_bucket: column %s holds %T, want timestamp", t.column, v)
		}
		ts = ts.UTC()
		row[hourIx] = int64(ts.Hour())
		row[dowIx] = int64(ts.Weekday())
	}
	return out, nil
}
