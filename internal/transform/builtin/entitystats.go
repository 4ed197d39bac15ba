package builtin

import (
	"fmt"
	"math"

	"featureetl/internal/batch"
	"featureetl/internal/schema"
	"featureetl/internal/transform"
)

// EntityStats computes per-entity aggregate statistics of a numeric value
// column over the batch: mean, population standard deviation, and the count
// of non-null values, keyed by the entity column. Every row of an entity
// receives that entity's aggregates.
//
// The computation is two-pass in double precision and iterates rows in batch
// order only, so output is reproducible regardless of how many entities or
// rows are present. Rows with a null entity key receive null aggregates.
type EntityStats struct {
	entity string
	value  string
	prefix string
}

// NewEntityStats returns an EntityStats step. prefix defaults to
// "<value>_by_<entity>_".
func NewEntityStats(entity, value, prefix string) (*EntityStats, error) {
	if entity == "" || value == "" {
		return nil, fmt.Errorf("entity_stats: entity_column and value_column are required")
	}
	if prefix == "" {
		prefix = value + "_by_" + entity + "_"
	}
	return &EntityStats{entity: entity, value: value, prefix: prefix}, nil
}

func (e *EntityStats) Name() string     { return "entity_stats(" + e.entity + "," + e.value + ")" }
func (e *EntityStats) Inputs() []string { return []string{e.entity, e.value} }

func (e *EntityStats) Outputs() []schema.Column {
	return []schema.Column{
		{Name: e.prefix + "mean", Kind: schema.Float64, Nullable: true},
		{Name: e.prefix + "std", Kind: schema.Float64, Nullable: true},
		{Name: e.prefix + "count", Kind: schema.Int64, Nullable: true},
	}
}

type entityAgg struct {
	sum   float64
	sumSq float64
	n     int64
}

func (e *EntityStats) Apply(b batch.Batch) (batch.Batch, error) {
	entIx := b.Schema.Index(e.entity)
	valIx := b.Schema.Index(e.value)

	// First pass: accumulate per-entity sums. The map is only ever read by
	// key afterwards, so its iteration order cannot influence output.
	aggs := make(map[string]*entityAgg)
	for _, row := range b.Rows {
		key, ok := keyString(row[entIx])
		if !ok {
			continue
		}
		agg := aggs[key]
		if agg == nil {
			agg = &entityAgg{}
			aggs[key] = agg
		}
		if v, ok := asFloat(row[valIx]); ok {
			agg.sum += v
			agg.sumSq += v * v
			agg.n++
		}
	}

	out, err := transform.Extend(b, e.Outputs()...)
	if err != nil {
		return batch.Batch{}, err
	}
	meanIx := len(b.Schema.Columns)
	stdIx := meanIx + 1
	countIx := meanIx + 2

	// Second pass: assign aggregates row by row in batch order.
	for _, row := range out.Rows {
		key, ok := keyString(row[entIx])
		if !ok {
			continue
		}
		agg := aggs[key]
		row[countIx] = agg.n
		if agg.n == 0 {
			continue
		}
		mean := agg.sum / float64(agg.n)
		variance := agg.sumSq/float64(agg.n) - mean*mean
		if variance < 0 {
			variance = 0 // guard against float cancellation
		}
		row[meanIx] = mean
		row[stdIx] = math.Sqrt(variance)
	}
	return out, nil
}
