package builtin

import (
	"fmt"

	"featureetl/internal/batch"
	"featureetl/internal/schema"
	"featureetl/internal/transform"
)

// FreqEncode replaces a categorical column's value with its relative
// frequency within the batch (count of the value / total rows). Null
// categories stay null.
type FreqEncode struct {
	column string
	output string
}

// NewFreqEncode returns a FreqEncode step. output defaults to "<column>_freq".
func NewFreqEncode(column, output string) (*FreqEncode, error) {
	if column == "" {
		return nil, fmt.Errorf("freq_encode: column is required")
	}
	if output == "" {
		output = column + "_freq"
	}
	return &FreqEncode{column: column, output: output}, nil
}

func (f *FreqEncode) Name() string     { return "freq_encode(" + f.column + ")" }
func (f *FreqEncode) Inputs() []string { return []string{f.column} }

func (f *FreqEncode) Outputs() []schema.Column {
	return []schema.Column{{Name: f.output, Kind: schema.Float64, Nullable: true}}
}

func (f *FreqEncode) Apply(b batch.Batch) (batch.Batch, error) {
	out, err := transform.Extend(b, f.Outputs()...)
	if err != nil {
		return batch.Batch{}, err
	}
	srcIx := b.Schema.Index(f.column)
	outIx := len(b.Schema.Columns)

	counts := make(map[string]int64)
	for _, row := range b.Rows {
		if key, ok := keyString(row[srcIx]); ok {
			counts[key]++
		}
	}
	total := float64(len(b.Rows))
	if total == 0 {
		return out, nil
	}

	for _, row := range out.Rows {
		if key, ok := keyString(row[srcIx]); ok {
			row[outIx] = float64(counts[key]) / total
		}
	}
	return out, nil
}
