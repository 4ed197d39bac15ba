package builtin

import (
	"fmt"

	"featureetl/internal/batch"
	"featureetl/internal/schema"
	"featureetl/internal/transform"
)

// Ratio divides one numeric column by another. A null operand or a zero
// denominator yields null, never Inf or NaN, so defective ratios cannot
// propagate downstream.
type Ratio struct {
	num    string
	den    string
	output string
}

// NewRatio returns a Ratio step. output defaults to "<numerator>_ratio".
func NewRatio(num, den, output string) (*Ratio, error) {
	if num == "" || den == "" {
		return nil, fmt.Errorf("ratio: numerator and denominator are required")
	}
	if output == "" {
		output = num + "_ratio"
	}
	return &Ratio{num: num, den: den, output: output}, nil
}

func (r *Ratio) Name() string     { return "ratio(" + r.num + "/" + r.den + ")" }
func (r *Ratio) Inputs() []string { return []string{r.num, r.den} }

func (r *Ratio) Outputs() []schema.Column {
	return []schema.Column{{Name: r.output, Kind: schema.Float64, Nullable: true}}
}

func (r *Ratio) Apply(b batch.Batch) (batch.Batch, error) {
	out, err := transform.Extend(b, r.Outputs()...)
	if err != nil {
		return batch.Batch{}, err
	}
	numIx := b.Schema.Index(r.num)
	denIx := b.Schema.Index(r.den)
	outIx := len(b.Schema.Columns)

	for _, row := range out.Rows {
		n, nok := asFloat(row[numIx])
		d, dok := asFloat(row[denIx])
		if !nok || !dok || d == 0 {
			continue
		}
		row[outIx] = n / d
	}
	return out, nil
}
