// Package transform implements the feature transformer: an ordered plan of
// named derivation steps, each computing one or more new columns from columns
// already present.
//
// Steps declare their input and output columns so the plan can be validated
// at configuration time: a step whose input is produced by no earlier step
// (and is absent from the raw schema) fails plan construction with
// MissingDependencyError rather than surfacing mid-run. Ordering is explicit,
// never inferred.
//
// Determinism contract: for a fixed input batch and step list the output is
// bit-for-bit reproducible. Steps must not let map iteration order or any
// other non-deterministic source leak into output values, must not reorder
// or drop rows, and must compute aggregate statistics in double precision.
package transform

import (
	"context"
	"fmt"

	"featureetl/internal/batch"
	"featureetl/internal/schema"
)

// Step is one feature derivation. Apply receives the batch as extended by all
// earlier steps and returns it with the step's output columns appended.
type Step interface {
	Name() string
	Inputs() []string
	Outputs() []schema.Column
	Apply(b batch.Batch) (batch.Batch, error)
}

// MissingDependencyError reports a step input column that is neither in the
// input schema nor produced by an earlier step. It indicates a misconfigured
// step order, not a data problem.
type MissingDependencyError struct {
	Step   string
	Column string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("transform: step %s requires missing column %q", e.Step, e.Column)
}

// Plan is a validated, ordered list of steps together with the feature
// schema they produce.
type Plan struct {
	steps []Step
	in    schema.Schema
	out   schema.Schema
}

// NewPlan validates step ordering against the input schema and precomputes
// the feature schema (input columns plus every step output, in step order).
func NewPlan(in schema.Schema, steps ...Step) (*Plan, error) {
	if err := in.Check(); err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	cur := in
	for _, st := range steps {
		for _, dep := range st.Inputs() {
			if cur.Index(dep) < 0 {
				return nil, &MissingDependencyError{Step: st.Name(), Column: dep}
			}
		}
		next, err := cur.Extend(st.Outputs()...)
		if err != nil {
			return nil, fmt.Errorf("transform: step %s: %w", st.Name(), err)
		}
		cur = next
	}
	return &Plan{steps: steps, in: in, out: cur}, nil
}

// Schema returns the feature schema the plan produces.
func (p *Plan) Schema() schema.Schema { return p.out }

// Steps returns the step names in execution order.
func (p *Plan) Steps() []string {
	out := make([]string, len(p.steps))
	for i, st := range p.steps {
		out[i] = st.Name()
	}
	return out
}

// Apply runs every step in declared order. The input batch is cloned first;
// the caller's batch is never mutated. Row order is preserved throughout.
func (p *Plan) Apply(ctx context.Context, b batch.Batch) (batch.Batch, error) {
	cur := b.Clone()
	for _, st := range p.steps {
		select {
		case <-ctx.Done():
			return batch.Batch{}, ctx.Err()
		default:
		}
		next, err := st.Apply(cur)
		if err != nil {
			return batch.Batch{}, fmt.Errorf("transform: step %s: %w", st.Name(), err)
		}
		if next.Len() != cur.Len() {
			return batch.Batch{}, fmt.Errorf("transform: step %s changed row count %d -> %d", st.Name(), cur.Len(), next.Len())
		}
		cur = next
	}
	return cur, nil
}

// Extend appends the given columns to every row of b with nil values and
// returns the new batch; steps fill the slots in place. The input batch's
// rows are reused, which is safe because Plan.Apply owns its clone.
func Extend(b batch.Batch, cols ...schema.Column) (batch.Batch, error) {
	s, err := b.Schema.Extend(cols...)
	if err != nil {
		return batch.Batch{}, err
	}
	out := batch.Batch{Schema: s, Rows: make([][]any, len(b.Rows))}
	for i, row := range b.Rows {
		nr := make([]any, len(row), len(row)+len(cols))
		copy(nr, row)
		for range cols {
			nr = append(nr, nil)
		}
		out.Rows[i] = nr
	}
	return out, nil
}
