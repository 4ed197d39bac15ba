package transform

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"featureetl/internal/batch"
	"featureetl/internal/schema"
)

// doubler is a minimal step doubling column "a" into "a2".
type doubler struct{}

func (doubler) Name() string     { return "doubler" }
func (doubler) Inputs() []string { return []string{"a"} }
func (doubler) Outputs() []schema.Column {
	return []schema.Column{{Name: "a2", Kind: schema.Float64, Nullable: true}}
}

func (doubler) Apply(b batch.Batch) (batch.Batch, error) {
	out, err := Extend(b, doubler{}.Outputs()...)
	if err != nil {
		return batch.Batch{}, err
	}
	ix := b.Schema.Index("a")
	for _, row := range out.Rows {
		if v, ok := row[ix].(float64); ok {
			row[len(row)-1] = v * 2
		}
	}
	return out, nil
}

// needs is a step declaring an arbitrary input dependency.
type needs struct {
	name string
	dep  string
	out  string
}

func (n needs) Name() string     { return n.name }
func (n needs) Inputs() []string { return []string{n.dep} }
func (n needs) Outputs() []schema.Column {
	return []schema.Column{{Name: n.out, Kind: schema.Float64, Nullable: true}}
}
func (n needs) Apply(b batch.Batch) (batch.Batch, error) { return Extend(b, n.Outputs()...) }

func inSchema() schema.Schema {
	return schema.Schema{Columns: []schema.Column{
		{Name: "a", Kind: schema.Float64, Nullable: true},
	}}
}

func TestNewPlanSchema(t *testing.T) {
	p, err := NewPlan(inSchema(), doubler{}, needs{name: "n", dep: "a2", out: "b"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := []string{"a", "a2", "b"}
	got := p.Schema().Names()
	if len(got) != len(want) {
		t.Fatalf("schema names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("schema name[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if names := p.Steps(); len(names) != 2 || names[0] != "doubler" || names[1] != "n" {
		t.Errorf("step names = %v", names)
	}
}

/*
TestNewPlanMissingDependency checks that a step consuming a column produced by
no earlier step fails at plan construction, not mid-run. Declaring the steps
in the working order succeeds.
*/
func TestNewPlanMissingDependency(t *testing.T) {
	_, err := NewPlan(inSchema(), needs{name: "n", dep: "a2", out: "b"}, doubler{})
	var dep *MissingDependencyError
	if !errors.As(err, &dep) {
		t.Fatalf("err = %v, want MissingDependencyError", err)
	}
	if dep.Step != "n" || dep.Column != "a2" {
		t.Errorf("dep = %+v", dep)
	}
}

func TestNewPlanOutputCollision(t *testing.T) {
	_, err := NewPlan(inSchema(), needs{name: "n", dep: "a", out: "a"})
	if err == nil {
		t.Fatal("want error for output colliding with existing column")
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	p, err := NewPlan(inSchema(), doubler{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	in := batch.Batch{Schema: inSchema(), Rows: [][]any{{1.5}, {nil}}}
	out, err := p.Apply(context.Background(), in)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(in.Rows[0]) != 1 {
		t.Errorf("input row grew to %d columns", len(in.Rows[0]))
	}
	if got := out.Value(0, "a2"); got != 3.0 {
		t.Errorf("a2[0] = %v, want 3", got)
	}
	if got := out.Value(1, "a2"); got != nil {
		t.Errorf("a2[1] = %v, want nil", got)
	}
}

func TestApplyCanceledContext(t *testing.T) {
	p, err := NewPlan(inSchema(), doubler{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Apply(ctx, batch.Batch{Schema: inSchema()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// rowDropper violates the row-count contract.
type rowDropper struct{}

func (rowDropper) Name() string             { return "dropper" }
func (rowDropper) Inputs() []string         { return nil }
func (rowDropper) Outputs() []schema.Column { return nil }
func (rowDropper) Apply(b batch.Batch) (batch.Batch, error) {
	if len(b.Rows) > 0 {
		b.Rows = b.Rows[:len(b.Rows)-1]
	}
	return b, nil
}

func TestApplyRowCountGuard(t *testing.T) {
	p, err := NewPlan(inSchema(), rowDropper{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	in := batch.Batch{Schema: inSchema(), Rows: [][]any{{1.0}, {2.0}}}
	_, err = p.Apply(context.Background(), in)
	if err == nil {
		t.Fatal("want row-count error")
	}
}

// failStep surfaces a step error with the step name attached.
type failStep struct{}

func (failStep) Name() string             { return "boom" }
func (failStep) Inputs() []string         { return nil }
func (failStep) Outputs() []schema.Column { return nil }
func (failStep) Apply(b batch.Batch) (batch.Batch, error) {
	return batch.Batch{}, fmt.Errorf("synthetic failure")
}

func TestApplyStepErrorNamesStep(t *testing.T) {
	p, err := NewPlan(inSchema(), failStep{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	_, err = p.Apply(context.Background(), batch.Batch{Schema: inSchema(), Rows: [][]any{{1.0}}})
	if err == nil || err.Error() != "transform: step boom: synthetic failure" {
		t.Fatalf("err = %v", err)
	}
}
