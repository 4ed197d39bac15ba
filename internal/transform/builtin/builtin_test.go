package builtin

import (
	"context"
	"math"
	"strconv"
	"testing"
	"time"

	"featureetl/internal/batch"
	"featureetl/internal/config"
	"featureetl/internal/fingerprint"
	"featureetl/internal/schema"
	"featureetl/internal/transform"
)

func numericBatch() batch.Batch {
	s := schema.Schema{Columns: []schema.Column{
		{Name: "user_id", Kind: schema.String, Nullable: true},
		{Name: "amount", Kind: schema.Float64, Nullable: true},
		{Name: "total", Kind: schema.Float64, Nullable: true},
		{Name: "event_time", Kind: schema.Timestamp, Nullable: true},
	}}
	ts := func(h int) time.Time { return time.Date(2026, 3, 2, h, 30, 0, 0, time.UTC) } // a Monday
	return batch.Batch{Schema: s, Rows: [][]any{
		{"u1", 10.0, 20.0, ts(9)},
		{"u1", 30.0, 0.0, ts(23)},
		{"u2", 5.0, 10.0, nil},
		{nil, nil, nil, ts(0)},
	}}
}

func TestTimeBucket(t *testing.T) {
	st, err := NewTimeBucket("event_time")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := st.Apply(numericBatch())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := out.Value(0, "event_time_hour"); got != int64(9) {
		t.Errorf("hour[0] = %v, want 9", got)
	}
	if got := out.Value(0, "event_time_dow"); got != int64(1) {
		t.Errorf("dow[0] = %v, want 1 (Monday)", got)
	}
	if got := out.Value(2, "event_time_hour"); got != nil {
		t.Errorf("hour[2] = %v, want nil for null timestamp", got)
	}
}

func TestTimeBucketRejectsNonTimestamp(t *testing.T) {
	st, err := NewTimeBucket("user_id")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := st.Apply(numericBatch()); err == nil {
		t.Fatal("want type error for string column")
	}
}

/*
TestEntityStats checks the per-entity aggregates: u1 has values {10, 30}
(mean 20, population std 10, count 2), u2 has {5}, and the null-entity row
gets null aggregates.
*/
func TestEntityStats(t *testing.T) {
	st, err := NewEntityStats("user_id", "amount", "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := st.Apply(numericBatch())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	const prefix = "amount_by_user_id_"

	if got := out.Value(0, prefix+"mean"); got != 20.0 {
		t.Errorf("u1 mean = %v, want 20", got)
	}
	std, _ := out.Value(1, prefix+"std").(float64)
	if math.Abs(std-10.0) > 1e-9 {
		t.Errorf("u1 std = %v, want 10", std)
	}
	if got := out.Value(0, prefix+"count"); got != int64(2) {
		t.Errorf("u1 count = %v, want 2", got)
	}
	if got := out.Value(2, prefix+"count"); got != int64(1) {
		t.Errorf("u2 count = %v, want 1", got)
	}
	if got := out.Value(3, prefix+"mean"); got != nil {
		t.Errorf("null-entity mean = %v, want nil", got)
	}
}

func TestRatio(t *testing.T) {
	st, err := NewRatio("amount", "total", "spend_share")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := st.Apply(numericBatch())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := out.Value(0, "spend_share"); got != 0.5 {
		t.Errorf("ratio[0] = %v, want 0.5", got)
	}
	if got := out.Value(1, "spend_share"); got != nil {
		t.Errorf("ratio[1] = %v, want nil for zero denominator", got)
	}
	if got := out.Value(3, "spend_share"); got != nil {
		t.Errorf("ratio[3] = %v, want nil for null operands", got)
	}
}

func TestFreqEncode(t *testing.T) {
	st, err := NewFreqEncode("user_id", "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := st.Apply(numericBatch())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	// u1 appears in 2 of 4 rows.
	if got := out.Value(0, "user_id_freq"); got != 0.5 {
		t.Errorf("freq[0] = %v, want 0.5", got)
	}
	if got := out.Value(2, "user_id_freq"); got != 0.25 {
		t.Errorf("freq[2] = %v, want 0.25", got)
	}
	if got := out.Value(3, "user_id_freq"); got != nil {
		t.Errorf("freq[3] = %v, want nil for null category", got)
	}
}

func TestFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		step    config.Step
		want    string
		wantErr bool
	}{
		{
			name: "time_bucket",
			step: config.Step{Kind: "time_bucket", Options: config.Options{"column": "event_time"}},
			want: "time_bucket(event_time)",
		},
		{
			name: "entity_stats",
			step: config.Step{Kind: "entity_stats", Options: config.Options{
				"entity_column": "user_id", "value_column": "amount",
			}},
			want: "entity_stats(user_id,amount)",
		},
		{
			name: "ratio",
			step: config.Step{Kind: "ratio", Options: config.Options{
				"numerator": "amount", "denominator": "total",
			}},
			want: "ratio(amount/total)",
		},
		{
			name: "freq_encode",
			step: config.Step{Kind: "freq_encode", Options: config.Options{"column": "user_id"}},
			want: "freq_encode(user_id)",
		},
		{
			name:    "unknown kind",
			step:    config.Step{Kind: "sessionize"},
			wantErr: true,
		},
		{
			name:    "missing required option",
			step:    config.Step{Kind: "ratio", Options: config.Options{"numerator": "amount"}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := FromConfig(tt.step)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if st.Name() != tt.want {
				t.Errorf("name = %s, want %s", st.Name(), tt.want)
			}
		})
	}
}

/*
TestPlanReapplyIsBitIdentical checks the reproducibility contract: applying a
multi-step plan twice to the same input yields byte-identical batches. The
plan deliberately includes the map-accumulating steps (entity_stats,
freq_encode) so any iteration-order leak into output values would change the
second batch's fingerprint.
*/
func TestPlanReapplyIsBitIdentical(t *testing.T) {
	s := schema.Schema{Columns: []schema.Column{
		{Name: "user_id", Kind: schema.String, Nullable: true},
		{Name: "amount", Kind: schema.Float64, Nullable: true},
		{Name: "event_time", Kind: schema.Timestamp, Nullable: true},
	}}
	in := batch.Batch{Schema: s}
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 500; i++ {
		row := []any{
			"u" + strconv.Itoa(i%17),
			float64(i%97) / 3.0,
			base.Add(time.Duration(i) * 13 * time.Minute),
		}
		if i%23 == 0 {
			row[0] = nil
			row[1] = nil
		}
		in.Rows = append(in.Rows, row)
	}

	steps, err := Steps([]config.Step{
		{Kind: "time_bucket", Options: config.Options{"column": "event_time"}},
		{Kind: "entity_stats", Options: config.Options{
			"entity_column": "user_id", "value_column": "amount",
		}},
		{Kind: "freq_encode", Options: config.Options{"column": "user_id"}},
	})
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	plan, err := transform.NewPlan(s, steps...)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	first, err := plan.Apply(context.Background(), in)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	second, err := plan.Apply(context.Background(), in)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}

	fp1 := fingerprint.OfBatch(first)
	fp2 := fingerprint.OfBatch(second)
	if fp1 != fp2 {
		t.Fatalf("re-applied plan diverged: %s vs %s", fp1, fp2)
	}
}

func TestSteps(t *testing.T) {
	got, err := Steps([]config.Step{
		{Kind: "time_bucket", Options: config.Options{"column": "event_time"}},
		{Kind: "freq_encode", Options: config.Options{"column": "user_id"}},
	})
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("steps = %d, want 2", len(got))
	}
	if _, err := Steps([]config.Step{{Kind: "nope"}}); err == nil {
		t.Fatal("want error for unknown kind")
	}
}
