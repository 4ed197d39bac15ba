package config

import (
	"encoding/json"
	"strings"
	"testing"

	"featureetl/internal/schema"
)

const samplePipelineJSON = `{
  "job": "txn_features",
  "source": { "kind": "file", "file": { "path": "transactions.csv" } },
  "staging": { "chunk_size": 5000, "on_malformed": "quarantine", "quarantine_path": "quarantine.csv" },
  "raw_schema": { "columns": [
    { "name": "user_id", "kind": "string" },
    { "name": "amount", "kind": "float64", "nullable": true },
    { "name": "event_time", "kind": "timestamp", "layout": "2006-01-02 15:04:05" }
  ]},
  "transform": [
    { "kind": "time_bucket", "options": { "column": "event_time" } },
    { "kind": "ratio", "options": { "numerator": "amount", "denominator": "amount" } }
  ],
  "rules": [
    { "name": "amount_nonneg", "kind": "non_negative", "columns": ["amount"], "severity": "warning" },
    { "name": "amount_range", "kind": "range", "columns": ["amount"], "severity": "critical",
      "options": { "min": 0, "max": 100000 } }
  ],
  "sink": { "dir": "out/features", "partition": { "date_column": "event_time", "label_columns": ["user_id"] } },
  "store": { "kind": "sqlite", "dsn": "file:features.db" },
  "runtime": { "concurrency": 2, "retry_attempts": 3, "retry_backoff_ms": 250 }
}`

func decodeSample(t *testing.T) Pipeline {
	t.Helper()
	var p Pipeline
	if err := json.NewDecoder(strings.NewReader(samplePipelineJSON)).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return p
}

func TestDecodePipeline(t *testing.T) {
	p := decodeSample(t)

	if p.Job != "txn_features" {
		t.Errorf("job = %q", p.Job)
	}
	if p.Source.Kind != "file" || p.Source.File.Path != "transactions.csv" {
		t.Errorf("source = %+v", p.Source)
	}
	if p.Staging.ChunkSize != 5000 || p.Staging.OnMalformed != OnMalformedQuarantine {
		t.Errorf("staging = %+v", p.Staging)
	}
	if len(p.RawSchema.Columns) != 3 {
		t.Fatalf("raw_schema columns = %d", len(p.RawSchema.Columns))
	}
	if c := p.RawSchema.Columns[2]; c.Kind != schema.Timestamp || c.Layout != "2006-01-02 15:04:05" {
		t.Errorf("timestamp column = %+v", c)
	}
	if len(p.Transform) != 2 || p.Transform[0].Kind != "time_bucket" {
		t.Errorf("transform = %+v", p.Transform)
	}
	if got := p.Transform[0].Options.String("column", ""); got != "event_time" {
		t.Errorf("time_bucket column option = %q", got)
	}
	if len(p.Rules) != 2 || p.Rules[1].Severity != SeverityCritical {
		t.Errorf("rules = %+v", p.Rules)
	}
	if got := p.Rules[1].Options.Float("max", 0); got != 100000 {
		t.Errorf("range max = %v", got)
	}
	if p.Sink.Partition.DateColumn != "event_time" || len(p.Sink.Partition.LabelColumns) != 1 {
		t.Errorf("sink partition = %+v", p.Sink.Partition)
	}
	if p.Runtime.RetryAttempts != 3 {
		t.Errorf("runtime = %+v", p.Runtime)
	}
}

/*
TestOptionsDecodeMissing checks that an absent or null "options" object
decodes to a usable empty map, so call sites never nil-check.
*/
func TestOptionsDecodeMissing(t *testing.T) {
	var steps []Step
	if err := json.Unmarshal([]byte(`[{"kind":"time_bucket"},{"kind":"ratio","options":null}]`), &steps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i, st := range steps {
		if st.Options == nil {
			t.Errorf("steps[%d].Options is nil", i)
		}
		if got := st.Options.String("column", "def"); got != "def" {
			t.Errorf("steps[%d] default lookup = %q", i, got)
		}
	}
}

func TestOptionsAccessors(t *testing.T) {
	o := Options{
		"s":    "text",
		"b":    true,
		"n":    float64(7), // JSON numbers decode as float64
		"f":    2.5,
		"list": []any{"a", "b", 3},
	}

	if got := o.String("s", "d"); got != "text" {
		t.Errorf("String = %q", got)
	}
	if got := o.String("n", "d"); got != "d" {
		t.Errorf("String on non-string = %q, want default", got)
	}
	if !o.Bool("b", false) || o.Bool("missing", false) {
		t.Error("Bool lookups wrong")
	}
	if got := o.Int("n", 0); got != 7 {
		t.Errorf("Int = %d", got)
	}
	if got := o.Float("f", 0); got != 2.5 {
		t.Errorf("Float = %v", got)
	}
	if got := o.Float("n", 0); got != 7 {
		t.Errorf("Float on int-ish = %v", got)
	}
	if !o.Has("s") || o.Has("missing") {
		t.Error("Has lookups wrong")
	}
	got := o.StringSlice("list")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("StringSlice = %v (non-strings should be dropped)", got)
	}
	if o.StringSlice("missing") != nil {
		t.Error("StringSlice of missing key should be nil")
	}
}
