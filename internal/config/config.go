// Package config defines the canonical, JSON-serializable configuration model
// for the feature pipeline. It is intentionally small and explicit so that
// pipelines can be loaded from disk (or other sources) and passed through the
// program without additional glue code.
//
// Design goals:
//
//  1. Stability: Changes to this package should be additive and backwards-
//     compatible whenever possible.
//  2. Clarity: Field names in Go mirror the JSON structure used in pipeline
//     files under configs/pipelines/*.json.
//  3. Explicitness: runtime knobs (chunk size, concurrency, retry bounds) are
//     carried on the Pipeline value and threaded through the run coordinator,
//     never read from ambient global state.
//
// Example (trimmed):
//
//	{
//	  "job":     "txn_features",
//	  "source":  { "kind": "file", "file": { "path": "transactions.csv" } },
//	  "staging": { "chunk_size": 5000, "on_malformed": "quarantine" },
//	  "raw_schema": { "columns": [ { "name": "transaction_amt", "kind": "float64", "nullable": true } ] },
//	  "transform": [ { "kind": "time_bucket", "options": { "column": "transaction_dt" } } ],
//	  "rules":     [ { "name": "amount_non_negative", "kind": "non_negative", "columns": ["transaction_amt"], "severity": "critical" } ],
//	  "sink":      { "dir": "out/features", "partition": { "date_column": "transaction_dt" } },
//	  "store":     { "kind": "sqlite", "dsn": "file:features.db" }
//	}
package config

import (
	"encoding/json"

	"featureetl/internal/schema"
)

// Pipeline describes one full feature-pipeline run. It is the top-level
// object decoded from a pipeline file.
type Pipeline struct {
	// Job names the run for metrics labeling and checkpoint scoping.
	Job string `json:"job"`

	// Source describes where raw rows come from.
	Source Source `json:"source"`

	// Staging configures chunked loading and the malformed-row policy.
	Staging Staging `json:"staging"`

	// RawSchema is the input contract the staging loader coerces to.
	RawSchema schema.Schema `json:"raw_schema"`

	// Transform lists the ordered derivation steps applied to staged data.
	// Order matters: later steps may consume columns produced by earlier ones.
	Transform []Step `json:"transform"`

	// Rules lists the data-quality rules evaluated by the validation gate.
	Rules []Rule `json:"rules"`

	// Sink configures the partitioned columnar output.
	Sink Sink `json:"sink"`

	// Store configures the embedded analytics store (staging relation,
	// analytics relation, partition manifest, checkpoints).
	Store Store `json:"store"`

	Runtime RuntimeConfig `json:"runtime"`
}

// RuntimeConfig controls concurrency, retries, and stage timeouts.
type RuntimeConfig struct {
	// Concurrency bounds parallel partition writes. Zero means a default.
	Concurrency int `json:"concurrency"`

	// RetryAttempts is the maximum number of attempts per pipeline stage
	// (including the first). Zero means run once.
	RetryAttempts int `json:"retry_attempts"`

	// RetryBackoffMS is the initial backoff between attempts; it doubles per
	// retry.
	RetryBackoffMS int `json:"retry_backoff_ms"`

	// StageTimeoutMS aborts a stuck stage. Zero disables the timeout.
	StageTimeoutMS int `json:"stage_timeout_ms"`
}

// Source identifies the data source. Additional kinds can be added over time.
type Source struct {
	// Kind selects the source implementation. Current value: "file".
	Kind string `json:"kind"`

	// File carries options for the "file" source kind.
	File SourceFile `json:"file"`
}

// SourceFile holds configuration for the "file" source kind.
type SourceFile struct {
	// Path is the local filesystem path to the input CSV.
	Path string `json:"path"`
}

// Malformed-row policies for the staging loader.
const (
	OnMalformedFailFast   = "fail_fast"
	OnMalformedQuarantine = "quarantine"
)

// Staging configures the staging loader.
type Staging struct {
	// ChunkSize bounds how many raw rows are read and coerced at a time.
	ChunkSize int `json:"chunk_size"`

	// OnMalformed selects the malformed-row policy: "fail_fast" aborts on the
	// first unparseable row, "quarantine" routes it to QuarantinePath and
	// continues.
	OnMalformed string `json:"on_malformed"`

	// QuarantinePath is the CSV sidecar receiving quarantined rows. Required
	// when OnMalformed is "quarantine".
	QuarantinePath string `json:"quarantine_path"`
}

// Step defines a single feature-derivation step. The sequence of steps forms
// the transform plan executed between staging and validation.
type Step struct {
	// Kind selects the step implementation (e.g. "time_bucket",
	// "entity_stats", "ratio", "freq_encode").
	Kind string `json:"kind"`

	// Options is a free-form map interpreted by the selected step.
	Options Options `json:"options"`
}

// Rule severities. Critical failures block materialization; warnings are
// recorded but non-blocking.
const (
	SeverityCritical = "critical"
	SeverityWarn     = "warning"
)

// Rule defines a single data-quality rule for the validation gate.
type Rule struct {
	// Name identifies the rule in reports and logs.
	Name string `json:"name"`

	// Kind selects the predicate implementation (e.g. "not_null",
	// "non_negative", "range", "enum", "unique").
	Kind string `json:"kind"`

	// Columns are the target columns the predicate evaluates.
	Columns []string `json:"columns"`

	// Severity is "critical" or "warning".
	Severity string `json:"severity"`

	// Options is a free-form map interpreted by the predicate (e.g. min/max
	// for "range", values for "enum").
	Options Options `json:"options"`
}

// Sink configures the partitioned columnar output location.
type Sink struct {
	// Dir is the root directory receiving one Parquet file per partition.
	Dir string `json:"dir"`

	// Partition selects the partition key composition.
	Partition Partition `json:"partition"`
}

// Partition describes how validated rows map to partitions. The date column
// is bucketed to a calendar day; label columns contribute their string form.
// The composition is policy, not fixed behavior: date-only and date+label
// layouts are both valid.
type Partition struct {
	DateColumn   string   `json:"date_column"`
	LabelColumns []string `json:"label_columns"`
}

// Store selects the analytics store backend holding the staging relation,
// the analytics relation, the partition manifest, and run checkpoints.
type Store struct {
	// Kind selects the backend. Current values: "sqlite", "postgres".
	Kind string `json:"kind"`

	// DSN is the backend connection string (a file DSN for sqlite, a pgx DSN
	// for postgres).
	DSN string `json:"dsn"`

	// StagingTable and AnalyticsTable override the default relation names.
	StagingTable   string `json:"staging_table"`
	AnalyticsTable string `json:"analytics_table"`
}

// Options is a small helper to fetch typed values from arbitrary JSON maps
// without introducing third-party configuration libraries. It purposefully
// performs only minimal type coercion and returns provided defaults when a
// key is absent or of an unexpected type.
//
// Options is used for step/rule-specific configuration where the shape varies
// by implementation.
type Options map[string]any

// String returns the string value for key or def if key is missing or not a string.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def if key is missing or not a bool.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers are decoded as
// float64 by encoding/json, so this method accepts float64 and casts to int.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// Float returns the float64 value for key or def.
func (o Options) Float(key string, def float64) float64 {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}

// Has reports whether key is present at all, regardless of type.
func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// StringSlice returns a []string for key when the value is an array of strings
// (or an array of interface values containing strings). Returns nil when the
// key is missing or the value is not an array.
func (o Options) StringSlice(key string) []string {
	if v, ok := o[key]; ok {
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, x := range vv {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return vv
		}
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler so that a missing or null
// "options" object in JSON decodes to a non-nil, empty Options map. This
// simplifies call sites by removing the need to nil-check Options values.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
