// Package rules implements the validation gate: declarative data-quality
// rules evaluated against a transformed batch, and the report that decides
// whether materialization may proceed.
//
// Rules are data, not code: each carries a name, target columns, a predicate
// kind, and a severity. Predicates are registered by kind so new rules can be
// added without touching the gate's control flow. Predicates are pure: they
// read the batch and produce pass/fail counts, never mutating input.
//
// The gate blocks on any critical-severity failure; warning failures are
// recorded but non-blocking. The report is immutable once produced and is
// the artifact handed to the run coordinator and to external alerting.
package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"featureetl/internal/batch"
	"featureetl/internal/config"
)

// Severities, mirroring the configuration constants.
const (
	SeverityCritical = config.SeverityCritical
	SeverityWarn     = config.SeverityWarn
)

// Predicate evaluates one rule against a batch and returns per-row pass and
// fail counts. cols holds the resolved indices of the rule's target columns.
type Predicate func(b batch.Batch, cols []int) (passed, failed int)

// Builder constructs a predicate from rule options, validating them.
type Builder func(opts config.Options) (Predicate, error)

var builders = map[string]Builder{
	"not_null":     buildNotNull,
	"non_negative": buildNonNegative,
	"range":        buildRange,
	"enum":         buildEnum,
	"unique":       buildUnique,
}

// RegisterKind installs (or replaces) a predicate builder for a rule kind.
func RegisterKind(kind string, b Builder) { builders[kind] = b }

// Rule is one compiled data-quality rule.
type Rule struct {
	Name     string
	Kind     string
	Columns  []string
	Severity string
	pred     Predicate
}

// Compile builds the rule list from configuration, resolving each kind
// through the registry.
func Compile(cfg []config.Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(cfg))
	for i, rc := range cfg {
		b, ok := builders[rc.Kind]
		if !ok {
			return nil, fmt.Errorf("rules[%d] %s: unknown kind %q", i, rc.Name, rc.Kind)
		}
		pred, err := b(rc.Options)
		if err != nil {
			return nil, fmt.Errorf("rules[%d] %s: %w", i, rc.Name, err)
		}
		out = append(out, Rule{
			Name:     rc.Name,
			Kind:     rc.Kind,
			Columns:  rc.Columns,
			Severity: rc.Severity,
			pred:     pred,
		})
	}
	return out, nil
}

// Result is the outcome of one rule.
type Result struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Passed   int    `json:"passed"`
	Failed   int    `json:"failed"`
}

// Report aggregates all rule results for one batch. It is immutable once
// produced.
type Report struct {
	Results     []Result  `json:"results"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// CriticalFailed returns the total failure count across critical rules.
func (r Report) CriticalFailed() int {
	n := 0
	for _, res := range r.Results {
		if res.Severity == SeverityCritical {
			n += res.Failed
		}
	}
	return n
}

// WarningFailed returns the total failure count across warning rules.
func (r Report) WarningFailed() int {
	n := 0
	for _, res := range r.Results {
		if res.Severity == SeverityWarn {
			n += res.Failed
		}
	}
	return n
}

// Blocked reports whether the batch failed the gate (any critical failure).
func (r Report) Blocked() bool { return r.CriticalFailed() > 0 }

// GateError is returned when a batch fails a critical rule; it blocks every
// downstream stage. It is a data-quality signal, not a software defect.
type GateError struct {
	Report Report
}

func (e *GateError) Error() string {
	names := make([]string, 0, 2)
	for _, res := range e.Report.Results {
		if res.Severity == SeverityCritical && res.Failed > 0 {
			names = append(names, fmt.Sprintf("%s (%d rows)", res.Rule, res.Failed))
		}
	}
	return "validation gate: critical rule failures: " + strings.Join(names, ", ")
}

// Evaluate runs every rule against the batch and returns the report. A rule
// naming a column absent from the batch schema is a configuration error.
func Evaluate(b batch.Batch, rs []Rule) (Report, error) {
	report := Report{Results: make([]Result, 0, len(rs)), EvaluatedAt: time.Now().UTC()}
	for _, r := range rs {
		cols := make([]int, len(r.Columns))
		for i, name := range r.Columns {
			ix := b.Schema.Index(name)
			if ix < 0 {
				return Report{}, fmt.Errorf("rule %s: column %q not in batch schema", r.Name, name)
			}
			cols[i] = ix
		}
		passed, failed := r.pred(b, cols)
		report.Results = append(report.Results, Result{
			Rule:     r.Name,
			Severity: r.Severity,
			Passed:   passed,
			Failed:   failed,
		})
	}
	return report, nil
}

// perRow builds a Predicate from a per-row check applied to every target
// column: a row passes when check returns true for all of them.
func perRow(check func(v any) bool) Predicate {
	return func(b batch.Batch, cols []int) (int, int) {
		passed, failed := 0, 0
		for _, row := range b.Rows {
			ok := true
			for _, c := range cols {
				if !check(row[c]) {
					ok = false
					break
				}
			}
			if ok {
				passed++
			} else {
				failed++
			}
		}
		return passed, failed
	}
}

func buildNotNull(config.Options) (Predicate, error) {
	return perRow(func(v any) bool { return v != nil }), nil
}

// buildNonNegative passes values that are null or >= 0; only a negative
// non-null value fails.
func buildNonNegative(config.Options) (Predicate, error) {
	return perRow(func(v any) bool {
		f, ok := numeric(v)
		if !ok {
			return true // null or non-numeric: not this rule's concern
		}
		return f >= 0
	}), nil
}

func buildRange(opts config.Options) (Predicate, error) {
	hasMin, hasMax := opts.Has("min"), opts.Has("max")
	if !hasMin && !hasMax {
		return nil, fmt.Errorf("range rule requires min, max, or both")
	}
	min := opts.Float("min", 0)
	max := opts.Float("max", 0)
	if hasMin && hasMax && min > max {
		return nil, fmt.Errorf("range rule: min %v > max %v", min, max)
	}
	return perRow(func(v any) bool {
		f, ok := numeric(v)
		if !ok {
			return true
		}
		if hasMin && f < min {
			return false
		}
		if hasMax && f > max {
			return false
		}
		return true
	}), nil
}

func buildEnum(opts config.Options) (Predicate, error) {
	values := opts.StringSlice("values")
	if len(values) == 0 {
		return nil, fmt.Errorf("enum rule requires a non-empty values list")
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return perRow(func(v any) bool {
		if v == nil {
			return true
		}
		_, ok := set[valueString(v)]
		return ok
	}), nil
}

// buildUnique fails every row whose target-column tuple occurs more than
// once in the batch.
func buildUnique(config.Options) (Predicate, error) {
	return func(b batch.Batch, cols []int) (int, int) {
		counts := make(map[string]int, len(b.Rows))
		keys := make([]string, len(b.Rows))
		for i, row := range b.Rows {
			parts := make([]string, len(cols))
			for j, c := range cols {
				if row[c] == nil {
					parts[j] = "\x00"
				} else {
					parts[j] = valueString(row[c])
				}
			}
			k := strings.Join(parts, "\x1f")
			keys[i] = k
			counts[k]++
		}
		passed, failed := 0, 0
		for _, k := range keys {
			if counts[k] > 1 {
				failed++
			} else {
				passed++
			}
		}
		return passed, failed
	}, nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func valueString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%v", v)
}
