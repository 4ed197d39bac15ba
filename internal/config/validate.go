// This file adds a lightweight linter/validator for Pipeline values. It
// performs static checks over a decoded Pipeline and returns a list of issues
// (errors and warnings) that callers can surface in a CLI or tests.
package config

import (
	"fmt"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a configuration warning that should be surfaced
	// to users but may not necessarily block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding for a Pipeline.
//
// Path is a dotted path into the config (e.g. "store.kind",
// "transform[1].options"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// Known kinds. Unknown kinds are warnings (forward compatibility) unless the
// component cannot work at all without one.
var (
	knownSourceKinds = map[string]struct{}{"file": {}}
	knownStepKinds   = map[string]struct{}{"time_bucket": {}, "entity_stats": {}, "ratio": {}, "freq_encode": {}}
	knownRuleKinds   = map[string]struct{}{"not_null": {}, "non_negative": {}, "range": {}, "enum": {}, "unique": {}}
	knownStoreKinds  = map[string]struct{}{"sqlite": {}, "postgres": {}}
)

// ValidatePipeline performs static validation / linting of a Pipeline.
//
// It does not mutate the pipeline. Instead it returns a slice of Issue values.
// Callers may decide whether to treat warnings as fatal or not.
//
// Example:
//
//	var p config.Pipeline
//	if err := json.NewDecoder(r).Decode(&p); err != nil { ... }
//	issues := config.ValidatePipeline(p)
//	for _, iss := range issues {
//	    fmt.Printf("%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
//	}
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue

	if strings.TrimSpace(p.Job) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "job",
			Message:  "job must not be empty; it is used for metrics labeling and checkpoint scoping",
		})
	}
	issues = append(issues, validateSource(p.Source)...)
	issues = append(issues, validateStaging(p.Staging)...)
	issues = append(issues, validateRawSchema(p)...)
	issues = append(issues, validateTransform(p.Transform)...)
	issues = append(issues, validateRules(p.Rules)...)
	issues = append(issues, validateSink(p.Sink)...)
	issues = append(issues, validateStore(p.Store)...)
	issues = append(issues, validateRuntime(p.Runtime)...)

	return issues
}

func validateSource(s Source) []Issue {
	var issues []Issue

	if strings.TrimSpace(s.Kind) == "" {
		issues = append(issues, Issue{SeverityError, "source.kind", "source.kind must not be empty"})
		return issues
	}
	if _, ok := knownSourceKinds[s.Kind]; !ok {
		issues = append(issues, Issue{
			SeverityWarning, "source.kind",
			fmt.Sprintf("unknown source kind %q (known: file)", s.Kind),
		})
	}
	if s.Kind == "file" && strings.TrimSpace(s.File.Path) == "" {
		issues = append(issues, Issue{SeverityError, "source.file.path", "file source requires a path"})
	}
	return issues
}

func validateStaging(s Staging) []Issue {
	var issues []Issue

	if s.ChunkSize < 0 {
		issues = append(issues, Issue{SeverityError, "staging.chunk_size", "chunk_size must not be negative"})
	}
	switch s.OnMalformed {
	case "", OnMalformedFailFast:
		// fail-fast is the default policy
	case OnMalformedQuarantine:
		if strings.TrimSpace(s.QuarantinePath) == "" {
			issues = append(issues, Issue{
				SeverityError, "staging.quarantine_path",
				"quarantine policy requires staging.quarantine_path",
			})
		}
	default:
		issues = append(issues, Issue{
			SeverityError, "staging.on_malformed",
			fmt.Sprintf("unknown policy %q (known: fail_fast, quarantine)", s.OnMalformed),
		})
	}
	return issues
}

func validateRawSchema(p Pipeline) []Issue {
	if err := p.RawSchema.Check(); err != nil {
		return []Issue{{SeverityError, "raw_schema", err.Error()}}
	}
	return nil
}

func validateTransform(steps []Step) []Issue {
	var issues []Issue

	for i, st := range steps {
		path := fmt.Sprintf("transform[%d]", i)
		if strings.TrimSpace(st.Kind) == "" {
			issues = append(issues, Issue{SeverityError, path + ".kind", "step kind must not be empty"})
			continue
		}
		if _, ok := knownStepKinds[st.Kind]; !ok {
			issues = append(issues, Issue{
				SeverityWarning, path + ".kind",
				fmt.Sprintf("unknown step kind %q", st.Kind),
			})
		}
	}
	return issues
}

func validateRules(rules []Rule) []Issue {
	var issues []Issue

	seen := map[string]int{}
	for i, r := range rules {
		path := fmt.Sprintf("rules[%d]", i)
		if strings.TrimSpace(r.Name) == "" {
			issues = append(issues, Issue{SeverityError, path + ".name", "rule name must not be empty"})
		} else if prev, dup := seen[r.Name]; dup {
			issues = append(issues, Issue{
				SeverityError, path + ".name",
				fmt.Sprintf("duplicate rule name %q (also rules[%d])", r.Name, prev),
			})
		} else {
			seen[r.Name] = i
		}

		if _, ok := knownRuleKinds[r.Kind]; !ok {
			issues = append(issues, Issue{
				SeverityError, path + ".kind",
				fmt.Sprintf("unknown rule kind %q", r.Kind),
			})
		}
		if len(r.Columns) == 0 {
			issues = append(issues, Issue{SeverityError, path + ".columns", "rule requires at least one target column"})
		}
		switch r.Severity {
		case SeverityCritical, SeverityWarn:
		case "":
			issues = append(issues, Issue{SeverityError, path + ".severity", "severity must be set (critical or warning)"})
		default:
			issues = append(issues, Issue{
				SeverityError, path + ".severity",
				fmt.Sprintf("unknown severity %q (known: critical, warning)", r.Severity),
			})
		}
	}
	return issues
}

func validateSink(s Sink) []Issue {
	var issues []Issue

	if strings.TrimSpace(s.Dir) == "" {
		issues = append(issues, Issue{SeverityError, "sink.dir", "sink.dir must not be empty"})
	}
	if strings.TrimSpace(s.Partition.DateColumn) == "" && len(s.Partition.LabelColumns) == 0 {
		issues = append(issues, Issue{
			SeverityError, "sink.partition",
			"partition requires a date_column, label_columns, or both",
		})
	}
	return issues
}

func validateStore(s Store) []Issue {
	var issues []Issue

	if strings.TrimSpace(s.Kind) == "" {
		issues = append(issues, Issue{SeverityError, "store.kind", "store.kind must not be empty"})
		return issues
	}
	if _, ok := knownStoreKinds[s.Kind]; !ok {
		issues = append(issues, Issue{
			SeverityWarning, "store.kind",
			fmt.Sprintf("unknown store kind %q (known: sqlite, postgres)", s.Kind),
		})
	}
	if strings.TrimSpace(s.DSN) == "" {
		issues = append(issues, Issue{SeverityError, "store.dsn", "store.dsn must not be empty"})
	}
	return issues
}

func validateRuntime(r RuntimeConfig) []Issue {
	var issues []Issue

	if r.Concurrency < 0 {
		issues = append(issues, Issue{SeverityError, "runtime.concurrency", "concurrency must not be negative"})
	}
	if r.RetryAttempts < 0 {
		issues = append(issues, Issue{SeverityError, "runtime.retry_attempts", "retry_attempts must not be negative"})
	}
	if r.RetryBackoffMS < 0 {
		issues = append(issues, Issue{SeverityError, "runtime.retry_backoff_ms", "retry_backoff_ms must not be negative"})
	}
	if r.StageTimeoutMS < 0 {
		issues = append(issues, Issue{SeverityError, "runtime.stage_timeout_ms", "stage_timeout_ms must not be negative"})
	}
	return issues
}
