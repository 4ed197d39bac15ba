// Package builtin provides the built-in feature derivation steps and the
// factory that constructs them from pipeline configuration.
package builtin

import (
	"fmt"
	"strconv"
	"time"

	"featureetl/internal/config"
	"featureetl/internal/transform"
)

// FromConfig constructs a step from its configuration entry.
func FromConfig(st config.Step) (transform.Step, error) {
	switch st.Kind {
	case "time_bucket":
		return NewTimeBucket(st.Options.String("column", ""))
	case "entity_stats":
		return NewEntityStats(
			st.Options.String("entity_column", ""),
			st.Options.String("value_column", ""),
			st.Options.String("prefix", ""),
		)
	case "ratio":
		return NewRatio(
			st.Options.String("numerator", ""),
			st.Options.String("denominator", ""),
			st.Options.String("output", ""),
		)
	case "freq_encode":
		return NewFreqEncode(
			st.Options.String("column", ""),
			st.Options.String("output", ""),
		)
	default:
		return nil, fmt.Errorf("builtin: unsupported step kind=%s", st.Kind)
	}
}

// Steps builds the full ordered step list from configuration.
func Steps(steps []config.Step) ([]transform.Step, error) {
	out := make([]transform.Step, 0, len(steps))
	for i, st := range steps {
		s, err := FromConfig(st)
		if err != nil {
			return nil, fmt.Errorf("transform[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// asFloat widens a batch numeric to float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// keyString produces the deterministic string form of an entity/category key.
func keyString(v any) (string, bool) {
	switch k := v.(type) {
	case nil:
		return "", false
	case string:
		return k, true
	case int64:
		return strconv.FormatInt(k, 10), true
	case float64:
		return strconv.FormatFloat(k, 'g', -1, 64), true
	case bool:
		return strconv.FormatBool(k), true
	case time.Time:
		return k.UTC().Format(time.RFC3339Nano), true
	}
	return fmt.Sprintf("%v", v), true
}
