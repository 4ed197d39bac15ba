package stage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"featureetl/internal/schema"
)

// timestamp layouts tried when a column declares none.
var fallbackLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// coerceValue parses a raw CSV cell into the typed value declared by col.
// An empty cell becomes null. Parse failures return an error naming the
// column; the caller decides whether that fails the run or quarantines the
// row.
func coerceValue(col schema.Column, raw string) (any, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	switch col.Kind {
	case schema.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("column %s: %q is not an integer", col.Name, s)
		}
		return n, nil
	case schema.Float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("column %s: %q is not a number", col.Name, s)
		}
		return f, nil
	case schema.Bool:
		b, err := strconv.ParseBool(strings.ToLower(s))
		if err != nil {
			return nil, fmt.Errorf("column %s: %q is not a bool", col.Name, s)
		}
		return b, nil
	case schema.Timestamp:
		if col.Layout != "" {
			t, err := time.Parse(col.Layout, s)
			if err != nil {
				return nil, fmt.Errorf("column %s: %q does not match layout %s", col.Name, s, col.Layout)
			}
			return t.UTC(), nil
		}
		for _, layout := range fallbackLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("column %s: %q is not a timestamp", col.Name, s)
	default: // string
		return s, nil
	}
}
