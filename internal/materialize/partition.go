package materialize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"featureetl/internal/batch"
	"featureetl/internal/config"
	"featureetl/internal/schema"
)

// Partitioner maps each validated row to its partition key: a UTC day bucket
// from the date column and the values of zero or more label columns, in
// Hive-style key=value form joined with "/". Date-only, label-only, and
// combined layouts are all valid; at least one component must be configured.
type Partitioner struct {
	DateColumn   string
	LabelColumns []string
}

// NewPartitioner builds a partitioner from sink configuration.
func NewPartitioner(cfg config.Partition) Partitioner {
	return Partitioner{DateColumn: cfg.DateColumn, LabelColumns: cfg.LabelColumns}
}

// Partition is one partition's slice of the batch. Rows keep the order they
// had in the source batch.
type Partition struct {
	Key  string
	Rows [][]any
}

// Group splits the batch into partitions, preserving first-seen key order
// across partitions and source row order within each one.
func (p Partitioner) Group(b batch.Batch) ([]Partition, error) {
	if p.DateColumn == "" && len(p.LabelColumns) == 0 {
		return nil, fmt.Errorf("materialize: partition needs a date column, label columns, or both")
	}
	dateIx := -1
	if p.DateColumn != "" {
		dateIx = b.Schema.Index(p.DateColumn)
		if dateIx < 0 {
			return nil, fmt.Errorf("materialize: date column %q not in batch schema", p.DateColumn)
		}
		if col := b.Schema.Columns[dateIx]; col.Kind != schema.Timestamp {
			return nil, fmt.Errorf("materialize: date column %q is %s, want %s", p.DateColumn, col.Kind, schema.Timestamp)
		}
	}
	labelIx := make([]int, len(p.LabelColumns))
	for i, name := range p.LabelColumns {
		ix := b.Schema.Index(name)
		if ix < 0 {
			return nil, fmt.Errorf("materialize: label column %q not in batch schema", name)
		}
		labelIx[i] = ix
	}

	byKey := map[string]int{}
	var parts []Partition
	for _, row := range b.Rows {
		key := p.key(row, dateIx, labelIx)
		ix, ok := byKey[key]
		if !ok {
			ix = len(parts)
			byKey[key] = ix
			parts = append(parts, Partition{Key: key})
		}
		parts[ix].Rows = append(parts[ix].Rows, row)
	}
	return parts, nil
}

func (p Partitioner) key(row []any, dateIx int, labelIx []int) string {
	segs := make([]string, 0, 1+len(labelIx))
	if dateIx >= 0 {
		day := "null"
		if ts, ok := row[dateIx].(time.Time); ok {
			day = ts.UTC().Format("2006-01-02")
		}
		segs = append(segs, p.DateColumn+"="+day)
	}
	for i, ix := range labelIx {
		segs = append(segs, p.LabelColumns[i]+"="+labelValue(row[ix]))
	}
	return strings.Join(segs, "/")
}

// labelValue renders a label cell as a path-safe string. Slashes and
// backslashes would break the key's use as a directory path, so they are
// replaced.
func labelValue(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		s = x
	case int64:
		s = strconv.FormatInt(x, 10)
	case float64:
		s = strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		s = strconv.FormatBool(x)
	case time.Time:
		s = x.UTC().Format("2006-01-02T15-04-05Z")
	default:
		s = fmt.Sprintf("%v", x)
	}
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if s == "" {
		return "empty"
	}
	return s
}
