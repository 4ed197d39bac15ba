package materialize

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"featureetl/internal/schema"
)

// FingerprintMetadataKey is the Parquet footer key carrying the partition
// content fingerprint. External readers can use it to detect rewrites.
const FingerprintMetadataKey = "featureetl.fingerprint"

// parquetSchema maps the feature schema onto a Parquet message. Timestamps
// travel as millisecond-precision epoch values and nullable columns become
// optional leaves.
func parquetSchema(name string, s schema.Schema) *parquet.Schema {
	group := parquet.Group{}
	for _, col := range s.Columns {
		var node parquet.Node
		switch col.Kind {
		case schema.Int64:
			node = parquet.Int(64)
		case schema.Float64:
			node = parquet.Leaf(parquet.DoubleType)
		case schema.String:
			node = parquet.String()
		case schema.Bool:
			node = parquet.Leaf(parquet.BooleanType)
		case schema.Timestamp:
			node = parquet.Timestamp(parquet.Millisecond)
		default:
			node = parquet.String()
		}
		if col.Nullable {
			node = parquet.Optional(node)
		}
		group[col.Name] = node
	}
	return parquet.NewSchema(name, group)
}

// parquetRow converts one batch row into the map form the generic writer
// consumes. Null cells are left out of the map, which the optional leaf
// encodes as a Parquet null.
func parquetRow(s schema.Schema, row []any) map[string]any {
	out := make(map[string]any, len(row))
	for i, col := range s.Columns {
		v := row[i]
		if v == nil {
			continue
		}
		if ts, ok := v.(time.Time); ok {
			v = ts.UTC().UnixMilli()
		}
		out[col.Name] = v
	}
	return out
}

// writeParquet writes the partition's rows to path atomically: the file is
// produced under a temporary name in the same directory and promoted with a
// rename only after a clean close, so readers never observe a partial file.
func writeParquet(path string, s schema.Schema, rows [][]any, fingerprint string) (retErr error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("materialize: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*.parquet")
	if err != nil {
		return fmt.Errorf("materialize: create temp file: %w", err)
	}
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := parquet.NewGenericWriter[map[string]any](tmp,
		parquetSchema("features", s),
		parquet.KeyValueMetadata(FingerprintMetadataKey, fingerprint),
	)
	buf := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		buf = append(buf, parquetRow(s, row))
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("materialize: write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("materialize: close writer for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("materialize: sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("materialize: close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("materialize: promote %s: %w", path, err)
	}
	return nil
}
