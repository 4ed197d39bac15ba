// Package stage implements the staging loader: chunked CSV reading, raw
// schema coercion, and persistence of the staged relation.
//
// The loader reads the source in bounded-size chunks so peak memory stays
// around O(chunk). Each chunk is coerced to the raw schema (the schema
// registry check runs per chunk), appended to the staging relation in the
// analytics store, and concatenated into the staged batch preserving input
// row order. Malformed rows either abort the load (fail-fast) or are routed
// to a CSV quarantine sidecar (row values verbatim plus a trailing reason
// column), depending on the configured policy.
package stage

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"

	"featureetl/internal/batch"
	"featureetl/internal/config"
	"featureetl/internal/datasource"
	"featureetl/internal/schema"
	"featureetl/internal/store"
)

const defaultChunkSize = 10000

// MalformedRowError names the first unparseable row under the fail-fast
// policy. Row is 1-based and counts data rows, excluding the header.
type MalformedRowError struct {
	Row    int
	Reason string
}

func (e *MalformedRowError) Error() string {
	return fmt.Sprintf("stage: malformed row %d: %s", e.Row, e.Reason)
}

// Stats summarizes one load.
type Stats struct {
	RowsRead    int // data rows read from the source
	Staged      int // rows coerced and staged
	Quarantined int // rows routed to the quarantine sidecar
}

// Loader coerces raw CSV input to the raw schema and persists the staged
// relation. Repo may be nil in tests; staged chunks are then kept in memory
// only.
type Loader struct {
	Schema schema.Schema
	Config config.Staging
	Repo   store.Repository
}

// Load reads the full source through the configured chunking policy and
// returns the staged batch. The source handle is acquired through src and
// released on all exit paths. When Repo is set, the staging relation is
// reset and rebuilt so the staged relation always reflects exactly this
// load (single-writer policy).
func (l *Loader) Load(ctx context.Context, src datasource.Source) (batch.Batch, Stats, error) {
	var stats Stats

	rc, err := src.Open(ctx)
	if err != nil {
		return batch.Batch{}, stats, fmt.Errorf("stage: open source: %w", err)
	}
	defer rc.Close()

	chunkSize := l.Config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	quarantine := l.Config.OnMalformed == config.OnMalformedQuarantine

	var qw *quarantineWriter
	if quarantine {
		qw, err = newQuarantineWriter(l.Config.QuarantinePath)
		if err != nil {
			return batch.Batch{}, stats, err
		}
		defer func() {
			if qw != nil {
				qw.Close()
			}
		}()
	}

	cr := csv.NewReader(rc)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	colIx, err := l.mapHeader(cr)
	if err != nil {
		return batch.Batch{}, stats, err
	}

	if l.Repo != nil {
		if err := l.Repo.ResetStaging(ctx); err != nil {
			return batch.Batch{}, stats, fmt.Errorf("stage: %w", err)
		}
	}

	out := batch.Batch{Schema: l.Schema}
	chunk := make([][]any, 0, chunkSize)

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		// Schema registry check per chunk; coercion should already guarantee
		// conformance, so any violation here is a loader defect.
		if err := batch.Validate(batch.Batch{Schema: l.Schema, Rows: chunk}, l.Schema); err != nil {
			return fmt.Errorf("stage: chunk check: %w", err)
		}
		if l.Repo != nil {
			if _, err := l.Repo.AppendStaging(ctx, l.Schema, chunk); err != nil {
				return fmt.Errorf("stage: %w", err)
			}
		}
		out.Rows = append(out.Rows, chunk...)
		chunk = make([][]any, 0, chunkSize)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return batch.Batch{}, stats, ctx.Err()
		default:
		}

		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		stats.RowsRead++
		if err != nil {
			if handled, herr := l.handleMalformed(qw, nil, stats.RowsRead, err.Error()); !handled {
				return batch.Batch{}, stats, herr
			}
			stats.Quarantined++
			continue
		}

		row, reason := l.coerceRow(rec, colIx)
		if reason != "" {
			raw := make([]string, len(rec))
			copy(raw, rec)
			if handled, herr := l.handleMalformed(qw, raw, stats.RowsRead, reason); !handled {
				return batch.Batch{}, stats, herr
			}
			stats.Quarantined++
			continue
		}

		chunk = append(chunk, row)
		stats.Staged++
		if len(chunk) >= chunkSize {
			if err := flush(); err != nil {
				return batch.Batch{}, stats, err
			}
		}
	}
	if err := flush(); err != nil {
		return batch.Batch{}, stats, err
	}

	// Close explicitly so a failed sidecar flush fails the load instead of
	// silently losing quarantined rows.
	if qw != nil {
		cerr := qw.Close()
		qw = nil
		if cerr != nil {
			return batch.Batch{}, stats, fmt.Errorf("stage: quarantine close: %w", cerr)
		}
	}

	if stats.Quarantined > 0 {
		log.Printf("stage: quarantined %d of %d rows to %s", stats.Quarantined, stats.RowsRead, l.Config.QuarantinePath)
	}
	return out, stats, nil
}

// mapHeader reads the header line and returns the dest→source index mapping:
// colIx[i] is the source field index for schema column i. Header names are
// canonicalized before matching, so "Transaction Amt" matches column
// "transaction_amt". A schema column missing from the header is an error.
func (l *Loader) mapHeader(cr *csv.Reader) ([]int, error) {
	hdr, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("stage: read header: %w", err)
	}
	byName := make(map[string]int, len(hdr))
	for i, h := range hdr {
		byName[normalizeFieldName(h)] = i
	}

	colIx := make([]int, len(l.Schema.Columns))
	for i, c := range l.Schema.Columns {
		ix, ok := byName[c.Name]
		if !ok {
			return nil, fmt.Errorf("stage: header is missing column %q", c.Name)
		}
		colIx[i] = ix
	}
	return colIx, nil
}

// coerceRow converts one raw record into a typed row. It returns a non-empty
// reason when the row is malformed: a cell fails coercion, a required cell is
// null, or the record is too short.
func (l *Loader) coerceRow(rec []string, colIx []int) ([]any, string) {
	row := make([]any, len(l.Schema.Columns))
	for i, c := range l.Schema.Columns {
		ix := colIx[i]
		if ix >= len(rec) {
			return nil, fmt.Sprintf("column %s: field %d out of range", c.Name, ix)
		}
		v, err := coerceValue(c, rec[ix])
		if err != nil {
			return nil, err.Error()
		}
		if v == nil && !c.Nullable {
			return nil, fmt.Sprintf("column %s: null in non-nullable column", c.Name)
		}
		row[i] = v
	}
	return row, ""
}

// handleMalformed applies the malformed-row policy. Under fail-fast it
// returns (false, *MalformedRowError); under quarantine it writes the row to
// the sidecar and returns (true, nil).
func (l *Loader) handleMalformed(qw *quarantineWriter, raw []string, rowNum int, reason string) (bool, error) {
	if qw == nil {
		return false, &MalformedRowError{Row: rowNum, Reason: reason}
	}
	if err := qw.Write(raw, reason); err != nil {
		return false, fmt.Errorf("stage: quarantine: %w", err)
	}
	return true, nil
}

// quarantineWriter appends malformed rows to a CSV sidecar: the source fields
// verbatim plus a trailing reason column.
type quarantineWriter struct {
	f *os.File
	w *csv.Writer
}

func newQuarantineWriter(path string) (*quarantineWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("stage: open quarantine %s: %w", path, err)
	}
	return &quarantineWriter{f: f, w: csv.NewWriter(f)}, nil
}

func (q *quarantineWriter) Write(raw []string, reason string) error {
	rec := make([]string, 0, len(raw)+1)
	rec = append(rec, raw...)
	rec = append(rec, reason)
	return q.w.Write(rec)
}

func (q *quarantineWriter) Close() error {
	q.w.Flush()
	if err := q.w.Error(); err != nil {
		q.f.Close()
		return err
	}
	return q.f.Close()
}
