// Package materialize writes validated feature batches out as one Parquet
// file per partition and keeps the analytics relation and partition manifest
// in step with the files on disk.
//
// Every write is idempotent and atomic. Idempotence comes from the manifest:
// a partition whose recorded fingerprint matches the incoming rows is skipped
// outright. Atomicity comes from temp-file-then-rename promotion, so a crash
// mid-write leaves the previous file intact and never a half-written one.
//
// Partitions are independent, so they are written in parallel under a
// configurable limit. A failing partition never blocks or rolls back the
// healthy ones; the summary reports both sides.
package materialize

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"featureetl/internal/batch"
	"featureetl/internal/fingerprint"
	"featureetl/internal/store"
)

// FileName is the Parquet file name inside each partition directory.
const FileName = "features.parquet"

const defaultConcurrency = 4

// Materializer writes partitioned Parquet output rooted at Dir and records
// every promoted file in the repository's manifest.
type Materializer struct {
	Dir         string
	Partitioner Partitioner
	Repo        store.Repository

	// Concurrency bounds parallel partition writes. Zero means the default.
	Concurrency int
}

// PartitionResult describes one partition's outcome within a run.
type PartitionResult struct {
	Key         string
	Path        string
	Rows        int64
	Fingerprint string
	Skipped     bool // manifest fingerprint already matched; nothing written
}

// PartitionFailure pairs a partition key with the error that stopped it.
type PartitionFailure struct {
	Key string
	Err error
}

// Summary accounts for every partition of one materialization pass.
type Summary struct {
	Written []PartitionResult
	Skipped []PartitionResult
	Failed  []PartitionFailure
	Elapsed time.Duration
}

// PartialFailureError reports a pass in which some partitions failed while
// others were promoted. The promoted ones stay promoted; re-running the
// pipeline retries only the failures (matching fingerprints skip).
type PartialFailureError struct {
	Summary Summary
}

func (e *PartialFailureError) Error() string {
	keys := make([]string, len(e.Summary.Failed))
	for i, f := range e.Summary.Failed {
		keys[i] = f.Key
	}
	return fmt.Sprintf("materialize: %d of %d partitions failed: %s",
		len(e.Summary.Failed),
		len(e.Summary.Written)+len(e.Summary.Skipped)+len(e.Summary.Failed),
		strings.Join(keys, ", "))
}

// Materialize writes the batch out partition by partition. On return the
// summary covers every partition; the error is non-nil when any partition
// failed, but previously-promoted partitions are never rolled back.
func (m *Materializer) Materialize(ctx context.Context, b batch.Batch) (Summary, error) {
	start := time.Now()
	parts, err := m.Partitioner.Group(b)
	if err != nil {
		return Summary{}, err
	}

	limit := m.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}

	var (
		mu      sync.Mutex
		summary Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, part := range parts {
		part := part
		g.Go(func() error {
			res, err := m.writePartition(gctx, b, part)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Failed = append(summary.Failed, PartitionFailure{Key: part.Key, Err: err})
			case res.Skipped:
				summary.Skipped = append(summary.Skipped, res)
			default:
				summary.Written = append(summary.Written, res)
			}
			// Partition failures are isolated; only cancellation stops
			// the remaining partitions.
			return gctx.Err()
		})
	}
	err = g.Wait()
	// All goroutines are done; the summary must order deterministically on
	// every return path.
	sortSummary(&summary)
	summary.Elapsed = time.Since(start)
	if err != nil {
		return summary, err
	}
	if len(summary.Failed) > 0 {
		return summary, &PartialFailureError{Summary: summary}
	}
	return summary, nil
}

func (m *Materializer) writePartition(ctx context.Context, b batch.Batch, part Partition) (PartitionResult, error) {
	sub := batch.Batch{Schema: b.Schema, Rows: part.Rows}
	fp := fingerprint.OfBatch(sub)
	path := filepath.Join(m.Dir, filepath.FromSlash(part.Key), FileName)

	res := PartitionResult{
		Key:         part.Key,
		Path:        path,
		Rows:        int64(len(part.Rows)),
		Fingerprint: fp,
	}

	prev, err := m.Repo.Partition(ctx, part.Key)
	if err != nil {
		return res, fmt.Errorf("manifest lookup: %w", err)
	}
	if prev != nil && prev.Fingerprint == fp {
		// Trust the manifest only while the promoted file is still on disk;
		// a deleted file must be re-created, not skipped.
		if _, statErr := os.Stat(prev.Path); statErr == nil {
			log.Printf("materialize: partition %s unchanged (fingerprint %s), skipping", part.Key, fp)
			res.Skipped = true
			res.Path = prev.Path
			return res, nil
		}
		log.Printf("materialize: partition %s fingerprint matches but %s is missing, rewriting", part.Key, prev.Path)
	}

	if err := writeParquet(path, b.Schema, part.Rows, fp); err != nil {
		return res, err
	}
	if err := m.Repo.ReplacePartitionRows(ctx, b.Schema, part.Key, part.Rows); err != nil {
		return res, fmt.Errorf("analytics refresh: %w", err)
	}
	if err := m.Repo.SavePartition(ctx, store.PartitionEntry{
		Key:         part.Key,
		Fingerprint: fp,
		Path:        path,
		Rows:        res.Rows,
		WrittenAt:   time.Now().UTC(),
	}); err != nil {
		return res, fmt.Errorf("manifest update: %w", err)
	}
	return res, nil
}

// sortSummary orders each bucket by key so two runs over the same data
// produce identical summaries regardless of write scheduling.
func sortSummary(s *Summary) {
	sort.Slice(s.Written, func(i, j int) bool { return s.Written[i].Key < s.Written[j].Key })
	sort.Slice(s.Skipped, func(i, j int) bool { return s.Skipped[i].Key < s.Skipped[j].Key })
	sort.Slice(s.Failed, func(i, j int) bool { return s.Failed[i].Key < s.Failed[j].Key })
}
