// Package store contains the backend-agnostic contract for the analytics
// store plus a factory/registry for concrete backends.
//
// The analytics store holds four relations for a pipeline job:
//
//   - the staging relation (schema-coerced, not-yet-transformed rows),
//   - the analytics relation (the queryable view over materialized features),
//   - the partition manifest (partition key → fingerprint → file path),
//   - run checkpoints (stage + input fingerprint → status).
//
// Backends (sqlite, postgres) register themselves with this package at init
// time; callers construct repositories through New and remain fully
// backend-agnostic. The staging and analytics relations are single-writer:
// only the current run writes, while external query tools may read at any
// time and only ever observe fully-committed state.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"featureetl/internal/batch"
	"featureetl/internal/schema"
)

// Config selects and configures a storage backend.
type Config struct {
	Kind string // registered backend kind, e.g. "sqlite", "postgres"
	DSN  string // backend-specific connection string

	// StagingTable / AnalyticsTable override the default relation names.
	StagingTable   string
	AnalyticsTable string
}

// Checkpoint statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Checkpoint is the persisted marker for one stage execution against one
// input fingerprint. It is created when the stage starts, updated on
// completion or failure, and consulted on restart to skip stages whose input
// is unchanged.
type Checkpoint struct {
	Stage       string
	Fingerprint string
	Status      string
	StartedAt   time.Time
	CompletedAt time.Time // zero until the stage reaches a terminal status
	Detail      string    // error detail for failed stages
}

// PartitionEntry is one row of the partition manifest: the authoritative
// record of which fingerprint each promoted partition file carries.
type PartitionEntry struct {
	Key         string
	Fingerprint string
	Path        string
	Rows        int64
	WrittenAt   time.Time
}

// Repository is the backend-agnostic surface the pipeline stages use.
//
// All methods honor ctx cancellation. Write methods are not safe for
// concurrent use with each other (single-writer policy); reads are.
type Repository interface {
	// EnsureTables creates the staging relation (from the raw schema), the
	// analytics relation (from the feature schema), the partition manifest,
	// and the checkpoint table when absent.
	EnsureTables(ctx context.Context, staging, analytics schema.Schema) error

	// ResetStaging clears the staging relation ahead of a fresh load.
	ResetStaging(ctx context.Context) error

	// AppendStaging bulk-inserts one coerced chunk into the staging relation.
	// Values must align with the staging schema's column order.
	AppendStaging(ctx context.Context, s schema.Schema, rows [][]any) (int64, error)

	// LoadStaging reads the full staging relation back in insertion order.
	// It is the restore path for incremental restarts.
	LoadStaging(ctx context.Context, s schema.Schema) (batch.Batch, error)

	// ReplacePartitionRows replaces the analytics relation's rows for one
	// partition key inside a single transaction (delete-and-insert; never
	// append, so re-materialization cannot duplicate rows).
	ReplacePartitionRows(ctx context.Context, s schema.Schema, key string, rows [][]any) error

	// Partition returns the manifest entry for key, or nil when absent.
	Partition(ctx context.Context, key string) (*PartitionEntry, error)

	// SavePartition upserts a manifest entry, re-pointing the analytics view
	// at the latest promoted file for that partition.
	SavePartition(ctx context.Context, e PartitionEntry) error

	// Partitions lists the current manifest ordered by key.
	Partitions(ctx context.Context) ([]PartitionEntry, error)

	// Checkpoint returns the checkpoint for (stage, fingerprint), or nil.
	Checkpoint(ctx context.Context, stage, fingerprint string) (*Checkpoint, error)

	// SaveCheckpoint upserts a checkpoint keyed by (stage, fingerprint).
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error

	Close() error
}

// Factory constructs a concrete Repository from a Config.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register installs (or replaces) the factory for a backend kind. It is
// typically called from backend packages' init functions.
func Register(kind string, fn Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[kind] = fn
}

// New constructs a Repository for cfg.Kind. Default relation names are
// applied here so backends can rely on them being set.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.StagingTable == "" {
		cfg.StagingTable = "staging"
	}
	if cfg.AnalyticsTable == "" {
		cfg.AnalyticsTable = "features"
	}

	regMu.RLock()
	fn, ok := factories[cfg.Kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store: no backend registered for kind=%q", cfg.Kind)
	}
	return fn(ctx, cfg)
}
