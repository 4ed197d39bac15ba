// Package postgres implements the analytics store on Postgres using pgx v5.
//
// It exists for deployments where the analytics relation should be queryable
// by shared BI tooling rather than an embedded file; the embedded sqlite
// backend remains the default. Staging appends use the native COPY protocol,
// partition replacement runs as delete-and-insert in one transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"featureetl/internal/batch"
	"featureetl/internal/schema"
	"featureetl/internal/store"
)

func init() {
	store.Register("postgres", func(ctx context.Context, cfg store.Config) (store.Repository, error) {
		return NewRepository(ctx, cfg)
	})
}

// Repository is a Postgres-backed implementation of store.Repository.
type Repository struct {
	pool *pgxpool.Pool
	cfg  store.Config
}

// NewRepository constructs a Repository from a pgx DSN.
func NewRepository(ctx context.Context, cfg store.Config) (*Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	return &Repository{pool: pool, cfg: cfg}, nil
}

// pgIdent quotes an identifier for safe interpolation into DDL/DML.
func pgIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return out
}

// columnType maps a schema kind onto a Postgres column type.
func columnType(k schema.Kind) string {
	switch k {
	case schema.Int64:
		return "bigint"
	case schema.Float64:
		return "double precision"
	case schema.Bool:
		return "boolean"
	case schema.Timestamp:
		return "timestamptz"
	default:
		return "text"
	}
}

func createTableSQL(table string, s schema.Schema, extra string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", pgIdent(table))
	for i, c := range s.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s", pgIdent(c.Name), columnType(c.Kind))
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
	}
	if extra != "" {
		b.WriteString(", ")
		b.WriteString(extra)
	}
	b.WriteString(")")
	return b.String()
}

// EnsureTables creates the staging and analytics relations plus the manifest
// and checkpoint tables when absent. The staging relation carries an ordinal
// column so LoadStaging can restore insertion order.
func (r *Repository) EnsureTables(ctx context.Context, staging, analytics schema.Schema) error {
	stmts := []string{
		createTableSQL(r.cfg.StagingTable, staging, "_seq bigserial"),
		createTableSQL(r.cfg.AnalyticsTable, analytics, "partition_key text NOT NULL"),
		`CREATE TABLE IF NOT EXISTS partition_manifest (
			partition_key text PRIMARY KEY,
			fingerprint   text NOT NULL,
			path          text NOT NULL,
			row_count     bigint NOT NULL,
			written_at    timestamptz NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			stage        text NOT NULL,
			fingerprint  text NOT NULL,
			status       text NOT NULL,
			started_at   timestamptz NOT NULL,
			completed_at timestamptz,
			detail       text,
			PRIMARY KEY (stage, fingerprint)
		)`,
	}
	for _, q := range stmts {
		if _, err := r.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres: ensure tables: %w", err)
		}
	}
	return nil
}

// ResetStaging truncates the staging relation.
func (r *Repository) ResetStaging(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, "TRUNCATE "+pgIdent(r.cfg.StagingTable)); err != nil {
		return fmt.Errorf("postgres: reset staging: %w", err)
	}
	return nil
}

// AppendStaging bulk-inserts one chunk via the COPY protocol.
func (r *Repository) AppendStaging(ctx context.Context, s schema.Schema, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{r.cfg.StagingTable},
		s.Names(),
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return n, fmt.Errorf("postgres: copy staging: %w", err)
	}
	return n, nil
}

// LoadStaging reads the staging relation back in insertion order.
func (r *Repository) LoadStaging(ctx context.Context, s schema.Schema) (batch.Batch, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY _seq",
		strings.Join(mapIdent(s.Names()), ", "), pgIdent(r.cfg.StagingTable),
	)
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return batch.Batch{}, fmt.Errorf("postgres: load staging: %w", err)
	}
	defer rows.Close()

	out := batch.Batch{Schema: s}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return batch.Batch{}, fmt.Errorf("postgres: scan staging: %w", err)
		}
		row := make([]any, len(s.Columns))
		for i, c := range s.Columns {
			row[i] = fromDB(c.Kind, vals[i])
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return batch.Batch{}, fmt.Errorf("postgres: load staging: %w", err)
	}
	return out, nil
}

// ReplacePartitionRows swaps the analytics rows for one partition key inside
// a transaction.
func (r *Repository) ReplacePartitionRows(ctx context.Context, s schema.Schema, key string, rows [][]any) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	del := fmt.Sprintf("DELETE FROM %s WHERE partition_key = $1", pgIdent(r.cfg.AnalyticsTable))
	if _, err := tx.Exec(ctx, del, key); err != nil {
		return fmt.Errorf("postgres: delete partition %s: %w", key, err)
	}

	withKey := make([][]any, len(rows))
	for i, row := range rows {
		nr := make([]any, len(row)+1)
		copy(nr, row)
		nr[len(row)] = key
		withKey[i] = nr
	}
	if _, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{r.cfg.AnalyticsTable},
		append(s.Names(), "partition_key"),
		pgx.CopyFromRows(withKey),
	); err != nil {
		return fmt.Errorf("postgres: copy partition %s: %w", key, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// Partition returns the manifest entry for key, or nil when absent.
func (r *Repository) Partition(ctx context.Context, key string) (*store.PartitionEntry, error) {
	q := "SELECT partition_key, fingerprint, path, row_count, written_at FROM partition_manifest WHERE partition_key = $1"
	var e store.PartitionEntry
	err := r.pool.QueryRow(ctx, q, key).Scan(&e.Key, &e.Fingerprint, &e.Path, &e.Rows, &e.WrittenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: partition %s: %w", key, err)
	}
	return &e, nil
}

// SavePartition upserts a manifest entry.
func (r *Repository) SavePartition(ctx context.Context, e store.PartitionEntry) error {
	q := `INSERT INTO partition_manifest (partition_key, fingerprint, path, row_count, written_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (partition_key) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			path        = EXCLUDED.path,
			row_count   = EXCLUDED.row_count,
			written_at  = EXCLUDED.written_at`
	if _, err := r.pool.Exec(ctx, q, e.Key, e.Fingerprint, e.Path, e.Rows, e.WrittenAt.UTC()); err != nil {
		return fmt.Errorf("postgres: save partition %s: %w", e.Key, err)
	}
	return nil
}

// Partitions lists the manifest ordered by partition key.
func (r *Repository) Partitions(ctx context.Context) ([]store.PartitionEntry, error) {
	q := "SELECT partition_key, fingerprint, path, row_count, written_at FROM partition_manifest ORDER BY partition_key"
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres: partitions: %w", err)
	}
	defer rows.Close()

	var out []store.PartitionEntry
	for rows.Next() {
		var e store.PartitionEntry
		if err := rows.Scan(&e.Key, &e.Fingerprint, &e.Path, &e.Rows, &e.WrittenAt); err != nil {
			return nil, fmt.Errorf("postgres: partitions scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Checkpoint returns the checkpoint for (stage, fingerprint), or nil.
func (r *Repository) Checkpoint(ctx context.Context, stage, fingerprint string) (*store.Checkpoint, error) {
	q := "SELECT stage, fingerprint, status, started_at, completed_at, detail FROM checkpoints WHERE stage = $1 AND fingerprint = $2"
	var cp store.Checkpoint
	var completedAt *time.Time
	var detail *string
	err := r.pool.QueryRow(ctx, q, stage, fingerprint).Scan(
		&cp.Stage, &cp.Fingerprint, &cp.Status, &cp.StartedAt, &completedAt, &detail,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: checkpoint %s: %w", stage, err)
	}
	if completedAt != nil {
		cp.CompletedAt = *completedAt
	}
	if detail != nil {
		cp.Detail = *detail
	}
	return &cp, nil
}

// SaveCheckpoint upserts a checkpoint keyed by (stage, fingerprint).
func (r *Repository) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	var completed *time.Time
	if !cp.CompletedAt.IsZero() {
		t := cp.CompletedAt.UTC()
		completed = &t
	}
	q := `INSERT INTO checkpoints (stage, fingerprint, status, started_at, completed_at, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (stage, fingerprint) DO UPDATE SET
			status       = EXCLUDED.status,
			started_at   = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			detail       = EXCLUDED.detail`
	_, err := r.pool.Exec(ctx, q, cp.Stage, cp.Fingerprint, cp.Status, cp.StartedAt.UTC(), completed, cp.Detail)
	if err != nil {
		return fmt.Errorf("postgres: save checkpoint %s: %w", cp.Stage, err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// fromDB normalizes pgx-returned values onto the batch representation.
func fromDB(k schema.Kind, v any) any {
	if v == nil {
		return nil
	}
	switch k {
	case schema.Int64:
		switch n := v.(type) {
		case int64:
			return n
		case int32:
			return int64(n)
		case int16:
			return int64(n)
		}
	case schema.Float64:
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		}
	case schema.Timestamp:
		if t, ok := v.(time.Time); ok {
			return t
		}
	}
	return v
}
