// Package sqlite implements the analytics store on an embedded SQLite
// database using database/sql and the modernc.org driver (no cgo).
//
// SQLite has no dedicated bulk-load API like Postgres COPY, so chunk appends
// run as prepared INSERTs inside a single transaction, which keeps
// performance acceptable for batch volumes. Timestamps are stored as RFC 3339
// text and booleans as 0/1 integers; both are converted back to Go values on
// read according to the declared schema.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"featureetl/internal/batch"
	"featureetl/internal/schema"
	"featureetl/internal/store"
)

func init() {
	store.Register("sqlite", func(ctx context.Context, cfg store.Config) (store.Repository, error) {
		return NewRepository(ctx, cfg)
	})
}

// Repository is a SQLite-backed implementation of store.Repository.
type Repository struct {
	db  *sql.DB
	cfg store.Config
}

// NewRepository opens a SQLite connection using the provided DSN.
//
// DSN is passed directly to database/sql; for example:
//
//	"file:features.db?cache=shared"
//	"features.db"
func NewRepository(ctx context.Context, cfg store.Config) (*Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	// Readers (external query tools) must never block on the writing run.
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL;")
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;")

	return &Repository{db: db, cfg: cfg}, nil
}

// columnType maps a schema kind onto a SQLite column type.
func columnType(k schema.Kind) string {
	switch k {
	case schema.Int64, schema.Bool:
		return "INTEGER"
	case schema.Float64:
		return "REAL"
	default: // string, timestamp
		return "TEXT"
	}
}

func createTableSQL(table string, s schema.Schema, extra string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", table)
	for i, c := range s.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s", c.Name, columnType(c.Kind))
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

// EnsureTables creates the staging and analytics relations from the given
// schemas, plus the partition manifest and checkpoint tables.
func (r *Repository) EnsureTables(ctx context.Context, staging, analytics schema.Schema) error {
	stmts := []string{
		createTableSQL(r.cfg.StagingTable, staging, ""),
		createTableSQL(r.cfg.AnalyticsTable, analytics, "partition_key TEXT NOT NULL"),
		`CREATE TABLE IF NOT EXISTS partition_manifest (
			partition_key TEXT PRIMARY KEY,
			fingerprint   TEXT NOT NULL,
			path          TEXT NOT NULL,
			row_count     INTEGER NOT NULL,
			written_at    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			stage        TEXT NOT NULL,
			fingerprint  TEXT NOT NULL,
			status       TEXT NOT NULL,
			started_at   TEXT NOT NULL,
			completed_at TEXT,
			detail       TEXT,
			PRIMARY KEY (stage, fingerprint)
		)`,
	}
	for _, q := range stmts {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: ensure tables: %w", err)
		}
	}
	return nil
}

// ResetStaging clears the staging relation ahead of a fresh load.
func (r *Repository) ResetStaging(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM "+r.cfg.StagingTable); err != nil {
		return fmt.Errorf("sqlite: reset staging: %w", err)
	}
	return nil
}

// AppendStaging inserts the given rows into the staging relation using a
// single transaction and a prepared INSERT statement.
func (r *Repository) AppendStaging(ctx context.Context, s schema.Schema, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	cols := s.Names()
	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	stmtSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		r.cfg.StagingTable, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
	)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	args := make([]any, 0, len(cols))
	for _, row := range rows {
		if len(row) != len(cols) {
			_ = tx.Rollback()
			return inserted, fmt.Errorf("sqlite: row length %d != columns length %d", len(row), len(cols))
		}
		args = args[:0]
		for i, v := range row {
			args = append(args, toDB(s.Columns[i].Kind, v))
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return inserted, fmt.Errorf("sqlite: insert: %w", err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return inserted, fmt.Errorf("sqlite: commit: %w", err)
	}
	return inserted, nil
}

// LoadStaging reads the staging relation back in insertion order.
func (r *Repository) LoadStaging(ctx context.Context, s schema.Schema) (batch.Batch, error) {
	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid", strings.Join(s.Names(), ", "), r.cfg.StagingTable)
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return batch.Batch{}, fmt.Errorf("sqlite: load staging: %w", err)
	}
	defer rows.Close()

	out := batch.Batch{Schema: s}
	for rows.Next() {
		raw := make([]any, len(s.Columns))
		ptrs := make([]any, len(s.Columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return batch.Batch{}, fmt.Errorf("sqlite: scan staging: %w", err)
		}
		row := make([]any, len(s.Columns))
		for i, c := range s.Columns {
			v, err := fromDB(c.Kind, raw[i])
			if err != nil {
				return batch.Batch{}, fmt.Errorf("sqlite: column %s: %w", c.Name, err)
			}
			row[i] = v
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return batch.Batch{}, fmt.Errorf("sqlite: load staging: %w", err)
	}
	return out, nil
}

// ReplacePartitionRows swaps the analytics relation's rows for one partition
// key inside a transaction. Existing rows for the key are deleted first so
// re-materialization can never duplicate rows.
func (r *Repository) ReplacePartitionRows(ctx context.Context, s schema.Schema, key string, rows [][]any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	del := fmt.Sprintf("DELETE FROM %s WHERE partition_key = ?", r.cfg.AnalyticsTable)
	if _, err := tx.ExecContext(ctx, del, key); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlite: delete partition %s: %w", key, err)
	}

	cols := append(s.Names(), "partition_key")
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	ins := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", r.cfg.AnalyticsTable, strings.Join(cols, ", "), placeholders)
	stmt, err := tx.PrepareContext(ctx, ins)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, 0, len(cols))
	for _, row := range rows {
		args = args[:0]
		for i, v := range row {
			args = append(args, toDB(s.Columns[i].Kind, v))
		}
		args = append(args, key)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: insert partition %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Partition returns the manifest entry for key, or nil when absent.
func (r *Repository) Partition(ctx context.Context, key string) (*store.PartitionEntry, error) {
	q := "SELECT partition_key, fingerprint, path, row_count, written_at FROM partition_manifest WHERE partition_key = ?"
	var e store.PartitionEntry
	var writtenAt string
	err := r.db.QueryRowContext(ctx, q, key).Scan(&e.Key, &e.Fingerprint, &e.Path, &e.Rows, &writtenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: partition %s: %w", key, err)
	}
	e.WrittenAt, _ = time.Parse(time.RFC3339Nano, writtenAt)
	return &e, nil
}

// SavePartition upserts a manifest entry.
func (r *Repository) SavePartition(ctx context.Context, e store.PartitionEntry) error {
	q := `INSERT INTO partition_manifest (partition_key, fingerprint, path, row_count, written_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (partition_key) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			path        = excluded.path,
			row_count   = excluded.row_count,
			written_at  = excluded.written_at`
	if _, err := r.db.ExecContext(ctx, q, e.Key, e.Fingerprint, e.Path, e.Rows, e.WrittenAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("sqlite: save partition %s: %w", e.Key, err)
	}
	return nil
}

// Partitions lists the manifest ordered by partition key.
func (r *Repository) Partitions(ctx context.Context) ([]store.PartitionEntry, error) {
	q := "SELECT partition_key, fingerprint, path, row_count, written_at FROM partition_manifest ORDER BY partition_key"
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite: partitions: %w", err)
	}
	defer rows.Close()

	var out []store.PartitionEntry
	for rows.Next() {
		var e store.PartitionEntry
		var writtenAt string
		if err := rows.Scan(&e.Key, &e.Fingerprint, &e.Path, &e.Rows, &writtenAt); err != nil {
			return nil, fmt.Errorf("sqlite: partitions scan: %w", err)
		}
		e.WrittenAt, _ = time.Parse(time.RFC3339Nano, writtenAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Checkpoint returns the checkpoint for (stage, fingerprint), or nil.
func (r *Repository) Checkpoint(ctx context.Context, stage, fingerprint string) (*store.Checkpoint, error) {
	q := "SELECT stage, fingerprint, status, started_at, completed_at, detail FROM checkpoints WHERE stage = ? AND fingerprint = ?"
	var cp store.Checkpoint
	var startedAt string
	var completedAt, detail sql.NullString
	err := r.db.QueryRowContext(ctx, q, stage, fingerprint).Scan(
		&cp.Stage, &cp.Fingerprint, &cp.Status, &startedAt, &completedAt, &detail,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: checkpoint %s: %w", stage, err)
	}
	cp.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if completedAt.Valid && completedAt.String != "" {
		cp.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt.String)
	}
	cp.Detail = detail.String
	return &cp, nil
}

// SaveCheckpoint upserts a checkpoint keyed by (stage, fingerprint).
func (r *Repository) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	completed := ""
	if !cp.CompletedAt.IsZero() {
		completed = cp.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	q := `INSERT INTO checkpoints (stage, fingerprint, status, started_at, completed_at, detail)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (stage, fingerprint) DO UPDATE SET
			status       = excluded.status,
			started_at   = excluded.started_at,
			completed_at = excluded.completed_at,
			detail       = excluded.detail`
	_, err := r.db.ExecContext(ctx, q,
		cp.Stage, cp.Fingerprint, cp.Status,
		cp.StartedAt.UTC().Format(time.RFC3339Nano), completed, cp.Detail,
	)
	if err != nil {
		return fmt.Errorf("sqlite: save checkpoint %s: %w", cp.Stage, err)
	}
	return nil
}

// Close closes the underlying database handle.
func (r *Repository) Close() error { return r.db.Close() }

// toDB converts a batch value to its SQLite representation.
func toDB(k schema.Kind, v any) any {
	if v == nil {
		return nil
	}
	switch k {
	case schema.Bool:
		if b, ok := v.(bool); ok {
			if b {
				return int64(1)
			}
			return int64(0)
		}
	case schema.Timestamp:
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(time.RFC3339Nano)
		}
	}
	return v
}

// fromDB converts a scanned SQLite value back to the batch representation
// declared by the schema kind.
func fromDB(k schema.Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch k {
	case schema.Int64:
		if n, ok := v.(int64); ok {
			return n, nil
		}
	case schema.Float64:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		}
	case schema.String:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
	case schema.Bool:
		if n, ok := v.(int64); ok {
			return n != 0, nil
		}
	case schema.Timestamp:
		s, ok := v.(string)
		if !ok {
			if b, bok := v.([]byte); bok {
				s, ok = string(b), true
			}
		}
		if ok {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("parse timestamp %q: %w", s, err)
			}
			return t, nil
		}
	}
	return nil, fmt.Errorf("unexpected db value %T for kind %s", v, k)
}
