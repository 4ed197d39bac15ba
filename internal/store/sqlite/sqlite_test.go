package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"featureetl/internal/schema"
	"featureetl/internal/store"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "features.db")
	r, err := NewRepository(context.Background(), store.Config{
		Kind: "sqlite", DSN: dsn,
		StagingTable: "staging", AnalyticsTable: "features",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func testSchemas() (staging, analytics schema.Schema) {
	staging = schema.Schema{Columns: []schema.Column{
		{Name: "user_id", Kind: schema.String},
		{Name: "amount", Kind: schema.Float64, Nullable: true},
		{Name: "active", Kind: schema.Bool, Nullable: true},
		{Name: "event_time", Kind: schema.Timestamp},
	}}
	analytics, _ = staging.Extend(schema.Column{Name: "amount_ratio", Kind: schema.Float64, Nullable: true})
	return staging, analytics
}

func TestNewRepositoryEmptyDSN(t *testing.T) {
	_, err := NewRepository(context.Background(), store.Config{Kind: "sqlite", DSN: "  "})
	if err == nil {
		t.Fatal("want error for empty DSN")
	}
}

/*
TestStagingRoundTrip appends two chunks and reads the staging relation back,
checking insertion order and that bool and timestamp values survive the text
encoding.
*/
func TestStagingRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)
	staging, analytics := testSchemas()
	if err := r.EnsureTables(ctx, staging, analytics); err != nil {
		t.Fatalf("ensure tables: %v", err)
	}

	ts := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	n, err := r.AppendStaging(ctx, staging, [][]any{
		{"u1", 10.5, true, ts},
		{"u2", nil, nil, ts.Add(time.Hour)},
	})
	if err != nil || n != 2 {
		t.Fatalf("append chunk 1: n=%d err=%v", n, err)
	}
	n, err = r.AppendStaging(ctx, staging, [][]any{
		{"u3", 3.0, false, ts.Add(2 * time.Hour)},
	})
	if err != nil || n != 1 {
		t.Fatalf("append chunk 2: n=%d err=%v", n, err)
	}

	b, err := r.LoadStaging(ctx, staging)
	if err != nil {
		t.Fatalf("load staging: %v", err)
	}
	if b.Len() != 3 {
		t.Fatalf("rows = %d, want 3", b.Len())
	}
	for i, want := range []string{"u1", "u2", "u3"} {
		if got := b.Value(i, "user_id"); got != want {
			t.Errorf("user_id[%d] = %v, want %s", i, got, want)
		}
	}
	if got := b.Value(0, "active"); got != true {
		t.Errorf("active[0] = %v (%T), want true", got, got)
	}
	if got := b.Value(1, "active"); got != nil {
		t.Errorf("active[1] = %v, want nil", got)
	}
	got, ok := b.Value(0, "event_time").(time.Time)
	if !ok || !got.Equal(ts) {
		t.Errorf("event_time[0] = %v, want %v", b.Value(0, "event_time"), ts)
	}
}

func TestResetStaging(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)
	staging, analytics := testSchemas()
	if err := r.EnsureTables(ctx, staging, analytics); err != nil {
		t.Fatalf("ensure tables: %v", err)
	}
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := r.AppendStaging(ctx, staging, [][]any{{"u1", 1.0, true, ts}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := r.ResetStaging(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	b, err := r.LoadStaging(ctx, staging)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("rows after reset = %d, want 0", b.Len())
	}
}

/*
TestReplacePartitionRows materializes a partition twice and checks the second
write replaces instead of appending.
*/
func TestReplacePartitionRows(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)
	staging, analytics := testSchemas()
	if err := r.EnsureTables(ctx, staging, analytics); err != nil {
		t.Fatalf("ensure tables: %v", err)
	}

	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	const key = "event_time=2026-03-01"
	rows := [][]any{
		{"u1", 1.0, true, ts, 0.5},
		{"u2", 2.0, false, ts, 0.25},
	}
	if err := r.ReplacePartitionRows(ctx, analytics, key, rows); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := r.ReplacePartitionRows(ctx, analytics, key, rows[:1]); err != nil {
		t.Fatalf("replace again: %v", err)
	}

	var count int
	q := "SELECT COUNT(*) FROM features WHERE partition_key = ?"
	if err := r.db.QueryRowContext(ctx, q, key).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("rows for key = %d, want 1 (replace, not append)", count)
	}
}

func TestPartitionManifest(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)
	staging, analytics := testSchemas()
	if err := r.EnsureTables(ctx, staging, analytics); err != nil {
		t.Fatalf("ensure tables: %v", err)
	}

	got, err := r.Partition(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("missing partition = %v, %v; want nil, nil", got, err)
	}

	e := store.PartitionEntry{
		Key:         "event_time=2026-03-01/region=eu",
		Fingerprint: "abc123",
		Path:        "/out/event_time=2026-03-01/region=eu/features.parquet",
		Rows:        42,
		WrittenAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := r.SavePartition(ctx, e); err != nil {
		t.Fatalf("save: %v", err)
	}
	e.Fingerprint = "def456"
	if err := r.SavePartition(ctx, e); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err = r.Partition(ctx, e.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Fingerprint != "def456" || got.Rows != 42 || !got.WrittenAt.Equal(e.WrittenAt) {
		t.Errorf("entry = %+v", got)
	}

	all, err := r.Partitions(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("partitions = %v, %v", all, err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)
	staging, analytics := testSchemas()
	if err := r.EnsureTables(ctx, staging, analytics); err != nil {
		t.Fatalf("ensure tables: %v", err)
	}

	got, err := r.Checkpoint(ctx, "stage", "fp1")
	if err != nil || got != nil {
		t.Fatalf("missing checkpoint = %v, %v; want nil, nil", got, err)
	}

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cp := store.Checkpoint{Stage: "stage", Fingerprint: "fp1", Status: store.StatusRunning, StartedAt: start}
	if err := r.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save running: %v", err)
	}

	got, err = r.Checkpoint(ctx, "stage", "fp1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusRunning || !got.CompletedAt.IsZero() {
		t.Errorf("running checkpoint = %+v", got)
	}

	cp.Status = store.StatusFailed
	cp.CompletedAt = start.Add(time.Minute)
	cp.Detail = "synthetic failure"
	if err := r.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err = r.Checkpoint(ctx, "stage", "fp1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusFailed || got.Detail != "synthetic failure" || !got.CompletedAt.Equal(cp.CompletedAt) {
		t.Errorf("failed checkpoint = %+v", got)
	}

	// A different fingerprint is a different checkpoint.
	if got, _ := r.Checkpoint(ctx, "stage", "fp2"); got != nil {
		t.Errorf("fp2 checkpoint = %+v, want nil", got)
	}
}

func TestFromDBConversions(t *testing.T) {
	tests := []struct {
		name    string
		kind    schema.Kind
		in      any
		want    any
		wantErr bool
	}{
		{name: "null", kind: schema.Int64, in: nil, want: nil},
		{name: "int", kind: schema.Int64, in: int64(7), want: int64(7)},
		{name: "float widened from int", kind: schema.Float64, in: int64(7), want: 7.0},
		{name: "string from bytes", kind: schema.String, in: []byte("x"), want: "x"},
		{name: "bool from int", kind: schema.Bool, in: int64(1), want: true},
		{name: "bad timestamp", kind: schema.Timestamp, in: "yesterday", wantErr: true},
		{name: "kind mismatch", kind: schema.Int64, in: "7", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fromDB(tt.kind, tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("fromDB = %v (%T), want %v", got, got, tt.want)
			}
		})
	}
}

func TestFactoryRegistered(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "factory.db")
	r, err := store.New(context.Background(), store.Config{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer r.Close()
}
