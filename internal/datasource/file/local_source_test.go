package file

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// TestLocalOpen_ReadsFile verifies the happy path: an existing file opens and
// its contents are readable through the returned ReadCloser.
func TestLocalOpen_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "in.csv")
	if err := os.WriteFile(p, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rc, err := NewLocal(p).Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "a,b\n1,2\n" {
		t.Fatalf("contents=%q", got)
	}
}

// TestLocalOpen_MissingFile verifies the error wraps os.ErrNotExist so callers
// can use errors.Is.
func TestLocalOpen_MissingFile(t *testing.T) {
	_, err := NewLocal(filepath.Join(t.TempDir(), "nope.csv")).Open(context.Background())
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err=%v; want wrapped os.ErrNotExist", err)
	}
}

// TestLocalOpen_CanceledContext verifies Open honors an already-canceled
// context without touching the filesystem.
func TestLocalOpen_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLocal("irrelevant").Open(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v; want context.Canceled", err)
	}
}
