// Package file provides the local-filesystem source for raw pipeline input.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Local yields the raw CSV bytes of a single file on local disk. It holds
// only the path, so one value can serve any number of Open calls; each call
// returns an independent handle the staging loader closes when done.
type Local struct{ path string }

// NewLocal binds a source to path. The path is not checked here; a missing
// file surfaces from Open, where the run coordinator can retry it.
func NewLocal(path string) *Local { return &Local{path: path} }

// Open returns a reader over the file. A context already cancelled or past
// its deadline short-circuits before touching the filesystem. Open errors
// wrap the path and keep errors.Is(err, os.ErrNotExist) working for callers.
func (l *Local) Open(ctx context.Context) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", l.path, err)
	}
	return f, nil
}
