// Package datasource defines the minimal contract for raw-row sources.
//
// Connection details (paths, buckets, credentials) belong to the concrete
// implementations; the pipeline core only opens, reads, and closes.
package datasource

import (
	"context"
	"io"
)

// Source is an addressable location yielding the raw dataset bytes.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}
