package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies a finalized market's ledger to cold storage.
type Archiver interface {
	// ArchiveMarket writes the history and returns the object path. It is a
	// no-op returning the existing path when the archive is already present.
	ArchiveMarket(ctx context.Context, marketID string, history []ResolutionEvent) (string, error)
}
