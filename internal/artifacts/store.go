package artifacts

import (
	"context"
	"io"
)

// Store is a minimal blob-storage contract for persisting screenshots and
// written files outside the SQLite database. LocalStore implements it; no
// other package in this module imports it.
type Store interface {
	Put(ctx context.Context, artifactID string, data io.Reader, opts PutOptions) (string, error)
	Get(ctx context.Context, artifactID string) (io.ReadCloser, error)
	Delete(ctx context.Context, artifactID string) error
	Exists(ctx context.Context, artifactID string) (bool, error)
	Close() error
}

// PutOptions carries the metadata needed to bucket and type an artifact.
type PutOptions struct {
	MimeType string
	// Metadata carries bucketing hints: "type" (screenshot, file) and
	// "run_id" (which run's directory to file this artifact under).
	Metadata map[string]string
}
