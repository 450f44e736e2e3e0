package storage

import (
	"context"
	"io"
)

// Provider is an object store reached through whole-object uploads. Size
// returns common.ErrNotFound when the object does not exist.
type Provider interface {
	Name() string
	Type() string
	Upload(ctx context.Context, path string, reader io.Reader, size int64) error
	Download(ctx context.Context, path string) (io.ReadCloser, error)
	Size(ctx context.Context, path string) (int64, error)
}

type Config interface {
	Validate() error
}

// Target is the byte-stream capability a sync job needs against one host.
type Target interface {
	Type() string
	// Stat returns the size of path, or common.ErrNotFound.
	Stat(ctx context.Context, path string) (int64, error)
	// Probe checks that path could be written without modifying it.
	Probe(ctx context.Context, path string) error
	// OpenWriter opens path for sequential writes starting at offset. The
	// destination is cut to exactly offset bytes first.
	OpenWriter(ctx context.Context, path string, offset int64) (ChunkWriter, error)
	OpenReader(ctx context.Context, path string) (io.ReadCloser, error)
	Close() error
}

// ChunkWriter appends chunks to a destination. WriteChunk returns only once
// the chunk is durable on the target.
type ChunkWriter interface {
	WriteChunk(ctx context.Context, p []byte) error
	// Commit publishes the written bytes. Targets that write in place treat
	// it as a final flush.
	Commit(ctx context.Context) error
	Close() error
}

// RemoteDigester is implemented by targets that can hash a file without
// streaming it back. The result is the lowercase hex digest of the first
// length bytes of path.
type RemoteDigester interface {
	Digest(ctx context.Context, path, algorithm string, length int64) (string, error)
}
