package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/ca-x/hostsync/internal/common"
)

// LocalTarget writes to a filesystem mounted on the controlling host.
type LocalTarget struct {
	fs afero.Fs
}

// NewLocalTarget returns a target over fs. A non-empty root confines every
// path below it.
func NewLocalTarget(fs afero.Fs, root string) *LocalTarget {
	if root != "" {
		fs = afero.NewBasePathFs(fs, root)
	}
	return &LocalTarget{fs: fs}
}

func (t *LocalTarget) Type() string {
	return "local"
}

func (t *LocalTarget) Stat(ctx context.Context, path string) (int64, error) {
	info, err := t.fs.Stat(path)
	if err != nil {
		return 0, common.Classify(err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", common.ErrInvalidArgument, path)
	}
	return info.Size(), nil
}

func (t *LocalTarget) Probe(ctx context.Context, path string) error {
	dir := filepath.Dir(path)
	if err := t.fs.MkdirAll(dir, 0755); err != nil {
		return common.Classify(err)
	}

	if info, err := t.fs.Stat(path); err == nil {
		if info.IsDir() {
			return fmt.Errorf("%w: %s is a directory", common.ErrInvalidArgument, path)
		}
		f, err := t.fs.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return common.Classify(err)
		}
		return f.Close()
	}

	probe := filepath.Join(dir, ".hostsync-probe-"+uuid.NewString())
	f, err := t.fs.OpenFile(probe, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return common.Classify(err)
	}
	f.Close()
	return t.fs.Remove(probe)
}

func (t *LocalTarget) OpenWriter(ctx context.Context, path string, offset int64) (ChunkWriter, error) {
	if err := t.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, common.Classify(err)
	}

	f, err := t.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, common.Classify(err)
	}

	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, common.Classify(err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, common.Classify(err)
	}

	return &fileWriter{file: f}, nil
}

func (t *LocalTarget) OpenReader(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := t.fs.Open(path)
	if err != nil {
		return nil, common.Classify(err)
	}
	return f, nil
}

func (t *LocalTarget) Close() error {
	return nil
}

// fileWriter appends to an open afero file, syncing after every chunk.
type fileWriter struct {
	file   afero.File
	closed bool
}

func (w *fileWriter) WriteChunk(ctx context.Context, p []byte) error {
	if _, err := w.file.Write(p); err != nil {
		return common.Classify(err)
	}
	if err := w.file.Sync(); err != nil {
		return common.Classify(err)
	}
	return nil
}

func (w *fileWriter) Commit(ctx context.Context) error {
	return common.Classify(w.file.Sync())
}

func (w *fileWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
