package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/ca-x/hostsync/internal/common"
)

// SpoolSuffix marks partial uploads kept in the spool directory.
const SpoolSuffix = ".part"

// StagedTarget adapts an object store Provider to the chunked Target
// contract. Chunks land in a local spool file; Commit uploads it whole.
type StagedTarget struct {
	provider Provider
	spool    afero.Fs
	spoolDir string
}

func NewStagedTarget(provider Provider, spool afero.Fs, spoolDir string) *StagedTarget {
	return &StagedTarget{provider: provider, spool: spool, spoolDir: spoolDir}
}

func (t *StagedTarget) Type() string {
	return t.provider.Type()
}

func (t *StagedTarget) Stat(ctx context.Context, path string) (int64, error) {
	return t.provider.Size(ctx, path)
}

func (t *StagedTarget) Probe(ctx context.Context, path string) error {
	if err := t.spool.MkdirAll(t.spoolDir, 0755); err != nil {
		return common.Classify(err)
	}
	if _, err := t.provider.Size(ctx, path); err != nil && !common.IsNotFound(err) {
		return err
	}
	return nil
}

// SpoolPath returns the spool file used for path. Paused jobs keep it so a
// resume does not have to download the prefix again.
func (t *StagedTarget) SpoolPath(path string) string {
	sum := sha256.Sum256([]byte(t.provider.Type() + "\x00" + t.provider.Name() + "\x00" + path))
	return filepath.Join(t.spoolDir, hex.EncodeToString(sum[:16])+SpoolSuffix)
}

func (t *StagedTarget) OpenWriter(ctx context.Context, path string, offset int64) (ChunkWriter, error) {
	if err := t.spool.MkdirAll(t.spoolDir, 0755); err != nil {
		return nil, common.Classify(err)
	}

	name := t.SpoolPath(path)
	f, err := t.spool.OpenFile(name, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, common.Classify(err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, common.Classify(err)
	}

	if info.Size() < offset {
		if err := t.seed(ctx, f, path, offset); err != nil {
			f.Close()
			return nil, err
		}
	}

	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, common.Classify(err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, common.Classify(err)
	}

	return &stagedWriter{fileWriter: fileWriter{file: f}, target: t, path: path, spoolName: name}, nil
}

// seed fills the spool with the first offset bytes of the existing object.
func (t *StagedTarget) seed(ctx context.Context, f afero.File, path string, offset int64) error {
	rc, err := t.provider.Download(ctx, path)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := f.Truncate(0); err != nil {
		return common.Classify(err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return common.Classify(err)
	}

	n, err := io.CopyN(f, rc, offset)
	if err != nil && err != io.EOF {
		return common.Classify(err)
	}
	if n < offset {
		return fmt.Errorf("%w: remote object holds %d bytes, need %d to resume", common.ErrIO, n, offset)
	}
	return nil
}

func (t *StagedTarget) OpenReader(ctx context.Context, path string) (io.ReadCloser, error) {
	return t.provider.Download(ctx, path)
}

func (t *StagedTarget) Close() error {
	return nil
}

type stagedWriter struct {
	fileWriter
	target    *StagedTarget
	path      string
	spoolName string
}

func (w *stagedWriter) Commit(ctx context.Context) error {
	if err := w.file.Sync(); err != nil {
		return common.Classify(err)
	}

	size, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return common.Classify(err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return common.Classify(err)
	}

	if err := w.target.provider.Upload(ctx, w.path, w.file, size); err != nil {
		return err
	}

	w.Close()
	if err := w.target.spool.Remove(w.spoolName); err != nil && !os.IsNotExist(err) {
		return common.Classify(err)
	}
	return nil
}
