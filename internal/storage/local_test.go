package storage

import (
	"context"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ca-x/hostsync/internal/common"
)

func TestLocalTarget_OpenWriterTruncatesToOffset(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/dst/file.bin", []byte("0123456789garbage"), 0644))

	target := NewLocalTarget(fs, "")
	ctx := context.Background()

	w, err := target.OpenWriter(ctx, "/dst/file.bin", 4)
	require.NoError(t, err)
	require.NoError(t, w.WriteChunk(ctx, []byte("ABCD")))
	require.NoError(t, w.Commit(ctx))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "Close must be idempotent")

	data, err := afero.ReadFile(fs, "/dst/file.bin")
	require.NoError(t, err)
	assert.Equal(t, "0123ABCD", string(data))
}

func TestLocalTarget_OpenWriterCreatesParents(t *testing.T) {
	fs := afero.NewMemMapFs()
	target := NewLocalTarget(fs, "")
	ctx := context.Background()

	w, err := target.OpenWriter(ctx, "/a/b/c/new.txt", 0)
	require.NoError(t, err)
	require.NoError(t, w.WriteChunk(ctx, []byte("hi")))
	require.NoError(t, w.Close())

	size, err := target.Stat(ctx, "/a/b/c/new.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
}

func TestLocalTarget_Stat(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dir", 0755))
	target := NewLocalTarget(fs, "")
	ctx := context.Background()

	_, err := target.Stat(ctx, "/nope")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = target.Stat(ctx, "/dir")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestLocalTarget_ProbeLeavesDestinationUntouched(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/dst/existing.txt", []byte("keep me"), 0644))
	target := NewLocalTarget(fs, "")
	ctx := context.Background()

	require.NoError(t, target.Probe(ctx, "/dst/existing.txt"))
	require.NoError(t, target.Probe(ctx, "/dst/new.txt"))

	data, err := afero.ReadFile(fs, "/dst/existing.txt")
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))

	exists, err := afero.Exists(fs, "/dst/new.txt")
	require.NoError(t, err)
	assert.False(t, exists, "Probe must not create the destination")

	entries, err := afero.ReadDir(fs, "/dst")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "Probe must not leave files behind")
}

func TestLocalTarget_ReadOnlyIsPermissionDenied(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(base, "/ro/file.txt", []byte("x"), 0644))
	target := NewLocalTarget(afero.NewReadOnlyFs(base), "")
	ctx := context.Background()

	assert.ErrorIs(t, target.Probe(ctx, "/ro/file.txt"), common.ErrPermissionDenied)
	assert.ErrorIs(t, target.Probe(ctx, "/elsewhere/new.txt"), common.ErrPermissionDenied)

	_, err := target.OpenWriter(ctx, "/ro/file.txt", 0)
	assert.ErrorIs(t, err, common.ErrPermissionDenied)
}

func TestLocalTarget_RootConfinesPaths(t *testing.T) {
	fs := afero.NewMemMapFs()
	target := NewLocalTarget(fs, "/srv/data")
	ctx := context.Background()

	w, err := target.OpenWriter(ctx, "/nested/out.txt", 0)
	require.NoError(t, err)
	require.NoError(t, w.WriteChunk(ctx, []byte("jailed")))
	require.NoError(t, w.Close())

	data, err := afero.ReadFile(fs, "/srv/data/nested/out.txt")
	require.NoError(t, err)
	assert.Equal(t, "jailed", string(data))

	rc, err := target.OpenReader(ctx, "/nested/out.txt")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "jailed", string(got))
}
