// Package checksum computes and compares content digests for incremental
// sync decisions and history records.
package checksum

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/ca-x/hostsync/internal/common"
	"github.com/ca-x/hostsync/internal/storage"
)

type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	MD5    Algorithm = "md5"
)

func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(s)) {
	case SHA256, "":
		return SHA256, nil
	case MD5:
		return MD5, nil
	}
	return "", fmt.Errorf("%w: unsupported checksum algorithm %q", common.ErrInvalidArgument, s)
}

func (a Algorithm) New() hash.Hash {
	if a == MD5 {
		return md5.New()
	}
	return sha256.New()
}

// Checksum is a digest rendered as "algorithm:hex".
type Checksum string

func New(a Algorithm, sum []byte) Checksum {
	return Checksum(string(a) + ":" + hex.EncodeToString(sum))
}

func (c Checksum) Algorithm() Algorithm {
	algo, _, _ := strings.Cut(string(c), ":")
	return Algorithm(algo)
}

func (c Checksum) String() string {
	return string(c)
}

// Equal reports whether a and b are the same non-empty digest computed with
// the same algorithm.
func Equal(a, b Checksum) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(string(a), string(b))
}

// Range selects Length bytes starting at Offset. A negative Length reads to
// the end of the file.
type Range struct {
	Offset int64
	Length int64
}

var Whole = Range{Offset: 0, Length: -1}

func Prefix(n int64) Range {
	return Range{Offset: 0, Length: n}
}

// Sum hashes r up to n bytes (all of it when n is negative).
func Sum(algo Algorithm, r io.Reader, n int64) (Checksum, error) {
	h := algo.New()
	var err error
	if n >= 0 {
		var copied int64
		copied, err = io.CopyN(h, r, n)
		if err == io.EOF {
			err = fmt.Errorf("%w: short read: got %d of %d bytes", common.ErrIO, copied, n)
		}
	} else {
		_, err = io.Copy(h, r)
	}
	if err != nil {
		return "", common.Classify(err)
	}
	return New(algo, h.Sum(nil)), nil
}

type cacheKey struct {
	path    string
	size    int64
	modTime time.Time
}

// Index digests files on the controlling host. Whole-file digests are
// cached by path, size and modification time.
type Index struct {
	fs   afero.Fs
	algo Algorithm

	mu    sync.Mutex
	cache map[cacheKey]Checksum
}

func NewIndex(fs afero.Fs, algo Algorithm) *Index {
	return &Index{
		fs:    fs,
		algo:  algo,
		cache: make(map[cacheKey]Checksum),
	}
}

func (x *Index) Algorithm() Algorithm {
	return x.algo
}

// Digest hashes rng of path.
func (x *Index) Digest(ctx context.Context, path string, rng Range) (Checksum, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	info, err := x.fs.Stat(path)
	if err != nil {
		return "", common.Classify(err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", common.ErrInvalidArgument, path)
	}

	whole := rng.Offset == 0 && (rng.Length < 0 || rng.Length == info.Size())
	key := cacheKey{path: path, size: info.Size(), modTime: info.ModTime()}
	if whole {
		x.mu.Lock()
		sum, ok := x.cache[key]
		x.mu.Unlock()
		if ok {
			return sum, nil
		}
	}

	f, err := x.fs.Open(path)
	if err != nil {
		return "", common.Classify(err)
	}
	defer f.Close()

	if rng.Offset > 0 {
		if _, err := f.Seek(rng.Offset, io.SeekStart); err != nil {
			return "", common.Classify(err)
		}
	}

	sum, err := Sum(x.algo, f, rng.Length)
	if err != nil {
		return "", fmt.Errorf("failed to digest %s: %w", path, err)
	}

	if whole {
		x.mu.Lock()
		x.cache[key] = sum
		x.mu.Unlock()
	}
	return sum, nil
}

func (x *Index) DigestFile(ctx context.Context, path string) (Checksum, error) {
	return x.Digest(ctx, path, Whole)
}

// DigestTarget hashes the first length bytes of path on a target. Targets
// that can hash remotely are asked to; others stream the bytes back.
func (x *Index) DigestTarget(ctx context.Context, target storage.Target, path string, length int64) (Checksum, error) {
	if d, ok := target.(storage.RemoteDigester); ok {
		sum, err := d.Digest(ctx, path, string(x.algo), length)
		if err != nil {
			return "", err
		}
		return Checksum(string(x.algo) + ":" + sum), nil
	}

	rc, err := target.OpenReader(ctx, path)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	sum, err := Sum(x.algo, rc, length)
	if err != nil {
		return "", fmt.Errorf("failed to digest remote %s: %w", path, err)
	}
	return sum, nil
}
