// Package transfer moves a file from the controlling host to a target in
// bounded, individually flushed chunks.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/ca-x/hostsync/internal/common"
	"github.com/ca-x/hostsync/internal/storage"
)

const DefaultChunkSize = 1 << 20

type Options struct {
	ChunkSize int
	// RateLimit caps throughput in bytes per second. Zero disables it.
	RateLimit int
	Clock     clockwork.Clock
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// SourceInfo describes the source file at validation time.
type SourceInfo struct {
	Size    int64
	ModTime time.Time
}

// Validate checks that sourcePath is a readable file and that targetPath can
// be written, without modifying either.
func Validate(ctx context.Context, src afero.Fs, target storage.Target, sourcePath, targetPath string) (SourceInfo, error) {
	info, err := statSource(src, sourcePath)
	if err != nil {
		return SourceInfo{}, err
	}

	f, err := src.Open(sourcePath)
	if err != nil {
		return SourceInfo{}, common.Classify(err)
	}
	f.Close()

	if err := target.Probe(ctx, targetPath); err != nil {
		return SourceInfo{}, fmt.Errorf("destination %s: %w", targetPath, err)
	}
	return info, nil
}

func statSource(src afero.Fs, path string) (SourceInfo, error) {
	info, err := src.Stat(path)
	if err != nil {
		return SourceInfo{}, fmt.Errorf("source %s: %w", path, common.Classify(err))
	}
	if info.IsDir() {
		return SourceInfo{}, fmt.Errorf("%w: source %s is a directory", common.ErrInvalidArgument, path)
	}
	return SourceInfo{Size: info.Size(), ModTime: info.ModTime()}, nil
}

type StepResult struct {
	BytesMoved int
	Done       bool
}

// Stream is one open source/destination pair positioned at a resume offset.
// It is not safe for concurrent use.
type Stream struct {
	source afero.File
	dest   storage.ChunkWriter

	info        SourceInfo
	startOffset int64
	synced      int64

	buf     []byte
	speed   ewma.MovingAverage
	limiter *rate.Limiter
	clock   clockwork.Clock
	closed  bool
}

// Open positions the source at offset and opens the destination cut to
// exactly offset bytes.
func Open(ctx context.Context, src afero.Fs, target storage.Target, sourcePath, targetPath string, offset int64, opts Options) (*Stream, error) {
	opts = opts.withDefaults()

	info, err := statSource(src, sourcePath)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > info.Size {
		return nil, fmt.Errorf("%w: resume offset %d beyond source size %d: %w",
			common.ErrIO, offset, info.Size, common.ErrFileChanged)
	}

	source, err := src.Open(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", sourcePath, common.Classify(err))
	}
	if _, err := source.Seek(offset, io.SeekStart); err != nil {
		source.Close()
		return nil, common.Classify(err)
	}

	dest, err := target.OpenWriter(ctx, targetPath, offset)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("destination %s: %w", targetPath, err)
	}

	s := &Stream{
		source:      source,
		dest:        dest,
		info:        info,
		startOffset: offset,
		synced:      offset,
		buf:         make([]byte, opts.ChunkSize),
		speed:       ewma.NewMovingAverage(),
		clock:       opts.Clock,
	}
	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(opts.ChunkSize, opts.RateLimit))
	}
	return s, nil
}

// Step moves at most chunk bytes. A chunk is counted only after the
// destination acknowledged it.
func (s *Stream) Step(ctx context.Context, chunk int) (StepResult, error) {
	if s.closed {
		return StepResult{}, fmt.Errorf("%w: stream is closed", common.ErrIO)
	}
	if err := ctx.Err(); err != nil {
		return StepResult{}, fmt.Errorf("%w: %w", common.ErrIO, err)
	}

	remaining := s.info.Size - s.synced
	if remaining <= 0 {
		return StepResult{Done: true}, nil
	}

	n := chunk
	if n <= 0 || n > len(s.buf) {
		n = len(s.buf)
	}
	if int64(n) > remaining {
		n = int(remaining)
	}
	if s.limiter != nil && n > s.limiter.Burst() {
		n = s.limiter.Burst()
	}

	start := s.clock.Now()

	if s.limiter != nil {
		if err := s.limiter.WaitN(ctx, n); err != nil {
			return StepResult{}, fmt.Errorf("%w: %w", common.ErrIO, err)
		}
	}

	p := s.buf[:n]
	if _, err := io.ReadFull(s.source, p); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return StepResult{}, fmt.Errorf("%w: source shrank below %d bytes: %w", common.ErrIO, s.info.Size, common.ErrFileChanged)
		}
		return StepResult{}, common.Classify(err)
	}

	if err := s.dest.WriteChunk(ctx, p); err != nil {
		return StepResult{}, err
	}

	elapsed := s.clock.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	s.speed.Add(float64(n) / elapsed.Seconds())
	s.synced += int64(n)

	return StepResult{BytesMoved: n, Done: s.synced == s.info.Size}, nil
}

// Commit publishes the destination once every byte has been stepped.
func (s *Stream) Commit(ctx context.Context) error {
	if s.synced != s.info.Size {
		return fmt.Errorf("%w: commit at %d of %d bytes", common.ErrIO, s.synced, s.info.Size)
	}
	return s.dest.Commit(ctx)
}

// Close releases both handles. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	srcErr := s.source.Close()
	dstErr := s.dest.Close()
	if dstErr != nil {
		return dstErr
	}
	return srcErr
}

func (s *Stream) Synced() int64 {
	return s.synced
}

// Moved is the number of bytes transferred since Open.
func (s *Stream) Moved() int64 {
	return s.synced - s.startOffset
}

func (s *Stream) FileSize() int64 {
	return s.info.Size
}

func (s *Stream) ModTime() time.Time {
	return s.info.ModTime
}

// Speed is the smoothed transfer rate in bytes per second.
func (s *Stream) Speed() float64 {
	return s.speed.Value()
}
