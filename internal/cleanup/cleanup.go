// Package cleanup removes partial uploads abandoned in the spool directory.
package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/ca-x/hostsync/internal/storage"
)

type Service struct {
	fs        afero.Fs
	dir       string
	retention time.Duration
	clock     clockwork.Clock
	logger    *zap.Logger
}

func NewService(fs afero.Fs, dir string, retention time.Duration, clock clockwork.Clock, logger *zap.Logger) *Service {
	return &Service{
		fs:        fs,
		dir:       dir,
		retention: retention,
		clock:     clock,
		logger:    logger.Named("cleanup"),
	}
}

// SpoolStats describes the partial uploads currently held in the spool.
type SpoolStats struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

func (s SpoolStats) String() string {
	return fmt.Sprintf("%d files, %s", s.Files, humanize.IBytes(uint64(s.Bytes)))
}

// CleanupSpool removes spool files not modified within the retention period
// and returns how many were removed. Paused jobs touch their spool file on
// every chunk, so only abandoned uploads age out.
func (s *Service) CleanupSpool(ctx context.Context) (int, error) {
	if s.retention <= 0 {
		s.logger.Debug("Spool retention is disabled, skipping cleanup")
		return 0, nil
	}

	cutoff := s.clock.Now().Add(-s.retention)
	var removed int
	var freed int64

	err := s.walk(func(path string, info os.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := s.fs.Remove(path); err != nil {
			s.logger.Warn("Failed to remove spool file", zap.String("path", path), zap.Error(err))
			return nil
		}
		removed++
		freed += info.Size()
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to clean spool directory: %w", err)
	}

	if removed > 0 {
		s.logger.Info("Removed stale spool files",
			zap.Int("files", removed),
			zap.String("freed", humanize.IBytes(uint64(freed))))
	}
	return removed, nil
}

func (s *Service) Stats() (SpoolStats, error) {
	var stats SpoolStats
	err := s.walk(func(path string, info os.FileInfo) error {
		stats.Files++
		stats.Bytes += info.Size()
		return nil
	})
	return stats, err
}

func (s *Service) walk(fn func(path string, info os.FileInfo) error) error {
	exists, err := afero.DirExists(s.fs, s.dir)
	if err != nil || !exists {
		return err
	}
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return err
	}
	for _, info := range entries {
		if info.IsDir() || !strings.HasSuffix(info.Name(), storage.SpoolSuffix) {
			continue
		}
		if err := fn(filepath.Join(s.dir, info.Name()), info); err != nil {
			return err
		}
	}
	return nil
}
