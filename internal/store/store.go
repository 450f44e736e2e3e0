// Package store persists sync jobs, their history and managed hosts.
package store

import (
	"context"
	"fmt"

	"github.com/ca-x/hostsync/internal/config"
	"github.com/ca-x/hostsync/internal/database"
	"github.com/ca-x/hostsync/internal/model"
)

// JobStore is the durable record of sync jobs and their history. Save is an
// atomic upsert; readers never see a partially written job.
type JobStore interface {
	Save(ctx context.Context, job *model.SyncJob) error
	// Get returns common.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*model.SyncJob, error)
	// ListByHost orders jobs by creation time, then id.
	ListByHost(ctx context.Context, hostID string) ([]*model.SyncJob, error)
	ListByStatus(ctx context.Context, statuses ...model.Status) ([]*model.SyncJob, error)
	// FindByPair returns the most recently created job for the triple, or
	// common.ErrNotFound.
	FindByPair(ctx context.Context, hostID, sourcePath, targetPath string) (*model.SyncJob, error)
	// AppendHistory returns common.ErrNotFound if the job does not exist.
	AppendHistory(ctx context.Context, jobID string, entry *model.SyncHistoryEntry) error
	// ListHistory returns entries in creation order.
	ListHistory(ctx context.Context, jobID string) ([]*model.SyncHistoryEntry, error)
	Stats(ctx context.Context) (*Stats, error)
}

type HostStore interface {
	SaveHost(ctx context.Context, host *model.Host) error
	GetHost(ctx context.Context, id string) (*model.Host, error)
	ListHosts(ctx context.Context) ([]*model.Host, error)
	DeleteHost(ctx context.Context, id string) error
}

type Store interface {
	JobStore
	HostStore
	Close() error
}

type Stats struct {
	Hosts            int                  `json:"hosts"`
	Jobs             map[model.Status]int `json:"jobs"`
	HistoryEntries   int                  `json:"historyEntries"`
	BytesTransferred int64                `json:"bytesTransferred"`
}

// Open connects to the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "mongo":
		client, err := database.ConnectMongo(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		s, err := NewMongoStore(ctx, client, cfg.Name)
		if err != nil {
			client.Disconnect(ctx)
			return nil, err
		}
		return s, nil
	case "sqlite3", "pgx":
		db, dialect, err := database.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(db, dialect), nil
	}
	return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
}
