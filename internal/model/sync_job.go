package model

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether a controller is (or may soon be) moving bytes for s.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusSyncing || s == StatusPaused
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
)

func SyncTypeOf(isIncremental bool) SyncType {
	if isIncremental {
		return SyncTypeIncremental
	}
	return SyncTypeFull
}

// SyncJob is one requested file synchronization between the controlling host
// and a managed host.
type SyncJob struct {
	ID            string     `json:"id"`
	HostID        string     `json:"hostId"`
	SourcePath    string     `json:"sourcePath"`
	TargetPath    string     `json:"targetPath"`
	Description   string     `json:"description,omitempty"`
	IsIncremental bool       `json:"isIncremental"`
	Status        Status     `json:"status"`
	Progress      int        `json:"progress"`
	Speed         float64    `json:"speed"`
	SyncedSize    int64      `json:"syncedSize"`
	FileSize      int64      `json:"fileSize"`
	Checksum      string     `json:"checksum,omitempty"`
	ModifiedTime  int64      `json:"modifiedTime,omitempty"`
	LastSyncAt    *time.Time `json:"lastSyncAt,omitempty"`
	Message       string     `json:"message,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// SetSynced records the number of bytes present at the destination and keeps
// Progress consistent with it.
func (j *SyncJob) SetSynced(n int64) {
	if n < 0 {
		n = 0
	}
	if j.FileSize >= 0 && n > j.FileSize {
		n = j.FileSize
	}
	j.SyncedSize = n
	j.Progress = ProgressOf(n, j.FileSize)
}

// ProgressOf returns round(100*synced/total) using integer arithmetic.
func ProgressOf(synced, total int64) int {
	if total <= 0 {
		return 0
	}
	return int((200*synced + total) / (2 * total))
}

// ResetForRun prepares a terminal job for a fresh attempt, keeping its
// identity, last known checksum and history.
func (j *SyncJob) ResetForRun(isIncremental bool, description string) {
	j.Status = StatusPending
	j.IsIncremental = isIncremental
	if description != "" {
		j.Description = description
	}
	j.Progress = 0
	j.Speed = 0
	j.SyncedSize = 0
	j.FileSize = 0
	j.Message = ""
}

// SyncHistoryEntry is the immutable record of one terminal transition.
type SyncHistoryEntry struct {
	ID               string    `json:"id"`
	JobID            string    `json:"jobId"`
	Status           Status    `json:"status"`
	Message          string    `json:"message"`
	Checksum         string    `json:"checksum,omitempty"`
	FileSize         int64     `json:"fileSize"`
	SyncType         SyncType  `json:"syncType"`
	BytesTransferred int64     `json:"bytesTransferred"`
	CreatedAt        time.Time `json:"createdAt"`
}
