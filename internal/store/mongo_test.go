package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ca-x/hostsync/internal/model"
)

func TestJobDocRoundTrip(t *testing.T) {
	last := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	job := &model.SyncJob{
		ID:            "j1",
		HostID:        "h1",
		SourcePath:    "/srv/db.dump",
		TargetPath:    "backups/db.dump",
		IsIncremental: true,
		Status:        model.StatusPaused,
		Progress:      25,
		SyncedSize:    256,
		FileSize:      1024,
		Checksum:      "sha256:00",
		LastSyncAt:    &last,
		CreatedAt:     last.Add(-time.Hour),
		UpdatedAt:     last,
	}

	raw, err := bson.Marshal(jobToDoc(job))
	assert.NoError(t, err)

	var doc jobDoc
	assert.NoError(t, bson.Unmarshal(raw, &doc))
	got := doc.toModel()

	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Status, got.Status)
	assert.Equal(t, job.SyncedSize, got.SyncedSize)
	assert.True(t, got.IsIncremental)
	assert.True(t, last.Equal(*got.LastSyncAt))
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt))

	var fields bson.M
	assert.NoError(t, bson.Unmarshal(raw, &fields))
	assert.Equal(t, "j1", fields["_id"])
	assert.Equal(t, "h1", fields["hostId"])
}

func TestJobDocOmitsMissingLastSync(t *testing.T) {
	raw, err := bson.Marshal(jobToDoc(&model.SyncJob{ID: "j2", Status: model.StatusPending}))
	assert.NoError(t, err)

	var fields bson.M
	assert.NoError(t, bson.Unmarshal(raw, &fields))
	_, ok := fields["lastSyncAt"]
	assert.False(t, ok)
}

func TestHostDocKeepsOptions(t *testing.T) {
	host := &model.Host{
		ID:      "h1",
		Name:    "minio",
		Kind:    model.HostKindMinIO,
		Options: map[string]string{"bucket": "b", "secure": "false"},
	}
	raw, err := bson.Marshal(hostToDoc(host))
	assert.NoError(t, err)

	var doc hostDoc
	assert.NoError(t, bson.Unmarshal(raw, &doc))
	got := doc.toModel()
	assert.Equal(t, model.HostKindMinIO, got.Kind)
	assert.Equal(t, "false", got.Options["secure"])
}

func TestHistoryDocToModel(t *testing.T) {
	doc := historyDoc{ID: "e1", JobID: "j1", Status: "completed", SyncType: "incremental", BytesTransferred: 0, FileSize: 9}
	e := doc.toModel()
	assert.Equal(t, model.StatusCompleted, e.Status)
	assert.Equal(t, model.SyncTypeIncremental, e.SyncType)
	assert.Equal(t, int64(9), e.FileSize)
}
