package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ca-x/hostsync/internal/common"
	"github.com/ca-x/hostsync/internal/model"
)

const (
	jobsCollection    = "sync_jobs"
	historyCollection = "sync_history"
	hostsCollection   = "hosts"
)

// collection is the subset of *mongo.Collection the store uses.
type collection interface {
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (*mongo.Cursor, error)
}

type jobDoc struct {
	ID            string     `bson:"_id"`
	HostID        string     `bson:"hostId"`
	SourcePath    string     `bson:"sourcePath"`
	TargetPath    string     `bson:"targetPath"`
	Description   string     `bson:"description"`
	IsIncremental bool       `bson:"isIncremental"`
	Status        string     `bson:"status"`
	Progress      int        `bson:"progress"`
	Speed         float64    `bson:"speed"`
	SyncedSize    int64      `bson:"syncedSize"`
	FileSize      int64      `bson:"fileSize"`
	Checksum      string     `bson:"checksum"`
	ModifiedTime  int64      `bson:"modifiedTime"`
	LastSyncAt    *time.Time `bson:"lastSyncAt,omitempty"`
	Message       string     `bson:"message"`
	CreatedAt     time.Time  `bson:"createdAt"`
	UpdatedAt     time.Time  `bson:"updatedAt"`
}

func jobToDoc(j *model.SyncJob) jobDoc {
	return jobDoc{
		ID:            j.ID,
		HostID:        j.HostID,
		SourcePath:    j.SourcePath,
		TargetPath:    j.TargetPath,
		Description:   j.Description,
		IsIncremental: j.IsIncremental,
		Status:        string(j.Status),
		Progress:      j.Progress,
		Speed:         j.Speed,
		SyncedSize:    j.SyncedSize,
		FileSize:      j.FileSize,
		Checksum:      j.Checksum,
		ModifiedTime:  j.ModifiedTime,
		LastSyncAt:    j.LastSyncAt,
		Message:       j.Message,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

func (d jobDoc) toModel() *model.SyncJob {
	return &model.SyncJob{
		ID:            d.ID,
		HostID:        d.HostID,
		SourcePath:    d.SourcePath,
		TargetPath:    d.TargetPath,
		Description:   d.Description,
		IsIncremental: d.IsIncremental,
		Status:        model.Status(d.Status),
		Progress:      d.Progress,
		Speed:         d.Speed,
		SyncedSize:    d.SyncedSize,
		FileSize:      d.FileSize,
		Checksum:      d.Checksum,
		ModifiedTime:  d.ModifiedTime,
		LastSyncAt:    d.LastSyncAt,
		Message:       d.Message,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

type historyDoc struct {
	ID               string    `bson:"_id"`
	JobID            string    `bson:"jobId"`
	Seq              int64     `bson:"seq"`
	Status           string    `bson:"status"`
	Message          string    `bson:"message"`
	Checksum         string    `bson:"checksum"`
	FileSize         int64     `bson:"fileSize"`
	SyncType         string    `bson:"syncType"`
	BytesTransferred int64     `bson:"bytesTransferred"`
	CreatedAt        time.Time `bson:"createdAt"`
}

func (d historyDoc) toModel() *model.SyncHistoryEntry {
	return &model.SyncHistoryEntry{
		ID:               d.ID,
		JobID:            d.JobID,
		Status:           model.Status(d.Status),
		Message:          d.Message,
		Checksum:         d.Checksum,
		FileSize:         d.FileSize,
		SyncType:         model.SyncType(d.SyncType),
		BytesTransferred: d.BytesTransferred,
		CreatedAt:        d.CreatedAt,
	}
}

type hostDoc struct {
	ID          string            `bson:"_id"`
	Name        string            `bson:"name"`
	Kind        string            `bson:"kind"`
	Address     string            `bson:"address"`
	Port        int               `bson:"port"`
	Username    string            `bson:"username"`
	Password    string            `bson:"password"`
	SSHKey      string            `bson:"sshKey"`
	Status      string            `bson:"status"`
	Description string            `bson:"description"`
	Options     map[string]string `bson:"options,omitempty"`
	CreatedAt   time.Time         `bson:"createdAt"`
	UpdatedAt   time.Time         `bson:"updatedAt"`
}

func hostToDoc(h *model.Host) hostDoc {
	return hostDoc{
		ID:          h.ID,
		Name:        h.Name,
		Kind:        string(h.Kind),
		Address:     h.Address,
		Port:        h.Port,
		Username:    h.Username,
		Password:    h.Password,
		SSHKey:      h.SSHKey,
		Status:      string(h.Status),
		Description: h.Description,
		Options:     h.Options,
		CreatedAt:   h.CreatedAt,
		UpdatedAt:   h.UpdatedAt,
	}
}

func (d hostDoc) toModel() *model.Host {
	return &model.Host{
		ID:          d.ID,
		Name:        d.Name,
		Kind:        model.HostKind(d.Kind),
		Address:     d.Address,
		Port:        d.Port,
		Username:    d.Username,
		Password:    d.Password,
		SSHKey:      d.SSHKey,
		Status:      model.HostStatus(d.Status),
		Description: d.Description,
		Options:     d.Options,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

// MongoStore implements Store on a MongoDB database.
type MongoStore struct {
	client  *mongo.Client
	jobs    collection
	history collection
	hosts   collection
}

func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	db := client.Database(dbName)
	s := &MongoStore{
		client:  client,
		jobs:    db.Collection(jobsCollection),
		history: db.Collection(historyCollection),
		hosts:   db.Collection(hostsCollection),
	}

	if _, err := db.Collection(jobsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "hostId", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "hostId", Value: 1}, {Key: "sourcePath", Value: 1}, {Key: "targetPath", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	}); err != nil {
		return nil, fmt.Errorf("failed to create job indexes: %w", err)
	}
	if _, err := db.Collection(historyCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "jobId", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "seq", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("failed to create history index: %w", err)
	}
	return s, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Save(ctx context.Context, job *model.SyncJob) error {
	now := time.Now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := s.jobs.ReplaceOne(ctx, bson.M{"_id": job.ID}, jobToDoc(job), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save sync job %s: %w", job.ID, err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*model.SyncJob, error) {
	var doc jobDoc
	err := s.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: sync job %s", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job %s: %w", id, err)
	}
	return doc.toModel(), nil
}

var byCreation = bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}

func (s *MongoStore) findJobs(ctx context.Context, filter bson.M) ([]*model.SyncJob, error) {
	cursor, err := s.jobs.Find(ctx, filter, options.Find().SetSort(byCreation))
	if err != nil {
		return nil, err
	}
	var docs []jobDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	jobs := make([]*model.SyncJob, 0, len(docs))
	for _, d := range docs {
		jobs = append(jobs, d.toModel())
	}
	return jobs, nil
}

func (s *MongoStore) ListByHost(ctx context.Context, hostID string) ([]*model.SyncJob, error) {
	jobs, err := s.findJobs(ctx, bson.M{"hostId": hostID})
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs for host %s: %w", hostID, err)
	}
	return jobs, nil
}

func (s *MongoStore) ListByStatus(ctx context.Context, statuses ...model.Status) ([]*model.SyncJob, error) {
	if len(statuses) == 0 {
		return []*model.SyncJob{}, nil
	}
	in := make(bson.A, len(statuses))
	for i, st := range statuses {
		in[i] = string(st)
	}
	jobs, err := s.findJobs(ctx, bson.M{"status": bson.M{"$in": in}})
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs by status: %w", err)
	}
	return jobs, nil
}

func (s *MongoStore) FindByPair(ctx context.Context, hostID, sourcePath, targetPath string) (*model.SyncJob, error) {
	var doc jobDoc
	err := s.jobs.FindOne(ctx,
		bson.M{"hostId": hostID, "sourcePath": sourcePath, "targetPath": targetPath},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: no sync job for %s:%s", common.ErrNotFound, hostID, targetPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find sync job: %w", err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) AppendHistory(ctx context.Context, jobID string, entry *model.SyncHistoryEntry) error {
	n, err := s.jobs.CountDocuments(ctx, bson.M{"_id": jobID})
	if err != nil {
		return fmt.Errorf("failed to check sync job %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: sync job %s", common.ErrNotFound, jobID)
	}

	entry.JobID = jobID
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err = s.history.InsertOne(ctx, historyDoc{
		ID:               entry.ID,
		JobID:            jobID,
		Seq:              time.Now().UnixNano(),
		Status:           string(entry.Status),
		Message:          entry.Message,
		Checksum:         entry.Checksum,
		FileSize:         entry.FileSize,
		SyncType:         string(entry.SyncType),
		BytesTransferred: entry.BytesTransferred,
		CreatedAt:        entry.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to append history for %s: %w", jobID, err)
	}
	return nil
}

func (s *MongoStore) ListHistory(ctx context.Context, jobID string) ([]*model.SyncHistoryEntry, error) {
	cursor, err := s.history.Find(ctx, bson.M{"jobId": jobID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list history for %s: %w", jobID, err)
	}
	var docs []historyDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	entries := make([]*model.SyncHistoryEntry, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, d.toModel())
	}
	return entries, nil
}

func (s *MongoStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Jobs: make(map[model.Status]int)}

	hosts, err := s.hosts.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to count hosts: %w", err)
	}
	stats.Hosts = int(hosts)

	cursor, err := s.jobs.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$status"}, {Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count sync jobs: %w", err)
	}
	var groups []struct {
		Status string `bson:"_id"`
		N      int    `bson:"n"`
	}
	if err := cursor.All(ctx, &groups); err != nil {
		return nil, err
	}
	for _, g := range groups {
		stats.Jobs[model.Status(g.Status)] = g.N
	}

	cursor, err = s.history.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "bytes", Value: bson.D{{Key: "$sum", Value: "$bytesTransferred"}}},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to summarize history: %w", err)
	}
	var totals []struct {
		N     int   `bson:"n"`
		Bytes int64 `bson:"bytes"`
	}
	if err := cursor.All(ctx, &totals); err != nil {
		return nil, err
	}
	if len(totals) > 0 {
		stats.HistoryEntries = totals[0].N
		stats.BytesTransferred = totals[0].Bytes
	}
	return stats, nil
}

func (s *MongoStore) SaveHost(ctx context.Context, host *model.Host) error {
	now := time.Now()
	if host.ID == "" {
		host.ID = uuid.NewString()
	}
	if host.CreatedAt.IsZero() {
		host.CreatedAt = now
	}
	host.UpdatedAt = now
	if host.Status == "" {
		host.Status = model.HostStatusUnknown
	}

	_, err := s.hosts.ReplaceOne(ctx, bson.M{"_id": host.ID}, hostToDoc(host), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save host %s: %w", host.ID, err)
	}
	return nil
}

func (s *MongoStore) GetHost(ctx context.Context, id string) (*model.Host, error) {
	var doc hostDoc
	err := s.hosts.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: host %s", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host %s: %w", id, err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) ListHosts(ctx context.Context) ([]*model.Host, error) {
	cursor, err := s.hosts.Find(ctx, bson.M{}, options.Find().SetSort(byCreation))
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	var docs []hostDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	hosts := make([]*model.Host, 0, len(docs))
	for _, d := range docs {
		hosts = append(hosts, d.toModel())
	}
	return hosts, nil
}

func (s *MongoStore) DeleteHost(ctx context.Context, id string) error {
	res, err := s.hosts.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete host %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: host %s", common.ErrNotFound, id)
	}
	return nil
}
