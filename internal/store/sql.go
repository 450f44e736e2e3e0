package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ca-x/hostsync/internal/common"
	"github.com/ca-x/hostsync/internal/database"
	"github.com/ca-x/hostsync/internal/model"
)

// SQLStore implements Store on sqlite3 or PostgreSQL. Queries are written
// with ? placeholders and rebound for the dialect.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
}

func NewSQLStore(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) Close() error {
	return database.Close(s.db)
}

func (s *SQLStore) rebind(query string) string {
	return rebind(s.dialect, query)
}

func rebind(dialect database.Dialect, query string) string {
	if dialect != database.DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const jobColumns = `id, host_id, source_path, target_path, description, is_incremental, status,
	progress, speed, synced_size, file_size, checksum, modified_time, last_sync_at, message,
	created_at, updated_at`

func (s *SQLStore) Save(ctx context.Context, job *model.SyncJob) error {
	now := time.Now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	var lastSync sql.NullInt64
	if job.LastSyncAt != nil {
		lastSync = sql.NullInt64{Int64: toMillis(*job.LastSyncAt), Valid: true}
	}

	query := s.rebind(`INSERT INTO sync_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			host_id = excluded.host_id,
			source_path = excluded.source_path,
			target_path = excluded.target_path,
			description = excluded.description,
			is_incremental = excluded.is_incremental,
			status = excluded.status,
			progress = excluded.progress,
			speed = excluded.speed,
			synced_size = excluded.synced_size,
			file_size = excluded.file_size,
			checksum = excluded.checksum,
			modified_time = excluded.modified_time,
			last_sync_at = excluded.last_sync_at,
			message = excluded.message,
			updated_at = excluded.updated_at`)

	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.HostID, job.SourcePath, job.TargetPath, job.Description,
		boolInt(job.IsIncremental), string(job.Status), job.Progress, job.Speed,
		job.SyncedSize, job.FileSize, job.Checksum, job.ModifiedTime, lastSync,
		job.Message, toMillis(job.CreatedAt), toMillis(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save sync job %s: %w", job.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.SyncJob, error) {
	var (
		job                  model.SyncJob
		incremental          int
		status               string
		lastSync             sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&job.ID, &job.HostID, &job.SourcePath, &job.TargetPath, &job.Description,
		&incremental, &status, &job.Progress, &job.Speed, &job.SyncedSize, &job.FileSize,
		&job.Checksum, &job.ModifiedTime, &lastSync, &job.Message, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	job.IsIncremental = incremental != 0
	job.Status = model.Status(status)
	if lastSync.Valid {
		t := fromMillis(lastSync.Int64)
		job.LastSyncAt = &t
	}
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return &job, nil
}

func (s *SQLStore) queryJobs(ctx context.Context, query string, args ...any) ([]*model.SyncJob, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*model.SyncJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLStore) Get(ctx context.Context, id string) (*model.SyncJob, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: sync job %s", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job %s: %w", id, err)
	}
	return job, nil
}

func (s *SQLStore) ListByHost(ctx context.Context, hostID string) ([]*model.SyncJob, error) {
	jobs, err := s.queryJobs(ctx, `SELECT `+jobColumns+` FROM sync_jobs
		WHERE host_id = ? ORDER BY created_at, id`, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs for host %s: %w", hostID, err)
	}
	return jobs, nil
}

func (s *SQLStore) ListByStatus(ctx context.Context, statuses ...model.Status) ([]*model.SyncJob, error) {
	if len(statuses) == 0 {
		return []*model.SyncJob{}, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")

	jobs, err := s.queryJobs(ctx, `SELECT `+jobColumns+` FROM sync_jobs
		WHERE status IN (`+placeholders+`) ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs by status: %w", err)
	}
	return jobs, nil
}

func (s *SQLStore) FindByPair(ctx context.Context, hostID, sourcePath, targetPath string) (*model.SyncJob, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM sync_jobs
		WHERE host_id = ? AND source_path = ? AND target_path = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`), hostID, sourcePath, targetPath)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no sync job for %s:%s", common.ErrNotFound, hostID, targetPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find sync job: %w", err)
	}
	return job, nil
}

func (s *SQLStore) AppendHistory(ctx context.Context, jobID string, entry *model.SyncHistoryEntry) error {
	entry.JobID = jobID
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM sync_jobs WHERE id = ?`), jobID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: sync job %s", common.ErrNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to check sync job %s: %w", jobID, err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO sync_history
		(id, job_id, status, message, checksum, file_size, sync_type, bytes_transferred, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, jobID, string(entry.Status), entry.Message, entry.Checksum, entry.FileSize,
		string(entry.SyncType), entry.BytesTransferred, toMillis(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append history for %s: %w", jobID, err)
	}

	return tx.Commit()
}

func (s *SQLStore) ListHistory(ctx context.Context, jobID string) ([]*model.SyncHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, job_id, status, message, checksum,
		file_size, sync_type, bytes_transferred, created_at
		FROM sync_history WHERE job_id = ? ORDER BY created_at, seq`), jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history for %s: %w", jobID, err)
	}
	defer rows.Close()

	entries := []*model.SyncHistoryEntry{}
	for rows.Next() {
		var (
			e                model.SyncHistoryEntry
			status, syncType string
			createdAt        int64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &status, &e.Message, &e.Checksum,
			&e.FileSize, &syncType, &e.BytesTransferred, &createdAt); err != nil {
			return nil, err
		}
		e.Status = model.Status(status)
		e.SyncType = model.SyncType(syncType)
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *SQLStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Jobs: make(map[model.Status]int)}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hosts`).Scan(&stats.Hosts); err != nil {
		return nil, fmt.Errorf("failed to count hosts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync jobs: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.Jobs[model.Status(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(bytes_transferred), 0) FROM sync_history`).
		Scan(&stats.HistoryEntries, &stats.BytesTransferred)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize history: %w", err)
	}
	return stats, nil
}

const hostColumns = `id, name, kind, address, port, username, password, ssh_key, status,
	description, options, created_at, updated_at`

func (s *SQLStore) SaveHost(ctx context.Context, host *model.Host) error {
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

	options, err := json.Marshal(host.Options)
	if err != nil {
		return fmt.Errorf("failed to encode host options: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO hosts (`+hostColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			address = excluded.address,
			port = excluded.port,
			username = excluded.username,
			password = excluded.password,
			ssh_key = excluded.ssh_key,
			status = excluded.status,
			description = excluded.description,
			options = excluded.options,
			updated_at = excluded.updated_at`),
		host.ID, host.Name, string(host.Kind), host.Address, host.Port, host.Username,
		host.Password, host.SSHKey, string(host.Status), host.Description, string(options),
		toMillis(host.CreatedAt), toMillis(host.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save host %s: %w", host.ID, err)
	}
	return nil
}

func scanHost(row rowScanner) (*model.Host, error) {
	var (
		h                    model.Host
		kind, status         string
		options              string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&h.ID, &h.Name, &kind, &h.Address, &h.Port, &h.Username, &h.Password,
		&h.SSHKey, &status, &h.Description, &options, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	h.Kind = model.HostKind(kind)
	h.Status = model.HostStatus(status)
	if options != "" && options != "null" {
		if err := json.Unmarshal([]byte(options), &h.Options); err != nil {
			return nil, fmt.Errorf("failed to decode host options: %w", err)
		}
	}
	h.CreatedAt = fromMillis(createdAt)
	h.UpdatedAt = fromMillis(updatedAt)
	return &h, nil
}

func (s *SQLStore) GetHost(ctx context.Context, id string) (*model.Host, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+hostColumns+` FROM hosts WHERE id = ?`), id)
	host, err := scanHost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: host %s", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host %s: %w", id, err)
	}
	return host, nil
}

func (s *SQLStore) ListHosts(ctx context.Context) ([]*model.Host, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	defer rows.Close()

	hosts := []*model.Host{}
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

func (s *SQLStore) DeleteHost(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM hosts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete host %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: host %s", common.ErrNotFound, id)
	}
	return nil
}
