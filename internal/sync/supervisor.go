// Package sync runs file synchronization jobs. A Supervisor owns one
// Controller per job and guarantees that at most one controller is active
// for any host/source/target triple.
package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ca-x/hostsync/internal/checksum"
	"github.com/ca-x/hostsync/internal/common"
	"github.com/ca-x/hostsync/internal/model"
	"github.com/ca-x/hostsync/internal/notification"
	"github.com/ca-x/hostsync/internal/storage"
	"github.com/ca-x/hostsync/internal/store"
	"github.com/ca-x/hostsync/internal/transfer"
)

// Store is what the supervisor needs from the record store.
type Store interface {
	store.JobStore
	GetHost(ctx context.Context, id string) (*model.Host, error)
}

type Options struct {
	ChunkSize     int
	RateLimit     int
	MaxConcurrent int
	StallTimeout  time.Duration
	ReapGrace     time.Duration
	Clock         clockwork.Clock
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = transfer.DefaultChunkSize
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 4
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = time.Minute
	}
	if o.ReapGrace <= 0 {
		o.ReapGrace = 5 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

type StartRequest struct {
	HostID        string `json:"hostId"`
	SourcePath    string `json:"sourcePath"`
	TargetPath    string `json:"targetPath"`
	IsIncremental bool   `json:"isIncremental"`
	Description   string `json:"description"`
}

func (r StartRequest) validate() error {
	switch {
	case strings.TrimSpace(r.HostID) == "":
		return fmt.Errorf("%w: hostId is required", common.ErrInvalidArgument)
	case strings.TrimSpace(r.SourcePath) == "":
		return fmt.Errorf("%w: sourcePath is required", common.ErrInvalidArgument)
	case strings.TrimSpace(r.TargetPath) == "":
		return fmt.Errorf("%w: targetPath is required", common.ErrInvalidArgument)
	}
	return nil
}

type pairKey struct {
	hostID, source, target string
}

func pairOf(j model.SyncJob) pairKey {
	return pairKey{hostID: j.HostID, source: j.SourcePath, target: j.TargetPath}
}

type Supervisor struct {
	store    Store
	dialer   storage.Dialer
	source   afero.Fs
	index    *checksum.Index
	notifier notification.Notifier
	logger   *zap.Logger
	opts     Options
	clock    clockwork.Clock
	slots    *semaphore.Weighted

	mu     sync.Mutex
	active map[string]*Controller
	// pairs maps a triple to the job id holding it; an empty id marks a
	// start that is still validating.
	pairs map[pairKey]string

	wg      sync.WaitGroup
	stopped atomic.Bool

	beforeStep    func(ctx context.Context, jobID string)
	beforeSuspend func(jobID string)
}

func NewSupervisor(st Store, dialer storage.Dialer, source afero.Fs, index *checksum.Index, notifier notification.Notifier, logger *zap.Logger, opts Options) *Supervisor {
	opts = opts.withDefaults()
	if notifier == nil {
		notifier = notification.Nop
	}
	return &Supervisor{
		store:    st,
		dialer:   dialer,
		source:   source,
		index:    index,
		notifier: notifier,
		logger:   logger.Named("sync"),
		opts:     opts,
		clock:    opts.Clock,
		slots:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		active:   make(map[string]*Controller),
		pairs:    make(map[pairKey]string),
	}
}

func (s *Supervisor) streamOptions() transfer.Options {
	return transfer.Options{
		ChunkSize: s.opts.ChunkSize,
		RateLimit: s.opts.RateLimit,
		Clock:     s.clock,
	}
}

// Start validates the request, records a pending job and returns it while
// the transfer proceeds in the background. Nothing is recorded when
// validation fails. A terminal job for the same triple is reused.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (model.SyncJob, error) {
	if err := req.validate(); err != nil {
		return model.SyncJob{}, err
	}
	if s.stopped.Load() {
		return model.SyncJob{}, fmt.Errorf("%w: supervisor is shutting down", common.ErrInvalidTransition)
	}

	key := pairKey{hostID: req.HostID, source: req.SourcePath, target: req.TargetPath}
	if err := s.reserve(ctx, key); err != nil {
		return model.SyncJob{}, err
	}

	registered := false
	defer func() {
		if !registered {
			s.mu.Lock()
			if s.pairs[key] == "" {
				delete(s.pairs, key)
			}
			s.mu.Unlock()
		}
	}()

	host, err := s.store.GetHost(ctx, req.HostID)
	if err != nil {
		return model.SyncJob{}, err
	}

	target, err := s.dialer.Dial(ctx, host)
	if err != nil {
		return model.SyncJob{}, err
	}

	info, err := transfer.Validate(ctx, s.source, target, req.SourcePath, req.TargetPath)
	if err != nil {
		target.Close()
		return model.SyncJob{}, err
	}

	job, err := s.store.FindByPair(ctx, req.HostID, req.SourcePath, req.TargetPath)
	switch {
	case err == nil && job.Status.Terminal():
		job.ResetForRun(req.IsIncremental, req.Description)
	case err == nil:
		target.Close()
		return model.SyncJob{}, fmt.Errorf("%w: job %s is %s", common.ErrAlreadyRunning, job.ID, job.Status)
	case common.IsNotFound(err):
		job = &model.SyncJob{
			HostID:        req.HostID,
			SourcePath:    req.SourcePath,
			TargetPath:    req.TargetPath,
			Description:   req.Description,
			IsIncremental: req.IsIncremental,
			Status:        model.StatusPending,
		}
	default:
		target.Close()
		return model.SyncJob{}, err
	}
	job.FileSize = info.Size

	if err := s.store.Save(ctx, job); err != nil {
		target.Close()
		return model.SyncJob{}, err
	}

	c := newController(s, *job, target)

	s.mu.Lock()
	s.active[job.ID] = c
	s.pairs[key] = job.ID
	registered = true
	s.mu.Unlock()

	s.logger.Info("Sync started",
		zap.String("job", job.ID),
		zap.String("host", host.Name),
		zap.String("source", req.SourcePath),
		zap.String("target", req.TargetPath),
		zap.Bool("incremental", req.IsIncremental),
		zap.Int64("size", info.Size))

	snapshot := c.Snapshot()
	c.emit(notification.EventStatus, snapshot)

	c.mu.Lock()
	c.running = true
	c.launch()
	c.mu.Unlock()

	return snapshot, nil
}

// reserve claims key for a new start. A holder that already reached a
// terminal status is waited for instead of rejected.
func (s *Supervisor) reserve(ctx context.Context, key pairKey) error {
	for {
		s.mu.Lock()
		holder, busy := s.pairs[key]
		if !busy {
			s.pairs[key] = ""
			s.mu.Unlock()
			return nil
		}
		c := s.active[holder]
		s.mu.Unlock()

		if c == nil || !c.Snapshot().Status.Terminal() {
			return fmt.Errorf("%w: %s is already being synced to %s", common.ErrAlreadyRunning, key.source, key.target)
		}
		select {
		case <-c.Finished():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// lookup returns the registered controller for id. Jobs that are only in
// the store are terminal (or unknown) and yield a nil controller.
func (s *Supervisor) lookup(ctx context.Context, id string) (*Controller, *model.SyncJob, error) {
	s.mu.Lock()
	c := s.active[id]
	s.mu.Unlock()
	if c != nil {
		return c, nil, nil
	}

	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return nil, job, nil
}

func (s *Supervisor) Pause(ctx context.Context, id string) error {
	c, job, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: cannot pause a %s job", common.ErrInvalidTransition, job.Status)
	}
	return c.requestPause()
}

func (s *Supervisor) Resume(ctx context.Context, id string) error {
	if s.stopped.Load() {
		return fmt.Errorf("%w: supervisor is shutting down", common.ErrInvalidTransition)
	}
	c, job, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: cannot resume a %s job", common.ErrInvalidTransition, job.Status)
	}
	return c.requestResume()
}

// Cancel stops a job from any non-terminal state. Cancelling a terminal job
// is a no-op.
func (s *Supervisor) Cancel(ctx context.Context, id string) error {
	c, _, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if c != nil {
		c.requestCancel()
	}
	return nil
}

// CancelHost cancels every job of hostID and waits until they are terminal
// or ctx is done.
func (s *Supervisor) CancelHost(ctx context.Context, hostID string) error {
	var controllers []*Controller
	s.mu.Lock()
	for _, c := range s.active {
		if c.Snapshot().HostID == hostID {
			controllers = append(controllers, c)
		}
	}
	s.mu.Unlock()

	for _, c := range controllers {
		c.requestCancel()
	}
	for _, c := range controllers {
		select {
		case <-c.Finished():
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for jobs of host %s: %w", common.ErrIO, hostID, ctx.Err())
		}
	}
	return nil
}

// ListActive returns snapshots of the non-terminal jobs ordered by creation.
func (s *Supervisor) ListActive() []model.SyncJob {
	s.mu.Lock()
	controllers := make([]*Controller, 0, len(s.active))
	for _, c := range s.active {
		controllers = append(controllers, c)
	}
	s.mu.Unlock()

	jobs := make([]model.SyncJob, 0, len(controllers))
	for _, c := range controllers {
		if job := c.Snapshot(); !job.Status.Terminal() {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// Snapshot returns the in-memory state of a registered job.
func (s *Supervisor) Snapshot(id string) (model.SyncJob, bool) {
	s.mu.Lock()
	c := s.active[id]
	s.mu.Unlock()
	if c == nil {
		return model.SyncJob{}, false
	}
	return c.Snapshot(), true
}

func (s *Supervisor) release(c *Controller, job model.SyncJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairOf(job)
	if s.pairs[key] == job.ID {
		delete(s.pairs, key)
	}
}

// Reap drops controllers that have been terminal for at least the reap
// grace period and returns how many were removed.
func (s *Supervisor) Reap() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, c := range s.active {
		if c.terminalSince(now, s.opts.ReapGrace) {
			delete(s.active, id)
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("Reaped finished sync controllers", zap.Int("count", n))
	}
	return n
}

// CheckStalls fails transfers that made no progress within the stall
// timeout and returns how many were aborted.
func (s *Supervisor) CheckStalls() int {
	now := s.clock.Now()

	s.mu.Lock()
	controllers := make([]*Controller, 0, len(s.active))
	for _, c := range s.active {
		controllers = append(controllers, c)
	}
	s.mu.Unlock()

	n := 0
	for _, c := range controllers {
		if c.checkStall(now, s.opts.StallTimeout) {
			s.logger.Warn("Sync stalled, aborting transfer", zap.String("job", c.ID()))
			n++
		}
	}
	return n
}

// Recover registers jobs left active by a previous process. They all come
// back paused and need an explicit resume.
func (s *Supervisor) Recover(ctx context.Context) (int, error) {
	jobs, err := s.store.ListByStatus(ctx, model.StatusPending, model.StatusSyncing, model.StatusPaused)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, job := range jobs {
		key := pairOf(*job)

		s.mu.Lock()
		_, known := s.active[job.ID]
		holder, busy := s.pairs[key]
		s.mu.Unlock()
		if known {
			continue
		}
		if busy && holder != job.ID {
			s.logger.Warn("Skipping duplicate interrupted job", zap.String("job", job.ID), zap.String("holder", holder))
			continue
		}

		if job.Status != model.StatusPaused {
			job.Status = model.StatusPaused
			job.Speed = 0
			job.Message = "Interrupted by restart"
			if err := s.store.Save(ctx, job); err != nil {
				return n, err
			}
		}

		c := newController(s, *job, nil)
		s.mu.Lock()
		s.active[job.ID] = c
		s.pairs[key] = job.ID
		s.mu.Unlock()
		n++
	}

	if n > 0 {
		s.logger.Info("Recovered interrupted sync jobs", zap.Int("count", n))
	}
	return n, nil
}

// Stop asks every running job to park as paused and waits for them.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopped.Store(true)

	s.mu.Lock()
	controllers := make([]*Controller, 0, len(s.active))
	for _, c := range s.active {
		controllers = append(controllers, c)
	}
	s.mu.Unlock()

	for _, c := range controllers {
		c.requestStop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for sync jobs: %w", ctx.Err())
	}
}
