package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/ca-x/hostsync/internal/checksum"
	"github.com/ca-x/hostsync/internal/common"
	"github.com/ca-x/hostsync/internal/model"
	"github.com/ca-x/hostsync/internal/notification"
	"github.com/ca-x/hostsync/internal/storage"
	"github.com/ca-x/hostsync/internal/transfer"
)

// Controller owns the lifecycle of one sync job. Control requests only set
// flags; the run goroutine observes them between chunks.
type Controller struct {
	sup    *Supervisor
	logger *zap.Logger

	mu      sync.Mutex
	job     model.SyncJob
	version uint64
	target  storage.Target

	running bool
	pause   bool
	cancel  bool
	stop    bool
	stalled bool
	abort   context.CancelFunc

	// watching is set while a destination operation runs under the stall
	// watchdog; ioCancel aborts it.
	watching     bool
	ioCancel     context.CancelFunc
	lastProgress time.Time
	moved        int64
	// finalizing is set once every byte was acknowledged, or the destination
	// was found up to date. A pause can no longer take effect.
	finalizing bool

	finishedAt time.Time
	finished   chan struct{}

	saveMu sync.Mutex
	saved  uint64
}

func newController(sup *Supervisor, job model.SyncJob, target storage.Target) *Controller {
	return &Controller{
		sup:      sup,
		logger:   sup.logger.With(zap.String("job", job.ID)),
		job:      job,
		target:   target,
		abort:    func() {},
		finished: make(chan struct{}),
	}
}

func (c *Controller) ID() string {
	return c.job.ID
}

// Snapshot returns a copy of the job as last updated by the controller.
func (c *Controller) Snapshot() model.SyncJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job
}

// Finished is closed once the job reaches a terminal status.
func (c *Controller) Finished() <-chan struct{} {
	return c.finished
}

// launch starts a run goroutine. Callers hold c.mu and have set running.
func (c *Controller) launch() {
	ctx, abort := context.WithCancel(context.Background())
	c.abort = abort
	c.sup.wg.Add(1)
	go c.run(ctx)
}

func (c *Controller) requestPause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.job.Status != model.StatusSyncing || c.cancel || c.stop {
		return fmt.Errorf("%w: cannot pause a %s job", common.ErrInvalidTransition, c.job.Status)
	}
	if c.finalizing {
		return fmt.Errorf("%w: job is already finishing", common.ErrInvalidTransition)
	}
	c.pause = true
	c.abort()
	return nil
}

// requestResume queues a paused job again. It stays pending until run gets
// a concurrency slot.
func (c *Controller) requestResume() error {
	c.mu.Lock()
	if c.job.Status != model.StatusPaused || c.running {
		status := c.job.Status
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot resume a %s job", common.ErrInvalidTransition, status)
	}
	c.pause = false
	c.stop = false
	c.stalled = false
	c.job.Status = model.StatusPending
	c.job.Message = ""
	job, _ := c.touchLocked()
	c.running = true
	c.mu.Unlock()

	// Emitted before launch so subscribers never see syncing first. Requests
	// arriving meanwhile only set flags because running is already set.
	c.emit(notification.EventStatus, job)

	c.mu.Lock()
	c.launch()
	c.mu.Unlock()
	return nil
}

// requestCancel is a no-op for terminal jobs and for jobs already being
// cancelled.
func (c *Controller) requestCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.job.Status.Terminal() || c.cancel {
		return
	}
	c.cancel = true
	c.abort()
	if c.finalizing && c.ioCancel != nil {
		c.ioCancel()
	}
	if !c.running {
		c.running = true
		c.launch()
	}
}

func (c *Controller) requestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.stop = true
	c.abort()
}

// checkStall aborts the watched destination operation when it made no
// progress within timeout.
func (c *Controller) checkStall(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.watching || c.stalled || now.Sub(c.lastProgress) < timeout {
		return false
	}
	c.stalled = true
	if c.ioCancel != nil {
		c.ioCancel()
	}
	return true
}

// watch arms the stall watchdog and returns the context it cancels. The
// returned func disarms it.
func (c *Controller) watch(ctx context.Context) (context.Context, func()) {
	ioCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.watching = true
	c.stalled = false
	c.ioCancel = cancel
	c.lastProgress = c.sup.clock.Now()
	if c.cancel && c.finalizing {
		cancel()
	}
	c.mu.Unlock()

	return ioCtx, func() {
		c.mu.Lock()
		c.watching = false
		c.ioCancel = nil
		c.mu.Unlock()
		cancel()
	}
}

// remote runs one blocking destination operation under the stall watchdog.
func (c *Controller) remote(ctx context.Context, op func(ctx context.Context) error) error {
	ioCtx, disarm := c.watch(ctx)
	defer disarm()

	if err := op(ioCtx); err != nil {
		return c.stepError(err)
	}
	return nil
}

// finalize marks the job past the point where a pause applies. It reports
// false, leaving the flag unset, when a control request is already pending.
func (c *Controller) finalize() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel || c.stop || c.pause {
		return false
	}
	c.finalizing = true
	return true
}

func (c *Controller) terminalSince(now time.Time, grace time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.Status.Terminal() && !c.running && now.Sub(c.finishedAt) >= grace
}

func (c *Controller) touchLocked() (model.SyncJob, uint64) {
	c.version++
	c.job.UpdatedAt = c.sup.clock.Now()
	return c.job, c.version
}

// persist saves a snapshot unless a newer one was already written.
func (c *Controller) persist(ctx context.Context, job model.SyncJob, version uint64) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	if version <= c.saved {
		return
	}
	if err := c.sup.store.Save(ctx, &job); err != nil {
		c.logger.Error("Failed to persist sync job", zap.Error(err))
		return
	}
	c.saved = version
}

func (c *Controller) emit(t notification.EventType, job model.SyncJob) {
	c.sup.notifier.Notify(notification.Event{Type: t, Job: job, Time: c.sup.clock.Now()})
}

func (c *Controller) update(ctx context.Context, t notification.EventType, fn func(j *model.SyncJob)) {
	c.mu.Lock()
	fn(&c.job)
	job, version := c.touchLocked()
	c.mu.Unlock()

	c.persist(ctx, job, version)
	c.emit(t, job)
}

func (c *Controller) run(abortCtx context.Context) {
	defer c.sup.wg.Done()
	ctx := context.WithoutCancel(abortCtx)

	c.mu.Lock()
	job, version := c.job, c.version
	c.mu.Unlock()
	c.persist(ctx, job, version)

	if c.interrupted(ctx) {
		return
	}

	if err := c.sup.slots.Acquire(abortCtx, 1); err != nil {
		c.interrupted(ctx)
		return
	}
	defer c.sup.slots.Release(1)

	if c.interrupted(ctx) {
		return
	}

	c.update(ctx, notification.EventStatus, func(j *model.SyncJob) {
		j.Status = model.StatusSyncing
	})

	c.execute(ctx)
}

// interrupted honors a pending cancel, stop or pause request. It reports
// whether the run is over.
func (c *Controller) interrupted(ctx context.Context) bool {
	c.mu.Lock()
	cancel, stop, pause := c.cancel, c.stop, c.pause
	c.mu.Unlock()

	switch {
	case cancel:
		c.finish(ctx, model.StatusCancelled, "Cancelled by user", "")
	case stop:
		c.suspend(ctx, "Interrupted by shutdown")
	case pause:
		c.suspend(ctx, "Paused by user")
	default:
		return false
	}
	return true
}

func (c *Controller) execute(ctx context.Context) {
	c.mu.Lock()
	job := c.job
	target := c.target
	c.mu.Unlock()

	if target == nil {
		var err error
		target, err = c.dial(ctx, job.HostID)
		if err != nil {
			c.fail(ctx, err)
			return
		}
		c.mu.Lock()
		c.target = target
		c.mu.Unlock()
	}

	offset, identical, err := c.plan(ctx, target, job)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	if identical {
		if !c.finalize() {
			c.interrupted(ctx)
			return
		}
		c.upToDate(ctx)
		return
	}

	ioCtx, disarm := c.watch(ctx)
	defer disarm()

	stream, err := transfer.Open(ioCtx, c.sup.source, target, job.SourcePath, job.TargetPath, offset, c.sup.streamOptions())
	if err != nil {
		c.fail(ctx, c.stepError(err))
		return
	}
	defer stream.Close()

	c.update(ctx, notification.EventProgress, func(j *model.SyncJob) {
		j.FileSize = stream.FileSize()
		j.SetSynced(offset)
	})
	if offset > 0 {
		c.logger.Info("Resuming transfer", zap.Int64("offset", offset))
	}

	for done := stream.Synced() == stream.FileSize(); !done; {
		if hook := c.sup.beforeStep; hook != nil {
			hook(ioCtx, job.ID)
		}

		if c.interruptedStreaming(ctx, stream) {
			return
		}

		res, err := stream.Step(ioCtx, c.sup.opts.ChunkSize)
		if err != nil {
			stream.Close()
			c.fail(ctx, c.stepError(err))
			return
		}

		c.mu.Lock()
		c.moved += int64(res.BytesMoved)
		c.lastProgress = c.sup.clock.Now()
		c.mu.Unlock()

		c.update(ctx, notification.EventProgress, func(j *model.SyncJob) {
			j.SetSynced(stream.Synced())
			j.Speed = stream.Speed()
		})
		done = res.Done
	}
	disarm()

	if !c.finalize() {
		stream.Close()
		c.interrupted(ctx)
		return
	}

	if err := c.remote(ctx, stream.Commit); err != nil {
		stream.Close()
		c.fail(ctx, err)
		return
	}
	stream.Close()

	c.verify(ctx, target, job, stream.FileSize(), stream.ModTime())
}

func (c *Controller) interruptedStreaming(ctx context.Context, stream *transfer.Stream) bool {
	c.mu.Lock()
	requested := c.cancel || c.stop || c.pause
	c.mu.Unlock()

	if !requested {
		return false
	}
	stream.Close()
	return c.interrupted(ctx)
}

func (c *Controller) stepError(err error) error {
	c.mu.Lock()
	stalled := c.stalled
	c.mu.Unlock()

	if stalled {
		return fmt.Errorf("%w: %w: no progress for %s", common.ErrIO, common.ErrStalled, c.sup.opts.StallTimeout)
	}
	return err
}

func (c *Controller) dial(ctx context.Context, hostID string) (storage.Target, error) {
	host, err := c.sup.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	var target storage.Target
	err = c.remote(ctx, func(ctx context.Context) error {
		var err error
		target, err = c.sup.dialer.Dial(ctx, host)
		return err
	})
	return target, err
}

// plan picks the offset to stream from. A job with persisted progress
// resumes there. An incremental job starts after the longest destination
// prefix that matches the source, or is already complete when the whole
// destination matches.
func (c *Controller) plan(ctx context.Context, target storage.Target, job model.SyncJob) (int64, bool, error) {
	if job.SyncedSize > 0 {
		return job.SyncedSize, false, nil
	}
	if !job.IsIncremental {
		return 0, false, nil
	}

	var destSize int64
	err := c.remote(ctx, func(ctx context.Context) error {
		var err error
		destSize, err = target.Stat(ctx, job.TargetPath)
		return err
	})
	if common.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if destSize > job.FileSize {
		return 0, false, nil
	}

	local, err := c.sup.index.Digest(ctx, job.SourcePath, checksum.Prefix(destSize))
	if err != nil {
		return 0, false, err
	}
	remote, err := c.digestTarget(ctx, target, job.TargetPath, destSize)
	if err != nil {
		return 0, false, err
	}
	if !checksum.Equal(local, remote) {
		c.logger.Info("Destination differs from source, transferring in full")
		return 0, false, nil
	}
	return destSize, destSize == job.FileSize, nil
}

func (c *Controller) digestTarget(ctx context.Context, target storage.Target, path string, length int64) (checksum.Checksum, error) {
	var sum checksum.Checksum
	err := c.remote(ctx, func(ctx context.Context) error {
		var err error
		sum, err = c.sup.index.DigestTarget(ctx, target, path, length)
		return err
	})
	return sum, err
}

func (c *Controller) upToDate(ctx context.Context) {
	c.mu.Lock()
	job := c.job
	c.mu.Unlock()

	sum, err := c.sup.index.DigestFile(ctx, job.SourcePath)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	info, err := c.sup.source.Stat(job.SourcePath)
	if err != nil {
		c.fail(ctx, common.Classify(err))
		return
	}

	c.update(ctx, notification.EventProgress, func(j *model.SyncJob) {
		j.SetSynced(j.FileSize)
		j.Checksum = sum.String()
		j.ModifiedTime = info.ModTime().Unix()
	})
	c.finish(ctx, model.StatusCompleted, "Destination already up to date", sum.String())
}

func (c *Controller) verify(ctx context.Context, target storage.Target, job model.SyncJob, size int64, modTime time.Time) {
	local, err := c.sup.index.DigestFile(ctx, job.SourcePath)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	remote, err := c.digestTarget(ctx, target, job.TargetPath, size)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	if !checksum.Equal(local, remote) {
		c.fail(ctx, fmt.Errorf("%w: source %s, destination %s", common.ErrChecksumMismatch, local, remote))
		return
	}

	c.mu.Lock()
	c.job.Checksum = local.String()
	c.job.ModifiedTime = modTime.Unix()
	moved := c.moved
	c.mu.Unlock()

	c.finish(ctx, model.StatusCompleted,
		fmt.Sprintf("Synced %s (%s transferred)", humanize.IBytes(uint64(size)), humanize.IBytes(uint64(moved))),
		local.String())
}

// fail records err, unless a cancel request aborted the operation that
// produced it.
func (c *Controller) fail(ctx context.Context, err error) {
	c.mu.Lock()
	cancelled := c.cancel
	c.mu.Unlock()
	if cancelled {
		c.finish(ctx, model.StatusCancelled, "Cancelled by user", "")
		return
	}
	c.logger.Error("Sync failed", zap.String("kind", common.Kind(err)), zap.Error(err))
	c.finish(ctx, model.StatusFailed, err.Error(), "")
}

// suspend parks the job as paused with its offset persisted and releases
// the target. A cancel that arrived since the flags were read wins.
func (c *Controller) suspend(ctx context.Context, message string) {
	if hook := c.sup.beforeSuspend; hook != nil {
		hook(c.ID())
	}

	c.mu.Lock()
	if c.cancel {
		c.mu.Unlock()
		c.finish(ctx, model.StatusCancelled, "Cancelled by user", "")
		return
	}
	c.job.Status = model.StatusPaused
	c.job.Speed = 0
	c.job.Message = message
	c.pause = false
	c.stop = false
	target := c.target
	c.target = nil
	job, version := c.touchLocked()
	c.running = false
	c.mu.Unlock()

	closeTarget(target)
	c.persist(ctx, job, version)
	c.emit(notification.EventStatus, job)
	c.logger.Info("Sync suspended", zap.String("reason", message), zap.Int64("synced", job.SyncedSize))
}

// finish records a terminal transition. The history entry is written before
// the status so a stored terminal job always has it.
func (c *Controller) finish(ctx context.Context, status model.Status, message, sum string) {
	now := c.sup.clock.Now()

	c.mu.Lock()
	c.job.Status = status
	c.job.Speed = 0
	c.job.Message = message
	if status == model.StatusCompleted {
		c.job.LastSyncAt = &now
	}
	target := c.target
	c.target = nil
	moved := c.moved
	c.moved = 0
	job, version := c.touchLocked()
	c.mu.Unlock()

	closeTarget(target)

	entry := &model.SyncHistoryEntry{
		Status:           status,
		Message:          message,
		Checksum:         sum,
		FileSize:         job.FileSize,
		SyncType:         model.SyncTypeOf(job.IsIncremental),
		BytesTransferred: moved,
		CreatedAt:        now,
	}
	if err := c.sup.store.AppendHistory(ctx, job.ID, entry); err != nil {
		c.logger.Error("Failed to append sync history", zap.Error(err))
	}
	c.persist(ctx, job, version)

	c.mu.Lock()
	c.running = false
	c.finishedAt = now
	c.mu.Unlock()

	c.sup.release(c, job)
	close(c.finished)
	c.emit(notification.EventStatus, job)
	c.logger.Info("Sync finished", zap.String("status", string(status)), zap.String("message", message))
}

func closeTarget(t storage.Target) {
	if t != nil {
		t.Close()
	}
}
