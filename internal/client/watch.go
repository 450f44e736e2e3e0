package client

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ca-x/hostsync/internal/model"
)

// PollInterval matches the refresh rate used for active transfers.
const PollInterval = time.Second

type Watcher struct {
	client   *Client
	clock    clockwork.Clock
	interval time.Duration
}

func NewWatcher(c *Client, clock clockwork.Clock) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watcher{client: c, clock: clock, interval: PollInterval}
}

// Watch polls the given jobs, handing every round of snapshots to update,
// until all of them are terminal or ctx ends. It returns the final
// snapshots.
func (w *Watcher) Watch(ctx context.Context, ids []string, update func([]model.SyncJob)) ([]model.SyncJob, error) {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		jobs, err := w.poll(ctx, ids)
		if err != nil {
			return jobs, err
		}
		if update != nil {
			update(jobs)
		}
		if allTerminal(jobs) {
			return jobs, nil
		}

		select {
		case <-ctx.Done():
			return jobs, ctx.Err()
		case <-ticker.Chan():
		}
	}
}

func (w *Watcher) poll(ctx context.Context, ids []string) ([]model.SyncJob, error) {
	jobs := make([]model.SyncJob, 0, len(ids))
	for _, id := range ids {
		job, err := w.client.GetSync(ctx, id)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func allTerminal(jobs []model.SyncJob) bool {
	for _, j := range jobs {
		if !j.Status.Terminal() {
			return false
		}
	}
	return true
}
