// Package scheduler runs the periodic maintenance of a running server.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const reapInterval = 30 * time.Second

// Engine is the part of the sync supervisor driven by the scheduler.
type Engine interface {
	Reap() int
	CheckStalls() int
}

type HealthChecker interface {
	CheckAll(ctx context.Context) map[string]error
}

type Reporter interface {
	SendHealthCheckReport(results map[string]error) error
}

type SpoolCleaner interface {
	CleanupSpool(ctx context.Context) (int, error)
}

type Options struct {
	StallTimeout         time.Duration
	HealthCheckInterval  time.Duration
	SpoolCleanupInterval time.Duration
	Clock                clockwork.Clock
}

type task struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
}

type Service struct {
	engine   Engine
	health   HealthChecker
	reporter Reporter
	cleaner  SpoolCleaner
	opts     Options
	clock    clockwork.Clock
	logger   *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewService(engine Engine, health HealthChecker, reporter Reporter, cleaner SpoolCleaner, opts Options, logger *zap.Logger) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		engine:   engine,
		health:   health,
		reporter: reporter,
		cleaner:  cleaner,
		opts:     opts,
		clock:    clock,
		logger:   logger.Named("scheduler"),
		stopChan: make(chan struct{}),
	}
}

// stallCheckInterval checks a few times per stall timeout so a stalled
// transfer is noticed well before twice the timeout has passed.
func stallCheckInterval(timeout time.Duration) time.Duration {
	interval := timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func (s *Service) tasks() []task {
	tasks := []task{
		{name: "reaper", interval: reapInterval, run: func(context.Context) { s.runReap() }},
	}
	if s.opts.StallTimeout > 0 {
		tasks = append(tasks, task{
			name:     "stall watchdog",
			interval: stallCheckInterval(s.opts.StallTimeout),
			run:      func(context.Context) { s.runStallCheck() },
		})
	}
	if s.health != nil && s.opts.HealthCheckInterval > 0 {
		tasks = append(tasks, task{name: "health check", interval: s.opts.HealthCheckInterval, run: s.runHealthCheck})
	} else {
		s.logger.Info("Host health checks disabled")
	}
	if s.cleaner != nil && s.opts.SpoolCleanupInterval > 0 {
		tasks = append(tasks, task{name: "spool cleanup", interval: s.opts.SpoolCleanupInterval, run: s.runCleanup})
	} else {
		s.logger.Info("Spool cleanup disabled")
	}
	return tasks
}

func (s *Service) Start(ctx context.Context) error {
	for _, t := range s.tasks() {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	return nil
}

func (s *Service) loop(ctx context.Context, t task) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(t.interval)
	defer ticker.Stop()
	s.logger.Info("Task started", zap.String("task", t.name), zap.Duration("interval", t.interval))

	for {
		select {
		case <-ticker.Chan():
			t.run(ctx)
		case <-ctx.Done():
			return
		case <-s.stopChan:
			s.logger.Info("Task stopped", zap.String("task", t.name))
			return
		}
	}
}

// Stop ends every task and waits for runs in progress to return.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *Service) runReap() {
	if n := s.engine.Reap(); n > 0 {
		s.logger.Debug("Reaped finished jobs", zap.Int("count", n))
	}
}

func (s *Service) runStallCheck() {
	if n := s.engine.CheckStalls(); n > 0 {
		s.logger.Warn("Stalled transfers detected", zap.Int("count", n))
	}
}

func (s *Service) runHealthCheck(ctx context.Context) {
	results := s.RunHealthCheckNow(ctx)

	failed := false
	for _, err := range results {
		if err != nil {
			failed = true
			break
		}
	}
	if !failed || s.reporter == nil {
		return
	}
	if err := s.reporter.SendHealthCheckReport(results); err != nil {
		s.logger.Error("Failed to send health check report", zap.Error(err))
	}
}

// RunHealthCheckNow checks every host immediately.
func (s *Service) RunHealthCheckNow(ctx context.Context) map[string]error {
	results := s.health.CheckAll(ctx)
	unreachable := 0
	for _, err := range results {
		if err != nil {
			unreachable++
		}
	}
	s.logger.Info("Host health check completed",
		zap.Int("hosts", len(results)),
		zap.Int("unreachable", unreachable))
	return results
}

func (s *Service) runCleanup(ctx context.Context) {
	if _, err := s.cleaner.CleanupSpool(ctx); err != nil {
		s.logger.Error("Scheduled spool cleanup failed", zap.Error(err))
	}
}
