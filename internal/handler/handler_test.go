package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ca-x/hostsync/internal/cleanup"
	"github.com/ca-x/hostsync/internal/common"
	"github.com/ca-x/hostsync/internal/config"
	"github.com/ca-x/hostsync/internal/database"
	"github.com/ca-x/hostsync/internal/model"
	"github.com/ca-x/hostsync/internal/notification"
	"github.com/ca-x/hostsync/internal/service"
	"github.com/ca-x/hostsync/internal/store"
	"github.com/ca-x/hostsync/internal/sync"
)

type fakeEngine struct {
	mu         stdsync.Mutex
	startErr   error
	controlErr error
	started    []sync.StartRequest
	controls   []string
	snapshots  map[string]model.SyncJob
}

func (e *fakeEngine) Start(ctx context.Context, req sync.StartRequest) (model.SyncJob, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return model.SyncJob{}, e.startErr
	}
	e.started = append(e.started, req)
	return model.SyncJob{ID: "job-1", HostID: req.HostID, SourcePath: req.SourcePath, TargetPath: req.TargetPath, Status: model.StatusPending}, nil
}

func (e *fakeEngine) control(op, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.controls = append(e.controls, op+" "+id)
	return e.controlErr
}

func (e *fakeEngine) Pause(ctx context.Context, id string) error  { return e.control("pause", id) }
func (e *fakeEngine) Resume(ctx context.Context, id string) error { return e.control("resume", id) }
func (e *fakeEngine) Cancel(ctx context.Context, id string) error { return e.control("cancel", id) }

func (e *fakeEngine) ListActive() []model.SyncJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.SyncJob
	for _, j := range e.snapshots {
		out = append(out, j)
	}
	return out
}

func (e *fakeEngine) Snapshot(id string) (model.SyncJob, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.snapshots[id]
	return j, ok
}

type fakeHosts struct {
	hosts    map[string]model.Host
	checkErr error
}

func (f *fakeHosts) List(ctx context.Context) ([]model.Host, error) {
	var out []model.Host
	for _, h := range f.hosts {
		out = append(out, h)
	}
	return out, nil
}

func (f *fakeHosts) Get(ctx context.Context, id string) (model.Host, error) {
	h, ok := f.hosts[id]
	if !ok {
		return model.Host{}, fmt.Errorf("%w: host %s", common.ErrNotFound, id)
	}
	return h, nil
}

func (f *fakeHosts) Create(ctx context.Context, req service.HostRequest) (model.Host, error) {
	if req.Name == "" {
		return model.Host{}, fmt.Errorf("%w: name is required", common.ErrInvalidArgument)
	}
	h := model.Host{ID: "h-new", Name: req.Name, Kind: req.Kind}
	f.hosts[h.ID] = h
	return h, nil
}

func (f *fakeHosts) Update(ctx context.Context, id string, req service.HostRequest) (model.Host, error) {
	h, err := f.Get(ctx, id)
	if err != nil {
		return h, err
	}
	h.Name = req.Name
	f.hosts[id] = h
	return h, nil
}

func (f *fakeHosts) Delete(ctx context.Context, id string) error {
	if _, err := f.Get(ctx, id); err != nil {
		return err
	}
	delete(f.hosts, id)
	return nil
}

func (f *fakeHosts) Check(ctx context.Context, id string) (model.Host, error) {
	h, err := f.Get(ctx, id)
	if err != nil {
		return model.Host{}, err
	}
	if f.checkErr != nil {
		h.Status = model.HostStatusUnreachable
		return h, f.checkErr
	}
	h.Status = model.HostStatusConnected
	return h, nil
}

func (f *fakeHosts) CheckAll(ctx context.Context) map[string]error {
	out := map[string]error{}
	for _, h := range f.hosts {
		out[h.Name] = f.checkErr
	}
	return out
}

type fakeSpool struct{}

func (fakeSpool) Stats() (cleanup.SpoolStats, error) {
	return cleanup.SpoolStats{Files: 2, Bytes: 2048}, nil
}

type apiFixture struct {
	engine *fakeEngine
	hosts  *fakeHosts
	store  *store.SQLStore
	hub    *notification.Hub
	echo   *echo.Echo
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	db, dialect, err := database.New(context.Background(), config.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "api.db"),
	})
	require.NoError(t, err)
	st := store.NewSQLStore(db, dialect)
	t.Cleanup(func() { st.Close() })

	f := &apiFixture{
		engine: &fakeEngine{snapshots: map[string]model.SyncJob{}},
		hosts:  &fakeHosts{hosts: map[string]model.Host{"h1": {ID: "h1", Name: "web-1", Kind: model.HostKindLocal}}},
		store:  st,
		hub:    notification.NewHub(),
		echo:   echo.New(),
	}
	f.echo.HTTPErrorHandler = ErrorHandler
	New(f.engine, f.hosts, st, f.hub, fakeSpool{}, zap.NewNop()).Register(f.echo)
	return f
}

type envelope struct {
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func (f *apiFixture) seedJob(t *testing.T, job model.SyncJob) *model.SyncJob {
	t.Helper()
	require.NoError(t, f.store.Save(context.Background(), &job))
	return &job
}

func TestStartSyncIsAccepted(t *testing.T) {
	f := newAPI(t)

	code, env := f.do(t, http.MethodPost, "/api/v1/hosts/sync",
		`{"hostId":"h1","sourcePath":"/srv/a.bin","targetPath":"/data/a.bin","isIncremental":true}`)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, http.StatusAccepted, env.Code)

	resp := decode[StartResponse](t, env.Data)
	assert.Equal(t, "job-1", resp.ID)
	require.Len(t, f.engine.started, 1)
	assert.True(t, f.engine.started[0].IsIncremental)
	assert.Equal(t, "/srv/a.bin", f.engine.started[0].SourcePath)
}

func TestErrorsMapToDistinctCodes(t *testing.T) {
	tests := []struct {
		err  error
		code int
		kind string
	}{
		{fmt.Errorf("%w: host h9", common.ErrNotFound), http.StatusNotFound, "NotFound"},
		{fmt.Errorf("%w: /data", common.ErrPermissionDenied), http.StatusForbidden, "PermissionDenied"},
		{fmt.Errorf("%w: reset by peer", common.ErrIO), http.StatusBadGateway, "IOError"},
		{fmt.Errorf("%w: sha256", common.ErrChecksumMismatch), http.StatusUnprocessableEntity, "ChecksumMismatch"},
		{fmt.Errorf("%w: paused", common.ErrInvalidTransition), http.StatusConflict, "InvalidTransition"},
		{fmt.Errorf("%w: job-1", common.ErrAlreadyRunning), http.StatusLocked, "AlreadyRunning"},
		{fmt.Errorf("%w: hostId is required", common.ErrInvalidArgument), http.StatusBadRequest, "InvalidArgument"},
		{errors.New("unexpected"), http.StatusInternalServerError, "Internal"},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			f := newAPI(t)
			f.engine.startErr = tt.err

			code, env := f.do(t, http.MethodPost, "/api/v1/hosts/sync", `{"hostId":"h1","sourcePath":"a","targetPath":"b"}`)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.code, env.Code)
			assert.Equal(t, tt.kind, decode[ErrorData](t, env.Data).Error)
			assert.Equal(t, tt.err.Error(), env.Message)
		})
	}
}

func TestStartSyncMalformedBody(t *testing.T) {
	f := newAPI(t)
	code, env := f.do(t, http.MethodPost, "/api/v1/hosts/sync", `{"hostId":`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidArgument", decode[ErrorData](t, env.Data).Error)
	assert.Empty(t, f.engine.started)
}

func TestControlRequests(t *testing.T) {
	f := newAPI(t)

	for _, op := range []string{"pause", "resume", "cancel"} {
		code, env := f.do(t, http.MethodPost, "/api/v1/hosts/syncs/job-7/"+op, "")
		assert.Equal(t, http.StatusOK, code, op)
		assert.Equal(t, "success", env.Message)
	}
	assert.Equal(t, []string{"pause job-7", "resume job-7", "cancel job-7"}, f.engine.controls)

	f.engine.controlErr = fmt.Errorf("%w: job is completed", common.ErrInvalidTransition)
	code, env := f.do(t, http.MethodPost, "/api/v1/hosts/syncs/job-7/resume", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "InvalidTransition", decode[ErrorData](t, env.Data).Error)
}

func TestListHostSyncsPrefersLiveState(t *testing.T) {
	f := newAPI(t)
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	running := f.seedJob(t, model.SyncJob{HostID: "h1", SourcePath: "/a", TargetPath: "/a", Status: model.StatusSyncing, FileSize: 100, SyncedSize: 10, Progress: 10, CreatedAt: created})
	f.seedJob(t, model.SyncJob{HostID: "h1", SourcePath: "/b", TargetPath: "/b", Status: model.StatusCompleted, FileSize: 5, SyncedSize: 5, Progress: 100, CreatedAt: created.Add(time.Second)})
	f.seedJob(t, model.SyncJob{HostID: "h2", SourcePath: "/c", TargetPath: "/c", Status: model.StatusCompleted})

	live := *running
	live.SetSynced(60)
	f.engine.snapshots[live.ID] = live

	code, env := f.do(t, http.MethodGet, "/api/v1/hosts/h1/syncs", "")
	require.Equal(t, http.StatusOK, code)
	jobs := decode[[]model.SyncJob](t, env.Data)
	require.Len(t, jobs, 2)
	assert.Equal(t, running.ID, jobs[0].ID)
	assert.Equal(t, 60, jobs[0].Progress)
	assert.Equal(t, model.StatusCompleted, jobs[1].Status)
}

func TestListHostSyncsUnknownHost(t *testing.T) {
	f := newAPI(t)
	code, env := f.do(t, http.MethodGet, "/api/v1/hosts/nope/syncs", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NotFound", decode[ErrorData](t, env.Data).Error)
}

func TestGetSyncAndHistory(t *testing.T) {
	ctx := context.Background()
	f := newAPI(t)
	job := f.seedJob(t, model.SyncJob{HostID: "h1", SourcePath: "/a", TargetPath: "/a", Status: model.StatusCompleted})
	for _, msg := range []string{"first", "second"} {
		require.NoError(t, f.store.AppendHistory(ctx, job.ID, &model.SyncHistoryEntry{
			Status: model.StatusCompleted, Message: msg, SyncType: model.SyncTypeFull,
		}))
	}

	code, env := f.do(t, http.MethodGet, "/api/v1/hosts/syncs/"+job.ID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, job.ID, decode[model.SyncJob](t, env.Data).ID)

	code, env = f.do(t, http.MethodGet, "/api/v1/hosts/syncs/"+job.ID+"/history", "")
	require.Equal(t, http.StatusOK, code)
	entries := decode[[]model.SyncHistoryEntry](t, env.Data)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Message)
	assert.Equal(t, "second", entries[1].Message)

	code, _ = f.do(t, http.MethodGet, "/api/v1/hosts/syncs/missing/history", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodGet, "/api/v1/hosts/syncs/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListActiveSyncs(t *testing.T) {
	f := newAPI(t)
	f.engine.snapshots["j1"] = model.SyncJob{ID: "j1", Status: model.StatusSyncing}

	code, env := f.do(t, http.MethodGet, "/api/v1/hosts/syncs/active", "")
	require.Equal(t, http.StatusOK, code)
	jobs := decode[[]model.SyncJob](t, env.Data)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)
}

func TestHostRoutes(t *testing.T) {
	f := newAPI(t)

	code, env := f.do(t, http.MethodPost, "/api/v1/hosts/create", `{"name":"db-1","kind":"local"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "db-1", decode[model.Host](t, env.Data).Name)

	code, _ = f.do(t, http.MethodPost, "/api/v1/hosts/create", `{"kind":"local"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = f.do(t, http.MethodPut, "/api/v1/hosts/h1", `{"name":"web-renamed"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "web-renamed", decode[model.Host](t, env.Data).Name)

	code, env = f.do(t, http.MethodGet, "/api/v1/hosts/list", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]model.Host](t, env.Data), 2)

	code, _ = f.do(t, http.MethodDelete, "/api/v1/hosts/h-new", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodDelete, "/api/v1/hosts/h-new", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCheckHostReportsUnreachable(t *testing.T) {
	f := newAPI(t)
	f.hosts.checkErr = errors.New("connection refused")

	code, env := f.do(t, http.MethodPost, "/api/v1/hosts/h1/check", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "connection refused", env.Message)
	assert.Equal(t, model.HostStatusUnreachable, decode[model.Host](t, env.Data).Status)

	code, _ = f.do(t, http.MethodPost, "/api/v1/hosts/nope/check", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, env = f.do(t, http.MethodPost, "/api/v1/hosts/check", "")
	require.Equal(t, http.StatusOK, code)
	results := decode[[]HostCheckResult](t, env.Data)
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
}

func TestStats(t *testing.T) {
	f := newAPI(t)
	f.seedJob(t, model.SyncJob{HostID: "h1", SourcePath: "/a", TargetPath: "/a", Status: model.StatusCompleted})
	f.engine.snapshots["j1"] = model.SyncJob{ID: "j1", Status: model.StatusSyncing}

	code, env := f.do(t, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, code)
	stats := decode[StatsResponse](t, env.Data)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Jobs[model.StatusCompleted])
	require.NotNil(t, stats.Spool)
	assert.Equal(t, 2, stats.Spool.Files)
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	f := newAPI(t)
	code, env := f.do(t, http.MethodGet, "/api/v1/nothing", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, http.StatusNotFound, env.Code)
}

func readEvents(body *bufio.Scanner) []notification.Event {
	var events []notification.Event
	for body.Scan() {
		line := body.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e notification.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events
}

func TestSyncEventsForFinishedJob(t *testing.T) {
	f := newAPI(t)
	job := f.seedJob(t, model.SyncJob{HostID: "h1", SourcePath: "/a", TargetPath: "/a", Status: model.StatusCompleted})

	srv := httptest.NewServer(f.echo)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/hosts/syncs/" + job.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get(echo.HeaderContentType))

	events := readEvents(bufio.NewScanner(resp.Body))
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusCompleted, events[0].Job.Status)
}

func TestSyncEventsStreamsUntilTerminal(t *testing.T) {
	f := newAPI(t)
	job := model.SyncJob{ID: "live", HostID: "h1", Status: model.StatusSyncing, FileSize: 100}
	f.engine.snapshots[job.ID] = job

	srv := httptest.NewServer(f.echo)
	defer srv.Close()

	done := make(chan []notification.Event)
	go func() {
		resp, err := http.Get(srv.URL + "/api/v1/hosts/syncs/live/events")
		if err != nil {
			done <- nil
			return
		}
		defer resp.Body.Close()
		done <- readEvents(bufio.NewScanner(resp.Body))
	}()

	require.Eventually(t, func() bool { return f.hub.Subscribers("live") == 1 }, 2*time.Second, 5*time.Millisecond)

	progress := job
	progress.SetSynced(50)
	f.hub.Notify(notification.Event{Type: notification.EventProgress, Job: progress, Time: time.Now()})
	finished := progress
	finished.SetSynced(100)
	finished.Status = model.StatusCompleted
	f.hub.Notify(notification.Event{Type: notification.EventStatus, Job: finished, Time: time.Now()})

	select {
	case events := <-done:
		require.Len(t, events, 3)
		assert.Equal(t, model.StatusSyncing, events[0].Job.Status)
		assert.Equal(t, 50, events[1].Job.Progress)
		assert.Equal(t, model.StatusCompleted, events[2].Job.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not end after the terminal event")
	}
	assert.Eventually(t, func() bool { return f.hub.Subscribers("live") == 0 }, time.Second, 5*time.Millisecond)
}

func TestSyncEventsUnknownJob(t *testing.T) {
	f := newAPI(t)
	code, _ := f.do(t, http.MethodGet, "/api/v1/hosts/syncs/missing/events", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Zero(t, f.hub.Subscribers("missing"))
}
