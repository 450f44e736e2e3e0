package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ca-x/hostsync/internal/common"
	"github.com/ca-x/hostsync/internal/model"
	"github.com/ca-x/hostsync/internal/notification"
	"github.com/ca-x/hostsync/internal/sync"
)

type StartResponse struct {
	ID  string        `json:"id"`
	Job model.SyncJob `json:"job"`
}

// StartSync accepts a job and returns before any byte is moved.
func (h *Handler) StartSync(c echo.Context) error {
	var req sync.StartRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(c, fmt.Errorf("%w: malformed sync request: %v", common.ErrInvalidArgument, err))
	}
	job, err := h.engine.Start(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return respond(c, http.StatusAccepted, StartResponse{ID: job.ID, Job: job})
}

// live prefers the in-memory snapshot of a running job over the stored row.
func (h *Handler) live(job *model.SyncJob) model.SyncJob {
	if snap, ok := h.engine.Snapshot(job.ID); ok {
		return snap
	}
	return *job
}

func (h *Handler) ListHostSyncs(c echo.Context) error {
	ctx := c.Request().Context()
	hostID := c.Param("hostId")
	if _, err := h.hosts.Get(ctx, hostID); err != nil {
		return h.fail(c, err)
	}

	jobs, err := h.jobs.ListByHost(ctx, hostID)
	if err != nil {
		return h.fail(c, err)
	}
	out := make([]model.SyncJob, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, h.live(job))
	}
	return respond(c, http.StatusOK, out)
}

func (h *Handler) ListActiveSyncs(c echo.Context) error {
	return respond(c, http.StatusOK, h.engine.ListActive())
}

func (h *Handler) GetSync(c echo.Context) error {
	id := c.Param("id")
	if snap, ok := h.engine.Snapshot(id); ok {
		return respond(c, http.StatusOK, snap)
	}
	job, err := h.jobs.Get(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return respond(c, http.StatusOK, job)
}

func (h *Handler) SyncHistory(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.jobs.Get(ctx, id); err != nil {
		return h.fail(c, err)
	}
	entries, err := h.jobs.ListHistory(ctx, id)
	if err != nil {
		return h.fail(c, err)
	}
	if entries == nil {
		entries = []*model.SyncHistoryEntry{}
	}
	return respond(c, http.StatusOK, entries)
}

func (h *Handler) PauseSync(c echo.Context) error {
	if err := h.engine.Pause(c.Request().Context(), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return respond(c, http.StatusOK, nil)
}

func (h *Handler) ResumeSync(c echo.Context) error {
	if err := h.engine.Resume(c.Request().Context(), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return respond(c, http.StatusOK, nil)
}

func (h *Handler) CancelSync(c echo.Context) error {
	if err := h.engine.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return respond(c, http.StatusOK, nil)
}

// SyncEvents streams job events as server-sent events until the job reaches
// a terminal status or the client goes away. The current state is sent
// first. Subscribing happens before the state is read, so no transition
// falls between the two.
func (h *Handler) SyncEvents(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	events, unsubscribe := h.events.Subscribe(id)
	defer unsubscribe()

	current, ok := h.engine.Snapshot(id)
	if !ok {
		job, err := h.jobs.Get(ctx, id)
		if err != nil {
			return h.fail(c, err)
		}
		current = *job
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, notification.Event{Type: notification.EventStatus, Job: current, Time: current.UpdatedAt}); err != nil {
		return nil
	}
	if current.Status.Terminal() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(w, e); err != nil {
				return nil
			}
			if e.Type == notification.EventStatus && e.Job.Status.Terminal() {
				return nil
			}
		}
	}
}

func writeEvent(w *echo.Response, e notification.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
