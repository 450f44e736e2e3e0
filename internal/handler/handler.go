// Package handler serves the JSON control API. Every response is an
// envelope {code, data, message} whose code mirrors the HTTP status.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/ca-x/hostsync/internal/cleanup"
	"github.com/ca-x/hostsync/internal/common"
	"github.com/ca-x/hostsync/internal/model"
	"github.com/ca-x/hostsync/internal/notification"
	"github.com/ca-x/hostsync/internal/service"
	"github.com/ca-x/hostsync/internal/store"
	"github.com/ca-x/hostsync/internal/sync"
)

// Engine is the sync supervisor as seen by the API.
type Engine interface {
	Start(ctx context.Context, req sync.StartRequest) (model.SyncJob, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	ListActive() []model.SyncJob
	Snapshot(id string) (model.SyncJob, bool)
}

type HostManager interface {
	List(ctx context.Context) ([]model.Host, error)
	Get(ctx context.Context, id string) (model.Host, error)
	Create(ctx context.Context, req service.HostRequest) (model.Host, error)
	Update(ctx context.Context, id string, req service.HostRequest) (model.Host, error)
	Delete(ctx context.Context, id string) error
	Check(ctx context.Context, id string) (model.Host, error)
	CheckAll(ctx context.Context) map[string]error
}

type Subscriber interface {
	Subscribe(jobID string) (<-chan notification.Event, func())
}

type SpoolStatter interface {
	Stats() (cleanup.SpoolStats, error)
}

type Handler struct {
	engine Engine
	hosts  HostManager
	jobs   store.JobStore
	events Subscriber
	spool  SpoolStatter
	logger *zap.Logger
}

func New(engine Engine, hosts HostManager, jobs store.JobStore, events Subscriber, spool SpoolStatter, logger *zap.Logger) *Handler {
	return &Handler{
		engine: engine,
		hosts:  hosts,
		jobs:   jobs,
		events: events,
		spool:  spool,
		logger: logger.Named("api"),
	}
}

// Register mounts the control API on e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)

	api := e.Group("/api/v1")
	api.GET("/stats", h.Stats)

	hosts := api.Group("/hosts")
	hosts.GET("/list", h.ListHosts)
	hosts.POST("/create", h.CreateHost)
	hosts.POST("/check", h.CheckAllHosts)
	hosts.PUT("/:id", h.UpdateHost)
	hosts.DELETE("/:id", h.DeleteHost)
	hosts.POST("/:id/check", h.CheckHost)

	hosts.POST("/sync", h.StartSync)
	hosts.GET("/syncs/active", h.ListActiveSyncs)
	hosts.GET("/syncs/:id", h.GetSync)
	hosts.GET("/syncs/:id/history", h.SyncHistory)
	hosts.GET("/syncs/:id/events", h.SyncEvents)
	hosts.POST("/syncs/:id/pause", h.PauseSync)
	hosts.POST("/syncs/:id/resume", h.ResumeSync)
	hosts.POST("/syncs/:id/cancel", h.CancelSync)
	hosts.GET("/:hostId/syncs", h.ListHostSyncs)
}

type Response struct {
	Code    int         `json:"code"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
}

// ErrorData identifies the error kind so clients can react to it.
type ErrorData struct {
	Error string `json:"error"`
}

func respond(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, Response{Code: status, Data: data, Message: "success"})
}

// StatusOf maps an error of the common taxonomy to an HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, common.ErrChecksumMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, common.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, common.ErrAlreadyRunning):
		return http.StatusLocked
	case errors.Is(err, common.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrIO):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c echo.Context, err error) error {
	status := StatusOf(err)
	kind := "Internal"
	if status != http.StatusInternalServerError {
		kind = common.Kind(err)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err))
	}
	return c.JSON(status, Response{Code: status, Data: ErrorData{Error: kind}, Message: err.Error()})
}

// ErrorHandler renders echo's own errors (unknown route, bad method) in the
// response envelope.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	message := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		}
	}
	_ = c.JSON(status, Response{Code: status, Message: message})
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type StatsResponse struct {
	*store.Stats
	Active int                 `json:"active"`
	Spool  *cleanup.SpoolStats `json:"spool,omitempty"`
}

func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.jobs.Stats(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}

	resp := StatsResponse{Stats: stats, Active: len(h.engine.ListActive())}
	if h.spool != nil {
		spool, err := h.spool.Stats()
		if err != nil {
			h.logger.Warn("Failed to read spool stats", zap.Error(err))
		} else {
			resp.Spool = &spool
		}
	}
	return respond(c, http.StatusOK, resp)
}
