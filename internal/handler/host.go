package handler

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/ca-x/hostsync/internal/common"
	"github.com/ca-x/hostsync/internal/service"
)

func (h *Handler) ListHosts(c echo.Context) error {
	hosts, err := h.hosts.List(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return respond(c, http.StatusOK, hosts)
}

func (h *Handler) bindHost(c echo.Context) (service.HostRequest, error) {
	var req service.HostRequest
	if err := c.Bind(&req); err != nil {
		return req, fmt.Errorf("%w: malformed host: %v", common.ErrInvalidArgument, err)
	}
	return req, nil
}

func (h *Handler) CreateHost(c echo.Context) error {
	req, err := h.bindHost(c)
	if err != nil {
		return h.fail(c, err)
	}
	host, err := h.hosts.Create(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return respond(c, http.StatusOK, host)
}

func (h *Handler) UpdateHost(c echo.Context) error {
	req, err := h.bindHost(c)
	if err != nil {
		return h.fail(c, err)
	}
	host, err := h.hosts.Update(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return h.fail(c, err)
	}
	return respond(c, http.StatusOK, host)
}

// DeleteHost cancels the host's jobs before removing it.
func (h *Handler) DeleteHost(c echo.Context) error {
	if err := h.hosts.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return respond(c, http.StatusOK, nil)
}

func (h *Handler) CheckHost(c echo.Context) error {
	host, err := h.hosts.Check(c.Request().Context(), c.Param("id"))
	if err != nil && host.ID == "" {
		return h.fail(c, err)
	}
	if err != nil {
		// Reachability is the result being asked for, not a request failure.
		return c.JSON(http.StatusOK, Response{Code: http.StatusOK, Data: host, Message: err.Error()})
	}
	return respond(c, http.StatusOK, host)
}

type HostCheckResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (h *Handler) CheckAllHosts(c echo.Context) error {
	results := h.hosts.CheckAll(c.Request().Context())

	out := make([]HostCheckResult, 0, len(results))
	for name, err := range results {
		r := HostCheckResult{Name: name, OK: err == nil}
		if err != nil {
			r.Error = err.Error()
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return respond(c, http.StatusOK, out)
}
