// Package client talks to the hostsync control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ca-x/hostsync/internal/common"
	"github.com/ca-x/hostsync/internal/handler"
	"github.com/ca-x/hostsync/internal/model"
	"github.com/ca-x/hostsync/internal/service"
	"github.com/ca-x/hostsync/internal/sync"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a failed response. It matches the common sentinel of its kind
// with errors.Is.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("%d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

var kinds = map[string]error{
	"NotFound":          common.ErrNotFound,
	"PermissionDenied":  common.ErrPermissionDenied,
	"IOError":           common.ErrIO,
	"ChecksumMismatch":  common.ErrChecksumMismatch,
	"InvalidTransition": common.ErrInvalidTransition,
	"AlreadyRunning":    common.ErrAlreadyRunning,
	"InvalidArgument":   common.ErrInvalidArgument,
}

func (e *APIError) Is(target error) bool {
	sentinel, ok := kinds[e.Kind]
	return ok && sentinel == target
}

type envelope struct {
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrIO, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: malformed response (HTTP %d): %w", common.ErrIO, resp.StatusCode, err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: env.Message}
		var data handler.ErrorData
		if len(env.Data) > 0 && json.Unmarshal(env.Data, &data) == nil {
			apiErr.Kind = data.Error
		}
		return apiErr
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) ListHosts(ctx context.Context) ([]model.Host, error) {
	var hosts []model.Host
	err := c.do(ctx, http.MethodGet, "/api/v1/hosts/list", nil, &hosts)
	return hosts, err
}

func (c *Client) CreateHost(ctx context.Context, req service.HostRequest) (model.Host, error) {
	var host model.Host
	err := c.do(ctx, http.MethodPost, "/api/v1/hosts/create", req, &host)
	return host, err
}

func (c *Client) DeleteHost(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/hosts/"+url.PathEscape(id), nil, nil)
}

func (c *Client) CheckHost(ctx context.Context, id string) (model.Host, error) {
	var host model.Host
	err := c.do(ctx, http.MethodPost, "/api/v1/hosts/"+url.PathEscape(id)+"/check", nil, &host)
	return host, err
}

func (c *Client) StartSync(ctx context.Context, req sync.StartRequest) (model.SyncJob, error) {
	var resp handler.StartResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/hosts/sync", req, &resp)
	return resp.Job, err
}

func (c *Client) GetSync(ctx context.Context, id string) (model.SyncJob, error) {
	var job model.SyncJob
	err := c.do(ctx, http.MethodGet, "/api/v1/hosts/syncs/"+url.PathEscape(id), nil, &job)
	return job, err
}

func (c *Client) ListSyncs(ctx context.Context, hostID string) ([]model.SyncJob, error) {
	var jobs []model.SyncJob
	err := c.do(ctx, http.MethodGet, "/api/v1/hosts/"+url.PathEscape(hostID)+"/syncs", nil, &jobs)
	return jobs, err
}

func (c *Client) ListActive(ctx context.Context) ([]model.SyncJob, error) {
	var jobs []model.SyncJob
	err := c.do(ctx, http.MethodGet, "/api/v1/hosts/syncs/active", nil, &jobs)
	return jobs, err
}

func (c *Client) History(ctx context.Context, id string) ([]model.SyncHistoryEntry, error) {
	var entries []model.SyncHistoryEntry
	err := c.do(ctx, http.MethodGet, "/api/v1/hosts/syncs/"+url.PathEscape(id)+"/history", nil, &entries)
	return entries, err
}

func (c *Client) Pause(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/hosts/syncs/"+url.PathEscape(id)+"/pause", nil, nil)
}

func (c *Client) Resume(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/hosts/syncs/"+url.PathEscape(id)+"/resume", nil, nil)
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/hosts/syncs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (c *Client) Stats(ctx context.Context) (handler.StatsResponse, error) {
	var stats handler.StatsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &stats)
	return stats, err
}
