package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ca-x/hostsync/internal/common"
	"github.com/ca-x/hostsync/internal/model"
	"github.com/ca-x/hostsync/internal/secret"
	"github.com/ca-x/hostsync/internal/storage"
	"github.com/ca-x/hostsync/internal/store"
)

// healthProbePath is looked up to prove a host answers; it need not exist.
const healthProbePath = ".hostsync-health"

// JobCanceller cancels every job of a host and waits for them to stop.
type JobCanceller interface {
	CancelHost(ctx context.Context, hostID string) error
}

type HostRequest struct {
	Name        string            `json:"name"`
	Kind        model.HostKind    `json:"kind"`
	Address     string            `json:"address"`
	Port        int               `json:"port"`
	Username    string            `json:"username"`
	Password    string            `json:"password"`
	SSHKey      string            `json:"sshKey"`
	Description string            `json:"description"`
	Options     map[string]string `json:"options"`
}

type HostService struct {
	store  store.HostStore
	box    *secret.Box
	dialer storage.Dialer
	jobs   JobCanceller
	logger *zap.Logger
}

func NewHostService(st store.HostStore, box *secret.Box, dialer storage.Dialer, jobs JobCanceller, logger *zap.Logger) *HostService {
	return &HostService{
		store:  st,
		box:    box,
		dialer: dialer,
		jobs:   jobs,
		logger: logger.Named("hosts"),
	}
}

func (s *HostService) List(ctx context.Context) ([]model.Host, error) {
	hosts, err := s.store.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Host, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, h.Redacted())
	}
	return out, nil
}

func (s *HostService) Get(ctx context.Context, id string) (model.Host, error) {
	h, err := s.store.GetHost(ctx, id)
	if err != nil {
		return model.Host{}, err
	}
	return h.Redacted(), nil
}

// Create stores a new host with sealed credentials and records whether it
// could be reached.
func (s *HostService) Create(ctx context.Context, req HostRequest) (model.Host, error) {
	host := &model.Host{
		Name:        strings.TrimSpace(req.Name),
		Kind:        req.Kind,
		Address:     strings.TrimSpace(req.Address),
		Port:        req.Port,
		Username:    req.Username,
		Password:    req.Password,
		SSHKey:      req.SSHKey,
		Description: req.Description,
		Options:     req.Options,
		Status:      model.HostStatusUnknown,
	}
	if err := host.Validate(); err != nil {
		return model.Host{}, fmt.Errorf("%w: %w", common.ErrInvalidArgument, err)
	}
	if err := s.seal(host); err != nil {
		return model.Host{}, err
	}
	if err := s.store.SaveHost(ctx, host); err != nil {
		return model.Host{}, fmt.Errorf("failed to create host: %w", err)
	}

	s.logger.Info("Host created", zap.String("host", host.ID), zap.String("kind", string(host.Kind)))
	checked, _ := s.check(ctx, host)
	return checked.Redacted(), nil
}

// Update replaces the editable fields of a host. Empty credentials keep the
// stored ones.
func (s *HostService) Update(ctx context.Context, id string, req HostRequest) (model.Host, error) {
	host, err := s.store.GetHost(ctx, id)
	if err != nil {
		return model.Host{}, err
	}

	host.Name = strings.TrimSpace(req.Name)
	if req.Kind != "" {
		host.Kind = req.Kind
	}
	host.Address = strings.TrimSpace(req.Address)
	host.Port = req.Port
	host.Username = req.Username
	host.Description = req.Description
	host.Options = req.Options
	if req.Password != "" {
		host.Password = req.Password
	}
	if req.SSHKey != "" {
		host.SSHKey = req.SSHKey
	}

	if err := host.Validate(); err != nil {
		return model.Host{}, fmt.Errorf("%w: %w", common.ErrInvalidArgument, err)
	}
	if err := s.seal(host); err != nil {
		return model.Host{}, err
	}
	if err := s.store.SaveHost(ctx, host); err != nil {
		return model.Host{}, fmt.Errorf("failed to update host: %w", err)
	}
	return host.Redacted(), nil
}

// Delete cancels the host's jobs before removing it.
func (s *HostService) Delete(ctx context.Context, id string) error {
	if _, err := s.store.GetHost(ctx, id); err != nil {
		return err
	}
	if err := s.jobs.CancelHost(ctx, id); err != nil {
		return fmt.Errorf("failed to cancel jobs of host %s: %w", id, err)
	}
	if err := s.store.DeleteHost(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Host deleted", zap.String("host", id))
	return nil
}

// Check connects to the host and stores the resulting status.
func (s *HostService) Check(ctx context.Context, id string) (model.Host, error) {
	host, err := s.store.GetHost(ctx, id)
	if err != nil {
		return model.Host{}, err
	}
	checked, err := s.check(ctx, host)
	return checked.Redacted(), err
}

// CheckAll checks every host and returns the outcome keyed by host name.
func (s *HostService) CheckAll(ctx context.Context) map[string]error {
	hosts, err := s.store.ListHosts(ctx)
	if err != nil {
		return map[string]error{"query": err}
	}

	results := make(map[string]error, len(hosts))
	for _, h := range hosts {
		_, err := s.check(ctx, h)
		results[h.Name] = err
	}
	return results
}

func (s *HostService) check(ctx context.Context, host *model.Host) (*model.Host, error) {
	err := s.reach(ctx, host)

	status := model.HostStatusConnected
	if err != nil {
		status = model.HostStatusUnreachable
		s.logger.Warn("Host unreachable", zap.String("host", host.ID), zap.Error(err))
	}
	if host.Status != status {
		host.Status = status
		if saveErr := s.store.SaveHost(ctx, host); saveErr != nil {
			s.logger.Error("Failed to record host status", zap.String("host", host.ID), zap.Error(saveErr))
		}
	}
	return host, err
}

func (s *HostService) reach(ctx context.Context, host *model.Host) error {
	target, err := s.dialer.Dial(ctx, host)
	if err != nil {
		return err
	}
	defer target.Close()

	if _, err := target.Stat(ctx, healthProbePath); err != nil && !common.IsNotFound(err) {
		return err
	}
	return nil
}

func (s *HostService) seal(host *model.Host) error {
	var err error
	if host.Password, err = s.box.Seal(host.Password); err != nil {
		return fmt.Errorf("failed to seal password: %w", err)
	}
	if host.SSHKey, err = s.box.Seal(host.SSHKey); err != nil {
		return fmt.Errorf("failed to seal ssh key: %w", err)
	}
	return nil
}
