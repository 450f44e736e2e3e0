package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/ca-x/hostsync/internal/common"
	"github.com/ca-x/hostsync/internal/config"
	"github.com/ca-x/hostsync/internal/model"
	"github.com/ca-x/hostsync/internal/secret"
)

// Dialer opens a Target for a managed host. Callers close the Target.
type Dialer interface {
	Dial(ctx context.Context, host *model.Host) (Target, error)
}

type DialerFunc func(ctx context.Context, host *model.Host) (Target, error)

func (f DialerFunc) Dial(ctx context.Context, host *model.Host) (Target, error) {
	return f(ctx, host)
}

type HostDialer struct {
	box      *secret.Box
	ssh      config.SSHConfig
	localFs  afero.Fs
	spoolFs  afero.Fs
	spoolDir string
	logger   *zap.Logger
}

func NewHostDialer(cfg *config.Config, box *secret.Box, logger *zap.Logger) *HostDialer {
	return &HostDialer{
		box:      box,
		ssh:      cfg.SSH,
		localFs:  afero.NewOsFs(),
		spoolFs:  afero.NewOsFs(),
		spoolDir: cfg.Sync.SpoolDir,
		logger:   logger.Named("dialer"),
	}
}

func (d *HostDialer) Dial(ctx context.Context, host *model.Host) (Target, error) {
	password, err := d.box.Open(host.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal credentials for host %s: %w", host.ID, err)
	}
	sshKey, err := d.box.Open(host.SSHKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal credentials for host %s: %w", host.ID, err)
	}

	opts := host.Options
	name := host.Name

	switch host.Kind {
	case model.HostKindLocal:
		return NewLocalTarget(d.localFs, opts["root"]), nil

	case model.HostKindSSH:
		if opts["known_hosts"] == "" && d.ssh.KnownHosts == "" {
			d.logger.Warn("Host key verification disabled", zap.String("host", host.ID))
		}
		knownHosts := d.ssh.KnownHosts
		if opts["known_hosts"] != "" {
			knownHosts = opts["known_hosts"]
		}
		return DialSSH(ctx, SSHConfig{
			Address:        host.Address,
			Port:           host.Port,
			Username:       host.Username,
			Password:       password,
			PrivateKey:     sshKey,
			KnownHostsFile: knownHosts,
			Timeout:        d.ssh.Timeout(),
		})

	case model.HostKindWebDAV:
		p, err := NewWebDAVProvider(WebDAVConfig{
			Name:     name,
			URL:      host.Address,
			Username: host.Username,
			Password: password,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrInvalidArgument, err)
		}
		return NewStagedTarget(p, d.spoolFs, d.spoolDir), nil

	case model.HostKindS3:
		region := opts["region"]
		if region == "" {
			region = "us-east-1"
		}
		p, err := NewS3Provider(ctx, S3Config{
			Name:            name,
			Endpoint:        host.Address,
			AccessKeyID:     host.Username,
			SecretAccessKey: password,
			Region:          region,
			Bucket:          opts["bucket"],
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrInvalidArgument, err)
		}
		return NewStagedTarget(p, d.spoolFs, d.spoolDir), nil

	case model.HostKindMinIO:
		secure := true
		if v, ok := opts["secure"]; ok {
			secure, _ = strconv.ParseBool(v)
		}
		p, err := NewMinIOProvider(MinIOConfig{
			Name:      name,
			Endpoint:  host.Address,
			AccessKey: host.Username,
			SecretKey: password,
			Region:    opts["region"],
			Bucket:    opts["bucket"],
			Secure:    secure,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrInvalidArgument, err)
		}
		return NewStagedTarget(p, d.spoolFs, d.spoolDir), nil
	}

	return nil, fmt.Errorf("%w: unsupported host kind %q", common.ErrInvalidArgument, host.Kind)
}
