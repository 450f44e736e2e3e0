package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/studio-b12/gowebdav"

	"github.com/ca-x/hostsync/internal/common"
)

type WebDAVConfig struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c WebDAVConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.URL == "" {
		return fmt.Errorf("URL is required")
	}
	return nil
}

// WebDAVClientInterface is the subset of *gowebdav.Client the provider uses.
type WebDAVClientInterface interface {
	WriteStream(path string, stream io.Reader, perm os.FileMode) error
	ReadStream(path string) (io.ReadCloser, error)
	Stat(path string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
}

type WebDAVProvider struct {
	config WebDAVConfig
	client WebDAVClientInterface
}

func NewWebDAVProvider(config WebDAVConfig) (*WebDAVProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid WebDAV config: %w", err)
	}

	client := gowebdav.NewClient(config.URL, config.Username, config.Password)

	return &WebDAVProvider{
		config: config,
		client: client,
	}, nil
}

func (p *WebDAVProvider) Name() string {
	return p.config.Name
}

func (p *WebDAVProvider) Type() string {
	return "webdav"
}

func (p *WebDAVProvider) Upload(ctx context.Context, name string, reader io.Reader, size int64) error {
	if dir := path.Dir(name); dir != "." && dir != "/" {
		if err := p.client.MkdirAll(dir, 0755); err != nil {
			return webdavError("create WebDAV directory", dir, err)
		}
	}

	if err := p.client.WriteStream(name, reader, 0644); err != nil {
		return webdavError("upload to WebDAV", name, err)
	}

	return nil
}

func (p *WebDAVProvider) Download(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, err := p.client.ReadStream(name)
	if err != nil {
		return nil, webdavError("download from WebDAV", name, err)
	}

	return rc, nil
}

func (p *WebDAVProvider) Size(ctx context.Context, name string) (int64, error) {
	info, err := p.client.Stat(name)
	if err != nil {
		return 0, webdavError("check WebDAV file", name, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", common.ErrInvalidArgument, name)
	}

	return info.Size(), nil
}

func webdavError(op, name string, err error) error {
	msg := err.Error()
	switch {
	case errors.Is(err, fs.ErrNotExist) || strings.Contains(msg, "404"):
		return fmt.Errorf("%w: %s", common.ErrNotFound, name)
	case strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return fmt.Errorf("%w: failed to %s: %w", common.ErrPermissionDenied, op, err)
	}
	return fmt.Errorf("%w: failed to %s: %w", common.ErrIO, op, err)
}
