package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ca-x/hostsync/internal/common"
)

type MinIOConfig struct {
	Name      string `json:"name"`
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	Secure    bool   `json:"secure"`
}

func (c MinIOConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("access key and secret key are required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	return nil
}

// MinIOClientInterface is the subset of *minio.Client the provider uses.
// GetObjectReader stands in for GetObject, whose *minio.Object result
// cannot be built outside the library.
type MinIOClientInterface interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	GetObjectReader(ctx context.Context, bucketName, objectName string) (io.ReadCloser, error)
}

type minioClient struct {
	*minio.Client
}

func (c minioClient) GetObjectReader(ctx context.Context, bucketName, objectName string) (io.ReadCloser, error) {
	return c.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
}

type MinIOProvider struct {
	config MinIOConfig
	client MinIOClientInterface
}

func NewMinIOProvider(config MinIOConfig) (*MinIOProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid MinIO config: %w", err)
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure:       config.Secure,
		Region:       config.Region,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	return &MinIOProvider{
		config: config,
		client: minioClient{client},
	}, nil
}

func (p *MinIOProvider) Name() string {
	return p.config.Name
}

func (p *MinIOProvider) Type() string {
	return "minio"
}

func (p *MinIOProvider) Upload(ctx context.Context, path string, reader io.Reader, size int64) error {
	_, err := p.client.PutObject(ctx, p.config.Bucket, path, reader, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return minioError("upload to MinIO", path, err)
	}
	return nil
}

func (p *MinIOProvider) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	// GetObject is lazy; stat first so a missing object fails here.
	if _, err := p.Size(ctx, path); err != nil {
		return nil, err
	}

	rc, err := p.client.GetObjectReader(ctx, p.config.Bucket, path)
	if err != nil {
		return nil, minioError("download from MinIO", path, err)
	}
	return rc, nil
}

func (p *MinIOProvider) Size(ctx context.Context, path string) (int64, error) {
	info, err := p.client.StatObject(ctx, p.config.Bucket, path, minio.StatObjectOptions{})
	if err != nil {
		return 0, minioError("stat MinIO object", path, err)
	}
	return info.Size, nil
}

func minioError(op, path string, err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch {
		case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", common.ErrNotFound, path)
		case resp.Code == "AccessDenied" || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: failed to %s: %w", common.ErrPermissionDenied, op, err)
		}
	}
	return fmt.Errorf("%w: failed to %s: %w", common.ErrIO, op, err)
}
