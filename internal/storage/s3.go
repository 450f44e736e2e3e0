package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ca-x/hostsync/internal/common"
)

type S3Config struct {
	Name            string `json:"name"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
}

func (c S3Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.AccessKeyID == "" {
		return fmt.Errorf("access key ID is required")
	}
	if c.SecretAccessKey == "" {
		return fmt.Errorf("secret access key is required")
	}
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	return nil
}

// S3ClientInterface is the subset of *s3.Client the provider uses.
type S3ClientInterface interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type S3Provider struct {
	config S3Config
	client S3ClientInterface
}

func NewS3Provider(ctx context.Context, config S3Config) (*S3Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid S3 config: %w", err)
	}

	cfg, err := awsConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		// Custom endpoints are usually S3 compatible stores without
		// virtual-host bucket routing.
		o.UsePathStyle = config.Endpoint != ""
	})

	return &S3Provider{
		config: config,
		client: client,
	}, nil
}

func awsConfig(ctx context.Context, c S3Config) (aws.Config, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(c.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.AccessKeyID,
			c.SecretAccessKey,
			"",
		)),
	)

	if err != nil {
		return aws.Config{}, err
	}

	if c.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(c.Endpoint)
	}

	return cfg, nil
}

func (p *S3Provider) Name() string {
	return p.config.Name
}

func (p *S3Provider) Type() string {
	return "s3"
}

func (p *S3Provider) Upload(ctx context.Context, path string, reader io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(p.config.Bucket),
		Key:    aws.String(path),
		Body:   reader,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := p.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("%w: failed to upload to S3: %w", common.ErrIO, err)
	}

	return nil
}

func (p *S3Provider) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	result, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.config.Bucket),
		Key:    aws.String(path),
	})

	if err != nil {
		return nil, s3Error("download from S3", path, err)
	}

	return result.Body, nil
}

func (p *S3Provider) Size(ctx context.Context, path string) (int64, error) {
	result, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.config.Bucket),
		Key:    aws.String(path),
	})

	if err != nil {
		return 0, s3Error("check S3 object", path, err)
	}

	return aws.ToInt64(result.ContentLength), nil
}

func s3Error(op, path string, err error) error {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return fmt.Errorf("%w: %s", common.ErrNotFound, path)
	}
	return fmt.Errorf("%w: failed to %s: %w", common.ErrIO, op, err)
}
