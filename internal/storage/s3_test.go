package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ca-x/hostsync/internal/common"
)

// MockS3Client 模拟S3客户端
type MockS3Client struct {
	objects map[string][]byte
	err     error
}

func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		objects: make(map[string][]byte),
	}
}

func (m *MockS3Client) SetError(err error) {
	m.err = err
}

func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.objects[*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}

	data, exists := m.objects[*params.Key]
	if !exists {
		return nil, &types.NoSuchKey{}
	}

	return &s3.GetObjectOutput{
		Body: io.NopCloser(strings.NewReader(string(data))),
	}, nil
}

func (m *MockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}

	data, exists := m.objects[*params.Key]
	if !exists {
		return nil, &types.NotFound{}
	}

	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

// 创建测试用的S3Provider
func createTestS3Provider(mockClient S3ClientInterface) *S3Provider {
	config := S3Config{
		Name:            "test-s3",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		Region:          "us-east-1",
		Bucket:          "test-bucket",
	}

	return &S3Provider{
		config: config,
		client: mockClient,
	}
}

func TestS3Config_Validate(t *testing.T) {
	valid := S3Config{
		Name:            "test",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Region:          "us-east-1",
		Bucket:          "bucket",
	}

	tests := []struct {
		name    string
		mutate  func(*S3Config)
		wantErr bool
	}{
		{"valid config", func(*S3Config) {}, false},
		{"missing name", func(c *S3Config) { c.Name = "" }, true},
		{"missing access key", func(c *S3Config) { c.AccessKeyID = "" }, true},
		{"missing secret key", func(c *S3Config) { c.SecretAccessKey = "" }, true},
		{"missing region", func(c *S3Config) { c.Region = "" }, true},
		{"missing bucket", func(c *S3Config) { c.Bucket = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid
			tt.mutate(&config)
			if err := config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("S3Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestS3Provider_Upload(t *testing.T) {
	mockClient := NewMockS3Client()
	provider := createTestS3Provider(mockClient)

	ctx := context.Background()
	testData := "test data content"

	err := provider.Upload(ctx, "dir/test-file.txt", strings.NewReader(testData), int64(len(testData)))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	// 验证数据是否上传成功
	if data, exists := mockClient.objects["dir/test-file.txt"]; !exists || string(data) != testData {
		t.Errorf("Upload() failed, expected data %s, got %s", testData, string(data))
	}
}

func TestS3Provider_Upload_Error(t *testing.T) {
	mockClient := NewMockS3Client()
	mockClient.SetError(errors.New("upload error"))
	provider := createTestS3Provider(mockClient)

	err := provider.Upload(context.Background(), "test-file.txt", strings.NewReader("test data"), 9)
	if !errors.Is(err, common.ErrIO) {
		t.Errorf("Upload() expected IOError, got %v", err)
	}
}

func TestS3Provider_Download(t *testing.T) {
	mockClient := NewMockS3Client()
	provider := createTestS3Provider(mockClient)

	// 预先设置数据
	testData := "test download content"
	mockClient.objects["test-download.txt"] = []byte(testData)

	reader, err := provider.Download(context.Background(), "test-download.txt")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}

	if string(data) != testData {
		t.Errorf("Download() expected %s, got %s", testData, string(data))
	}
}

func TestS3Provider_Download_NotFound(t *testing.T) {
	provider := createTestS3Provider(NewMockS3Client())

	_, err := provider.Download(context.Background(), "missing.txt")
	if !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Download() expected NotFound, got %v", err)
	}
}

func TestS3Provider_Size(t *testing.T) {
	mockClient := NewMockS3Client()
	provider := createTestS3Provider(mockClient)
	mockClient.objects["exists.txt"] = []byte("12345")

	ctx := context.Background()

	size, err := provider.Size(ctx, "exists.txt")
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size != 5 {
		t.Errorf("Size() expected 5, got %d", size)
	}

	if _, err := provider.Size(ctx, "missing.txt"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Size() expected NotFound for missing object, got %v", err)
	}

	mockClient.SetError(errors.New("network down"))
	if _, err := provider.Size(ctx, "exists.txt"); !errors.Is(err, common.ErrIO) {
		t.Errorf("Size() expected IOError, got %v", err)
	}
}

func TestS3Provider_NameAndType(t *testing.T) {
	provider := createTestS3Provider(NewMockS3Client())

	if provider.Name() != "test-s3" {
		t.Errorf("Name() expected test-s3, got %s", provider.Name())
	}
	if provider.Type() != "s3" {
		t.Errorf("Type() expected s3, got %s", provider.Type())
	}
}
