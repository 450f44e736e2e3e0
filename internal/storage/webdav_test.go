package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ca-x/hostsync/internal/common"
)

// MockWebDAVClient 模拟WebDAV客户端
type MockWebDAVClient struct {
	files map[string][]byte
	dirs  map[string]bool
	err   error
}

func NewMockWebDAVClient() *MockWebDAVClient {
	return &MockWebDAVClient{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
}

func (m *MockWebDAVClient) SetError(err error) {
	m.err = err
}

func (m *MockWebDAVClient) WriteStream(path string, stream io.Reader, perm os.FileMode) error {
	if m.err != nil {
		return m.err
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		return err
	}
	m.files[path] = data
	return nil
}

func (m *MockWebDAVClient) ReadStream(path string) (io.ReadCloser, error) {
	if m.err != nil {
		return nil, m.err
	}

	data, exists := m.files[path]
	if !exists {
		return nil, &os.PathError{Op: "ReadStream", Path: path, Err: errors.New("404 Not Found")}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MockWebDAVClient) Stat(path string) (os.FileInfo, error) {
	if m.err != nil {
		return nil, m.err
	}

	if m.dirs[path] {
		return &mockFileInfo{name: path, isDir: true}, nil
	}

	data, exists := m.files[path]
	if !exists {
		return nil, &os.PathError{Op: "Stat", Path: path, Err: os.ErrNotExist}
	}

	return &mockFileInfo{
		name:  path,
		size:  int64(len(data)),
		isDir: false,
	}, nil
}

func (m *MockWebDAVClient) MkdirAll(path string, perm os.FileMode) error {
	if m.err != nil {
		return m.err
	}
	m.dirs[path] = true
	return nil
}

// mockFileInfo 实现os.FileInfo接口
type mockFileInfo struct {
	name  string
	size  int64
	isDir bool
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() os.FileMode  { return 0644 }
func (m *mockFileInfo) ModTime() time.Time { return time.Now() }
func (m *mockFileInfo) IsDir() bool        { return m.isDir }
func (m *mockFileInfo) Sys() interface{}   { return nil }

func createTestWebDAVProvider(client WebDAVClientInterface) *WebDAVProvider {
	return &WebDAVProvider{
		config: WebDAVConfig{
			Name:     "test-webdav",
			URL:      "https://dav.example.com",
			Username: "user",
			Password: "pass",
		},
		client: client,
	}
}

func TestWebDAVConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  WebDAVConfig
		wantErr bool
	}{
		{"valid config", WebDAVConfig{Name: "test", URL: "https://dav.example.com", Username: "u", Password: "p"}, false},
		{"anonymous access", WebDAVConfig{Name: "test", URL: "https://dav.example.com"}, false},
		{"missing name", WebDAVConfig{URL: "https://dav.example.com"}, true},
		{"missing URL", WebDAVConfig{Name: "test"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("WebDAVConfig.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWebDAVProvider_UploadCreatesParent(t *testing.T) {
	mockClient := NewMockWebDAVClient()
	provider := createTestWebDAVProvider(mockClient)

	err := provider.Upload(context.Background(), "/backups/db/dump.sql", strings.NewReader("dump"), 4)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if !mockClient.dirs["/backups/db"] {
		t.Error("Upload() did not create the parent directory")
	}
	if string(mockClient.files["/backups/db/dump.sql"]) != "dump" {
		t.Errorf("Upload() stored %q", mockClient.files["/backups/db/dump.sql"])
	}
}

func TestWebDAVProvider_DownloadAndSize(t *testing.T) {
	mockClient := NewMockWebDAVClient()
	provider := createTestWebDAVProvider(mockClient)
	mockClient.files["/a.txt"] = []byte("hello")

	ctx := context.Background()

	rc, err := provider.Download(ctx, "/a.txt")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "hello" {
		t.Errorf("Download() expected hello, got %s", data)
	}

	size, err := provider.Size(ctx, "/a.txt")
	if err != nil || size != 5 {
		t.Errorf("Size() = %d, %v", size, err)
	}

	if _, err := provider.Size(ctx, "/missing.txt"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Size() expected NotFound, got %v", err)
	}
	if _, err := provider.Download(ctx, "/missing.txt"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Download() expected NotFound, got %v", err)
	}
}

func TestWebDAVProvider_SizeOfDirectory(t *testing.T) {
	mockClient := NewMockWebDAVClient()
	mockClient.dirs["/dir"] = true
	provider := createTestWebDAVProvider(mockClient)

	if _, err := provider.Size(context.Background(), "/dir"); !errors.Is(err, common.ErrInvalidArgument) {
		t.Errorf("Size() expected InvalidArgument for a directory, got %v", err)
	}
}

func TestWebDAVProvider_Unauthorized(t *testing.T) {
	mockClient := NewMockWebDAVClient()
	mockClient.SetError(errors.New("401 Unauthorized"))
	provider := createTestWebDAVProvider(mockClient)

	err := provider.Upload(context.Background(), "/a.txt", strings.NewReader("x"), 1)
	if !errors.Is(err, common.ErrPermissionDenied) {
		t.Errorf("Upload() expected PermissionDenied, got %v", err)
	}
}
