package testutils

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
)

// FileBasedS3Mock is a disk-backed stand-in for the subset of the MinIO
// client used by the storage package. Objects are plain files below baseDir.
type FileBasedS3Mock struct {
	mu       sync.RWMutex
	baseDir  string
	errors   map[string]error
	metadata map[string]minio.PutObjectOptions
	puts     int
	removes  int
}

// NewFileBasedS3Mock creates a mock rooted at baseDir.
func NewFileBasedS3Mock(baseDir string) (*FileBasedS3Mock, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileBasedS3Mock{
		baseDir:  baseDir,
		errors:   make(map[string]error),
		metadata: make(map[string]minio.PutObjectOptions),
	}, nil
}

// PutObject stores everything read from reader. A negative size means the
// length is unknown; otherwise it must match the number of bytes read.
func (m *FileBasedS3Mock) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	m.mu.Lock()
	m.puts++
	err, hasError := m.errors[key]
	m.mu.Unlock()
	if hasError {
		return minio.UploadInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return minio.UploadInfo{}, err
	}

	filePath := m.keyToFilePath(bucket, key)
	m.mu.Lock()
	err = os.MkdirAll(filepath.Dir(filePath), 0755)
	m.mu.Unlock()
	if err != nil {
		return minio.UploadInfo{}, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return minio.UploadInfo{}, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	written, err := io.Copy(file, reader)
	if err != nil {
		os.Remove(filePath)
		return minio.UploadInfo{}, fmt.Errorf("failed to write data: %w", err)
	}
	if size >= 0 && written != size {
		os.Remove(filePath)
		return minio.UploadInfo{}, fmt.Errorf("size mismatch: expected %d, wrote %d", size, written)
	}

	m.mu.Lock()
	m.metadata[key] = opts
	m.mu.Unlock()
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: written}, nil
}

// RemoveObject deletes an object. Removing a missing object succeeds like
// it does on S3.
func (m *FileBasedS3Mock) RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error {
	m.mu.Lock()
	m.removes++
	err, hasError := m.errors[key]
	delete(m.metadata, key)
	m.mu.Unlock()
	if hasError {
		return err
	}

	err = os.Remove(m.keyToFilePath(bucket, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// SetError makes every operation on key fail with err.
func (m *FileBasedS3Mock) SetError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[key] = err
}

// ClearError removes a configured failure.
func (m *FileBasedS3Mock) ClearError(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errors, key)
}

// GetStoredKeys returns the keys of all stored objects as bucket/key.
func (m *FileBasedS3Mock) GetStoredKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	err := filepath.Walk(m.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			keys = append(keys, m.filePathToKey(path))
		}
		return nil
	})
	if err != nil {
		return []string{}
	}
	return keys
}

// GetStoredData returns the content of an object.
func (m *FileBasedS3Mock) GetStoredData(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, err := os.ReadFile(m.keyToFilePath(bucket, key))
	if err != nil {
		return nil, false
	}
	return data, true
}

// GetOptions returns the options an object was stored with.
func (m *FileBasedS3Mock) GetOptions(key string) (minio.PutObjectOptions, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	opts, ok := m.metadata[key]
	return opts, ok
}

// Calls returns the number of PutObject and RemoveObject calls seen.
func (m *FileBasedS3Mock) Calls() (puts, removes int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts, m.removes
}

// ObjectCount returns the number of stored objects.
func (m *FileBasedS3Mock) ObjectCount() int {
	return len(m.GetStoredKeys())
}

// Object keys may contain spaces but never path separators of their own.
func (m *FileBasedS3Mock) keyToFilePath(bucket, key string) string {
	safePath := strings.ReplaceAll(key, "/", string(os.PathSeparator))
	return filepath.Join(m.baseDir, bucket, safePath)
}

func (m *FileBasedS3Mock) filePathToKey(filePath string) string {
	relPath, err := filepath.Rel(m.baseDir, filePath)
	if err != nil {
		return filePath
	}
	return strings.ReplaceAll(relPath, string(os.PathSeparator), "/")
}
