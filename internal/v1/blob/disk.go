package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/burrowchat/burrow/internal/v1/metrics"
	"github.com/burrowchat/burrow/internal/v1/types"
)

// DiskStore keeps blobs as flat files under a root directory. Each
// blob has a sidecar <key>.meta holding its content type and size, so
// downloads can be served with the right headers without a database
// lookup.
type DiskStore struct {
	rootDir string
}

type diskMeta struct {
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// NewDiskStore creates (if needed) the root directory and returns a
// store rooted there.
func NewDiskStore(rootDir string) (*DiskStore, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	slog.Debug("disk blob store initialized", "dir", rootDir)
	return &DiskStore{rootDir: rootDir}, nil
}

// path rejects keys that could escape the root. Keys are UUIDs in
// practice, but the check is cheap and the consequence isn't.
func (s *DiskStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.rootDir, key), nil
}

func (s *DiskStore) Put(ctx context.Context, key string, body io.Reader, contentType string) (int64, error) {
	finalPath, err := s.path(key)
	if err != nil {
		metrics.BlobOperations.WithLabelValues("put", "error").Inc()
		return 0, err
	}
	if contentType == "" {
		contentType = defaultContentType
	}

	// Write to a temp file first so a crash mid-copy never leaves a
	// half-written blob under the final name.
	tempFile, err := os.CreateTemp(s.rootDir, ".blob-write-*")
	if err != nil {
		metrics.BlobOperations.WithLabelValues("put", "error").Inc()
		return 0, fmt.Errorf("create temp blob file: %w", err)
	}
	tempPath := tempFile.Name()

	size, copyErr := io.Copy(tempFile, body)
	closeErr := tempFile.Close()
	if copyErr != nil {
		_ = os.Remove(tempPath)
		metrics.BlobOperations.WithLabelValues("put", "error").Inc()
		return 0, fmt.Errorf("write blob bytes: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tempPath)
		metrics.BlobOperations.WithLabelValues("put", "error").Inc()
		return 0, fmt.Errorf("close blob file: %w", closeErr)
	}

	if err := s.writeMeta(key, diskMeta{ContentType: contentType, Size: size}); err != nil {
		_ = os.Remove(tempPath)
		metrics.BlobOperations.WithLabelValues("put", "error").Inc()
		return 0, err
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		_ = os.Remove(finalPath + ".meta")
		metrics.BlobOperations.WithLabelValues("put", "error").Inc()
		return 0, fmt.Errorf("move blob into place: %w", err)
	}

	metrics.BlobOperations.WithLabelValues("put", "ok").Inc()
	slog.Info("blob stored", "key", key, "size", size, "content_type", contentType)
	return size, nil
}

func (s *DiskStore) Get(ctx context.Context, key string) (Object, error) {
	path, err := s.path(key)
	if err != nil {
		metrics.BlobOperations.WithLabelValues("get", "error").Inc()
		return Object{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			metrics.BlobOperations.WithLabelValues("get", "miss").Inc()
			return Object{}, types.ErrNotFound
		}
		metrics.BlobOperations.WithLabelValues("get", "error").Inc()
		return Object{}, fmt.Errorf("open blob file: %w", err)
	}

	meta, err := s.readMeta(key)
	if err != nil {
		// Blob bytes without a sidecar: still serve them.
		slog.Warn("blob meta missing", "key", key, "err", err)
		meta = diskMeta{ContentType: defaultContentType}
		if info, statErr := f.Stat(); statErr == nil {
			meta.Size = info.Size()
		}
	}

	metrics.BlobOperations.WithLabelValues("get", "ok").Inc()
	return Object{Body: f, ContentType: meta.ContentType, Size: meta.Size}, nil
}

func (s *DiskStore) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		metrics.BlobOperations.WithLabelValues("delete", "error").Inc()
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		metrics.BlobOperations.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("remove blob file: %w", err)
	}
	_ = os.Remove(path + ".meta")

	metrics.BlobOperations.WithLabelValues("delete", "ok").Inc()
	return nil
}

func (s *DiskStore) writeMeta(key string, meta diskMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal blob meta: %w", err)
	}
	path := filepath.Join(s.rootDir, key+".meta")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write blob meta: %w", err)
	}
	return nil
}

func (s *DiskStore) readMeta(key string) (diskMeta, error) {
	data, err := os.ReadFile(filepath.Join(s.rootDir, key+".meta"))
	if err != nil {
		return diskMeta{}, err
	}
	var meta diskMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return diskMeta{}, err
	}
	return meta, nil
}
