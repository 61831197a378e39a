// Package storage provides blob and record persistence for the job subsystem.
package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
)

// ErrBlobNotFound is returned when a requested blob does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// FileBlobStore implements interfaces.BlobStore on the local filesystem.
// Keys map to file paths under the base directory, e.g.
// "cases/c-1/emails/m-1/metadata.json" -> "{basePath}/cases/c-1/emails/m-1/metadata.json".
type FileBlobStore struct {
	basePath string
	logger   *common.Logger
}

// NewFileBlobStore creates a file-backed blob store rooted at basePath.
func NewFileBlobStore(logger *common.Logger, basePath string) (*FileBlobStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("blob store base path is required")
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory %s: %w", basePath, err)
	}

	fb := &FileBlobStore{
		basePath: basePath,
		logger:   logger,
	}

	logger.Debug().Str("path", basePath).Msg("FileBlobStore initialized")
	return fb, nil
}

// sanitizeKey converts a key to a safe filesystem path. Prevents path
// traversal while allowing "/" for subdirectories.
func (fb *FileBlobStore) sanitizeKey(key string) string {
	clean := filepath.Clean(filepath.FromSlash(key))
	clean = strings.TrimPrefix(clean, string(filepath.Separator))
	if strings.Contains(clean, "..") {
		clean = strings.ReplaceAll(clean, "..", "__")
	}
	return clean
}

// keyToPath converts a key to an absolute filesystem path.
func (fb *FileBlobStore) keyToPath(key string) string {
	return filepath.Join(fb.basePath, fb.sanitizeKey(key))
}

// contentTypeFor derives a content type from the key's extension.
func contentTypeFor(key string) string {
	if ct := mime.TypeByExtension(filepath.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Put stores a blob atomically using temp file + rename. The contentType is
// advisory; retrieval derives it from the key extension.
func (fb *FileBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	path := fb.keyToPath(key)
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// Get retrieves a blob and its content type.
func (fb *FileBlobStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	path := fb.keyToPath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrBlobNotFound
		}
		return nil, "", fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return data, contentTypeFor(key), nil
}

// Exists checks if a blob exists.
func (fb *FileBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	path := fb.keyToPath(key)
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check blob %s: %w", key, err)
}

// Delete removes a blob. No error if not found.
func (fb *FileBlobStore) Delete(ctx context.Context, key string) error {
	path := fb.keyToPath(key)
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}

// List returns blobs under a key prefix.
func (fb *FileBlobStore) List(ctx context.Context, prefix string) ([]interfaces.BlobInfo, error) {
	searchDir := fb.basePath
	if prefix != "" {
		prefixDir := filepath.Dir(fb.sanitizeKey(prefix))
		if prefixDir != "." {
			searchDir = filepath.Join(fb.basePath, prefixDir)
		}
	}

	var blobs []interfaces.BlobInfo
	err := filepath.Walk(searchDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasPrefix(info.Name(), ".tmp-") {
			return nil
		}

		relPath, err := filepath.Rel(fb.basePath, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(relPath)

		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}

		blobs = append(blobs, interfaces.BlobInfo{
			Key:        key,
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
		return nil
	})

	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}

	return blobs, nil
}

// DeletePrefix removes every blob under a prefix, returning the count and
// total bytes removed. Emptied directories are pruned.
func (fb *FileBlobStore) DeletePrefix(ctx context.Context, prefix string) (int, int64, error) {
	blobs, err := fb.List(ctx, prefix)
	if err != nil {
		return 0, 0, err
	}

	count := 0
	var bytes int64
	for _, blob := range blobs {
		if err := fb.Delete(ctx, blob.Key); err != nil {
			return count, bytes, err
		}
		count++
		bytes += blob.Size
	}

	// Prune now-empty directories under the prefix.
	if prefix != "" {
		dir := filepath.Join(fb.basePath, fb.sanitizeKey(prefix))
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			pruneEmptyDirs(dir)
		}
	}

	return count, bytes, nil
}

// pruneEmptyDirs removes dir if it contains no files, recursing bottom-up.
func pruneEmptyDirs(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			pruneEmptyDirs(filepath.Join(dir, entry.Name()))
		}
	}
	entries, err = os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
}

// BasePath returns the root directory of the store.
func (fb *FileBlobStore) BasePath() string {
	return fb.basePath
}

// Close releases resources (no-op for file storage).
func (fb *FileBlobStore) Close() error {
	return nil
}

// Compile-time check
var _ interfaces.BlobStore = (*FileBlobStore)(nil)
