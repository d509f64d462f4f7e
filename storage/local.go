package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// LocalStorage stores objects on the local filesystem. Multipart uploads are
// staged under .uploads/<uploadId>/ and assembled on completion.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a local storage rooted at basePath.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if basePath == "" {
		basePath = "./data/files"
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	return &LocalStorage{basePath: basePath}, nil
}

func (s *LocalStorage) objectPath(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(key)), nil
}

func (s *LocalStorage) uploadDir(uploadId string) string {
	return filepath.Join(s.basePath, ".uploads", uploadId)
}

// Save writes an object, creating intermediate directories.
func (s *LocalStorage) Save(key string, data []byte) error {
	path, err := s.objectPath(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// Get reads an object, returning ErrNotFound when it does not exist.
func (s *LocalStorage) Get(key string) ([]byte, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return data, nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (s *LocalStorage) Delete(key string) error {
	path, err := s.objectPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

// Exists reports whether an object is stored under key.
func (s *LocalStorage) Exists(key string) bool {
	path, err := s.objectPath(key)
	if err != nil {
		return false
	}

	_, err = os.Stat(path)
	return err == nil
}

// InitiateMultipartUpload creates a staging directory and records the target
// key so completion knows where to assemble.
func (s *LocalStorage) InitiateMultipartUpload(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	uploadId := fmt.Sprintf("mpu_%d", time.Now().UnixNano())
	dir := s.uploadDir(uploadId)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "key"), []byte(key), 0644); err != nil {
		return "", fmt.Errorf("failed to record upload key: %w", err)
	}

	return uploadId, nil
}

// UploadPart stages one part and returns its etag, a truncated sha256 of the
// part content so that retries of the same part produce the same id.
func (s *LocalStorage) UploadPart(key, uploadId string, partNumber int, data []byte) (string, error) {
	dir := s.uploadDir(uploadId)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("unknown upload %s: %w", uploadId, err)
	}

	partPath := filepath.Join(dir, fmt.Sprintf("part_%d", partNumber))
	if err := os.WriteFile(partPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write part %d: %w", partNumber, err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

// CompleteMultipartUpload assembles the named parts in order into the final
// object and removes the staging directory.
func (s *LocalStorage) CompleteMultipartUpload(key, uploadId string, parts []PartInfo) error {
	dir := s.uploadDir(uploadId)
	path, err := s.objectPath(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	sorted := append([]PartInfo(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer out.Close()

	for _, part := range sorted {
		data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("part_%d", part.PartNumber)))
		if err != nil {
			return fmt.Errorf("failed to read part %d: %w", part.PartNumber, ErrNoSuchPart)
		}
		if _, err := out.Write(data); err != nil {
			return fmt.Errorf("failed to write part %d: %w", part.PartNumber, err)
		}
	}

	return os.RemoveAll(dir)
}

// AbortMultipartUpload discards the staging directory.
func (s *LocalStorage) AbortMultipartUpload(key, uploadId string) error {
	return os.RemoveAll(s.uploadDir(uploadId))
}

// ListParts returns the staged parts of an in-flight upload.
func (s *LocalStorage) ListParts(key, uploadId string) ([]PartInfo, error) {
	dir := s.uploadDir(uploadId)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload directory: %w", err)
	}

	parts := make([]PartInfo, 0, len(entries))
	for _, entry := range entries {
		var partNumber int
		if _, err := fmt.Sscanf(entry.Name(), "part_%d", &partNumber); err != nil {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}

		sum := sha256.Sum256(data)
		parts = append(parts, PartInfo{
			PartNumber: partNumber,
			ETag:       hex.EncodeToString(sum[:8]),
			Size:       int64(len(data)),
		})
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}
