// Package storage provides the sink server's file backends. A Storage holds
// whole objects and staged multipart uploads; chunk acknowledgments are the
// backend etags, which the wire protocol surfaces to clients as chunk ids.
package storage

import (
	"errors"
	"strings"

	"qkchat-transfer/conf"
)

// Storage unified storage interface
type Storage interface {
	Save(key string, data []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Exists(key string) bool

	// Multipart upload methods backing the chunk/merge endpoints
	InitiateMultipartUpload(key string) (string, error)                           // returns backend uploadId
	UploadPart(key, uploadId string, partNumber int, data []byte) (string, error) // returns etag
	CompleteMultipartUpload(key, uploadId string, parts []PartInfo) error
	AbortMultipartUpload(key, uploadId string) error
	ListParts(key, uploadId string) ([]PartInfo, error)
}

// PartInfo identifies one staged part of a multipart upload.
type PartInfo struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

var (
	ErrNotFound   = errors.New("file not found")
	ErrInvalid    = errors.New("invalid storage configuration")
	ErrUnsafeKey  = errors.New("key contains directory traversal")
	ErrNoSuchPart = errors.New("part not found")
)

// ValidateKey rejects keys that could escape the storage root.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return ErrUnsafeKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return ErrUnsafeKey
		}
	}
	return nil
}

// NewStorage creates a storage instance from the server configuration.
func NewStorage() (Storage, error) {
	cfg := conf.Cfg.Server.Storage

	switch cfg.Type {
	case "", "local":
		return NewLocalStorage(cfg.Local.BasePath)
	case "s3":
		return NewS3Storage(cfg.S3.Region, cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket)
	case "oss":
		return NewOSSStorage(cfg.OSS.Endpoint, cfg.OSS.AccessKey, cfg.OSS.SecretKey, cfg.OSS.Bucket)
	default:
		return nil, ErrInvalid
	}
}
