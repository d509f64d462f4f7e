package storage

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

// OSSStorage stores objects in Alibaba Cloud OSS.
type OSSStorage struct {
	bucket *oss.Bucket
}

// NewOSSStorage creates an OSS storage for the given bucket.
func NewOSSStorage(endpoint, accessKey, secretKey, bucketName string) (*OSSStorage, error) {
	if endpoint == "" || accessKey == "" || secretKey == "" || bucketName == "" {
		return nil, ErrInvalid
	}

	client, err := oss.New(endpoint, accessKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create oss client: %w", err)
	}

	bucket, err := client.Bucket(bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}

	return &OSSStorage{bucket: bucket}, nil
}

// Save uploads an object.
func (s *OSSStorage) Save(key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	if err := s.bucket.PutObject(key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to upload to oss: %w", err)
	}
	return nil
}

// Get downloads an object.
func (s *OSSStorage) Get(key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	body, err := s.bucket.GetObject(key)
	if err != nil {
		if ossErr, ok := err.(oss.ServiceError); ok && ossErr.StatusCode == 404 {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get from oss: %w", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read oss object: %w", err)
	}
	return data, nil
}

// Delete removes an object.
func (s *OSSStorage) Delete(key string) error {
	if err := s.bucket.DeleteObject(key); err != nil {
		return fmt.Errorf("failed to delete from oss: %w", err)
	}
	return nil
}

// Exists reports whether an object is stored under key.
func (s *OSSStorage) Exists(key string) bool {
	exists, err := s.bucket.IsObjectExist(key)
	return err == nil && exists
}

func (s *OSSStorage) imur(key, uploadId string) oss.InitiateMultipartUploadResult {
	return oss.InitiateMultipartUploadResult{Key: key, UploadID: uploadId}
}

// InitiateMultipartUpload starts a native OSS multipart upload.
func (s *OSSStorage) InitiateMultipartUpload(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	imur, err := s.bucket.InitiateMultipartUpload(key)
	if err != nil {
		return "", fmt.Errorf("failed to initiate multipart upload: %w", err)
	}
	return imur.UploadID, nil
}

// UploadPart uploads one part and returns the OSS etag.
func (s *OSSStorage) UploadPart(key, uploadId string, partNumber int, data []byte) (string, error) {
	part, err := s.bucket.UploadPart(s.imur(key, uploadId), bytes.NewReader(data), int64(len(data)), partNumber)
	if err != nil {
		return "", fmt.Errorf("failed to upload part %d: %w", partNumber, err)
	}
	return part.ETag, nil
}

// CompleteMultipartUpload assembles the named parts in part-number order.
func (s *OSSStorage) CompleteMultipartUpload(key, uploadId string, parts []PartInfo) error {
	ossParts := make([]oss.UploadPart, 0, len(parts))
	for _, p := range parts {
		ossParts = append(ossParts, oss.UploadPart{
			PartNumber: p.PartNumber,
			ETag:       p.ETag,
		})
	}
	sort.Slice(ossParts, func(i, j int) bool {
		return ossParts[i].PartNumber < ossParts[j].PartNumber
	})

	if _, err := s.bucket.CompleteMultipartUpload(s.imur(key, uploadId), ossParts); err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	return nil
}

// AbortMultipartUpload discards an in-flight multipart upload.
func (s *OSSStorage) AbortMultipartUpload(key, uploadId string) error {
	if err := s.bucket.AbortMultipartUpload(s.imur(key, uploadId)); err != nil {
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}
	return nil
}

// ListParts returns the parts uploaded so far.
func (s *OSSStorage) ListParts(key, uploadId string) ([]PartInfo, error) {
	result, err := s.bucket.ListUploadedParts(s.imur(key, uploadId))
	if err != nil {
		return nil, fmt.Errorf("failed to list parts: %w", err)
	}

	parts := make([]PartInfo, 0, len(result.UploadedParts))
	for _, p := range result.UploadedParts {
		parts = append(parts, PartInfo{
			PartNumber: p.PartNumber,
			ETag:       p.ETag,
			Size:       int64(p.Size),
		})
	}
	return parts, nil
}
