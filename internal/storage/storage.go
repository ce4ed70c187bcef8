package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/M-Rafay/ocr-api/internal/config"
	"github.com/M-Rafay/ocr-api/internal/metrics"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Storage provides object storage operations
type Storage struct {
	client     *minio.Client
	bucketName string
}

// New creates a new storage client
func New(cfg config.StorageConfig) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	// Ensure bucket exists
	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Storage{
		client:     client,
		bucketName: cfg.BucketName,
	}, nil
}

// Put stores data under objectName, deriving the content type from its extension
func (s *Storage) Put(ctx context.Context, objectName string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucketName, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: ContentType(objectName),
	})
	if err != nil {
		metrics.RecordStorageOperation("upload", "error", 0)
		return fmt.Errorf("failed to upload object: %w", err)
	}

	metrics.RecordStorageOperation("upload", "success", int64(len(data)))
	return nil
}

// Delete deletes an object from storage
func (s *Storage) Delete(ctx context.Context, objectName string) error {
	err := s.client.RemoveObject(ctx, s.bucketName, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		metrics.RecordStorageOperation("delete", "error", 0)
		return fmt.Errorf("failed to delete object: %w", err)
	}

	metrics.RecordStorageOperation("delete", "success", 0)
	return nil
}

// InputKey returns a fresh object key for an input uploaded by userID.
// ext includes the leading dot.
func InputKey(userID, ext string) string {
	return path.Join("inputs", url.PathEscape(userID), uuid.New().String()+strings.ToLower(ext))
}

// ContentType returns the content type based on file extension
func ContentType(objectName string) string {
	switch strings.ToLower(path.Ext(objectName)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".bmp":
		return "image/bmp"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
