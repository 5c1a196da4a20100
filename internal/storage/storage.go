package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Storage archives rendered QR artifact images in object storage so the CRM
// can reference them outside the linking flow.
type Storage struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

func New(cfg Config) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	s := &Storage{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: cfg.PublicURL,
	}

	if err := s.ensureBucket(context.Background()); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Storage) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// SaveQRImage stores the rendered QR PNG under a per-user key, overwriting
// any previous artifact: only the latest code is ever valid.
func (s *Storage) SaveQRImage(ctx context.Context, userID string, png []byte) (string, error) {
	objectKey := path.Join("qr", userID+".png")

	_, err := s.client.PutObject(ctx, s.bucket, objectKey, bytes.NewReader(png), int64(len(png)), minio.PutObjectOptions{
		ContentType: "image/png",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload QR image: %w", err)
	}

	return s.objectURL(objectKey), nil
}

// DeleteQRImage removes the archived artifact once the session connects or
// closes: the artifact slot is cleared everywhere at those transitions.
func (s *Storage) DeleteQRImage(ctx context.Context, userID string) error {
	objectKey := path.Join("qr", userID+".png")
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete QR image: %w", err)
	}
	return nil
}

func (s *Storage) objectURL(objectKey string) string {
	if s.publicURL == "" {
		return objectKey
	}
	return fmt.Sprintf("%s/%s/%s", s.publicURL, s.bucket, objectKey)
}
