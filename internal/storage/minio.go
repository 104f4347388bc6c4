// Package storage kapselt den Objektspeicher für Original- und
// Thumbnail-Bytes. Die Implementierung spricht MinIO bzw. jeden
// S3-kompatiblen Dienst an.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"facecluster-go/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
)

// ObjectStore ist die Schnittstelle, die die Pipeline vom Objektspeicher
// benötigt
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	DeleteMany(ctx context.Context, keys []string) error
}

// MinIOStore implementiert ObjectStore gegen einen MinIO-Bucket
type MinIOStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOStore verbindet sich mit MinIO und stellt sicher, dass der
// konfigurierte Bucket existiert
func NewMinIOStore(ctx context.Context, cfg config.StorageConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Infof("Created storage bucket: %s", cfg.Bucket)
	}

	return &MinIOStore{client: client, bucket: cfg.Bucket}, nil
}

// Get lädt ein Objekt vollständig in den Speicher
func (s *MinIOStore) Get(ctx context.Context, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// Put speichert ein Objekt unter dem angegebenen Schlüssel
func (s *MinIOStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

// DeleteMany löscht mehrere Objekte. Fehler einzelner Objekte werden
// gesammelt gemeldet, die übrigen Löschungen laufen weiter.
func (s *MinIOStore) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	objectsCh := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		objectsCh <- minio.ObjectInfo{Key: key}
	}
	close(objectsCh)

	var failed int
	for result := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			log.Warnf("Failed to delete object %s: %v", result.ObjectName, result.Err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to delete %d of %d objects", failed, len(keys))
	}

	log.Debugf("Deleted %d object(s) from bucket %s", len(keys), s.bucket)
	return nil
}
