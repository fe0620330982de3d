// Package bucket gives access to the EWoC object storage: the ARD bucket
// (per tile analysis ready data), the auxiliary data bucket (AgERA5, DEM) and
// the product bucket receiving blocks and COGs.
package bucket

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"ewocclassif/internal/config"
)

// ObjectInfo describes one listed key. Keys ending with "/" are common
// prefixes returned by non-recursive listings.
type ObjectInfo struct {
	Key  string
	Size int64
}

// IsDir reports whether the entry is a common prefix.
func (o ObjectInfo) IsDir() bool {
	return len(o.Key) > 0 && o.Key[len(o.Key)-1] == '/'
}

// Store is the object storage the buckets are built on.
type Store interface {
	// List returns the keys under prefix. Non-recursive listings group
	// deeper keys into common prefixes ending with "/".
	List(ctx context.Context, bucket, prefix string, recursive bool) ([]ObjectInfo, error)
	// Upload stores a local file under key and returns its size.
	Upload(ctx context.Context, bucket, key, file string) (int64, error)
	// Download writes the object at key to a local file.
	Download(ctx context.Context, bucket, key, file string) error
}

// MinioStore is a Store backed by an S3 compatible endpoint.
type MinioStore struct {
	client *minio.Client
}

// NewMinioStore connects to the endpoint resolved from cfg.
func NewMinioStore(cfg *config.Config) (*MinioStore, error) {
	if err := cfg.RequireS3Credentials(); err != nil {
		return nil, err
	}
	endpoint, err := cfg.S3Endpoint()
	if err != nil {
		return nil, err
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, ""),
		Secure: !cfg.S3.Insecure,
		Region: cfg.S3.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client for %s: %w", endpoint, err)
	}
	return &MinioStore{client: client}, nil
}

// List implements Store.
func (s *MinioStore) List(ctx context.Context, bucket, prefix string, recursive bool) ([]ObjectInfo, error) {
	var out []ObjectInfo
	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: recursive}
	for obj := range s.client.ListObjects(ctx, bucket, opts) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", bucket, prefix, obj.Err)
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size})
	}
	return out, nil
}

// Upload implements Store.
func (s *MinioStore) Upload(ctx context.Context, bucket, key, file string) (int64, error) {
	info, err := s.client.FPutObject(ctx, bucket, key, file, minio.PutObjectOptions{
		ContentType: contentType(file),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload %s to s3://%s/%s: %w", file, bucket, key, err)
	}
	return info.Size, nil
}

// Download implements Store.
func (s *MinioStore) Download(ctx context.Context, bucket, key, file string) error {
	if err := s.client.FGetObject(ctx, bucket, key, file, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("failed to download s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func contentType(file string) string {
	switch filepath.Ext(file) {
	case ".tif", ".tiff":
		return "image/tiff"
	}
	ct := mime.TypeByExtension(filepath.Ext(file))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return ct
}

// URI renders s3://bucket/key.
func URI(bucket, key string) string {
	if key == "" {
		return "s3://" + bucket
	}
	return "s3://" + bucket + "/" + key
}
