package artifacts

import (
	"context"
	"fmt"
	"os"
)

// StoreType selects the blob storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv builds the blob store named by ARTIFACT_STORE.
//
// Environment variables:
//   - ARTIFACT_STORE: "fs" (default), "s3", or "gcs"
//   - ARTIFACTS_DIR: base directory for the fs store (default "data/artifacts")
//
// For S3:
//   - ARTIFACT_S3_BUCKET (required)
//   - ARTIFACT_S3_REGION or AWS_REGION (default "us-east-1")
//   - ARTIFACT_S3_ENDPOINT (optional, MinIO/LocalStack)
//   - ARTIFACT_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - ARTIFACT_GCS_BUCKET (required)
//   - ARTIFACT_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("ARTIFACT_STORE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		dir := os.Getenv("ARTIFACTS_DIR")
		if dir == "" {
			dir = "data/artifacts"
		}
		return NewFileStore(dir)
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("artifacts: unsupported store type %q", storeType)
	}
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("ARTIFACT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("artifacts: ARTIFACT_S3_BUCKET is required for s3 storage")
	}

	region := os.Getenv("ARTIFACT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
		Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
	})
}
