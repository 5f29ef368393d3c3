package storage

import (
	"fmt"
	"log/slog"
)

func NewBlobStorage(storageType string, store PayloadStore, s3Config S3Config, logger *slog.Logger) (BlobStorage, error) {
	switch storageType {
	case "", "database":
		return NewDatabaseStorage(store), nil
	case "s3":
		if s3Config.Bucket == "" {
			return nil, fmt.Errorf("s3 storage requires a bucket")
		}
		return NewS3Storage(s3Config, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}
