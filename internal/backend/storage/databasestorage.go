package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jo-hoe/imagetrends/internal/backend/database"
)

// PayloadStore is the part of the database service holding image payloads.
type PayloadStore interface {
	SetOriginalImage(ctx context.Context, key string, data []byte) error
	GetOriginalImage(ctx context.Context, key string) ([]byte, error)
}

// DatabaseStorage keeps payloads in the images table next to the record.
type DatabaseStorage struct {
	store PayloadStore
}

func NewDatabaseStorage(store PayloadStore) *DatabaseStorage {
	return &DatabaseStorage{store: store}
}

func (s *DatabaseStorage) Upload(ctx context.Context, key string, data []byte, _ string) error {
	if err := s.store.SetOriginalImage(ctx, key, data); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return err
	}
	return nil
}

func (s *DatabaseStorage) Download(ctx context.Context, key string) ([]byte, error) {
	data, err := s.store.GetOriginalImage(ctx, key)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return data, nil
}
