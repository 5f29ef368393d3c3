package database

import (
	"context"
	"database/sql"
	"errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a record violates a uniqueness constraint.
var ErrConflict = errors.New("record already exists")

type DatabaseService interface {
	CreateDatabase() (*sql.DB, error)
	DoesDatabaseExist() bool
	Close() error

	CreateUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)

	// CreateImage inserts a new approved image owned by userID. The storage key
	// defaults to the generated image ID.
	CreateImage(ctx context.Context, userID string) (*Image, error)
	// FindImage loads the image and its owning user. Returns ErrNotFound if absent.
	FindImage(ctx context.Context, id string) (*Image, error)
	SaveImage(ctx context.Context, image *Image) error
	// DeleteImage removes the image, its payload and its tags.
	DeleteImage(ctx context.Context, id string) error
	SetOriginalImage(ctx context.Context, key string, data []byte) error
	GetOriginalImage(ctx context.Context, key string) ([]byte, error)

	InsertTag(ctx context.Context, tag *Tag) (*Tag, error)
	GetTagsByImageID(ctx context.Context, imageID string) ([]*Tag, error)
}
