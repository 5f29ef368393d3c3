package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type SQLiteDatabase struct {
	db               *sql.DB
	connectionString string
}

func NewSQLiteDatabase(connectionString string) (DatabaseService, error) {
	db, err := sql.Open("sqlite", withForeignKeys(connectionString))
	if err != nil {
		return nil, err
	}
	// A single connection keeps in-memory databases shared.
	db.SetMaxOpenConns(1)

	return &SQLiteDatabase{
		db:               db,
		connectionString: connectionString,
	}, nil
}

func (s *SQLiteDatabase) CreateDatabase() (*sql.DB, error) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			storage_key TEXT NOT NULL,
			original_image BLOB,
			approved INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_images_storage_key ON images(storage_key)`,
		`CREATE TABLE IF NOT EXISTS tags (
			id TEXT PRIMARY KEY,
			image_id TEXT NOT NULL REFERENCES images(id),
			name TEXT NOT NULL,
			confidence REAL,
			source TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tags_image_id ON tags(image_id)`,
	}
	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return nil, err
		}
	}

	return s.db, nil
}

func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteDatabase) DoesDatabaseExist() bool {
	// In SQLite, the database file is created when you connect to it.
	// So we can assume it exists if we can successfully ping the database.
	err := s.db.Ping()
	return err == nil
}

func (s *SQLiteDatabase) CreateUser(ctx context.Context, username string) (*User, error) {
	id, err := generateID()
	if err != nil {
		return nil, err
	}
	user := &User{
		ID:        id,
		Username:  username,
		CreatedAt: now(),
	}

	_, err = s.db.ExecContext(ctx, "INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)",
		user.ID, user.Username, user.CreatedAt.UnixMilli())
	if err != nil {
		if isConstraintViolation(err) {
			return nil, fmt.Errorf("user %q: %w", username, ErrConflict)
		}
		return nil, fmt.Errorf("failed to insert user %q: %w", username, err)
	}
	return user, nil
}

func (s *SQLiteDatabase) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, username, created_at FROM users WHERE id = ?", id)
	var user User
	var createdAt int64
	if err := row.Scan(&user.ID, &user.Username, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	user.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &user, nil
}

func (s *SQLiteDatabase) CreateImage(ctx context.Context, userID string) (*Image, error) {
	id, err := generateID()
	if err != nil {
		return nil, err
	}
	image := &Image{
		ID:         id,
		UserID:     userID,
		StorageKey: id,
		Approved:   true,
		CreatedAt:  now(),
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO images (id, user_id, storage_key, approved, created_at) VALUES (?, ?, ?, ?, ?)",
		image.ID, image.UserID, image.StorageKey, image.Approved, image.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert image for user %s: %w", userID, err)
	}
	return image, nil
}

func (s *SQLiteDatabase) FindImage(ctx context.Context, id string) (*Image, error) {
	row := s.db.QueryRowContext(ctx, `SELECT i.id, i.user_id, i.storage_key, i.approved, i.created_at,
			u.id, u.username, u.created_at
		FROM images i
		JOIN users u ON u.id = i.user_id
		WHERE i.id = ?`, id)

	var image Image
	var user User
	var imageCreatedAt, userCreatedAt int64
	err := row.Scan(&image.ID, &image.UserID, &image.StorageKey, &image.Approved, &imageCreatedAt,
		&user.ID, &user.Username, &userCreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("image %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	image.CreatedAt = time.UnixMilli(imageCreatedAt).UTC()
	user.CreatedAt = time.UnixMilli(userCreatedAt).UTC()
	image.User = &user
	return &image, nil
}

func (s *SQLiteDatabase) SaveImage(ctx context.Context, image *Image) error {
	if image == nil {
		return fmt.Errorf("cannot save nil image")
	}
	result, err := s.db.ExecContext(ctx, "UPDATE images SET storage_key = ?, approved = ? WHERE id = ?",
		image.StorageKey, image.Approved, image.ID)
	if err != nil {
		return fmt.Errorf("failed to update image %s: %w", image.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("image %s: %w", image.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteImage(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tags WHERE image_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete tags of image %s: %w", id, err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM images WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete image %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

func (s *SQLiteDatabase) SetOriginalImage(ctx context.Context, key string, data []byte) error {
	result, err := s.db.ExecContext(ctx, "UPDATE images SET original_image = ? WHERE storage_key = ?", data, key)
	if err != nil {
		return fmt.Errorf("failed to store image data for key %s: %w", key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("image with storage key %s: %w", key, ErrNotFound)
	}
	return nil
}

func (s *SQLiteDatabase) GetOriginalImage(ctx context.Context, key string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, "SELECT original_image FROM images WHERE storage_key = ?", key)
	var original []byte
	if err := row.Scan(&original); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("image data for key %s: %w", key, ErrNotFound)
		}
		return nil, err
	}
	if original == nil {
		return nil, fmt.Errorf("image data for key %s: %w", key, ErrNotFound)
	}
	return original, nil
}

func (s *SQLiteDatabase) InsertTag(ctx context.Context, tag *Tag) (*Tag, error) {
	if tag == nil {
		return nil, fmt.Errorf("cannot insert nil tag")
	}
	id, err := generateID()
	if err != nil {
		return nil, err
	}
	created := *tag
	created.ID = id
	created.CreatedAt = now()

	var confidence sql.NullFloat64
	if created.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *created.Confidence, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO tags (id, image_id, name, confidence, source, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		created.ID, created.ImageID, created.Name, confidence, created.Source, created.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert tag %q for image %q: %w", created.Name, created.ImageID, err)
	}
	return &created, nil
}

func (s *SQLiteDatabase) GetTagsByImageID(ctx context.Context, imageID string) ([]*Tag, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, image_id, name, confidence, source, created_at FROM tags WHERE image_id = ? ORDER BY created_at, rowid",
		imageID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close() // Explicitly ignore error as we're already returning an error from the function
	}()

	var tags []*Tag
	for rows.Next() {
		var tag Tag
		var confidence sql.NullFloat64
		var createdAt int64
		if err := rows.Scan(&tag.ID, &tag.ImageID, &tag.Name, &confidence, &tag.Source, &createdAt); err != nil {
			return nil, err
		}
		if confidence.Valid {
			value := confidence.Float64
			tag.Confidence = &value
		}
		tag.CreatedAt = time.UnixMilli(createdAt).UTC()
		tags = append(tags, &tag)
	}
	return tags, rows.Err()
}

// withForeignKeys adds the foreign_keys pragma to the DSN so the driver applies
// it to every connection it opens.
func withForeignKeys(connectionString string) string {
	if strings.Contains(connectionString, "foreign_keys") {
		return connectionString
	}
	separator := "?"
	if strings.Contains(connectionString, "?") {
		separator = "&"
	}
	return connectionString + separator + "_pragma=foreign_keys(1)"
}

func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended codes keep the primary code in the low byte.
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
