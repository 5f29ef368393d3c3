package database

import "time"

type User struct {
	ID        string    `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type Image struct {
	ID         string    `db:"id" json:"id"`
	UserID     string    `db:"user_id" json:"userId"`
	StorageKey string    `db:"storage_key" json:"storageKey"` // reference into blob storage
	Approved   bool      `db:"approved" json:"approved"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`

	// User is the owning user, loaded together with the image.
	User *User `db:"-" json:"user,omitempty"`
}

type Tag struct {
	ID         string    `db:"id" json:"id"`
	ImageID    string    `db:"image_id" json:"imageId"`
	Name       string    `db:"name" json:"name"`
	Confidence *float64  `db:"confidence" json:"confidence"` // nil for sentinel tags
	Source     string    `db:"source" json:"source"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}
