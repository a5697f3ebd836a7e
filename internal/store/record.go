package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("short code not found")
	ErrEmptyURL       = errors.New("original url is empty")
	ErrSnapshotLocked = errors.New("snapshot is locked by another process")
)

// Record is one short code mapping. ShortCode is the map key in the file
// snapshot and therefore not repeated in the JSON body.
type Record struct {
	ShortCode   string    `json:"-" bson:"short_code"`
	OriginalURL string    `json:"originalUrl" bson:"original_url"`
	CreatedAt   time.Time `json:"createdAt" bson:"created_at"`
	AccessCount int64     `json:"accessCount" bson:"access_count"`
}

// Persister durably stores snapshots of the mapping table. changed names the
// record that triggered the save; an empty value means the whole snapshot.
type Persister interface {
	Load(ctx context.Context) (map[string]Record, error)
	Save(ctx context.Context, snapshot map[string]Record, changed string) error
	Close(ctx context.Context) error
}
