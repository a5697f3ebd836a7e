package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

// FilePersister keeps the whole table as one indented JSON object keyed by
// short code. Writes replace the file atomically; a sibling ".lock" file
// holds an advisory lock for the persister's lifetime.
type FilePersister struct {
	path string
	lock *flock.Flock
}

func NewFilePersister(path string) (*FilePersister, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock snapshot %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotLocked, path)
	}
	return &FilePersister{path: path, lock: lock}, nil
}

func (f *FilePersister) Load(_ context.Context) (map[string]Record, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]Record{}, nil
	}

	records := make(map[string]Record)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("snapshot %s does not contain valid JSON: %w", f.path, err)
	}
	return records, nil
}

func (f *FilePersister) Save(_ context.Context, snapshot map[string]Record, _ string) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := atomic.WriteFile(f.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func (f *FilePersister) Close(_ context.Context) error {
	return f.lock.Unlock()
}
