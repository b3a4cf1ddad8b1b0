// Package artifact defines the per-tenant embedding corpus persisted as a
// single JSON object, and its load/save helpers.
package artifact

import (
	"context"
	"fmt"

	"github.com/aikasa/drivevec/internal/blob"
)

// Entry is one processed Drive image.
type Entry struct {
	Filename   string `json:"filename"`
	Filepath   string `json:"filepath"` // stable external view URL
	FolderPath string `json:"folder_path"`

	// Embedding is absent when IsCorrupt is true.
	Embedding []float32 `json:"embedding,omitempty"`

	IsCorrupt     bool   `json:"is_corrupt,omitempty"`
	CorruptReason string `json:"corrupt_reason,omitempty"`
}

// Key is the composite identity of an entry within one corpus.
type Key struct {
	FolderPath string
	Filename   string
}

// Key returns the entry's identity.
func (e Entry) Key() Key {
	return Key{FolderPath: e.FolderPath, Filename: e.Filename}
}

// ObjectName returns the blob object name of a tenant's artifact.
func ObjectName(uuid string) string {
	return uuid + ".json"
}

// Load reads a tenant's artifact. A missing object returns blob.ErrNotFound;
// callers that treat "never synced" as empty check for it explicitly.
func Load(ctx context.Context, store blob.Store, uuid string) ([]Entry, error) {
	var entries []Entry
	if err := blob.ReadJSON(ctx, store, ObjectName(uuid), &entries); err != nil {
		return nil, fmt.Errorf("artifact: loading %s: %w", uuid, err)
	}

	return entries, nil
}

// Save replaces a tenant's artifact in one whole-object write. A nil slice
// is persisted as an empty array, the legal "known empty corpus" state.
func Save(ctx context.Context, store blob.Store, uuid string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}

	if err := blob.WriteJSON(ctx, store, ObjectName(uuid), entries); err != nil {
		return fmt.Errorf("artifact: saving %s: %w", uuid, err)
	}

	return nil
}
