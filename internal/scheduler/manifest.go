// Package scheduler drives periodic auto updates: it loads the tenant
// roster, gates each tenant on a stored Drive manifest, and dispatches a
// batch vectorization job for the tenants whose trees changed.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aikasa/drivevec/internal/blob"
	"github.com/aikasa/drivevec/internal/drive"
)

// FileState is the manifest metadata kept per Drive file.
type FileState struct {
	ModifiedTime string `json:"modifiedTime"`
	Size         int64  `json:"size"`
	MD5Checksum  string `json:"md5Checksum,omitempty"`
	Name         string `json:"name,omitempty"`
	FolderPath   string `json:"folder_path,omitempty"`
}

// Manifest is one tenant's snapshot of Drive file metadata, stored in the
// manifest bucket as <uuid>.json.
type Manifest struct {
	LastChecked time.Time            `json:"last_checked"`
	LastUpdated time.Time            `json:"last_updated"`
	FilesCount  int                  `json:"files_count"`
	Files       map[string]FileState `json:"files"`
}

// ManifestStore persists manifests in the manifest bucket.
type ManifestStore struct {
	store  blob.Store
	logger *slog.Logger
}

// NewManifestStore builds a store over the manifest bucket.
func NewManifestStore(store blob.Store, logger *slog.Logger) *ManifestStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &ManifestStore{store: store, logger: logger}
}

func manifestObject(uuid string) string {
	return uuid + ".json"
}

// Load reads a tenant's manifest. A missing manifest returns blob.ErrNotFound.
func (s *ManifestStore) Load(ctx context.Context, uuid string) (*Manifest, error) {
	var m Manifest
	if err := blob.ReadJSON(ctx, s.store, manifestObject(uuid), &m); err != nil {
		return nil, fmt.Errorf("scheduler: loading manifest for %s: %w", uuid, err)
	}

	return &m, nil
}

// Save writes a tenant's manifest.
func (s *ManifestStore) Save(ctx context.Context, uuid string, m *Manifest) error {
	if err := blob.WriteJSON(ctx, s.store, manifestObject(uuid), m); err != nil {
		return fmt.Errorf("scheduler: saving manifest for %s: %w", uuid, err)
	}

	s.logger.Info("manifest saved",
		slog.String("uuid", uuid),
		slog.Int("files", m.FilesCount))

	return nil
}

// buildIndex maps the current Drive tree by file id.
func buildIndex(files []drive.FileMeta) map[string]FileState {
	index := make(map[string]FileState, len(files))

	for _, f := range files {
		index[f.ID] = FileState{
			ModifiedTime: f.ModifiedTime,
			Size:         f.Size,
			MD5Checksum:  f.MD5Checksum,
			Name:         f.Name,
			FolderPath:   f.FolderPath,
		}
	}

	return index
}

// changed reports whether the current tree differs from the stored files
// index: any file added, removed, or with different modifiedTime, size or
// checksum. A checksum Drive does not supply compares as the empty string,
// so a checksum appearing or disappearing counts as a change.
func changed(prev, current map[string]FileState) bool {
	if len(prev) != len(current) {
		return true
	}

	for id, cur := range current {
		old, ok := prev[id]
		if !ok {
			return true
		}

		if old.ModifiedTime != cur.ModifiedTime ||
			old.Size != cur.Size ||
			old.MD5Checksum != cur.MD5Checksum {
			return true
		}
	}

	return false
}
