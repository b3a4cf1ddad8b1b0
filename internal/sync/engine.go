// Package sync converges one tenant's embedding artifact to the current
// state of its Drive folder tree: diff, download, normalize, embed, and
// checkpointed whole-object persistence.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aikasa/drivevec/internal/artifact"
	"github.com/aikasa/drivevec/internal/blob"
	"github.com/aikasa/drivevec/internal/drive"
	"github.com/aikasa/drivevec/internal/embed"
	"github.com/aikasa/drivevec/internal/imaging"
)

// DefaultCheckpointInterval is the number of appended entries between
// intermediate artifact writes.
const DefaultCheckpointInterval = 100

// DriveClient is the slice of the Drive adapter the engine uses.
type DriveClient interface {
	ListFolderTree(ctx context.Context, folderID string) ([]drive.FileMeta, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
}

// Normalizer prepares image bytes for the embedding provider.
type Normalizer interface {
	Normalize(data []byte) ([]byte, error)
}

// EngineConfig holds the collaborators for NewEngine.
type EngineConfig struct {
	Store              blob.Store
	Drive              DriveClient
	Provider           embed.Provider
	Normalizer         Normalizer
	CheckpointInterval int // 0 → DefaultCheckpointInterval
	Logger             *slog.Logger

	// AfterTenant, when set, runs after each successful tenant sync in
	// batch mode. The scheduler path uses it to refresh manifests.
	AfterTenant func(ctx context.Context, task Task) error
}

// Report summarizes one sync run.
type Report struct {
	UUID     string
	Duration time.Duration

	RemoteFiles int
	Added       int
	Deleted     int
	Corrupt     int

	// SkippedDownload and SkippedEmbed count files left for the next run.
	SkippedDownload int
	SkippedEmbed    int

	// Writes counts artifact persist operations, checkpoints included.
	Writes int
}

// Engine runs sync cycles. Single-threaded within one tenant; tenant-level
// parallelism belongs to the dispatcher.
type Engine struct {
	store      blob.Store
	drive      DriveClient
	provider   embed.Provider
	normalizer Normalizer
	checkpoint int
	logger     *slog.Logger

	afterTenant func(ctx context.Context, task Task) error
}

// NewEngine creates an Engine.
func NewEngine(cfg *EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	interval := cfg.CheckpointInterval
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}

	return &Engine{
		store:      cfg.Store,
		drive:      cfg.Drive,
		provider:   cfg.Provider,
		normalizer: cfg.Normalizer,
		checkpoint: interval,
		logger:     logger,

		afterTenant: cfg.AfterTenant,
	}
}

// fileOutcome is the terminal state of one added file.
type fileOutcome int

const (
	outcomeAppended fileOutcome = iota
	outcomeCorrupt
	outcomeSkippedDownload
	outcomeSkippedEmbed
)

// Sync converges the tenant's artifact to the Drive tree at driveURL.
// On context cancellation the in-memory working copy is persisted before
// returning the context error; the artifact never regresses past its last
// whole-object write.
func (e *Engine) Sync(ctx context.Context, uuid, driveURL string, useEmbedV4 bool) (*Report, error) {
	start := time.Now()
	report := &Report{UUID: uuid}

	logger := e.logger.With(slog.String("uuid", uuid))
	logger.Info("sync starting", slog.String("drive_url", driveURL))

	hint := embed.HintTextV3
	if useEmbedV4 {
		hint = embed.HintMultimodalV4
	}

	folderID, err := drive.ParseFolderID(driveURL)
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}

	// Step 1: load the existing artifact; absent means never synced.
	existing, err := artifact.Load(ctx, e.store, uuid)
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		return nil, err
	}

	existingKeys := make(map[artifact.Key]struct{}, len(existing))
	for _, entry := range existing {
		existingKeys[entry.Key()] = struct{}{}
	}

	// Step 2: enumerate the Drive tree.
	files, err := e.drive.ListFolderTree(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("sync: listing drive tree: %w", err)
	}

	report.RemoteFiles = len(files)

	if len(files) == 0 {
		if len(existing) == 0 {
			logger.Info("drive tree and artifact both empty, nothing to do")
			report.Duration = time.Since(start)

			return report, nil
		}

		logger.Info("drive tree empty, clearing artifact",
			slog.Int("removed", len(existing)))

		if err := e.persist(ctx, uuid, nil, report); err != nil {
			return nil, err
		}

		report.Deleted = len(existing)
		report.Duration = time.Since(start)

		return report, nil
	}

	currentKeys := make(map[artifact.Key]struct{}, len(files))
	for _, f := range files {
		currentKeys[fileKey(f)] = struct{}{}
	}

	// Step 3: apply deletions and persist them before any additions.
	working := make([]artifact.Entry, 0, len(existing))
	for _, entry := range existing {
		if _, ok := currentKeys[entry.Key()]; ok {
			working = append(working, entry)
		} else {
			report.Deleted++
		}
	}

	if report.Deleted > 0 {
		logger.Info("removing deleted files", slog.Int("count", report.Deleted))

		if err := e.persist(ctx, uuid, working, report); err != nil {
			return nil, err
		}
	}

	var added []drive.FileMeta
	for _, f := range files {
		if _, ok := existingKeys[fileKey(f)]; !ok {
			added = append(added, f)
		}
	}

	logger.Info("diff computed",
		slog.Int("remote", len(files)),
		slog.Int("to_add", len(added)),
		slog.Int("deleted", report.Deleted))

	// Step 4: process additions. The deferred persist covers cancellation
	// and panics so the working copy is never lost past a checkpoint.
	dirty := false
	persisted := true

	defer func() {
		if !persisted {
			if err := e.persist(context.WithoutCancel(ctx), uuid, working, report); err != nil {
				logger.Error("final persist failed", slog.String("error", err.Error()))
			}
		}
	}()

	sinceCheckpoint := 0

	for _, f := range added {
		if ctx.Err() != nil {
			persisted = false
			return nil, fmt.Errorf("sync: canceled: %w", ctx.Err())
		}

		outcome, entry := e.processFile(ctx, logger, f, hint)

		switch outcome {
		case outcomeAppended:
			working = append(working, entry)
			report.Added++
			dirty = true
			persisted = false
			sinceCheckpoint++
		case outcomeCorrupt:
			working = append(working, entry)
			report.Corrupt++
			dirty = true
			persisted = false
			sinceCheckpoint++
		case outcomeSkippedDownload:
			report.SkippedDownload++

			// Persist progress before continuing past a failure.
			if !persisted {
				if err := e.persist(ctx, uuid, working, report); err != nil {
					return nil, err
				}

				persisted = true
				sinceCheckpoint = 0
			}

			continue
		case outcomeSkippedEmbed:
			report.SkippedEmbed++

			if !persisted {
				if err := e.persist(ctx, uuid, working, report); err != nil {
					return nil, err
				}

				persisted = true
				sinceCheckpoint = 0
			}

			continue
		}

		if sinceCheckpoint >= e.checkpoint {
			if err := e.persist(ctx, uuid, working, report); err != nil {
				return nil, err
			}

			persisted = true
			sinceCheckpoint = 0
		}
	}

	// Step 5: final persist when anything changed this run.
	if dirty || report.Deleted > 0 {
		if err := e.persist(ctx, uuid, working, report); err != nil {
			return nil, err
		}
	}

	persisted = true
	report.Duration = time.Since(start)

	logger.Info("sync complete",
		slog.Int("added", report.Added),
		slog.Int("deleted", report.Deleted),
		slog.Int("corrupt", report.Corrupt),
		slog.Int("skipped_download", report.SkippedDownload),
		slog.Int("skipped_embed", report.SkippedEmbed),
		slog.Int("writes", report.Writes),
		slog.Duration("duration", report.Duration))

	return report, nil
}

// processFile runs one file through download → normalize → embed and
// classifies the terminal state. Normalization failures are deterministic
// and produce a corrupt entry; download and embedding failures leave no
// entry so the file is retried next run.
func (e *Engine) processFile(ctx context.Context, logger *slog.Logger, f drive.FileMeta, hint embed.ModelHint) (fileOutcome, artifact.Entry) {
	data, err := e.drive.Download(ctx, f.ID)
	if err != nil {
		logger.Warn("download failed",
			slog.String("file", f.Name),
			slog.String("folder_path", f.FolderPath),
			slog.String("error", err.Error()))

		return outcomeSkippedDownload, artifact.Entry{}
	}

	normalized, err := e.normalizer.Normalize(data)
	if err != nil {
		var imgErr *imaging.Error

		reason := string(imaging.ReasonOpenError)
		if errors.As(err, &imgErr) {
			reason = string(imgErr.Reason)
		}

		logger.Warn("normalization failed, marking corrupt",
			slog.String("file", f.Name),
			slog.String("reason", reason))

		return outcomeCorrupt, artifact.Entry{
			Filename:      f.Name,
			Filepath:      f.WebViewLink,
			FolderPath:    f.FolderPath,
			IsCorrupt:     true,
			CorruptReason: reason,
		}
	}

	vec, err := e.provider.EmbedMultimodal(ctx, f.Name, normalized, hint)
	if err != nil {
		logger.Warn("embedding failed, will retry next run",
			slog.String("file", f.Name),
			slog.String("error", err.Error()))

		return outcomeSkippedEmbed, artifact.Entry{}
	}

	return outcomeAppended, artifact.Entry{
		Filename:   f.Name,
		Filepath:   f.WebViewLink,
		FolderPath: f.FolderPath,
		Embedding:  vec,
	}
}

// persist writes the working copy in one whole-object replacement.
func (e *Engine) persist(ctx context.Context, uuid string, entries []artifact.Entry, report *Report) error {
	if err := artifact.Save(ctx, e.store, uuid, entries); err != nil {
		return err
	}

	report.Writes++

	return nil
}

// fileKey maps a Drive file onto the artifact identity space.
func fileKey(f drive.FileMeta) artifact.Key {
	return artifact.Key{FolderPath: f.FolderPath, Filename: f.Name}
}
