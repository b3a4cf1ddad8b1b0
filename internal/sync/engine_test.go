package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aikasa/drivevec/internal/artifact"
	"github.com/aikasa/drivevec/internal/blob"
	"github.com/aikasa/drivevec/internal/drive"
	"github.com/aikasa/drivevec/internal/embed"
	"github.com/aikasa/drivevec/internal/imaging"
)

// countingStore wraps the in-memory store and counts writes.
type countingStore struct {
	*blob.MemoryStore
	writes int
}

func (s *countingStore) Write(ctx context.Context, name string, data []byte) error {
	s.writes++
	return s.MemoryStore.Write(ctx, name, data)
}

// fakeDrive serves a fixed tree from memory.
type fakeDrive struct {
	tree          []drive.FileMeta
	treeErr       error
	content       map[string][]byte // file id → bytes
	failDownloads map[string]bool
}

func (d *fakeDrive) ListFolderTree(_ context.Context, _ string) ([]drive.FileMeta, error) {
	if d.treeErr != nil {
		return nil, d.treeErr
	}

	return d.tree, nil
}

func (d *fakeDrive) Download(_ context.Context, fileID string) ([]byte, error) {
	if d.failDownloads[fileID] {
		return nil, errors.New("boom")
	}

	data, ok := d.content[fileID]
	if !ok {
		return nil, fmt.Errorf("no content for %s", fileID)
	}

	return data, nil
}

// fakeNormalizer passes bytes through, failing deterministically on the
// literal content "corrupt".
type fakeNormalizer struct{}

func (fakeNormalizer) Normalize(data []byte) ([]byte, error) {
	if string(data) == "corrupt" {
		return nil, &imaging.Error{Reason: imaging.ReasonCannotIdentify}
	}

	return data, nil
}

// fakeProvider returns a fixed-dimension vector, failing for names in fail.
type fakeProvider struct {
	fail    map[string]bool
	onEmbed func() // optional hook, used for cancellation tests
	calls   int
	hints   []embed.ModelHint
}

func (p *fakeProvider) EmbedText(_ context.Context, _ string, _ embed.ModelHint) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (p *fakeProvider) EmbedMultimodal(_ context.Context, text string, _ []byte, hint embed.ModelHint) ([]float32, error) {
	p.calls++
	p.hints = append(p.hints, hint)

	if p.onEmbed != nil {
		p.onEmbed()
	}

	if p.fail[text] {
		return nil, errors.New("provider unavailable")
	}

	return []float32{1, 0.5}, nil
}

func file(id, name, folderPath string) drive.FileMeta {
	return drive.FileMeta{
		ID:          id,
		Name:        name,
		FolderPath:  folderPath,
		WebViewLink: "https://drive.example/view/" + id,
		MimeType:    "image/jpeg",
	}
}

func newTestEngine(store blob.Store, d *fakeDrive, p *fakeProvider, checkpoint int) *Engine {
	return NewEngine(&EngineConfig{
		Store:              store,
		Drive:              d,
		Provider:           p,
		Normalizer:         fakeNormalizer{},
		CheckpointInterval: checkpoint,
		Logger:             slog.New(slog.DiscardHandler),
	})
}

const driveURL = "https://drive.google.com/drive/folders/root-id"

func TestSyncFreshTenant(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: blob.NewMemoryStore()}

	d := &fakeDrive{
		tree: []drive.FileMeta{
			file("f1", "a.jpg", ""),
			file("f2", "b.png", "sub"),
		},
		content: map[string][]byte{"f1": []byte("img1"), "f2": []byte("img2")},
	}

	engine := newTestEngine(store, d, &fakeProvider{}, 0)

	report, err := engine.Sync(ctx, "uuid-A", driveURL, false)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Added)
	assert.Equal(t, 0, report.Deleted)
	assert.Equal(t, 1, report.Writes)

	entries, err := artifact.Load(ctx, store, "uuid-A")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	paths := []string{entries[0].FolderPath, entries[1].FolderPath}
	assert.ElementsMatch(t, []string{"", "sub"}, paths)

	for _, e := range entries {
		assert.False(t, e.IsCorrupt)
		assert.NotEmpty(t, e.Embedding)
		assert.Contains(t, e.Filepath, "https://drive.example/view/")
	}
}

func TestSyncCorruptFilePreserved(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: blob.NewMemoryStore()}

	d := &fakeDrive{
		tree: []drive.FileMeta{
			file("f1", "a.jpg", ""),
			file("f2", "b.png", "sub"),
			file("f3", "c.jpg", "sub"),
		},
		content: map[string][]byte{
			"f1": []byte("img1"),
			"f2": []byte("img2"),
			"f3": []byte("corrupt"),
		},
	}

	provider := &fakeProvider{}
	engine := newTestEngine(store, d, provider, 0)

	report, err := engine.Sync(ctx, "uuid-A", driveURL, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Added)
	assert.Equal(t, 1, report.Corrupt)

	entries, err := artifact.Load(ctx, store, "uuid-A")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var corrupt *artifact.Entry
	for k := range entries {
		if entries[k].IsCorrupt {
			corrupt = &entries[k]
		}
	}

	require.NotNil(t, corrupt)
	assert.Equal(t, "c.jpg", corrupt.Filename)
	assert.Equal(t, "cannot_identify", corrupt.CorruptReason)
	assert.Empty(t, corrupt.Embedding)

	// Re-sync: the corrupt key is preserved and nothing is re-attempted.
	writesBefore := store.writes
	embedsBefore := provider.calls

	report, err = engine.Sync(ctx, "uuid-A", driveURL, false)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Added)
	assert.Equal(t, writesBefore, store.writes, "unchanged tree must not write")
	assert.Equal(t, embedsBefore, provider.calls)
}

func TestSyncDeletions(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: blob.NewMemoryStore()}

	require.NoError(t, artifact.Save(ctx, store, "uuid-A", []artifact.Entry{
		{Filename: "a.jpg", FolderPath: "", Embedding: []float32{1}},
		{Filename: "b.png", FolderPath: "sub", Embedding: []float32{1}},
		{Filename: "c.jpg", FolderPath: "sub", IsCorrupt: true, CorruptReason: "cannot_identify"},
	}))
	store.writes = 0

	d := &fakeDrive{
		tree:    []drive.FileMeta{file("f1", "a.jpg", "")},
		content: map[string][]byte{"f1": []byte("img1")},
	}

	engine := newTestEngine(store, d, &fakeProvider{}, 0)

	report, err := engine.Sync(ctx, "uuid-A", driveURL, false)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Deleted)
	assert.Equal(t, 0, report.Added)

	entries, err := artifact.Load(ctx, store, "uuid-A")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.jpg", entries[0].Filename)
}

func TestSyncEmptyTreeClearsArtifact(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: blob.NewMemoryStore()}

	require.NoError(t, artifact.Save(ctx, store, "uuid-A", []artifact.Entry{
		{Filename: "a.jpg", Embedding: []float32{1}},
	}))
	store.writes = 0

	engine := newTestEngine(store, &fakeDrive{}, &fakeProvider{}, 0)

	report, err := engine.Sync(ctx, "uuid-A", driveURL, false)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 1, store.writes, "clearing must be a single write")

	entries, err := artifact.Load(ctx, store, "uuid-A")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSyncListingFailureLeavesArtifactUntouched(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: blob.NewMemoryStore()}

	require.NoError(t, artifact.Save(ctx, store, "uuid-A", []artifact.Entry{
		{Filename: "a.jpg", Embedding: []float32{1}},
	}))
	store.writes = 0

	d := &fakeDrive{treeErr: errors.New("drive: listing root folder root-id: HTTP 500")}
	engine := newTestEngine(store, d, &fakeProvider{}, 0)

	_, err := engine.Sync(ctx, "uuid-A", driveURL, false)
	require.Error(t, err)
	assert.Zero(t, store.writes, "a failed listing must not rewrite the artifact")

	entries, err := artifact.Load(ctx, store, "uuid-A")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.jpg", entries[0].Filename)
}

func TestSyncBothEmptyNoWrite(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: blob.NewMemoryStore()}

	engine := newTestEngine(store, &fakeDrive{}, &fakeProvider{}, 0)

	_, err := engine.Sync(ctx, "uuid-A", driveURL, false)
	require.NoError(t, err)
	assert.Zero(t, store.writes)

	// The artifact stays absent, not empty.
	ok, err := store.Exists(ctx, artifact.ObjectName("uuid-A"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncCheckpointing(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: blob.NewMemoryStore()}

	d := &fakeDrive{content: map[string][]byte{}}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("f%d", i)
		d.tree = append(d.tree, file(id, id+".jpg", ""))
		d.content[id] = []byte("img")
	}

	engine := newTestEngine(store, d, &fakeProvider{}, 2)

	report, err := engine.Sync(ctx, "uuid-A", driveURL, false)
	require.NoError(t, err)

	assert.Equal(t, 5, report.Added)
	// Checkpoints after files 2 and 4, final write after 5.
	assert.Equal(t, 3, store.writes)
}

func TestSyncEmbedFailureRetriedNextRun(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: blob.NewMemoryStore()}

	d := &fakeDrive{
		tree: []drive.FileMeta{
			file("f1", "ok.jpg", ""),
			file("f2", "flaky.jpg", ""),
		},
		content: map[string][]byte{"f1": []byte("img"), "f2": []byte("img")},
	}

	provider := &fakeProvider{fail: map[string]bool{"flaky.jpg": true}}
	engine := newTestEngine(store, d, provider, 0)

	report, err := engine.Sync(ctx, "uuid-A", driveURL, false)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Added)
	assert.Equal(t, 1, report.SkippedEmbed)

	entries, err := artifact.Load(ctx, store, "uuid-A")
	require.NoError(t, err)
	require.Len(t, entries, 1, "failed embed must not be persisted")

	// Next run retries the failed file.
	provider.fail = nil

	report, err = engine.Sync(ctx, "uuid-A", driveURL, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Added)

	entries, err = artifact.Load(ctx, store, "uuid-A")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSyncDownloadFailureSkips(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: blob.NewMemoryStore()}

	d := &fakeDrive{
		tree: []drive.FileMeta{
			file("f1", "a.jpg", ""),
			file("f2", "b.jpg", ""),
		},
		content:       map[string][]byte{"f1": []byte("img")},
		failDownloads: map[string]bool{"f2": true},
	}

	engine := newTestEngine(store, d, &fakeProvider{}, 0)

	report, err := engine.Sync(ctx, "uuid-A", driveURL, false)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Added)
	assert.Equal(t, 1, report.SkippedDownload)
}

func TestSyncCancellationPersistsProgress(t *testing.T) {
	store := &countingStore{MemoryStore: blob.NewMemoryStore()}

	d := &fakeDrive{
		tree: []drive.FileMeta{
			file("f1", "a.jpg", ""),
			file("f2", "b.jpg", ""),
			file("f3", "c.jpg", ""),
		},
		content: map[string][]byte{
			"f1": []byte("img"), "f2": []byte("img"), "f3": []byte("img"),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())

	provider := &fakeProvider{}
	provider.onEmbed = func() {
		if provider.calls == 1 {
			cancel()
		}
	}

	// Large checkpoint interval so only the cancellation path can persist.
	engine := newTestEngine(store, d, provider, 100)

	_, err := engine.Sync(ctx, "uuid-A", driveURL, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := artifact.Load(context.Background(), store, "uuid-A")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "in-memory progress must be persisted on cancel")
}

func TestSyncModelHint(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: blob.NewMemoryStore()}

	d := &fakeDrive{
		tree:    []drive.FileMeta{file("f1", "a.jpg", "")},
		content: map[string][]byte{"f1": []byte("img")},
	}

	provider := &fakeProvider{}
	engine := newTestEngine(store, d, provider, 0)

	_, err := engine.Sync(ctx, "uuid-A", driveURL, true)
	require.NoError(t, err)
	require.Len(t, provider.hints, 1)
	assert.Equal(t, embed.HintMultimodalV4, provider.hints[0])
}

func TestSyncBadURL(t *testing.T) {
	engine := newTestEngine(blob.NewMemoryStore(), &fakeDrive{}, &fakeProvider{}, 0)

	_, err := engine.Sync(context.Background(), "uuid-A", "https://example.com/none", false)
	assert.Error(t, err)
}
