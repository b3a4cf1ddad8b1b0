package watch

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aikasa/drivevec/internal/blob"
	"github.com/aikasa/drivevec/internal/drive"
	"github.com/aikasa/drivevec/internal/jobs"
)

type fakeJobDispatcher struct {
	specs []jobs.Spec
}

func (d *fakeJobDispatcher) Dispatch(_ context.Context, spec jobs.Spec) (string, error) {
	d.specs = append(d.specs, spec)
	return "exec-1", nil
}

type routerFixture struct {
	router     *Router
	store      *Store
	api        *fakeDriveAPI
	dispatcher *fakeJobDispatcher
	now        time.Time
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	f := &routerFixture{
		store:      NewStore(blob.NewMemoryStore(), ""),
		api:        &fakeDriveAPI{startTokens: map[string]string{}, pages: map[string]*drive.ChangePage{}, goneTokens: map[string]bool{}, parents: map[string][]string{}},
		dispatcher: &fakeJobDispatcher{},
		now:        time.Unix(1700000000, 0),
	}

	f.router = NewRouter(f.store, f.api, f.dispatcher, DefaultCooldown,
		slog.New(slog.DiscardHandler))
	f.router.now = func() time.Time { return f.now }

	return f
}

// seed installs a channel on drive-1 plus one registered tenant.
func (f *routerFixture) seed(t *testing.T, uuid, folderID string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.store.SaveChannel(ctx, &DriveChannelState{
		DriveID:    "drive-1",
		ChannelID:  "chan-1",
		ResourceID: "res-1",
		PageToken:  "tok-1",
	}))
	require.NoError(t, f.store.SaveCompany(ctx, &CompanyState{
		UUID:     uuid,
		DriveURL: folderURL(folderID),
		FolderID: folderID,
		DriveID:  "drive-1",
	}))
}

func contentNotification() Notification {
	return Notification{ChannelID: "chan-1", ResourceState: "change"}
}

func TestHandleUnknownChannel(t *testing.T) {
	f := newRouterFixture(t)

	outcome, err := f.router.Handle(context.Background(), Notification{ChannelID: "ghost"})
	require.NoError(t, err)

	assert.False(t, outcome.Handled)
	assert.Equal(t, StatusUnknownChannel, outcome.Status)
	assert.Empty(t, f.dispatcher.specs)
}

func TestHandleSyncHandshake(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, "t1", "folder-1")

	outcome, err := f.router.Handle(context.Background(), Notification{
		ChannelID:     "chan-1",
		ResourceState: "sync",
	})
	require.NoError(t, err)

	assert.True(t, outcome.Handled)
	assert.Equal(t, StatusSync, outcome.Status)
	assert.Empty(t, f.dispatcher.specs)
}

func TestHandleFilteredChangedType(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, "t1", "folder-1")

	outcome, err := f.router.Handle(context.Background(), Notification{
		ChannelID:     "chan-1",
		ResourceState: "update",
		ChangedTypes:  []string{"properties", "permissions"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFilteredType, outcome.Status)

	// content among the types passes the filter.
	f.api.pages["tok-1"] = &drive.ChangePage{NewStartPageToken: "tok-2"}

	outcome, err = f.router.Handle(context.Background(), Notification{
		ChannelID:     "chan-1",
		ResourceState: "update",
		ChangedTypes:  []string{"content", "properties"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, outcome.Status)
}

func TestHandleNoCompanies(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveChannel(ctx, &DriveChannelState{
		DriveID: "drive-1", ChannelID: "chan-1", PageToken: "tok-1",
	}))

	outcome, err := f.router.Handle(ctx, contentNotification())
	require.NoError(t, err)
	assert.Equal(t, StatusNoCompanies, outcome.Status)
}

func TestHandleExpiredTokenResets(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, "t1", "folder-1")

	f.api.goneTokens["tok-1"] = true
	f.api.startTokens["drive-1"] = "tok-head"

	outcome, err := f.router.Handle(context.Background(), contentNotification())
	require.NoError(t, err)

	assert.Equal(t, StatusPageTokenExpired, outcome.Status)
	assert.Zero(t, outcome.ChangesFound)
	assert.Empty(t, f.dispatcher.specs)

	channel, err := f.store.LoadChannel(context.Background(), "drive-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-head", channel.PageToken)
}

func TestHandleDispatchesForDirectChild(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, "t1", "folder-1")

	f.api.pages["tok-1"] = &drive.ChangePage{
		Changes: []drive.Change{{
			FileID: "file-9",
			File:   &drive.ChangedFile{ID: "file-9", Parents: []string{"folder-1"}},
		}},
		NewStartPageToken: "tok-2",
	}

	outcome, err := f.router.Handle(context.Background(), contentNotification())
	require.NoError(t, err)

	assert.Equal(t, StatusProcessed, outcome.Status)
	assert.Equal(t, 1, outcome.ChangesFound)
	assert.Equal(t, 1, outcome.JobsTriggered)

	require.Len(t, f.dispatcher.specs, 1)
	assert.Equal(t, "t1", f.dispatcher.specs[0].UUID)

	// Token advanced and cooldown timestamp persisted.
	channel, err := f.store.LoadChannel(context.Background(), "drive-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", channel.PageToken)

	company, err := f.store.LoadCompany(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, float64(f.now.Unix()), company.LastJobTrigger)
}

func TestHandleTransitiveDescendant(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, "t1", "folder-1")

	// file-9 lives in sub-2, which lives in sub-1, which lives in folder-1.
	f.api.parents["sub-2"] = []string{"sub-1"}
	f.api.parents["sub-1"] = []string{"folder-1"}

	f.api.pages["tok-1"] = &drive.ChangePage{
		Changes: []drive.Change{{
			FileID: "file-9",
			File:   &drive.ChangedFile{ID: "file-9", Parents: []string{"sub-2"}},
		}},
		NewStartPageToken: "tok-2",
	}

	outcome, err := f.router.Handle(context.Background(), contentNotification())
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.JobsTriggered)
}

func TestHandleIrrelevantChange(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, "t1", "folder-1")

	f.api.pages["tok-1"] = &drive.ChangePage{
		Changes: []drive.Change{{
			FileID: "file-9",
			File:   &drive.ChangedFile{ID: "file-9", Parents: []string{"elsewhere"}},
		}},
		NewStartPageToken: "tok-2",
	}

	outcome, err := f.router.Handle(context.Background(), contentNotification())
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.ChangesFound)
	assert.Zero(t, outcome.JobsTriggered)

	// The token still advances exactly once.
	channel, err := f.store.LoadChannel(context.Background(), "drive-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", channel.PageToken)
}

func TestHandleRemovalMatchesAllSubscribers(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, "t1", "folder-1")

	require.NoError(t, f.store.SaveCompany(context.Background(), &CompanyState{
		UUID: "t2", DriveURL: folderURL("folder-2"), FolderID: "folder-2", DriveID: "drive-1",
	}))

	f.api.pages["tok-1"] = &drive.ChangePage{
		Changes:           []drive.Change{{FileID: "file-9", Removed: true}},
		NewStartPageToken: "tok-2",
	}

	outcome, err := f.router.Handle(context.Background(), contentNotification())
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.JobsTriggered)
}

func TestHandleCooldown(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.seed(t, "t1", "folder-1")

	// t1 dispatched 30s ago (inside the 60s window); t2 never dispatched.
	company, err := f.store.LoadCompany(ctx, "t1")
	require.NoError(t, err)
	company.LastJobTrigger = float64(f.now.Unix() - 30)
	require.NoError(t, f.store.SaveCompany(ctx, company))

	require.NoError(t, f.store.SaveCompany(ctx, &CompanyState{
		UUID: "t2", DriveURL: folderURL("folder-2"), FolderID: "folder-2", DriveID: "drive-1",
	}))

	f.api.pages["tok-1"] = &drive.ChangePage{
		Changes:           []drive.Change{{FileID: "f", Removed: true}},
		NewStartPageToken: "tok-2",
	}

	outcome, err := f.router.Handle(ctx, contentNotification())
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.JobsTriggered)
	require.Len(t, f.dispatcher.specs, 1)
	assert.Equal(t, "t2", f.dispatcher.specs[0].UUID)
}

func TestHandleCooldownWindow(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.seed(t, "t1", "folder-1")

	page := &drive.ChangePage{
		Changes:           []drive.Change{{FileID: "f", Removed: true}},
		NewStartPageToken: "tok-2",
	}
	f.api.pages["tok-1"] = page
	f.api.pages["tok-2"] = page

	outcome, err := f.router.Handle(ctx, contentNotification())
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.JobsTriggered)

	// A burst of notifications within the window dispatches nothing more.
	for i := 0; i < 3; i++ {
		f.now = f.now.Add(10 * time.Second)

		outcome, err = f.router.Handle(ctx, contentNotification())
		require.NoError(t, err)
		assert.Zero(t, outcome.JobsTriggered)
	}

	// Past the window the next notification dispatches again.
	f.now = f.now.Add(DefaultCooldown)

	outcome, err = f.router.Handle(ctx, contentNotification())
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.JobsTriggered)
	assert.Len(t, f.dispatcher.specs, 2)
}

func TestHandlePagination(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, "t1", "folder-1")

	f.api.pages["tok-1"] = &drive.ChangePage{
		Changes:       []drive.Change{{FileID: "a", Removed: true}},
		NextPageToken: "tok-1b",
	}
	f.api.pages["tok-1b"] = &drive.ChangePage{
		Changes:           []drive.Change{{FileID: "b", Removed: true}},
		NewStartPageToken: "tok-2",
	}

	outcome, err := f.router.Handle(context.Background(), contentNotification())
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.ChangesFound)

	channel, err := f.store.LoadChannel(context.Background(), "drive-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", channel.PageToken, "newStartPageToken wins over intermediate tokens")
}

func TestAncestryResolverCycleGuard(t *testing.T) {
	api := &fakeDriveAPI{parents: map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}}

	resolver := newAncestryResolver(api)

	assert.False(t, resolver.isDescendant(context.Background(), []string{"a"}, "target"))
	assert.True(t, resolver.isDescendant(context.Background(), []string{"a"}, "b"))
}
