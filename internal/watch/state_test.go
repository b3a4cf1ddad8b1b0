package watch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aikasa/drivevec/internal/blob"
)

func TestStoreCompanyRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(blob.NewMemoryStore(), "")

	in := &CompanyState{
		UUID:           "uuid-A",
		CompanyName:    "Acme",
		DriveURL:       "https://drive.google.com/drive/folders/f1",
		FolderID:       "f1",
		DriveID:        "drive-1",
		UseEmbedV4:     true,
		LastJobTrigger: 1700000000,
	}
	require.NoError(t, store.SaveCompany(ctx, in))

	got, err := store.LoadCompany(ctx, "uuid-A")
	require.NoError(t, err)
	assert.Equal(t, in, got)
	assert.False(t, got.IsDriveChannel)

	require.NoError(t, store.DeleteCompany(ctx, "uuid-A"))

	_, err = store.LoadCompany(ctx, "uuid-A")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestStoreChannelKeying(t *testing.T) {
	ctx := context.Background()
	backing := blob.NewMemoryStore()
	store := NewStore(backing, "watch-prefix")

	require.NoError(t, store.SaveChannel(ctx, &DriveChannelState{
		DriveID: "", ChannelID: "chan-root", ResourceID: "r1", PageToken: "t1",
	}))
	require.NoError(t, store.SaveChannel(ctx, &DriveChannelState{
		DriveID: "drive-9", ChannelID: "chan-9", ResourceID: "r2", PageToken: "t2",
	}))

	names, err := backing.List(ctx, "watch-prefix/")
	require.NoError(t, err)
	assert.Contains(t, names, "watch-prefix/drive-channel-root.json")
	assert.Contains(t, names, "watch-prefix/drive-channel-drive-9.json")

	got, err := store.LoadChannel(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "chan-root", got.ChannelID)
	assert.True(t, got.IsDriveChannel)
}

func TestStoreListCompaniesSkipsChannels(t *testing.T) {
	ctx := context.Background()
	store := NewStore(blob.NewMemoryStore(), "")

	require.NoError(t, store.SaveCompany(ctx, &CompanyState{UUID: "t1", DriveID: "d1"}))
	require.NoError(t, store.SaveCompany(ctx, &CompanyState{UUID: "t2", DriveID: "d2"}))
	require.NoError(t, store.SaveChannel(ctx, &DriveChannelState{DriveID: "d1", ChannelID: "c1"}))

	companies, err := store.ListCompanies(ctx)
	require.NoError(t, err)
	assert.Len(t, companies, 2)

	byDrive, err := store.CompaniesByDrive(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, byDrive, 1)
	assert.Equal(t, "t1", byDrive[0].UUID)
}

func TestStoreFindChannelByID(t *testing.T) {
	ctx := context.Background()
	store := NewStore(blob.NewMemoryStore(), "")

	require.NoError(t, store.SaveChannel(ctx, &DriveChannelState{DriveID: "d1", ChannelID: "c1"}))
	require.NoError(t, store.SaveChannel(ctx, &DriveChannelState{DriveID: "d2", ChannelID: "c2"}))

	got, err := store.FindChannelByID(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "d2", got.DriveID)

	_, err = store.FindChannelByID(ctx, "nope")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}
