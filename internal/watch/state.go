// Package watch maintains Drive push-channel subscriptions: per-tenant
// registrations, per-drive channel state, and the notification router that
// maps change notifications onto tenant sync jobs.
package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aikasa/drivevec/internal/blob"
)

// DefaultPrefix is the namespace under which watch state lives in the
// artifact bucket.
const DefaultPrefix = "drive-watch-states"

// rootDriveKey stands in for the empty drive id (My Drive) in object names.
const rootDriveKey = "root"

// CompanyState is one tenant's watch registration.
type CompanyState struct {
	IsDriveChannel bool `json:"is_drive_channel"` // always false, schema discriminator

	UUID        string `json:"uuid"`
	CompanyName string `json:"company_name,omitempty"`
	DriveURL    string `json:"drive_url"`
	FolderID    string `json:"folder_id"`
	DriveID     string `json:"drive_id,omitempty"` // empty for My Drive
	UseEmbedV4  bool   `json:"use_embed_v4,omitempty"`

	// LastJobTrigger is the unix timestamp (seconds) of the last dispatch
	// for this tenant; the cooldown gate reads it.
	LastJobTrigger float64 `json:"last_job_trigger_ts,omitempty"`
}

// DriveChannelState is the shared push channel for one physical drive.
type DriveChannelState struct {
	IsDriveChannel bool `json:"is_drive_channel"` // always true

	DriveID    string `json:"drive_id,omitempty"` // empty for My Drive
	ChannelID  string `json:"channel_id"`
	ResourceID string `json:"resource_id"`
	Expiration int64  `json:"expiration"` // unix milliseconds, as issued by Drive
	PageToken  string `json:"page_token"`
}

// Store is a namespaced key-value view over the blob store.
type Store struct {
	blob   blob.Store
	prefix string
}

// NewStore wraps a blob store under prefix ("" selects DefaultPrefix).
func NewStore(b blob.Store, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Store{blob: b, prefix: strings.TrimSuffix(prefix, "/")}
}

func (s *Store) companyName(uuid string) string {
	return s.prefix + "/" + uuid + ".json"
}

func (s *Store) channelName(driveID string) string {
	key := driveID
	if key == "" {
		key = rootDriveKey
	}

	return s.prefix + "/drive-channel-" + key + ".json"
}

// SaveCompany persists a tenant registration.
func (s *Store) SaveCompany(ctx context.Context, state *CompanyState) error {
	state.IsDriveChannel = false

	if err := blob.WriteJSON(ctx, s.blob, s.companyName(state.UUID), state); err != nil {
		return fmt.Errorf("watch: saving company %s: %w", state.UUID, err)
	}

	return nil
}

// LoadCompany reads a tenant registration; blob.ErrNotFound when absent.
func (s *Store) LoadCompany(ctx context.Context, uuid string) (*CompanyState, error) {
	var state CompanyState
	if err := blob.ReadJSON(ctx, s.blob, s.companyName(uuid), &state); err != nil {
		return nil, fmt.Errorf("watch: loading company %s: %w", uuid, err)
	}

	return &state, nil
}

// DeleteCompany removes a tenant registration.
func (s *Store) DeleteCompany(ctx context.Context, uuid string) error {
	if err := s.blob.Delete(ctx, s.companyName(uuid)); err != nil {
		return fmt.Errorf("watch: deleting company %s: %w", uuid, err)
	}

	return nil
}

// SaveChannel persists a drive channel state.
func (s *Store) SaveChannel(ctx context.Context, state *DriveChannelState) error {
	state.IsDriveChannel = true

	if err := blob.WriteJSON(ctx, s.blob, s.channelName(state.DriveID), state); err != nil {
		return fmt.Errorf("watch: saving channel for drive %q: %w", state.DriveID, err)
	}

	return nil
}

// LoadChannel reads the channel state for a drive; blob.ErrNotFound when
// absent.
func (s *Store) LoadChannel(ctx context.Context, driveID string) (*DriveChannelState, error) {
	var state DriveChannelState
	if err := blob.ReadJSON(ctx, s.blob, s.channelName(driveID), &state); err != nil {
		return nil, fmt.Errorf("watch: loading channel for drive %q: %w", driveID, err)
	}

	return &state, nil
}

// DeleteChannel removes the channel state for a drive.
func (s *Store) DeleteChannel(ctx context.Context, driveID string) error {
	if err := s.blob.Delete(ctx, s.channelName(driveID)); err != nil {
		return fmt.Errorf("watch: deleting channel for drive %q: %w", driveID, err)
	}

	return nil
}

// ListCompanies returns every tenant registration under the prefix.
func (s *Store) ListCompanies(ctx context.Context) ([]*CompanyState, error) {
	names, err := s.blob.List(ctx, s.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("watch: listing states: %w", err)
	}

	var out []*CompanyState

	for _, name := range names {
		var state CompanyState
		if err := blob.ReadJSON(ctx, s.blob, name, &state); err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				continue // deleted between list and read
			}

			return nil, err
		}

		if state.IsDriveChannel {
			continue
		}

		out = append(out, &state)
	}

	return out, nil
}

// CompaniesByDrive returns the registrations subscribed to one drive.
func (s *Store) CompaniesByDrive(ctx context.Context, driveID string) ([]*CompanyState, error) {
	all, err := s.ListCompanies(ctx)
	if err != nil {
		return nil, err
	}

	var out []*CompanyState
	for _, c := range all {
		if c.DriveID == driveID {
			out = append(out, c)
		}
	}

	return out, nil
}

// FindChannelByID scans the namespace for the channel with the given id.
// Returns blob.ErrNotFound when no channel matches.
func (s *Store) FindChannelByID(ctx context.Context, channelID string) (*DriveChannelState, error) {
	names, err := s.blob.List(ctx, s.prefix+"/drive-channel-")
	if err != nil {
		return nil, fmt.Errorf("watch: listing channels: %w", err)
	}

	for _, name := range names {
		var state DriveChannelState
		if err := blob.ReadJSON(ctx, s.blob, name, &state); err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				continue
			}

			return nil, err
		}

		if state.IsDriveChannel && state.ChannelID == channelID {
			return &state, nil
		}
	}

	return nil, fmt.Errorf("watch: channel %s: %w", channelID, blob.ErrNotFound)
}
