package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/aikasa/drivevec/internal/blob"
	"github.com/aikasa/drivevec/internal/drive"
)

// DefaultTTLSeconds is the push channel lifetime requested from Drive.
const DefaultTTLSeconds = 86400

// DriveAPI is the slice of the Drive adapter the watch layer uses.
type DriveAPI interface {
	ResolveFolder(ctx context.Context, folderID string) (string, error)
	StartPageToken(ctx context.Context, driveID string) (string, error)
	WatchCreate(ctx context.Context, pageToken, driveID, callbackURL, channelID string, ttlSeconds int) (*drive.ChannelInfo, error)
	WatchStop(ctx context.Context, channelID, resourceID string) error
	ListChanges(ctx context.Context, pageToken, driveID string) (*drive.ChangePage, error)
	Parents(ctx context.Context, fileID string) ([]string, error)
}

// Manager owns channel lifecycle: tenant registration, unregistration, and
// forced re-registration after expiry.
type Manager struct {
	store       *Store
	drive       DriveAPI
	callbackURL string
	ttlSeconds  int
	logger      *slog.Logger

	// newChannelID generates channel ids; tests pin it.
	newChannelID func() string
}

// NewManager builds a Manager. callbackURL is the notification endpoint
// Drive will POST to; ttlSeconds 0 selects DefaultTTLSeconds.
func NewManager(store *Store, driveAPI DriveAPI, callbackURL string, ttlSeconds int, logger *slog.Logger) *Manager {
	if ttlSeconds <= 0 {
		ttlSeconds = DefaultTTLSeconds
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		store:        store,
		drive:        driveAPI,
		callbackURL:  callbackURL,
		ttlSeconds:   ttlSeconds,
		logger:       logger,
		newChannelID: uuid.NewString,
	}
}

// RegisterRequest is one tenant's watch registration.
type RegisterRequest struct {
	UUID        string
	DriveURL    string
	CompanyName string
	CallbackURL string // overrides the manager default when set
	UseEmbedV4  bool
}

// Registration reports the channel serving a registered tenant.
type Registration struct {
	ChannelID           string `json:"channel_id"`
	ResourceID          string `json:"resource_id"`
	Expiration          int64  `json:"expiration"`
	DriveID             string `json:"drive_id,omitempty"`
	IsNewChannel        bool   `json:"is_new_channel"`
	DriveChannelCreated bool   `json:"drive_channel_created"`
}

// Register subscribes a tenant. Tenants whose folders live in the same
// physical drive share one push channel; the channel is created only for
// the first registration on that drive.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	folderID, err := drive.ParseFolderID(req.DriveURL)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}

	driveID, err := m.drive.ResolveFolder(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("watch: resolving folder: %w", err)
	}

	channel, err := m.store.LoadChannel(ctx, driveID)

	created := false

	switch {
	case err == nil:
		// Existing channel covers this drive.
	case errors.Is(err, blob.ErrNotFound):
		channel, err = m.createChannel(ctx, driveID, req.CallbackURL)
		if err != nil {
			return nil, err
		}

		created = true
	default:
		return nil, err
	}

	existing, err := m.store.LoadCompany(ctx, req.UUID)
	isNewCompany := errors.Is(err, blob.ErrNotFound)

	if err != nil && !isNewCompany {
		return nil, err
	}

	state := &CompanyState{
		UUID:        req.UUID,
		CompanyName: req.CompanyName,
		DriveURL:    req.DriveURL,
		FolderID:    folderID,
		DriveID:     driveID,
		UseEmbedV4:  req.UseEmbedV4,
	}

	// Re-registration keeps the cooldown clock.
	if existing != nil {
		state.LastJobTrigger = existing.LastJobTrigger
	}

	if err := m.store.SaveCompany(ctx, state); err != nil {
		return nil, err
	}

	m.logger.Info("watch registered",
		slog.String("uuid", req.UUID),
		slog.String("drive_id", driveID),
		slog.String("channel_id", channel.ChannelID),
		slog.Bool("channel_created", created))

	return &Registration{
		ChannelID:           channel.ChannelID,
		ResourceID:          channel.ResourceID,
		Expiration:          channel.Expiration,
		DriveID:             driveID,
		IsNewChannel:        isNewCompany,
		DriveChannelCreated: created,
	}, nil
}

// createChannel opens a fresh push channel on the drive's change feed and
// persists its state.
func (m *Manager) createChannel(ctx context.Context, driveID, callbackURL string) (*DriveChannelState, error) {
	if callbackURL == "" {
		callbackURL = m.callbackURL
	}

	token, err := m.drive.StartPageToken(ctx, driveID)
	if err != nil {
		return nil, fmt.Errorf("watch: getting start page token: %w", err)
	}

	info, err := m.drive.WatchCreate(ctx, token, driveID, callbackURL, m.newChannelID(), m.ttlSeconds)
	if err != nil {
		return nil, fmt.Errorf("watch: creating channel: %w", err)
	}

	state := &DriveChannelState{
		DriveID:    driveID,
		ChannelID:  info.ChannelID,
		ResourceID: info.ResourceID,
		Expiration: info.Expiration,
		PageToken:  token,
	}

	if err := m.store.SaveChannel(ctx, state); err != nil {
		return nil, err
	}

	return state, nil
}

// Unregister removes a tenant's registration. The drive channel is stopped
// and deleted only when this was its last subscriber.
func (m *Manager) Unregister(ctx context.Context, tenantUUID string) error {
	state, err := m.store.LoadCompany(ctx, tenantUUID)
	if err != nil {
		return err
	}

	if err := m.store.DeleteCompany(ctx, tenantUUID); err != nil {
		return err
	}

	remaining, err := m.store.CompaniesByDrive(ctx, state.DriveID)
	if err != nil {
		return err
	}

	if len(remaining) > 0 {
		m.logger.Info("watch unregistered, channel kept",
			slog.String("uuid", tenantUUID),
			slog.Int("remaining_subscribers", len(remaining)))

		return nil
	}

	channel, err := m.store.LoadChannel(ctx, state.DriveID)
	if errors.Is(err, blob.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	if err := m.drive.WatchStop(ctx, channel.ChannelID, channel.ResourceID); err != nil {
		m.logger.Warn("stopping channel failed",
			slog.String("channel_id", channel.ChannelID),
			slog.String("error", err.Error()))
	}

	if err := m.store.DeleteChannel(ctx, state.DriveID); err != nil {
		return err
	}

	m.logger.Info("watch unregistered, channel stopped",
		slog.String("uuid", tenantUUID),
		slog.String("channel_id", channel.ChannelID))

	return nil
}

// ReRegisterResult summarizes a forced channel recreation.
type ReRegisterResult struct {
	Drives    int `json:"drives"`
	Companies int `json:"companies"`
	Errors    int `json:"errors"`
}

// ReRegister tears down and recreates the channels serving the given
// tenants (all tenants when uuids is empty). Used after channel expiry.
func (m *Manager) ReRegister(ctx context.Context, uuids []string) (*ReRegisterResult, error) {
	companies, err := m.store.ListCompanies(ctx)
	if err != nil {
		return nil, err
	}

	if len(uuids) > 0 {
		want := make(map[string]struct{}, len(uuids))
		for _, u := range uuids {
			want[u] = struct{}{}
		}

		var filtered []*CompanyState
		for _, c := range companies {
			if _, ok := want[c.UUID]; ok {
				filtered = append(filtered, c)
			}
		}

		companies = filtered
	}

	drives := make(map[string]struct{})
	for _, c := range companies {
		drives[c.DriveID] = struct{}{}
	}

	result := &ReRegisterResult{Companies: len(companies)}

	for driveID := range drives {
		if err := m.recreateChannel(ctx, driveID); err != nil {
			m.logger.Error("recreating channel failed",
				slog.String("drive_id", driveID),
				slog.String("error", err.Error()))

			result.Errors++

			continue
		}

		result.Drives++
	}

	return result, nil
}

// recreateChannel stops and replaces one drive's channel. A missing or
// already-expired channel is not an error.
func (m *Manager) recreateChannel(ctx context.Context, driveID string) error {
	old, err := m.store.LoadChannel(ctx, driveID)

	switch {
	case err == nil:
		if stopErr := m.drive.WatchStop(ctx, old.ChannelID, old.ResourceID); stopErr != nil {
			m.logger.Warn("stopping expired channel failed",
				slog.String("channel_id", old.ChannelID),
				slog.String("error", stopErr.Error()))
		}

		if err := m.store.DeleteChannel(ctx, driveID); err != nil {
			return err
		}
	case errors.Is(err, blob.ErrNotFound):
	default:
		return err
	}

	_, err = m.createChannel(ctx, driveID, "")

	return err
}
