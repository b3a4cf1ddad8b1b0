package watch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/aikasa/drivevec/internal/blob"
	"github.com/aikasa/drivevec/internal/drive"
	"github.com/aikasa/drivevec/internal/jobs"
)

// DefaultCooldown is the minimum interval between notification-triggered
// dispatches for one tenant.
const DefaultCooldown = 60 * time.Second

// Outcome statuses reported by Handle.
const (
	StatusUnknownChannel   = "unknown_channel"
	StatusSync             = "sync"
	StatusFilteredType     = "filtered_changed_type"
	StatusNoCompanies      = "no_companies"
	StatusPageTokenExpired = "page_token_expired"
	StatusProcessed        = "processed"
)

// Dispatcher triggers one tenant's sync job.
type Dispatcher interface {
	Dispatch(ctx context.Context, spec jobs.Spec) (string, error)
}

// Notification is one Drive push delivery, taken from the X-Goog-* headers.
type Notification struct {
	ChannelID     string
	ResourceState string
	ChangedTypes  []string // empty when the X-Goog-Changed header is absent
}

// Outcome reports what a notification produced. The HTTP layer always
// answers 204; Outcome exists for logging and tests.
type Outcome struct {
	Handled       bool   `json:"handled"`
	Status        string `json:"status"`
	ChangesFound  int    `json:"changes_found"`
	JobsTriggered int    `json:"jobs_triggered"`
}

// Router consumes push notifications: advances the change feed, maps
// changed files onto subscribed tenants, and dispatches sync jobs under
// the per-tenant cooldown.
type Router struct {
	store      *Store
	drive      DriveAPI
	dispatcher Dispatcher
	cooldown   time.Duration
	logger     *slog.Logger

	// now is a seam for cooldown tests.
	now func() time.Time
}

// NewRouter builds a Router. cooldown 0 selects DefaultCooldown; a negative
// cooldown disables the gate.
func NewRouter(store *Store, driveAPI DriveAPI, dispatcher Dispatcher, cooldown time.Duration, logger *slog.Logger) *Router {
	if cooldown == 0 {
		cooldown = DefaultCooldown
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		store:      store,
		drive:      driveAPI,
		dispatcher: dispatcher,
		cooldown:   cooldown,
		logger:     logger,
		now:        time.Now,
	}
}

// Handle processes one notification end to end. Change-feed advancement and
// token persistence happen exactly once, before any job is dispatched.
func (r *Router) Handle(ctx context.Context, n Notification) (*Outcome, error) {
	channel, err := r.store.FindChannelByID(ctx, n.ChannelID)
	if errors.Is(err, blob.ErrNotFound) {
		r.logger.Debug("notification for unknown channel", slog.String("channel_id", n.ChannelID))

		return &Outcome{Handled: false, Status: StatusUnknownChannel}, nil
	}

	if err != nil {
		return nil, err
	}

	// Drive sends resource_state=sync once as the registration handshake.
	if n.ResourceState == "sync" {
		return &Outcome{Handled: true, Status: StatusSync}, nil
	}

	if len(n.ChangedTypes) > 0 && !slices.Contains(n.ChangedTypes, "content") {
		return &Outcome{Handled: true, Status: StatusFilteredType}, nil
	}

	companies, err := r.store.CompaniesByDrive(ctx, channel.DriveID)
	if err != nil {
		return nil, err
	}

	if len(companies) == 0 {
		return &Outcome{Handled: true, Status: StatusNoCompanies}, nil
	}

	changes, expired, err := r.advanceFeed(ctx, channel)
	if err != nil {
		return nil, err
	}

	if expired {
		return &Outcome{Handled: true, Status: StatusPageTokenExpired}, nil
	}

	outcome := &Outcome{Handled: true, Status: StatusProcessed, ChangesFound: len(changes)}

	if len(changes) == 0 {
		return outcome, nil
	}

	// The parent-chain cache is scoped to one notification: folder moves
	// between notifications must not serve stale ancestry.
	resolver := newAncestryResolver(r.drive)

	for _, company := range companies {
		if !r.relevantToCompany(ctx, resolver, changes, company) {
			continue
		}

		if r.underCooldown(company) {
			r.logger.Info("dispatch skipped by cooldown",
				slog.String("uuid", company.UUID),
				slog.Float64("last_trigger", company.LastJobTrigger))

			continue
		}

		if _, err := r.dispatcher.Dispatch(ctx, jobs.Spec{
			UUID:       company.UUID,
			DriveURL:   company.DriveURL,
			UseEmbedV4: company.UseEmbedV4,
		}); err != nil {
			r.logger.Error("dispatch failed",
				slog.String("uuid", company.UUID),
				slog.String("error", err.Error()))

			continue
		}

		company.LastJobTrigger = float64(r.now().Unix())

		if err := r.store.SaveCompany(ctx, company); err != nil {
			r.logger.Error("persisting cooldown timestamp failed",
				slog.String("uuid", company.UUID),
				slog.String("error", err.Error()))
		}

		outcome.JobsTriggered++
	}

	return outcome, nil
}

// advanceFeed pages the change feed from the stored token to exhaustion and
// persists the new cursor exactly once. On an expired token (410) the cursor
// resets to the feed head and this notification counts as zero changes.
func (r *Router) advanceFeed(ctx context.Context, channel *DriveChannelState) ([]drive.Change, bool, error) {
	token := channel.PageToken

	if token == "" {
		head, err := r.drive.StartPageToken(ctx, channel.DriveID)
		if err != nil {
			return nil, false, err
		}

		channel.PageToken = head
		if err := r.store.SaveChannel(ctx, channel); err != nil {
			return nil, false, err
		}

		return nil, true, nil
	}

	var (
		changes  []drive.Change
		newToken string
	)

	for {
		page, err := r.drive.ListChanges(ctx, token, channel.DriveID)
		if errors.Is(err, drive.ErrGone) {
			head, headErr := r.drive.StartPageToken(ctx, channel.DriveID)
			if headErr != nil {
				return nil, false, headErr
			}

			r.logger.Warn("page token expired, resetting to feed head",
				slog.String("drive_id", channel.DriveID))

			channel.PageToken = head
			if saveErr := r.store.SaveChannel(ctx, channel); saveErr != nil {
				return nil, false, saveErr
			}

			return nil, true, nil
		}

		if err != nil {
			return nil, false, err
		}

		changes = append(changes, page.Changes...)

		if page.NewStartPageToken != "" {
			newToken = page.NewStartPageToken
		}

		if page.NextPageToken == "" {
			break
		}

		token = page.NextPageToken

		if newToken == "" {
			newToken = page.NextPageToken
		}
	}

	if newToken != "" && newToken != channel.PageToken {
		channel.PageToken = newToken
		if err := r.store.SaveChannel(ctx, channel); err != nil {
			return nil, false, err
		}
	}

	return changes, false, nil
}

// relevantToCompany reports whether any change touches the company's folder
// subtree. Removals and trashed files always match: their ancestry is no
// longer observable.
func (r *Router) relevantToCompany(ctx context.Context, resolver *ancestryResolver, changes []drive.Change, company *CompanyState) bool {
	for _, ch := range changes {
		if ch.Removed {
			return true
		}

		if ch.File == nil {
			continue
		}

		if ch.File.Trashed {
			return true
		}

		if resolver.isDescendant(ctx, ch.File.Parents, company.FolderID) {
			return true
		}
	}

	return false
}

func (r *Router) underCooldown(company *CompanyState) bool {
	if r.cooldown <= 0 || company.LastJobTrigger == 0 {
		return false
	}

	elapsed := r.now().Unix() - int64(company.LastJobTrigger)

	return elapsed < int64(r.cooldown.Seconds())
}

// ancestryResolver walks parent chains with a memoized parents cache and a
// visited set guarding against reference cycles.
type ancestryResolver struct {
	drive   DriveAPI
	parents map[string][]string
}

func newAncestryResolver(d DriveAPI) *ancestryResolver {
	return &ancestryResolver{drive: d, parents: make(map[string][]string)}
}

// isDescendant reports whether folderID appears in the ancestor closure of
// the given starting parents.
func (a *ancestryResolver) isDescendant(ctx context.Context, parents []string, folderID string) bool {
	visited := make(map[string]struct{})
	queue := append([]string(nil), parents...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if id == folderID {
			return true
		}

		if _, seen := visited[id]; seen {
			continue
		}

		visited[id] = struct{}{}

		up, ok := a.parents[id]
		if !ok {
			var err error

			up, err = a.drive.Parents(ctx, id)
			if err != nil {
				// Inaccessible ancestor: treat this chain as exhausted.
				up = nil
			}

			a.parents[id] = up
		}

		queue = append(queue, up...)
	}

	return false
}
