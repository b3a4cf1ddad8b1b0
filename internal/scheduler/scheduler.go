package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aikasa/drivevec/internal/blob"
	"github.com/aikasa/drivevec/internal/drive"
	"github.com/aikasa/drivevec/internal/registry"
	"github.com/aikasa/drivevec/internal/sync"
)

// DefaultMaxWorkers bounds concurrent manifest checks.
const DefaultMaxWorkers = 3

// Check reasons reported per tenant.
const (
	ReasonFirstRun    = "first_run"
	ReasonChanged     = "changed"
	ReasonUnchanged   = "unchanged"
	ReasonCheckFailed = "check_failed"
)

// Registry lists the tenants with auto update enabled.
type Registry interface {
	AutoUpdateCompanies(ctx context.Context) ([]registry.Company, error)
}

// TreeLister is the metadata-only slice of the Drive adapter the gate uses.
type TreeLister interface {
	ListFolderTree(ctx context.Context, folderID string) ([]drive.FileMeta, error)
}

// BatchDispatcher launches one batch worker for the given tasks.
type BatchDispatcher interface {
	DispatchBatch(ctx context.Context, tasks []sync.Task) (string, error)
}

// TenantCheck is one tenant's gate outcome.
type TenantCheck struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name,omitempty"`
	NeedsUpdate bool   `json:"needs_update"`
	Reason      string `json:"reason"`
	Error       string `json:"error,omitempty"`
}

// Report summarizes one scheduler pass.
type Report struct {
	Checked     int           `json:"checked"`
	NeedsUpdate int           `json:"needs_update"`
	Skipped     int           `json:"skipped"`
	Execution   string        `json:"execution,omitempty"`
	Checks      []TenantCheck `json:"checks"`
}

// Config wires a Scheduler.
type Config struct {
	Registry   Registry
	Drive      TreeLister
	Manifests  *ManifestStore
	Dispatcher BatchDispatcher
	MaxWorkers int // 0 → DefaultMaxWorkers
	Logger     *slog.Logger
}

// Scheduler performs one auto-update pass per Run call.
type Scheduler struct {
	registry   Registry
	drive      TreeLister
	manifests  *ManifestStore
	dispatcher BatchDispatcher
	workers    int
	logger     *slog.Logger
}

// NewScheduler builds a Scheduler.
func NewScheduler(cfg *Config) *Scheduler {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = DefaultMaxWorkers
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		registry:   cfg.Registry,
		drive:      cfg.Drive,
		manifests:  cfg.Manifests,
		dispatcher: cfg.Dispatcher,
		workers:    workers,
		logger:     logger,
	}
}

// Run checks every auto-update tenant against its manifest and dispatches
// one batch job for the tenants whose Drive trees changed. Gate failures
// count as needing an update.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	companies, err := s.registry.AutoUpdateCompanies(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Checked: len(companies)}
	if len(companies) == 0 {
		s.logger.Info("no auto-update tenants registered")
		return report, nil
	}

	checks := make([]TenantCheck, len(companies))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for i, company := range companies {
		g.Go(func() error {
			checks[i] = s.check(gctx, company)
			return nil
		})
	}

	// Workers record failures in their slot instead of returning them.
	_ = g.Wait()

	var tasks []sync.Task

	for i, check := range checks {
		report.Checks = append(report.Checks, check)

		if !check.NeedsUpdate {
			report.Skipped++
			continue
		}

		report.NeedsUpdate++
		tasks = append(tasks, sync.Task{
			UUID:        companies[i].UUID,
			DriveURL:    companies[i].DriveURL,
			CompanyName: companies[i].Name,
			UseEmbedV4:  companies[i].UseEmbedV4,
		})
	}

	if len(tasks) == 0 {
		s.logger.Info("scheduler pass complete, nothing to update",
			slog.Int("checked", report.Checked))

		return report, nil
	}

	execution, err := s.dispatcher.DispatchBatch(ctx, tasks)
	if err != nil {
		return nil, err
	}

	report.Execution = execution

	s.logger.Info("scheduler pass complete",
		slog.Int("checked", report.Checked),
		slog.Int("needs_update", report.NeedsUpdate),
		slog.String("execution", execution))

	return report, nil
}

// check gates one tenant. Any failure along the way reports NeedsUpdate:
// doing redundant work is safe, missing a change is not.
func (s *Scheduler) check(ctx context.Context, company registry.Company) TenantCheck {
	check := TenantCheck{UUID: company.UUID, Name: company.Name}

	folderID, err := drive.ParseFolderID(company.DriveURL)
	if err != nil {
		check.NeedsUpdate = true
		check.Reason = ReasonCheckFailed
		check.Error = err.Error()

		return check
	}

	files, err := s.drive.ListFolderTree(ctx, folderID)
	if err != nil {
		check.NeedsUpdate = true
		check.Reason = ReasonCheckFailed
		check.Error = err.Error()

		return check
	}

	manifest, err := s.manifests.Load(ctx, company.UUID)

	switch {
	case errors.Is(err, blob.ErrNotFound):
		check.NeedsUpdate = true
		check.Reason = ReasonFirstRun
	case err != nil:
		check.NeedsUpdate = true
		check.Reason = ReasonCheckFailed
		check.Error = err.Error()
	case changed(manifest.Files, buildIndex(files)):
		check.NeedsUpdate = true
		check.Reason = ReasonChanged
	default:
		check.Reason = ReasonUnchanged
	}

	s.logger.Info("tenant gate checked",
		slog.String("uuid", company.UUID),
		slog.Bool("needs_update", check.NeedsUpdate),
		slog.String("reason", check.Reason))

	return check
}

// Refresher rewrites a tenant's manifest from the live Drive tree. The
// batch worker runs it after each successful tenant sync.
type Refresher struct {
	Drive     TreeLister
	Manifests *ManifestStore

	// now is a seam for manifest timestamp tests.
	now func() time.Time
}

// NewRefresher builds a Refresher.
func NewRefresher(driveAPI TreeLister, manifests *ManifestStore) *Refresher {
	return &Refresher{Drive: driveAPI, Manifests: manifests, now: time.Now}
}

// Refresh re-reads the tenant's Drive tree and rewrites the manifest.
func (r *Refresher) Refresh(ctx context.Context, uuid, driveURL string) error {
	folderID, err := drive.ParseFolderID(driveURL)
	if err != nil {
		return err
	}

	files, err := r.Drive.ListFolderTree(ctx, folderID)
	if err != nil {
		return err
	}

	index := buildIndex(files)
	now := r.now().UTC()

	return r.Manifests.Save(ctx, uuid, &Manifest{
		LastChecked: now,
		LastUpdated: now,
		FilesCount:  len(index),
		Files:       index,
	})
}
