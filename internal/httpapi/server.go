// Package httpapi exposes the service over HTTP: vectorization triggers,
// similarity search, Drive watch management, push notification intake and
// the scheduler entry point.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aikasa/drivevec/internal/blob"
	"github.com/aikasa/drivevec/internal/embed"
	"github.com/aikasa/drivevec/internal/jobs"
	"github.com/aikasa/drivevec/internal/scheduler"
	"github.com/aikasa/drivevec/internal/sync"
	"github.com/aikasa/drivevec/internal/translate"
	"github.com/aikasa/drivevec/internal/watch"
)

// ServiceName identifies this API in the health response.
const ServiceName = "drivevec-api"

// JobDispatcher triggers worker executions.
type JobDispatcher interface {
	Dispatch(ctx context.Context, spec jobs.Spec) (string, error)
	DispatchBatch(ctx context.Context, tasks []sync.Task) (string, error)
	JobPath() string
}

// WatchManager owns push channel lifecycle.
type WatchManager interface {
	Register(ctx context.Context, req watch.RegisterRequest) (*watch.Registration, error)
	Unregister(ctx context.Context, uuid string) error
	ReRegister(ctx context.Context, uuids []string) (*watch.ReRegisterResult, error)
}

// NotificationRouter consumes Drive push notifications.
type NotificationRouter interface {
	Handle(ctx context.Context, n watch.Notification) (*watch.Outcome, error)
}

// AutoUpdater performs one scheduler pass.
type AutoUpdater interface {
	Run(ctx context.Context) (*scheduler.Report, error)
}

// Config wires a Server.
type Config struct {
	Artifacts  blob.Store
	Provider   embed.Provider
	Translator translate.Translator // nil disables query translation
	Dispatcher JobDispatcher
	Watch      WatchManager
	Router     NotificationRouter
	Updater    AutoUpdater
	Version    string
	Logger     *slog.Logger
}

// Server is the HTTP surface. All state lives in the collaborators; the
// server itself only parses requests and shapes responses.
type Server struct {
	artifacts  blob.Store
	provider   embed.Provider
	translator translate.Translator
	dispatcher JobDispatcher
	watch      WatchManager
	router     NotificationRouter
	updater    AutoUpdater
	version    string
	logger     *slog.Logger
}

// NewServer builds a Server.
func NewServer(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	return &Server{
		artifacts:  cfg.Artifacts,
		provider:   cfg.Provider,
		translator: cfg.Translator,
		dispatcher: cfg.Dispatcher,
		watch:      cfg.Watch,
		router:     cfg.Router,
		updater:    cfg.Updater,
		version:    version,
		logger:     logger,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/", s.handleHealth)

	r.Post("/vectorize", s.handleVectorize)
	r.Post("/vectorize-batch", s.handleVectorizeBatch)

	r.Get("/search", s.handleSearchGet)
	r.Post("/search", s.handleSearchPost)

	r.Post("/drive/watch", s.handleWatchRegister)
	r.Delete("/drive/watch/{uuid}", s.handleWatchUnregister)
	r.Post("/drive/watch/re-register", s.handleWatchReRegister)
	r.Post("/drive/notifications", s.handleNotification)

	r.Post("/auto-update", s.handleAutoUpdate)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": ServiceName,
		"version": s.version,
	})
}

type vectorizeRequest struct {
	UUID       string `json:"uuid"`
	DriveURL   string `json:"drive_url"`
	UseEmbedV4 bool   `json:"use_embed_v4"`
}

func (s *Server) handleVectorize(w http.ResponseWriter, r *http.Request) {
	var req vectorizeRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.UUID == "" || req.DriveURL == "" {
		s.respondError(w, http.StatusBadRequest, "invalid_request", "uuid and drive_url are required")
		return
	}

	execution, err := s.dispatcher.Dispatch(r.Context(), jobs.Spec{
		UUID:       req.UUID,
		DriveURL:   req.DriveURL,
		UseEmbedV4: req.UseEmbedV4,
	})
	if err != nil {
		s.logger.Error("vectorize dispatch failed",
			slog.String("uuid", req.UUID),
			slog.String("error", err.Error()))
		s.respondError(w, http.StatusInternalServerError, "dispatch_failed", err.Error())

		return
	}

	s.respond(w, http.StatusAccepted, map[string]string{
		"message":        "Vectorization job started for " + req.UUID,
		"execution_info": execution,
		"job_name":       s.dispatcher.JobPath(),
	})
}

type vectorizeBatchRequest struct {
	Tasks []sync.Task `json:"tasks"`
}

func (s *Server) handleVectorizeBatch(w http.ResponseWriter, r *http.Request) {
	var req vectorizeBatchRequest
	if !s.decode(w, r, &req) {
		return
	}

	if len(req.Tasks) == 0 {
		s.respondError(w, http.StatusBadRequest, "invalid_request", "tasks must not be empty")
		return
	}

	for _, task := range req.Tasks {
		if task.UUID == "" || task.DriveURL == "" {
			s.respondError(w, http.StatusBadRequest, "invalid_request", "every task needs uuid and drive_url")
			return
		}
	}

	execution, err := s.dispatcher.DispatchBatch(r.Context(), req.Tasks)
	if err != nil {
		s.logger.Error("batch dispatch failed",
			slog.Int("tasks", len(req.Tasks)),
			slog.String("error", err.Error()))
		s.respondError(w, http.StatusInternalServerError, "dispatch_failed", err.Error())

		return
	}

	s.respond(w, http.StatusAccepted, map[string]any{
		"message":        "Batch vectorization job started",
		"execution_info": execution,
		"job_name":       s.dispatcher.JobPath(),
		"task_count":     len(req.Tasks),
	})
}

type watchRegisterRequest struct {
	UUID        string `json:"uuid"`
	DriveURL    string `json:"drive_url"`
	CompanyName string `json:"company_name"`
	CallbackURL string `json:"callback_url"`
	UseEmbedV4  bool   `json:"use_embed_v4"`
}

func (s *Server) handleWatchRegister(w http.ResponseWriter, r *http.Request) {
	var req watchRegisterRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.UUID == "" || req.DriveURL == "" {
		s.respondError(w, http.StatusBadRequest, "invalid_request", "uuid and drive_url are required")
		return
	}

	reg, err := s.watch.Register(r.Context(), watch.RegisterRequest{
		UUID:        req.UUID,
		DriveURL:    req.DriveURL,
		CompanyName: req.CompanyName,
		CallbackURL: req.CallbackURL,
		UseEmbedV4:  req.UseEmbedV4,
	})
	if err != nil {
		s.logger.Error("watch registration failed",
			slog.String("uuid", req.UUID),
			slog.String("error", err.Error()))
		s.respondError(w, http.StatusInternalServerError, "watch_failed", err.Error())

		return
	}

	s.respond(w, http.StatusOK, reg)
}

func (s *Server) handleWatchUnregister(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")

	if err := s.watch.Unregister(r.Context(), uuid); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "not_found", "no watch registration for "+uuid)
			return
		}

		s.respondError(w, http.StatusInternalServerError, "watch_failed", err.Error())

		return
	}

	s.respond(w, http.StatusOK, map[string]string{"message": "watch removed for " + uuid})
}

type reRegisterRequest struct {
	UUIDs []string `json:"uuids"`
}

func (s *Server) handleWatchReRegister(w http.ResponseWriter, r *http.Request) {
	var req reRegisterRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.watch.ReRegister(r.Context(), req.UUIDs)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "watch_failed", err.Error())
		return
	}

	s.respond(w, http.StatusOK, result)
}

// handleNotification accepts a Drive push delivery. The response is always
// 204: Drive retries on anything else and the outcome is ours to log, not
// the push service's to act on.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	n := watch.Notification{
		ChannelID:     r.Header.Get("X-Goog-Channel-Id"),
		ResourceState: r.Header.Get("X-Goog-Resource-State"),
	}

	if changed := r.Header.Get("X-Goog-Changed"); changed != "" {
		n.ChangedTypes = splitChanged(changed)
	}

	outcome, err := s.router.Handle(r.Context(), n)
	if err != nil {
		s.logger.Error("notification handling failed",
			slog.String("channel_id", n.ChannelID),
			slog.String("resource_id", r.Header.Get("X-Goog-Resource-Id")),
			slog.String("error", err.Error()))
	} else {
		s.logger.Info("notification handled",
			slog.String("channel_id", n.ChannelID),
			slog.String("status", outcome.Status),
			slog.Int("changes", outcome.ChangesFound),
			slog.Int("jobs", outcome.JobsTriggered))
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAutoUpdate(w http.ResponseWriter, r *http.Request) {
	report, err := s.updater.Run(r.Context())
	if err != nil {
		s.logger.Error("auto-update pass failed", slog.String("error", err.Error()))
		s.respondError(w, http.StatusInternalServerError, "auto_update_failed", err.Error())

		return
	}

	s.respond(w, http.StatusOK, report)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return false
	}

	return true
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", slog.String("error", err.Error()))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, detail string) {
	s.respond(w, status, map[string]string{"code": code, "detail": detail})
}

// splitChanged parses the comma-separated X-Goog-Changed header.
func splitChanged(v string) []string {
	var out []string

	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}
