package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	run "cloud.google.com/go/run/apiv2"
	"cloud.google.com/go/storage"
	gtranslate "cloud.google.com/go/translate"
	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/aikasa/drivevec/internal/blob"
	"github.com/aikasa/drivevec/internal/config"
	"github.com/aikasa/drivevec/internal/drive"
	"github.com/aikasa/drivevec/internal/embed"
	"github.com/aikasa/drivevec/internal/jobs"
	"github.com/aikasa/drivevec/internal/registry"
	"github.com/aikasa/drivevec/internal/scheduler"
	"github.com/aikasa/drivevec/internal/translate"
)

// cohereHTTPTimeout bounds one embedding request to the Cohere API.
const cohereHTTPTimeout = 60 * time.Second

// clientOptions returns the shared Google client options. With no service
// account file configured, application default credentials apply.
func clientOptions(cfg *config.Config) []option.ClientOption {
	if cfg.ServiceAccountFile == "" {
		return nil
	}

	return []option.ClientOption{option.WithCredentialsFile(cfg.ServiceAccountFile)}
}

// newBlobStores opens the artifact and manifest buckets.
func newBlobStores(ctx context.Context, cfg *config.Config) (artifacts, manifests blob.Store, err error) {
	client, err := storage.NewClient(ctx, clientOptions(cfg)...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating storage client: %w", err)
	}

	return blob.NewGCSStore(client, cfg.ArtifactBucket),
		blob.NewGCSStore(client, cfg.ManifestBucketName()),
		nil
}

func newDriveClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*drive.Client, error) {
	opts := append(clientOptions(cfg), option.WithScopes(gdrive.DriveReadonlyScope))

	svc, err := gdrive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating drive service: %w", err)
	}

	return drive.NewClient(svc, logger), nil
}

// newProvider builds the configured embedding provider.
func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (embed.Provider, error) {
	switch cfg.EmbeddingProvider {
	case config.ProviderVertexAI:
		endpoint := fmt.Sprintf("%s-aiplatform.googleapis.com:443", cfg.Region)

		opts := append(clientOptions(cfg), option.WithEndpoint(endpoint))

		client, err := aiplatform.NewPredictionClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating prediction client: %w", err)
		}

		return embed.NewVertexProvider(client, cfg.ProjectID, cfg.Region, cfg.VertexModel), nil

	case config.ProviderCohere:
		var opts []embed.CohereOption
		if cfg.CohereModel != "" || cfg.CohereModelV4 != "" {
			opts = append(opts, embed.WithCohereModels(cfg.CohereModel, cfg.CohereModelV4))
		}

		httpClient := &http.Client{Timeout: cohereHTTPTimeout}

		return embed.NewCohereProvider(cfg.CohereAPIKey, httpClient, logger, opts...), nil

	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.EmbeddingProvider)
	}
}

func newJobDispatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*jobs.Dispatcher, error) {
	client, err := run.NewJobsClient(ctx, clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("creating cloud run jobs client: %w", err)
	}

	runner := &jobs.CloudRunRunner{Client: client}

	return jobs.NewDispatcher(runner, cfg.ProjectID, cfg.Region, cfg.VectorizeJobName, logger), nil
}

func newRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*registry.Client, error) {
	opts := append(clientOptions(cfg), option.WithScopes(sheets.SpreadsheetsReadonlyScope))

	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sheets service: %w", err)
	}

	return registry.NewClient(svc, cfg.SheetsID, cfg.CompanySheetName, logger), nil
}

func newScheduler(ctx context.Context, cfg *config.Config, logger *slog.Logger,
	driveClient *drive.Client, manifests blob.Store, dispatcher *jobs.Dispatcher) (*scheduler.Scheduler, error) {
	reg, err := newRegistry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return scheduler.NewScheduler(&scheduler.Config{
		Registry:   reg,
		Drive:      driveClient,
		Manifests:  scheduler.NewManifestStore(manifests, logger),
		Dispatcher: dispatcher,
		MaxWorkers: cfg.MaxWorkers,
		Logger:     logger,
	}), nil
}

// newTranslator builds the query translator. Translation is optional: when
// the client cannot be created the search path runs untranslated.
func newTranslator(ctx context.Context, cfg *config.Config, logger *slog.Logger) translate.Translator {
	client, err := gtranslate.NewClient(ctx, clientOptions(cfg)...)
	if err != nil {
		logger.Warn("translation client unavailable, queries will not be translated",
			slog.String("error", err.Error()))

		return nil
	}

	return translate.NewGoogleTranslator(client)
}
