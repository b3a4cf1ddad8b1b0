// Package config resolves the service configuration from environment
// variables with an optional TOML file underlay. Environment values always
// win; the file exists so local development does not need a wall of exports.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Provider names accepted for EMBEDDING_PROVIDER.
const (
	ProviderVertexAI = "vertex_ai"
	ProviderCohere   = "cohere"
)

// Defaults applied when neither the environment nor the config file sets a value.
const (
	DefaultRegion             = "asia-northeast1"
	DefaultJobName            = "drivevec-vectorize-job"
	DefaultWatchStatePrefix   = "drive-watch-states"
	DefaultWatchTTLSeconds    = 86400
	DefaultCooldownSeconds    = 60
	DefaultCheckpointInterval = 100
	DefaultMaxPixels          = 2_300_000
	DefaultMaxFileSizeMB      = 5
	DefaultMaxWorkers         = 3
	DefaultListenAddr         = ":8080"
	DefaultCompanySheetName   = "会社一覧"
)

// Config holds every recognized option. Field comments name the environment
// variable that sets the field.
type Config struct {
	ArtifactBucket string `toml:"artifact_bucket"` // ARTIFACT_BUCKET (alias GCS_BUCKET_NAME)
	ManifestBucket string `toml:"manifest_bucket"` // MANIFEST_BUCKET
	ProjectID      string `toml:"project_id"`      // GCP_PROJECT_ID
	Region         string `toml:"region"`          // GCP_REGION

	EmbeddingProvider string `toml:"embedding_provider"` // EMBEDDING_PROVIDER: vertex_ai | cohere
	CohereAPIKey      string `toml:"cohere_api_key"`     // COHERE_API_KEY
	VertexModel       string `toml:"vertex_model"`       // VERTEX_MULTIMODAL_MODEL
	CohereModel       string `toml:"cohere_model"`       // COHERE_EMBED_MODEL_DOCUMENT
	CohereModelV4     string `toml:"cohere_model_v4"`    // COHERE_EMBED_MODEL_V4

	VectorizeJobName string `toml:"vectorize_job_name"` // VECTORIZE_JOB_NAME

	WatchCallbackURL string `toml:"watch_callback_url"` // DRIVE_WATCH_CALLBACK_URL
	WatchStatePrefix string `toml:"watch_state_prefix"` // DRIVE_WATCH_STATE_PREFIX
	WatchTTLSeconds  int    `toml:"watch_ttl_seconds"`  // DRIVE_WATCH_TTL_SECONDS
	CooldownSeconds  int    `toml:"cooldown_seconds"`   // DRIVE_WATCH_COOLDOWN_SECONDS

	CheckpointInterval int `toml:"checkpoint_interval"` // CHECKPOINT_INTERVAL
	MaxPixels          int `toml:"max_pixels"`          // MAX_PIXELS
	MaxFileSizeMB      int `toml:"max_file_size_mb"`    // MAX_FILE_SIZE_MB
	MaxWorkers         int `toml:"max_workers"`         // MAX_WORKERS

	SheetsID         string `toml:"sheets_id"`          // GOOGLE_SHEETS_ID
	CompanySheetName string `toml:"company_sheet_name"` // COMPANY_SHEET_NAME

	ListenAddr         string `toml:"listen_addr"`          // LISTEN_ADDR
	Environment        string `toml:"environment"`          // ENVIRONMENT: production | local
	ServiceAccountFile string `toml:"service_account_file"` // SERVICE_ACCOUNT_FILE
}

// EnvConfigPath overrides the config file path, mirroring the --config flag.
const EnvConfigPath = "DRIVEVEC_CONFIG"

// Load resolves the effective configuration: defaults, then the TOML file at
// path (or $DRIVEVEC_CONFIG when path is empty; a missing file is not an
// error), then environment variables on top.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Region:             DefaultRegion,
		VectorizeJobName:   DefaultJobName,
		WatchStatePrefix:   DefaultWatchStatePrefix,
		WatchTTLSeconds:    DefaultWatchTTLSeconds,
		CooldownSeconds:    DefaultCooldownSeconds,
		CheckpointInterval: DefaultCheckpointInterval,
		MaxPixels:          DefaultMaxPixels,
		MaxFileSizeMB:      DefaultMaxFileSizeMB,
		MaxWorkers:         DefaultMaxWorkers,
		ListenAddr:         DefaultListenAddr,
		CompanySheetName:   DefaultCompanySheetName,
		EmbeddingProvider:  ProviderVertexAI,
	}

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	return cfg, nil
}

// loadFile merges the TOML file at path into cfg. A nonexistent path is
// tolerated so one image can run with and without a mounted config.
func loadFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return nil
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config) {
	setString(&cfg.ArtifactBucket, "ARTIFACT_BUCKET", "GCS_BUCKET_NAME")
	setString(&cfg.ManifestBucket, "MANIFEST_BUCKET")
	setString(&cfg.ProjectID, "GCP_PROJECT_ID")
	setString(&cfg.Region, "GCP_REGION")
	setString(&cfg.EmbeddingProvider, "EMBEDDING_PROVIDER")
	setString(&cfg.CohereAPIKey, "COHERE_API_KEY")
	setString(&cfg.VertexModel, "VERTEX_MULTIMODAL_MODEL")
	setString(&cfg.CohereModel, "COHERE_EMBED_MODEL_DOCUMENT")
	setString(&cfg.CohereModelV4, "COHERE_EMBED_MODEL_V4")
	setString(&cfg.VectorizeJobName, "VECTORIZE_JOB_NAME")
	setString(&cfg.WatchCallbackURL, "DRIVE_WATCH_CALLBACK_URL")
	setString(&cfg.WatchStatePrefix, "DRIVE_WATCH_STATE_PREFIX")
	setString(&cfg.SheetsID, "GOOGLE_SHEETS_ID")
	setString(&cfg.CompanySheetName, "COMPANY_SHEET_NAME")
	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.Environment, "ENVIRONMENT")
	setString(&cfg.ServiceAccountFile, "SERVICE_ACCOUNT_FILE")

	setInt(&cfg.WatchTTLSeconds, "DRIVE_WATCH_TTL_SECONDS")
	setInt(&cfg.CooldownSeconds, "DRIVE_WATCH_COOLDOWN_SECONDS")
	setInt(&cfg.CheckpointInterval, "CHECKPOINT_INTERVAL")
	setInt(&cfg.MaxPixels, "MAX_PIXELS")
	setInt(&cfg.MaxFileSizeMB, "MAX_FILE_SIZE_MB")
	setInt(&cfg.MaxWorkers, "MAX_WORKERS")
}

func setString(dst *string, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			*dst = v
			return
		}
	}
}

func setInt(dst *int, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}

	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// Validate checks the invariants every run mode depends on. A failure here is
// fatal: main logs it and exits.
func (c *Config) Validate() error {
	var missing []string

	if c.ArtifactBucket == "" {
		missing = append(missing, "ARTIFACT_BUCKET")
	}

	if c.ProjectID == "" {
		missing = append(missing, "GCP_PROJECT_ID")
	}

	if c.EmbeddingProvider == ProviderCohere && c.CohereAPIKey == "" {
		missing = append(missing, "COHERE_API_KEY")
	}

	if len(missing) > 0 {
		return fmt.Errorf("config: required settings are missing: %s", strings.Join(missing, ", "))
	}

	switch c.EmbeddingProvider {
	case ProviderVertexAI, ProviderCohere:
	default:
		return fmt.Errorf("config: unsupported EMBEDDING_PROVIDER %q", c.EmbeddingProvider)
	}

	if c.CooldownSeconds < 0 {
		return fmt.Errorf("config: DRIVE_WATCH_COOLDOWN_SECONDS must be >= 0, got %d", c.CooldownSeconds)
	}

	if c.CheckpointInterval < 1 {
		return fmt.Errorf("config: CHECKPOINT_INTERVAL must be >= 1, got %d", c.CheckpointInterval)
	}

	return nil
}

// ManifestBucketName returns the configured manifest bucket, deriving one
// from the artifact bucket suffix when unset.
func (c *Config) ManifestBucketName() string {
	if c.ManifestBucket != "" {
		return c.ManifestBucket
	}

	switch {
	case strings.HasSuffix(c.ArtifactBucket, "_dev"):
		return "emb_manifest_dev"
	case strings.HasSuffix(c.ArtifactBucket, "_staging"):
		return "emb_manifest_staging"
	default:
		return "emb_manifest"
	}
}

// WorkerEnv describes one vectorization worker's environment. The dispatcher
// injects these; the worker command reads them back.
type WorkerEnv struct {
	UUID       string
	DriveURL   string
	UseEmbedV4 bool
	BatchMode  bool
	BatchTasks string // JSON array of {uuid, drive_url}, only in batch mode
}

// ReadWorkerEnv reads the worker-mode environment variables.
func ReadWorkerEnv() WorkerEnv {
	return WorkerEnv{
		UUID:       os.Getenv("UUID"),
		DriveURL:   os.Getenv("DRIVE_URL"),
		UseEmbedV4: parseBool(os.Getenv("USE_EMBED_V4")),
		BatchMode:  parseBool(os.Getenv("BATCH_MODE")),
		BatchTasks: os.Getenv("BATCH_TASKS"),
	}
}

// parseBool accepts the spellings the control plane has historically sent.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y", "on":
		return true
	default:
		return false
	}
}
