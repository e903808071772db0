// Package config loads and validates memoryd configuration.
//
// Configuration is resolved in order of increasing precedence:
//  1. Hardcoded defaults
//  2. YAML config file (memoryd.yaml under the data dir or working dir)
//  3. Environment variables (the deployment surface: DATA_DIR, QDRANT_*,
//     CLOUD_SYNC_*, EXTRACT_*, and MEMORYD_* overrides)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete memoryd configuration.
type Config struct {
	Version       int                 `yaml:"version" json:"version"`
	Server        ServerConfig        `yaml:"server" json:"server"`
	Paths         PathsConfig         `yaml:"paths" json:"paths"`
	Search        SearchConfig        `yaml:"search" json:"search"`
	Embeddings    EmbeddingsConfig    `yaml:"embeddings" json:"embeddings"`
	Vector        VectorConfig        `yaml:"vector" json:"vector"`
	Sparse        SparseConfig        `yaml:"sparse" json:"sparse"`
	Snapshots     SnapshotsConfig     `yaml:"snapshots" json:"snapshots"`
	Cloud         CloudConfig         `yaml:"cloud" json:"cloud"`
	Extraction    ExtractionConfig    `yaml:"extraction" json:"extraction"`
	Governor      GovernorConfig      `yaml:"governor" json:"governor"`
	Consolidation ConsolidationConfig `yaml:"consolidation" json:"consolidation"`
	Usage         UsageConfig         `yaml:"usage" json:"usage"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// Host is the listen address (default: 0.0.0.0).
	Host string `yaml:"host" json:"host"`
	// Port is the listen port (default: 8000).
	Port int `yaml:"port" json:"port"`
	// APIKey enables bearer authentication when non-empty.
	APIKey string `yaml:"api_key" json:"-"`
	// MaxConcurrent bounds in-flight requests; excess gets 429.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
	// AuthFailureWindow is the fixed window for counting failed auth attempts.
	AuthFailureWindow string `yaml:"auth_failure_window" json:"auth_failure_window"`
	// AuthMaxFailures is the failed-attempt ceiling per client per window.
	AuthMaxFailures int `yaml:"auth_max_failures" json:"auth_max_failures"`
	// ShutdownTimeout is the graceful shutdown deadline.
	ShutdownTimeout string `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// PathsConfig configures filesystem roots.
type PathsConfig struct {
	// DataDir holds all persistent state (default: /data).
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// WorkspaceDir holds markdown files for index rebuilds (default: /workspace).
	WorkspaceDir string `yaml:"workspace_dir" json:"workspace_dir"`
}

// SearchConfig configures retrieval behavior.
type SearchConfig struct {
	// VectorWeight is the dense-leg weight in weighted RRF (0.0-1.0).
	VectorWeight float64 `yaml:"vector_weight" json:"vector_weight"`
	// RRFConstant is the RRF smoothing parameter k (default: 60).
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`
	// OversampleFactor multiplies k for per-leg candidate pools.
	OversampleFactor int `yaml:"oversample_factor" json:"oversample_factor"`
	// MaxResults caps k for any search (default: 100).
	MaxResults int `yaml:"max_results" json:"max_results"`
	// DedupThreshold is the add-time duplicate similarity cutoff.
	DedupThreshold float64 `yaml:"dedup_threshold" json:"dedup_threshold"`
	// NoveltyThreshold is the is-novel similarity cutoff.
	NoveltyThreshold float64 `yaml:"novelty_threshold" json:"novelty_threshold"`
	// ChunkSize is the maximum chunk length in characters.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
	// ChunkOverlap is the tail carried between adjacent chunks.
	ChunkOverlap int `yaml:"chunk_overlap" json:"chunk_overlap"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider selects the embedder: fastembed, ollama, openai, static.
	// Empty triggers auto-detection.
	Provider string `yaml:"provider" json:"provider"`
	// Model is the embedding model name.
	Model string `yaml:"model" json:"model"`
	// Dimensions is the vector width; 0 means take it from the embedder.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
	// BatchSize is texts per encode call.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// CacheSize is the embedding LRU capacity; 0 disables caching.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
	// OllamaHost is the Ollama API endpoint.
	OllamaHost string `yaml:"ollama_host" json:"ollama_host"`
	// OpenAIAPIKey authorizes the OpenAI embeddings API.
	OpenAIAPIKey string `yaml:"openai_api_key" json:"-"`
}

// VectorConfig configures the dense vector backend.
type VectorConfig struct {
	// Backend selects the store: local (embedded HNSW) or qdrant.
	// Empty picks qdrant when a URL is configured, local otherwise.
	Backend string `yaml:"backend" json:"backend"`
	// QdrantURL is the Qdrant REST endpoint.
	QdrantURL string `yaml:"qdrant_url" json:"qdrant_url"`
	// QdrantAPIKey authorizes Qdrant requests.
	QdrantAPIKey string `yaml:"qdrant_api_key" json:"-"`
	// Collection is the Qdrant collection name (default: memories).
	Collection string `yaml:"collection" json:"collection"`
	// WriteOrdering is the Qdrant write ordering mode (default: strong).
	WriteOrdering string `yaml:"write_ordering" json:"write_ordering"`
	// ReadConsistency is the Qdrant read consistency mode (default: majority).
	ReadConsistency string `yaml:"read_consistency" json:"read_consistency"`
}

// SparseConfig configures the BM25 sparse backend.
type SparseConfig struct {
	// Backend selects the index: sqlite (FTS5, default) or bleve.
	Backend string `yaml:"backend" json:"backend"`
}

// SnapshotsConfig configures local durability snapshots.
type SnapshotsConfig struct {
	// Retention is how many snapshots per prefix to keep.
	Retention int `yaml:"retention" json:"retention"`
	// AutoThreshold triggers a pre_add snapshot for batches larger than this.
	AutoThreshold int `yaml:"auto_threshold" json:"auto_threshold"`
}

// CloudConfig configures the S3 snapshot mirror.
type CloudConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	Region    string `yaml:"region" json:"region"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"-"`
	SecretKey string `yaml:"secret_key" json:"-"`
}

// ExtractionConfig configures the LLM extraction pipeline.
type ExtractionConfig struct {
	// Provider selects the LLM: anthropic, openai, ollama.
	// Empty picks the first provider with credentials, falling back to ollama.
	Provider string `yaml:"provider" json:"provider"`
	// Model overrides the provider's default model.
	Model string `yaml:"model" json:"model"`
	// AnthropicAPIKey authorizes the Anthropic API.
	AnthropicAPIKey string `yaml:"anthropic_api_key" json:"-"`
	// OpenAIAPIKey authorizes the OpenAI API.
	OpenAIAPIKey string `yaml:"openai_api_key" json:"-"`
	// OllamaURL is the Ollama API endpoint.
	OllamaURL string `yaml:"ollama_url" json:"ollama_url"`
	// QueueMax bounds the extraction job queue.
	QueueMax int `yaml:"queue_max" json:"queue_max"`
	// Workers is the number of extraction workers.
	Workers int `yaml:"workers" json:"workers"`
	// MaxFacts caps facts kept per extraction.
	MaxFacts int `yaml:"max_facts" json:"max_facts"`
	// MaxFactChars truncates individual facts.
	MaxFactChars int `yaml:"max_fact_chars" json:"max_fact_chars"`
	// SimilarTopK is how many neighbors the reconcile stage sees per fact.
	SimilarTopK int `yaml:"similar_top_k" json:"similar_top_k"`
	// SimilarTextChars truncates neighbor text shown to the reconcile stage.
	SimilarTextChars int `yaml:"similar_text_chars" json:"similar_text_chars"`
	// JobRetention is how long finished jobs stay queryable.
	JobRetention string `yaml:"job_retention" json:"job_retention"`
	// JobCap bounds the total tracked jobs; oldest finished jobs are evicted.
	JobCap int `yaml:"job_cap" json:"job_cap"`
	// ProviderRPS rate-limits provider calls (requests per second).
	ProviderRPS float64 `yaml:"provider_rps" json:"provider_rps"`
	// HeuristicFallback enables regex extraction when the provider fails.
	HeuristicFallback bool `yaml:"heuristic_fallback" json:"heuristic_fallback"`
}

// GovernorConfig configures background resource governance.
type GovernorConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// GCInterval is the heap trim cadence.
	GCInterval string `yaml:"gc_interval" json:"gc_interval"`
	// RSSThresholdMB triggers an embedder reload above this resident size.
	RSSThresholdMB int `yaml:"rss_threshold_mb" json:"rss_threshold_mb"`
	// ReloadCooldown is the minimum time between embedder reloads.
	ReloadCooldown string `yaml:"reload_cooldown" json:"reload_cooldown"`
	// ReaperInterval is the stale-job sweep cadence.
	ReaperInterval string `yaml:"reaper_interval" json:"reaper_interval"`
}

// ConsolidationConfig configures memory consolidation and pruning.
type ConsolidationConfig struct {
	// Schedule is a cron expression for the background sweep; empty disables it.
	Schedule string `yaml:"schedule" json:"schedule"`
	// ClusterThreshold is the pairwise similarity for cluster membership.
	ClusterThreshold float64 `yaml:"cluster_threshold" json:"cluster_threshold"`
	// MinClusterSize is the smallest cluster worth consolidating.
	MinClusterSize int `yaml:"min_cluster_size" json:"min_cluster_size"`
	// PruneDetailDays ages out detail memories.
	PruneDetailDays int `yaml:"prune_detail_days" json:"prune_detail_days"`
	// PruneDecisionDays ages out decision and learning memories.
	PruneDecisionDays int `yaml:"prune_decision_days" json:"prune_decision_days"`
}

// UsageConfig configures API and token usage tracking.
type UsageConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// DBPath overrides the usage database location (default: <data>/usage.db).
	DBPath string `yaml:"db_path" json:"db_path"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
	Stderr    bool   `yaml:"stderr" json:"stderr"`
}

// NewConfig creates a Config with production defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8000,
			MaxConcurrent:     64,
			AuthFailureWindow: "60s",
			AuthMaxFailures:   30,
			ShutdownTimeout:   "10s",
		},
		Paths: PathsConfig{
			DataDir:      "/data",
			WorkspaceDir: "/workspace",
		},
		Search: SearchConfig{
			VectorWeight: 0.7,
			// k=60 is the standard RRF constant
			RRFConstant:      60,
			OversampleFactor: 3,
			MaxResults:       100,
			DedupThreshold:   0.90,
			NoveltyThreshold: 0.88,
			ChunkSize:        1500,
			ChunkOverlap:     200,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "", // auto-detect: fastembed -> ollama -> static
			Model:      "BAAI/bge-small-en-v1.5",
			Dimensions: 0, // take from embedder
			BatchSize:  100,
			CacheSize:  4096,
			OllamaHost: "http://localhost:11434",
		},
		Vector: VectorConfig{
			Backend:         "", // qdrant when a URL is set, local otherwise
			Collection:      "memories",
			WriteOrdering:   "strong",
			ReadConsistency: "majority",
		},
		Sparse: SparseConfig{
			Backend: "sqlite",
		},
		Snapshots: SnapshotsConfig{
			Retention:     5,
			AutoThreshold: 10,
		},
		Cloud: CloudConfig{
			Enabled: false,
			Prefix:  "memories/",
			Region:  "us-east-1",
		},
		Extraction: ExtractionConfig{
			Provider:          "", // first provider with credentials, else ollama
			OllamaURL:         "http://localhost:11434",
			QueueMax:          50,
			Workers:           2,
			MaxFacts:          20,
			MaxFactChars:      500,
			SimilarTopK:       5,
			SimilarTextChars:  200,
			JobRetention:      "1h",
			JobCap:            200,
			ProviderRPS:       1.0,
			HeuristicFallback: true,
		},
		Governor: GovernorConfig{
			Enabled:        true,
			GCInterval:     "5m",
			RSSThresholdMB: 2500,
			ReloadCooldown: "30m",
			ReaperInterval: "60s",
		},
		Consolidation: ConsolidationConfig{
			Schedule:          "", // sweep disabled unless scheduled
			ClusterThreshold:  0.75,
			MinClusterSize:    3,
			PruneDetailDays:   60,
			PruneDecisionDays: 120,
		},
		Usage: UsageConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
			Stderr:    true,
		},
	}
}

// Load resolves the effective configuration.
// If path is empty it tries <DATA_DIR>/memoryd.yaml then ./memoryd.yaml.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		dataDir := firstEnv("DATA_DIR")
		if dataDir == "" {
			dataDir = cfg.Paths.DataDir
		}
		for _, candidate := range []string{
			filepath.Join(dataDir, "memoryd.yaml"),
			"memoryd.yaml",
		} {
			if fileExists(candidate) {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.Paths.DataDir, "logs", "memoryd.log")
	}
	if cfg.Usage.DBPath == "" {
		cfg.Usage.DBPath = filepath.Join(cfg.Paths.DataDir, "usage.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadYAML merges a YAML file over the current values.
// Unmarshalling into the populated struct keeps defaults for absent keys.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variables, the deployment-facing
// configuration surface. Plain names match the service's container contract;
// MEMORYD_* covers the rest.
func (c *Config) applyEnvOverrides() {
	// Paths
	setStr(&c.Paths.DataDir, "DATA_DIR")
	setStr(&c.Paths.WorkspaceDir, "WORKSPACE_DIR")

	// Server
	setStr(&c.Server.Host, "MEMORYD_HOST", "HOST")
	setInt(&c.Server.Port, "MEMORYD_PORT", "PORT")
	setStr(&c.Server.APIKey, "MEMORY_API_KEY", "API_KEY")
	setInt(&c.Server.MaxConcurrent, "MEMORYD_MAX_CONCURRENT")

	// Search
	setFloat(&c.Search.VectorWeight, "MEMORYD_VECTOR_WEIGHT")
	setInt(&c.Search.RRFConstant, "MEMORYD_RRF_CONSTANT")

	// Embeddings
	setStr(&c.Embeddings.Provider, "EMBED_PROVIDER")
	setStr(&c.Embeddings.Model, "EMBED_MODEL")
	setInt(&c.Embeddings.Dimensions, "EMBED_DIMENSIONS")
	setInt(&c.Embeddings.BatchSize, "EMBED_BATCH_SIZE")
	setStr(&c.Embeddings.OllamaHost, "OLLAMA_URL")
	setStr(&c.Embeddings.OpenAIAPIKey, "OPENAI_API_KEY")

	// Vector backend
	setStr(&c.Vector.Backend, "VECTOR_BACKEND")
	setStr(&c.Vector.QdrantURL, "QDRANT_URL")
	setStr(&c.Vector.QdrantAPIKey, "QDRANT_API_KEY")
	setStr(&c.Vector.Collection, "QDRANT_COLLECTION")
	setStr(&c.Vector.WriteOrdering, "QDRANT_WRITE_ORDERING")
	setStr(&c.Vector.ReadConsistency, "QDRANT_READ_CONSISTENCY")

	// Sparse backend
	setStr(&c.Sparse.Backend, "SPARSE_BACKEND")

	// Cloud sync
	setBool(&c.Cloud.Enabled, "CLOUD_SYNC_ENABLED")
	setStr(&c.Cloud.Bucket, "CLOUD_SYNC_BUCKET")
	setStr(&c.Cloud.Prefix, "CLOUD_SYNC_PREFIX")
	setStr(&c.Cloud.Region, "CLOUD_SYNC_REGION")
	setStr(&c.Cloud.Endpoint, "CLOUD_SYNC_ENDPOINT")
	setStr(&c.Cloud.AccessKey, "CLOUD_SYNC_ACCESS_KEY")
	setStr(&c.Cloud.SecretKey, "CLOUD_SYNC_SECRET_KEY")

	// Extraction
	setStr(&c.Extraction.Provider, "EXTRACT_PROVIDER")
	setStr(&c.Extraction.Model, "EXTRACT_MODEL")
	setStr(&c.Extraction.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setStr(&c.Extraction.OpenAIAPIKey, "OPENAI_API_KEY")
	setStr(&c.Extraction.OllamaURL, "OLLAMA_URL")
	setInt(&c.Extraction.QueueMax, "EXTRACT_QUEUE_MAX")
	setInt(&c.Extraction.Workers, "EXTRACT_WORKERS")
	setInt(&c.Extraction.MaxFacts, "EXTRACT_MAX_FACTS")
	setInt(&c.Extraction.MaxFactChars, "EXTRACT_MAX_FACT_CHARS")
	setInt(&c.Extraction.SimilarTextChars, "EXTRACT_SIMILAR_TEXT_CHARS")

	// Usage
	setBool(&c.Usage.Enabled, "MEMORYD_USAGE_ENABLED")

	// Logging
	setStr(&c.Logging.Level, "MEMORYD_LOG_LEVEL", "LOG_LEVEL")
	setStr(&c.Logging.File, "MEMORYD_LOG_FILE")
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Paths.DataDir == "" {
		return fmt.Errorf("paths.data_dir must not be empty")
	}

	if c.Search.VectorWeight < 0 || c.Search.VectorWeight > 1 {
		return fmt.Errorf("search.vector_weight must be between 0 and 1, got %f", c.Search.VectorWeight)
	}
	if c.Search.RRFConstant <= 0 {
		return fmt.Errorf("search.rrf_constant must be positive, got %d", c.Search.RRFConstant)
	}
	if c.Search.OversampleFactor < 1 {
		return fmt.Errorf("search.oversample_factor must be at least 1, got %d", c.Search.OversampleFactor)
	}
	for name, v := range map[string]float64{
		"search.dedup_threshold":   c.Search.DedupThreshold,
		"search.novelty_threshold": c.Search.NoveltyThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, v)
		}
	}
	if c.Search.ChunkSize <= 0 {
		return fmt.Errorf("search.chunk_size must be positive, got %d", c.Search.ChunkSize)
	}
	if c.Search.ChunkOverlap < 0 || c.Search.ChunkOverlap >= c.Search.ChunkSize {
		return fmt.Errorf("search.chunk_overlap must be in [0, chunk_size), got %d", c.Search.ChunkOverlap)
	}

	if p := strings.ToLower(c.Embeddings.Provider); p != "" {
		valid := map[string]bool{"fastembed": true, "ollama": true, "openai": true, "static": true}
		if !valid[p] {
			return fmt.Errorf("embeddings.provider must be 'fastembed', 'ollama', 'openai', 'static', or empty (auto-detect), got %s", c.Embeddings.Provider)
		}
	}

	switch strings.ToLower(c.Vector.Backend) {
	case "", "local":
	case "qdrant":
		if c.Vector.QdrantURL == "" {
			return fmt.Errorf("vector.backend 'qdrant' requires vector.qdrant_url")
		}
	default:
		return fmt.Errorf("vector.backend must be 'local', 'qdrant', or empty (auto), got %s", c.Vector.Backend)
	}

	switch strings.ToLower(c.Sparse.Backend) {
	case "sqlite", "bleve":
	default:
		return fmt.Errorf("sparse.backend must be 'sqlite' or 'bleve', got %s", c.Sparse.Backend)
	}

	if c.Snapshots.Retention < 1 {
		return fmt.Errorf("snapshots.retention must be at least 1, got %d", c.Snapshots.Retention)
	}

	if c.Cloud.Enabled && c.Cloud.Bucket == "" {
		return fmt.Errorf("cloud.enabled requires cloud.bucket")
	}

	if p := strings.ToLower(c.Extraction.Provider); p != "" {
		valid := map[string]bool{"anthropic": true, "openai": true, "ollama": true}
		if !valid[p] {
			return fmt.Errorf("extraction.provider must be 'anthropic', 'openai', 'ollama', or empty (auto), got %s", c.Extraction.Provider)
		}
	}
	if c.Extraction.QueueMax < 1 {
		return fmt.Errorf("extraction.queue_max must be at least 1, got %d", c.Extraction.QueueMax)
	}
	if c.Extraction.Workers < 1 {
		return fmt.Errorf("extraction.workers must be at least 1, got %d", c.Extraction.Workers)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// BackupsDir is where local snapshots live.
func (c *Config) BackupsDir() string {
	return filepath.Join(c.Paths.DataDir, "backups")
}

// MigrationsDir is where one-time migration artifacts are parked.
func (c *Config) MigrationsDir() string {
	return filepath.Join(c.Paths.DataDir, "migrations")
}

// QdrantDir is the embedded vector store location (local backend).
func (c *Config) QdrantDir() string {
	return filepath.Join(c.Paths.DataDir, "qdrant")
}

// MetadataPath is the durable memory metadata log.
func (c *Config) MetadataPath() string {
	return filepath.Join(c.Paths.DataDir, "metadata.json")
}

// EngineConfigPath is the engine's persisted runtime config.
func (c *Config) EngineConfigPath() string {
	return filepath.Join(c.Paths.DataDir, "config.json")
}

// LegacyIndexPath is the pre-migration FAISS index location.
func (c *Config) LegacyIndexPath() string {
	return filepath.Join(c.Paths.DataDir, "index.faiss")
}

// LockPath is the data-dir ownership lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, ".memoryd.lock")
}

// UseQdrant reports whether the qdrant backend is in effect.
func (c *Config) UseQdrant() bool {
	if strings.EqualFold(c.Vector.Backend, "qdrant") {
		return true
	}
	return c.Vector.Backend == "" && c.Vector.QdrantURL != ""
}

// Duration fields are stored as strings for YAML friendliness; the getters
// below parse them with per-field fallbacks rather than failing startup.

// FailureWindow returns the parsed auth failure window.
func (c *ServerConfig) FailureWindow() time.Duration {
	return parseDuration(c.AuthFailureWindow, 60*time.Second)
}

// GracePeriod returns the parsed shutdown timeout.
func (c *ServerConfig) GracePeriod() time.Duration {
	return parseDuration(c.ShutdownTimeout, 10*time.Second)
}

// Retention returns the parsed finished-job retention.
func (c *ExtractionConfig) Retention() time.Duration {
	return parseDuration(c.JobRetention, time.Hour)
}

// GCEvery returns the parsed heap trim cadence.
func (c *GovernorConfig) GCEvery() time.Duration {
	return parseDuration(c.GCInterval, 5*time.Minute)
}

// ReloadEvery returns the parsed embedder reload cooldown.
func (c *GovernorConfig) ReloadEvery() time.Duration {
	return parseDuration(c.ReloadCooldown, 30*time.Minute)
}

// ReapEvery returns the parsed job reaper cadence.
func (c *GovernorConfig) ReapEvery() time.Duration {
	return parseDuration(c.ReaperInterval, 60*time.Second)
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// firstEnv returns the first non-empty value among the given variables.
func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func setStr(dst *string, keys ...string) {
	if v := firstEnv(keys...); v != "" {
		*dst = v
	}
}

func setInt(dst *int, keys ...string) {
	if v := firstEnv(keys...); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, keys ...string) {
	if v := firstEnv(keys...); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, keys ...string) {
	if v := firstEnv(keys...); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			*dst = true
		case "false", "0", "no", "off":
			*dst = false
		}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
