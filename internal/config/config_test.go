package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()

	// Server
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Empty(t, cfg.Server.APIKey)

	// Paths
	assert.Equal(t, "/data", cfg.Paths.DataDir)
	assert.Equal(t, "/workspace", cfg.Paths.WorkspaceDir)

	// Search
	assert.Equal(t, 0.7, cfg.Search.VectorWeight)
	assert.Equal(t, 60, cfg.Search.RRFConstant)
	assert.Equal(t, 0.90, cfg.Search.DedupThreshold)
	assert.Equal(t, 0.88, cfg.Search.NoveltyThreshold)
	assert.Equal(t, 1500, cfg.Search.ChunkSize)
	assert.Equal(t, 200, cfg.Search.ChunkOverlap)

	// Backends
	assert.Equal(t, "sqlite", cfg.Sparse.Backend)
	assert.Equal(t, "memories", cfg.Vector.Collection)
	assert.Equal(t, "strong", cfg.Vector.WriteOrdering)
	assert.Equal(t, "majority", cfg.Vector.ReadConsistency)

	// Extraction
	assert.Equal(t, 50, cfg.Extraction.QueueMax)
	assert.Equal(t, 2, cfg.Extraction.Workers)
	assert.Equal(t, 20, cfg.Extraction.MaxFacts)
	assert.Equal(t, 500, cfg.Extraction.MaxFactChars)
	assert.Equal(t, 5, cfg.Extraction.SimilarTopK)
	assert.Equal(t, 200, cfg.Extraction.SimilarTextChars)

	// The defaults must validate
	require.NoError(t, cfg.Validate())
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "memoryd.yaml")

	yamlContent := `
server:
  port: 9000
search:
  vector_weight: 0.5
  rrf_constant: 30
sparse:
  backend: bleve
extraction:
  queue_max: 10
  workers: 4
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Overridden values
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 0.5, cfg.Search.VectorWeight)
	assert.Equal(t, 30, cfg.Search.RRFConstant)
	assert.Equal(t, "bleve", cfg.Sparse.Backend)
	assert.Equal(t, 10, cfg.Extraction.QueueMax)
	assert.Equal(t, 4, cfg.Extraction.Workers)

	// Untouched keys keep their defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 0.90, cfg.Search.DedupThreshold)
	assert.Equal(t, "memories", cfg.Vector.Collection)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "memoryd.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 9000\n"), 0o644))

	t.Setenv("MEMORYD_PORT", "9100")
	t.Setenv("DATA_DIR", tmpDir)
	t.Setenv("QDRANT_URL", "http://qdrant:6333")
	t.Setenv("QDRANT_COLLECTION", "prod_memories")
	t.Setenv("CLOUD_SYNC_ENABLED", "true")
	t.Setenv("CLOUD_SYNC_BUCKET", "memoryd-backups")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "env must beat the YAML value")
	assert.Equal(t, tmpDir, cfg.Paths.DataDir)
	assert.Equal(t, "http://qdrant:6333", cfg.Vector.QdrantURL)
	assert.Equal(t, "prod_memories", cfg.Vector.Collection)
	assert.True(t, cfg.Cloud.Enabled)
	assert.Equal(t, "memoryd-backups", cfg.Cloud.Bucket)
	assert.True(t, cfg.UseQdrant(), "qdrant URL should select the qdrant backend")
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestLoad_DerivedPathsFollowDataDir(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("DATA_DIR", tmpDir)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(tmpDir, "backups"), cfg.BackupsDir())
	assert.Equal(t, filepath.Join(tmpDir, "migrations"), cfg.MigrationsDir())
	assert.Equal(t, filepath.Join(tmpDir, "metadata.json"), cfg.MetadataPath())
	assert.Equal(t, filepath.Join(tmpDir, "config.json"), cfg.EngineConfigPath())
	assert.Equal(t, filepath.Join(tmpDir, "usage.db"), cfg.Usage.DBPath)
	assert.Equal(t, filepath.Join(tmpDir, "logs", "memoryd.log"), cfg.Logging.File)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port too low", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"empty data dir", func(c *Config) { c.Paths.DataDir = "" }},
		{"vector weight above 1", func(c *Config) { c.Search.VectorWeight = 1.5 }},
		{"negative rrf constant", func(c *Config) { c.Search.RRFConstant = -1 }},
		{"overlap >= chunk size", func(c *Config) { c.Search.ChunkOverlap = c.Search.ChunkSize }},
		{"unknown embed provider", func(c *Config) { c.Embeddings.Provider = "word2vec" }},
		{"qdrant without url", func(c *Config) { c.Vector.Backend = "qdrant" }},
		{"unknown sparse backend", func(c *Config) { c.Sparse.Backend = "lucene" }},
		{"zero snapshot retention", func(c *Config) { c.Snapshots.Retention = 0 }},
		{"cloud without bucket", func(c *Config) { c.Cloud.Enabled = true; c.Cloud.Bucket = "" }},
		{"unknown extract provider", func(c *Config) { c.Extraction.Provider = "palm" }},
		{"zero queue", func(c *Config) { c.Extraction.QueueMax = 0 }},
		{"zero workers", func(c *Config) { c.Extraction.Workers = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestUseQdrant_BackendSelection(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		url     string
		want    bool
	}{
		{"explicit qdrant", "qdrant", "http://q:6333", true},
		{"explicit local ignores url", "local", "http://q:6333", false},
		{"auto with url", "", "http://q:6333", true},
		{"auto without url", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			cfg.Vector.Backend = tt.backend
			cfg.Vector.QdrantURL = tt.url
			assert.Equal(t, tt.want, cfg.UseQdrant())
		})
	}
}

func TestDurationGetters_FallBackOnGarbage(t *testing.T) {
	cfg := NewConfig()

	cfg.Extraction.JobRetention = "not-a-duration"
	assert.Equal(t, time.Hour, cfg.Extraction.Retention())

	cfg.Extraction.JobRetention = "30m"
	assert.Equal(t, 30*time.Minute, cfg.Extraction.Retention())

	cfg.Governor.GCInterval = ""
	assert.Equal(t, 5*time.Minute, cfg.Governor.GCEvery())

	cfg.Server.ShutdownTimeout = "-5s"
	assert.Equal(t, 10*time.Second, cfg.Server.GracePeriod())
}

func TestWriteYAML_RoundTrips(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "out.yaml")

	cfg := NewConfig()
	cfg.Server.Port = 8123
	cfg.Search.VectorWeight = 0.6
	require.NoError(t, cfg.WriteYAML(path))

	loaded := NewConfig()
	require.NoError(t, loaded.loadYAML(path))
	assert.Equal(t, 8123, loaded.Server.Port)
	assert.Equal(t, 0.6, loaded.Search.VectorWeight)
}
