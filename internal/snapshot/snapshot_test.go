package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallbox/memoryd/internal/apperr"
)

func seedDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte("[]"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"model":"m"}`), 0o644))
	return dir
}

func TestCreateCopiesFilesAndNames(t *testing.T) {
	dataDir := seedDataDir(t)
	backups := filepath.Join(dataDir, "backups")
	m := NewManager(dataDir, backups, 5, nil)

	name, err := m.Create(context.Background(), "pre_add")
	require.NoError(t, err)
	assert.Regexp(t, `^pre_add_\d{8}_\d{6}$`, name)

	data, err := os.ReadFile(filepath.Join(backups, name, "metadata.json"))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
	_, err = os.Stat(filepath.Join(backups, name, "index.faiss"))
	assert.True(t, os.IsNotExist(err))
}

func TestCreateSanitizesPrefix(t *testing.T) {
	dataDir := seedDataDir(t)
	m := NewManager(dataDir, filepath.Join(dataDir, "backups"), 5, nil)

	name, err := m.Create(context.Background(), "../etc/passwd")
	require.NoError(t, err)
	assert.Regexp(t, `^etcpasswd_\d{8}_\d{6}$`, name)
}

func TestRetentionKeepsNewest(t *testing.T) {
	dataDir := seedDataDir(t)
	backups := filepath.Join(dataDir, "backups")
	m := NewManager(dataDir, backups, 2, nil)

	// Pre-seed dated directories so retention has history to prune.
	for _, name := range []string{"auto_20240101_000000", "auto_20240102_000000", "auto_20240103_000000"} {
		require.NoError(t, os.MkdirAll(filepath.Join(backups, name), 0o755))
	}
	_, err := m.Create(context.Background(), "auto")
	require.NoError(t, err)

	infos, err := m.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Regexp(t, `^auto_\d{8}_\d{6}$`, infos[0].Name)
	// The two oldest pre-seeded snapshots are gone.
	for _, info := range infos {
		assert.NotEqual(t, "auto_20240101_000000", info.Name)
		assert.NotEqual(t, "auto_20240102_000000", info.Name)
	}
}

func TestListNewestFirst(t *testing.T) {
	dataDir := seedDataDir(t)
	backups := filepath.Join(dataDir, "backups")
	m := NewManager(dataDir, backups, 10, nil)
	for _, name := range []string{"pre_add_20240101_000000", "pre_add_20240301_000000", "pre_add_20240201_000000"} {
		require.NoError(t, os.MkdirAll(filepath.Join(backups, name), 0o755))
	}
	infos, err := m.List()
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "pre_add_20240301_000000", infos[0].Name)
	assert.Equal(t, "pre_add_20240101_000000", infos[2].Name)
	assert.Equal(t, "2024-03-01T00:00:00Z", infos[0].CreatedAt)
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("pre_add_20240101_000000"))
	for _, bad := range []string{"", "../escape", "a/b", `a\b`, "..", "pre_add/../../etc"} {
		err := ValidateName(bad)
		require.Error(t, err, bad)
		var ae *apperr.Error
		require.True(t, errors.As(err, &ae))
		assert.Equal(t, apperr.KindInvalidArgument, ae.Kind)
	}
}

func TestRestoreFiles(t *testing.T) {
	dataDir := seedDataDir(t)
	backups := filepath.Join(dataDir, "backups")
	m := NewManager(dataDir, backups, 5, nil)

	name, err := m.Create(context.Background(), "pre_delete")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "metadata.json"), []byte(`[{"id":0,"text":"x","source":"s","timestamp":"t","created_at":"t"}]`), 0o644))
	require.NoError(t, m.RestoreFiles(name))

	data, err := os.ReadFile(filepath.Join(dataDir, "metadata.json"))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	err = m.RestoreFiles("missing_20240101_000000")
	assert.True(t, apperr.IsNotFound(err))
}

type recordingMirror struct {
	names []string
	err   error
}

func (r *recordingMirror) UploadSnapshot(_ context.Context, _, name string) error {
	r.names = append(r.names, name)
	return r.err
}

func TestMirrorFailureDoesNotFailCreate(t *testing.T) {
	dataDir := seedDataDir(t)
	mirror := &recordingMirror{err: errors.New("bucket gone")}
	m := NewManager(dataDir, filepath.Join(dataDir, "backups"), 5, mirror)

	name, err := m.Create(context.Background(), "pre_add")
	require.NoError(t, err)
	require.Len(t, mirror.names, 1)
	assert.Equal(t, name, mirror.names[0])
}

func TestLegacyCutover(t *testing.T) {
	dataDir := t.TempDir()
	legacy := filepath.Join(dataDir, "index.faiss")
	migrations := filepath.Join(dataDir, "migrations")

	// Nothing to migrate.
	done, err := LegacyCutover(legacy, migrations, 0, 0)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, os.WriteFile(legacy, []byte("faiss bytes"), 0o644))
	done, err = LegacyCutover(legacy, migrations, 42, 42)
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, CutoverDone(migrations))
	_, err = os.Stat(legacy)
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(migrations)
	require.NoError(t, err)
	var parked string
	for _, e := range entries {
		if e.Name() != CutoverMarker {
			parked = e.Name()
		}
	}
	assert.Regexp(t, `^index\.faiss\.legacy_\d{8}_\d{6}$`, parked)

	// The marker records what was migrated, when, and where the old file went.
	data, err := os.ReadFile(filepath.Join(migrations, CutoverMarker))
	require.NoError(t, err)
	var marker map[string]any
	require.NoError(t, json.Unmarshal(data, &marker))
	assert.Equal(t, "faiss_to_qdrant", marker["migration"])
	assert.Equal(t, float64(42), marker["vector_count"])
	assert.Equal(t, float64(42), marker["record_count"])
	assert.NotEmpty(t, marker["completed_at"])
	assert.Equal(t, filepath.Join(migrations, parked), marker["legacy_file"])

	// Second run is a no-op even if a new legacy file appears.
	require.NoError(t, os.WriteFile(legacy, []byte("again"), 0o644))
	done, err = LegacyCutover(legacy, migrations, 42, 42)
	require.NoError(t, err)
	assert.False(t, done)
}
