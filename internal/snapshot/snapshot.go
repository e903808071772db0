// Package snapshot makes point-in-time copies of the store's durable files
// before risky mutations, keeps a bounded history, and optionally mirrors
// each snapshot to cloud storage.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/recallbox/memoryd/internal/apperr"
)

// Files copied into every snapshot. The legacy vector file rides along when
// it still exists so pre-migration state stays restorable.
var snapshotFiles = []string{"metadata.json", "config.json", "index.faiss"}

var prefixSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Mirror uploads a finished snapshot directory to remote storage.
type Mirror interface {
	UploadSnapshot(ctx context.Context, dir, name string) error
}

// Manager creates and restores snapshots under <dataDir>/backups.
type Manager struct {
	dataDir    string
	backupsDir string
	retention  int
	mirror     Mirror
}

// Info describes one local snapshot.
type Info struct {
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	SizeBytes int64  `json:"size_bytes"`
}

// NewManager builds a snapshot manager. mirror may be nil.
func NewManager(dataDir, backupsDir string, retention int, mirror Mirror) *Manager {
	if retention <= 0 {
		retention = 5
	}
	return &Manager{
		dataDir:    dataDir,
		backupsDir: backupsDir,
		retention:  retention,
		mirror:     mirror,
	}
}

// SanitizePrefix strips everything but [A-Za-z0-9_-] from a snapshot prefix.
func SanitizePrefix(prefix string) string {
	out := prefixSanitizer.ReplaceAllString(prefix, "")
	if out == "" {
		out = "snapshot"
	}
	return out
}

// ValidateName rejects snapshot names that could escape the backups
// directory.
func ValidateName(name string) error {
	if name == "" {
		return apperr.InvalidArgument("snapshot name is empty", nil)
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return apperr.InvalidArgument("invalid snapshot name", nil)
	}
	return nil
}

// Create copies the durable files into backups/<prefix>_<UTC timestamp>,
// prunes old snapshots, and mirrors the new one. Mirror failures are logged
// and never propagate; a snapshot that exists locally has done its job.
func (m *Manager) Create(ctx context.Context, prefix string) (string, error) {
	name := fmt.Sprintf("%s_%s", SanitizePrefix(prefix), time.Now().UTC().Format("20060102_150405"))
	dir := filepath.Join(m.backupsDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	copied := 0
	for _, file := range snapshotFiles {
		src := filepath.Join(m.dataDir, file)
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("read %s for snapshot: %w", file, err)
		}
		if err := os.WriteFile(filepath.Join(dir, file), data, 0o644); err != nil {
			return "", fmt.Errorf("write snapshot %s: %w", file, err)
		}
		copied++
	}
	slog.Info("snapshot created",
		slog.String("name", name),
		slog.Int("files", copied))

	m.prune()

	if m.mirror != nil {
		if err := m.mirror.UploadSnapshot(ctx, dir, name); err != nil {
			slog.Warn("snapshot cloud mirror failed",
				slog.String("name", name),
				slog.String("error", err.Error()))
		}
	}
	return name, nil
}

// List returns local snapshots, newest first.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("list backups: %w", err)
	}
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info := Info{Name: e.Name()}
		if ts, ok := parseSnapshotTime(e.Name()); ok {
			info.CreatedAt = ts.Format(time.RFC3339)
		}
		info.SizeBytes = dirSize(filepath.Join(m.backupsDir, e.Name()))
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name > infos[j].Name })
	return infos, nil
}

// RestoreFiles copies a snapshot's files back into the data directory.
// The caller is responsible for taking its own pre-restore snapshot and for
// reconciling the vector store afterwards.
func (m *Manager) RestoreFiles(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	dir := filepath.Join(m.backupsDir, name)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return apperr.NotFound(fmt.Sprintf("snapshot %s not found", name), nil)
		}
		return fmt.Errorf("stat snapshot: %w", err)
	}
	restored := 0
	for _, file := range snapshotFiles {
		data, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read snapshot %s: %w", file, err)
		}
		if err := os.WriteFile(filepath.Join(m.dataDir, file), data, 0o644); err != nil {
			return fmt.Errorf("restore %s: %w", file, err)
		}
		restored++
	}
	if restored == 0 {
		return apperr.FailedPrecondition(fmt.Sprintf("snapshot %s is empty", name), nil)
	}
	slog.Info("snapshot restored",
		slog.String("name", name),
		slog.Int("files", restored))
	return nil
}

// Dir returns the absolute path of a named snapshot.
func (m *Manager) Dir(name string) string {
	return filepath.Join(m.backupsDir, name)
}

// prune removes the oldest snapshots beyond the retention count.
// Timestamped names sort chronologically, so lexical order suffices.
func (m *Manager) prune() {
	entries, err := os.ReadDir(m.backupsDir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) <= m.retention {
		return
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names[m.retention:] {
		if err := os.RemoveAll(filepath.Join(m.backupsDir, name)); err != nil {
			slog.Warn("snapshot prune failed",
				slog.String("name", name),
				slog.String("error", err.Error()))
			continue
		}
		slog.Debug("snapshot pruned", slog.String("name", name))
	}
}

// parseSnapshotTime extracts the UTC timestamp suffix of a snapshot name.
func parseSnapshotTime(name string) (time.Time, bool) {
	i := strings.LastIndexByte(name, '_')
	if i <= 0 {
		return time.Time{}, false
	}
	// The timestamp spans the last two underscore-separated fields.
	j := strings.LastIndexByte(name[:i], '_')
	if j < 0 {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102_150405", name[j+1:])
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
