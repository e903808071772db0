package snapshot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// CutoverMarker is the name of the file recording a completed legacy
// migration.
const CutoverMarker = "faiss_to_qdrant.done"

type cutoverRecord struct {
	Migration   string `json:"migration"`
	CompletedAt string `json:"completed_at"`
	VectorCount int    `json:"vector_count"`
	RecordCount int    `json:"record_count"`
	LegacyFile  string `json:"legacy_file"`
}

// CutoverDone reports whether the legacy cutover already ran.
func CutoverDone(migrationsDir string) bool {
	_, err := os.Stat(filepath.Join(migrationsDir, CutoverMarker))
	return err == nil
}

// LegacyCutover parks the old FAISS index file under the migrations
// directory and writes the done marker. It runs at most once; callers only
// invoke it after verifying the vector store holds every record, and pass
// the counts they matched so the marker records them. Returns true when a
// cutover actually happened.
func LegacyCutover(legacyIndexPath, migrationsDir string, vectorCount, recordCount int) (bool, error) {
	if CutoverDone(migrationsDir) {
		return false, nil
	}
	if _, err := os.Stat(legacyIndexPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat legacy index: %w", err)
	}
	if err := os.MkdirAll(migrationsDir, 0o755); err != nil {
		return false, fmt.Errorf("create migrations dir: %w", err)
	}

	parked := filepath.Join(migrationsDir,
		fmt.Sprintf("index.faiss.legacy_%s", time.Now().UTC().Format("20060102_150405")))
	if err := os.Rename(legacyIndexPath, parked); err != nil {
		return false, fmt.Errorf("park legacy index: %w", err)
	}

	marker := cutoverRecord{
		Migration:   "faiss_to_qdrant",
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
		VectorCount: vectorCount,
		RecordCount: recordCount,
		LegacyFile:  parked,
	}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal cutover marker: %w", err)
	}
	if err := os.WriteFile(filepath.Join(migrationsDir, CutoverMarker), data, 0o644); err != nil {
		return false, fmt.Errorf("write cutover marker: %w", err)
	}
	slog.Info("legacy index migration complete", slog.String("parked", parked))
	return true, nil
}
