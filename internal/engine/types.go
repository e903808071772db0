package engine

import "github.com/recallbox/memoryd/internal/store"

// Hit is one retrieval result. Similarity is the cosine score when the
// dense leg saw the record (rounded to 6 places); RRFScore is set only for
// hybrid searches.
type Hit struct {
	Record     store.Record
	Similarity *float64
	RRFScore   *float64
}

// UpsertResult reports what an entity-keyed write did.
type UpsertResult struct {
	ID     int64  `json:"id"`
	Action string `json:"action"` // created or updated
}

// DeleteBatchResult separates applied deletes from unknown ids.
type DeleteBatchResult struct {
	Deleted []int64 `json:"deleted"`
	Missing []int64 `json:"missing"`
}

// DuplicatePair is one near-duplicate candidate found by Deduplicate.
type DuplicatePair struct {
	KeepID     int64   `json:"keep_id"`
	RemoveID   int64   `json:"remove_id"`
	Similarity float64 `json:"similarity"`
}

// DeduplicateResult reports a dedup pass. In dry-run mode Pairs holds at
// most the first 20 candidates and nothing is removed.
type DeduplicateResult struct {
	DryRun      bool            `json:"dry_run"`
	WouldRemove int             `json:"would_remove,omitempty"`
	Removed     []int64         `json:"removed,omitempty"`
	Pairs       []DuplicatePair `json:"pairs,omitempty"`
}

// FolderInfo is one distinct source top-level segment.
type FolderInfo struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Stats is the full store report; Light variants skip the vector store
// round trip.
type Stats struct {
	TotalMemories  int    `json:"total_memories"`
	MetadataCount  int    `json:"metadata_count"`
	Dimension      int    `json:"dimension"`
	Model          string `json:"model"`
	EmbedProvider  string `json:"embed_provider"`
	StorageBackend string `json:"storage_backend"`
	SparseIndexed  int    `json:"sparse_indexed"`
	CreatedAt      string `json:"created_at,omitempty"`
	LastUpdated    string `json:"last_updated,omitempty"`
	Ready          bool   `json:"ready"`
}
