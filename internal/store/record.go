// Package store holds the persistent state of the memory service: the
// metadata log (the authoritative record list), the dense vector backends,
// and the sparse BM25 index rebuilt from the log.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Reserved payload keys. User metadata may not overwrite these through the
// add or update paths; attempts are silently dropped.
var reservedKeys = map[string]bool{
	"id":         true,
	"text":       true,
	"source":     true,
	"timestamp":  true,
	"created_at": true,
	"updated_at": true,
	"entity_key": true,
}

// IsReservedKey reports whether a metadata key is system-owned.
func IsReservedKey(key string) bool {
	return reservedKeys[key]
}

// SanitizeMeta returns a copy of meta with all reserved keys removed.
// A nil or empty input yields nil.
func SanitizeMeta(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if reservedKeys[k] {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Valid memory categories. Anything else normalizes to CategoryDetail.
const (
	CategoryDecision = "decision"
	CategoryLearning = "learning"
	CategoryDetail   = "detail"
)

// NormalizeCategory maps free-form category strings onto the known set.
func NormalizeCategory(cat string) string {
	switch cat {
	case CategoryDecision, CategoryLearning, CategoryDetail:
		return cat
	}
	return CategoryDetail
}

// Record is one stored memory. User metadata and audit fields (supersedes,
// previous_text, consolidated_from, category, entity_key) live in Extra and
// serialize flat alongside the system fields, matching the on-disk format.
type Record struct {
	ID        int64
	Text      string
	Source    string
	CreatedAt string // ISO-8601 UTC
	UpdatedAt string // ISO-8601 UTC; empty until first update
	Extra     map[string]any
}

// NowUTC returns the current time in the record timestamp format.
func NowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// NewRecord builds a record with system fields set and the non-reserved
// subset of meta overlaid.
func NewRecord(id int64, text, source string, meta map[string]any) Record {
	return Record{
		ID:        id,
		Text:      text,
		Source:    source,
		CreatedAt: NowUTC(),
		Extra:     SanitizeMeta(meta),
	}
}

// SetExtra stores a non-reserved key on the record.
func (r *Record) SetExtra(key string, value any) {
	if reservedKeys[key] {
		return
	}
	if r.Extra == nil {
		r.Extra = make(map[string]any)
	}
	r.Extra[key] = value
}

// EntityKey returns the upsert key, if any.
func (r *Record) EntityKey() string {
	s, _ := r.Extra["entity_key"].(string)
	return s
}

// Category returns the normalized memory category.
func (r *Record) Category() string {
	s, _ := r.Extra["category"].(string)
	return NormalizeCategory(s)
}

// Supersedes returns the id this record replaced, if any.
func (r *Record) Supersedes() (int64, bool) {
	return int64Extra(r.Extra["supersedes"])
}

// PreviousText returns the text of the superseded record, if any.
func (r *Record) PreviousText() string {
	s, _ := r.Extra["previous_text"].(string)
	return s
}

// ConsolidatedFrom returns the ids merged into this record, if any.
func (r *Record) ConsolidatedFrom() []int64 {
	raw, ok := r.Extra["consolidated_from"].([]any)
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(raw))
	for _, v := range raw {
		if id, ok := int64Extra(v); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// CreatedTime parses CreatedAt, falling back to the zero time.
func (r *Record) CreatedTime() time.Time {
	t, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Payload returns the flat map stored as the vector point payload.
// It is the same shape the record serializes to.
func (r *Record) Payload() map[string]any {
	p := make(map[string]any, len(r.Extra)+6)
	for k, v := range r.Extra {
		p[k] = v
	}
	p["id"] = r.ID
	p["text"] = r.Text
	p["source"] = r.Source
	p["timestamp"] = r.CreatedAt
	p["created_at"] = r.CreatedAt
	if r.UpdatedAt != "" {
		p["updated_at"] = r.UpdatedAt
	}
	return p
}

// MarshalJSON serializes the record flat, system fields first and extra keys
// in sorted order so the metadata log is deterministic. The legacy
// "timestamp" alias always mirrors created_at.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeField(&buf, "id", r.ID, true)
	writeField(&buf, "text", r.Text, false)
	writeField(&buf, "source", r.Source, false)
	writeField(&buf, "timestamp", r.CreatedAt, false)
	writeField(&buf, "created_at", r.CreatedAt, false)
	if r.UpdatedAt != "" {
		writeField(&buf, "updated_at", r.UpdatedAt, false)
	}
	keys := make([]string, 0, len(r.Extra))
	for k := range r.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(&buf, k, r.Extra[k], false)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, key string, value any, first bool) {
	if !first {
		buf.WriteByte(',')
	}
	kb, _ := json.Marshal(key)
	buf.Write(kb)
	buf.WriteByte(':')
	vb, err := json.Marshal(value)
	if err != nil {
		vb = []byte("null")
	}
	buf.Write(vb)
}

// UnmarshalJSON accepts the flat on-disk shape. Records written before
// created_at existed carry only "timestamp"; it is promoted to created_at.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, ok := int64Extra(raw["id"])
	if !ok {
		return fmt.Errorf("memory record missing id")
	}
	r.ID = id
	r.Text, _ = raw["text"].(string)
	r.Source, _ = raw["source"].(string)
	r.CreatedAt, _ = raw["created_at"].(string)
	if r.CreatedAt == "" {
		r.CreatedAt, _ = raw["timestamp"].(string)
	}
	r.UpdatedAt, _ = raw["updated_at"].(string)
	r.Extra = nil
	for k, v := range raw {
		switch k {
		// entity_key is reserved against user overwrite but travels with
		// the record, so it stays in Extra.
		case "id", "text", "source", "timestamp", "created_at", "updated_at":
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]any)
		}
		r.Extra[k] = v
	}
	return nil
}

// RecordFromPayload reconstructs a record from a vector point payload.
func RecordFromPayload(payload map[string]any) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := rec.UnmarshalJSON(data); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func int64Extra(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
