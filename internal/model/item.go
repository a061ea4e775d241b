package model

import (
	"encoding/json"
	"time"
)

// TimeFormat is the wire format for all timestamps.
const TimeFormat = time.RFC3339Nano

// Item is the unit of storage: a namespaced key/value document with optional
// vector embedding and TTL. CreatedAt/UpdatedAt are set by the store, never
// by the caller.
type Item struct {
	Namespace    Namespace      `json:"namespace"`
	Key          string         `json:"key"`
	Value        map[string]any `json:"value"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Embedding    []float32      `json:"embedding,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	TTLMinutes   *float64       `json:"ttl_minutes,omitempty"`
	TTLExpiresAt *time.Time     `json:"ttl_expires_at,omitempty"`
}

// SearchItem is an Item with ranking detail attached for caller introspection.
// Score is the fused score in hybrid mode, otherwise the single ranking's
// score. LexicalRank/VectorRank are 1-based; 0 means the item did not appear
// in that ranking.
type SearchItem struct {
	Item
	Score       float64 `json:"score"`
	LexicalRank int     `json:"lexical_rank,omitempty"`
	VectorRank  int     `json:"vector_rank,omitempty"`
}

// NamespaceStats is the per-namespace aggregate maintained by the ledger.
// A record with DocCount == 0 is a tombstone: it keeps first-seen history
// queryable and is deliberately never reaped.
type NamespaceStats struct {
	Namespace   Namespace `json:"namespace"`
	DocCount    int64     `json:"doc_count"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastWriteAt time.Time `json:"last_write_at"`
}

// StoreStats aggregates the ledger across all non-tombstoned namespaces.
type StoreStats struct {
	TotalItems     int64 `json:"total_items"`
	NamespaceCount int64 `json:"namespace_count"`
}

// DocBody flattens an item into the persisted document layout.
func DocBody(it *Item) map[string]any {
	body := map[string]any{
		"namespace":     []string(it.Namespace),
		"namespace_key": it.Namespace.Key(),
		"depth":         len(it.Namespace),
		"key":           it.Key,
		"doc":           it.Value,
		"created_at":    it.CreatedAt.UTC().Format(TimeFormat),
		"updated_at":    it.UpdatedAt.UTC().Format(TimeFormat),
	}
	if it.Metadata != nil {
		body["metadata"] = it.Metadata
	}
	if it.Embedding != nil {
		body["embedding"] = it.Embedding
	}
	if text := ExtractText(it.Value); text != "" {
		body["text"] = text
	}
	if it.TTLMinutes != nil {
		body["ttl_minutes"] = *it.TTLMinutes
	}
	if it.TTLExpiresAt != nil {
		body["ttl_expires_at"] = it.TTLExpiresAt.UTC().Format(TimeFormat)
	}
	return body
}

// ItemFromSource rebuilds an Item from a persisted document source.
func ItemFromSource(source map[string]any) *Item {
	it := &Item{
		Namespace: NamespaceFromAny(source["namespace"]),
		Key:       stringOr(source["key"], ""),
		Value:     mapOr(source["doc"]),
		Metadata:  mapOr(source["metadata"]),
		CreatedAt: ParseTime(source["created_at"]),
		UpdatedAt: ParseTime(source["updated_at"]),
	}
	if v, ok := source["embedding"]; ok {
		it.Embedding = floatsFromAny(v)
	}
	if v, ok := source["ttl_minutes"]; ok {
		if f, ok := toFloat(v); ok {
			it.TTLMinutes = &f
		}
	}
	if v, ok := source["ttl_expires_at"]; ok && v != nil {
		t := ParseTime(v)
		it.TTLExpiresAt = &t
	}
	return it
}

// ExtractText pulls the lexically indexed text out of a value, checking the
// conventional fields in order.
func ExtractText(value map[string]any) string {
	for _, field := range []string{"text", "body", "content"} {
		if s, ok := value[field].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// ParseTime parses a wire timestamp, tolerating second precision and missing
// values (zero time).
func ParseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	for _, layout := range []string{TimeFormat, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// NamespaceFromAny decodes a namespace field from a persisted source, which
// arrives as []any after JSON round-tripping.
func NamespaceFromAny(v any) Namespace {
	switch vv := v.(type) {
	case []string:
		return Namespace(vv)
	case []any:
		ns := make(Namespace, 0, len(vv))
		for _, seg := range vv {
			if s, ok := seg.(string); ok {
				ns = append(ns, s)
			}
		}
		return ns
	}
	return nil
}

func floatsFromAny(v any) []float32 {
	switch vv := v.(type) {
	case []float32:
		out := make([]float32, len(vv))
		copy(out, vv)
		return out
	case []any:
		out := make([]float32, 0, len(vv))
		for _, f := range vv {
			if fl, ok := toFloat(f); ok {
				out = append(out, float32(fl))
			}
		}
		return out
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch vv := v.(type) {
	case float64:
		return vv, true
	case float32:
		return float64(vv), true
	case int:
		return float64(vv), true
	case int64:
		return float64(vv), true
	case json.Number:
		f, err := vv.Float64()
		return f, err == nil
	}
	return 0, false
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func mapOr(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}
