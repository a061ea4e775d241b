// Package ttl implements document expiry: stamping expiry times at write,
// filtering expired documents out of every read, and the background sweep
// that physically removes them.
//
// Expiry is logical first, physical later. A document past its
// ttl_expires_at is invisible to reads immediately; the sweep reclaims it
// and settles the namespace ledger afterwards.
package ttl

import "time"

// Stamp resolves the effective TTL for a write. override beats the configured
// default; nil override with a nil default means no expiry. A zero or
// negative TTL expires the document immediately.
func Stamp(now time.Time, override, def *float64) (ttlMinutes *float64, expiresAt *time.Time) {
	minutes := def
	if override != nil {
		minutes = override
	}
	if minutes == nil {
		return nil, nil
	}
	m := *minutes
	exp := now.UTC().Add(time.Duration(m * float64(time.Minute)))
	return &m, &exp
}

// FilterClause returns the read-path expiry filter: a document is live when
// it has no expiry or its expiry lies in the future. Every search and list
// query ANDs this clause in, so expired documents disappear before any sweep
// touches them.
func FilterClause(now time.Time) map[string]any {
	return map[string]any{
		"bool": map[string]any{
			"should": []map[string]any{
				{"bool": map[string]any{
					"must_not": map[string]any{
						"exists": map[string]any{"field": "ttl_expires_at"},
					},
				}},
				{"range": map[string]any{
					"ttl_expires_at": map[string]any{"gt": now.UTC().Format(time.RFC3339Nano)},
				}},
			},
			"minimum_should_match": 1,
		},
	}
}

// ExpiredClause matches documents whose expiry has passed; the sweep's query.
func ExpiredClause(now time.Time) map[string]any {
	return map[string]any{
		"range": map[string]any{
			"ttl_expires_at": map[string]any{"lte": now.UTC().Format(time.RFC3339Nano)},
		},
	}
}
