// Package ledger maintains per-namespace statistics in a dedicated index.
//
// One document per namespace, keyed by the encoded namespace path, holding a
// live doc_count and first/last write timestamps. Counters move through
// scripted upserts so concurrent writers converge without read-modify-write
// races; the count can only drift upward relative to truth after a crash
// between a data write and its ledger update, and a sweep brings it back.
package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/agentmem/memstore/internal/backend"
	"github.com/agentmem/memstore/internal/model"
)

// counterScript adjusts doc_count by params.delta, clamping at zero, and
// refreshes last_write_at. Runs server-side so concurrent updates serialize
// per document.
//
// The clamp is invisible to the client: the update API does not return the
// post-script source, so a negative count corrected here leaves no trace in
// this process's logs. The embedded engine evaluates the same script locally
// and does log the clamp as a warning. Surfacing it from a remote cluster
// would take a follow-up GetDoc per decrement, which the hot delete path
// does not pay.
const counterScript = `
if (ctx._source.doc_count == null) { ctx._source.doc_count = 0; }
ctx._source.doc_count += params.delta;
if (ctx._source.doc_count < 0) { ctx._source.doc_count = 0; }
ctx._source.last_write_at = params.last_write_at;
`

// Ledger tracks namespace statistics.
type Ledger struct {
	be    backend.Backend
	index string
	log   *slog.Logger
}

func New(be backend.Backend, index string, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Ledger{be: be, index: index, log: log}
}

// RecordWrite bumps a namespace's count after a new document lands. Called
// only for creates; overwrites of an existing key leave the count alone.
func (l *Ledger) RecordWrite(ctx context.Context, ns model.Namespace, now time.Time) error {
	return l.apply(ctx, ns, 1, now)
}

// RecordDelete decrements a namespace's count by n removed documents.
func (l *Ledger) RecordDelete(ctx context.Context, ns model.Namespace, n int, now time.Time) error {
	if n <= 0 {
		return nil
	}
	return l.apply(ctx, ns, -n, now)
}

func (l *Ledger) apply(ctx context.Context, ns model.Namespace, delta int, now time.Time) error {
	stamp := now.UTC().Format(model.TimeFormat)
	initial := delta
	if initial < 0 {
		initial = 0
	}
	body := map[string]any{
		"scripted_upsert": true,
		"script": map[string]any{
			"source": counterScript,
			"lang":   "painless",
			"params": map[string]any{
				"delta":         delta,
				"last_write_at": stamp,
			},
		},
		"upsert": map[string]any{
			"namespace":     []string(ns),
			"namespace_key": ns.Key(),
			"depth":         len(ns),
			"doc_count":     initial,
			"first_seen_at": stamp,
			"last_write_at": stamp,
		},
	}
	if err := l.be.Update(ctx, l.index, ns.Key(), body); err != nil {
		return fmt.Errorf("ledger update for %s: %w", ns, err)
	}
	return nil
}

// ListParams filters a namespace listing.
type ListParams struct {
	// Prefix restricts results to namespaces under the given path.
	Prefix model.Namespace

	// IncludeEmpty keeps namespaces whose count has dropped to zero. Those
	// tombstones preserve first_seen_at across delete/recreate cycles.
	IncludeEmpty bool

	Limit int
}

// List returns namespaces ordered by their encoded path.
func (l *Ledger) List(ctx context.Context, p ListParams) ([]model.NamespaceStats, error) {
	var filters []map[string]any
	if len(p.Prefix) > 0 {
		filters = append(filters, map[string]any{
			"prefix": map[string]any{"namespace_key": p.Prefix.Key()},
		})
	}
	if !p.IncludeEmpty {
		filters = append(filters, map[string]any{
			"range": map[string]any{"doc_count": map[string]any{"gt": 0}},
		})
	}

	var query map[string]any
	if len(filters) > 0 {
		query = map[string]any{"bool": map[string]any{"filter": filters}}
	} else {
		query = map[string]any{"match_all": map[string]any{}}
	}

	size := p.Limit
	if size <= 0 {
		size = 10000
	}
	body := map[string]any{
		"query": query,
		"size":  size,
		"sort":  []map[string]any{{"namespace_key": "asc"}},
	}
	res, err := l.be.Search(ctx, l.index, body)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}

	entries := make([]model.NamespaceStats, 0, len(res.Hits))
	for _, hit := range res.Hits {
		e, ok := statsFromSource(hit.Source)
		if !ok {
			l.log.Warn("skipping malformed ledger document", "id", hit.ID)
			continue
		}
		// Prefix on the encoded key also matches sibling namespaces sharing a
		// segment prefix ("agents" vs "agents2"); re-check segment-wise.
		if len(p.Prefix) > 0 && !e.Namespace.HasPrefix(p.Prefix) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Stats aggregates the whole ledger into store-level totals. Tombstoned
// namespaces count toward neither total.
func (l *Ledger) Stats(ctx context.Context) (model.StoreStats, error) {
	entries, err := l.List(ctx, ListParams{IncludeEmpty: false})
	if err != nil {
		return model.StoreStats{}, err
	}
	var out model.StoreStats
	for _, e := range entries {
		out.TotalItems += e.DocCount
		out.NamespaceCount++
	}
	return out, nil
}

func statsFromSource(src map[string]any) (model.NamespaceStats, bool) {
	ns := model.NamespaceFromAny(src["namespace"])
	if len(ns) == 0 {
		return model.NamespaceStats{}, false
	}
	e := model.NamespaceStats{Namespace: ns}
	if n, ok := numericCount(src["doc_count"]); ok {
		e.DocCount = n
	}
	e.FirstSeenAt = model.ParseTime(src["first_seen_at"])
	e.LastWriteAt = model.ParseTime(src["last_write_at"])
	return e, true
}

func numericCount(v any) (int64, bool) {
	switch vv := v.(type) {
	case int:
		return int64(vv), true
	case int64:
		return vv, true
	case float64:
		return int64(vv), true
	}
	return 0, false
}
