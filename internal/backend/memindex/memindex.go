// Package memindex is an embedded implementation of backend.Backend.
//
// It evaluates the query DSL subset the store emits against in-memory
// documents and optionally mirrors every mutation into a sqlite journal so
// an embedded deployment survives restarts. It is also what the test suite
// runs against.
package memindex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/agentmem/memstore/internal/backend"
	"github.com/agentmem/memstore/internal/errs"
)

type index struct {
	body map[string]any // create body: settings + mappings
	docs map[string]map[string]any
}

// Backend is the embedded engine. Safe for concurrent use; a single mutex
// serializes mutations, which stands in for the remote engine's per-document
// atomicity (including the ledger's scripted counter upsert).
type Backend struct {
	mu        sync.RWMutex
	indices   map[string]*index
	aliases   map[string]string
	templates map[string]map[string]any
	journal   *journal
	log       *slog.Logger
}

// Option configures the embedded backend.
type Option func(*Backend)

// WithLogger sets the logger used for clamp warnings and journal errors.
func WithLogger(log *slog.Logger) Option {
	return func(b *Backend) { b.log = log }
}

// New creates an in-memory backend with no durability.
func New(opts ...Option) *Backend {
	b := &Backend{
		indices:   make(map[string]*index),
		aliases:   make(map[string]string),
		templates: make(map[string]map[string]any),
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open creates a backend journaled at path, replaying any prior state.
func Open(path string, opts ...Option) (*Backend, error) {
	b := New(opts...)
	j, err := openJournal(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	b.journal = j
	if err := j.load(b); err != nil {
		j.Close()
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	return b, nil
}

// Close releases the journal, if any.
func (b *Backend) Close() error {
	if b.journal != nil {
		return b.journal.Close()
	}
	return nil
}

// resolve maps an alias or physical name to the physical index.
func (b *Backend) resolve(name string) (*index, string, error) {
	if target, ok := b.aliases[name]; ok {
		name = target
	}
	idx, ok := b.indices[name]
	if !ok {
		return nil, "", fmt.Errorf("index %q: %w", name, errs.ErrNotFound)
	}
	return idx, name, nil
}

func (b *Backend) IndexDoc(ctx context.Context, name, id string, doc map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, physical, err := b.resolve(name)
	if err != nil {
		return err
	}
	normalized, err := normalize(doc)
	if err != nil {
		return err
	}
	idx.docs[id] = normalized
	return b.journalPutDoc(physical, id, normalized)
}

func (b *Backend) GetDoc(ctx context.Context, name, id string) (map[string]any, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, _, err := b.resolve(name)
	if err != nil {
		return nil, false, err
	}
	doc, ok := idx.docs[id]
	if !ok {
		return nil, false, nil
	}
	copied, err := normalize(doc)
	if err != nil {
		return nil, false, err
	}
	return copied, true, nil
}

func (b *Backend) MultiGet(ctx context.Context, name string, ids []string) ([]map[string]any, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, _, err := b.resolve(name)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(ids))
	for i, id := range ids {
		doc, ok := idx.docs[id]
		if !ok {
			continue
		}
		copied, err := normalize(doc)
		if err != nil {
			return nil, err
		}
		out[i] = copied
	}
	return out, nil
}

func (b *Backend) DeleteDoc(ctx context.Context, name, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, physical, err := b.resolve(name)
	if err != nil {
		return false, err
	}
	if _, ok := idx.docs[id]; !ok {
		return false, nil
	}
	delete(idx.docs, id)
	return true, b.journalDeleteDoc(physical, id)
}

func (b *Backend) Bulk(ctx context.Context, ops []backend.BulkOp) ([]backend.BulkItemResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	results := make([]backend.BulkItemResult, 0, len(ops))
	for _, op := range ops {
		res := backend.BulkItemResult{ID: op.ID}
		idx, physical, err := b.resolve(op.Index)
		if err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}
		switch op.Action {
		case "index":
			normalized, err := normalize(op.Doc)
			if err != nil {
				res.Err = err
				break
			}
			idx.docs[op.ID] = normalized
			res.Err = b.journalPutDoc(physical, op.ID, normalized)
		case "delete":
			delete(idx.docs, op.ID)
			res.Err = b.journalDeleteDoc(physical, op.ID)
		default:
			res.Err = fmt.Errorf("unknown bulk action %q", op.Action)
		}
		results = append(results, res)
	}
	return results, nil
}

func (b *Backend) Search(ctx context.Context, name string, body map[string]any) (*backend.SearchResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, _, err := b.resolve(name)
	if err != nil {
		return nil, err
	}

	query, _ := body["query"].(map[string]any)
	hits, err := b.execute(idx, query)
	if err != nil {
		return nil, err
	}
	total := int64(len(hits))

	if sortSpec, ok := body["sort"]; ok {
		keys := parseSortKeys(sortSpec)
		applySort(hits, keys)
		if after, ok := body["search_after"].([]any); ok && len(keys) > 0 {
			hits = seekAfter(hits, keys, after)
		}
	} else {
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].Score != hits[j].Score {
				return hits[i].Score > hits[j].Score
			}
			return hits[i].ID < hits[j].ID
		})
	}

	from := intOr(body["from"], 0)
	size := intOr(body["size"], 10)
	if from > len(hits) {
		from = len(hits)
	}
	end := from + size
	if end > len(hits) {
		end = len(hits)
	}
	hits = hits[from:end]

	out := make([]backend.Hit, 0, len(hits))
	for _, h := range hits {
		src, err := normalize(h.Source)
		if err != nil {
			return nil, err
		}
		out = append(out, backend.Hit{ID: h.ID, Score: h.Score, Source: src})
	}
	return &backend.SearchResult{Total: total, Hits: out}, nil
}

func (b *Backend) Count(ctx context.Context, name string, body map[string]any) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, _, err := b.resolve(name)
	if err != nil {
		return 0, err
	}
	query, _ := body["query"].(map[string]any)
	hits, err := b.execute(idx, query)
	if err != nil {
		return 0, err
	}
	return int64(len(hits)), nil
}

func (b *Backend) DeleteByQuery(ctx context.Context, name string, body map[string]any, maxDocs int) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, physical, err := b.resolve(name)
	if err != nil {
		return 0, err
	}
	query, _ := body["query"].(map[string]any)
	hits, err := b.execute(idx, query)
	if err != nil {
		return 0, err
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })
	if maxDocs > 0 && len(hits) > maxDocs {
		hits = hits[:maxDocs]
	}
	var deleted int64
	for _, h := range hits {
		delete(idx.docs, h.ID)
		if err := b.journalDeleteDoc(physical, h.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Update applies a partial "doc" update, or the scripted counter upsert
// contract used by the namespace ledger: the script params carry a delta
// that is added to doc_count and clamped at zero.
func (b *Backend) Update(ctx context.Context, name, id string, body map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, physical, err := b.resolve(name)
	if err != nil {
		return err
	}

	if scripted, _ := body["scripted_upsert"].(bool); scripted {
		return b.applyCounterScript(idx, physical, id, body)
	}

	partial, ok := body["doc"].(map[string]any)
	if !ok {
		return fmt.Errorf("update %q: unsupported update body", id)
	}
	existing, ok := idx.docs[id]
	if !ok {
		return fmt.Errorf("update %q: %w", id, errs.ErrNotFound)
	}
	for k, v := range partial {
		existing[k] = v
	}
	normalized, err := normalize(existing)
	if err != nil {
		return err
	}
	idx.docs[id] = normalized
	return b.journalPutDoc(physical, id, normalized)
}

func (b *Backend) applyCounterScript(idx *index, physical, id string, body map[string]any) error {
	script, _ := body["script"].(map[string]any)
	params, _ := script["params"].(map[string]any)
	delta := intOr(params["delta"], 0)

	doc, ok := idx.docs[id]
	if !ok {
		upsert, _ := body["upsert"].(map[string]any)
		normalized, err := normalize(upsert)
		if err != nil {
			return err
		}
		doc = normalized
		// The upsert body already carries the clamped initial count.
		idx.docs[id] = doc
		return b.journalPutDoc(physical, id, doc)
	}

	count := intOr(doc["doc_count"], 0) + delta
	if count < 0 {
		b.log.Warn("namespace counter clamped", "id", id, "count", count)
		count = 0
	}
	doc["doc_count"] = float64(count)
	if v, ok := params["last_write_at"]; ok {
		doc["last_write_at"] = v
	}
	idx.docs[id] = doc
	return b.journalPutDoc(physical, id, doc)
}

func (b *Backend) PutIndexTemplate(ctx context.Context, name string, body map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	normalized, err := normalize(body)
	if err != nil {
		return err
	}
	b.templates[name] = normalized
	return b.journalPutTemplate(name, normalized)
}

func (b *Backend) CreateIndex(ctx context.Context, name string, body map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.indices[name]; ok {
		return fmt.Errorf("index %q already exists", name)
	}
	normalized, err := normalize(body)
	if err != nil {
		return err
	}
	if _, ok := normalized["mappings"]; !ok {
		if tmpl := b.matchingTemplate(name); tmpl != nil {
			for k, v := range tmpl {
				if _, exists := normalized[k]; !exists {
					normalized[k] = v
				}
			}
		}
	}
	b.indices[name] = &index{body: normalized, docs: make(map[string]map[string]any)}
	return b.journalPutIndex(name, normalized)
}

// matchingTemplate finds an installed template whose index_patterns cover the
// index name and returns its "template" body. Patterns support a trailing
// wildcard only, which is all the store installs.
func (b *Backend) matchingTemplate(name string) map[string]any {
	for _, tmpl := range b.templates {
		patterns, _ := tmpl["index_patterns"].([]any)
		for _, p := range patterns {
			pat, _ := p.(string)
			if pat == "" {
				continue
			}
			matched := pat == name
			if strings.HasSuffix(pat, "*") {
				matched = strings.HasPrefix(name, strings.TrimSuffix(pat, "*"))
			}
			if matched {
				body, _ := tmpl["template"].(map[string]any)
				return body
			}
		}
	}
	return nil
}

func (b *Backend) IndexExists(ctx context.Context, name string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.indices[name]
	return ok, nil
}

func (b *Backend) AliasExists(ctx context.Context, alias string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.aliases[alias]
	return ok, nil
}

func (b *Backend) ResolveAlias(ctx context.Context, alias string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	target, ok := b.aliases[alias]
	if !ok {
		return nil, nil
	}
	return []string{target}, nil
}

// SwapAlias is the single atomic alias action: under the engine's lock the
// alias either still points at oldIndex or already points at newIndex,
// never at zero or two indices.
func (b *Backend) SwapAlias(ctx context.Context, alias, oldIndex, newIndex string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.indices[newIndex]; !ok {
		return fmt.Errorf("alias target %q: %w", newIndex, errs.ErrNotFound)
	}
	if current, ok := b.aliases[alias]; ok && oldIndex != "" && current != oldIndex {
		return fmt.Errorf("alias %q points at %q, not %q", alias, current, oldIndex)
	}
	b.aliases[alias] = newIndex
	return b.journalPutAlias(alias, newIndex)
}

func (b *Backend) GetMapping(ctx context.Context, name string) (map[string]any, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, _, err := b.resolve(name)
	if err != nil {
		return nil, err
	}
	if mappings, ok := idx.body["mappings"].(map[string]any); ok {
		return mappings, nil
	}
	return map[string]any{}, nil
}

func (b *Backend) Ping(ctx context.Context) error { return nil }

func (b *Backend) journalPutDoc(index, id string, doc map[string]any) error {
	if b.journal == nil {
		return nil
	}
	if err := b.journal.putDoc(index, id, doc); err != nil {
		b.log.Error("journal write failed", "index", index, "id", id, "err", err)
		return err
	}
	return nil
}

func (b *Backend) journalDeleteDoc(index, id string) error {
	if b.journal == nil {
		return nil
	}
	return b.journal.deleteDoc(index, id)
}

func (b *Backend) journalPutIndex(name string, body map[string]any) error {
	if b.journal == nil {
		return nil
	}
	return b.journal.putIndex(name, body)
}

func (b *Backend) journalPutAlias(alias, target string) error {
	if b.journal == nil {
		return nil
	}
	return b.journal.putAlias(alias, target)
}

func (b *Backend) journalPutTemplate(name string, body map[string]any) error {
	if b.journal == nil {
		return nil
	}
	return b.journal.putTemplate(name, body)
}

// normalize deep-copies a document through JSON so in-memory state matches
// what a journal reload would produce.
func normalize(doc map[string]any) (map[string]any, error) {
	if doc == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}

func intOr(v any, def int) int {
	switch vv := v.(type) {
	case int:
		return vv
	case int64:
		return int(vv)
	case float64:
		return int(vv)
	case json.Number:
		if n, err := vv.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}
