// Package store is the document store facade: namespaced put/get/delete,
// hybrid search, TTL sweeping, namespace statistics, and schema lifecycle,
// all over a pluggable backing engine.
package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmem/memstore/internal/backend"
	"github.com/agentmem/memstore/internal/config"
	"github.com/agentmem/memstore/internal/embedding"
	"github.com/agentmem/memstore/internal/errs"
	"github.com/agentmem/memstore/internal/ledger"
	"github.com/agentmem/memstore/internal/model"
	"github.com/agentmem/memstore/internal/schema"
	"github.com/agentmem/memstore/internal/search"
	"github.com/agentmem/memstore/internal/ttl"
)

// PutParams holds parameters for storing an item.
type PutParams struct {
	Namespace model.Namespace
	Key       string
	Value     map[string]any
	Metadata  map[string]any

	// Embedding is the precomputed vector; when nil and an embedder is
	// configured, the store embeds the item's extracted text.
	Embedding []float32

	// TTLMinutes overrides the configured default TTL for this item.
	TTLMinutes *float64

	// PinTTL keeps an existing item's expiry on overwrite instead of
	// restamping it.
	PinTTL bool
}

// GetParams holds parameters for retrieving an item.
type GetParams struct {
	Namespace model.Namespace
	Key       string

	// RefreshTTL overrides the configured refresh-on-read behavior.
	RefreshTTL *bool
}

// DeleteParams holds parameters for deleting an item.
type DeleteParams struct {
	Namespace model.Namespace
	Key       string
}

// SearchParams holds parameters for a search.
type SearchParams struct {
	Namespace model.Namespace
	Query     string
	Vector    []float32
	Filter    map[string]any
	Mode      config.SearchMode
	Limit     int
	Offset    int
}

// Store is the facade over one index prefix on one backing engine.
type Store struct {
	cfg      config.Settings
	be       backend.Backend
	schema   *schema.Manager
	ledger   *ledger.Ledger
	sweeper  *ttl.Sweeper
	engine   *search.Engine
	embedder embedding.Embedder
	log      *slog.Logger

	// exportPage is the search_after page size used by Export.
	exportPage int

	mu        sync.Mutex
	lastSweep *ttl.SweepResult
}

// Option configures a Store.
type Option func(*Store)

// WithEmbedder enables automatic embedding of item text and query text.
func WithEmbedder(e embedding.Embedder) Option {
	return func(s *Store) { s.embedder = e }
}

// WithLogger sets the store logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New builds a store over a backend. Call Setup before first use on a fresh
// cluster.
func New(cfg config.Settings, be backend.Backend, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		cfg:        cfg,
		be:         be,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		exportPage: defaultExportPage,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.schema = schema.NewManager(cfg, be, s.log)
	s.ledger = ledger.New(be, cfg.NamespaceIndex(), s.log)
	s.sweeper = ttl.NewSweeper(be, cfg.DataAlias(), s.ledger, cfg.SweepBatchSize, s.log)
	s.engine = search.NewEngine(be, cfg, s.log)
	return s, nil
}

// logOp records one operation's duration when operation logging is on.
func (s *Store) logOp(op string, start time.Time, err error) {
	if !s.cfg.LogOperations {
		return
	}
	if err != nil {
		s.log.Warn("op failed", "op", op, "duration_ms", time.Since(start).Milliseconds(), "err", err)
		return
	}
	s.log.Info("op", "op", op, "duration_ms", time.Since(start).Milliseconds())
}

// Put stores or overwrites an item. Overwrites preserve the original
// created_at; creates bump the namespace ledger.
func (s *Store) Put(ctx context.Context, p PutParams) (item *model.Item, err error) {
	start := time.Now()
	defer func() { s.logOp("put", start, err) }()

	now := time.Now().UTC()
	it, isNew, err := s.prepare(ctx, p, now)
	if err != nil {
		return nil, err
	}

	id := model.DocID(p.Namespace, p.Key)
	if err := s.be.IndexDoc(ctx, s.cfg.DataAlias(), id, model.DocBody(it)); err != nil {
		return nil, fmt.Errorf("index item: %w", err)
	}
	// An overwrite of a logically expired but unswept document is still an
	// overwrite at the engine level; the ledger only moves on true creates.
	if isNew {
		if err := s.ledger.RecordWrite(ctx, p.Namespace, now); err != nil {
			return nil, err
		}
	}
	return it, nil
}

// Get retrieves a live item. Expired items are reported as not found even
// before a sweep removes them.
func (s *Store) Get(ctx context.Context, p GetParams) (item *model.Item, err error) {
	start := time.Now()
	defer func() { s.logOp("get", start, err) }()

	if err := p.Namespace.Validate(); err != nil {
		return nil, err
	}
	if err := model.ValidateKey(p.Key); err != nil {
		return nil, err
	}

	id := model.DocID(p.Namespace, p.Key)
	source, found, err := s.be.GetDoc(ctx, s.cfg.DataAlias(), id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if !found {
		return nil, fmt.Errorf("%s/%s: %w", p.Namespace, p.Key, errs.ErrNotFound)
	}
	it := model.ItemFromSource(source)
	if expired(it, now) {
		return nil, fmt.Errorf("%s/%s: %w", p.Namespace, p.Key, errs.ErrNotFound)
	}

	refresh := s.cfg.TTLRefreshOnRead
	if p.RefreshTTL != nil {
		refresh = *p.RefreshTTL
	}
	if refresh && it.TTLMinutes != nil {
		// Re-stamp from the stored per-item TTL, not the configured default.
		_, exp := ttl.Stamp(now, it.TTLMinutes, nil)
		body := map[string]any{"doc": map[string]any{
			"ttl_expires_at": exp.UTC().Format(model.TimeFormat),
		}}
		if err := s.be.Update(ctx, s.cfg.DataAlias(), id, body); err != nil {
			return nil, fmt.Errorf("refresh ttl: %w", err)
		}
		it.TTLExpiresAt = exp
	}
	return it, nil
}

// Delete removes an item. Deleting an absent item is a no-op; the ledger is
// only decremented when something was actually removed.
func (s *Store) Delete(ctx context.Context, p DeleteParams) (deleted bool, err error) {
	start := time.Now()
	defer func() { s.logOp("delete", start, err) }()

	if err := p.Namespace.Validate(); err != nil {
		return false, err
	}
	if err := model.ValidateKey(p.Key); err != nil {
		return false, err
	}

	id := model.DocID(p.Namespace, p.Key)
	existed, err := s.be.DeleteDoc(ctx, s.cfg.DataAlias(), id)
	if err != nil {
		return false, err
	}
	if existed {
		if err := s.ledger.RecordDelete(ctx, p.Namespace, 1, time.Now().UTC()); err != nil {
			return true, err
		}
	}
	return existed, nil
}

// Search runs a namespaced query. Query text is embedded automatically when
// an embedder is configured and no vector was supplied.
func (s *Store) Search(ctx context.Context, p SearchParams) (items []model.SearchItem, err error) {
	start := time.Now()
	defer func() { s.logOp("search", start, err) }()

	if len(p.Namespace) > 0 {
		if err := p.Namespace.Validate(); err != nil {
			return nil, err
		}
	}
	vec := p.Vector
	if vec == nil && p.Query != "" && s.embedder != nil {
		vec, err = s.embedder.Embed(ctx, p.Query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
	}
	return s.engine.Search(ctx, &search.Query{
		Namespace: p.Namespace,
		Text:      p.Query,
		Vector:    vec,
		Filter:    p.Filter,
		Mode:      p.Mode,
		Limit:     p.Limit,
		Offset:    p.Offset,
	})
}

// ListNamespaces lists namespaces from the ledger.
func (s *Store) ListNamespaces(ctx context.Context, p ledger.ListParams) (entries []model.NamespaceStats, err error) {
	start := time.Now()
	defer func() { s.logOp("list_namespaces", start, err) }()
	return s.ledger.List(ctx, p)
}

// GetStats aggregates store-wide totals from the ledger.
func (s *Store) GetStats(ctx context.Context) (stats model.StoreStats, err error) {
	start := time.Now()
	defer func() { s.logOp("stats", start, err) }()
	return s.ledger.Stats(ctx)
}

// expired reports whether an item's expiry has passed.
func expired(it *model.Item, now time.Time) bool {
	return it.TTLExpiresAt != nil && !it.TTLExpiresAt.After(now)
}
