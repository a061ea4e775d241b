// Package search executes namespaced retrieval against the data alias:
// lexical matching, vector similarity, or both fused client-side with
// reciprocal rank fusion.
package search

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentmem/memstore/internal/backend"
	"github.com/agentmem/memstore/internal/config"
	"github.com/agentmem/memstore/internal/errs"
	"github.com/agentmem/memstore/internal/model"
	"github.com/agentmem/memstore/internal/ttl"
)

// Query is one search request. Vector is the query embedding, supplied by
// the caller (the store embeds Text when an embedder is configured).
type Query struct {
	// Namespace scopes the search to a subtree; every namespace at or below
	// it is searched.
	Namespace model.Namespace

	Text   string
	Vector []float32

	// Filter holds metadata equality constraints, keyed by metadata field.
	Filter map[string]any

	// Mode overrides the configured search mode when non-empty.
	Mode config.SearchMode

	Limit  int
	Offset int
}

// Engine runs queries against the data alias.
type Engine struct {
	be  backend.Backend
	cfg config.Settings
	log *slog.Logger
}

func NewEngine(be backend.Backend, cfg config.Settings, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{be: be, cfg: cfg, log: log}
}

// resolveMode picks the execution mode from the query's signals. Auto prefers
// hybrid and degrades to whichever single signal is present; an explicit mode
// missing its signal is an invalid query.
func (e *Engine) resolveMode(q *Query) (config.SearchMode, error) {
	mode := q.Mode
	if mode == "" {
		mode = e.cfg.SearchMode
	}
	hasText := q.Text != ""
	hasVector := len(q.Vector) > 0

	switch mode {
	case config.ModeAuto:
		switch {
		case hasText && hasVector:
			return config.ModeHybrid, nil
		case hasText:
			return config.ModeText, nil
		case hasVector:
			return config.ModeVector, nil
		}
		return "", errs.ErrInvalidQuery
	case config.ModeText:
		if !hasText {
			return "", fmt.Errorf("%w: text mode requires query text", errs.ErrInvalidQuery)
		}
		return mode, nil
	case config.ModeVector:
		if !hasVector {
			return "", fmt.Errorf("%w: vector mode requires a query embedding", errs.ErrInvalidQuery)
		}
		return mode, nil
	case config.ModeHybrid:
		if !hasText || !hasVector {
			return "", fmt.Errorf("%w: hybrid mode requires both text and a query embedding", errs.ErrInvalidQuery)
		}
		return mode, nil
	}
	return "", fmt.Errorf("%w: unknown search mode %q", errs.ErrValidation, mode)
}

// Search executes the query and returns ranked items. Expired documents are
// filtered out at query time regardless of sweep progress.
func (e *Engine) Search(ctx context.Context, q *Query) ([]model.SearchItem, error) {
	mode, err := e.resolveMode(q)
	if err != nil {
		return nil, err
	}
	if len(q.Vector) > 0 && len(q.Vector) != e.cfg.Dimension {
		return nil, &errs.DimensionError{Expected: e.cfg.Dimension, Actual: len(q.Vector)}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	depth := limit + q.Offset
	if mode == config.ModeHybrid && depth < e.cfg.NumCandidates {
		depth = e.cfg.NumCandidates
	}
	filters := e.buildFilters(q, time.Now())

	var lexHits, vecHits []backend.Hit
	g, gctx := errgroup.WithContext(ctx)
	if mode == config.ModeText || mode == config.ModeHybrid {
		g.Go(func() error {
			var err error
			lexHits, err = e.textArm(gctx, q.Text, filters, depth)
			return err
		})
	}
	if mode == config.ModeVector || mode == config.ModeHybrid {
		g.Go(func() error {
			var err error
			vecHits, err = e.vectorArm(gctx, q.Vector, filters, depth)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// The similarity threshold gates the vector ranking before fusion or
	// truncation; a below-threshold hit never contributes rank mass.
	if e.cfg.SimilarityThreshold != nil {
		kept := vecHits[:0]
		for _, h := range vecHits {
			if h.Score >= *e.cfg.SimilarityThreshold {
				kept = append(kept, h)
			}
		}
		vecHits = kept
	}

	sources := make(map[string]map[string]any, len(lexHits)+len(vecHits))
	scores := make(map[string]float64, len(lexHits)+len(vecHits))
	lexRanking := make([]ranked, 0, len(lexHits))
	for _, h := range lexHits {
		sources[h.ID] = h.Source
		scores[h.ID] = h.Score
		lexRanking = append(lexRanking, ranked{ID: h.ID, Score: h.Score})
	}
	vecRanking := make([]ranked, 0, len(vecHits))
	for _, h := range vecHits {
		sources[h.ID] = h.Source
		scores[h.ID] = h.Score
		vecRanking = append(vecRanking, ranked{ID: h.ID, Score: h.Score})
	}

	var results []fused
	switch mode {
	case config.ModeHybrid:
		results = fuse(lexRanking, vecRanking, e.cfg.RRFRankConstant)
	case config.ModeText:
		results = fuse(lexRanking, nil, e.cfg.RRFRankConstant)
		for i := range results {
			results[i].Score = scores[results[i].ID]
		}
	case config.ModeVector:
		results = fuse(nil, vecRanking, e.cfg.RRFRankConstant)
		for i := range results {
			results[i].Score = scores[results[i].ID]
		}
	}

	if q.Offset >= len(results) {
		return []model.SearchItem{}, nil
	}
	results = results[q.Offset:]
	if len(results) > limit {
		results = results[:limit]
	}

	items := make([]model.SearchItem, 0, len(results))
	for _, r := range results {
		src, ok := sources[r.ID]
		if !ok {
			continue
		}
		items = append(items, model.SearchItem{
			Item:        *model.ItemFromSource(src),
			Score:       r.Score,
			LexicalRank: r.LexicalRank,
			VectorRank:  r.VectorRank,
		})
	}
	return items, nil
}

// buildFilters assembles the filter clauses shared by both arms: namespace
// subtree scoping, the expiry filter, and metadata equality terms.
func (e *Engine) buildFilters(q *Query, now time.Time) []map[string]any {
	filters := []map[string]any{ttl.FilterClause(now)}
	if len(q.Namespace) > 0 {
		key := q.Namespace.Key()
		// Exact namespace or any descendant; the separator suffix keeps
		// sibling namespaces sharing a name prefix out.
		filters = append(filters, map[string]any{
			"bool": map[string]any{
				"should": []map[string]any{
					{"term": map[string]any{"namespace_key": key}},
					{"prefix": map[string]any{"namespace_key": key + model.Separator}},
				},
				"minimum_should_match": 1,
			},
		})
	}
	for field, want := range q.Filter {
		filters = append(filters, map[string]any{
			"term": map[string]any{"metadata." + field: want},
		})
	}
	return filters
}

func (e *Engine) textArm(ctx context.Context, text string, filters []map[string]any, depth int) ([]backend.Hit, error) {
	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must":   []map[string]any{{"match": map[string]any{"text": text}}},
				"filter": filters,
			},
		},
		"size": depth,
	}
	res, err := e.be.Search(ctx, e.cfg.DataAlias(), body)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}
	return res.Hits, nil
}

func (e *Engine) vectorArm(ctx context.Context, vector []float32, filters []map[string]any, depth int) ([]backend.Hit, error) {
	// The ANN pool is always at least the configured candidate count so small
	// limits do not starve recall under filters.
	numCandidates := depth * 2
	if numCandidates < e.cfg.NumCandidates {
		numCandidates = e.cfg.NumCandidates
	}
	body := map[string]any{
		"query": map[string]any{
			"knn": map[string]any{
				"embedding": map[string]any{
					"vector":         vector,
					"k":              depth,
					"num_candidates": numCandidates,
					"filter":         map[string]any{"bool": map[string]any{"filter": filters}},
				},
			},
		},
		"size": depth,
	}
	res, err := e.be.Search(ctx, e.cfg.DataAlias(), body)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return res.Hits, nil
}
