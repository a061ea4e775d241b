package search

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agentmem/memstore/internal/backend"
	"github.com/agentmem/memstore/internal/backend/memindex"
	"github.com/agentmem/memstore/internal/config"
	"github.com/agentmem/memstore/internal/errs"
	"github.com/agentmem/memstore/internal/model"
)

// captureBackend records every search body on its way to the engine.
type captureBackend struct {
	backend.Backend
	bodies []map[string]any
}

func (c *captureBackend) Search(ctx context.Context, index string, body map[string]any) (*backend.SearchResult, error) {
	c.bodies = append(c.bodies, body)
	return c.Backend.Search(ctx, index, body)
}

func newTestEngine(t *testing.T) (*Engine, *memindex.Backend, config.Settings) {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	cfg.Embedded = true
	cfg.IndexPrefix = "mem"
	cfg.Dimension = 2

	be := memindex.New()
	physical := cfg.PhysicalIndex(1)
	if err := be.CreateIndex(ctx, physical, nil); err != nil {
		t.Fatal(err)
	}
	if err := be.SwapAlias(ctx, cfg.DataAlias(), "", physical); err != nil {
		t.Fatal(err)
	}
	return NewEngine(be, cfg, nil), be, cfg
}

func seedItem(t *testing.T, be *memindex.Backend, cfg config.Settings, ns model.Namespace, key, text string, vec []float32, meta map[string]any) {
	t.Helper()
	now := time.Now().UTC()
	it := &model.Item{
		Namespace: ns,
		Key:       key,
		Value:     map[string]any{"text": text},
		Metadata:  meta,
		Embedding: vec,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := be.IndexDoc(context.Background(), cfg.DataAlias(), model.DocID(ns, key), model.DocBody(it)); err != nil {
		t.Fatal(err)
	}
}

func TestResolveMode(t *testing.T) {
	e, _, _ := newTestEngine(t)

	tests := []struct {
		name     string
		q        Query
		want     config.SearchMode
		wantErr  bool
		validate bool
	}{
		{"auto both", Query{Text: "x", Vector: []float32{1, 0}}, config.ModeHybrid, false, false},
		{"auto text", Query{Text: "x"}, config.ModeText, false, false},
		{"auto vector", Query{Vector: []float32{1, 0}}, config.ModeVector, false, false},
		{"auto nothing", Query{}, "", true, false},
		{"text without text", Query{Mode: config.ModeText}, "", true, false},
		{"vector without vector", Query{Mode: config.ModeVector, Text: "x"}, "", true, false},
		{"hybrid missing vector", Query{Mode: config.ModeHybrid, Text: "x"}, "", true, false},
		{"unknown mode", Query{Mode: "fuzzy", Text: "x"}, "", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.resolveMode(&tt.q)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if tt.validate {
					if !errors.Is(err, errs.ErrValidation) {
						t.Errorf("err = %v, want ErrValidation", err)
					}
				} else if !errors.Is(err, errs.ErrInvalidQuery) {
					t.Errorf("err = %v, want ErrInvalidQuery", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("resolveMode = %v, %v; want %v", got, err, tt.want)
			}
		})
	}
}

func TestTextSearchNamespaceScoping(t *testing.T) {
	e, be, cfg := newTestEngine(t)
	ctx := context.Background()

	seedItem(t, be, cfg, model.Namespace{"agents", "a"}, "k1", "likes coffee in the morning", nil, nil)
	seedItem(t, be, cfg, model.Namespace{"agents", "a", "mem"}, "k2", "coffee with milk", nil, nil)
	seedItem(t, be, cfg, model.Namespace{"agents", "b"}, "k3", "coffee later", nil, nil)
	seedItem(t, be, cfg, model.Namespace{"agentsfoo"}, "k4", "coffee too", nil, nil)

	got, err := e.Search(ctx, &Query{Namespace: model.Namespace{"agents", "a"}, Text: "coffee", Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results = %d, want 2 (subtree only): %v", len(got), got)
	}
	for _, r := range got {
		if !r.Namespace.HasPrefix(model.Namespace{"agents", "a"}) {
			t.Errorf("result outside subtree: %v", r.Namespace)
		}
		if r.LexicalRank == 0 {
			t.Errorf("lexical rank missing on %s", r.Key)
		}
	}
}

func TestMetadataFilterExactness(t *testing.T) {
	e, be, cfg := newTestEngine(t)
	ctx := context.Background()
	ns := model.Namespace{"notes"}

	for i := 0; i < 10; i++ {
		source := "web"
		if i < 3 {
			source = "chat"
		}
		seedItem(t, be, cfg, ns, fmt.Sprintf("k%d", i), "meeting notes", nil, map[string]any{"source": source})
	}

	got, err := e.Search(ctx, &Query{
		Namespace: ns,
		Text:      "meeting",
		Filter:    map[string]any{"source": "chat"},
		Limit:     20,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("results = %d, want exactly 3", len(got))
	}
	for _, r := range got {
		if r.Metadata["source"] != "chat" {
			t.Errorf("filter leaked: %v", r.Metadata)
		}
	}
}

func TestVectorSearchThreshold(t *testing.T) {
	e, be, cfg := newTestEngine(t)
	ctx := context.Background()
	ns := model.Namespace{"vec"}

	seedItem(t, be, cfg, ns, "close", "", []float32{1, 0}, nil)
	seedItem(t, be, cfg, ns, "near", "", []float32{0.9, 0.4}, nil)
	seedItem(t, be, cfg, ns, "far", "", []float32{0, 1}, nil)

	got, err := e.Search(ctx, &Query{Namespace: ns, Vector: []float32{1, 0}, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("unthresholded results = %d, want 3", len(got))
	}
	if got[0].Key != "close" || got[1].Key != "near" {
		t.Errorf("order = %s,%s", got[0].Key, got[1].Key)
	}

	threshold := 0.5
	e.cfg.SimilarityThreshold = &threshold
	got, err = e.Search(ctx, &Query{Namespace: ns, Vector: []float32{1, 0}, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("thresholded results = %d, want 2", len(got))
	}
	for _, r := range got {
		if r.Key == "far" {
			t.Error("below-threshold hit survived")
		}
	}
}

func TestVectorPoolWidening(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Embedded = true
	cfg.IndexPrefix = "mem"
	cfg.Dimension = 2
	cfg.NumCandidates = 50

	be := memindex.New()
	physical := cfg.PhysicalIndex(1)
	if err := be.CreateIndex(ctx, physical, nil); err != nil {
		t.Fatal(err)
	}
	if err := be.SwapAlias(ctx, cfg.DataAlias(), "", physical); err != nil {
		t.Fatal(err)
	}
	capture := &captureBackend{Backend: be}
	e := NewEngine(capture, cfg, nil)

	seedItem(t, be, cfg, model.Namespace{"vec"}, "k1", "", []float32{1, 0}, nil)
	if _, err := e.Search(ctx, &Query{Namespace: model.Namespace{"vec"}, Vector: []float32{1, 0}, Limit: 2}); err != nil {
		t.Fatal(err)
	}

	if len(capture.bodies) != 1 {
		t.Fatalf("captured %d bodies, want 1", len(capture.bodies))
	}
	knn := capture.bodies[0]["query"].(map[string]any)["knn"].(map[string]any)["embedding"].(map[string]any)
	if k := knn["k"].(int); k != 2 {
		t.Errorf("k = %d, want the requested window", k)
	}
	// A small limit must not shrink the ANN pool below the configured
	// candidate count.
	if nc := knn["num_candidates"].(int); nc < cfg.NumCandidates {
		t.Errorf("num_candidates = %d, want >= %d", nc, cfg.NumCandidates)
	}
}

func TestVectorDimensionMismatch(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Search(context.Background(), &Query{Vector: []float32{1, 0, 0}})
	var dimErr *errs.DimensionError
	if !errors.As(err, &dimErr) {
		t.Fatalf("err = %v, want DimensionError", err)
	}
	if !errors.Is(err, errs.ErrValidation) {
		t.Error("DimensionError should match ErrValidation")
	}
}

func TestHybridFusion(t *testing.T) {
	e, be, cfg := newTestEngine(t)
	ctx := context.Background()
	ns := model.Namespace{"hybrid"}

	// "both" ranks in the two arms; "textonly" and "veconly" each rank in one.
	seedItem(t, be, cfg, ns, "both", "espresso machine manual", []float32{1, 0}, nil)
	seedItem(t, be, cfg, ns, "textonly", "espresso brewing guide", []float32{0, 1}, nil)
	seedItem(t, be, cfg, ns, "veconly", "unrelated words entirely", []float32{0.95, 0.1}, nil)

	got, err := e.Search(ctx, &Query{Namespace: ns, Text: "espresso", Vector: []float32{1, 0}, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("results = %d, want 3", len(got))
	}
	if got[0].Key != "both" {
		t.Errorf("top result = %s, want the doc present in both rankings", got[0].Key)
	}
	if got[0].LexicalRank == 0 || got[0].VectorRank == 0 {
		t.Errorf("fused ranks = (%d,%d)", got[0].LexicalRank, got[0].VectorRank)
	}
}

func TestSearchOffset(t *testing.T) {
	e, be, cfg := newTestEngine(t)
	ctx := context.Background()
	ns := model.Namespace{"page"}

	for i := 0; i < 5; i++ {
		seedItem(t, be, cfg, ns, fmt.Sprintf("k%d", i), "pagination test", nil, nil)
	}

	all, err := e.Search(ctx, &Query{Namespace: ns, Text: "pagination", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	page, err := e.Search(ctx, &Query{Namespace: ns, Text: "pagination", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("page = %d, want 2", len(page))
	}
	if page[0].Key != all[2].Key || page[1].Key != all[3].Key {
		t.Errorf("offset window mismatch: %s,%s vs %s,%s", page[0].Key, page[1].Key, all[2].Key, all[3].Key)
	}

	empty, err := e.Search(ctx, &Query{Namespace: ns, Text: "pagination", Limit: 2, Offset: 50})
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("past-the-end offset returned %d results", len(empty))
	}
}

func TestExpiredInvisibleToSearch(t *testing.T) {
	e, be, cfg := newTestEngine(t)
	ctx := context.Background()
	ns := model.Namespace{"ttl"}
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	mins := 1.0
	for key, exp := range map[string]*time.Time{"dead": &past, "alive": &future, "forever": nil} {
		it := &model.Item{
			Namespace: ns, Key: key,
			Value:     map[string]any{"text": "expiry probe"},
			CreatedAt: now, UpdatedAt: now,
		}
		if exp != nil {
			it.TTLMinutes = &mins
			it.TTLExpiresAt = exp
		}
		if err := be.IndexDoc(ctx, cfg.DataAlias(), model.DocID(ns, key), model.DocBody(it)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := e.Search(ctx, &Query{Namespace: ns, Text: "expiry", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("results = %d, want 2 live docs", len(got))
	}
	for _, r := range got {
		if r.Key == "dead" {
			t.Error("expired document returned before sweep")
		}
	}
}
