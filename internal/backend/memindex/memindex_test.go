package memindex

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/agentmem/memstore/internal/backend"
	"github.com/agentmem/memstore/internal/errs"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	return New()
}

func mustCreate(t *testing.T, b *Backend, name string) {
	t.Helper()
	if err := b.CreateIndex(context.Background(), name, nil); err != nil {
		t.Fatalf("create index %s: %v", name, err)
	}
}

func mustIndex(t *testing.T, b *Backend, index, id string, doc map[string]any) {
	t.Helper()
	if err := b.IndexDoc(context.Background(), index, id, doc); err != nil {
		t.Fatalf("index %s/%s: %v", index, id, err)
	}
}

func TestDocumentCRUD(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	mustCreate(t, b, "items")

	mustIndex(t, b, "items", "a", map[string]any{"key": "a", "n": 1})

	doc, found, err := b.GetDoc(ctx, "items", "a")
	if err != nil || !found {
		t.Fatalf("GetDoc = %v, found %v", err, found)
	}
	if doc["key"] != "a" {
		t.Errorf("doc = %v", doc)
	}

	// Returned docs are copies; mutation must not leak back.
	doc["key"] = "mutated"
	again, _, _ := b.GetDoc(ctx, "items", "a")
	if again["key"] != "a" {
		t.Error("stored document was mutated through a read copy")
	}

	existed, err := b.DeleteDoc(ctx, "items", "a")
	if err != nil || !existed {
		t.Fatalf("DeleteDoc = %v, existed %v", err, existed)
	}
	existed, err = b.DeleteDoc(ctx, "items", "a")
	if err != nil || existed {
		t.Fatalf("second DeleteDoc = %v, existed %v", err, existed)
	}

	if _, _, err := b.GetDoc(ctx, "missing", "a"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("unknown index: got %v, want ErrNotFound", err)
	}
}

func TestMultiGetPositional(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	mustCreate(t, b, "items")
	mustIndex(t, b, "items", "a", map[string]any{"key": "a"})
	mustIndex(t, b, "items", "c", map[string]any{"key": "c"})

	sources, err := b.MultiGet(ctx, "items", []string{"c", "missing", "a"})
	if err != nil {
		t.Fatalf("MultiGet: %v", err)
	}
	if len(sources) != 3 {
		t.Fatalf("len = %d, want 3", len(sources))
	}
	if sources[0]["key"] != "c" || sources[2]["key"] != "a" {
		t.Errorf("sources out of order: %v", sources)
	}
	if sources[1] != nil {
		t.Errorf("absent id should be nil, got %v", sources[1])
	}

	// Returned docs are copies, same as GetDoc.
	sources[0]["key"] = "mutated"
	again, _, _ := b.GetDoc(ctx, "items", "c")
	if again["key"] != "c" {
		t.Error("stored document was mutated through a multi-get copy")
	}
}

func TestQueryClauses(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	mustCreate(t, b, "items")
	mustIndex(t, b, "items", "1", map[string]any{
		"namespace_key": "prefs::u1", "n": 5,
		"metadata": map[string]any{"source": "chat"},
		"text":     "dark mode enabled",
	})
	mustIndex(t, b, "items", "2", map[string]any{
		"namespace_key": "prefs::u2", "n": 10,
		"text": "light theme",
	})
	mustIndex(t, b, "items", "3", map[string]any{
		"namespace_key": "notes::u1", "n": 7,
	})

	cases := []struct {
		name  string
		query map[string]any
		want  []string
	}{
		{"match_all", map[string]any{"match_all": map[string]any{}}, []string{"1", "2", "3"}},
		{"term", map[string]any{"term": map[string]any{"namespace_key": "prefs::u1"}}, []string{"1"}},
		{"term dotted", map[string]any{"term": map[string]any{"metadata.source": "chat"}}, []string{"1"}},
		{"prefix", map[string]any{"prefix": map[string]any{"namespace_key": "prefs::"}}, []string{"1", "2"}},
		{"exists", map[string]any{"exists": map[string]any{"field": "text"}}, []string{"1", "2"}},
		{"range gt", map[string]any{"range": map[string]any{"n": map[string]any{"gt": 6}}}, []string{"2", "3"}},
		{"range gte lte", map[string]any{"range": map[string]any{"n": map[string]any{"gte": 5, "lte": 7}}}, []string{"1", "3"}},
		{"match", map[string]any{"match": map[string]any{"text": "dark mode"}}, []string{"1"}},
		{
			"bool filter + must_not",
			map[string]any{"bool": map[string]any{
				"filter":   []map[string]any{{"prefix": map[string]any{"namespace_key": "prefs::"}}},
				"must_not": map[string]any{"term": map[string]any{"namespace_key": "prefs::u2"}},
			}},
			[]string{"1"},
		},
		{
			"bool should pure",
			map[string]any{"bool": map[string]any{
				"should": []map[string]any{
					{"term": map[string]any{"namespace_key": "notes::u1"}},
					{"term": map[string]any{"namespace_key": "prefs::u2"}},
				},
			}},
			[]string{"2", "3"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := b.Search(ctx, "items", map[string]any{"query": tc.query, "size": 10})
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			got := make(map[string]bool)
			for _, h := range res.Hits {
				got[h.ID] = true
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got ids %v, want %v", got, tc.want)
			}
			for _, id := range tc.want {
				if !got[id] {
					t.Errorf("missing id %s in %v", id, got)
				}
			}
		})
	}
}

func TestSearchAfterPaging(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	mustCreate(t, b, "items")
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		mustIndex(t, b, "items", id, map[string]any{"key": id})
	}

	var got []string
	var after []any
	for {
		body := map[string]any{
			"query": map[string]any{"match_all": map[string]any{}},
			"sort":  []map[string]any{{"key": "asc"}},
			"size":  2,
		}
		if after != nil {
			body["search_after"] = after
		}
		res, err := b.Search(ctx, "items", body)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		for _, h := range res.Hits {
			got = append(got, h.ID)
		}
		if len(res.Hits) < 2 {
			break
		}
		after = []any{res.Hits[len(res.Hits)-1].Source["key"]}
	}

	want := []string{"a", "b", "c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("walked %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("walked %v, want %v", got, want)
		}
	}

	// A descending walk resumes below the cursor.
	res, err := b.Search(ctx, "items", map[string]any{
		"query":        map[string]any{"match_all": map[string]any{}},
		"sort":         []map[string]any{{"key": "desc"}},
		"size":         10,
		"search_after": []any{"d"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hits) != 3 || res.Hits[0].ID != "c" {
		t.Errorf("descending resume = %v", res.Hits)
	}
}

func TestKNNSearch(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	mustCreate(t, b, "items")
	mustIndex(t, b, "items", "x", map[string]any{"embedding": []float32{1, 0}, "tag": "keep"})
	mustIndex(t, b, "items", "y", map[string]any{"embedding": []float32{0.9, 0.1}, "tag": "keep"})
	mustIndex(t, b, "items", "z", map[string]any{"embedding": []float32{0, 1}, "tag": "drop"})

	body := map[string]any{
		"query": map[string]any{
			"knn": map[string]any{
				"embedding": map[string]any{
					"vector": []float32{1, 0},
					"k":      2,
					"filter": map[string]any{"term": map[string]any{"tag": "keep"}},
				},
			},
		},
		"size": 10,
	}
	res, err := b.Search(ctx, "items", body)
	if err != nil {
		t.Fatalf("knn search: %v", err)
	}
	if len(res.Hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(res.Hits))
	}
	if res.Hits[0].ID != "x" || res.Hits[1].ID != "y" {
		t.Errorf("order = %s,%s; want x,y", res.Hits[0].ID, res.Hits[1].ID)
	}
	if res.Hits[0].Score < res.Hits[1].Score {
		t.Error("scores not descending")
	}
}

func TestAliasSwapAtomicity(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	mustCreate(t, b, "v1")
	mustCreate(t, b, "v2")

	if err := b.SwapAlias(ctx, "data", "", "v1"); err != nil {
		t.Fatalf("bootstrap swap: %v", err)
	}
	if got, _ := b.ResolveAlias(ctx, "data"); len(got) != 1 || got[0] != "v1" {
		t.Fatalf("ResolveAlias = %v", got)
	}

	if err := b.SwapAlias(ctx, "data", "v1", "v2"); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if got, _ := b.ResolveAlias(ctx, "data"); got[0] != "v2" {
		t.Fatalf("ResolveAlias after swap = %v", got)
	}

	// Stale expectations are rejected rather than applied.
	if err := b.SwapAlias(ctx, "data", "v1", "v1"); err == nil {
		t.Error("swap with wrong old index should fail")
	}
	if err := b.SwapAlias(ctx, "data", "v2", "nope"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("swap to missing index: %v", err)
	}
}

func TestCounterScriptClamp(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	mustCreate(t, b, "ns")

	update := func(delta int) error {
		initial := delta
		if initial < 0 {
			initial = 0
		}
		return b.Update(ctx, "ns", "prefs::u1", map[string]any{
			"scripted_upsert": true,
			"script": map[string]any{
				"source": "noop",
				"params": map[string]any{"delta": delta, "last_write_at": "2026-01-01T00:00:00Z"},
			},
			"upsert": map[string]any{"namespace_key": "prefs::u1", "doc_count": initial},
		})
	}

	if err := update(1); err != nil {
		t.Fatal(err)
	}
	if err := update(1); err != nil {
		t.Fatal(err)
	}
	if err := update(-5); err != nil {
		t.Fatal(err)
	}
	doc, _, _ := b.GetDoc(ctx, "ns", "prefs::u1")
	if count := intOr(doc["doc_count"], -1); count != 0 {
		t.Errorf("doc_count = %d, want clamped 0", count)
	}
}

func TestDeleteByQueryMaxDocs(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	mustCreate(t, b, "items")
	for _, id := range []string{"a", "b", "c", "d"} {
		mustIndex(t, b, "items", id, map[string]any{"kind": "x"})
	}

	deleted, err := b.DeleteByQuery(ctx, "items",
		map[string]any{"query": map[string]any{"term": map[string]any{"kind": "x"}}}, 3)
	if err != nil {
		t.Fatalf("DeleteByQuery: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}
	count, _ := b.Count(ctx, "items", map[string]any{"query": map[string]any{"match_all": map[string]any{}}})
	if count != 1 {
		t.Errorf("remaining = %d, want 1", count)
	}
}

func TestBulkMixedActions(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	mustCreate(t, b, "items")
	mustIndex(t, b, "items", "old", map[string]any{"v": 1})

	results, err := b.Bulk(ctx, []backend.BulkOp{
		{Action: "index", Index: "items", ID: "new", Doc: map[string]any{"v": 2}},
		{Action: "delete", Index: "items", ID: "old"},
		{Action: "index", Index: "missing", ID: "x", Doc: map[string]any{}},
	})
	if err != nil {
		t.Fatalf("Bulk: %v", err)
	}
	if results[0].Err != nil || results[1].Err != nil {
		t.Errorf("valid ops failed: %v, %v", results[0].Err, results[1].Err)
	}
	if results[2].Err == nil {
		t.Error("op against missing index should fail per item")
	}
	if _, found, _ := b.GetDoc(ctx, "items", "old"); found {
		t.Error("deleted doc still present")
	}
	if _, found, _ := b.GetDoc(ctx, "items", "new"); !found {
		t.Error("indexed doc missing")
	}
}

func TestTemplateAppliedOnCreate(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	tmpl := map[string]any{
		"index_patterns": []string{"mem-data-*"},
		"template": map[string]any{
			"mappings": map[string]any{
				"properties": map[string]any{
					"embedding": map[string]any{"type": "knn_vector", "dimension": 8},
				},
			},
		},
	}
	if err := b.PutIndexTemplate(ctx, "mem-data-template-v1", tmpl); err != nil {
		t.Fatal(err)
	}
	mustCreate(t, b, "mem-data-v01-000001")

	mapping, err := b.GetMapping(ctx, "mem-data-v01-000001")
	if err != nil {
		t.Fatalf("GetMapping: %v", err)
	}
	props, _ := mapping["properties"].(map[string]any)
	emb, _ := props["embedding"].(map[string]any)
	if emb == nil {
		t.Fatalf("template mapping not applied: %v", mapping)
	}
	if dim := intOr(emb["dimension"], 0); dim != 8 {
		t.Errorf("dimension = %d, want 8", dim)
	}

	// Non-matching names stay bare.
	mustCreate(t, b, "other")
	mapping, _ = b.GetMapping(ctx, "other")
	if len(mapping) != 0 {
		t.Errorf("unexpected mapping on non-matching index: %v", mapping)
	}
}

func TestJournalReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	b, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustCreate(t, b, "items")
	mustIndex(t, b, "items", "a", map[string]any{"v": float64(1)})
	if err := b.SwapAlias(ctx, "data", "", "items"); err != nil {
		t.Fatal(err)
	}
	if err := b.PutIndexTemplate(ctx, "t1", map[string]any{"index_patterns": []string{"x-*"}}); err != nil {
		t.Fatal(err)
	}
	mustIndex(t, b, "items", "gone", map[string]any{"v": float64(2)})
	if _, err := b.DeleteDoc(ctx, "items", "gone"); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reloaded.Close()

	doc, found, err := reloaded.GetDoc(ctx, "data", "a")
	if err != nil || !found {
		t.Fatalf("doc after reload: %v, found %v", err, found)
	}
	if doc["v"] != float64(1) {
		t.Errorf("doc = %v", doc)
	}
	if _, found, _ := reloaded.GetDoc(ctx, "items", "gone"); found {
		t.Error("deleted doc resurrected by reload")
	}
	if exists, _ := reloaded.AliasExists(ctx, "data"); !exists {
		t.Error("alias lost on reload")
	}
	if _, ok := reloaded.templates["t1"]; !ok {
		t.Error("template lost on reload")
	}
}
