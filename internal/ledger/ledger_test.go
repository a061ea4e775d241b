package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentmem/memstore/internal/backend/memindex"
	"github.com/agentmem/memstore/internal/model"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	be := memindex.New()
	if err := be.CreateIndex(context.Background(), "ns", nil); err != nil {
		t.Fatal(err)
	}
	return New(be, "ns", nil)
}

func find(entries []model.NamespaceStats, ns model.Namespace) *model.NamespaceStats {
	for i := range entries {
		if entries[i].Namespace.Equal(ns) {
			return &entries[i]
		}
	}
	return nil
}

func TestRecordWriteAndDelete(t *testing.T) {
	ctx := context.Background()
	lg := newTestLedger(t)
	ns := model.Namespace{"prefs", "u1"}
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	if err := lg.RecordWrite(ctx, ns, t0); err != nil {
		t.Fatal(err)
	}
	if err := lg.RecordWrite(ctx, ns, t1); err != nil {
		t.Fatal(err)
	}

	entries, err := lg.List(ctx, ListParams{})
	if err != nil {
		t.Fatal(err)
	}
	e := find(entries, ns)
	if e == nil {
		t.Fatalf("namespace missing from %v", entries)
	}
	if e.DocCount != 2 {
		t.Errorf("DocCount = %d, want 2", e.DocCount)
	}
	if !e.FirstSeenAt.Equal(t0) {
		t.Errorf("FirstSeenAt = %v, want %v (creation time preserved)", e.FirstSeenAt, t0)
	}
	if !e.LastWriteAt.Equal(t1) {
		t.Errorf("LastWriteAt = %v, want %v", e.LastWriteAt, t1)
	}

	if err := lg.RecordDelete(ctx, ns, 1, t1); err != nil {
		t.Fatal(err)
	}
	entries, _ = lg.List(ctx, ListParams{})
	if e := find(entries, ns); e.DocCount != 1 {
		t.Errorf("DocCount after delete = %d, want 1", e.DocCount)
	}
}

func TestDeleteClampsAtZero(t *testing.T) {
	ctx := context.Background()
	lg := newTestLedger(t)
	ns := model.Namespace{"prefs", "u1"}
	now := time.Now().UTC()

	if err := lg.RecordWrite(ctx, ns, now); err != nil {
		t.Fatal(err)
	}
	// Over-deleting converges to zero, never negative.
	if err := lg.RecordDelete(ctx, ns, 5, now); err != nil {
		t.Fatal(err)
	}
	entries, err := lg.List(ctx, ListParams{IncludeEmpty: true})
	if err != nil {
		t.Fatal(err)
	}
	e := find(entries, ns)
	if e == nil || e.DocCount != 0 {
		t.Fatalf("entry = %+v, want clamped 0", e)
	}
}

func TestConcurrentCounterConvergence(t *testing.T) {
	ctx := context.Background()
	lg := newTestLedger(t)
	ns := model.Namespace{"prefs", "u1"}
	now := time.Now().UTC()

	// N concurrent writes followed by M concurrent deletes must converge
	// to max(0, N-M); the scripted upsert is atomic per document.
	const writes, deletes = 40, 25

	var wg sync.WaitGroup
	errCh := make(chan error, writes+deletes)
	for i := 0; i < writes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- lg.RecordWrite(ctx, ns, now)
		}()
	}
	wg.Wait()
	for i := 0; i < deletes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- lg.RecordDelete(ctx, ns, 1, now)
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatal(err)
		}
	}

	entries, err := lg.List(ctx, ListParams{})
	if err != nil {
		t.Fatal(err)
	}
	e := find(entries, ns)
	if e == nil {
		t.Fatalf("namespace missing from %v", entries)
	}
	if e.DocCount != writes-deletes {
		t.Errorf("DocCount = %d, want %d", e.DocCount, writes-deletes)
	}

	// Deleting past zero under concurrency still clamps.
	for i := 0; i < writes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lg.RecordDelete(ctx, ns, 1, now); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	entries, _ = lg.List(ctx, ListParams{IncludeEmpty: true})
	if e := find(entries, ns); e == nil || e.DocCount != 0 {
		t.Errorf("entry = %+v, want clamped 0", e)
	}
}

func TestTombstonesHiddenByDefault(t *testing.T) {
	ctx := context.Background()
	lg := newTestLedger(t)
	ns := model.Namespace{"prefs", "u1"}
	now := time.Now().UTC()

	if err := lg.RecordWrite(ctx, ns, now); err != nil {
		t.Fatal(err)
	}
	if err := lg.RecordDelete(ctx, ns, 1, now); err != nil {
		t.Fatal(err)
	}

	entries, _ := lg.List(ctx, ListParams{})
	if find(entries, ns) != nil {
		t.Error("tombstoned namespace listed without IncludeEmpty")
	}
	entries, _ = lg.List(ctx, ListParams{IncludeEmpty: true})
	if find(entries, ns) == nil {
		t.Error("tombstoned namespace missing with IncludeEmpty")
	}
}

func TestListPrefix(t *testing.T) {
	ctx := context.Background()
	lg := newTestLedger(t)
	now := time.Now().UTC()

	namespaces := []model.Namespace{
		{"agents", "a"},
		{"agents", "a", "mem"},
		{"agents2", "x"},
		{"prefs", "u1"},
	}
	for _, ns := range namespaces {
		if err := lg.RecordWrite(ctx, ns, now); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := lg.List(ctx, ListParams{Prefix: model.Namespace{"agents"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2: %v", len(entries), entries)
	}
	// "agents2" shares a string prefix but not a segment prefix.
	if find(entries, model.Namespace{"agents2", "x"}) != nil {
		t.Error("sibling namespace leaked into prefix listing")
	}
	// Sorted by encoded path.
	if !entries[0].Namespace.Equal(model.Namespace{"agents", "a"}) {
		t.Errorf("first entry = %v", entries[0].Namespace)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	lg := newTestLedger(t)
	now := time.Now().UTC()

	nsA := model.Namespace{"a"}
	nsB := model.Namespace{"b"}
	for i := 0; i < 3; i++ {
		if err := lg.RecordWrite(ctx, nsA, now); err != nil {
			t.Fatal(err)
		}
	}
	if err := lg.RecordWrite(ctx, nsB, now); err != nil {
		t.Fatal(err)
	}
	// Tombstoned namespaces count toward neither total.
	nsC := model.Namespace{"c"}
	if err := lg.RecordWrite(ctx, nsC, now); err != nil {
		t.Fatal(err)
	}
	if err := lg.RecordDelete(ctx, nsC, 1, now); err != nil {
		t.Fatal(err)
	}

	stats, err := lg.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalItems != 4 {
		t.Errorf("TotalItems = %d, want 4", stats.TotalItems)
	}
	if stats.NamespaceCount != 2 {
		t.Errorf("NamespaceCount = %d, want 2", stats.NamespaceCount)
	}
}
