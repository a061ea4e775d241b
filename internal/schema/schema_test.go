package schema

import (
	"context"
	"errors"
	"testing"

	"github.com/agentmem/memstore/internal/backend/memindex"
	"github.com/agentmem/memstore/internal/config"
	"github.com/agentmem/memstore/internal/errs"
)

func newTestManager(t *testing.T) (*Manager, *memindex.Backend, config.Settings) {
	t.Helper()
	cfg := config.Default()
	cfg.Embedded = true
	cfg.IndexPrefix = "mem"
	cfg.Dimension = 8
	be := memindex.New()
	return NewManager(cfg, be, nil), be, cfg
}

func TestEnsureInstalled(t *testing.T) {
	ctx := context.Background()
	m, be, cfg := newTestManager(t)

	if err := m.EnsureInstalled(ctx); err != nil {
		t.Fatalf("EnsureInstalled: %v", err)
	}

	if exists, _ := be.IndexExists(ctx, cfg.NamespaceIndex()); !exists {
		t.Error("namespace index missing")
	}
	if exists, _ := be.IndexExists(ctx, cfg.PhysicalIndex(config.TemplateVersion)); !exists {
		t.Error("bootstrap data index missing")
	}
	target, err := m.CurrentIndex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if target != cfg.PhysicalIndex(config.TemplateVersion) {
		t.Errorf("alias target = %q", target)
	}
	if v, _ := m.CurrentVersion(ctx); v != config.TemplateVersion {
		t.Errorf("CurrentVersion = %d", v)
	}

	// Second run must verify, not recreate.
	if err := m.EnsureInstalled(ctx); err != nil {
		t.Fatalf("second EnsureInstalled: %v", err)
	}
}

func TestEnsureInstalledDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	m, be, cfg := newTestManager(t)
	if err := m.EnsureInstalled(ctx); err != nil {
		t.Fatal(err)
	}

	// A second handle configured with a different dimension must refuse the
	// existing installation.
	cfg2 := cfg
	cfg2.Dimension = 16
	m2 := NewManager(cfg2, be, nil)
	err := m2.EnsureInstalled(ctx)
	var schemaErr *errs.SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("EnsureInstalled = %v, want SchemaError", err)
	}
	if schemaErr.Alias != cfg.DataAlias() {
		t.Errorf("SchemaError.Alias = %q", schemaErr.Alias)
	}
}

func TestMigrateRollover(t *testing.T) {
	ctx := context.Background()
	m, be, cfg := newTestManager(t)
	if err := m.EnsureInstalled(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := m.Migrate(ctx, MigrateParams{NewVersion: 2, Rollover: true})
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if res.OpID == "" {
		t.Error("missing op id")
	}
	if res.OldIndex != cfg.PhysicalIndex(1) || res.NewIndex != cfg.PhysicalIndex(2) {
		t.Errorf("indices = %q -> %q", res.OldIndex, res.NewIndex)
	}
	if v, _ := m.CurrentVersion(ctx); v != 2 {
		t.Errorf("version after migrate = %d", v)
	}

	// Writes through the alias land in the new physical index.
	if err := be.IndexDoc(ctx, cfg.DataAlias(), "doc", map[string]any{"v": 1}); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := be.GetDoc(ctx, cfg.PhysicalIndex(2), "doc"); !found {
		t.Error("write did not land in new physical index")
	}
	if _, found, _ := be.GetDoc(ctx, cfg.PhysicalIndex(1), "doc"); found {
		t.Error("write landed in old physical index")
	}
}

func TestMigrateValidations(t *testing.T) {
	ctx := context.Background()
	m, be, _ := newTestManager(t)
	if err := m.EnsureInstalled(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Migrate(ctx, MigrateParams{NewVersion: 1, Rollover: true}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("same-version migrate = %v, want ErrValidation", err)
	}
	if _, err := m.Migrate(ctx, MigrateParams{NewVersion: 2}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("no rollover, no index = %v, want ErrValidation", err)
	}
	if err := be.CreateIndex(ctx, "taken", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Migrate(ctx, MigrateParams{NewVersion: 2, NewIndex: "taken"}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("pre-existing standalone target = %v, want ErrValidation", err)
	}
}

func TestMigrateStandalone(t *testing.T) {
	ctx := context.Background()
	m, be, cfg := newTestManager(t)
	if err := m.EnsureInstalled(ctx); err != nil {
		t.Fatal(err)
	}

	target := cfg.IndexPrefix + "-data-v02-000001"
	res, err := m.Migrate(ctx, MigrateParams{NewVersion: 2, NewIndex: target})
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if res.NewIndex != target || res.RolledOver {
		t.Errorf("result = %+v, want standalone creation of %q", res, target)
	}
	if exists, _ := be.IndexExists(ctx, target); !exists {
		t.Error("standalone index was not created")
	}

	// The alias keeps serving the old index until a later rollover.
	if got, _ := m.CurrentIndex(ctx); got != cfg.PhysicalIndex(1) {
		t.Errorf("alias target = %q, want %q", got, cfg.PhysicalIndex(1))
	}
	if err := be.IndexDoc(ctx, cfg.DataAlias(), "doc", map[string]any{"v": 1}); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := be.GetDoc(ctx, cfg.PhysicalIndex(1), "doc"); !found {
		t.Error("write through alias left the old physical index")
	}
	if _, found, _ := be.GetDoc(ctx, target, "doc"); found {
		t.Error("write through alias landed in the standalone index")
	}
}
