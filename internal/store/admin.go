package store

import (
	"context"
	"time"

	"github.com/agentmem/memstore/internal/schema"
	"github.com/agentmem/memstore/internal/ttl"
)

// Setup installs the index template, bootstrap indices, and alias. Idempotent.
func (s *Store) Setup(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { s.logOp("setup", start, err) }()
	return s.schema.EnsureInstalled(ctx)
}

// Migrate moves the data alias to a new template version.
func (s *Store) Migrate(ctx context.Context, p schema.MigrateParams) (res *schema.MigrateResult, err error) {
	start := time.Now()
	defer func() { s.logOp("migrate", start, err) }()
	return s.schema.Migrate(ctx, p)
}

// Sweep removes expired documents and settles the ledger. One sweep runs at
// a time per store handle; concurrent callers queue on the store mutex.
func (s *Store) Sweep(ctx context.Context, p ttl.SweepParams) (res *ttl.SweepResult, err error) {
	start := time.Now()
	defer func() { s.logOp("sweep", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err = s.sweeper.Sweep(ctx, p)
	if err == nil && res != nil {
		s.lastSweep = res
	}
	return res, err
}

// Health describes the store's operational state.
type Health struct {
	Status          string           `json:"status"`
	Alias           string           `json:"alias"`
	AliasTarget     string           `json:"alias_target,omitempty"`
	TemplateVersion int              `json:"template_version,omitempty"`
	LastSweep       *ttl.SweepResult `json:"last_sweep,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// GetHealth reports reachability and schema state. A failed probe yields a
// degraded Health value, not an error.
func (s *Store) GetHealth(ctx context.Context) *Health {
	h := &Health{Status: "green", Alias: s.cfg.DataAlias()}

	if err := s.be.Ping(ctx); err != nil {
		h.Status = "red"
		h.Error = err.Error()
		return h
	}
	target, err := s.schema.CurrentIndex(ctx)
	if err != nil {
		h.Status = "red"
		h.Error = err.Error()
		return h
	}
	if target == "" {
		h.Status = "yellow"
		h.Error = "alias not installed; run setup"
	}
	h.AliasTarget = target
	if v, err := s.schema.CurrentVersion(ctx); err == nil {
		h.TemplateVersion = v
	}

	s.mu.Lock()
	h.LastSweep = s.lastSweep
	s.mu.Unlock()
	return h
}
