// Package schema manages index templates, physical indices, and the alias
// clients address.
//
// Data lives in versioned physical indices (prefix-data-vNN-000001) behind a
// stable alias (prefix-data). Migrations install the new template, create the
// new physical index, and repoint the alias in one atomic action; old indices
// are left in place for operator-paced reindex and cleanup.
package schema

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"regexp"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentmem/memstore/internal/backend"
	"github.com/agentmem/memstore/internal/config"
	"github.com/agentmem/memstore/internal/errs"
)

var versionPattern = regexp.MustCompile(`-data-v(\d+)-\d+$`)

// Manager owns schema installation and migration.
type Manager struct {
	cfg config.Settings
	be  backend.Backend
	log *slog.Logger
}

func NewManager(cfg config.Settings, be backend.Backend, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{cfg: cfg, be: be, log: log}
}

// EnsureInstalled makes the schema ready for traffic: current template
// installed, bootstrap physical index and namespace index created, alias
// pointing at the bootstrap index. Safe to call repeatedly; an existing
// installation is verified, not recreated.
func (m *Manager) EnsureInstalled(ctx context.Context) error {
	if err := m.be.PutIndexTemplate(ctx, m.cfg.TemplateName(config.TemplateVersion), dataTemplateBody(m.cfg)); err != nil {
		return fmt.Errorf("install template: %w", err)
	}

	nsIndex := m.cfg.NamespaceIndex()
	exists, err := m.be.IndexExists(ctx, nsIndex)
	if err != nil {
		return fmt.Errorf("check namespace index: %w", err)
	}
	if !exists {
		if err := m.be.CreateIndex(ctx, nsIndex, namespaceIndexBody()); err != nil {
			return fmt.Errorf("create namespace index: %w", err)
		}
	}

	alias := m.cfg.DataAlias()
	aliased, err := m.be.AliasExists(ctx, alias)
	if err != nil {
		return fmt.Errorf("check alias: %w", err)
	}
	if !aliased {
		physical := m.cfg.PhysicalIndex(config.TemplateVersion)
		exists, err := m.be.IndexExists(ctx, physical)
		if err != nil {
			return fmt.Errorf("check data index: %w", err)
		}
		if !exists {
			if err := m.be.CreateIndex(ctx, physical, nil); err != nil {
				return fmt.Errorf("create data index: %w", err)
			}
		}
		if err := m.be.SwapAlias(ctx, alias, "", physical); err != nil {
			return fmt.Errorf("point alias: %w", err)
		}
		m.log.Info("schema installed", "alias", alias, "index", physical, "version", config.TemplateVersion)
	}

	return m.verifyDimension(ctx)
}

// verifyDimension compares the live embedding mapping under the alias with
// the configured dimensionality. A mismatch is fatal and never retried; it
// requires an operator-triggered migration.
func (m *Manager) verifyDimension(ctx context.Context) error {
	alias := m.cfg.DataAlias()
	current, err := m.CurrentIndex(ctx)
	if err != nil || current == "" {
		return err
	}
	mapping, err := m.be.GetMapping(ctx, current)
	if err != nil {
		return fmt.Errorf("get mapping for %s: %w", current, err)
	}
	props, _ := mapping["properties"].(map[string]any)
	embedding, _ := props["embedding"].(map[string]any)
	if embedding == nil {
		return nil
	}
	dim, ok := numericDim(embedding["dimension"])
	if !ok {
		return nil
	}
	if dim != m.cfg.Dimension {
		return &errs.SchemaError{
			Alias:  alias,
			Reason: fmt.Sprintf("index %s has embedding dimension %d, configured %d", current, dim, m.cfg.Dimension),
		}
	}
	return nil
}

// CurrentIndex resolves the physical index the data alias points at. Empty
// when the alias does not exist yet.
func (m *Manager) CurrentIndex(ctx context.Context) (string, error) {
	indices, err := m.be.ResolveAlias(ctx, m.cfg.DataAlias())
	if err != nil {
		return "", fmt.Errorf("resolve alias: %w", err)
	}
	if len(indices) == 0 {
		return "", nil
	}
	return indices[0], nil
}

// CurrentVersion parses the template version out of the active physical index
// name. Zero when the alias is unset or the name does not follow the
// versioned pattern.
func (m *Manager) CurrentVersion(ctx context.Context) (int, error) {
	current, err := m.CurrentIndex(ctx)
	if err != nil || current == "" {
		return 0, err
	}
	match := versionPattern.FindStringSubmatch(current)
	if match == nil {
		return 0, nil
	}
	v, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, nil
	}
	return v, nil
}

// MigrateParams controls a schema migration.
type MigrateParams struct {
	// NewVersion is the target template version. Must exceed the version the
	// alias currently serves.
	NewVersion int

	// Rollover creates the target physical index from the new template and
	// swaps the alias to it. Without rollover, NewIndex names the standalone
	// index to create for an out-of-band reindex; the alias is left untouched.
	Rollover bool
	NewIndex string
}

// MigrateResult reports what a migration changed.
type MigrateResult struct {
	OpID       string
	Alias      string
	OldIndex   string
	NewIndex   string
	Template   string
	RolledOver bool
	Duration   time.Duration
}

// Migrate installs the template for the target version and creates the new
// physical index. A rollover additionally repoints the alias in one atomic
// action; the previous physical index stays readable under its own name until
// the operator removes it. Without rollover the new index is created
// standalone and the alias keeps serving the old index until a later rollover.
func (m *Manager) Migrate(ctx context.Context, p MigrateParams) (*MigrateResult, error) {
	start := time.Now()
	opID := ulid.MustNew(ulid.Timestamp(start), rand.New(rand.NewSource(start.UnixNano()))).String()

	currentVersion, err := m.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	if p.NewVersion <= currentVersion {
		return nil, fmt.Errorf("%w: target version %d must exceed current version %d",
			errs.ErrValidation, p.NewVersion, currentVersion)
	}

	oldIndex, err := m.CurrentIndex(ctx)
	if err != nil {
		return nil, err
	}

	newIndex := p.NewIndex
	if p.Rollover {
		newIndex = m.cfg.PhysicalIndex(p.NewVersion)
	} else if newIndex == "" {
		return nil, fmt.Errorf("%w: migration without rollover requires the target index name", errs.ErrValidation)
	}

	tmplName := m.cfg.TemplateName(p.NewVersion)
	if err := m.be.PutIndexTemplate(ctx, tmplName, dataTemplateBody(m.cfg)); err != nil {
		return nil, fmt.Errorf("install template %s: %w", tmplName, err)
	}

	exists, err := m.be.IndexExists(ctx, newIndex)
	if err != nil {
		return nil, fmt.Errorf("check target index: %w", err)
	}
	if exists && !p.Rollover {
		return nil, fmt.Errorf("%w: target index %s already exists", errs.ErrValidation, newIndex)
	}
	if !exists {
		if err := m.be.CreateIndex(ctx, newIndex, nil); err != nil {
			return nil, fmt.Errorf("create target index: %w", err)
		}
	}

	if p.Rollover {
		if err := m.be.SwapAlias(ctx, m.cfg.DataAlias(), oldIndex, newIndex); err != nil {
			return nil, fmt.Errorf("swap alias: %w", err)
		}
	}

	res := &MigrateResult{
		OpID:       opID,
		Alias:      m.cfg.DataAlias(),
		OldIndex:   oldIndex,
		NewIndex:   newIndex,
		Template:   tmplName,
		RolledOver: p.Rollover,
		Duration:   time.Since(start),
	}
	m.log.Info("schema migrated",
		"op_id", res.OpID, "alias", res.Alias,
		"old_index", res.OldIndex, "new_index", res.NewIndex,
		"version", p.NewVersion)
	return res, nil
}

func numericDim(v any) (int, bool) {
	switch vv := v.(type) {
	case int:
		return vv, true
	case int64:
		return int(vv), true
	case float64:
		return int(vv), true
	}
	return 0, false
}
