package store

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmem/memstore/internal/backend"
	"github.com/agentmem/memstore/internal/errs"
	"github.com/agentmem/memstore/internal/model"
	"github.com/agentmem/memstore/internal/ttl"
)

// BatchOutcome reports the result of one identity within a batch operation.
// Batches are not transactional; each item succeeds or fails on its own.
type BatchOutcome struct {
	Namespace model.Namespace
	Key       string
	Err       error
}

// MPut stores many items through one multi-get and one bulk request. Invalid
// items fail in place without blocking the rest of the batch.
func (s *Store) MPut(ctx context.Context, params []PutParams) (outcomes []BatchOutcome, err error) {
	start := time.Now()
	defer func() { s.logOp("mput", start, err) }()

	now := time.Now().UTC()
	outcomes = make([]BatchOutcome, len(params))
	drafts := make([]*model.Item, 0, len(params))
	ids := make([]string, 0, len(params))
	draftIndex := make([]int, 0, len(params))

	for i, p := range params {
		outcomes[i] = BatchOutcome{Namespace: p.Namespace, Key: p.Key}
		it, err := s.draft(ctx, p)
		if err != nil {
			outcomes[i].Err = err
			continue
		}
		drafts = append(drafts, it)
		ids = append(ids, model.DocID(p.Namespace, p.Key))
		draftIndex = append(draftIndex, i)
	}
	if len(drafts) == 0 {
		return outcomes, nil
	}

	existing, err := s.be.MultiGet(ctx, s.cfg.DataAlias(), ids)
	if err != nil {
		return nil, fmt.Errorf("bulk put lookup: %w", err)
	}

	ops := make([]backend.BulkOp, len(drafts))
	newFlags := make([]bool, len(drafts))
	for j, it := range drafts {
		p := params[draftIndex[j]]
		newFlags[j] = s.finalize(it, p, existing[j], existing[j] != nil, now)
		ops[j] = backend.BulkOp{
			Action: "index",
			Index:  s.cfg.DataAlias(),
			ID:     ids[j],
			Doc:    model.DocBody(it),
		}
	}

	results, err := s.be.Bulk(ctx, ops)
	if err != nil {
		return nil, fmt.Errorf("bulk put: %w", err)
	}
	// Only creates that actually landed move the ledger.
	newNamespaces := make(map[string]model.Namespace)
	newCounts := make(map[string]int)
	for j, r := range results {
		if j >= len(draftIndex) {
			break
		}
		i := draftIndex[j]
		if r.Err != nil {
			outcomes[i].Err = r.Err
			continue
		}
		if newFlags[j] {
			key := params[i].Namespace.Key()
			newNamespaces[key] = params[i].Namespace
			newCounts[key]++
		}
	}

	for key, ns := range newNamespaces {
		for n := 0; n < newCounts[key]; n++ {
			if err := s.ledger.RecordWrite(ctx, ns, now); err != nil {
				return outcomes, err
			}
		}
	}
	return outcomes, nil
}

// draft validates one put and builds the item up to TTL stamping: namespace,
// key, value, dimension check, and automatic embedding.
func (s *Store) draft(ctx context.Context, p PutParams) (*model.Item, error) {
	if err := p.Namespace.Validate(); err != nil {
		return nil, err
	}
	if err := model.ValidateKey(p.Key); err != nil {
		return nil, err
	}
	if p.Value == nil {
		return nil, fmt.Errorf("%w: value is required", errs.ErrValidation)
	}
	vec := p.Embedding
	if vec != nil && len(vec) != s.cfg.Dimension {
		return nil, &errs.DimensionError{Expected: s.cfg.Dimension, Actual: len(vec)}
	}
	if vec == nil && s.embedder != nil {
		if text := model.ExtractText(p.Value); text != "" {
			embedded, err := s.embedder.Embed(ctx, text)
			if err != nil {
				return nil, fmt.Errorf("embed item text: %w", err)
			}
			if len(embedded) != s.cfg.Dimension {
				return nil, &errs.DimensionError{Expected: s.cfg.Dimension, Actual: len(embedded)}
			}
			vec = embedded
		}
	}
	return &model.Item{
		Namespace: p.Namespace,
		Key:       p.Key,
		Value:     p.Value,
		Metadata:  p.Metadata,
		Embedding: vec,
	}, nil
}

// finalize merges the previously stored document into a drafted item and
// stamps timestamps and TTL. Reports whether the identity is a true create.
func (s *Store) finalize(it *model.Item, p PutParams, existing map[string]any, found bool, now time.Time) (isNew bool) {
	it.CreatedAt = now
	it.UpdatedAt = now
	if found {
		if created := model.ParseTime(existing["created_at"]); !created.IsZero() {
			it.CreatedAt = created
		}
	}
	if p.PinTTL && found {
		prev := model.ItemFromSource(existing)
		it.TTLMinutes = prev.TTLMinutes
		it.TTLExpiresAt = prev.TTLExpiresAt
	} else {
		it.TTLMinutes, it.TTLExpiresAt = ttl.Stamp(now, p.TTLMinutes, s.cfg.TTLDefaultMinutes)
	}
	return !found
}

// prepare builds the final item for a single put, fetching the existing
// document in one lookup.
func (s *Store) prepare(ctx context.Context, p PutParams, now time.Time) (*model.Item, bool, error) {
	it, err := s.draft(ctx, p)
	if err != nil {
		return nil, false, err
	}
	existing, found, err := s.be.GetDoc(ctx, s.cfg.DataAlias(), model.DocID(p.Namespace, p.Key))
	if err != nil {
		return nil, false, err
	}
	isNew := s.finalize(it, p, existing, found, now)
	return it, isNew, nil
}

// MGet retrieves many items in one multi-get request. The result is
// positional: items[i] corresponds to params[i] and is nil when the item is
// absent or expired.
func (s *Store) MGet(ctx context.Context, params []GetParams) (items []*model.Item, err error) {
	start := time.Now()
	defer func() { s.logOp("mget", start, err) }()

	ids := make([]string, len(params))
	for i, p := range params {
		if err := p.Namespace.Validate(); err != nil {
			return nil, err
		}
		if err := model.ValidateKey(p.Key); err != nil {
			return nil, err
		}
		ids[i] = model.DocID(p.Namespace, p.Key)
	}

	sources, err := s.be.MultiGet(ctx, s.cfg.DataAlias(), ids)
	if err != nil {
		return nil, fmt.Errorf("bulk get: %w", err)
	}

	now := time.Now().UTC()
	items = make([]*model.Item, len(params))
	for i, source := range sources {
		if source == nil {
			continue
		}
		it := model.ItemFromSource(source)
		if expired(it, now) {
			continue
		}
		items[i] = it
	}
	return items, nil
}

// MDelete removes many items through one multi-get and one bulk request and
// settles the ledger for the identities that actually existed.
func (s *Store) MDelete(ctx context.Context, params []DeleteParams) (outcomes []BatchOutcome, err error) {
	start := time.Now()
	defer func() { s.logOp("mdelete", start, err) }()

	now := time.Now().UTC()
	outcomes = make([]BatchOutcome, len(params))
	ids := make([]string, 0, len(params))
	opIndex := make([]int, 0, len(params))

	for i, p := range params {
		outcomes[i] = BatchOutcome{Namespace: p.Namespace, Key: p.Key}
		if err := p.Namespace.Validate(); err != nil {
			outcomes[i].Err = err
			continue
		}
		if err := model.ValidateKey(p.Key); err != nil {
			outcomes[i].Err = err
			continue
		}
		ids = append(ids, model.DocID(p.Namespace, p.Key))
		opIndex = append(opIndex, i)
	}
	if len(ids) == 0 {
		return outcomes, nil
	}

	sources, err := s.be.MultiGet(ctx, s.cfg.DataAlias(), ids)
	if err != nil {
		return nil, fmt.Errorf("bulk delete lookup: %w", err)
	}
	existed := make([]bool, len(ids))
	ops := make([]backend.BulkOp, len(ids))
	for j, id := range ids {
		existed[j] = sources[j] != nil
		ops[j] = backend.BulkOp{Action: "delete", Index: s.cfg.DataAlias(), ID: id}
	}

	results, err := s.be.Bulk(ctx, ops)
	if err != nil {
		return nil, fmt.Errorf("bulk delete: %w", err)
	}
	existedNamespaces := make(map[string]model.Namespace)
	existedCounts := make(map[string]int)
	for j, r := range results {
		if j >= len(opIndex) {
			break
		}
		i := opIndex[j]
		if r.Err != nil {
			outcomes[i].Err = r.Err
			continue
		}
		if existed[j] {
			key := params[i].Namespace.Key()
			existedNamespaces[key] = params[i].Namespace
			existedCounts[key]++
		}
	}

	for key, ns := range existedNamespaces {
		if err := s.ledger.RecordDelete(ctx, ns, existedCounts[key], now); err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}
