package ttl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentmem/memstore/internal/backend"
	"github.com/agentmem/memstore/internal/ledger"
	"github.com/agentmem/memstore/internal/model"
)

// Sweeper physically removes expired documents and settles the ledger.
type Sweeper struct {
	be        backend.Backend
	dataIndex string
	ledger    *ledger.Ledger
	batchSize int
	log       *slog.Logger
}

func NewSweeper(be backend.Backend, dataIndex string, lg *ledger.Ledger, batchSize int, log *slog.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sweeper{be: be, dataIndex: dataIndex, ledger: lg, batchSize: batchSize, log: log}
}

// SweepParams bounds a single sweep run.
type SweepParams struct {
	// BatchSize overrides the configured batch size when positive.
	BatchSize int

	// MaxBatches bounds the run; zero means sweep until no expired documents
	// remain.
	MaxBatches int
}

// SweepResult reports what one sweep run removed.
type SweepResult struct {
	RunID   string        `json:"run_id"`
	Deleted int64         `json:"deleted"`
	Batches int           `json:"batches"`
	Elapsed time.Duration `json:"elapsed"`
}

// Sweep deletes expired documents in batches. Each batch searches for expired
// documents, bulk-deletes them, then decrements the ledger per namespace.
// The run is crash-tolerant rather than transactional: a crash between the
// delete and the ledger update leaves counts high until the namespace is
// written again, which the ledger's clamped decrement absorbs.
func (s *Sweeper) Sweep(ctx context.Context, p SweepParams) (*SweepResult, error) {
	start := time.Now()
	res := &SweepResult{
		RunID: ulid.MustNew(ulid.Timestamp(start), rand.New(rand.NewSource(start.UnixNano()))).String(),
	}
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = s.batchSize
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.MaxBatches > 0 && res.Batches >= p.MaxBatches {
			break
		}

		// The expiry cutoff is re-evaluated per batch so documents expiring
		// mid-run are swept in the same run.
		now := time.Now()
		body := map[string]any{
			"query":   ExpiredClause(now),
			"size":    batchSize,
			"sort":    []map[string]any{{"ttl_expires_at": "asc"}},
			"_source": []string{"namespace"},
		}
		found, err := s.be.Search(ctx, s.dataIndex, body)
		if err != nil {
			return res, fmt.Errorf("sweep %s: search expired: %w", res.RunID, err)
		}
		if len(found.Hits) == 0 {
			break
		}

		ops := make([]backend.BulkOp, 0, len(found.Hits))
		namespaces := make([]model.Namespace, 0, len(found.Hits))
		for _, hit := range found.Hits {
			ops = append(ops, backend.BulkOp{Action: "delete", Index: s.dataIndex, ID: hit.ID})
			namespaces = append(namespaces, model.NamespaceFromAny(hit.Source["namespace"]))
		}
		outcomes, err := s.be.Bulk(ctx, ops)
		if err != nil {
			return res, fmt.Errorf("sweep %s: bulk delete: %w", res.RunID, err)
		}

		// Only confirmed deletions move the ledger; a failed delete stays in
		// the index and will be swept again.
		var deleted int64
		perNamespace := make(map[string]model.Namespace)
		counts := make(map[string]int)
		for i, o := range outcomes {
			if o.Err != nil {
				s.log.Warn("sweep delete failed", "run_id", res.RunID, "id", o.ID, "err", o.Err)
				continue
			}
			deleted++
			if ns := namespaces[i]; len(ns) > 0 {
				key := ns.Key()
				perNamespace[key] = ns
				counts[key]++
			}
		}
		res.Deleted += deleted
		res.Batches++

		// A batch where every delete failed would refetch the same documents
		// forever; stop instead of spinning on them.
		if deleted == 0 {
			s.log.Warn("sweep made no progress, stopping", "run_id", res.RunID, "batch", res.Batches)
			break
		}

		for key, ns := range perNamespace {
			if err := s.ledger.RecordDelete(ctx, ns, counts[key], now); err != nil {
				return res, fmt.Errorf("sweep %s: ledger decrement %s: %w", res.RunID, ns, err)
			}
		}

		if len(found.Hits) < batchSize {
			break
		}
	}

	res.Elapsed = time.Since(start)
	s.log.Info("sweep finished",
		"run_id", res.RunID, "deleted", res.Deleted,
		"batches", res.Batches, "elapsed", res.Elapsed)
	return res, nil
}
