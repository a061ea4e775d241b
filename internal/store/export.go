package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/agentmem/memstore/internal/model"
	"github.com/agentmem/memstore/internal/ttl"
)

const defaultExportPage = 500

// Export writes all live items as JSON lines, optionally scoped to a
// namespace subtree. Expired documents are excluded the same way reads
// exclude them.
func (s *Store) Export(ctx context.Context, w io.Writer, prefix model.Namespace) (n int, err error) {
	start := time.Now()
	defer func() { s.logOp("export", start, err) }()

	now := time.Now().UTC()
	filters := []map[string]any{ttl.FilterClause(now)}
	if len(prefix) > 0 {
		if err := prefix.Validate(); err != nil {
			return 0, err
		}
		key := prefix.Key()
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

	// Pages walk the unique (namespace_key, key) sort with search_after, so
	// exports are not capped by the engine's result window.
	enc := json.NewEncoder(w)
	var after []any
	for {
		body := map[string]any{
			"query": map[string]any{"bool": map[string]any{"filter": filters}},
			"sort":  []map[string]any{{"namespace_key": "asc"}, {"key": "asc"}},
			"size":  s.exportPage,
		}
		if after != nil {
			body["search_after"] = after
		}
		res, err := s.be.Search(ctx, s.cfg.DataAlias(), body)
		if err != nil {
			return n, fmt.Errorf("export page after %v: %w", after, err)
		}
		for _, hit := range res.Hits {
			if err := enc.Encode(model.ItemFromSource(hit.Source)); err != nil {
				return n, fmt.Errorf("encode item: %w", err)
			}
			n++
		}
		if len(res.Hits) < s.exportPage {
			return n, nil
		}
		last := res.Hits[len(res.Hits)-1].Source
		after = []any{last["namespace_key"], last["key"]}
	}
}

// Import reads JSON lines produced by Export and stores them. TTLs are
// restamped from each item's ttl_minutes; original expiry instants are not
// preserved.
func (s *Store) Import(ctx context.Context, r io.Reader) (n int, err error) {
	start := time.Now()
	defer func() { s.logOp("import", start, err) }()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var it model.Item
		if err := json.Unmarshal(line, &it); err != nil {
			return n, fmt.Errorf("line %d: %w", n+1, err)
		}
		if _, err := s.Put(ctx, PutParams{
			Namespace:  it.Namespace,
			Key:        it.Key,
			Value:      it.Value,
			Metadata:   it.Metadata,
			Embedding:  it.Embedding,
			TTLMinutes: it.TTLMinutes,
		}); err != nil {
			return n, fmt.Errorf("import %s/%s: %w", it.Namespace, it.Key, err)
		}
		n++
	}
	return n, sc.Err()
}
