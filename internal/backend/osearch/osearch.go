// Package osearch implements backend.Backend against an OpenSearch cluster.
//
// The client handle comes from the caller; connection and authentication
// setup belong to the surrounding deployment. Throttling and transient
// server errors (429/502/503/504) are retried with exponential backoff up to
// a bounded attempt count; every other error propagates immediately.
package osearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/agentmem/memstore/internal/backend"
	"github.com/agentmem/memstore/internal/errs"
)

// Client adapts an OpenSearch client to backend.Backend.
type Client struct {
	os         *opensearch.Client
	maxRetries int
	backoff    time.Duration
	log        *slog.Logger
}

// Option configures the adapter.
type Option func(*Client)

// WithRetry bounds the retry policy for transient failures.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.backoff = backoff
	}
}

// WithLogger sets the retry/bulk warning logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New wraps an existing OpenSearch client handle.
func New(client *opensearch.Client, opts ...Option) *Client {
	c := &Client{
		os:         client,
		maxRetries: 3,
		backoff:    250 * time.Millisecond,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClient builds a basic-auth client for the CLI; production deployments
// construct their own opensearch.Client (sigv4, proxies, ...) and use New.
func NewClient(hosts []string, username, password string, opts ...Option) (*Client, error) {
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: hosts,
		Username:  username,
		Password:  password,
	})
	if err != nil {
		return nil, fmt.Errorf("create opensearch client: %w", err)
	}
	return New(client, opts...), nil
}

// do executes a request, retrying throttling/transient statuses with
// exponential backoff and jitter.
func (c *Client) do(ctx context.Context, fn func(ctx context.Context) (*opensearchapi.Response, error)) (*opensearchapi.Response, error) {
	var lastStatus int
	attempts := c.maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(c.backoff)))
			c.log.Debug("retrying backend call", "attempt", attempt, "delay", delay, "status", lastStatus)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		res, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if res.IsError() && errs.IsRetryable(res.StatusCode) {
			lastStatus = res.StatusCode
			res.Body.Close()
			continue
		}
		return res, nil
	}
	return nil, errs.NewTransient(lastStatus, attempts, nil)
}

// decode reads a response body into v and closes it. Error statuses become
// Go errors; statuses listed in okStatuses are tolerated.
func decode(res *opensearchapi.Response, v any, okStatuses ...int) error {
	defer res.Body.Close()
	if res.IsError() {
		for _, s := range okStatuses {
			if res.StatusCode == s {
				if v != nil {
					json.NewDecoder(res.Body).Decode(v)
				}
				return nil
			}
		}
		raw, _ := io.ReadAll(res.Body)
		return fmt.Errorf("backend error (status %d): %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	if v == nil {
		io.Copy(io.Discard, res.Body)
		return nil
	}
	return json.NewDecoder(res.Body).Decode(v)
}

// encode marshals a request body once; callers wrap the bytes in a fresh
// reader per attempt so retries never replay a consumed stream.
func encode(body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return raw, nil
}

func (c *Client) IndexDoc(ctx context.Context, index, id string, doc map[string]any) error {
	raw, err := encode(doc)
	if err != nil {
		return err
	}
	res, err := c.do(ctx, func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.IndexRequest{Index: index, DocumentID: id, Body: bytes.NewReader(raw)}.Do(ctx, c.os)
	})
	if err != nil {
		return err
	}
	return decode(res, nil)
}

func (c *Client) GetDoc(ctx context.Context, index, id string) (map[string]any, bool, error) {
	res, err := c.do(ctx, func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.GetRequest{Index: index, DocumentID: id}.Do(ctx, c.os)
	})
	if err != nil {
		return nil, false, err
	}
	if res.StatusCode == 404 {
		res.Body.Close()
		return nil, false, nil
	}
	var out struct {
		Found  bool           `json:"found"`
		Source map[string]any `json:"_source"`
	}
	if err := decode(res, &out); err != nil {
		return nil, false, err
	}
	return out.Source, out.Found, nil
}

func (c *Client) MultiGet(ctx context.Context, index string, ids []string) ([]map[string]any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := encode(map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	res, err := c.do(ctx, func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.MgetRequest{Index: index, Body: bytes.NewReader(raw)}.Do(ctx, c.os)
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Docs []struct {
			Found  bool           `json:"found"`
			Source map[string]any `json:"_source"`
		} `json:"docs"`
	}
	if err := decode(res, &out); err != nil {
		return nil, err
	}
	// The engine answers in request order.
	sources := make([]map[string]any, len(ids))
	for i, d := range out.Docs {
		if i < len(sources) && d.Found {
			sources[i] = d.Source
		}
	}
	return sources, nil
}

func (c *Client) DeleteDoc(ctx context.Context, index, id string) (bool, error) {
	res, err := c.do(ctx, func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.DeleteRequest{Index: index, DocumentID: id}.Do(ctx, c.os)
	})
	if err != nil {
		return false, err
	}
	if res.StatusCode == 404 {
		res.Body.Close()
		return false, nil
	}
	return true, decode(res, nil)
}

func (c *Client) Bulk(ctx context.Context, ops []backend.BulkOp) ([]backend.BulkItemResult, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		meta := map[string]any{
			op.Action: map[string]any{"_index": op.Index, "_id": op.ID},
		}
		if err := enc.Encode(meta); err != nil {
			return nil, fmt.Errorf("encode bulk action: %w", err)
		}
		if op.Action == "index" {
			if err := enc.Encode(op.Doc); err != nil {
				return nil, fmt.Errorf("encode bulk document: %w", err)
			}
		}
	}

	res, err := c.do(ctx, func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.BulkRequest{Body: bytes.NewReader(buf.Bytes())}.Do(ctx, c.os)
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Items []map[string]struct {
			ID     string          `json:"_id"`
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"items"`
	}
	if err := decode(res, &out); err != nil {
		return nil, err
	}

	results := make([]backend.BulkItemResult, 0, len(out.Items))
	for i, item := range out.Items {
		for _, detail := range item {
			r := backend.BulkItemResult{ID: detail.ID}
			if r.ID == "" && i < len(ops) {
				r.ID = ops[i].ID
			}
			// Deleting an absent document reports 404; that is idempotent
			// success, not a failure.
			if len(detail.Error) > 0 && detail.Status != 404 {
				r.Err = fmt.Errorf("bulk item failed (status %d): %s", detail.Status, detail.Error)
			}
			results = append(results, r)
		}
	}
	return results, nil
}

func (c *Client) Search(ctx context.Context, index string, body map[string]any) (*backend.SearchResult, error) {
	raw, err := encode(body)
	if err != nil {
		return nil, err
	}
	res, err := c.do(ctx, func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.SearchRequest{Index: []string{index}, Body: bytes.NewReader(raw)}.Do(ctx, c.os)
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				ID     string         `json:"_id"`
				Score  *float64       `json:"_score"`
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := decode(res, &out); err != nil {
		return nil, err
	}
	result := &backend.SearchResult{Total: out.Hits.Total.Value}
	for _, h := range out.Hits.Hits {
		hit := backend.Hit{ID: h.ID, Source: h.Source}
		if h.Score != nil {
			hit.Score = *h.Score
		}
		result.Hits = append(result.Hits, hit)
	}
	return result, nil
}

func (c *Client) Count(ctx context.Context, index string, body map[string]any) (int64, error) {
	var raw []byte
	if body != nil {
		var err error
		raw, err = encode(body)
		if err != nil {
			return 0, err
		}
	}
	res, err := c.do(ctx, func(ctx context.Context) (*opensearchapi.Response, error) {
		var reader io.Reader
		if raw != nil {
			reader = bytes.NewReader(raw)
		}
		return opensearchapi.CountRequest{Index: []string{index}, Body: reader}.Do(ctx, c.os)
	})
	if err != nil {
		return 0, err
	}
	var out struct {
		Count int64 `json:"count"`
	}
	if err := decode(res, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) DeleteByQuery(ctx context.Context, index string, body map[string]any, maxDocs int) (int64, error) {
	raw, err := encode(body)
	if err != nil {
		return 0, err
	}
	res, err := c.do(ctx, func(ctx context.Context) (*opensearchapi.Response, error) {
		req := opensearchapi.DeleteByQueryRequest{
			Index:     []string{index},
			Body:      bytes.NewReader(raw),
			Conflicts: "proceed",
		}
		if maxDocs > 0 {
			req.MaxDocs = &maxDocs
		}
		return req.Do(ctx, c.os)
	})
	if err != nil {
		return 0, err
	}
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	if err := decode(res, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

func (c *Client) Update(ctx context.Context, index, id string, body map[string]any) error {
	raw, err := encode(body)
	if err != nil {
		return err
	}
	res, err := c.do(ctx, func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.UpdateRequest{Index: index, DocumentID: id, Body: bytes.NewReader(raw)}.Do(ctx, c.os)
	})
	if err != nil {
		return err
	}
	if res.StatusCode == 404 {
		res.Body.Close()
		return fmt.Errorf("update %s/%s: %w", index, id, errs.ErrNotFound)
	}
	return decode(res, nil)
}

func (c *Client) PutIndexTemplate(ctx context.Context, name string, body map[string]any) error {
	raw, err := encode(body)
	if err != nil {
		return err
	}
	res, err := c.do(ctx, func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.IndicesPutIndexTemplateRequest{Name: name, Body: bytes.NewReader(raw)}.Do(ctx, c.os)
	})
	if err != nil {
		return err
	}
	return decode(res, nil)
}

func (c *Client) CreateIndex(ctx context.Context, name string, body map[string]any) error {
	var raw []byte
	if body != nil {
		var err error
		raw, err = encode(body)
		if err != nil {
			return err
		}
	}
	res, err := c.do(ctx, func(ctx context.Context) (*opensearchapi.Response, error) {
		var reader io.Reader
		if raw != nil {
			reader = bytes.NewReader(raw)
		}
		return opensearchapi.IndicesCreateRequest{Index: name, Body: reader}.Do(ctx, c.os)
	})
	if err != nil {
		return err
	}
	return decode(res, nil)
}

func (c *Client) IndexExists(ctx context.Context, name string) (bool, error) {
	res, err := c.do(ctx, func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.IndicesExistsRequest{Index: []string{name}}.Do(ctx, c.os)
	})
	if err != nil {
		return false, err
	}
	res.Body.Close()
	return res.StatusCode == 200, nil
}

func (c *Client) AliasExists(ctx context.Context, alias string) (bool, error) {
	res, err := c.do(ctx, func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.IndicesExistsAliasRequest{Name: []string{alias}}.Do(ctx, c.os)
	})
	if err != nil {
		return false, err
	}
	res.Body.Close()
	return res.StatusCode == 200, nil
}

func (c *Client) ResolveAlias(ctx context.Context, alias string) ([]string, error) {
	res, err := c.do(ctx, func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.IndicesGetAliasRequest{Name: []string{alias}}.Do(ctx, c.os)
	})
	if err != nil {
		return nil, err
	}
	if res.StatusCode == 404 {
		res.Body.Close()
		return nil, nil
	}
	var out map[string]any
	if err := decode(res, &out); err != nil {
		return nil, err
	}
	indices := make([]string, 0, len(out))
	for idx := range out {
		indices = append(indices, idx)
	}
	sort.Strings(indices)
	return indices, nil
}

// SwapAlias issues a single update-aliases request so the remove and add are
// applied atomically by the cluster.
func (c *Client) SwapAlias(ctx context.Context, alias, oldIndex, newIndex string) error {
	actions := []map[string]any{}
	if oldIndex != "" {
		actions = append(actions, map[string]any{
			"remove": map[string]any{"index": oldIndex, "alias": alias},
		})
	}
	actions = append(actions, map[string]any{
		"add": map[string]any{"index": newIndex, "alias": alias},
	})
	raw, err := encode(map[string]any{"actions": actions})
	if err != nil {
		return err
	}
	res, err := c.do(ctx, func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.IndicesUpdateAliasesRequest{Body: bytes.NewReader(raw)}.Do(ctx, c.os)
	})
	if err != nil {
		return err
	}
	return decode(res, nil)
}

func (c *Client) GetMapping(ctx context.Context, index string) (map[string]any, error) {
	res, err := c.do(ctx, func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.IndicesGetMappingRequest{Index: []string{index}}.Do(ctx, c.os)
	})
	if err != nil {
		return nil, err
	}
	var out map[string]struct {
		Mappings map[string]any `json:"mappings"`
	}
	if err := decode(res, &out); err != nil {
		return nil, err
	}
	for _, entry := range out {
		return entry.Mappings, nil
	}
	return map[string]any{}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	res, err := c.do(ctx, func(ctx context.Context) (*opensearchapi.Response, error) {
		return opensearchapi.PingRequest{}.Do(ctx, c.os)
	})
	if err != nil {
		return err
	}
	res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("ping failed (status %d)", res.StatusCode)
	}
	return nil
}
