// Package backend abstracts the backing search-and-index engine.
//
// The store issues OpenSearch-DSL request bodies (map[string]any) through
// this interface. Two implementations exist: osearch (a remote OpenSearch
// cluster) and memindex (an embedded engine evaluating the DSL subset the
// store emits).
package backend

import "context"

// Hit is one search result from the engine.
type Hit struct {
	ID     string
	Score  float64
	Source map[string]any
}

// SearchResult holds the hits of one search request.
type SearchResult struct {
	Total int64
	Hits  []Hit
}

// BulkOp is one action within a bulk request.
type BulkOp struct {
	// Action is "index" (upsert) or "delete".
	Action string
	Index  string
	ID     string
	Doc    map[string]any
}

// BulkItemResult reports the outcome of a single bulk action. The engine has
// no multi-document transactions, so bulk requests succeed or fail per item.
// Results are positionally aligned with the submitted ops.
type BulkItemResult struct {
	ID  string
	Err error
}

// Backend is the client handle to the backing engine. All mutation
// correctness relies on the engine's per-document atomicity; the scripted
// Update primitive provides the ledger's atomic increment.
type Backend interface {
	// Document CRUD.
	IndexDoc(ctx context.Context, index, id string, doc map[string]any) error
	GetDoc(ctx context.Context, index, id string) (map[string]any, bool, error)
	// MultiGet fetches many documents in one request. The result is
	// positional: sources[i] belongs to ids[i] and is nil when absent.
	MultiGet(ctx context.Context, index string, ids []string) ([]map[string]any, error)
	DeleteDoc(ctx context.Context, index, id string) (bool, error)
	Bulk(ctx context.Context, ops []BulkOp) ([]BulkItemResult, error)

	// Queries.
	Search(ctx context.Context, index string, body map[string]any) (*SearchResult, error)
	Count(ctx context.Context, index string, body map[string]any) (int64, error)
	DeleteByQuery(ctx context.Context, index string, body map[string]any, maxDocs int) (int64, error)

	// Update applies a partial document update ("doc") or the scripted
	// counter upsert ("scripted_upsert" + "script" + "upsert") atomically.
	Update(ctx context.Context, index, id string, body map[string]any) error

	// Index and alias administration.
	PutIndexTemplate(ctx context.Context, name string, body map[string]any) error
	CreateIndex(ctx context.Context, name string, body map[string]any) error
	IndexExists(ctx context.Context, name string) (bool, error)
	AliasExists(ctx context.Context, alias string) (bool, error)
	// ResolveAlias returns the physical indices an alias points at.
	ResolveAlias(ctx context.Context, alias string) ([]string, error)
	// SwapAlias atomically repoints alias from oldIndex to newIndex in a
	// single update-aliases action; oldIndex may be empty on bootstrap.
	SwapAlias(ctx context.Context, alias, oldIndex, newIndex string) error
	// GetMapping returns the mapping properties of a physical index.
	GetMapping(ctx context.Context, index string) (map[string]any, error)

	Ping(ctx context.Context) error
}
