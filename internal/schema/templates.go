package schema

import "github.com/agentmem/memstore/internal/config"

// dataTemplateBody builds the index template applied to every physical data
// index. The embedding field is an HNSW knn_vector with cosine similarity;
// its dimension is fixed per template version.
func dataTemplateBody(cfg config.Settings) map[string]any {
	return map[string]any{
		"index_patterns": []string{cfg.IndexPattern()},
		"priority":       100,
		"template": map[string]any{
			"settings": map[string]any{
				"index": map[string]any{
					"knn":                true,
					"number_of_shards":   1,
					"number_of_replicas": 0,
				},
			},
			"mappings": map[string]any{
				"properties": map[string]any{
					"namespace":     map[string]any{"type": "keyword"},
					"namespace_key": map[string]any{"type": "keyword"},
					"depth":         map[string]any{"type": "integer"},
					"key":           map[string]any{"type": "keyword"},
					"doc":           map[string]any{"type": "object", "enabled": true},
					"metadata":      map[string]any{"type": "object", "enabled": true},
					"text":          map[string]any{"type": "text"},
					"embedding": map[string]any{
						"type":      "knn_vector",
						"dimension": cfg.Dimension,
						"method": map[string]any{
							"name":       "hnsw",
							"engine":     "nmslib",
							"space_type": "cosinesimil",
						},
					},
					"created_at":     map[string]any{"type": "date"},
					"updated_at":     map[string]any{"type": "date"},
					"ttl_minutes":    map[string]any{"type": "float"},
					"ttl_expires_at": map[string]any{"type": "date"},
				},
			},
		},
	}
}

// namespaceIndexBody is the ledger index mapping. Counters live in plain
// numeric fields mutated through scripted upserts.
func namespaceIndexBody() map[string]any {
	return map[string]any{
		"settings": map[string]any{
			"index": map[string]any{
				"number_of_shards":   1,
				"number_of_replicas": 0,
			},
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				"namespace":     map[string]any{"type": "keyword"},
				"namespace_key": map[string]any{"type": "keyword"},
				"depth":         map[string]any{"type": "integer"},
				"doc_count":     map[string]any{"type": "long"},
				"first_seen_at": map[string]any{"type": "date"},
				"last_write_at": map[string]any{"type": "date"},
			},
		},
	}
}
