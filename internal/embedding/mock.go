package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Mock is a deterministic embedder for tests and the embedded backend:
// token hashes are folded into a fixed-size bag-of-words vector, normalized
// to unit length. Similar texts produce similar vectors; identical texts
// produce identical ones.
type Mock struct {
	dims int
}

func NewMock(dims int) *Mock {
	if dims <= 0 {
		dims = 128
	}
	return &Mock{dims: dims}
}

func (m *Mock) Embed(ctx context.Context, text string) (Vector, error) {
	vec := make(Vector, m.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%m.dims] += 1
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (m *Mock) Dims() int { return m.dims }
