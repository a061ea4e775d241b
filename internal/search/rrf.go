package search

import "sort"

// ranked pairs a document id with its 1-based position in one ranking.
type ranked struct {
	ID    string
	Score float64
}

type fused struct {
	ID          string
	Score       float64
	LexicalRank int
	VectorRank  int
}

// fuse combines a lexical and a vector ranking with reciprocal rank fusion:
// each appearance contributes 1/(rankConstant + rank). Equal fused scores are
// ordered by lexical rank (present beats absent), then by document id, so the
// output is deterministic for identical inputs.
func fuse(lexical, vector []ranked, rankConstant int) []fused {
	byID := make(map[string]*fused)
	order := make([]string, 0, len(lexical)+len(vector))

	touch := func(id string) *fused {
		f, ok := byID[id]
		if !ok {
			f = &fused{ID: id}
			byID[id] = f
			order = append(order, id)
		}
		return f
	}
	for i, r := range lexical {
		f := touch(r.ID)
		f.LexicalRank = i + 1
		f.Score += 1 / float64(rankConstant+i+1)
	}
	for i, r := range vector {
		f := touch(r.ID)
		f.VectorRank = i + 1
		f.Score += 1 / float64(rankConstant+i+1)
	}

	out := make([]fused, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		li, lj := out[i].LexicalRank, out[j].LexicalRank
		if li != lj {
			// Absent from the lexical ranking sorts after any present rank.
			if li == 0 {
				return false
			}
			if lj == 0 {
				return true
			}
			return li < lj
		}
		return out[i].ID < out[j].ID
	})
	return out
}
