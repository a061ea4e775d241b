package memindex

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

type scored struct {
	ID     string
	Score  float64
	Source map[string]any
}

// execute runs a query against every document in the index and returns the
// matching, unsorted candidates. Doc ids are visited in sorted order so equal
// scores produce a stable ranking.
func (b *Backend) execute(idx *index, query map[string]any) ([]scored, error) {
	if query == nil {
		query = map[string]any{"match_all": map[string]any{}}
	}
	if knn, ok := query["knn"].(map[string]any); ok {
		return b.executeKNN(idx, knn)
	}

	ids := sortedIDs(idx)
	var hits []scored
	for _, id := range ids {
		doc := idx.docs[id]
		matched, score, err := evalQuery(query, doc)
		if err != nil {
			return nil, err
		}
		if matched {
			hits = append(hits, scored{ID: id, Score: score, Source: doc})
		}
	}
	return hits, nil
}

// executeKNN evaluates a knn clause: exact cosine ranking over the documents
// passing the filter, truncated to k. num_candidates is accepted but has no
// effect on an exact engine.
func (b *Backend) executeKNN(idx *index, knn map[string]any) ([]scored, error) {
	if len(knn) != 1 {
		return nil, fmt.Errorf("knn query must target exactly one field")
	}
	var field string
	var clause map[string]any
	for f, c := range knn {
		field = f
		clause, _ = c.(map[string]any)
	}
	if clause == nil {
		return nil, fmt.Errorf("knn clause for %q is not an object", field)
	}
	queryVec := floatSlice(clause["vector"])
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("knn clause for %q has no vector", field)
	}
	k := intOr(clause["k"], 10)
	filter, _ := clause["filter"].(map[string]any)

	ids := sortedIDs(idx)
	var hits []scored
	for _, id := range ids {
		doc := idx.docs[id]
		if filter != nil {
			matched, _, err := evalQuery(filter, doc)
			if err != nil {
				return nil, err
			}
			if !matched {
				continue
			}
		}
		docVec := floatSlice(lookupField(doc, field))
		if len(docVec) != len(queryVec) {
			continue
		}
		hits = append(hits, scored{ID: id, Score: cosine(queryVec, docVec), Source: doc})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func sortedIDs(idx *index) []string {
	ids := make([]string, 0, len(idx.docs))
	for id := range idx.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// evalQuery evaluates one query clause against a document.
func evalQuery(query map[string]any, doc map[string]any) (bool, float64, error) {
	if len(query) != 1 {
		return false, 0, fmt.Errorf("query clause must have exactly one key, got %d", len(query))
	}
	var kind string
	var body any
	for k, v := range query {
		kind, body = k, v
	}

	switch kind {
	case "match_all":
		return true, 1, nil
	case "term":
		field, want, err := singleField(body)
		if err != nil {
			return false, 0, err
		}
		return termMatches(lookupField(doc, field), want), 1, nil
	case "prefix":
		field, want, err := singleField(body)
		if err != nil {
			return false, 0, err
		}
		have, _ := lookupField(doc, field).(string)
		prefix, _ := want.(string)
		return strings.HasPrefix(have, prefix), 1, nil
	case "exists":
		clause, _ := body.(map[string]any)
		field, _ := clause["field"].(string)
		return lookupField(doc, field) != nil, 1, nil
	case "range":
		field, bounds, err := singleField(body)
		if err != nil {
			return false, 0, err
		}
		boundsMap, ok := bounds.(map[string]any)
		if !ok {
			return false, 0, fmt.Errorf("range bounds for %q is not an object", field)
		}
		return rangeMatches(lookupField(doc, field), boundsMap), 1, nil
	case "match":
		field, text, err := singleField(body)
		if err != nil {
			return false, 0, err
		}
		queryText, _ := text.(string)
		have, _ := lookupField(doc, field).(string)
		score := overlapScore(have, queryText)
		return score > 0, score, nil
	case "bool":
		clause, ok := body.(map[string]any)
		if !ok {
			return false, 0, fmt.Errorf("bool clause is not an object")
		}
		return evalBool(clause, doc)
	default:
		return false, 0, fmt.Errorf("unsupported query clause %q", kind)
	}
}

func evalBool(clause, doc map[string]any) (bool, float64, error) {
	var score float64

	for _, sub := range clauseList(clause["must"]) {
		matched, s, err := evalQuery(sub, doc)
		if err != nil || !matched {
			return false, 0, err
		}
		score += s
	}
	for _, sub := range clauseList(clause["filter"]) {
		matched, _, err := evalQuery(sub, doc)
		if err != nil || !matched {
			return false, 0, err
		}
	}
	for _, sub := range clauseList(clause["must_not"]) {
		matched, _, err := evalQuery(sub, doc)
		if err != nil {
			return false, 0, err
		}
		if matched {
			return false, 0, nil
		}
	}

	shoulds := clauseList(clause["should"])
	if len(shoulds) > 0 {
		minimum := intOr(clause["minimum_should_match"], 0)
		// A should block alongside must/filter is optional unless a
		// minimum is set; a pure should block requires one match.
		if minimum == 0 && len(clauseList(clause["must"]))+len(clauseList(clause["filter"])) == 0 {
			minimum = 1
		}
		matchedCount := 0
		for _, sub := range shoulds {
			matched, s, err := evalQuery(sub, doc)
			if err != nil {
				return false, 0, err
			}
			if matched {
				matchedCount++
				score += s
			}
		}
		if matchedCount < minimum {
			return false, 0, nil
		}
	}
	return true, score, nil
}

func clauseList(v any) []map[string]any {
	switch vv := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return []map[string]any{vv}
	case []any:
		out := make([]map[string]any, 0, len(vv))
		for _, c := range vv {
			if m, ok := c.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case []map[string]any:
		return vv
	}
	return nil
}

func singleField(body any) (string, any, error) {
	clause, ok := body.(map[string]any)
	if !ok || len(clause) != 1 {
		return "", nil, fmt.Errorf("clause must have exactly one field")
	}
	for f, v := range clause {
		return f, v, nil
	}
	return "", nil, nil
}

// lookupField resolves a dotted path ("metadata.source") inside a document.
func lookupField(doc map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var current any = doc
	for _, p := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[p]
		if !ok {
			return nil
		}
	}
	return current
}

func termMatches(have any, want any) bool {
	switch hv := have.(type) {
	case nil:
		return false
	case []any:
		for _, el := range hv {
			if valuesEqual(el, want) {
				return true
			}
		}
		return false
	default:
		return valuesEqual(have, want)
	}
}

func valuesEqual(a, b any) bool {
	if af, aok := numeric(a); aok {
		if bf, bok := numeric(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func rangeMatches(have any, bounds map[string]any) bool {
	if have == nil {
		return false
	}
	for op, bound := range bounds {
		cmp, ok := compareValues(have, bound)
		if !ok {
			return false
		}
		switch op {
		case "gt":
			if cmp <= 0 {
				return false
			}
		case "gte":
			if cmp < 0 {
				return false
			}
		case "lt":
			if cmp >= 0 {
				return false
			}
		case "lte":
			if cmp > 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// compareValues orders timestamps as times, numbers as numbers, and
// everything else as strings.
func compareValues(a, b any) (int, bool) {
	if at, aok := asTime(a); aok {
		if bt, bok := asTime(b); bok {
			return at.Compare(bt), true
		}
	}
	if af, aok := numeric(a); aok {
		if bf, bok := numeric(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func asTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func numeric(v any) (float64, bool) {
	switch vv := v.(type) {
	case float64:
		return vv, true
	case float32:
		return float64(vv), true
	case int:
		return float64(vv), true
	case int64:
		return float64(vv), true
	}
	return 0, false
}

// overlapScore is a naive lexical score: for each query token, the number of
// times it occurs in the field. Zero means no match.
func overlapScore(text, query string) float64 {
	if text == "" || query == "" {
		return 0
	}
	counts := make(map[string]int)
	for _, tok := range tokenize(text) {
		counts[tok]++
	}
	var score float64
	for _, tok := range tokenize(query) {
		score += float64(counts[tok])
	}
	return score
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

func floatSlice(v any) []float32 {
	switch vv := v.(type) {
	case []float32:
		return vv
	case []any:
		out := make([]float32, 0, len(vv))
		for _, f := range vv {
			if n, ok := numeric(f); ok {
				out = append(out, float32(n))
			}
		}
		return out
	case []float64:
		out := make([]float32, 0, len(vv))
		for _, f := range vv {
			out = append(out, float32(f))
		}
		return out
	}
	return nil
}

func cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

type sortKey struct {
	field string
	desc  bool
}

// parseSortKeys reads the request's sort spec: a list of
// {field: "asc"|"desc"} or {field: {"order": ...}} entries.
func parseSortKeys(spec any) []sortKey {
	var keys []sortKey
	entries, _ := spec.([]any)
	if entries == nil {
		if m, ok := spec.([]map[string]any); ok {
			for _, e := range m {
				entries = append(entries, e)
			}
		}
	}
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		for field, order := range m {
			desc := false
			switch ov := order.(type) {
			case string:
				desc = ov == "desc"
			case map[string]any:
				desc = ov["order"] == "desc"
			}
			keys = append(keys, sortKey{field: field, desc: desc})
		}
	}
	return keys
}

// applySort orders hits by the parsed sort keys, ties broken by id.
func applySort(hits []scored, keys []sortKey) {
	sort.SliceStable(hits, func(i, j int) bool {
		for _, k := range keys {
			av := lookupField(hits[i].Source, k.field)
			bv := lookupField(hits[j].Source, k.field)
			if av == nil && bv == nil {
				continue
			}
			// Missing values sort last regardless of direction.
			if av == nil {
				return false
			}
			if bv == nil {
				return true
			}
			cmp, ok := compareValues(av, bv)
			if !ok || cmp == 0 {
				continue
			}
			if k.desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return hits[i].ID < hits[j].ID
	})
}

// seekAfter drops sorted hits up to and including the cursor tuple, the way
// search_after resumes a walk. The caller's sort must make tuples unique.
func seekAfter(hits []scored, keys []sortKey, after []any) []scored {
	i := 0
	for i < len(hits) && !tupleAfter(hits[i], keys, after) {
		i++
	}
	return hits[i:]
}

func tupleAfter(h scored, keys []sortKey, after []any) bool {
	for k, key := range keys {
		if k >= len(after) {
			break
		}
		have := lookupField(h.Source, key.field)
		cmp, ok := compareValues(have, after[k])
		if !ok || cmp == 0 {
			continue
		}
		if key.desc {
			return cmp < 0
		}
		return cmp > 0
	}
	return false
}
