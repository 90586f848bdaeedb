package docstore

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Matches reports whether doc satisfies criteria. Field names may be dotted
// paths; values are literals (equality) or operator maps. The supported
// operator subset covers what pipeline builders actually issue: $eq, $ne,
// $in, $nin, $gt, $gte, $lt, $lte, $exists.
func Matches(doc Document, criteria Criteria) bool {
	for field, cond := range criteria {
		val, present := getPath(doc, field)

		ops, isOps := operatorMap(cond)
		if !isOps {
			if !present || !valuesEqual(val, cond) {
				return false
			}
			continue
		}

		for op, arg := range ops {
			if !matchOperator(val, present, op, arg) {
				return false
			}
		}
	}
	return true
}

func operatorMap(cond interface{}) (map[string]interface{}, bool) {
	m, ok := cond.(map[string]interface{})
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func matchOperator(val interface{}, present bool, op string, arg interface{}) bool {
	switch op {
	case "$exists":
		want, _ := arg.(bool)
		return present == want
	case "$eq":
		return present && valuesEqual(val, arg)
	case "$ne":
		return !present || !valuesEqual(val, arg)
	case "$in":
		return present && containsValue(arg, val)
	case "$nin":
		return !present || !containsValue(arg, val)
	case "$gt", "$gte", "$lt", "$lte":
		if !present {
			return false
		}
		c, ok := compareValues(val, arg)
		if !ok {
			return false
		}
		switch op {
		case "$gt":
			return c > 0
		case "$gte":
			return c >= 0
		case "$lt":
			return c < 0
		default:
			return c <= 0
		}
	default:
		return false
	}
}

func containsValue(list interface{}, val interface{}) bool {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if valuesEqual(val, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

func valuesEqual(a, b interface{}) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two values when they are mutually comparable:
// numbers (any integer/float width), strings, or timestamps (time.Time or
// ISO-8601 strings, compared at the instant level).
func compareValues(a, b interface{}) (int, bool) {
	at, aIsTime := a.(time.Time)
	bt, bIsTime := b.(time.Time)
	// Strings join a timestamp comparison only when the other side already
	// is a time.Time, so plain string ordering is not hijacked.
	if aIsTime && !bIsTime {
		if s, ok := b.(string); ok {
			if p, err := ParseTimestamp(s); err == nil {
				bt, bIsTime = p, true
			}
		}
	}
	if bIsTime && !aIsTime {
		if s, ok := a.(string); ok {
			if p, err := ParseTimestamp(s); err == nil {
				at, aIsTime = p, true
			}
		}
	}
	if aIsTime && bIsTime {
		return at.Compare(bt), true
	}

	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// lastUpdatedOf extracts and normalizes the change-detection timestamp from
// a document, accepting either a native time.Time or an ISO-8601 string.
func lastUpdatedOf(doc Document, field string) (time.Time, bool) {
	v, ok := getPath(doc, field)
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := ParseTimestamp(t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

// filterDocs returns the documents matching criteria, preserving order
func filterDocs(docs []Document, criteria Criteria) []Document {
	if len(criteria) == 0 {
		return docs
	}
	var out []Document
	for _, doc := range docs {
		if Matches(doc, criteria) {
			out = append(out, doc)
		}
	}
	return out
}

// sortDocs stable-sorts docs by the given sort keys
func sortDocs(docs []Document, sorts []SortField) {
	if len(sorts) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, sf := range sorts {
			av, _ := getPath(docs[i], sf.Field)
			bv, _ := getPath(docs[j], sf.Field)
			c, ok := compareValues(av, bv)
			if !ok || c == 0 {
				continue
			}
			if sf.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// windowDocs applies skip and limit
func windowDocs(docs []Document, skip, limit int) []Document {
	if skip > 0 {
		if skip >= len(docs) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

// projectDoc restricts doc to the projected fields that are present
func projectDoc(doc Document, proj *Projection) Document {
	if proj == nil {
		return doc
	}
	out := make(Document, len(proj.Fields))
	for _, f := range proj.Fields {
		if v, ok := getPath(doc, f); ok {
			out[f] = v
		}
	}
	return out
}

// applyQueryOptions runs the full filter/sort/window/project pipeline used
// by the in-process store implementations.
func applyQueryOptions(docs []Document, opts QueryOptions) []Document {
	docs = filterDocs(docs, opts.Criteria)
	sortDocs(docs, opts.Sort)
	docs = windowDocs(docs, opts.Skip, opts.Limit)
	if opts.Projection != nil {
		projected := make([]Document, len(docs))
		for i, doc := range docs {
			projected[i] = projectDoc(doc, opts.Projection)
		}
		docs = projected
	}
	return docs
}

// groupDocs buckets documents by the values of the key fields
func groupDocs(docs []Document, keys []string) []Group {
	type bucket struct {
		key  Document
		docs []Document
	}
	order := make([]string, 0)
	buckets := make(map[string]*bucket)

	for _, doc := range docs {
		keyDoc := make(Document, len(keys))
		sig := make([]string, 0, len(keys))
		for _, k := range keys {
			v, _ := getPath(doc, k)
			keyDoc[k] = v
			sig = append(sig, fmt.Sprintf("%s=%v", k, v))
		}
		id := strings.Join(sig, "|")
		b, ok := buckets[id]
		if !ok {
			b = &bucket{key: keyDoc}
			buckets[id] = b
			order = append(order, id)
		}
		b.docs = append(b.docs, doc)
	}

	groups := make([]Group, 0, len(buckets))
	for _, id := range order {
		groups = append(groups, Group{Key: buckets[id].key, Docs: buckets[id].docs})
	}
	return groups
}

// keyString renders a document key value as the string used for blob
// object addressing.
func keyString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
