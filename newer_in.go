package docstore

import (
	"context"
	"time"
)

// ceilMillis rounds a timestamp up to the next millisecond, the granularity
// every comparison in this package uses. Sub-millisecond differences must
// never make two logically identical timestamps compare unequal.
func ceilMillis(t time.Time) time.Time {
	return t.Add(time.Millisecond).Truncate(time.Millisecond)
}

// newerKeysInTarget is the shared NewerIn implementation: it returns the
// keys of documents in target, matching criteria, whose content is newer
// than source's copy.
//
// With exhaustive=false a single bound is used: anything in target updated
// after source.LastUpdated is reported. That misses keys target holds with
// older timestamps than the bound, but costs one query. exhaustive=true
// compares every matching target document against source's copy of the
// same key, reporting keys source lacks entirely as well.
func newerKeysInTarget(ctx context.Context, source, target Store, criteria Criteria, exhaustive bool) ([]string, error) {
	keyField := target.Key()
	luField := target.LastUpdatedField()

	targetCur, err := target.Query(ctx, QueryOptions{
		Criteria:   criteria,
		Projection: Project(keyField, luField),
	})
	if err != nil {
		return nil, err
	}
	targetDocs, err := ReadAll(targetCur)
	if err != nil {
		return nil, err
	}

	if !exhaustive {
		bound, err := source.LastUpdated(ctx)
		if err != nil {
			return nil, err
		}
		bound = ceilMillis(bound)

		var keys []string
		for _, doc := range targetDocs {
			lu, ok := lastUpdatedOf(doc, luField)
			if !ok {
				continue
			}
			if ceilMillis(lu).After(bound) {
				keys = append(keys, keyString(doc[keyField]))
			}
		}
		return keys, nil
	}

	targetLU := make(map[string]time.Time, len(targetDocs))
	order := make([]string, 0, len(targetDocs))
	for _, doc := range targetDocs {
		lu, ok := lastUpdatedOf(doc, luField)
		if !ok {
			continue
		}
		k := keyString(doc[keyField])
		targetLU[k] = ceilMillis(lu)
		order = append(order, k)
	}

	// Bound the size of each $in probe against the source
	const probeChunkSize = 1000

	sourceLU := make(map[string]time.Time, len(targetLU))
	for _, chunk := range Chunk(order, probeChunkSize) {
		cur, err := source.Query(ctx, QueryOptions{
			Criteria:   Criteria{source.Key(): map[string]interface{}{"$in": chunk}},
			Projection: Project(source.Key(), source.LastUpdatedField()),
		})
		if err != nil {
			return nil, err
		}
		docs, err := ReadAll(cur)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			if lu, ok := lastUpdatedOf(doc, source.LastUpdatedField()); ok {
				sourceLU[keyString(doc[source.Key()])] = ceilMillis(lu)
			}
		}
	}

	var keys []string
	for _, k := range order {
		src, held := sourceLU[k]
		if !held || targetLU[k].After(src) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
