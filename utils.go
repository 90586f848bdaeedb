package docstore

import (
	"strings"
	"time"
)

// Timestamp layouts accepted by ParseTimestamp. The metadata backends this
// package targets store millisecond precision at best, so normalization
// always rounds UP to the next millisecond: a record can never be judged
// older than it really is when precision is lost, trading duplicate
// reprocessing away for (at worst) a missed sub-millisecond update.
const (
	isoMillisLayout = "2006-01-02T15:04:05.000"
	isoMicroLayout  = "2006-01-02T15:04:05.999999999"
	isoPlainLayout  = "2006-01-02T15:04:05"
)

// FormatTimestampCeilMillis renders t as an ISO-8601 string rounded to the
// millisecond ceiling (one millisecond is added before truncating).
func FormatTimestampCeilMillis(t time.Time) string {
	return ceilMillis(t.UTC()).Format(isoMillisLayout)
}

// ParseTimestamp parses an ISO-8601 string with or without a fractional
// second, tolerating an explicit zone offset.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{isoMicroLayout, isoPlainLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, WithContext(ErrInvalidData, map[string]interface{}{
		"value":  s,
		"reason": "not an ISO-8601 timestamp",
	})
}

// Chunk splits items into consecutive chunks of at most n elements; the
// final chunk may be shorter. Chunks share the input's backing array, so a
// single pass produces no copies. Returns nil for empty input or n < 1.
func Chunk[T any](items []T, n int) [][]T {
	if n < 1 || len(items) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+n-1)/n)
	for n < len(items) {
		chunks = append(chunks, items[:n:n])
		items = items[n:]
	}
	return append(chunks, items)
}

// Substitute renames fields per aliases (alias -> dotted source path),
// copying the value at the source path to the alias path and removing the
// source, pruning any parent containers left empty.
func Substitute(d map[string]interface{}, aliases map[string]string) {
	for alias, path := range aliases {
		if v, ok := getPath(d, path); ok {
			setPath(d, alias, v)
			Unset(d, path)
		}
	}
}

// LazySubstitute is a top-level-only variant of Substitute that never
// interprets dots as nesting.
func LazySubstitute(d map[string]interface{}, aliases map[string]string) {
	for alias, key := range aliases {
		if v, ok := d[key]; ok {
			d[alias] = v
			delete(d, key)
		}
	}
}

// Unset removes the value at a dotted path, then removes any parent
// containers the removal left empty.
func Unset(d map[string]interface{}, path string) {
	parts := strings.Split(path, ".")
	unsetParts(d, parts)
	for i := len(parts) - 1; i > 0; i-- {
		parent, ok := getPathParts(d, parts[:i])
		if !ok {
			continue
		}
		if m, ok := parent.(map[string]interface{}); ok && len(m) == 0 {
			unsetParts(d, parts[:i])
		}
	}
}

// RecursiveUpdate deep-merges u into d: nested maps merge key by key, any
// other value type is overwritten wholesale.
func RecursiveUpdate(d, u map[string]interface{}) {
	for k, v := range u {
		if existing, ok := d[k]; ok {
			dm, dok := existing.(map[string]interface{})
			um, uok := v.(map[string]interface{})
			if dok && uok {
				RecursiveUpdate(dm, um)
				continue
			}
		}
		d[k] = v
	}
}

// dotted-path helpers

func getPath(d map[string]interface{}, path string) (interface{}, bool) {
	return getPathParts(d, strings.Split(path, "."))
}

func getPathParts(d map[string]interface{}, parts []string) (interface{}, bool) {
	var cur interface{} = d
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(d map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := d
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func unsetParts(d map[string]interface{}, parts []string) {
	if len(parts) == 1 {
		delete(d, parts[0])
		return
	}
	parent, ok := getPathParts(d, parts[:len(parts)-1])
	if !ok {
		return
	}
	if m, ok := parent.(map[string]interface{}); ok {
		delete(m, parts[len(parts)-1])
	}
}
