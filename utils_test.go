package docstore

import (
	"reflect"
	"testing"
	"time"
)

// TestFormatTimestampCeilMillis_RoundsUp verifies the normalized value is
// never earlier than the input
func TestFormatTimestampCeilMillis_RoundsUp(t *testing.T) {
	orig := time.Date(2023, 6, 1, 12, 30, 45, 123456789, time.UTC)
	formatted := FormatTimestampCeilMillis(orig)

	parsed, err := ParseTimestamp(formatted)
	if err != nil {
		t.Fatalf("ParseTimestamp(%q) failed: %v", formatted, err)
	}
	if parsed.Before(orig) {
		t.Errorf("Normalized timestamp %v is earlier than original %v", parsed, orig)
	}
	if diff := parsed.Sub(orig); diff > time.Millisecond {
		t.Errorf("Normalized timestamp overshoots by %v, want <= 1ms", diff)
	}
}

// TestFormatTimestampCeilMillis_SameMillisecond verifies two timestamps in
// the same ceiling millisecond normalize identically
func TestFormatTimestampCeilMillis_SameMillisecond(t *testing.T) {
	a := time.Date(2023, 6, 1, 12, 30, 45, 100_000_100, time.UTC)
	b := time.Date(2023, 6, 1, 12, 30, 45, 100_999_999, time.UTC)

	if fa, fb := FormatTimestampCeilMillis(a), FormatTimestampCeilMillis(b); fa != fb {
		t.Errorf("Same-millisecond timestamps normalized differently: %q vs %q", fa, fb)
	}
}

// TestFormatTimestampCeilMillis_ExactMillisecond verifies an already-exact
// millisecond still moves to the next one (ceiling adds before truncating)
func TestFormatTimestampCeilMillis_ExactMillisecond(t *testing.T) {
	exact := time.Date(2023, 6, 1, 12, 30, 45, 100_000_000, time.UTC)
	got := FormatTimestampCeilMillis(exact)
	want := "2023-06-01T12:30:45.101"
	if got != want {
		t.Errorf("FormatTimestampCeilMillis(exact ms) = %q, want %q", got, want)
	}
}

// TestParseTimestamp_Layouts verifies microsecond, plain and zoned inputs
func TestParseTimestamp_Layouts(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"microseconds", "2023-06-01T12:30:45.123456"},
		{"plain seconds", "2023-06-01T12:30:45"},
		{"rfc3339", "2023-06-01T12:30:45.123Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseTimestamp(tc.input); err != nil {
				t.Errorf("ParseTimestamp(%q) failed: %v", tc.input, err)
			}
		})
	}

	if _, err := ParseTimestamp("not-a-timestamp"); err == nil {
		t.Error("Expected error for malformed input")
	}
}

// TestChunk_SplitsEvenly verifies 7 items in chunks of 3 yield 3,3,1
func TestChunk_SplitsEvenly(t *testing.T) {
	chunks := Chunk([]int{1, 2, 3, 4, 5, 6, 7}, 3)

	want := [][]int{{1, 2, 3}, {4, 5, 6}, {7}}
	if !reflect.DeepEqual(chunks, want) {
		t.Errorf("Chunk = %v, want %v", chunks, want)
	}
}

// TestChunk_EmptyInput verifies empty input yields no chunks
func TestChunk_EmptyInput(t *testing.T) {
	if chunks := Chunk([]string{}, 3); chunks != nil {
		t.Errorf("Chunk of empty input = %v, want nil", chunks)
	}
	if chunks := Chunk([]string{"a"}, 0); chunks != nil {
		t.Errorf("Chunk with n=0 = %v, want nil", chunks)
	}
}

// TestSubstitute_PrunesEmptyParents verifies the documented aliasing
// behavior: {"a": {"b": 1}} with alias x -> a.b becomes {"x": 1}
func TestSubstitute_PrunesEmptyParents(t *testing.T) {
	d := map[string]interface{}{"a": map[string]interface{}{"b": 1}}
	Substitute(d, map[string]string{"x": "a.b"})

	want := map[string]interface{}{"x": 1}
	if !reflect.DeepEqual(d, want) {
		t.Errorf("Substitute result = %v, want %v", d, want)
	}
}

// TestSubstitute_KeepsNonEmptyParents verifies siblings survive aliasing
func TestSubstitute_KeepsNonEmptyParents(t *testing.T) {
	d := map[string]interface{}{
		"a": map[string]interface{}{"b": 1, "c": 2},
	}
	Substitute(d, map[string]string{"x": "a.b"})

	want := map[string]interface{}{
		"x": 1,
		"a": map[string]interface{}{"c": 2},
	}
	if !reflect.DeepEqual(d, want) {
		t.Errorf("Substitute result = %v, want %v", d, want)
	}
}

// TestSubstitute_MissingSource verifies absent source paths are no-ops
func TestSubstitute_MissingSource(t *testing.T) {
	d := map[string]interface{}{"a": 1}
	Substitute(d, map[string]string{"x": "missing.path"})

	want := map[string]interface{}{"a": 1}
	if !reflect.DeepEqual(d, want) {
		t.Errorf("Substitute result = %v, want %v", d, want)
	}
}

// TestLazySubstitute_TopLevelOnly verifies dots are not treated as nesting
func TestLazySubstitute_TopLevelOnly(t *testing.T) {
	d := map[string]interface{}{"a.b": 1}
	LazySubstitute(d, map[string]string{"x": "a.b"})

	want := map[string]interface{}{"x": 1}
	if !reflect.DeepEqual(d, want) {
		t.Errorf("LazySubstitute result = %v, want %v", d, want)
	}
}

// TestRecursiveUpdate_MergesNested verifies nested maps merge key by key
// while scalars are overwritten wholesale
func TestRecursiveUpdate_MergesNested(t *testing.T) {
	d := map[string]interface{}{
		"a": map[string]interface{}{"x": 1, "y": 2},
		"b": "old",
	}
	u := map[string]interface{}{
		"a": map[string]interface{}{"y": 3, "z": 4},
		"b": "new",
		"c": 5,
	}
	RecursiveUpdate(d, u)

	want := map[string]interface{}{
		"a": map[string]interface{}{"x": 1, "y": 3, "z": 4},
		"b": "new",
		"c": 5,
	}
	if !reflect.DeepEqual(d, want) {
		t.Errorf("RecursiveUpdate result = %v, want %v", d, want)
	}
}

// TestRecursiveUpdate_TypeMismatchOverwrites verifies a map replaces a
// scalar and vice versa
func TestRecursiveUpdate_TypeMismatchOverwrites(t *testing.T) {
	d := map[string]interface{}{"a": 1}
	u := map[string]interface{}{"a": map[string]interface{}{"b": 2}}
	RecursiveUpdate(d, u)

	want := map[string]interface{}{"a": map[string]interface{}{"b": 2}}
	if !reflect.DeepEqual(d, want) {
		t.Errorf("RecursiveUpdate result = %v, want %v", d, want)
	}
}

// TestUnset_DeepPath verifies removal plus empty-parent pruning
func TestUnset_DeepPath(t *testing.T) {
	d := map[string]interface{}{
		"a": map[string]interface{}{
			"b": map[string]interface{}{"c": 1},
		},
	}
	Unset(d, "a.b.c")

	if len(d) != 0 {
		t.Errorf("Unset left %v, want empty map", d)
	}
}
