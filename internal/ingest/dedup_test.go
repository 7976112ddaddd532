package ingest

import (
	"testing"
	"time"
)

func TestDedupCacheObserve(t *testing.T) {
	t.Parallel()

	cache := NewDedupCache(300*time.Second, 60*time.Second)
	if cache.Observe(1, t0) {
		t.Fatalf("first sighting is not a duplicate")
	}
	if !cache.Observe(1, t0.Add(299*time.Second)) {
		t.Fatalf("repeat within ttl is a duplicate")
	}
	if cache.Observe(1, t0.Add(300*time.Second)) {
		t.Fatalf("repeat at ttl is not a duplicate")
	}
	if cache.Observe(0, t0) || cache.Observe(0, t0) {
		t.Fatalf("id 0 is never deduplicated")
	}
}

func TestDedupCacheSweepsAtMostOncePerInterval(t *testing.T) {
	t.Parallel()

	cache := NewDedupCache(10*time.Second, 60*time.Second)
	cache.Observe(1, t0)
	cache.Observe(2, t0.Add(30*time.Second))
	if cache.Len() != 2 {
		t.Fatalf("expired entry must wait for the next sweep, len=%d", cache.Len())
	}
	if cache.Observe(1, t0.Add(30*time.Second)) {
		t.Fatalf("expired entry must not count as duplicate before a sweep")
	}
	cache.Observe(3, t0.Add(61*time.Second))
	if cache.Len() != 1 {
		t.Fatalf("sweep must drop expired entries, len=%d", cache.Len())
	}
}

func TestSanitizeText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		max  int
		want string
	}{
		{in: "  plain  ", want: "plain"},
		{in: "bad\xffbyte", want: "bad�byte"},
		{in: "a\x07b\r\nc", want: "ab\nc"},
		{in: "abcdef", max: 4, want: "abcd"},
		{in: "żółw", max: 3, want: "ż"},
	}
	for _, tc := range tests {
		if got := sanitizeText(tc.in, tc.max); got != tc.want {
			t.Fatalf("sanitizeText(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}
