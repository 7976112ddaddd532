package templatefmt

import (
	"strings"
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   any
		want string
	}{
		{in: 1500 * time.Millisecond, want: "1.5s"},
		{in: 90 * time.Second, want: "1.5m"},
		{in: -2 * time.Hour, want: "2.0h"},
		{in: 36 * time.Hour, want: "1.5d"},
		{in: "nope", want: "0.0s"},
		{in: (*time.Duration)(nil), want: "0.0s"},
	}
	for _, tc := range tests {
		if got := FormatDuration(tc.in); got != tc.want {
			t.Fatalf("FormatDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatTimeAndSince(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.FixedZone("X", 3600))
	if got := FormatTime(at); got != "2024-03-04T09:00:00Z" {
		t.Fatalf("unexpected time %q", got)
	}
	if got := FormatTime(time.Time{}); got != "-" {
		t.Fatalf("unset time must render as '-', got %q", got)
	}
	if got := Since(at, at.Add(10*time.Minute)); got != "10.0m" {
		t.Fatalf("unexpected since %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := Truncate(3, "héllo"); got != "hél…" {
		t.Fatalf("unexpected truncate %q", got)
	}
	if got := Truncate(10, "short"); got != "short" {
		t.Fatalf("unexpected truncate %q", got)
	}
}

func TestParseNotificationTemplateMissingKey(t *testing.T) {
	t.Parallel()

	tmpl, err := ParseNotificationTemplate("t", "{{ .missing }}")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var out strings.Builder
	if err := tmpl.Execute(&out, map[string]any{}); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestDefaultMessageParses(t *testing.T) {
	t.Parallel()

	if _, err := ParseNotificationTemplate("default", DefaultMessage); err != nil {
		t.Fatalf("default message must parse: %v", err)
	}
}
