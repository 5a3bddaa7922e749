package steps

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/Jeffail/gabs/v2"
)

func parseRecords(t *testing.T, raw string) []*gabs.Container {
	t.Helper()
	parsed, err := gabs.ParseJSON([]byte(raw))
	if err != nil {
		t.Fatalf("ParseJSON() error = %v", err)
	}
	return parsed.Children()
}

func reversed(records []*gabs.Container) []*gabs.Container {
	out := make([]*gabs.Container, len(records))
	for i, r := range records {
		out[len(records)-1-i] = r
	}
	return out
}

func TestMaxField(t *testing.T) {
	tests := []struct {
		name     string
		records  string
		expected string
	}{
		{"numbers", `[{"id":9},{"id":10},{"id":2}]`, "10"},
		{"numeric strings", `[{"id":"9"},{"id":"10"}]`, "10"},
		{"timestamps", `[{"id":"2024-03-01T00:00:00Z"},{"id":"2024-03-02T00:00:00Z"}]`, "2024-03-02T00:00:00Z"},
		{"mixed compares as strings", `[{"id":9},{"id":10},{"id":"1x"}]`, "9"},
		{"missing and null skipped", `[{"other":1},{"id":null},{"id":3}]`, "3"},
		{"no values", `[{"other":1}]`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := parseRecords(t, tt.records)
			if got := maxField(records, "id"); got != tt.expected {
				t.Errorf("maxField() = %q, expected %q", got, tt.expected)
			}
			if got := maxField(reversed(records), "id"); got != tt.expected {
				t.Errorf("maxField(reversed) = %q, expected %q", got, tt.expected)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}

	// "ошибка" — по 2 байта на символ, граница 5 приходится на середину символа.
	got := truncate("ошибка сервера", 5)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate() returned invalid UTF-8: %q", got)
	}
	if got != "ош..." {
		t.Errorf("truncate() = %q, expected %q", got, "ош...")
	}
	if !strings.HasSuffix(truncate(strings.Repeat("x", 600), 512), "...") {
		t.Error("long body must be marked as truncated")
	}
}
