package wake

import (
	"regexp"
	"testing"
	"time"
)

var wireFormat = regexp.MustCompile(`^([1-9]|1[0-2]):[0-5][0-9](AM|PM)$`)

func TestRender(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"2026-07-31T20:30:00Z", "8:30PM"},
		{"2026-07-31T00:00:00Z", "12:00AM"},
		{"2026-07-31T12:00:00Z", "12:00PM"},
		{"2026-07-31T00:05:00Z", "12:05AM"},
		{"2026-07-31T09:05:00Z", "9:05AM"},
	}
	for _, c := range cases {
		parsed, err := time.Parse(time.RFC3339, c.in)
		if err != nil {
			t.Fatalf("bad fixture %q: %v", c.in, err)
		}
		got := Render(parsed)
		if got != c.want {
			t.Errorf("Render(%s) = %q, want %q", c.in, got, c.want)
		}
		if !wireFormat.MatchString(got) {
			t.Errorf("Render(%s) = %q does not match wire format", c.in, got)
		}
	}
}
