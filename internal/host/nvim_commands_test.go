package host

import (
	"errors"
	"testing"

	"go-pdf-bridge/internal/app"
)

func TestFormatStatus(t *testing.T) {
	cases := []struct {
		name   string
		status app.Status
		want   string
	}{
		{
			name:   "idle",
			status: app.Status{State: "probing", Page: -1, URL: "http://127.0.0.1:7777"},
			want:   "engine probing, no document, http://127.0.0.1:7777",
		},
		{
			name:   "opening",
			status: app.Status{State: "not-ready", Source: "/tmp/a.pdf", Page: -1, URL: "http://v"},
			want:   "engine not-ready, opening a.pdf, http://v",
		},
		{
			name: "showing with error",
			status: app.Status{
				State: "ready", Source: "/tmp/a.pdf", Open: true, Pages: 3, Page: 2,
				Err: errors.New("boom"), URL: "http://v",
			},
			want: "engine ready, a.pdf, 3 pages, showing page 2, last error: boom, http://v",
		},
	}

	for _, tc := range cases {
		if got := FormatStatus(tc.status); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}
