package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxline/pkg/calllog"
)

func TestSearchQuery(t *testing.T) {
	after := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		opts     calllog.SearchOpts
		contains []string
		args     int
	}{
		{name: "query only", args: 1},
		{name: "session", opts: calllog.SearchOpts{SessionID: "s1"}, contains: []string{"session_id = $2"}, args: 2},
		{
			name:     "all filters",
			opts:     calllog.SearchOpts{SessionID: "s1", After: after, Before: after.Add(time.Hour), Limit: 5},
			contains: []string{"session_id = $2", "started > $3", "started < $4", "LIMIT $5"},
			args:     5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, args := searchQuery("shipping", tt.opts)
			if len(args) != tt.args {
				t.Errorf("len(args) = %d, want %d", len(args), tt.args)
			}
			if args[0] != "shipping" {
				t.Errorf("args[0] = %v", args[0])
			}
			if !strings.Contains(q, "plainto_tsquery('simple', $1)") {
				t.Errorf("query lacks full-text match:\n%s", q)
			}
			for _, c := range tt.contains {
				if !strings.Contains(q, c) {
					t.Errorf("query lacks %q:\n%s", c, q)
				}
			}
		})
	}
}

// TestStore_Integration runs against a live database named by
// VOXLINE_TEST_POSTGRES_DSN.
func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv("VOXLINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXLINE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	id := "it-" + time.Now().Format("150405.000000")
	started := time.Now().UTC().Truncate(time.Millisecond)
	for i, e := range []calllog.Entry{
		{Output: "Hi, this is Acme.", Greeting: true},
		{Input: "Do you ship to Canada?", Output: "Yes, shipping takes two days."},
	} {
		e.SessionID, e.Ordinal, e.Started, e.Latency = id, i+1, started.Add(time.Duration(i)*time.Second), 300*time.Millisecond
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Session(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !got[0].Greeting || got[1].Latency != 300*time.Millisecond {
		t.Errorf("Session = %+v", got)
	}

	found, err := s.Search(ctx, "shipping", calllog.SearchOpts{SessionID: id})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].Ordinal != 2 {
		t.Errorf("Search = %+v, want turn 2", found)
	}
}
