package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestWatcherDebouncesCSVChanges(t *testing.T) {
	dir := t.TempDir()
	got := make(chan []string, 4)
	w, err := New(dir, 50*time.Millisecond, func(_ context.Context, files []string) {
		got <- files
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for _, name := range []string{"refunds.csv", "customers.csv", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("id\n1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for !seen["refunds.csv"] || !seen["customers.csv"] {
		select {
		case files := <-got:
			for _, f := range files {
				seen[f] = true
			}
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	if seen["notes.txt"] {
		t.Error("non-CSV file reported")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestNewMissingDir(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing"), time.Millisecond, func(context.Context, []string) {}, nil); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestRelevant(t *testing.T) {
	tests := []struct {
		ev   fsnotify.Event
		want bool
	}{
		{fsnotify.Event{Name: "/d/refunds.csv", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "/d/REFUNDS.CSV", Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: "/d/refunds.csv", Op: fsnotify.Chmod}, false},
		{fsnotify.Event{Name: "/d/refunds.csv.swp", Op: fsnotify.Write}, false},
	}
	for _, tt := range tests {
		if got := relevant(tt.ev); got != tt.want {
			t.Errorf("relevant(%v) = %v, want %v", tt.ev, got, tt.want)
		}
	}
}
