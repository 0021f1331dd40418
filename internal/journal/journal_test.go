package journal

import (
	"fmt"
	"path/filepath"
	"testing"
)

func TestFileJournalAppendAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	s := New(path)

	for i := 0; i < 5; i++ {
		err := s.Append(Entry{RunDir: "/runs/a", Type: "item_completed", ItemPath: fmt.Sprintf("/in/%d.jpg", i)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Append(Entry{RunDir: "/runs/b", Type: "batch_started"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.List("/runs/a", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("entries: %d", len(got))
	}
	// newest first
	if got[0].ItemPath != "/in/4.jpg" || got[4].ItemPath != "/in/0.jpg" {
		t.Fatalf("ordering: %v", got)
	}
	for _, e := range got {
		if e.At.IsZero() || e.ID == 0 {
			t.Fatalf("entry missing id or timestamp: %+v", e)
		}
	}

	limited, err := s.List("/runs/a", 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 || limited[0].ItemPath != "/in/4.jpg" {
		t.Fatalf("limited: %v", limited)
	}
}

func TestFileJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	s := New(path)
	if err := s.Append(Entry{RunDir: "/runs/a", Type: "batch_started"}); err != nil {
		t.Fatal(err)
	}

	reopened := New(path)
	if err := reopened.Append(Entry{RunDir: "/runs/a", Type: "batch_done"}); err != nil {
		t.Fatal(err)
	}
	got, err := reopened.List("/runs/a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("entries after reopen: %d", len(got))
	}
	// ids keep increasing across reopens
	if got[0].ID <= got[1].ID {
		t.Fatalf("ids must be monotonic: %v", got)
	}
}

func TestNewFromEnvFallsBackToFile(t *testing.T) {
	t.Setenv("JOURNAL_PG_DSN", "")
	s := NewFromEnv(filepath.Join(t.TempDir(), "journal.json"))
	if s.db != nil {
		t.Fatalf("expected file backend")
	}
}
