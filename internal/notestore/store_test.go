package notestore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxnote/voxnote/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.NoteStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "notes.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open note store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := openStore(t, config.NoteStoreConfig{})

	note := Note{
		ID:         "note-1",
		SessionID:  "session-123",
		DeviceID:   "device-9",
		Text:       "buy oat milk",
		Provider:   "on-device",
		Confidence: 0.92,
		Language:   "en",
	}
	if err := s.SaveNote(context.Background(), note); err != nil {
		t.Fatalf("save note: %v", err)
	}

	got, err := s.GetNote(context.Background(), "note-1")
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	if got.Text != "buy oat milk" {
		t.Fatalf("unexpected text: %q", got.Text)
	}
	if got.Provider != "on-device" {
		t.Fatalf("unexpected provider: %q", got.Provider)
	}
}

func TestSaveRejectsEmptyID(t *testing.T) {
	s := openStore(t, config.NoteStoreConfig{})
	if err := s.SaveNote(context.Background(), Note{Text: "x"}); err == nil {
		t.Fatal("expected error for empty note id")
	}
}

func TestTags(t *testing.T) {
	s := openStore(t, config.NoteStoreConfig{})
	if err := s.SaveNote(context.Background(), Note{ID: "note-1", Text: "call dentist"}); err != nil {
		t.Fatalf("save note: %v", err)
	}
	if err := s.AddTags(context.Background(), "note-1", "health", "todo", "health"); err != nil {
		t.Fatalf("add tags: %v", err)
	}
	tags, err := s.Tags(context.Background(), "note-1")
	if err != nil {
		t.Fatalf("list tags: %v", err)
	}
	if len(tags) != 2 || tags[0] != "health" || tags[1] != "todo" {
		t.Fatalf("unexpected tags: %v", tags)
	}
}

func TestDeleteCascadesTags(t *testing.T) {
	s := openStore(t, config.NoteStoreConfig{})
	if err := s.SaveNote(context.Background(), Note{ID: "note-1", Text: "water plants"}); err != nil {
		t.Fatalf("save note: %v", err)
	}
	if err := s.AddTags(context.Background(), "note-1", "home"); err != nil {
		t.Fatalf("add tags: %v", err)
	}
	if err := s.DeleteNote(context.Background(), "note-1"); err != nil {
		t.Fatalf("delete note: %v", err)
	}
	tags, err := s.Tags(context.Background(), "note-1")
	if err != nil {
		t.Fatalf("list tags: %v", err)
	}
	if len(tags) != 0 {
		t.Fatalf("expected tags removed with note, got %v", tags)
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	s := openStore(t, config.NoteStoreConfig{RetentionDays: 1, MaxNotes: 1})

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.SaveNote(context.Background(), Note{ID: "old", Text: "stale"}); err != nil {
		t.Fatalf("save note: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.SaveNote(context.Background(), Note{ID: "new", Text: "fresh"}); err != nil {
		t.Fatalf("save note: %v", err)
	}
	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := s.GetNote(context.Background(), "old"); err == nil {
		t.Fatal("expected old note pruned")
	}
	if _, err := s.GetNote(context.Background(), "new"); err != nil {
		t.Fatalf("expected new note kept: %v", err)
	}
}

func TestListRecentOrder(t *testing.T) {
	s := openStore(t, config.NoteStoreConfig{})

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.SaveNote(context.Background(), Note{ID: "first", Text: "a"}); err != nil {
		t.Fatalf("save note: %v", err)
	}
	s.clock = func() time.Time { return time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC) }
	if err := s.SaveNote(context.Background(), Note{ID: "second", Text: "b"}); err != nil {
		t.Fatalf("save note: %v", err)
	}

	notes, err := s.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list notes: %v", err)
	}
	if len(notes) != 2 || notes[0].ID != "second" {
		t.Fatalf("expected newest first, got %v", notes)
	}
}
