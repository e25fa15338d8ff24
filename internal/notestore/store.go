package notestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voxnote/voxnote/internal/config"
)

// Note is one persisted transcript.
type Note struct {
	ID         string
	SessionID  string
	DeviceID   string
	Text       string
	Provider   string
	Confidence float64
	Language   string
	CreatedAt  time.Time
}

// Store wraps the SQLite-backed note sink.
type Store struct {
	db    *sql.DB
	cfg   config.NoteStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the note store according to config.
func Open(ctx context.Context, cfg config.NoteStoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("note store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("note store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS notes (
    id TEXT PRIMARY KEY,
    session_id TEXT,
    device_id TEXT,
    body TEXT NOT NULL,
    provider TEXT,
    confidence REAL,
    language TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS note_tags (
    note_id TEXT NOT NULL,
    tag TEXT NOT NULL,
    PRIMARY KEY(note_id, tag),
    FOREIGN KEY(note_id) REFERENCES notes(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_notes_created ON notes(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveNote writes a note.
func (s *Store) SaveNote(ctx context.Context, note Note) error {
	if note.ID == "" {
		return errors.New("note id must not be empty")
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notes(id, session_id, device_id, body, provider, confidence, language, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		note.ID, note.SessionID, note.DeviceID, note.Text, note.Provider, note.Confidence, note.Language, note.CreatedAt)
	return err
}

// GetNote fetches a single note by id.
func (s *Store) GetNote(ctx context.Context, id string) (Note, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, device_id, body, provider, confidence, language, created_at
		 FROM notes WHERE id = ?`, id)
	return scanNote(row)
}

// ListRecent retrieves up to limit notes, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, device_id, body, provider, confidence, language, created_at
		 FROM notes ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// AddTags attaches tags to an existing note; duplicates are ignored.
func (s *Store) AddTags(ctx context.Context, noteID string, tags ...string) error {
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO note_tags(note_id, tag) VALUES(?, ?)
			 ON CONFLICT(note_id, tag) DO NOTHING`, noteID, tag)
		if err != nil {
			return err
		}
	}
	return nil
}

// Tags lists a note's tags.
func (s *Store) Tags(ctx context.Context, noteID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag FROM note_tags WHERE note_id = ? ORDER BY tag`, noteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// DeleteNote removes a note and its tags.
func (s *Store) DeleteNote(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	return err
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM notes WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxNotes > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM notes WHERE id IN (
			SELECT id FROM notes ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxNotes)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (Note, error) {
	var n Note
	var created string
	if err := row.Scan(&n.ID, &n.SessionID, &n.DeviceID, &n.Text, &n.Provider, &n.Confidence, &n.Language, &created); err != nil {
		return Note{}, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		n.CreatedAt = ts
	}
	return n, nil
}
