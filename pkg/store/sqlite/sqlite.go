// Package sqlite is the default store backend: a single-file database with
// WAL journaling, suited to the one-daemon-per-user deployment.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	cterrors "github.com/captrail/captrail/pkg/errors"
	"github.com/captrail/captrail/pkg/store"
)

const schema = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 5000;
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS meetings (
    id             TEXT PRIMARY KEY,
    platform       TEXT NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    page_url       TEXT NOT NULL DEFAULT '',
    started_at     TEXT NOT NULL,
    ended_at       TEXT,
    recovered      INTEGER NOT NULL DEFAULT 0,
    webhook_status TEXT NOT NULL DEFAULT 'new'
);

CREATE TABLE IF NOT EXISTS transcript_blocks (
    meeting_id TEXT NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    speaker    TEXT NOT NULL,
    started_at TEXT NOT NULL,
    text       TEXT NOT NULL,
    PRIMARY KEY (meeting_id, seq)
);

CREATE TABLE IF NOT EXISTS chat_messages (
    meeting_id TEXT NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    speaker    TEXT NOT NULL,
    sent_at    TEXT NOT NULL,
    text       TEXT NOT NULL,
    PRIMARY KEY (meeting_id, seq)
);

CREATE INDEX IF NOT EXISTS meetings_started_at ON meetings(started_at DESC);
`

// Store implements store.Store on a local sqlite file.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordMeetingStart implements store.Store.
func (s *Store) RecordMeetingStart(ctx context.Context, m *store.Meeting) error {
	status := m.WebhookStatus
	if status == "" {
		status = store.WebhookStatusNew
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meetings (id, platform, title, page_url, started_at, ended_at, recovered, webhook_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Platform, m.Title, m.PageURL,
		fmtTime(m.StartedAt), nullTime(m.EndedAt), m.Recovered, string(status))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("meeting %s already exists: %w", m.ID, cterrors.ErrInvalidState)
		}
		return fmt.Errorf("insert meeting: %w", err)
	}
	return nil
}

// SetTitle implements store.Store.
func (s *Store) SetTitle(ctx context.Context, meetingID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET title = ? WHERE id = ?`, title, meetingID)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	return requireRow(res, meetingID)
}

// AppendTranscriptBlock implements store.Store.
func (s *Store) AppendTranscriptBlock(ctx context.Context, meetingID string, b store.TranscriptBlock) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript_blocks (meeting_id, seq, speaker, started_at, text)
		 SELECT id, (SELECT COALESCE(MAX(seq), -1) + 1 FROM transcript_blocks WHERE meeting_id = ?), ?, ?, ?
		 FROM meetings WHERE id = ?`,
		meetingID, b.Speaker, fmtTime(b.StartedAt), b.Text, meetingID)
	if err != nil {
		return fmt.Errorf("insert transcript block: %w", err)
	}
	return requireRow(res, meetingID)
}

// AppendChatMessage implements store.Store.
func (s *Store) AppendChatMessage(ctx context.Context, meetingID string, m store.ChatMessage) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (meeting_id, seq, speaker, sent_at, text)
		 SELECT id, (SELECT COALESCE(MAX(seq), -1) + 1 FROM chat_messages WHERE meeting_id = ?), ?, ?, ?
		 FROM meetings WHERE id = ?`,
		meetingID, m.Speaker, fmtTime(m.SentAt), m.Text, meetingID)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return requireRow(res, meetingID)
}

// RecordMeetingEnd implements store.Store.
func (s *Store) RecordMeetingEnd(ctx context.Context, meetingID string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		fmtTime(endedAt), meetingID)
	if err != nil {
		return fmt.Errorf("finalize meeting: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) > 0 FROM meetings WHERE id = ?`, meetingID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("meeting %s: %w", meetingID, cterrors.ErrNotFound)
	}
	return fmt.Errorf("meeting %s: %w", meetingID, cterrors.ErrAlreadyFinalized)
}

// GetUnfinalizedMeeting implements store.Store.
func (s *Store) GetUnfinalizedMeeting(ctx context.Context) (*store.Meeting, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM meetings WHERE ended_at IS NULL ORDER BY started_at LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, cterrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query unfinalized meeting: %w", err)
	}
	return s.GetMeeting(ctx, id)
}

// MarkRecovered implements store.Store.
func (s *Store) MarkRecovered(ctx context.Context, meetingID string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET recovered = 1, ended_at = COALESCE(ended_at, ?) WHERE id = ?`,
		fmtTime(endedAt), meetingID)
	if err != nil {
		return fmt.Errorf("mark recovered: %w", err)
	}
	return requireRow(res, meetingID)
}

// SetWebhookStatus implements store.Store.
func (s *Store) SetWebhookStatus(ctx context.Context, meetingID string, status store.WebhookStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET webhook_status = ? WHERE id = ?`, string(status), meetingID)
	if err != nil {
		return fmt.Errorf("update webhook status: %w", err)
	}
	return requireRow(res, meetingID)
}

// GetMeeting implements store.Store.
func (s *Store) GetMeeting(ctx context.Context, meetingID string) (*store.Meeting, error) {
	m := &store.Meeting{}
	var startedAt string
	var endedAt sql.NullString
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, platform, title, page_url, started_at, ended_at, recovered, webhook_status
		 FROM meetings WHERE id = ?`, meetingID).
		Scan(&m.ID, &m.Platform, &m.Title, &m.PageURL, &startedAt, &endedAt, &m.Recovered, &status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("meeting %s: %w", meetingID, cterrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query meeting: %w", err)
	}
	m.StartedAt = parseTime(startedAt)
	if endedAt.Valid {
		m.EndedAt = parseTime(endedAt.String)
	}
	m.WebhookStatus = store.WebhookStatus(status)

	if m.Transcript, err = s.transcript(ctx, meetingID); err != nil {
		return nil, err
	}
	if m.Chat, err = s.chat(ctx, meetingID); err != nil {
		return nil, err
	}
	return m, nil
}

// ListMeetings implements store.Store.
func (s *Store) ListMeetings(ctx context.Context, limit int) ([]store.MeetingSummary, error) {
	q := `SELECT m.id, m.platform, m.title, m.started_at, m.ended_at, m.recovered, m.webhook_status,
	             (SELECT COUNT(*) FROM transcript_blocks b WHERE b.meeting_id = m.id),
	             (SELECT COUNT(*) FROM chat_messages c WHERE c.meeting_id = m.id)
	      FROM meetings m ORDER BY m.started_at DESC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	defer rows.Close()

	var out []store.MeetingSummary
	for rows.Next() {
		var sm store.MeetingSummary
		var startedAt string
		var endedAt sql.NullString
		var status string
		if err := rows.Scan(&sm.ID, &sm.Platform, &sm.Title, &startedAt, &endedAt,
			&sm.Recovered, &status, &sm.BlockCount, &sm.ChatCount); err != nil {
			return nil, err
		}
		sm.StartedAt = parseTime(startedAt)
		if endedAt.Valid {
			sm.EndedAt = parseTime(endedAt.String)
		}
		sm.WebhookStatus = store.WebhookStatus(status)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) transcript(ctx context.Context, meetingID string) ([]store.TranscriptBlock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT speaker, started_at, text FROM transcript_blocks WHERE meeting_id = ? ORDER BY seq`,
		meetingID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []store.TranscriptBlock
	for rows.Next() {
		var b store.TranscriptBlock
		var at string
		if err := rows.Scan(&b.Speaker, &at, &b.Text); err != nil {
			return nil, err
		}
		b.StartedAt = parseTime(at)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) chat(ctx context.Context, meetingID string) ([]store.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT speaker, sent_at, text FROM chat_messages WHERE meeting_id = ? ORDER BY seq`,
		meetingID)
	if err != nil {
		return nil, fmt.Errorf("query chat: %w", err)
	}
	defer rows.Close()

	var out []store.ChatMessage
	for rows.Next() {
		var m store.ChatMessage
		var at string
		if err := rows.Scan(&m.Speaker, &at, &m.Text); err != nil {
			return nil, err
		}
		m.SentAt = parseTime(at)
		out = append(out, m)
	}
	return out, rows.Err()
}

// requireRow maps a zero-row update to ErrNotFound.
func requireRow(res sql.Result, meetingID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("meeting %s: %w", meetingID, cterrors.ErrNotFound)
	}
	return nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Verify interface compliance
var _ store.Store = (*Store)(nil)
