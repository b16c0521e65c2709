package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	cterrors "github.com/captrail/captrail/pkg/errors"
	"github.com/captrail/captrail/pkg/store"
)

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an already-connected pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects with retry and returns a ready Store.
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	pool, err := ConnectWithRetry(ctx, cfg, 5, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return NewStore(pool), nil
}

// RecordMeetingStart implements store.Store.
func (s *Store) RecordMeetingStart(ctx context.Context, m *store.Meeting) error {
	status := m.WebhookStatus
	if status == "" {
		status = store.WebhookStatusNew
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO meetings (id, platform, title, page_url, started_at, ended_at, recovered, webhook_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.Platform, m.Title, m.PageURL, m.StartedAt, nullableTime(m.EndedAt), m.Recovered, string(status))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("meeting %s already exists: %w", m.ID, cterrors.ErrInvalidState)
		}
		return fmt.Errorf("insert meeting: %w", err)
	}
	return nil
}

// SetTitle implements store.Store.
func (s *Store) SetTitle(ctx context.Context, meetingID, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE meetings SET title = $1 WHERE id = $2`, title, meetingID)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	return requireRow(tag, meetingID)
}

// AppendTranscriptBlock implements store.Store.
func (s *Store) AppendTranscriptBlock(ctx context.Context, meetingID string, b store.TranscriptBlock) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO transcript_blocks (meeting_id, seq, speaker, started_at, text)
		 SELECT id, (SELECT COALESCE(MAX(seq), -1) + 1 FROM transcript_blocks WHERE meeting_id = $1), $2, $3, $4
		 FROM meetings WHERE id = $1`,
		meetingID, b.Speaker, b.StartedAt, b.Text)
	if err != nil {
		return fmt.Errorf("insert transcript block: %w", err)
	}
	return requireRow(tag, meetingID)
}

// AppendChatMessage implements store.Store.
func (s *Store) AppendChatMessage(ctx context.Context, meetingID string, m store.ChatMessage) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO chat_messages (meeting_id, seq, speaker, sent_at, text)
		 SELECT id, (SELECT COALESCE(MAX(seq), -1) + 1 FROM chat_messages WHERE meeting_id = $1), $2, $3, $4
		 FROM meetings WHERE id = $1`,
		meetingID, m.Speaker, m.SentAt, m.Text)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return requireRow(tag, meetingID)
}

// RecordMeetingEnd implements store.Store.
func (s *Store) RecordMeetingEnd(ctx context.Context, meetingID string, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE meetings SET ended_at = $1 WHERE id = $2 AND ended_at IS NULL`,
		endedAt, meetingID)
	if err != nil {
		return fmt.Errorf("finalize meeting: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) > 0 FROM meetings WHERE id = $1`, meetingID).Scan(&exists); err != nil {
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
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM meetings WHERE ended_at IS NULL ORDER BY started_at LIMIT 1`).Scan(&id)
	if isNoRows(err) {
		return nil, cterrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query unfinalized meeting: %w", err)
	}
	return s.GetMeeting(ctx, id)
}

// MarkRecovered implements store.Store.
func (s *Store) MarkRecovered(ctx context.Context, meetingID string, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE meetings SET recovered = TRUE, ended_at = COALESCE(ended_at, $1) WHERE id = $2`,
		endedAt, meetingID)
	if err != nil {
		return fmt.Errorf("mark recovered: %w", err)
	}
	return requireRow(tag, meetingID)
}

// SetWebhookStatus implements store.Store.
func (s *Store) SetWebhookStatus(ctx context.Context, meetingID string, status store.WebhookStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE meetings SET webhook_status = $1 WHERE id = $2`, string(status), meetingID)
	if err != nil {
		return fmt.Errorf("update webhook status: %w", err)
	}
	return requireRow(tag, meetingID)
}

// GetMeeting implements store.Store.
func (s *Store) GetMeeting(ctx context.Context, meetingID string) (*store.Meeting, error) {
	m := &store.Meeting{}
	var endedAt sql.NullTime
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, platform, title, page_url, started_at, ended_at, recovered, webhook_status
		 FROM meetings WHERE id = $1`, meetingID).
		Scan(&m.ID, &m.Platform, &m.Title, &m.PageURL, &m.StartedAt, &endedAt, &m.Recovered, &status)
	if isNoRows(err) {
		return nil, fmt.Errorf("meeting %s: %w", meetingID, cterrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query meeting: %w", err)
	}
	if endedAt.Valid {
		m.EndedAt = endedAt.Time
	}
	m.WebhookStatus = store.WebhookStatus(status)

	rows, err := s.pool.Query(ctx,
		`SELECT speaker, started_at, text FROM transcript_blocks WHERE meeting_id = $1 ORDER BY seq`,
		meetingID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	for rows.Next() {
		var b store.TranscriptBlock
		if err := rows.Scan(&b.Speaker, &b.StartedAt, &b.Text); err != nil {
			rows.Close()
			return nil, err
		}
		m.Transcript = append(m.Transcript, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT speaker, sent_at, text FROM chat_messages WHERE meeting_id = $1 ORDER BY seq`,
		meetingID)
	if err != nil {
		return nil, fmt.Errorf("query chat: %w", err)
	}
	for rows.Next() {
		var msg store.ChatMessage
		if err := rows.Scan(&msg.Speaker, &msg.SentAt, &msg.Text); err != nil {
			rows.Close()
			return nil, err
		}
		m.Chat = append(m.Chat, msg)
	}
	rows.Close()
	return m, rows.Err()
}

// ListMeetings implements store.Store.
func (s *Store) ListMeetings(ctx context.Context, limit int) ([]store.MeetingSummary, error) {
	q := `SELECT m.id, m.platform, m.title, m.started_at, m.ended_at, m.recovered, m.webhook_status,
	             (SELECT COUNT(*) FROM transcript_blocks b WHERE b.meeting_id = m.id),
	             (SELECT COUNT(*) FROM chat_messages c WHERE c.meeting_id = m.id)
	      FROM meetings m ORDER BY m.started_at DESC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	defer rows.Close()

	var out []store.MeetingSummary
	for rows.Next() {
		var sm store.MeetingSummary
		var endedAt sql.NullTime
		var status string
		if err := rows.Scan(&sm.ID, &sm.Platform, &sm.Title, &sm.StartedAt, &endedAt,
			&sm.Recovered, &status, &sm.BlockCount, &sm.ChatCount); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			sm.EndedAt = endedAt.Time
		}
		sm.WebhookStatus = store.WebhookStatus(status)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func requireRow(tag pgconn.CommandTag, meetingID string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("meeting %s: %w", meetingID, cterrors.ErrNotFound)
	}
	return nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Verify interface compliance
var _ store.Store = (*Store)(nil)
