package store

import (
	"context"
	"sort"
	"sync"
	"time"

	cterrors "github.com/captrail/captrail/pkg/errors"
)

// MemoryStore is an in-memory Store for tests and dry runs.
type MemoryStore struct {
	mu       sync.Mutex
	meetings map[string]*Meeting
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{meetings: make(map[string]*Meeting)}
}

// RecordMeetingStart implements Store.
func (s *MemoryStore) RecordMeetingStart(ctx context.Context, m *Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.meetings[m.ID]; exists {
		return cterrors.ErrInvalidState
	}
	mc := *m
	mc.WebhookStatus = WebhookStatusNew
	mc.Transcript = append([]TranscriptBlock(nil), m.Transcript...)
	mc.Chat = append([]ChatMessage(nil), m.Chat...)
	s.meetings[m.ID] = &mc
	return nil
}

// SetTitle implements Store.
func (s *MemoryStore) SetTitle(ctx context.Context, meetingID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return cterrors.ErrNotFound
	}
	m.Title = title
	return nil
}

// AppendTranscriptBlock implements Store.
func (s *MemoryStore) AppendTranscriptBlock(ctx context.Context, meetingID string, b TranscriptBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return cterrors.ErrNotFound
	}
	m.Transcript = append(m.Transcript, b)
	return nil
}

// AppendChatMessage implements Store.
func (s *MemoryStore) AppendChatMessage(ctx context.Context, meetingID string, msg ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return cterrors.ErrNotFound
	}
	m.Chat = append(m.Chat, msg)
	return nil
}

// RecordMeetingEnd implements Store.
func (s *MemoryStore) RecordMeetingEnd(ctx context.Context, meetingID string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return cterrors.ErrNotFound
	}
	if m.Finalized() {
		return cterrors.ErrAlreadyFinalized
	}
	m.EndedAt = endedAt
	return nil
}

// GetUnfinalizedMeeting implements Store.
func (s *MemoryStore) GetUnfinalizedMeeting(ctx context.Context) (*Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.meetings {
		if !m.Finalized() {
			return copyMeeting(m), nil
		}
	}
	return nil, cterrors.ErrNotFound
}

// MarkRecovered implements Store.
func (s *MemoryStore) MarkRecovered(ctx context.Context, meetingID string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return cterrors.ErrNotFound
	}
	if m.Recovered {
		return nil
	}
	if !m.Finalized() {
		m.EndedAt = endedAt
	}
	m.Recovered = true
	return nil
}

// SetWebhookStatus implements Store.
func (s *MemoryStore) SetWebhookStatus(ctx context.Context, meetingID string, status WebhookStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return cterrors.ErrNotFound
	}
	m.WebhookStatus = status
	return nil
}

// GetMeeting implements Store.
func (s *MemoryStore) GetMeeting(ctx context.Context, meetingID string) (*Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return nil, cterrors.ErrNotFound
	}
	return copyMeeting(m), nil
}

// ListMeetings implements Store.
func (s *MemoryStore) ListMeetings(ctx context.Context, limit int) ([]MeetingSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MeetingSummary, 0, len(s.meetings))
	for _, m := range s.meetings {
		out = append(out, MeetingSummary{
			ID:            m.ID,
			Platform:      m.Platform,
			Title:         m.Title,
			StartedAt:     m.StartedAt,
			EndedAt:       m.EndedAt,
			Recovered:     m.Recovered,
			WebhookStatus: m.WebhookStatus,
			BlockCount:    len(m.Transcript),
			ChatCount:     len(m.Chat),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func copyMeeting(m *Meeting) *Meeting {
	mc := *m
	mc.Transcript = append([]TranscriptBlock(nil), m.Transcript...)
	mc.Chat = append([]ChatMessage(nil), m.Chat...)
	return &mc
}

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
