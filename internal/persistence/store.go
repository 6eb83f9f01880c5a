// Package persistence stores session records, committed transcripts and
// recorded audio. The in-memory store backs tests and single-node
// deployments; the interface is what the rest of the service programs to.
package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voxmeet/voice-session-service/internal/transcription"
)

// SessionRecord is the durable view of a session.
type SessionRecord struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	HostID          string     `json:"host_id"`
	State           string     `json:"state"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	RecordingOn     bool       `json:"recording_on"`
}

// Store persists sessions and their artifacts. All methods are safe for
// concurrent use.
type Store interface {
	SaveSession(ctx context.Context, rec *SessionRecord) error
	LoadSession(ctx context.Context, id string) (*SessionRecord, error)
	SaveTranscript(ctx context.Context, seg *transcription.Segment) error
	Transcripts(ctx context.Context, sessionID string) ([]*transcription.Segment, error)
	AppendRecording(ctx context.Context, sessionID string, pcm []byte) error
	RecordingSize(ctx context.Context, sessionID string) (int, error)
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*SessionRecord
	transcripts map[string][]*transcription.Segment
	recordings  map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*SessionRecord),
		transcripts: make(map[string][]*transcription.Segment),
		recordings:  make(map[string][]byte),
	}
}

func (s *MemoryStore) SaveSession(_ context.Context, rec *SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("session record missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.sessions[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) LoadSession(_ context.Context, id string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) SaveTranscript(_ context.Context, seg *transcription.Segment) error {
	if !seg.IsFinal {
		return fmt.Errorf("only final segments are persisted")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[seg.SessionID] = append(s.transcripts[seg.SessionID], seg)
	return nil
}

func (s *MemoryStore) Transcripts(_ context.Context, sessionID string) ([]*transcription.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*transcription.Segment(nil), s.transcripts[sessionID]...), nil
}

func (s *MemoryStore) AppendRecording(_ context.Context, sessionID string, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordings[sessionID] = append(s.recordings[sessionID], pcm...)
	return nil
}

func (s *MemoryStore) RecordingSize(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recordings[sessionID]), nil
}
