package transcription

import (
	"fmt"
	"sync"
	"time"
)

// SpeakerID identifies a distinct voice within one session. It is a stable
// per-session label, not a cross-session identity.
type SpeakerID string

// Identifier maps audio to a speaker within a session. Implementations may
// run real diarization; the default cache assigns one speaker per user and
// keeps the mapping stable for the session lifetime.
type Identifier interface {
	Identify(sessionID, userID string, pcm []byte) (SpeakerID, float64)
}

type speakerProfile struct {
	id        SpeakerID
	userID    string
	firstSeen time.Time
	lastSeen  time.Time
	samples   uint64
}

// ProfileCache assigns stable speaker labels per (session, user) pair.
// Labels are ordinal in order of first appearance.
type ProfileCache struct {
	mu       sync.Mutex
	sessions map[string]map[string]*speakerProfile
}

// NewProfileCache creates an empty speaker profile cache.
func NewProfileCache() *ProfileCache {
	return &ProfileCache{
		sessions: make(map[string]map[string]*speakerProfile),
	}
}

// Identify returns the speaker label for the given user in the given
// session, creating one on first sight. Confidence is fixed: identity is
// derived from the connection, not from the audio itself.
func (pc *ProfileCache) Identify(sessionID, userID string, pcm []byte) (SpeakerID, float64) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	profiles, ok := pc.sessions[sessionID]
	if !ok {
		profiles = make(map[string]*speakerProfile)
		pc.sessions[sessionID] = profiles
	}

	now := time.Now()
	profile, ok := profiles[userID]
	if !ok {
		profile = &speakerProfile{
			id:        SpeakerID(fmt.Sprintf("speaker_%d", len(profiles)+1)),
			userID:    userID,
			firstSeen: now,
		}
		profiles[userID] = profile
	}
	profile.lastSeen = now
	profile.samples++

	return profile.id, 0.75
}

// SpeakerCount returns the number of distinct speakers seen in a session.
func (pc *ProfileCache) SpeakerCount(sessionID string) int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.sessions[sessionID])
}

// DropSession discards all profiles for a finished session.
func (pc *ProfileCache) DropSession(sessionID string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	delete(pc.sessions, sessionID)
}
