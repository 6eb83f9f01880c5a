package session

import (
	"sync"
	"time"

	"github.com/voxmeet/voice-session-service/internal/audio"
	"github.com/voxmeet/voice-session-service/internal/errs"
	"github.com/voxmeet/voice-session-service/internal/transcription"
)

// State is a session's top-level lifecycle state.
type State string

const (
	StatePreparing State = "preparing"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateError     State = "error"
)

// legalEdges holds the allowed lifecycle transitions. Anything absent is
// rejected with an invalid transition error.
var legalEdges = map[State][]State{
	StatePreparing: {StateActive, StateCancelled},
	StateActive:    {StatePaused, StateCompleted, StateError},
	StatePaused:    {StateActive, StateCompleted, StateError},
}

func canTransition(from, to State) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RecordingState tracks the orthogonal recording sub-state.
type RecordingState string

const (
	RecordingStopped    RecordingState = "stopped"
	RecordingActive     RecordingState = "recording"
	RecordingPaused     RecordingState = "paused"
	RecordingProcessing RecordingState = "processing"
)

// Recording is the per-session recording sub-state. Duration accumulates
// across pauses; pausing folds the running span into Duration so resume
// continues from where it left off.
type Recording struct {
	State     RecordingState `json:"state"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	PausedAt  *time.Time     `json:"paused_at,omitempty"`
	Duration  float64        `json:"duration_seconds"`
	Quality   string         `json:"quality"`
	Format    string         `json:"format"`
}

func (r *Recording) start(now time.Time) {
	r.State = RecordingActive
	r.StartedAt = &now
	r.PausedAt = nil
}

func (r *Recording) pause(now time.Time) {
	if r.State != RecordingActive {
		return
	}
	if r.StartedAt != nil {
		r.Duration += now.Sub(*r.StartedAt).Seconds()
	}
	r.State = RecordingPaused
	r.PausedAt = &now
	r.StartedAt = nil
}

func (r *Recording) resume(now time.Time) {
	if r.State != RecordingPaused {
		return
	}
	r.start(now)
}

func (r *Recording) stop(now time.Time) {
	if r.State == RecordingActive && r.StartedAt != nil {
		r.Duration += now.Sub(*r.StartedAt).Seconds()
	}
	r.State = RecordingStopped
	r.StartedAt = nil
	r.PausedAt = nil
}

// SubState is the running/stopped flag shared by the transcription and
// analytics sub-machines.
type SubState string

const (
	SubStateStopped SubState = "stopped"
	SubStateRunning SubState = "running"
	SubStatePaused  SubState = "paused"
)

// Snapshot is one entry in a session's append-only transition history.
type Snapshot struct {
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Session is one live voice meeting. All mutation goes through methods
// holding the session lock; the audio and transcription pipelines hang off
// the session and share its lifetime.
type Session struct {
	ID    string
	Title string

	mu            sync.Mutex
	state         State
	hostID        string
	createdAt     time.Time
	startedAt     *time.Time
	endedAt       *time.Time
	participants  map[string]*Participant
	history       []Snapshot
	recording     Recording
	transcription SubState
	analytics     SubState

	// emptySince is set when the last participant disconnects, cleared on
	// join. The abandoned-session sweep keys off it.
	emptySince *time.Time

	audioPipe *audio.Pipeline
	transPipe *transcription.Pipeline
}

func newSession(id, title string, audioPipe *audio.Pipeline, transPipe *transcription.Pipeline) *Session {
	now := time.Now()
	s := &Session{
		ID:            id,
		Title:         title,
		state:         StatePreparing,
		createdAt:     now,
		participants:  make(map[string]*Participant),
		recording:     Recording{State: RecordingStopped, Quality: "high", Format: "pcm_s16le"},
		transcription: SubStateStopped,
		analytics:     SubStateStopped,
		audioPipe:     audioPipe,
		transPipe:     transPipe,
	}
	s.history = append(s.history, Snapshot{State: StatePreparing, Timestamp: now, Reason: "created"})
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HostID returns the user who created the session.
func (s *Session) HostID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostID
}

// Recording returns a copy of the recording sub-state.
func (s *Session) Recording() Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// History returns a copy of the transition history.
func (s *Session) History() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Snapshot(nil), s.history...)
}

// Duration returns elapsed session time in seconds. Zero before start;
// frozen once ended.
func (s *Session) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durationLocked(time.Now())
}

func (s *Session) durationLocked(now time.Time) float64 {
	if s.startedAt == nil {
		return 0
	}
	end := now
	if s.endedAt != nil {
		end = *s.endedAt
	}
	return end.Sub(*s.startedAt).Seconds()
}

// transitionLocked moves the session along a legal edge and appends the
// history snapshot. Caller must hold s.mu.
func (s *Session) transitionLocked(to State, reason string, now time.Time) error {
	if !canTransition(s.state, to) {
		return &errs.InvalidTransitionError{From: string(s.state), To: string(to)}
	}
	s.state = to
	s.history = append(s.history, Snapshot{State: to, Timestamp: now, Reason: reason})
	return nil
}

// Participants returns roster snapshots. Iteration order is not promised;
// callers sort if they need a fixed order.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p.snapshot())
	}
	return out
}

// Participant returns a snapshot of one participant, false when absent.
func (s *Session) Participant(userID string) (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[userID]
	if !ok {
		return Participant{}, false
	}
	return p.snapshot(), true
}

// connectedCountLocked counts participants not marked disconnected.
// Caller must hold s.mu.
func (s *Session) connectedCountLocked() int {
	n := 0
	for _, p := range s.participants {
		if p.State != ParticipantDisconnected {
			n++
		}
	}
	return n
}

// AudioPipeline exposes the session's audio pipeline.
func (s *Session) AudioPipeline() *audio.Pipeline {
	return s.audioPipe
}

// TranscriptionPipeline exposes the session's transcription pipeline.
func (s *Session) TranscriptionPipeline() *transcription.Pipeline {
	return s.transPipe
}

// Info is the monitoring view of a session.
type Info struct {
	ID            string              `json:"id"`
	Title         string              `json:"title,omitempty"`
	State         State               `json:"state"`
	HostID        string              `json:"host_id"`
	CreatedAt     time.Time           `json:"created_at"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	EndedAt       *time.Time          `json:"ended_at,omitempty"`
	Duration      float64             `json:"duration_seconds"`
	Participants  int                 `json:"participants"`
	Recording     Recording           `json:"recording"`
	Transcription SubState            `json:"transcription"`
	Analytics     SubState            `json:"analytics"`
	History       []Snapshot          `json:"history,omitempty"`
	AudioStats    audio.PipelineStats `json:"audio"`
}

// Info returns a point-in-time monitoring snapshot.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:            s.ID,
		Title:         s.Title,
		State:         s.state,
		HostID:        s.hostID,
		CreatedAt:     s.createdAt,
		StartedAt:     s.startedAt,
		EndedAt:       s.endedAt,
		Duration:      s.durationLocked(time.Now()),
		Participants:  s.connectedCountLocked(),
		Recording:     s.recording,
		Transcription: s.transcription,
		Analytics:     s.analytics,
		History:       append([]Snapshot(nil), s.history...),
	}
	if s.audioPipe != nil {
		info.AudioStats = s.audioPipe.Stats()
	}
	return info
}
