package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxmeet/voice-session-service/internal/audio"
	"github.com/voxmeet/voice-session-service/internal/config"
	"github.com/voxmeet/voice-session-service/internal/errs"
	"github.com/voxmeet/voice-session-service/internal/metrics"
	"github.com/voxmeet/voice-session-service/internal/persistence"
	"github.com/voxmeet/voice-session-service/internal/transcription"
)

// ControlAction is a lifecycle command against a session.
type ControlAction string

const (
	ActionStart  ControlAction = "start"
	ActionPause  ControlAction = "pause"
	ActionResume ControlAction = "resume"
	ActionEnd    ControlAction = "end"
)

// StateChangeCallback observes lifecycle transitions. Callbacks run
// synchronously after the transition commits; a panic inside one is
// recovered and logged, never propagated.
type StateChangeCallback func(sessionID string, from, to State, duration float64)

// IngestResult is what one audio chunk produced. Dropped marks audio that
// was discarded because the participant is muted.
type IngestResult struct {
	Level     *audio.Level
	EmitLevel bool
	Final     *transcription.Segment
	Partial   *transcription.Segment
	Dropped   bool
}

// ManagerStats represents session manager statistics.
type ManagerStats struct {
	ActiveSessions uint64 `json:"active_sessions"`
	TotalCreated   uint64 `json:"total_created"`
	TotalEnded     uint64 `json:"total_ended"`
	TotalSwept     uint64 `json:"total_swept"`
}

// Manager owns every live session. It wires each session to its audio and
// transcription pipelines, gates actions by participant role, runs the
// lifecycle sweeps and persists what must outlive the process.
type Manager struct {
	audioCfg config.AudioConfig
	transCfg config.TranscriptionConfig
	cfg      config.SessionConfig

	transcriber transcription.Transcriber
	identifier  *transcription.ProfileCache
	store       persistence.Store
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	callbacks []StateChangeCallback

	totalCreated uint64
	totalEnded   uint64
	totalSwept   uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a session manager. m may be nil when metrics are not
// collected.
func NewManager(
	audioCfg config.AudioConfig,
	transCfg config.TranscriptionConfig,
	cfg config.SessionConfig,
	transcriber transcription.Transcriber,
	store persistence.Store,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		audioCfg:    audioCfg,
		transCfg:    transCfg,
		cfg:         cfg,
		transcriber: transcriber,
		identifier:  transcription.NewProfileCache(),
		store:       store,
		metrics:     m,
		logger:      logger.With("component", "sessions"),
		sessions:    make(map[string]*Session),
		stopCh:      make(chan struct{}),
	}
}

// OnStateChange registers a lifecycle observer. Must be called before
// traffic arrives.
func (m *Manager) OnStateChange(fn StateChangeCallback) {
	m.callbacks = append(m.callbacks, fn)
}

// Get returns a live session, nil when unknown.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// getOrCreate returns the live session for an id, creating it in the
// preparing state on first sight.
func (m *Manager) getOrCreate(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s
	}

	audioPipe := audio.NewPipeline(sessionID, audio.PipelineConfig{
		MaxChunkBytes:     m.audioCfg.MaxChunkBytes,
		LatencyWindow:     m.audioCfg.GetLatencyWindow(),
		MaxBufferedChunks: m.audioCfg.MaxBufferedChunks,
		SpeakingThreshold: m.audioCfg.SpeakingThreshold,
		LevelInterval:     m.audioCfg.GetLevelInterval(),
		Metrics:           m.metrics,
	}, nil, m.logger)

	transPipe := transcription.NewPipeline(transcription.PipelineConfig{
		SessionID:           sessionID,
		FlushMin:            m.transCfg.GetFlushMin(),
		FlushMax:            m.transCfg.GetFlushMax(),
		PartialInterval:     m.transCfg.GetPartialInterval(),
		CollaboratorTimeout: m.transCfg.GetTimeout(),
	}, m.transcriber, m.identifier, m.logger)

	s := newSession(sessionID, "", audioPipe, transPipe)
	m.sessions[sessionID] = s
	m.totalCreated++
	if m.metrics != nil {
		m.metrics.SessionsCreated.Inc()
		m.metrics.SessionsActive.Inc()
	}

	m.logger.Info("session created", "session_id", sessionID)
	return s
}

// Join adds a user to a session, creating the session when it does not
// exist yet. The first user to join becomes host. Rejoin by the same user
// rebinds the connection and resets the participant to connected instead
// of duplicating the roster entry.
func (m *Manager) Join(sessionID, connID, userID, displayName string) (Participant, []Participant, error) {
	s := m.getOrCreate(sessionID)

	s.mu.Lock()
	if s.state == StateCompleted || s.state == StateCancelled {
		s.mu.Unlock()
		return Participant{}, nil, &errs.ValidationError{Field: "session_id", Reason: "session has ended"}
	}

	now := time.Now()
	p, ok := s.participants[userID]
	if ok {
		p.ConnID = connID
		p.State = ParticipantConnected
		p.LastActivity = now
		if p.IsMuted {
			p.State = ParticipantMuted
		}
	} else {
		role := RoleParticipant
		if len(s.participants) == 0 {
			role = RoleHost
			s.hostID = userID
		}
		p = &Participant{
			UserID:       userID,
			DisplayName:  displayName,
			Role:         role,
			State:        ParticipantConnected,
			ConnID:       connID,
			JoinedAt:     now,
			LastActivity: now,
		}
		s.participants[userID] = p
	}
	s.emptySince = nil

	joined := p.snapshot()
	roster := make([]Participant, 0, len(s.participants))
	for _, rp := range s.participants {
		roster = append(roster, rp.snapshot())
	}
	s.mu.Unlock()

	m.logger.Info("participant joined",
		"session_id", sessionID,
		"user_id", userID,
		"role", joined.Role)
	return joined, roster, nil
}

// Leave marks a participant disconnected. The roster entry survives so a
// rejoin keeps role and talk time; entries are purged at session end.
func (m *Manager) Leave(sessionID, userID string) (Participant, bool) {
	s := m.Get(sessionID)
	if s == nil {
		return Participant{}, false
	}

	s.mu.Lock()
	p, ok := s.participants[userID]
	if !ok {
		s.mu.Unlock()
		return Participant{}, false
	}
	p.State = ParticipantDisconnected
	p.ConnID = ""
	p.LastActivity = time.Now()
	left := p.snapshot()
	if s.connectedCountLocked() == 0 {
		now := time.Now()
		s.emptySince = &now
	}
	s.mu.Unlock()

	m.logger.Info("participant left", "session_id", sessionID, "user_id", userID)
	return left, true
}

// HasPermission reports whether a user's role in the session carries a
// permission. Unknown users have none.
func (m *Manager) HasPermission(sessionID, userID string, perm Permission) bool {
	s := m.Get(sessionID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[userID]
	return ok && p.Role.Has(perm)
}

// SetRole changes a participant's role. Requires the change_roles
// permission unless the actor targets their own entry.
func (m *Manager) SetRole(sessionID, actorID, targetID string, role Role) (Participant, error) {
	if !ValidRole(role) {
		return Participant{}, &errs.ValidationError{Field: "role", Reason: "unknown role"}
	}
	s := m.Get(sessionID)
	if s == nil {
		return Participant{}, &errs.ValidationError{Field: "session_id", Reason: "unknown session"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	actor, ok := s.participants[actorID]
	if !ok {
		return Participant{}, &errs.ValidationError{Field: "user_id", Reason: "actor not in session"}
	}
	if actorID != targetID && !actor.Role.Has(PermChangeRoles) {
		return Participant{}, &errs.PermissionError{UserID: actorID, Permission: string(PermChangeRoles)}
	}
	target, ok := s.participants[targetID]
	if !ok {
		return Participant{}, &errs.ValidationError{Field: "user_id", Reason: "target not in session"}
	}
	target.Role = role
	target.LastActivity = time.Now()
	return target.snapshot(), nil
}

// SetMute flips a participant's mute flag. Self-mute is always allowed;
// muting others needs the mute_participants permission.
func (m *Manager) SetMute(sessionID, actorID, targetID string, muted bool) (Participant, error) {
	s := m.Get(sessionID)
	if s == nil {
		return Participant{}, &errs.ValidationError{Field: "session_id", Reason: "unknown session"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	actor, ok := s.participants[actorID]
	if !ok {
		return Participant{}, &errs.ValidationError{Field: "user_id", Reason: "actor not in session"}
	}
	if actorID != targetID && !actor.Role.Has(PermMuteParticipants) {
		return Participant{}, &errs.PermissionError{UserID: actorID, Permission: string(PermMuteParticipants)}
	}
	target, ok := s.participants[targetID]
	if !ok {
		return Participant{}, &errs.ValidationError{Field: "user_id", Reason: "target not in session"}
	}
	target.setMuted(muted)
	target.LastActivity = time.Now()
	return target.snapshot(), nil
}

// Control executes a lifecycle action. All four actions are gated at the
// host/moderator level. Returns the new state and current duration.
func (m *Manager) Control(ctx context.Context, sessionID, actorID string, action ControlAction) (State, float64, error) {
	s := m.Get(sessionID)
	if s == nil {
		return "", 0, &errs.ValidationError{Field: "session_id", Reason: "unknown session"}
	}

	s.mu.Lock()
	actor, ok := s.participants[actorID]
	if !ok {
		s.mu.Unlock()
		return "", 0, &errs.ValidationError{Field: "user_id", Reason: "actor not in session"}
	}
	required := PermControlRecording
	if action == ActionEnd {
		required = PermEndSession
	}
	if !actor.Role.Has(required) {
		s.mu.Unlock()
		return "", 0, &errs.PermissionError{UserID: actorID, Permission: string(required)}
	}
	s.mu.Unlock()

	switch action {
	case ActionStart:
		return m.start(s)
	case ActionPause:
		return m.pause(ctx, s)
	case ActionResume:
		return m.resume(s)
	case ActionEnd:
		return m.end(ctx, s, "ended by "+actorID)
	default:
		return "", 0, &errs.ValidationError{Field: "action", Reason: "unknown action"}
	}
}

func (m *Manager) start(s *Session) (State, float64, error) {
	now := time.Now()
	s.mu.Lock()
	from := s.state
	if err := s.transitionLocked(StateActive, "start", now); err != nil {
		s.mu.Unlock()
		return "", 0, err
	}
	s.startedAt = &now
	s.recording.start(now)
	s.transcription = SubStateRunning
	s.analytics = SubStateRunning
	duration := s.durationLocked(now)
	s.mu.Unlock()

	m.logger.Info("session started", "session_id", s.ID)
	m.fireCallbacks(s.ID, from, StateActive, duration)
	return StateActive, duration, nil
}

func (m *Manager) pause(ctx context.Context, s *Session) (State, float64, error) {
	now := time.Now()
	s.mu.Lock()
	from := s.state
	if err := s.transitionLocked(StatePaused, "pause", now); err != nil {
		s.mu.Unlock()
		return "", 0, err
	}
	s.recording.pause(now)
	if s.transcription == SubStateRunning {
		s.transcription = SubStatePaused
	}
	duration := s.durationLocked(now)
	s.mu.Unlock()

	// Transcribe whatever the buffer holds so the pause boundary is a
	// segment boundary too. A collaborator failure is not a pause failure.
	if seg, err := s.transPipe.Flush(ctx); err != nil {
		m.logger.Warn("flush on pause failed", "session_id", s.ID, "error", err)
	} else if seg != nil {
		m.persistSegment(ctx, seg)
	}

	m.logger.Info("session paused", "session_id", s.ID)
	m.fireCallbacks(s.ID, from, StatePaused, duration)
	return StatePaused, duration, nil
}

func (m *Manager) resume(s *Session) (State, float64, error) {
	now := time.Now()
	s.mu.Lock()
	from := s.state
	if from != StatePaused {
		s.mu.Unlock()
		return "", 0, &errs.InvalidTransitionError{From: string(from), To: string(StateActive)}
	}
	if err := s.transitionLocked(StateActive, "resume", now); err != nil {
		s.mu.Unlock()
		return "", 0, err
	}
	s.recording.resume(now)
	if s.transcription == SubStatePaused {
		s.transcription = SubStateRunning
	}
	duration := s.durationLocked(now)
	s.mu.Unlock()

	m.logger.Info("session resumed", "session_id", s.ID)
	m.fireCallbacks(s.ID, from, StateActive, duration)
	return StateActive, duration, nil
}

func (m *Manager) end(ctx context.Context, s *Session, reason string) (State, float64, error) {
	now := time.Now()
	s.mu.Lock()
	from := s.state
	if err := s.transitionLocked(StateCompleted, reason, now); err != nil {
		s.mu.Unlock()
		return "", 0, err
	}
	s.endedAt = &now
	s.recording.stop(now)
	s.transcription = SubStateStopped
	s.analytics = SubStateStopped
	duration := s.durationLocked(now)
	recordingOn := s.recording.Duration > 0
	hostID := s.hostID
	title := s.Title
	createdAt := s.createdAt
	startedAt := s.startedAt
	s.participants = make(map[string]*Participant)
	s.mu.Unlock()

	// Tail flush, then tear the pipelines down.
	if seg, err := s.transPipe.Flush(ctx); err != nil {
		m.logger.Warn("final flush failed", "session_id", s.ID, "error", err)
	} else if seg != nil {
		m.persistSegment(ctx, seg)
	}
	s.transPipe.Stop()
	s.audioPipe.Close()

	rec := &persistence.SessionRecord{
		ID:              s.ID,
		Title:           title,
		HostID:          hostID,
		State:           string(StateCompleted),
		CreatedAt:       createdAt,
		StartedAt:       startedAt,
		EndedAt:         &now,
		DurationSeconds: duration,
		RecordingOn:     recordingOn,
	}
	if err := m.store.SaveSession(ctx, rec); err != nil {
		m.logger.Error("failed to persist session record", "session_id", s.ID, "error", err)
	}

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.totalEnded++
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
	}

	m.logger.Info("session ended",
		"session_id", s.ID,
		"duration", duration,
		"reason", reason)
	m.fireCallbacks(s.ID, from, StateCompleted, duration)
	return StateCompleted, duration, nil
}

// IngestAudio runs one chunk through the session's pipelines. Chunks from
// muted participants are dropped silently; observers cannot send audio at
// all. Errors local to this chunk never disturb the session.
func (m *Manager) IngestAudio(ctx context.Context, sessionID, userID string, data []byte, sampleRate, channels int, ts time.Time) (*IngestResult, error) {
	s := m.Get(sessionID)
	if s == nil {
		return nil, &errs.ValidationError{Field: "session_id", Reason: "unknown session"}
	}

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil, &errs.InvalidTransitionError{From: string(s.state), To: "ingest"}
	}
	p, ok := s.participants[userID]
	if !ok {
		s.mu.Unlock()
		return nil, &errs.ValidationError{Field: "user_id", Reason: "not in session"}
	}
	if !p.Role.Has(PermSpeak) {
		s.mu.Unlock()
		return nil, &errs.PermissionError{UserID: userID, Permission: string(PermSpeak)}
	}
	muted := p.IsMuted
	recording := s.recording.State == RecordingActive
	s.mu.Unlock()

	if muted {
		return &IngestResult{Dropped: true}, nil
	}

	chunk := &audio.Chunk{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		UserID:     userID,
		Data:       data,
		SampleRate: sampleRate,
		Channels:   channels,
		Timestamp:  ts,
	}

	level, err := s.audioPipe.Ingest(chunk)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	p.AudioLevel = level.RMS
	p.LastActivity = time.Now()
	p.setSpeaking(level.IsSpeaking)
	if level.IsSpeaking && s.analytics == SubStateRunning {
		p.TalkTime += chunk.Duration().Seconds()
	}
	s.mu.Unlock()

	if recording {
		if err := m.store.AppendRecording(ctx, sessionID, chunk.Data); err != nil {
			m.logger.Error("failed to persist recording audio",
				"session_id", sessionID, "error", err)
		}
	}

	result := &IngestResult{
		Level:     &level,
		EmitLevel: s.audioPipe.ShouldEmitLevel(userID, level.Timestamp),
	}

	final, partial, err := s.transPipe.IngestChunk(ctx, chunk)
	if err != nil {
		// The buffer was already cleared; the error is confined to this
		// flush and the caller only needs the level.
		m.logger.Warn("transcription flush failed", "session_id", sessionID, "error", err)
		return result, nil
	}
	if final != nil {
		m.persistSegment(ctx, final)
	}
	result.Final = final
	result.Partial = partial
	return result, nil
}

// ObserveNetwork feeds one client link quality report into the session's
// audio pipeline and returns the tier now in effect.
func (m *Manager) ObserveNetwork(sessionID string, sample audio.NetworkSample) (audio.Tier, error) {
	s := m.Get(sessionID)
	if s == nil {
		return 0, &errs.ValidationError{Field: "session_id", Reason: "unknown session"}
	}
	return s.audioPipe.ObserveNetwork(sample), nil
}

func (m *Manager) persistSegment(ctx context.Context, seg *transcription.Segment) {
	if err := m.store.SaveTranscript(ctx, seg); err != nil {
		m.logger.Error("failed to persist transcript segment",
			"session_id", seg.SessionID,
			"segment_id", seg.ID,
			"error", err)
	}
}

func (m *Manager) fireCallbacks(sessionID string, from, to State, duration float64) {
	for _, cb := range m.callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("state change callback panicked",
						"session_id", sessionID,
						"panic", r)
				}
			}()
			cb(sessionID, from, to, duration)
		}()
	}
}

// Sessions returns monitoring snapshots of all live sessions.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// GetStats returns current manager statistics.
func (m *Manager) GetStats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ManagerStats{
		ActiveSessions: uint64(len(m.sessions)),
		TotalCreated:   m.totalCreated,
		TotalEnded:     m.totalEnded,
		TotalSwept:     m.totalSwept,
	}
}

// Start launches the lifecycle sweeper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop halts the sweeper and ends every live session.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		m.forceEnd(ctx, s, "shutdown")
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.GetSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep ends sessions running past the max duration and cleans up sessions
// whose participants have all been gone longer than the cleanup interval.
func (m *Manager) sweep() {
	maxDuration := m.cfg.GetMaxDuration()
	cleanup := m.cfg.GetCleanupInterval()
	now := time.Now()

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, s := range sessions {
		s.mu.Lock()
		state := s.state
		overMax := s.startedAt != nil && now.Sub(*s.startedAt) > maxDuration
		abandoned := s.emptySince != nil && now.Sub(*s.emptySince) > cleanup
		s.mu.Unlock()

		switch {
		case (state == StateActive || state == StatePaused) && (overMax || abandoned):
			reason := "max duration exceeded"
			if abandoned {
				reason = "all participants disconnected"
			}
			m.logger.Info("sweeping session", "session_id", s.ID, "reason", reason)
			m.forceEnd(ctx, s, reason)
			m.mu.Lock()
			m.totalSwept++
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.SessionsSwept.Inc()
			}
		case state == StatePreparing && abandoned:
			m.cancel(s, "never started")
			m.mu.Lock()
			m.totalSwept++
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.SessionsSwept.Inc()
			}
		}
	}
}

func (m *Manager) forceEnd(ctx context.Context, s *Session, reason string) {
	if _, _, err := m.end(ctx, s, reason); err != nil {
		m.logger.Error("failed to end session", "session_id", s.ID, "error", err)
	}
}

// cancel retires a session that never went active.
func (m *Manager) cancel(s *Session, reason string) {
	now := time.Now()
	s.mu.Lock()
	from := s.state
	if err := s.transitionLocked(StateCancelled, reason, now); err != nil {
		s.mu.Unlock()
		return
	}
	s.participants = make(map[string]*Participant)
	s.mu.Unlock()

	s.transPipe.Stop()
	s.audioPipe.Close()

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
	}

	m.logger.Info("session cancelled", "session_id", s.ID, "reason", reason)
	m.fireCallbacks(s.ID, from, StateCancelled, 0)
}
