// Package broadcast turns internal session events into wire messages and
// fans them out through the connection registry. It is the only layer that
// encodes outbound protocol payloads; everything above it deals in domain
// types.
package broadcast

import (
	"log/slog"

	"github.com/voxmeet/voice-session-service/internal/audio"
	"github.com/voxmeet/voice-session-service/internal/connection"
	"github.com/voxmeet/voice-session-service/internal/errs"
	"github.com/voxmeet/voice-session-service/internal/protocol"
	"github.com/voxmeet/voice-session-service/internal/session"
	"github.com/voxmeet/voice-session-service/internal/transcription"
)

// Router fans session events out to connections. Delivery to each
// connection is independent; one dead receiver never blocks the rest.
type Router struct {
	registry *connection.Registry
	logger   *slog.Logger
}

// NewRouter creates a broadcast router over the registry.
func NewRouter(registry *connection.Registry, logger *slog.Logger) *Router {
	return &Router{
		registry: registry,
		logger:   logger.With("component", "broadcast"),
	}
}

func participantInfo(p session.Participant) protocol.ParticipantInfo {
	return protocol.ParticipantInfo{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Role:        string(p.Role),
		State:       string(p.State),
		IsMuted:     p.IsMuted,
		AudioLevel:  p.AudioLevel,
	}
}

// ConnectionEstablished acknowledges a fresh connection to its owner.
func (r *Router) ConnectionEstablished(connID, userID string) {
	msg := &protocol.ConnectionEstablished{
		Envelope:     protocol.NewEnvelope(protocol.TypeConnectionEstablished, ""),
		ConnectionID: connID,
		UserID:       userID,
	}
	r.send(connID, protocol.MustEncode(msg))
}

// ParticipantJoined announces a roster addition to everyone already there.
func (r *Router) ParticipantJoined(sessionID string, p session.Participant, excludeConnID string) {
	msg := &protocol.ParticipantJoined{
		Envelope:    protocol.NewEnvelope(protocol.TypeParticipantJoined, sessionID),
		Participant: participantInfo(p),
	}
	r.registry.Broadcast(sessionID, protocol.MustEncode(msg), excludeConnID)
}

// ParticipantLeft announces a departure to the remaining participants.
func (r *Router) ParticipantLeft(sessionID, userID, excludeConnID string) {
	msg := &protocol.ParticipantLeft{
		Envelope: protocol.NewEnvelope(protocol.TypeParticipantLeft, sessionID),
		UserID:   userID,
	}
	r.registry.Broadcast(sessionID, protocol.MustEncode(msg), excludeConnID)
}

// SessionParticipants sends the full roster to one connection, typically
// right after it joins.
func (r *Router) SessionParticipants(connID, sessionID string, roster []session.Participant) {
	infos := make([]protocol.ParticipantInfo, 0, len(roster))
	for _, p := range roster {
		infos = append(infos, participantInfo(p))
	}
	msg := &protocol.SessionParticipants{
		Envelope:     protocol.NewEnvelope(protocol.TypeSessionParticipants, sessionID),
		Participants: infos,
	}
	r.send(connID, protocol.MustEncode(msg))
}

// ParticipantUpdated announces a mute or role change to the whole session,
// echoing the participant's current mute flag and role.
func (r *Router) ParticipantUpdated(sessionID string, p session.Participant) {
	isMuted := p.IsMuted
	role := string(p.Role)
	msg := &protocol.ParticipantStateUpdate{
		Envelope: protocol.NewEnvelope(protocol.TypeParticipantStateUpdate, sessionID),
		UserID:   p.UserID,
		IsMuted:  &isMuted,
		Role:     &role,
	}
	r.registry.Broadcast(sessionID, protocol.MustEncode(msg), "")
}

// AudioLevel fans out a speech-activity snapshot, skipping the speaker's
// own connection.
func (r *Router) AudioLevel(sessionID string, level audio.Level, excludeConnID string) {
	msg := &protocol.AudioLevelUpdate{
		Envelope:   protocol.NewEnvelope(protocol.TypeAudioLevelUpdate, sessionID),
		UserID:     level.UserID,
		Level:      level.RMS,
		IsSpeaking: level.IsSpeaking,
	}
	r.registry.Broadcast(sessionID, protocol.MustEncode(msg), excludeConnID)
}

// TranscriptionSegment fans out a partial or final transcript.
func (r *Router) TranscriptionSegment(sessionID string, seg *transcription.Segment) {
	var msg protocol.Message
	if seg.IsFinal {
		msg = &protocol.TranscriptionFinal{
			Envelope:          protocol.NewEnvelope(protocol.TypeTranscriptionFinal, sessionID),
			Text:              seg.Text,
			Confidence:        seg.Confidence,
			SpeakerID:         string(seg.SpeakerID),
			SpeakerConfidence: seg.SpeakerConfidence,
			Language:          seg.Language,
			Quality:           string(seg.Quality),
			IsFinal:           true,
		}
	} else {
		msg = &protocol.TranscriptionPartial{
			Envelope:   protocol.NewEnvelope(protocol.TypeTranscriptionPartial, sessionID),
			UserID:     seg.UserID,
			Text:       seg.Text,
			Confidence: seg.Confidence,
			IsFinal:    false,
		}
	}
	r.registry.Broadcast(sessionID, protocol.MustEncode(msg), "")
}

var stateMessageTypes = map[session.State]protocol.MessageType{
	session.StateActive:    protocol.TypeSessionStarted,
	session.StatePaused:    protocol.TypeSessionPaused,
	session.StateCompleted: protocol.TypeSessionEnded,
}

// StateChanged fans out a lifecycle transition. Wired as the session
// manager's state change callback.
func (r *Router) StateChanged(sessionID string, from, to session.State, duration float64) {
	msgType, ok := stateMessageTypes[to]
	if !ok {
		return
	}
	if to == session.StateActive && from == session.StatePaused {
		msgType = protocol.TypeSessionResumed
	}

	msg := &protocol.SessionStateChanged{
		Envelope: protocol.NewEnvelope(msgType, sessionID),
		State:    string(to),
	}
	if to == session.StateCompleted {
		msg.DurationSeconds = duration
	}
	r.registry.Broadcast(sessionID, protocol.MustEncode(msg), "")
}

// SendError echoes a structured error to the originating connection only.
func (r *Router) SendError(connID, sessionID string, err error) {
	msg := &protocol.ErrorMessage{
		Envelope: protocol.NewEnvelope(protocol.TypeError, sessionID),
		Message:  err.Error(),
		Code:     errs.Code(err),
	}
	r.send(connID, protocol.MustEncode(msg))
}

// SendWarning echoes a non-fatal notice to one connection.
func (r *Router) SendWarning(connID, sessionID, message string) {
	msg := &protocol.ErrorMessage{
		Envelope: protocol.NewEnvelope(protocol.TypeWarning, sessionID),
		Message:  message,
	}
	r.send(connID, protocol.MustEncode(msg))
}

// Pong answers a ping on the same connection.
func (r *Router) Pong(connID string) {
	msg := &protocol.Pong{Envelope: protocol.NewEnvelope(protocol.TypePong, "")}
	r.send(connID, protocol.MustEncode(msg))
}

func (r *Router) send(connID string, data []byte) {
	if err := r.registry.Send(connID, data); err != nil {
		r.logger.Debug("direct send failed", "conn_id", connID, "error", err)
	}
}
