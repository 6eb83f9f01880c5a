package protocol

import (
	"encoding/json"
	"time"

	"github.com/voxmeet/voice-session-service/internal/errs"
)

// MessageType is the discriminant of the wire envelope.
type MessageType string

// Client -> server message types.
const (
	TypePing                   MessageType = "ping"
	TypePong                   MessageType = "pong"
	TypeJoinSession            MessageType = "join_session"
	TypeLeaveSession           MessageType = "leave_session"
	TypeSessionControl         MessageType = "session_control"
	TypeParticipantStateUpdate MessageType = "participant_state_update"
	TypeAudioData              MessageType = "audio_data"
	TypeNetworkStats           MessageType = "network_stats"
)

// Server -> client message types.
const (
	TypeConnectionEstablished MessageType = "connection_established"
	TypeParticipantJoined     MessageType = "participant_joined"
	TypeParticipantLeft       MessageType = "participant_left"
	TypeSessionParticipants   MessageType = "session_participants"
	TypeAudioLevelUpdate      MessageType = "audio_level_update"
	TypeTranscriptionPartial  MessageType = "transcription_partial"
	TypeTranscriptionFinal    MessageType = "transcription_final"
	TypeSessionStarted        MessageType = "session_started"
	TypeSessionPaused         MessageType = "session_paused"
	TypeSessionResumed        MessageType = "session_resumed"
	TypeSessionEnded          MessageType = "session_ended"
	TypeError                 MessageType = "error"
	TypeWarning               MessageType = "warning"
)

// ControlAction is a session lifecycle command carried by session_control.
type ControlAction string

const (
	ActionStart  ControlAction = "start"
	ActionPause  ControlAction = "pause"
	ActionResume ControlAction = "resume"
	ActionEnd    ControlAction = "end"
)

// Envelope is the common head of every message. Payload fields are flattened
// alongside it by embedding.
type Envelope struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Kind returns the message discriminant.
func (e Envelope) Kind() MessageType { return e.Type }

// Message is any parsed or constructed wire message.
type Message interface {
	Kind() MessageType
}

// NewEnvelope builds an envelope head stamped with the current time.
func NewEnvelope(t MessageType, sessionID string) Envelope {
	return Envelope{Type: t, SessionID: sessionID, Timestamp: time.Now().UTC()}
}

// Ping is a client heartbeat. The server answers with Pong and stamps the
// connection's last activity.
type Ping struct {
	Envelope
}

// Pong answers a Ping.
type Pong struct {
	Envelope
}

// JoinSession attaches the connection's user to the session roster.
type JoinSession struct {
	Envelope
	DisplayName string `json:"display_name"`
}

// LeaveSession detaches the user from the session roster.
type LeaveSession struct {
	Envelope
}

// SessionControl requests a session lifecycle transition.
type SessionControl struct {
	Envelope
	Action ControlAction `json:"action"`
}

// ParticipantStateUpdate mutates a participant's mute flag or role. Nil
// fields are left unchanged. Sent by clients and echoed by the server on
// successful changes.
type ParticipantStateUpdate struct {
	Envelope
	UserID  string  `json:"user_id"`
	IsMuted *bool   `json:"is_muted,omitempty"`
	Role    *string `json:"role,omitempty"`
}

// AudioData carries one base64-encoded PCM16 chunk from a client.
type AudioData struct {
	Envelope
	Data       []byte `json:"data"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// NetworkStats is a client-side link quality report. It feeds the session's
// adaptive quality tier.
type NetworkStats struct {
	Envelope
	BandwidthKbps float64 `json:"bandwidth_kbps"`
	LatencyMs     float64 `json:"latency_ms"`
	PacketLoss    float64 `json:"packet_loss"`
	JitterMs      float64 `json:"jitter_ms"`
}

// ConnectionEstablished confirms registration and reports the connection id.
type ConnectionEstablished struct {
	Envelope
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// ParticipantInfo is the roster view of one participant.
type ParticipantInfo struct {
	UserID      string  `json:"user_id"`
	DisplayName string  `json:"display_name"`
	Role        string  `json:"role"`
	State       string  `json:"state"`
	IsMuted     bool    `json:"is_muted"`
	AudioLevel  float64 `json:"audio_level"`
}

// ParticipantJoined announces a new roster entry to the session.
type ParticipantJoined struct {
	Envelope
	Participant ParticipantInfo `json:"participant"`
}

// ParticipantLeft announces a roster departure.
type ParticipantLeft struct {
	Envelope
	UserID string `json:"user_id"`
}

// SessionParticipants is the full roster, sent to a joining connection.
type SessionParticipants struct {
	Envelope
	Participants []ParticipantInfo `json:"participants"`
}

// AudioLevelUpdate is a rate-limited speech-activity snapshot.
type AudioLevelUpdate struct {
	Envelope
	UserID     string  `json:"user_id"`
	Level      float64 `json:"level"`
	IsSpeaking bool    `json:"is_speaking"`
}

// TranscriptionPartial is a provisional transcript of only the latest audio.
type TranscriptionPartial struct {
	Envelope
	UserID     string  `json:"user_id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
}

// TranscriptionFinal is a committed, speaker-attributed transcript segment.
type TranscriptionFinal struct {
	Envelope
	Text              string  `json:"text"`
	Confidence        float64 `json:"confidence"`
	SpeakerID         string  `json:"speaker_id"`
	SpeakerConfidence float64 `json:"speaker_confidence"`
	Language          string  `json:"language"`
	Quality           string  `json:"quality"`
	IsFinal           bool    `json:"is_final"`
}

// SessionStateChanged reports a lifecycle transition. DurationSeconds is only
// set on session_ended.
type SessionStateChanged struct {
	Envelope
	State           string  `json:"state"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// ErrorMessage is a structured error echo to the originating client only.
type ErrorMessage struct {
	Envelope
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Encode marshals a message for the wire.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// MustEncode marshals a message, panicking on failure. Outbound message types
// are plain structs, so marshalling cannot fail at runtime.
func MustEncode(m Message) []byte {
	data, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return data
}

// Parse decodes one inbound client message. Unknown discriminants and
// malformed payloads yield a ValidationError; server-only types are rejected
// the same way.
func Parse(data []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &errs.ValidationError{Field: "message", Reason: "not valid JSON"}
	}

	switch head.Type {
	case TypePing:
		m := &Ping{}
		return parseInto(data, m, nil)
	case TypePong:
		m := &Pong{}
		return parseInto(data, m, nil)
	case TypeJoinSession:
		m := &JoinSession{}
		return parseInto(data, m, func() error {
			if m.SessionID == "" {
				return &errs.ValidationError{Field: "session_id", Reason: "required"}
			}
			if m.DisplayName == "" {
				return &errs.ValidationError{Field: "display_name", Reason: "required"}
			}
			return nil
		})
	case TypeLeaveSession:
		m := &LeaveSession{}
		return parseInto(data, m, nil)
	case TypeSessionControl:
		m := &SessionControl{}
		return parseInto(data, m, func() error {
			if m.SessionID == "" {
				return &errs.ValidationError{Field: "session_id", Reason: "required"}
			}
			switch m.Action {
			case ActionStart, ActionPause, ActionResume, ActionEnd:
				return nil
			default:
				return &errs.ValidationError{Field: "action", Reason: "must be start, pause, resume or end"}
			}
		})
	case TypeParticipantStateUpdate:
		m := &ParticipantStateUpdate{}
		return parseInto(data, m, func() error {
			if m.UserID == "" {
				return &errs.ValidationError{Field: "user_id", Reason: "required"}
			}
			if m.IsMuted == nil && m.Role == nil {
				return &errs.ValidationError{Field: "participant_state_update", Reason: "no fields to update"}
			}
			return nil
		})
	case TypeAudioData:
		m := &AudioData{}
		return parseInto(data, m, func() error {
			if m.SessionID == "" {
				return &errs.ValidationError{Field: "session_id", Reason: "required"}
			}
			if len(m.Data) == 0 {
				return &errs.ValidationError{Field: "data", Reason: "empty audio payload"}
			}
			if m.SampleRate <= 0 {
				return &errs.ValidationError{Field: "sample_rate", Reason: "must be positive"}
			}
			if m.Channels < 1 || m.Channels > 2 {
				return &errs.ValidationError{Field: "channels", Reason: "must be 1 or 2"}
			}
			return nil
		})
	case TypeNetworkStats:
		m := &NetworkStats{}
		return parseInto(data, m, func() error {
			if m.SessionID == "" {
				return &errs.ValidationError{Field: "session_id", Reason: "required"}
			}
			if m.BandwidthKbps < 0 || m.LatencyMs < 0 || m.JitterMs < 0 {
				return &errs.ValidationError{Field: "network_stats", Reason: "negative measurement"}
			}
			if m.PacketLoss < 0 || m.PacketLoss > 1 {
				return &errs.ValidationError{Field: "packet_loss", Reason: "must be between 0 and 1"}
			}
			return nil
		})
	default:
		return nil, &errs.ValidationError{Field: "type", Reason: "unknown message type " + string(head.Type)}
	}
}

func parseInto(data []byte, m Message, validate func() error) (Message, error) {
	if err := json.Unmarshal(data, m); err != nil {
		return nil, &errs.ValidationError{Field: string(m.Kind()), Reason: "malformed payload"}
	}
	if validate != nil {
		if err := validate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}
