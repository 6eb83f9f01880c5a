package session

import (
	"time"
)

// Role determines what a participant may do in a session.
type Role string

const (
	RoleHost        Role = "host"
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
)

// Permission names one action a role may perform.
type Permission string

const (
	PermManageParticipants Permission = "manage_participants"
	PermMuteParticipants   Permission = "mute_participants"
	PermChangeRoles        Permission = "change_roles"
	PermControlRecording   Permission = "control_recording"
	PermEndSession         Permission = "end_session"
	PermSendMessages       Permission = "send_messages"
	PermSpeak              Permission = "speak"
)

// Permissions derive statically from role. Hosts and moderators share the
// management set; observers can only watch.
var rolePermissions = map[Role][]Permission{
	RoleHost: {
		PermManageParticipants, PermMuteParticipants, PermChangeRoles,
		PermControlRecording, PermEndSession, PermSendMessages, PermSpeak,
	},
	RoleModerator: {
		PermManageParticipants, PermMuteParticipants, PermChangeRoles,
		PermControlRecording, PermEndSession, PermSendMessages, PermSpeak,
	},
	RoleParticipant: {PermSendMessages, PermSpeak},
	RoleObserver:    {},
}

// ValidRole reports whether the string names a known role.
func ValidRole(r Role) bool {
	_, ok := rolePermissions[r]
	return ok
}

// Has reports whether the role carries a permission.
func (r Role) Has(p Permission) bool {
	for _, rp := range rolePermissions[r] {
		if rp == p {
			return true
		}
	}
	return false
}

// Permissions returns the role's permission set.
func (r Role) Permissions() []Permission {
	return append([]Permission(nil), rolePermissions[r]...)
}

// ParticipantState tracks what a participant is currently doing.
type ParticipantState string

const (
	ParticipantConnecting   ParticipantState = "connecting"
	ParticipantConnected    ParticipantState = "connected"
	ParticipantSpeaking     ParticipantState = "speaking"
	ParticipantListening    ParticipantState = "listening"
	ParticipantMuted        ParticipantState = "muted"
	ParticipantDisconnected ParticipantState = "disconnected"
)

// Participant is one user's membership in a session. There is at most one
// per (session, user); rejoin reuses the record.
type Participant struct {
	UserID       string           `json:"user_id"`
	DisplayName  string           `json:"display_name"`
	Role         Role             `json:"role"`
	State        ParticipantState `json:"state"`
	IsMuted      bool             `json:"is_muted"`
	AudioLevel   float64          `json:"audio_level"`
	ConnID       string           `json:"-"`
	JoinedAt     time.Time        `json:"joined_at"`
	LastActivity time.Time        `json:"last_activity"`

	// TalkTime accumulates seconds spent speaking, for analytics.
	TalkTime float64 `json:"talk_time_seconds"`
	// SpeakingTurns counts transitions into the speaking state.
	SpeakingTurns int `json:"speaking_turns"`
}

// setSpeaking flips the speaking/listening state from an audio level
// observation. A muted participant is never marked speaking.
func (p *Participant) setSpeaking(speaking bool) {
	if p.State == ParticipantDisconnected {
		return
	}
	if p.IsMuted {
		p.State = ParticipantMuted
		return
	}
	if speaking {
		if p.State != ParticipantSpeaking {
			p.SpeakingTurns++
		}
		p.State = ParticipantSpeaking
	} else {
		p.State = ParticipantListening
	}
}

// setMuted updates the mute flag and reconciles the state with it.
func (p *Participant) setMuted(muted bool) {
	p.IsMuted = muted
	if p.State == ParticipantDisconnected {
		return
	}
	if muted {
		p.State = ParticipantMuted
	} else {
		p.State = ParticipantConnected
	}
}

// snapshot returns a copy safe to hand out of the session lock.
func (p *Participant) snapshot() Participant {
	return *p
}
