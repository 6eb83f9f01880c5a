// Package session owns the per-meeting state machine: the lifecycle enum
// and its legal transitions, the participant roster with role-derived
// permissions, the orthogonal recording/transcription/analytics sub-states,
// and the manager that wires each session to its audio and transcription
// pipelines and sweeps expired or abandoned sessions.
package session
