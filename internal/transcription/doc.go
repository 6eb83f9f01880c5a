// Package transcription implements the buffering transcription pipeline and
// the HTTP client for the transcription collaborator. It accumulates audio
// per session, produces low-latency partial transcripts per speaker, and
// flushes the buffer into committed, speaker-attributed final segments.
package transcription
