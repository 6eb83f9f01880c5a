// Package audio implements the per-session audio ingest pipeline: chunk
// validation, quality-tier adaptation, RMS/peak speech-activity levels and a
// latency-bounded ring buffer feeding the transcription pipeline.
package audio
