package stt

import (
	"context"
	"encoding/json"
)

// Session is one streaming connection to a transcription backend, serving
// exactly one call. SendAudio and Results are used concurrently.
type Session interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// SendAudio transmits raw PCM synchronously. The caller may reuse pcm
	// once it returns.
	SendAudio(ctx context.Context, pcm []byte) error
	// Results yields transcripts until the backend closes or Close is called.
	Results() <-chan Transcript
	// Close shuts down the connection. Idempotent.
	Close() error
}

// Factory dials a connected session for one call. An error means the
// backend is unreachable.
type Factory func(ctx context.Context, cfg Config) (Session, error)

// Config contains vendor-agnostic per-call session configuration.
type Config struct {
	CallID     string
	TraceID    string
	SampleRate int
	Encoding   string
	Channels   int
}

// Transcript is one backend result, without call identity.
type Transcript struct {
	Text        string
	IsFinal     bool
	SpeechFinal bool
	Confidence  float64
	Start       float64
	Duration    float64
	Raw         json.RawMessage
}
