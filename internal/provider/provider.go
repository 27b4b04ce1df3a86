// Package provider wraps external speech providers and routes calls per
// language with failover.
package provider

import (
	"context"
)

// Transcript is one ASR result.
type Transcript struct {
	Text       string
	Confidence float64
}

// Provider is one ASR/TTS backend. Implementations must return errors
// classified as *TransientError or *PermanentError so the router can decide
// whether to fail over, and must honor the context deadline on every call.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// Transcribe converts an audio clip to text.
	Transcribe(ctx context.Context, audio []byte, format, language string) (Transcript, error)
	// Synthesize renders text to speech audio bytes.
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
}
