// Package nlu adapts external language understanding into intents with
// structured entities and a confidence score.
package nlu

import (
	"context"
)

// Intent is one recognized command.
type Intent struct {
	Name       string            `json:"intent"`
	Entities   map[string]string `json:"entities"`
	Confidence float64           `json:"confidence"`
}

// Recognizer extracts an intent from a transcript. Implementations classify
// failures with the provider error types so the worker retries them the same
// way as ASR calls.
type Recognizer interface {
	Recognize(ctx context.Context, transcript, language string) (Intent, error)
}
