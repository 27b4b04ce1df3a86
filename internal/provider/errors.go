package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrProviderUnavailable means the retry budget and the secondary provider are
// both exhausted for a call. The worker surfaces it as a terminal apology.
var ErrProviderUnavailable = errors.New("provider unavailable")

// ErrNoProfile means no routing profile exists for the requested language.
// Startup validation makes this unreachable for accepted languages.
var ErrNoProfile = errors.New("no provider profile for language")

// TransientError marks a failure worth retrying or failing over: timeouts,
// rate limits, malformed responses.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("provider %s: transient: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure retries cannot fix: bad credentials,
// unsupported language, rejected input.
type PermanentError struct {
	Provider string
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("provider %s: permanent: %v", e.Provider, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should trigger retry/failover.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classify wraps a raw provider error as transient or permanent based on what
// kind of failure it represents.
func classify(providerName string, err error, statusCode int) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Provider: providerName, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Provider: providerName, Err: err}
	}
	switch {
	case statusCode == 429 || statusCode >= 500:
		return &TransientError{Provider: providerName, Err: err}
	case statusCode >= 400:
		return &PermanentError{Provider: providerName, Err: err}
	}
	// Unclassified transport trouble: assume retryable.
	return &TransientError{Provider: providerName, Err: err}
}
