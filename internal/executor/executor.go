// Package executor calls the external campaign/donation backend that performs
// the actual domain action.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Result is the executor's verdict for one intent.
type Result struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

// SessionContext is the slice of session state passed along with an intent.
type SessionContext struct {
	UserID   string `json:"user_id"`
	Language string `json:"language"`
}

// Executor performs one domain action. The worker calls it exactly once per
// confirmed intent.
type Executor interface {
	Execute(ctx context.Context, intent string, entities map[string]string, sctx SessionContext) (Result, error)
}

// ExecutionError is a transport or server failure at the executor boundary,
// distinct from a Result with Success=false (which is a domain refusal).
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("intent executor: %v", e.Err) }
func (e *ExecutionError) Unwrap() error { return e.Err }

// HTTPExecutor posts intents to the backend's execute endpoint.
type HTTPExecutor struct {
	url    string
	client *http.Client
}

func NewHTTPExecutor(url string, timeout time.Duration) *HTTPExecutor {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPExecutor{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type executeRequest struct {
	Intent   string            `json:"intent"`
	Entities map[string]string `json:"entities"`
	Context  SessionContext    `json:"context"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, intent string, entities map[string]string, sctx SessionContext) (Result, error) {
	body, err := json.Marshal(executeRequest{Intent: intent, Entities: entities, Context: sctx})
	if err != nil {
		return Result{}, &ExecutionError{Err: fmt.Errorf("marshal request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, &ExecutionError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, &ExecutionError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return Result{}, &ExecutionError{Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, &ExecutionError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return out, nil
}
