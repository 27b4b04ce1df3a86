package nlu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"voice-intent-pipeline/internal/config"
	"voice-intent-pipeline/internal/provider"
)

const systemPrompt = `You classify a voice transcript from a donation platform user.
Known intents: donate, list_campaigns, check_balance, campaign_status.
Known entities: campaign, amount.
Reply with JSON only: {"intent": "...", "entities": {...}, "confidence": 0.0-1.0}.
Use intent "" with confidence 0 when none applies.`

// OpenAIRecognizer runs intent extraction through a chat completion endpoint
// with a JSON-only response contract.
type OpenAIRecognizer struct {
	name   string
	client *openai.Client
	model  string
}

// NewOpenAIRecognizer builds a recognizer from provider credentials. Model
// falls back to gpt-4o-mini when unset.
func NewOpenAIRecognizer(creds config.ProviderCredentials, model string) *OpenAIRecognizer {
	cfg := openai.DefaultConfig(creds.APIKey)
	if creds.BaseURL != "" {
		cfg.BaseURL = creds.BaseURL
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIRecognizer{
		name:   creds.Name,
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (r *OpenAIRecognizer) Recognize(ctx context.Context, transcript, language string) (Intent, error) {
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("language=%s transcript=%q", language, transcript)},
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 429 && apiErr.HTTPStatusCode < 500 {
			return Intent{}, &provider.PermanentError{Provider: r.name, Err: err}
		}
		return Intent{}, &provider.TransientError{Provider: r.name, Err: err}
	}
	if len(resp.Choices) == 0 {
		return Intent{}, &provider.TransientError{Provider: r.name, Err: errors.New("empty completion")}
	}

	var out Intent
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		// Malformed model output is a retryable provider fault.
		return Intent{}, &provider.TransientError{Provider: r.name, Err: fmt.Errorf("decode intent json: %w", err)}
	}
	if out.Entities == nil {
		out.Entities = map[string]string{}
	}
	return out, nil
}
