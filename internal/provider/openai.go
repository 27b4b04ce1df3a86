package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	openai "github.com/sashabaranov/go-openai"

	"voice-intent-pipeline/internal/config"
)

// OpenAIProvider speaks the OpenAI audio API. Any OpenAI-compatible endpoint
// (a self-hosted whisper gateway, for example) works via BaseURL, which is how
// the secondary provider is usually deployed.
type OpenAIProvider struct {
	name     string
	client   *openai.Client
	asrModel string
	ttsModel string
	voice    string
}

// NewOpenAIProvider builds a provider from credentials.
func NewOpenAIProvider(creds config.ProviderCredentials) *OpenAIProvider {
	cfg := openai.DefaultConfig(creds.APIKey)
	if creds.BaseURL != "" {
		cfg.BaseURL = creds.BaseURL
	}
	return &OpenAIProvider{
		name:     creds.Name,
		client:   openai.NewClientWithConfig(cfg),
		asrModel: creds.ASRModel,
		ttsModel: creds.TTSModel,
		voice:    creds.Voice,
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

// Transcribe runs Whisper transcription. Confidence is derived from segment
// log probabilities when the endpoint reports them.
func (p *OpenAIProvider) Transcribe(ctx context.Context, audio []byte, format, language string) (Transcript, error) {
	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    p.asrModel,
		FilePath: "clip." + format,
		Reader:   bytes.NewReader(audio),
		Language: language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return Transcript{}, p.wrap(err)
	}
	return Transcript{
		Text:       resp.Text,
		Confidence: segmentConfidence(resp),
	}, nil
}

// Synthesize renders text to mp3 audio.
func (p *OpenAIProvider) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	resp, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(p.ttsModel),
		Input:          text,
		Voice:          openai.SpeechVoice(p.voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, p.wrap(err)
	}
	defer resp.Close()
	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, &TransientError{Provider: p.name, Err: fmt.Errorf("read speech body: %w", err)}
	}
	if len(data) == 0 {
		return nil, &TransientError{Provider: p.name, Err: errors.New("empty speech response")}
	}
	return data, nil
}

func (p *OpenAIProvider) wrap(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classify(p.name, err, apiErr.HTTPStatusCode)
	}
	return classify(p.name, err, 0)
}

func segmentConfidence(resp openai.AudioResponse) float64 {
	if len(resp.Segments) == 0 {
		if resp.Text == "" {
			return 0
		}
		return 1
	}
	var sum float64
	for _, s := range resp.Segments {
		sum += s.AvgLogprob
	}
	conf := math.Exp(sum / float64(len(resp.Segments)))
	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}
