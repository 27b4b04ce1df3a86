package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"voice-intent-pipeline/internal/config"
)

// fakeProvider scripts per-call outcomes. Each call consumes the next error
// from errs; past the end it succeeds.
type fakeProvider struct {
	name  string
	errs  []error
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) next() error {
	i := f.calls
	f.calls++
	if i < len(f.errs) {
		return f.errs[i]
	}
	return nil
}

func (f *fakeProvider) Transcribe(ctx context.Context, audio []byte, format, language string) (Transcript, error) {
	if err := f.next(); err != nil {
		return Transcript{}, err
	}
	return Transcript{Text: "hello from " + f.name, Confidence: 0.95}, nil
}

func (f *fakeProvider) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return []byte(f.name + ":" + text), nil
}

func transient(name string) error {
	return &TransientError{Provider: name, Err: errors.New("timeout")}
}

func permanent(name string) error {
	return &PermanentError{Provider: name, Err: errors.New("bad request")}
}

func newTestRouter(retryBudget int, providers map[string]Provider) *Router {
	cfg := config.Config{
		DefaultLanguage:     "en",
		ProviderRetryBudget: retryBudget,
		ProviderCallTimeout: time.Second,
		Profiles: map[string]config.ProviderProfile{
			"en": {Language: "en", Primary: "primary", Secondary: "secondary"},
			"sw": {Language: "sw", Primary: "primary"},
		},
	}
	return NewRouter(cfg, providers, nil)
}

func TestPrimarySucceedsFirstTry(t *testing.T) {
	p := &fakeProvider{name: "primary"}
	s := &fakeProvider{name: "secondary"}
	r := newTestRouter(2, map[string]Provider{"primary": p, "secondary": s})

	tr, res, err := r.Transcribe(context.Background(), []byte("audio"), "ogg", "en")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if tr.Text != "hello from primary" || res.Provider != "primary" {
		t.Fatalf("unexpected result %+v %+v", tr, res)
	}
	if res.FailedCalls != 0 {
		t.Fatalf("expected no failed calls, got %d", res.FailedCalls)
	}
	if s.calls != 0 {
		t.Fatal("secondary must not be touched on primary success")
	}
}

func TestFailoverToSecondary(t *testing.T) {
	p := &fakeProvider{name: "primary", errs: []error{transient("primary"), transient("primary")}}
	s := &fakeProvider{name: "secondary"}
	r := newTestRouter(2, map[string]Provider{"primary": p, "secondary": s})

	tr, res, err := r.Transcribe(context.Background(), []byte("audio"), "ogg", "en")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Provider != "secondary" || tr.Text != "hello from secondary" {
		t.Fatalf("expected secondary to serve, got %+v %+v", res, tr)
	}
	if res.FailedCalls != 2 {
		t.Fatalf("expected 2 failed primary calls counted, got %d", res.FailedCalls)
	}
	if p.calls != 2 {
		t.Fatalf("primary should have been tried twice, got %d", p.calls)
	}
}

func TestBothProvidersExhausted(t *testing.T) {
	p := &fakeProvider{name: "primary", errs: []error{transient("primary"), transient("primary"), transient("primary")}}
	s := &fakeProvider{name: "secondary", errs: []error{transient("secondary"), transient("secondary"), transient("secondary")}}
	r := newTestRouter(2, map[string]Provider{"primary": p, "secondary": s})

	_, res, err := r.Transcribe(context.Background(), []byte("audio"), "ogg", "en")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if res.FailedCalls != 4 {
		t.Fatalf("expected 4 failed calls (2 per provider), got %d", res.FailedCalls)
	}
}

func TestPermanentErrorSkipsRetryButTriesSecondary(t *testing.T) {
	p := &fakeProvider{name: "primary", errs: []error{permanent("primary")}}
	s := &fakeProvider{name: "secondary"}
	r := newTestRouter(3, map[string]Provider{"primary": p, "secondary": s})

	_, res, err := r.Synthesize(context.Background(), "hi", "en")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if p.calls != 1 {
		t.Fatalf("permanent error must not be retried on the same provider, got %d calls", p.calls)
	}
	if res.Provider != "secondary" {
		t.Fatalf("expected secondary to serve, got %q", res.Provider)
	}
	if res.FailedCalls != 1 {
		t.Fatalf("expected 1 failed call, got %d", res.FailedCalls)
	}
}

func TestProfileWithoutSecondary(t *testing.T) {
	p := &fakeProvider{name: "primary", errs: []error{transient("primary"), transient("primary")}}
	r := newTestRouter(2, map[string]Provider{"primary": p})

	_, res, err := r.Transcribe(context.Background(), []byte("audio"), "ogg", "sw")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if res.FailedCalls != 2 {
		t.Fatalf("expected 2 failed calls, got %d", res.FailedCalls)
	}
}

func TestUnknownLanguageFallsBackToDefaultProfile(t *testing.T) {
	p := &fakeProvider{name: "primary"}
	r := newTestRouter(1, map[string]Provider{"primary": p, "secondary": &fakeProvider{name: "secondary"}})

	_, res, err := r.Transcribe(context.Background(), []byte("audio"), "ogg", "fr")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Provider != "primary" {
		t.Fatalf("expected default profile's primary, got %q", res.Provider)
	}
}

func TestNoProfileAtAll(t *testing.T) {
	cfg := config.Config{
		DefaultLanguage:     "en",
		ProviderRetryBudget: 1,
		ProviderCallTimeout: time.Second,
		Profiles:            map[string]config.ProviderProfile{},
	}
	r := NewRouter(cfg, map[string]Provider{}, nil)

	_, _, err := r.Transcribe(context.Background(), []byte("audio"), "ogg", "en")
	if !errors.Is(err, ErrNoProfile) {
		t.Fatalf("expected ErrNoProfile, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		transient bool
	}{
		{"rate limited", errors.New("429"), 429, true},
		{"server error", errors.New("boom"), 503, true},
		{"bad auth", errors.New("401"), 401, false},
		{"deadline", context.DeadlineExceeded, 0, true},
		{"unknown transport", errors.New("conn reset"), 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify("p", tc.err, tc.status)
			if IsTransient(got) != tc.transient {
				t.Fatalf("classify(%v, %d): transient=%v, want %v", tc.err, tc.status, IsTransient(got), tc.transient)
			}
		})
	}
}
