package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"voice-intent-pipeline/internal/blobstore"
	"voice-intent-pipeline/internal/config"
	"voice-intent-pipeline/internal/intake"
	"voice-intent-pipeline/internal/models"
	"voice-intent-pipeline/internal/queue"
	"voice-intent-pipeline/internal/ratelimit"
	"voice-intent-pipeline/internal/verify"
)

type fakeTaskStore struct{}

func (fakeTaskStore) CreateAudioMessage(ctx context.Context, m models.AudioMessage) error { return nil }
func (fakeTaskStore) CreateTask(ctx context.Context, t models.Task) error                 { return nil }
func (fakeTaskStore) MarkSuperseded(ctx context.Context, correlationID string) (string, error) {
	return "", nil
}
func (fakeTaskStore) GetAudioMessage(ctx context.Context, id string) (models.AudioMessage, error) {
	return models.AudioMessage{}, nil
}
func (fakeTaskStore) DeleteAudioMessage(ctx context.Context, id string) error { return nil }

func testServer(t *testing.T, limiterCapacity int) (*Server, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Config{
		MaxAudioBytes:    1 << 20,
		MinAudioDuration: 100 * time.Millisecond,
		MaxAudioDuration: 60 * time.Second,
		MaxAttempts:      3,
		RedisAddr:        mr.Addr(),
		DLQName:          "voice:dlq",
		Scoring: config.ScoreWeights{
			PhotoPoints:          10,
			PhotoCap:             30,
			GPSPoints:            15,
			DescTierChars:        []int{50, 150, 300},
			DescTierPoints:       []int{5, 10, 20},
			BeneficiaryTiers:     []int{1, 10, 50},
			BeneficiaryPoints:    []int{5, 10, 15},
			TestimonialPoints:    20,
			AutoApproveThreshold: 80,
		},
	}

	q := queue.NewRedisQueue(cfg)
	in := intake.New(cfg, blobstore.NewLocalStore(t.TempDir()), fakeTaskStore{}, q, nil)

	var limiter *ratelimit.UserLimiter
	if limiterCapacity > 0 {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		limiter = ratelimit.NewUserLimiter(client, limiterCapacity, 0.01, time.Minute)
	}

	return New(cfg, in, nil, q, limiter, nil, nil), q
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t, 0)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSubmitAudioAccepted(t *testing.T) {
	srv, _ := testServer(t, 0)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	clip := make([]byte, 512)
	copy(clip, "OggS")
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/channels/chat/audio", bytes.NewReader(clip))
	req.Header.Set("X-User-ID", "user-a")
	req.Header.Set("Content-Type", "audio/ogg")
	req.Header.Set("X-Duration-Sec", "2.5")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Accepted || out.CorrelationID == "" {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestSubmitAudioRequiresUser(t *testing.T) {
	srv, _ := testServer(t, 0)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/channels/chat/audio", "audio/ogg", bytes.NewReader([]byte("OggS")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSubmitAudioValidationFailure(t *testing.T) {
	srv, _ := testServer(t, 0)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/channels/chat/audio", bytes.NewReader(make([]byte, 64)))
	req.Header.Set("X-User-ID", "user-a")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unrecognized audio, got %d", resp.StatusCode)
	}
}

func TestSubmitAudioRateLimited(t *testing.T) {
	srv, _ := testServer(t, 1)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	clip := make([]byte, 256)
	copy(clip, "OggS")
	submit := func() int {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/channels/chat/audio", bytes.NewReader(clip))
		req.Header.Set("X-User-ID", "user-a")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := submit(); code != http.StatusAccepted {
		t.Fatalf("first submission should pass, got %d", code)
	}
	if code := submit(); code != http.StatusTooManyRequests {
		t.Fatalf("second submission should be throttled, got %d", code)
	}
}

func TestScorePreview(t *testing.T) {
	srv, _ := testServer(t, 0)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(verify.Submission{
		PhotoCount:       3,
		HasGPS:           true,
		DescriptionChars: 120,
	})
	resp, err := http.Post(ts.URL+"/verification/score", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var card verify.Scorecard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if card.Value != 50 || card.AutoApproved {
		t.Fatalf("expected value 50 without auto-approval, got %+v", card)
	}
}

func TestScorePreviewBadJSON(t *testing.T) {
	srv, _ := testServer(t, 0)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/verification/score", "application/json", bytes.NewReader([]byte("{")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDLQEndpoint(t *testing.T) {
	srv, q := testServer(t, 0)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	if err := q.DLQPush(context.Background(), "dead-1"); err != nil {
		t.Fatalf("dlq push: %v", err)
	}

	resp, err := http.Get(ts.URL + "/dlq")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out struct {
		Items []string `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Items) != 1 || out.Items[0] != "dead-1" {
		t.Fatalf("unexpected dlq items: %v", out.Items)
	}
}
