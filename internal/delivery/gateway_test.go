package delivery

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"voice-intent-pipeline/internal/models"
)

// memDeliveryStore mimics the one-row-per-correlation-id insert.
type memDeliveryStore struct {
	mu   sync.Mutex
	rows map[string]models.Delivery
	err  error
}

func newMemDeliveryStore() *memDeliveryStore {
	return &memDeliveryStore{rows: make(map[string]models.Delivery)}
}

func (s *memDeliveryStore) RecordDelivery(ctx context.Context, d models.Delivery) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if _, ok := s.rows[d.CorrelationID]; ok {
		return false, nil
	}
	s.rows[d.CorrelationID] = d
	return true, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Delivery
	fail error
}

func (n *recordingNotifier) Notify(ctx context.Context, d models.Delivery) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, d)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func TestDeliverOnceThenSuppressed(t *testing.T) {
	store := newMemDeliveryStore()
	notifier := &recordingNotifier{}
	g := NewGateway(store, nil)
	g.Register(models.ChannelChat, notifier)

	d := models.Delivery{
		CorrelationID: "corr-1",
		Channel:       models.ChannelChat,
		UserID:        "user-a",
		Text:          "done",
	}
	claimed, err := g.Deliver(context.Background(), d)
	if err != nil || !claimed {
		t.Fatalf("first delivery should claim: claimed=%v err=%v", claimed, err)
	}

	// Same correlation id again, even with different content.
	d.Text = "something else"
	claimed, err = g.Deliver(context.Background(), d)
	if err != nil {
		t.Fatalf("duplicate delivery errored: %v", err)
	}
	if claimed {
		t.Fatal("duplicate delivery must not claim")
	}
	if notifier.count() != 1 {
		t.Fatalf("notifier must fire exactly once, got %d", notifier.count())
	}
	if store.rows["corr-1"].Text != "done" {
		t.Fatalf("first content must win: %q", store.rows["corr-1"].Text)
	}
}

func TestDeliverConcurrentDuplicates(t *testing.T) {
	store := newMemDeliveryStore()
	notifier := &recordingNotifier{}
	g := NewGateway(store, nil)
	g.Register(models.ChannelChat, notifier)

	var wg sync.WaitGroup
	claims := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := g.Deliver(context.Background(), models.Delivery{
				CorrelationID: "corr-race",
				Channel:       models.ChannelChat,
				UserID:        "user-a",
				Text:          "hello",
			})
			if err != nil {
				t.Errorf("deliver: %v", err)
			}
			claims <- claimed
		}()
	}
	wg.Wait()
	close(claims)

	won := 0
	for c := range claims {
		if c {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("exactly one caller must claim, got %d", won)
	}
	if notifier.count() != 1 {
		t.Fatalf("notifier must fire exactly once, got %d", notifier.count())
	}
}

func TestDeliverPushFailureStillCounts(t *testing.T) {
	store := newMemDeliveryStore()
	notifier := &recordingNotifier{fail: errors.New("socket closed")}
	g := NewGateway(store, nil)
	g.Register(models.ChannelChat, notifier)

	d := models.Delivery{CorrelationID: "corr-2", Channel: models.ChannelChat, Text: "hi"}
	claimed, err := g.Deliver(context.Background(), d)
	if err != nil || !claimed {
		t.Fatalf("claim must survive a push failure: claimed=%v err=%v", claimed, err)
	}

	// The slot is burned; a retry would be a duplicate.
	claimed, _ = g.Deliver(context.Background(), d)
	if claimed {
		t.Fatal("retry after push failure must be suppressed")
	}
}

func TestDeliverStoreErrorDoesNotClaim(t *testing.T) {
	store := newMemDeliveryStore()
	store.err = errors.New("db down")
	g := NewGateway(store, nil)

	claimed, err := g.Deliver(context.Background(), models.Delivery{CorrelationID: "corr-3", Channel: models.ChannelChat})
	if err == nil || claimed {
		t.Fatalf("store error must propagate without claiming: claimed=%v err=%v", claimed, err)
	}
}

func TestDeliverRequiresCorrelationID(t *testing.T) {
	g := NewGateway(newMemDeliveryStore(), nil)
	if _, err := g.Deliver(context.Background(), models.Delivery{Channel: models.ChannelChat}); err == nil {
		t.Fatal("expected error for empty correlation id")
	}
}

func TestDeliverUnknownChannelStillRecorded(t *testing.T) {
	store := newMemDeliveryStore()
	g := NewGateway(store, nil)

	claimed, err := g.Deliver(context.Background(), models.Delivery{CorrelationID: "corr-4", Channel: "sms"})
	if err != nil || !claimed {
		t.Fatalf("record must succeed without a notifier: claimed=%v err=%v", claimed, err)
	}
	if _, ok := store.rows["corr-4"]; !ok {
		t.Fatal("delivery row missing")
	}
}

func TestWebhookNotifierSignsBody(t *testing.T) {
	const secret = "hunter2"
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, secret, time.Second)
	d := models.Delivery{CorrelationID: "corr-5", Channel: models.ChannelChat, UserID: "user-a", Text: "ok"}
	if err := n.Notify(context.Background(), d); err != nil {
		t.Fatalf("notify: %v", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Fatalf("bad signature: got %q want %q", gotSig, want)
	}

	var decoded models.Delivery
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if decoded.CorrelationID != "corr-5" || decoded.Text != "ok" {
		t.Fatalf("unexpected body: %+v", decoded)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "", time.Second)
	if err := n.Notify(context.Background(), models.Delivery{CorrelationID: "x", Channel: models.ChannelChat}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}
