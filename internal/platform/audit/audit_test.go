package audit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Record(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent(EventRuleCreated, "rule-1", map[string]any{"version": "1.0.0"})
	if ev.ID == "" {
		t.Error("expected generated id")
	}
	if ev.Type != EventRuleCreated || ev.Subject != "rule-1" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.OccurredAt.IsZero() {
		t.Error("expected timestamp")
	}
}

func TestMulti_FansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	Multi{a, b, Nop{}}.Record(context.Background(), NewEvent(EventSettingsChanged, "", nil))
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both sinks to receive the event, got %d and %d", len(a.events), len(b.events))
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"type":"rule.created"}`)
	sig := SignPayload(payload, "s3cret")
	if !VerifySignature(payload, "s3cret", sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("signature must not verify under a different secret")
	}
}

func TestWebhookSink_DeliversSignedEvent(t *testing.T) {
	var mu sync.Mutex
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotSig = r.Header.Get("X-Audit-Signature")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "s3cret", zerolog.Nop())
	sink.Record(context.Background(), NewEvent(EventRuleDeleted, "rule-9", nil))
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	var ev Event
	if err := json.Unmarshal(gotBody, &ev); err != nil {
		t.Fatalf("decode delivered body: %v", err)
	}
	if ev.Type != EventRuleDeleted || ev.Subject != "rule-9" {
		t.Errorf("unexpected delivered event: %+v", ev)
	}
	if !strings.HasPrefix(gotSig, "sha256=") || !VerifySignature(gotBody, "s3cret", strings.TrimPrefix(gotSig, "sha256=")) {
		t.Errorf("invalid signature header %q", gotSig)
	}
}

func TestWebhookSink_FailureDoesNotBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "", zerolog.Nop(), WithQueueSize(1))
	for i := 0; i < 10; i++ {
		sink.Record(context.Background(), NewEvent(EventCacheInvalidated, "", nil))
	}
	sink.Close()
}
