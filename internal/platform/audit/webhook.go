package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC of payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(s *WebhookSink) { s.client = c }
}

// WithQueueSize bounds the number of undelivered events held in memory.
func WithQueueSize(n int) WebhookOption {
	return func(s *WebhookSink) { s.queueSize = n }
}

// WebhookSink POSTs each event as signed JSON to a single URL from a
// background worker. When the queue is full new events are dropped.
type WebhookSink struct {
	url       string
	secret    string
	client    *http.Client
	queueSize int
	logger    zerolog.Logger

	queue chan Event
	wg    sync.WaitGroup
	once  sync.Once
}

func NewWebhookSink(url, secret string, logger zerolog.Logger, opts ...WebhookOption) *WebhookSink {
	s := &WebhookSink{
		url:       url,
		secret:    secret,
		client:    &http.Client{Timeout: 10 * time.Second},
		queueSize: 256,
		logger:    logger.With().Str("component", "audit_webhook").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan Event, s.queueSize)
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *WebhookSink) Record(_ context.Context, ev Event) {
	select {
	case s.queue <- ev:
	default:
		s.logger.Warn().Str("event_type", ev.Type).Str("event_id", ev.ID).Msg("audit queue full, event dropped")
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (s *WebhookSink) Close() {
	s.once.Do(func() { close(s.queue) })
	s.wg.Wait()
}

func (s *WebhookSink) run() {
	defer s.wg.Done()
	for ev := range s.queue {
		if err := s.deliver(ev); err != nil {
			s.logger.Warn().Err(err).Str("event_type", ev.Type).Str("event_id", ev.ID).Msg("audit delivery failed")
		}
	}
}

func (s *WebhookSink) deliver(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Audit-Event-ID", ev.ID)
	req.Header.Set("X-Audit-Timestamp", ev.OccurredAt.UTC().Format(time.RFC3339))
	if s.secret != "" {
		req.Header.Set("X-Audit-Signature", "sha256="+SignPayload(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}
