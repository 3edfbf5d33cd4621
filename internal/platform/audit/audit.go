// Package audit delivers audit events to fire-and-forget sinks. A sink never
// reports failure to its caller; problems are logged and dropped.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types recorded by the validation service.
const (
	EventRuleCreated         = "rule.created"
	EventRuleUpdated         = "rule.updated"
	EventRuleDeleted         = "rule.deleted"
	EventRuleRolledBack      = "rule.rolled_back"
	EventSettingsChanged     = "settings.changed"
	EventCacheInvalidated    = "cache.invalidated"
	EventBreakerStateChanged = "breaker.state_changed"
)

type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Actor      string         `json:"actor,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(eventType, subject string, details map[string]any) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Subject:    subject,
		Details:    details,
		OccurredAt: time.Now().UTC(),
	}
}

type actorKey struct{}

// WithActor attaches the acting principal to ctx for events recorded
// further down the call chain.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor set by WithActor, or "system".
func ActorFromContext(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}

// Sink records audit events.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// LogSink writes events to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, ev Event) {
	s.logger.Info().
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Str("actor", ev.Actor).
		Str("subject", ev.Subject).
		Interface("details", ev.Details).
		Time("occurred_at", ev.OccurredAt).
		Msg("audit")
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Record(ctx, ev)
	}
}
