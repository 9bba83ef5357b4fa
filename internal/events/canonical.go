package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// CanonicalEvent is a versioned domain event written to the outbox.
type CanonicalEvent interface {
	EventType() string
}

// Envelope is the JSON document stored in outbox.payload.
type Envelope struct {
	EventID         uuid.UUID       `json:"event_id"`
	EventType       string          `json:"event_type"`
	Aggregate       string          `json:"aggregate"`
	TimestampMicros int64           `json:"timestamp"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("events: %s has no payload", e.EventType)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("events: decode %s: %w", e.EventType, err)
	}
	return nil
}

// OccurredAt returns the envelope timestamp.
func (e Envelope) OccurredAt() time.Time {
	return time.UnixMicro(e.TimestampMicros).UTC()
}

type correlationKey struct{}

// WithCorrelation tags every event appended under ctx with id, typically the
// HTTP request id of the webhook delivery or operator call.
func WithCorrelation(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

type EnvelopeOption func(*Envelope)

func WithEventID(id uuid.UUID) EnvelopeOption {
	return func(e *Envelope) {
		if id != uuid.Nil {
			e.EventID = id
		}
	}
}

func WithTimestamp(ts time.Time) EnvelopeOption {
	return func(e *Envelope) {
		if !ts.IsZero() {
			e.TimestampMicros = ts.UTC().UnixMicro()
		}
	}
}

var (
	errMissingAggregate = errors.New("events: aggregate is required")
	errNilEvent         = errors.New("events: canonical event required")
	errMissingType      = errors.New("events: event type is required")

	clock = time.Now
)

// Aggregate builds the "<kind>:<id>" key outbox rows are grouped by.
func Aggregate(kind string, id uuid.UUID) string {
	return strings.TrimSpace(kind) + ":" + id.String()
}

// NewEnvelope wraps evt, picking up the correlation id carried by ctx.
func NewEnvelope(ctx context.Context, aggregate string, evt CanonicalEvent, opts ...EnvelopeOption) (Envelope, error) {
	aggregate = strings.TrimSpace(aggregate)
	switch {
	case aggregate == "":
		return Envelope{}, errMissingAggregate
	case evt == nil:
		return Envelope{}, errNilEvent
	}
	eventType := strings.TrimSpace(evt.EventType())
	if eventType == "" {
		return Envelope{}, errMissingType
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal %s: %w", eventType, err)
	}
	env := Envelope{
		EventID:         uuid.New(),
		EventType:       eventType,
		Aggregate:       aggregate,
		TimestampMicros: clock().UTC().UnixMicro(),
		CorrelationID:   CorrelationID(ctx),
		Payload:         payload,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&env)
		}
	}
	return env, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const insertOutboxSQL = `INSERT INTO outbox (id, aggregate, event_type, payload) VALUES ($1, $2, $3, $4)`

// AppendCanonicalEvent inserts the envelope through exec so the outbox row
// shares the caller's transaction.
func AppendCanonicalEvent(ctx context.Context, exec execer, aggregate string, evt CanonicalEvent, opts ...EnvelopeOption) (Envelope, error) {
	if exec == nil {
		return Envelope{}, errors.New("events: exec required")
	}
	env, err := NewEnvelope(ctx, aggregate, evt, opts...)
	if err != nil {
		return Envelope{}, err
	}
	doc, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal envelope: %w", err)
	}
	if _, err := exec.Exec(ctx, insertOutboxSQL, env.EventID, env.Aggregate, env.EventType, doc); err != nil {
		return Envelope{}, fmt.Errorf("events: append %s: %w", env.EventType, err)
	}
	return env, nil
}
