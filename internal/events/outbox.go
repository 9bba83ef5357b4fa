package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

const (
	defaultMaxAttempts = 8
	retryBaseDelay     = 5 * time.Second
	retryMaxDelay      = time.Hour
	maxErrorLength     = 512
)

// OutboxEntry is one undelivered envelope.
type OutboxEntry struct {
	ID        uuid.UUID
	Aggregate string
	Type      string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

func (e OutboxEntry) Envelope() (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("events: decode outbox %s: %w", e.ID, err)
	}
	return env, nil
}

type DeliveryHandler interface {
	Handle(ctx context.Context, entry OutboxEntry) error
}

type DeliveryHandlerFunc func(ctx context.Context, entry OutboxEntry) error

func (f DeliveryHandlerFunc) Handle(ctx context.Context, entry OutboxEntry) error {
	return f(ctx, entry)
}

type outboxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const (
	fetchPendingSQL = `
		SELECT id, aggregate, event_type, payload, attempts, created_at
		FROM outbox
		WHERE delivered_at IS NULL AND next_attempt_at <= now() AND attempts < $2
		ORDER BY next_attempt_at, created_at
		LIMIT $1`
	markDeliveredSQL = `UPDATE outbox SET delivered_at = now(), last_error = NULL WHERE id = $1 AND delivered_at IS NULL`
	markFailedSQL    = `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
		WHERE id = $1 AND delivered_at IS NULL`
)

// OutboxStore reads and settles rows of the outbox table.
type OutboxStore struct {
	pool        outboxQuerier
	maxAttempts int
}

func NewOutboxStore(pool outboxQuerier) *OutboxStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &OutboxStore{pool: pool, maxAttempts: defaultMaxAttempts}
}

// FetchPending returns due entries that have not exhausted their attempts.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error) {
	rows, err := s.pool.Query(ctx, fetchPendingSQL, limit, s.maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("events: fetch pending: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			entry   OutboxEntry
			payload []byte
		)
		if err := rows.Scan(&entry.ID, &entry.Aggregate, &entry.Type, &payload, &entry.Attempts, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		entry.Payload = append([]byte(nil), payload...)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	ct, err := s.pool.Exec(ctx, markDeliveredSQL, id)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkFailed records a failed attempt and when the entry becomes due again.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, cause string, retryAt time.Time) error {
	if len(cause) > maxErrorLength {
		cause = cause[:maxErrorLength]
	}
	if _, err := s.pool.Exec(ctx, markFailedSQL, id, cause, retryAt.UTC()); err != nil {
		return fmt.Errorf("events: mark failed: %w", err)
	}
	return nil
}

type outboxSource interface {
	FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, cause string, retryAt time.Time) error
}

// Deliverer polls the outbox and hands due entries to the handler.
type Deliverer struct {
	store       outboxSource
	handler     DeliveryHandler
	logger      *logging.Logger
	batchSize   int32
	interval    time.Duration
	maxAttempts int
	now         func() time.Time
}

func NewDeliverer(store outboxSource, handler DeliveryHandler, logger *logging.Logger) *Deliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deliverer{
		store:       store,
		handler:     handler,
		logger:      logger,
		batchSize:   25,
		interval:    2 * time.Second,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
}

func (d *Deliverer) WithBatchSize(size int32) *Deliverer {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Deliverer) WithInterval(interval time.Duration) *Deliverer {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Deliverer) Start(ctx context.Context) {
	if d.store == nil || d.handler == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

func (d *Deliverer) drain(ctx context.Context) {
	entries, err := d.store.FetchPending(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("outbox fetch failed", "error", err)
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if err := d.handler.Handle(ctx, entry); err != nil {
			d.fail(ctx, entry, err)
			continue
		}
		if ok, err := d.store.MarkDelivered(ctx, entry.ID); err != nil {
			d.logger.Error("failed to mark outbox delivered", "error", err, "event_id", entry.ID)
		} else if ok {
			d.logger.Debug("outbox delivered", "event_id", entry.ID, "type", entry.Type)
		}
	}
}

func (d *Deliverer) fail(ctx context.Context, entry OutboxEntry, cause error) {
	attempt := entry.Attempts + 1
	retryAt := d.now().Add(retryDelay(attempt))
	if err := d.store.MarkFailed(ctx, entry.ID, cause.Error(), retryAt); err != nil {
		d.logger.Error("failed to record outbox failure", "error", err, "event_id", entry.ID)
	}
	if attempt >= d.maxAttempts {
		d.logger.Error("outbox delivery abandoned", "error", cause, "event_id", entry.ID, "type", entry.Type, "attempts", attempt)
		return
	}
	d.logger.Warn("outbox delivery failed", "error", cause, "event_id", entry.ID, "type", entry.Type, "attempt", attempt, "retry_at", retryAt)
}

// retryDelay doubles from retryBaseDelay per attempt, capped at retryMaxDelay.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}
