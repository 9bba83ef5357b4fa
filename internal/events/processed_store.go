package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/waha-bridge/pkg/logging"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	seenSQL   = `SELECT processed_at FROM processed_events WHERE provider = $1 AND event_id = $2`
	recordSQL = `INSERT INTO processed_events (provider, event_id, processed_at) VALUES ($1, $2, $3) ON CONFLICT (provider, event_id) DO NOTHING`
	pruneSQL  = `DELETE FROM processed_events WHERE processed_at < $1`
)

// ProcessedStore is the webhook delivery ledger. A gateway redelivers an
// event until it gets a 2xx, so each (provider, event id) is recorded once
// the event has been applied.
type ProcessedStore struct {
	db  rowQuerier
	now func() time.Time
}

func NewProcessedStore(db rowQuerier) *ProcessedStore {
	if db == nil {
		panic("events: pgx pool required")
	}
	return &ProcessedStore{db: db, now: time.Now}
}

// AlreadyProcessed reports whether the delivery was recorded before.
func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var at time.Time
	err := s.db.QueryRow(ctx, seenSQL, provider, eventID).Scan(&at)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("events: lookup %s/%s: %w", provider, eventID, err)
	}
	return true, nil
}

// MarkProcessed records the delivery. It returns false when another request
// recorded it first.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	tag, err := s.db.Exec(ctx, recordSQL, provider, eventID, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("events: record %s/%s: %w", provider, eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Prune forgets deliveries older than retention and returns how many rows
// were removed.
func (s *ProcessedStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, pruneSQL, s.now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("events: prune processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RunPruner calls Prune every interval until ctx is done.
func (s *ProcessedStore) RunPruner(ctx context.Context, interval, retention time.Duration, logger *logging.Logger) {
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 || retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Prune(ctx, retention)
			if err != nil {
				logger.Warn("processed event prune failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("pruned processed events", "removed", removed)
			}
		}
	}
}
