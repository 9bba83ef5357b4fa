// Package audit records reconciliation decisions that operators may need to
// explain later: classified send failures, rollbacks and roster changes.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/wolfman30/waha-bridge/internal/messaging"
)

// Event is an immutable audit record.
type Event struct {
	ID             string    `json:"id"`
	Action         string    `json:"action"`
	AccountID      string    `json:"account_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	FailureType    string    `json:"failure_type,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	Added          []string  `json:"added,omitempty"`
	Removed        []string  `json:"removed,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Service writes and queries reconcile_audit_events.
type Service struct {
	db *sql.DB
}

var _ messaging.AuditRecorder = (*Service)(nil)

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Record implements messaging.AuditRecorder.
func (s *Service) Record(ctx context.Context, entry messaging.AuditEntry) error {
	return s.LogEvent(ctx, Event{
		Action:         entry.Action,
		AccountID:      entry.AccountID.String(),
		ConversationID: uuidString(entry.ConversationID),
		MessageID:      uuidString(entry.MessageID),
		FailureType:    string(entry.Failure),
		Detail:         entry.Detail,
		Added:          entry.Added,
		Removed:        entry.Removed,
	})
}

// LogEvent inserts one audit record.
func (s *Service) LogEvent(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO reconcile_audit_events (
			id, action, account_id, conversation_id, message_id,
			failure_type, detail, added, removed, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.Action,
		event.AccountID,
		nullString(event.ConversationID),
		nullString(event.MessageID),
		nullString(event.FailureType),
		nullString(event.Detail),
		pq.Array(nonNil(event.Added)),
		pq.Array(nonNil(event.Removed)),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to log event: %w", err)
	}
	return nil
}

// Filter specifies criteria for querying audit events.
type Filter struct {
	AccountID      string
	ConversationID string
	MessageID      string
	Action         string
	StartTime      time.Time
	EndTime        time.Time
	Limit          int
	Offset         int
}

// QueryEvents returns events matching filter, newest first.
func (s *Service) QueryEvents(ctx context.Context, filter Filter) ([]Event, error) {
	query := `
		SELECT id, action, account_id, conversation_id, message_id,
			   failure_type, detail, added, removed, created_at
		FROM reconcile_audit_events
		WHERE 1=1
	`
	var args []interface{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}

	if filter.AccountID != "" {
		add("account_id = $%d", filter.AccountID)
	}
	if filter.ConversationID != "" {
		add("conversation_id = $%d", filter.ConversationID)
	}
	if filter.MessageID != "" {
		add("message_id = $%d", filter.MessageID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if !filter.StartTime.IsZero() {
		add("created_at >= $%d", filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		add("created_at <= $%d", filter.EndTime)
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var convID, msgID, failure, detail sql.NullString
		err := rows.Scan(
			&e.ID, &e.Action, &e.AccountID, &convID, &msgID,
			&failure, &detail, pq.Array(&e.Added), pq.Array(&e.Removed), &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to scan event: %w", err)
		}
		e.ConversationID = convID.String
		e.MessageID = msgID.String
		e.FailureType = failure.String
		e.Detail = detail.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: failed to read events: %w", err)
	}
	return events, nil
}

func uuidString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
