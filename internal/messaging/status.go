package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/waha-bridge/internal/events"
	"github.com/wolfman30/waha-bridge/internal/observability/metrics"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

var ackStates = map[int]MessageState{
	0: StateError,
	1: StateOutgoing,
	2: StateSent,
	3: StateDelivered,
	4: StateRead,
	5: StateRead,
}

// StateForAck maps a gateway ack code onto a message state.
func StateForAck(code int) (MessageState, error) {
	state, ok := ackStates[code]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownAck, code)
	}
	return state, nil
}

// inboundAckStates is the subset an inbound message may move into.
var inboundAckStates = map[MessageState]bool{
	StateError:     true,
	StateDelivered: true,
	StateRead:      true,
}

// StatusTracker applies delivery acknowledgements. The last code reported by
// the gateway wins; transitions are not forced to be monotonic.
type StatusTracker struct {
	repo    Repository
	feed    ThreadFeed
	metrics *metrics.MessagingMetrics
	logger  *logging.Logger
	now     func() time.Time
}

func NewStatusTracker(repo Repository, feed ThreadFeed, m *metrics.MessagingMetrics, logger *logging.Logger) *StatusTracker {
	if logger == nil {
		logger = logging.Default()
	}
	return &StatusTracker{repo: repo, feed: feed, metrics: m, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// ApplyAck moves msg to the state for code. Nothing is written when the
// state is unchanged, and each of the sent, delivered and read dates is only
// set the first time.
func (t *StatusTracker) ApplyAck(ctx context.Context, msg *Message, code int) error {
	target, err := StateForAck(code)
	if err != nil {
		return err
	}
	if msg.Direction == DirectionInbound && !inboundAckStates[target] {
		t.logger.Debug("ack ignored for inbound message", "message_id", msg.ID, "ack", code)
		t.metrics.ObserveAck(string(msg.State), false)
		return nil
	}
	if target == msg.State {
		t.metrics.ObserveAck(string(target), false)
		return nil
	}

	previous := msg.State
	now := t.now()
	next := *msg
	next.State = target
	switch target {
	case StateSent:
		if next.SentAt == nil {
			next.SentAt = &now
		}
	case StateDelivered:
		if next.DeliveredAt == nil {
			next.DeliveredAt = &now
		}
	case StateRead:
		if next.ReadAt == nil {
			next.ReadAt = &now
		}
	case StateError:
		if next.FailureType == FailureNone {
			next.FailureType = FailureUnknown
			next.FailureReason = "gateway reported delivery error"
		}
	}

	err = t.repo.WithTx(ctx, func(tx Repository) error {
		if err := tx.UpdateMessage(ctx, &next); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, events.Aggregate("message", msg.ID), events.MessageStatusChangedV1{
			MessageID:  msg.ID.String(),
			ExternalID: msg.ExternalID,
			AckCode:    code,
			From:       string(previous),
			To:         string(target),
			ChangedAt:  now,
		})
	})
	if err != nil {
		return err
	}
	*msg = next
	t.metrics.ObserveAck(string(target), true)

	if t.feed != nil {
		update := FeedUpdate{Type: FeedStatusChanged, ConversationID: msg.ConversationID, MessageID: msg.ID, State: target, At: now}
		if err := t.feed.Publish(ctx, update); err != nil {
			t.logger.Warn("thread feed publish failed", "message_id", msg.ID, "error", err)
		}
	}
	t.logger.Debug("message status changed", "message_id", msg.ID, "from", previous, "to", target, "ack", code)
	return nil
}

// ApplyAckByExternalID looks the message up by its gateway id first.
func (t *StatusTracker) ApplyAckByExternalID(ctx context.Context, externalID string, code int) (*Message, error) {
	if externalID == "" {
		return nil, fmt.Errorf("%w: ack without message id", ErrInvalidEvent)
	}
	msg, err := t.repo.FindMessageByExternalID(ctx, externalID)
	if err != nil {
		return nil, asNotFound(err, ErrMessageNotFound)
	}
	if err := t.ApplyAck(ctx, msg, code); err != nil {
		return nil, err
	}
	return msg, nil
}
