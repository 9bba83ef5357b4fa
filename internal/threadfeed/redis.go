package threadfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/wolfman30/waha-bridge/internal/messaging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	feedKeyPrefix     = "thread_feed:"
	feedChannelPrefix = "thread_feed_live:"

	defaultFeedTTL = 72 * time.Hour
	defaultFeedMax = 200
)

// RedisFeed keeps the recent updates of each conversation in a capped Redis
// list and fans every update out on a pub/sub channel.
type RedisFeed struct {
	redis      *redis.Client
	tracer     trace.Tracer
	ttl        time.Duration
	maxEntries int64
}

var _ messaging.ThreadFeed = (*RedisFeed)(nil)

func NewRedisFeed(client *redis.Client) *RedisFeed {
	if client == nil {
		return nil
	}
	return &RedisFeed{
		redis:      client,
		tracer:     otel.Tracer("waha-bridge.internal.threadfeed"),
		ttl:        defaultFeedTTL,
		maxEntries: defaultFeedMax,
	}
}

// WithRetention overrides how long and how many updates are kept.
func (f *RedisFeed) WithRetention(ttl time.Duration, maxEntries int64) *RedisFeed {
	if f == nil {
		return nil
	}
	if ttl > 0 {
		f.ttl = ttl
	}
	if maxEntries > 0 {
		f.maxEntries = maxEntries
	}
	return f
}

func (f *RedisFeed) Publish(ctx context.Context, update messaging.FeedUpdate) error {
	if f == nil || f.redis == nil {
		return nil
	}
	if update.ConversationID == uuid.Nil {
		return errors.New("threadfeed: conversation id required")
	}
	if update.At.IsZero() {
		update.At = time.Now().UTC()
	}
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("threadfeed: marshal update: %w", err)
	}

	ctx, span := f.tracer.Start(ctx, "threadfeed.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation_id", update.ConversationID.String()),
		attribute.String("feed.type", string(update.Type)),
	)

	key := feedKey(update.ConversationID)
	pipe := f.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, f.ttl)
	pipe.LTrim(ctx, key, -f.maxEntries, -1)
	pipe.Publish(ctx, feedChannel(update.ConversationID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("threadfeed: publish: %w", err)
	}
	return nil
}

// Recent returns up to limit updates for a conversation, oldest first.
func (f *RedisFeed) Recent(ctx context.Context, conversationID uuid.UUID, limit int64) ([]messaging.FeedUpdate, error) {
	if f == nil || f.redis == nil {
		return nil, nil
	}
	ctx, span := f.tracer.Start(ctx, "threadfeed.recent")
	defer span.End()

	start := int64(0)
	if limit > 0 {
		start = -limit
	}
	raw, err := f.redis.LRange(ctx, feedKey(conversationID), start, -1).Result()
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, redis.Nil) {
			return []messaging.FeedUpdate{}, nil
		}
		return nil, fmt.Errorf("threadfeed: list: %w", err)
	}

	out := make([]messaging.FeedUpdate, 0, len(raw))
	for _, item := range raw {
		var update messaging.FeedUpdate
		if err := json.Unmarshal([]byte(item), &update); err != nil {
			span.RecordError(err)
			continue
		}
		out = append(out, update)
	}
	return out, nil
}

// Subscribe delivers updates published by any instance to fn until ctx is
// done.
func (f *RedisFeed) Subscribe(ctx context.Context, fn func(messaging.FeedUpdate)) error {
	if f == nil || f.redis == nil {
		return errors.New("threadfeed: redis not configured")
	}
	sub := f.redis.PSubscribe(ctx, feedChannelPrefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("threadfeed: subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var update messaging.FeedUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				continue
			}
			fn(update)
		}
	}
}

func feedKey(conversationID uuid.UUID) string {
	return feedKeyPrefix + conversationID.String()
}

func feedChannel(conversationID uuid.UUID) string {
	return feedChannelPrefix + conversationID.String()
}
