package threadfeed

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/waha-bridge/internal/messaging"
	"github.com/wolfman30/waha-bridge/pkg/logging"
	"golang.org/x/net/websocket"
)

type staticHistory map[uuid.UUID][]messaging.FeedUpdate

func (s staticHistory) Recent(_ context.Context, id uuid.UUID, _ int64) ([]messaging.FeedUpdate, error) {
	return s[id], nil
}

func dialHub(t *testing.T, hub *Hub, convID uuid.UUID) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub.Handler(convID))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := websocket.Dial(url, "", srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubReplaysHistoryAndStreams(t *testing.T) {
	convID := uuid.New()
	history := staticHistory{convID: {{Type: messaging.FeedEntryPosted, ConversationID: convID, MessageID: uuid.New()}}}
	hub := NewHub(history, logging.New("error"))

	conn := dialHub(t, hub, convID)
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	var frame Frame
	require.NoError(t, websocket.JSON.Receive(conn, &frame))
	assert.Equal(t, "history", frame.Type)
	require.Len(t, frame.History, 1)

	require.Eventually(t, func() bool { return hub.Viewers(convID) == 1 }, time.Second, 10*time.Millisecond)

	msgID := uuid.New()
	require.NoError(t, hub.Publish(context.Background(), messaging.FeedUpdate{
		Type:           messaging.FeedStatusChanged,
		ConversationID: convID,
		MessageID:      msgID,
		State:          messaging.StateDelivered,
	}))
	require.NoError(t, websocket.JSON.Receive(conn, &frame))
	assert.Equal(t, "update", frame.Type)
	require.NotNil(t, frame.Update)
	assert.Equal(t, msgID, frame.Update.MessageID)

	require.NoError(t, websocket.JSON.Send(conn, viewerMessage{Type: "ping"}))
	require.NoError(t, websocket.JSON.Receive(conn, &frame))
	assert.Equal(t, "pong", frame.Type)
}

func TestHubIgnoresOtherConversations(t *testing.T) {
	hub := NewHub(nil, logging.New("error"))
	watched := uuid.New()
	conn := dialHub(t, hub, watched)
	require.Eventually(t, func() bool { return hub.Viewers(watched) == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(messaging.FeedUpdate{Type: messaging.FeedEntryPosted, ConversationID: uuid.New()})
	hub.Broadcast(messaging.FeedUpdate{Type: messaging.FeedEntryRemoved, ConversationID: watched})

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	require.NoError(t, websocket.JSON.Receive(conn, &frame))
	assert.Equal(t, messaging.FeedEntryRemoved, frame.Update.Type)
}

func TestHubForgetsClosedViewers(t *testing.T) {
	hub := NewHub(nil, logging.New("error"))
	convID := uuid.New()
	conn := dialHub(t, hub, convID)
	require.Eventually(t, func() bool { return hub.Viewers(convID) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Viewers(convID) == 0 }, time.Second, 10*time.Millisecond)
}
