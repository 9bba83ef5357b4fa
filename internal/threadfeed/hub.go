package threadfeed

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/wolfman30/waha-bridge/internal/messaging"
	"github.com/wolfman30/waha-bridge/pkg/logging"
	"golang.org/x/net/websocket"
)

// History returns the recent updates replayed to a viewer on connect.
type History interface {
	Recent(ctx context.Context, conversationID uuid.UUID, limit int64) ([]messaging.FeedUpdate, error)
}

// Frame is what viewers receive.
type Frame struct {
	Type    string                 `json:"type"` // "history", "update", "pong", "error"
	Update  *messaging.FeedUpdate  `json:"update,omitempty"`
	History []messaging.FeedUpdate `json:"history,omitempty"`
	Text    string                 `json:"text,omitempty"`
}

type viewerMessage struct {
	Type string `json:"type"`
}

// Hub fans thread updates out to websocket viewers of a conversation.
type Hub struct {
	history      History
	historyLimit int64
	logger       *logging.Logger

	mu      sync.RWMutex
	viewers map[uuid.UUID]map[*viewer]struct{}
}

type viewer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (v *viewer) send(frame Frame) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return websocket.JSON.Send(v.conn, frame)
}

var _ messaging.ThreadFeed = (*Hub)(nil)

func NewHub(history History, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		history:      history,
		historyLimit: 50,
		logger:       logger,
		viewers:      make(map[uuid.UUID]map[*viewer]struct{}),
	}
}

// Publish implements messaging.ThreadFeed for single-instance deployments.
func (h *Hub) Publish(ctx context.Context, update messaging.FeedUpdate) error {
	h.Broadcast(update)
	return nil
}

// Broadcast sends update to every viewer of its conversation.
func (h *Hub) Broadcast(update messaging.FeedUpdate) {
	h.mu.RLock()
	targets := make([]*viewer, 0, len(h.viewers[update.ConversationID]))
	for v := range h.viewers[update.ConversationID] {
		targets = append(targets, v)
	}
	h.mu.RUnlock()

	for _, v := range targets {
		u := update
		if err := v.send(Frame{Type: "update", Update: &u}); err != nil {
			h.logger.Debug("threadfeed: viewer send failed", "conversation_id", update.ConversationID, "error", err)
		}
	}
}

// Viewers reports how many sockets watch a conversation.
func (h *Hub) Viewers(conversationID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers[conversationID])
}

// Handler upgrades the request and streams updates for conversationID.
func (h *Hub) Handler(conversationID uuid.UUID) http.Handler {
	return websocket.Handler(func(conn *websocket.Conn) {
		h.serve(conn, conversationID)
	})
}

func (h *Hub) serve(conn *websocket.Conn, conversationID uuid.UUID) {
	v := &viewer{conn: conn}
	ctx := conn.Request().Context()

	if h.history != nil {
		updates, err := h.history.Recent(ctx, conversationID, h.historyLimit)
		if err != nil {
			h.logger.Warn("threadfeed: history unavailable", "conversation_id", conversationID, "error", err)
		} else if len(updates) > 0 {
			_ = v.send(Frame{Type: "history", History: updates})
		}
	}

	h.add(conversationID, v)
	defer h.remove(conversationID, v)
	h.logger.Debug("threadfeed: viewer connected", "conversation_id", conversationID)

	for {
		var msg viewerMessage
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			h.logger.Debug("threadfeed: viewer disconnected", "conversation_id", conversationID, "error", err)
			return
		}
		if msg.Type == "ping" {
			_ = v.send(Frame{Type: "pong"})
		}
	}
}

func (h *Hub) add(conversationID uuid.UUID, v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.viewers[conversationID]
	if !ok {
		set = make(map[*viewer]struct{})
		h.viewers[conversationID] = set
	}
	set[v] = struct{}{}
}

func (h *Hub) remove(conversationID uuid.UUID, v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.viewers[conversationID]
	delete(set, v)
	if len(set) == 0 {
		delete(h.viewers, conversationID)
	}
}
