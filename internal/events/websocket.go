package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second

	// pingInterval keeps idle connections alive through proxies.
	pingInterval = 30 * time.Second
)

// wsConn is the subset of *websocket.Conn the stream loop needs.
type wsConn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Handler upgrades a request to a WebSocket and streams the user's events
// as JSON text frames until either side goes away.
type Handler struct {
	hub            *Hub
	originPatterns []string
	logger         *slog.Logger
}

// NewHandler returns a Handler for hub. originPatterns are passed to
// websocket.Accept; an empty list only allows same-origin upgrades.
func NewHandler(hub *Hub, originPatterns []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{hub: hub, originPatterns: originPatterns, logger: logger}
}

// Serve streams events for userID over w.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	// CloseRead discards client frames and cancels ctx when the peer
	// closes.
	ctx := conn.CloseRead(r.Context())

	events, unsubscribe := h.hub.Subscribe(userID)
	defer unsubscribe()

	h.logger.Debug("event stream opened", slog.String("user", userID))

	if err := stream(ctx, conn, events); err != nil {
		h.logger.Debug("event stream closed", slog.String("user", userID), slog.String("error", err.Error()))
	}
}

// stream writes events until ctx is done or the channel closes.
func stream(ctx context.Context, conn wsConn, events <-chan Event) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return nil
			}

			if err := writeEvent(ctx, conn, ev); err != nil {
				conn.Close(websocket.StatusInternalError, "write failed")
				return err
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()

			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func writeEvent(ctx context.Context, conn wsConn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, data)
}
