package server

import (
	"context"
	"net/http"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/collab"
	"github.com/MainaJoseph/aura-editor-sub000/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultStreamWriteTimeout = 10 * time.Second
	defaultStreamPingInterval = 30 * time.Second
)

// StreamOptions tunes the websocket stream. Zero values select defaults.
type StreamOptions struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultStreamWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultStreamPingInterval
	}
	return o
}

// Requests are authenticated by token before the upgrade, so any origin may connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleStream upgrades to a websocket and sends the document view once on
// connect and again after every change. Slow readers only see the newest view.
func (h *httpHandler) handleStream(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("stream upgrade failed", zap.String("document_id", documentID.String()), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	deliveries, stop := h.documents.Watch(ctx, documentID)
	defer stop()

	go discardIncoming(conn, cancel)

	ticker := time.NewTicker(h.stream.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeStream(conn, websocket.CloseGoingAway)
			return
		case since, open := <-deliveries:
			if !open {
				h.closeStream(conn, websocket.CloseNormalClosure)
				return
			}
			body, err := json.Marshal(wire.EncodeSince(documentID, since))
			if err != nil {
				h.logger.Error("stream encode failed", zap.String("document_id", documentID.String()), zap.Error(err))
				return
			}
			if err := h.writeStream(conn, websocket.TextMessage, body); err != nil {
				h.logger.Debug("stream write failed", zap.String("document_id", documentID.String()), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := h.writeStream(conn, websocket.PingMessage, nil); err != nil {
				h.logger.Debug("stream ping failed", zap.String("document_id", documentID.String()), zap.Error(err))
				return
			}
		}
	}
}

func (h *httpHandler) writeStream(conn *websocket.Conn, messageType int, body []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.stream.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, body)
}

func (h *httpHandler) closeStream(conn *websocket.Conn, code int) {
	message := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(h.stream.WriteTimeout))
}

// discardIncoming keeps control frames flowing and reports when the peer goes away.
func discardIncoming(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

var _ DocumentStore = (*collab.Service)(nil)
