package remote

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/collab"
	"github.com/MainaJoseph/aura-editor-sub000/internal/wire"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const pongWriteTimeout = 5 * time.Second

// Watch follows the document stream. The server sends the full view on
// every connect, so a dropped stream is redialled after the reconnect delay
// without losing changes. A stream that stays silent past the read timeout
// counts as dropped. Only the newest undelivered view is kept.
func (c *Client) Watch(ctx context.Context, documentID collab.DocumentID) (<-chan collab.Since, func()) {
	deliveries := make(chan collab.Since, 1)
	watchContext, cancel := context.WithCancel(ctx)

	go func() {
		defer close(deliveries)
		for {
			err := c.follow(watchContext, documentID, deliveries)
			if watchContext.Err() != nil {
				return
			}
			c.logger.Debug("document stream interrupted",
				zap.String("document_id", documentID.String()),
				zap.Error(err))
			timer := time.NewTimer(c.reconnectDelay)
			select {
			case <-watchContext.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()

	return deliveries, cancel
}

func (c *Client) follow(ctx context.Context, documentID collab.DocumentID, deliveries chan collab.Since) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, _, err := c.dialer.DialContext(ctx, c.streamURL(documentID), header)
	if err != nil {
		return err
	}
	connectionContext, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		<-connectionContext.Done()
		_ = conn.Close()
	}()

	extendDeadline := func() error {
		return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	if err := extendDeadline(); err != nil {
		return err
	}
	conn.SetPingHandler(func(appData string) error {
		if err := extendDeadline(); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(pongWriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		return extendDeadline()
	})

	for {
		_, body, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := extendDeadline(); err != nil {
			return err
		}
		var message wire.Since
		if err := json.Unmarshal(body, &message); err != nil {
			return err
		}
		since, err := message.Decode()
		if err != nil {
			return err
		}
		select {
		case <-deliveries:
		default:
		}
		deliveries <- since
	}
}

func (c *Client) streamURL(documentID collab.DocumentID) string {
	endpoint := c.endpoint(documentPath(documentID, "stream"))
	if strings.HasPrefix(endpoint, "https://") {
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	}
	return "ws://" + strings.TrimPrefix(endpoint, "http://")
}
