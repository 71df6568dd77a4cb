// Package remote connects a sync client to the sync server over HTTP, with
// a websocket stream for change deliveries.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/collab"
	"github.com/MainaJoseph/aura-editor-sub000/internal/presence"
	"github.com/MainaJoseph/aura-editor-sub000/internal/syncclient"
	"github.com/MainaJoseph/aura-editor-sub000/internal/wire"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout    = 15 * time.Second
	defaultReconnectDelay    = time.Second
	defaultStreamReadTimeout = 2 * 30 * time.Second // twice the server's default ping interval
	maxErrorBody             = 64 << 10
)

var (
	errMissingBaseURL = errors.New("remote: base url required")
	errMissingToken   = errors.New("remote: session token required")
)

// StatusError reports a non-2xx answer from the server.
type StatusError struct {
	Status  int
	Message string
	Code    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: status %d: %s (%s)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("remote: status %d: %s", e.Status, e.Message)
}

// Config describes how to reach the server.
type Config struct {
	BaseURL        string
	Token          string
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	Logger         *zap.Logger
	ReconnectDelay time.Duration
	// StreamReadTimeout is how long the stream may stay silent, pings
	// included, before it is redialled.
	StreamReadTimeout time.Duration
}

// Client implements the sync client's store, mirror and presence ports
// against the server routes.
type Client struct {
	baseURL        *url.URL
	token          string
	http           *http.Client
	dialer         *websocket.Dialer
	logger         *zap.Logger
	reconnectDelay time.Duration
	readTimeout    time.Duration
}

var (
	_ syncclient.Store           = (*Client)(nil)
	_ syncclient.Mirror          = (*Client)(nil)
	_ syncclient.PresenceTracker = (*Client)(nil)
)

// New validates the configuration and constructs a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", baseURL.Scheme)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errMissingToken
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout, Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	readTimeout := cfg.StreamReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultStreamReadTimeout
	}
	return &Client{
		baseURL:        baseURL,
		token:          strings.TrimSpace(cfg.Token),
		http:           httpClient,
		dialer:         dialer,
		logger:         logger,
		reconnectDelay: reconnectDelay,
		readTimeout:    readTimeout,
	}, nil
}

// NewShared returns a process-wide Client that is built on first use and
// has its idle connections closed once the last holder releases it.
func NewShared(cfg Config) *syncclient.Shared[*Client] {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return syncclient.NewShared(func() (*Client, error) {
		return New(cfg)
	}, func(client *Client) error {
		client.Close()
		return nil
	}, func(err error) {
		logger.Warn("remote client teardown failed", zap.Error(err))
	})
}

// Close drops idle keep-alive connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// PushFragment appends a fragment and returns the assigned sequence number.
func (c *Client) PushFragment(ctx context.Context, documentID collab.DocumentID, payload []byte, origin collab.ClientID) (collab.SequenceNum, error) {
	var response wire.PushResponse
	err := c.do(ctx, http.MethodPost, documentPath(documentID, "fragments"), wire.PushRequest{
		Payload:        payload,
		OriginClientID: origin.String(),
	}, &response)
	if err != nil {
		return 0, err
	}
	return collab.NewSequenceNum(response.SequenceNum)
}

// GetSince fetches the latest snapshot and the fragments after it.
func (c *Client) GetSince(ctx context.Context, documentID collab.DocumentID) (collab.Since, error) {
	var response wire.Since
	if err := c.do(ctx, http.MethodGet, documentPath(documentID, "since"), nil, &response); err != nil {
		return collab.Since{}, err
	}
	return response.Decode()
}

// SyncPlainText overwrites the document's plain-text mirror.
func (c *Client) SyncPlainText(ctx context.Context, documentID collab.DocumentID, content string) error {
	return c.do(ctx, http.MethodPut, documentPath(documentID, "content"), wire.Content{Content: content}, nil)
}

// PlainText reads the document's plain-text mirror.
func (c *Client) PlainText(ctx context.Context, documentID collab.DocumentID) (string, error) {
	var response wire.Content
	if err := c.do(ctx, http.MethodGet, documentPath(documentID, "content"), nil, &response); err != nil {
		return "", err
	}
	return response.Content, nil
}

// Heartbeat reports presence. The server takes the user from the session.
func (c *Client) Heartbeat(ctx context.Context, heartbeat presence.Heartbeat) error {
	return c.do(ctx, http.MethodPost, presencePath(heartbeat.ScopeID)+"/heartbeat", wire.Heartbeat{
		FileID:    heartbeat.FileID,
		UserName:  heartbeat.UserName,
		UserColor: heartbeat.UserColor,
	}, nil)
}

// Leave removes the session user from the scope.
func (c *Client) Leave(ctx context.Context, scopeID presence.ScopeID, _ presence.UserID) error {
	return c.do(ctx, http.MethodDelete, presencePath(scopeID), nil, nil)
}

// ListActive returns the other users active in the scope.
func (c *Client) ListActive(ctx context.Context, scopeID presence.ScopeID) ([]presence.Entry, error) {
	var response wire.PresenceList
	if err := c.do(ctx, http.MethodGet, presencePath(scopeID), nil, &response); err != nil {
		return nil, err
	}
	return response.Entries, nil
}

func documentPath(documentID collab.DocumentID, suffix string) string {
	return "/documents/" + url.PathEscape(documentID.String()) + "/" + suffix
}

func presencePath(scopeID presence.ScopeID) string {
	return "/presence/" + url.PathEscape(scopeID.String())
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

func (c *Client) do(ctx context.Context, method, path string, body, target any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return decodeStatusError(response)
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	return json.NewDecoder(response.Body).Decode(target)
}

func decodeStatusError(response *http.Response) error {
	statusErr := &StatusError{Status: response.StatusCode, Message: http.StatusText(response.StatusCode)}
	raw, err := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return statusErr
	}
	var body wire.Error
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		statusErr.Message = body.Error
		statusErr.Code = body.Code
	}
	return statusErr
}
