package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/auth"
	"github.com/MainaJoseph/aura-editor-sub000/internal/collab"
	"github.com/MainaJoseph/aura-editor-sub000/internal/crdt"
	"github.com/MainaJoseph/aura-editor-sub000/internal/database"
	"github.com/MainaJoseph/aura-editor-sub000/internal/presence"
	"github.com/MainaJoseph/aura-editor-sub000/internal/server"
	"github.com/MainaJoseph/aura-editor-sub000/internal/syncclient"
	"github.com/MainaJoseph/aura-editor-sub000/internal/users"
	"github.com/MainaJoseph/aura-editor-sub000/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const testSigningSecret = "remote-test-secret"

type testServer struct {
	url    string
	issuer *auth.TokenIssuer
}

func mustServer(testContext *testing.T) *testServer {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(testContext.TempDir(), "remote.db"),
	}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql database: %v", err)
	}
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})

	documents, err := collab.NewService(collab.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to create collab service: %v", err)
	}
	presenceStore, err := presence.NewDatabaseStore(presence.DatabaseStoreConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to create presence store: %v", err)
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to create users service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    "app_session",
	})
	if err != nil {
		testContext.Fatalf("failed to create validator: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:  validator,
		Profiles:  profiles,
		Documents: documents,
		Presence:  presenceStore,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	testContext.Cleanup(httpServer.Close)

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		testContext.Fatalf("failed to create issuer: %v", err)
	}
	return &testServer{url: httpServer.URL, issuer: issuer}
}

func (s *testServer) client(testContext *testing.T, userID string) *Client {
	testContext.Helper()
	token, _, err := s.issuer.IssueSessionToken(userID, userID, "")
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	client, err := New(Config{BaseURL: s.url, Token: token, ReconnectDelay: 20 * time.Millisecond})
	if err != nil {
		testContext.Fatalf("failed to create remote client: %v", err)
	}
	testContext.Cleanup(client.Close)
	return client
}

func textOf(testContext *testing.T, since collab.Since) string {
	testContext.Helper()
	document := crdt.NewDocument("reader")
	defer document.Destroy()
	if since.Snapshot != nil {
		if err := document.ApplyUpdate(since.Snapshot.Payload, "remote"); err != nil {
			testContext.Fatalf("apply snapshot failed: %v", err)
		}
	}
	for _, fragment := range since.Fragments {
		if err := document.ApplyUpdate(fragment.Payload, "remote"); err != nil {
			testContext.Fatalf("apply fragment failed: %v", err)
		}
	}
	return document.Text()
}

func TestNewRejectsIncompleteConfig(testContext *testing.T) {
	if _, err := New(Config{Token: "t"}); !errors.Is(err, errMissingBaseURL) {
		testContext.Fatalf("expected missing base url, got %v", err)
	}
	if _, err := New(Config{BaseURL: "http://localhost"}); !errors.Is(err, errMissingToken) {
		testContext.Fatalf("expected missing token, got %v", err)
	}
	if _, err := New(Config{BaseURL: "ftp://localhost", Token: "t"}); err == nil {
		testContext.Fatalf("expected unsupported scheme error")
	}
}

func TestPushAndGetSinceOverHTTP(testContext *testing.T) {
	backend := mustServer(testContext)
	client := backend.client(testContext, "alice")
	ctx := context.Background()

	sequence, err := client.PushFragment(ctx, "doc-1", []byte("payload"), "client-a")
	if err != nil {
		testContext.Fatalf("push failed: %v", err)
	}
	if sequence != 1 {
		testContext.Fatalf("expected sequence 1, got %d", sequence)
	}
	since, err := client.GetSince(ctx, "doc-1")
	if err != nil {
		testContext.Fatalf("get since failed: %v", err)
	}
	if len(since.Fragments) != 1 || since.Fragments[0].OriginClientID != "client-a" {
		testContext.Fatalf("unexpected since %+v", since)
	}
}

func TestStatusErrorCarriesServiceCode(testContext *testing.T) {
	backend := mustServer(testContext)
	client := backend.client(testContext, "alice")

	_, err := client.PushFragment(context.Background(), "doc-1", nil, "client-a")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		testContext.Fatalf("expected status error, got %v", err)
	}
	if statusErr.Status != http.StatusBadRequest || statusErr.Code != "collab.push_fragment.invalid_payload" {
		testContext.Fatalf("unexpected status error %+v", statusErr)
	}

	if _, err := client.PlainText(context.Background(), "missing"); !errors.As(err, &statusErr) || statusErr.Status != http.StatusNotFound {
		testContext.Fatalf("expected not found, got %v", err)
	}
}

func TestPresenceOverHTTP(testContext *testing.T) {
	backend := mustServer(testContext)
	alice := backend.client(testContext, "alice")
	bob := backend.client(testContext, "bob")
	ctx := context.Background()

	if err := bob.Heartbeat(ctx, presence.Heartbeat{ScopeID: "workspace", UserID: "bob", UserName: "Bob"}); err != nil {
		testContext.Fatalf("heartbeat failed: %v", err)
	}
	entries, err := alice.ListActive(ctx, "workspace")
	if err != nil {
		testContext.Fatalf("list failed: %v", err)
	}
	if len(entries) != 1 || entries[0].UserName != "Bob" {
		testContext.Fatalf("unexpected entries %+v", entries)
	}
	if err := bob.Leave(ctx, "workspace", "bob"); err != nil {
		testContext.Fatalf("leave failed: %v", err)
	}
	entries, err = alice.ListActive(ctx, "workspace")
	if err != nil {
		testContext.Fatalf("list failed: %v", err)
	}
	if len(entries) != 0 {
		testContext.Fatalf("expected bob to have left, got %+v", entries)
	}
}

func TestSyncClientsConvergeThroughServer(testContext *testing.T) {
	backend := mustServer(testContext)
	pool := NewShared(Config{BaseURL: backend.url, Token: mustToken(testContext, backend, "alice")})
	defer pool.Close()

	writerConn, releaseWriter, err := pool.Acquire()
	if err != nil {
		testContext.Fatalf("acquire failed: %v", err)
	}
	readerConn, releaseReader, err := pool.Acquire()
	if err != nil {
		testContext.Fatalf("acquire failed: %v", err)
	}
	if writerConn != readerConn || pool.Refs() != 2 {
		testContext.Fatalf("expected both sessions to share one connection")
	}

	options := syncclient.Options{Debounce: 10 * time.Millisecond, MirrorInterval: 50 * time.Millisecond}
	writer := mustSyncClient(testContext, syncclient.Config{
		DocumentID: "doc-1", Store: writerConn, Mirror: writerConn, Options: options, Release: releaseWriter,
	})
	reader := mustSyncClient(testContext, syncclient.Config{
		DocumentID: "doc-1", Store: readerConn, Options: options, Release: releaseReader,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := writer.Insert(ctx, 0, "hello"); err != nil {
		testContext.Fatalf("insert failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		text, err := reader.Text(ctx)
		if err != nil {
			testContext.Fatalf("text failed: %v", err)
		}
		if text == "hello" {
			break
		}
		if time.Now().After(deadline) {
			testContext.Fatalf("reader never converged, last text %q", text)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := writer.Close(ctx); err != nil {
		testContext.Fatalf("close writer failed: %v", err)
	}
	if err := reader.Close(ctx); err != nil {
		testContext.Fatalf("close reader failed: %v", err)
	}
	if pool.Refs() != 0 {
		testContext.Fatalf("expected every session to release the connection, refs=%d", pool.Refs())
	}

	verifier := backend.client(testContext, "carol")
	since, err := verifier.GetSince(ctx, "doc-1")
	if err != nil {
		testContext.Fatalf("get since failed: %v", err)
	}
	if text := textOf(testContext, since); text != "hello" {
		testContext.Fatalf("expected stored text hello, got %q", text)
	}
	mirrored, err := verifier.PlainText(ctx, "doc-1")
	if err != nil {
		testContext.Fatalf("plain text failed: %v", err)
	}
	if mirrored != "hello" {
		testContext.Fatalf("expected mirror hello, got %q", mirrored)
	}
}

func TestWatchRedialsAfterStreamDrops(testContext *testing.T) {
	var connections atomic.Int32
	upgrader := websocket.Upgrader{}
	streamServer := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get("Authorization") != "Bearer token" {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		count := connections.Add(1)
		body, _ := json.Marshal(wire.Since{
			DocumentID:    "doc-1",
			Fragments:     []wire.Fragment{{SequenceNum: int64(count), Payload: []byte{1}, OriginClientID: "peer"}},
			HighWaterMark: int64(count),
		})
		_ = conn.WriteMessage(websocket.TextMessage, body)
		if count == 1 {
			return
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer streamServer.Close()

	client, err := New(Config{BaseURL: streamServer.URL, Token: "token", ReconnectDelay: 10 * time.Millisecond})
	if err != nil {
		testContext.Fatalf("new failed: %v", err)
	}
	deliveries, stop := client.Watch(context.Background(), "doc-1")

	seen := map[collab.SequenceNum]bool{}
	timeout := time.After(3 * time.Second)
	for !seen[2] {
		select {
		case since, open := <-deliveries:
			if !open {
				testContext.Fatalf("stream closed early")
			}
			seen[since.HighWaterMark()] = true
		case <-timeout:
			testContext.Fatalf("expected a delivery from the second connection, saw %v", seen)
		}
	}

	stop()
	drainDeadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-deliveries:
			if !open {
				return
			}
		case <-drainDeadline:
			testContext.Fatalf("expected deliveries to close after stop")
		}
	}
}

func TestWatchRedialsSilentStream(testContext *testing.T) {
	var connections atomic.Int32
	upgrader := websocket.Upgrader{}
	streamServer := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		count := connections.Add(1)
		_ = conn.WriteMessage(websocket.TextMessage, mustSinceBody(testContext, count))
		// Stay connected without writing anything else.
		_, _, _ = conn.ReadMessage()
	}))
	defer streamServer.Close()

	client, err := New(Config{
		BaseURL:           streamServer.URL,
		Token:             "token",
		ReconnectDelay:    10 * time.Millisecond,
		StreamReadTimeout: 150 * time.Millisecond,
	})
	if err != nil {
		testContext.Fatalf("new failed: %v", err)
	}
	deliveries, stop := client.Watch(context.Background(), "doc-1")
	defer stop()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case since, open := <-deliveries:
			if !open {
				testContext.Fatalf("stream closed early")
			}
			if since.HighWaterMark() >= 2 {
				return
			}
		case <-timeout:
			testContext.Fatalf("silent stream was never redialled, connections=%d", connections.Load())
		}
	}
}

func TestWatchKeepsStreamAliveWhileServerPings(testContext *testing.T) {
	var connections atomic.Int32
	upgrader := websocket.Upgrader{}
	streamServer := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		count := connections.Add(1)
		if err := conn.WriteMessage(websocket.TextMessage, mustSinceBody(testContext, count)); err != nil {
			return
		}
		ticker := time.NewTicker(40 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-request.Context().Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			}
		}
	}))
	defer streamServer.Close()

	client, err := New(Config{
		BaseURL:           streamServer.URL,
		Token:             "token",
		ReconnectDelay:    10 * time.Millisecond,
		StreamReadTimeout: 150 * time.Millisecond,
	})
	if err != nil {
		testContext.Fatalf("new failed: %v", err)
	}
	deliveries, stop := client.Watch(context.Background(), "doc-1")
	defer stop()

	select {
	case <-deliveries:
	case <-time.After(2 * time.Second):
		testContext.Fatalf("expected the initial delivery")
	}
	time.Sleep(600 * time.Millisecond)
	if count := connections.Load(); count != 1 {
		testContext.Fatalf("expected pings to keep the first stream alive, connections=%d", count)
	}
}

func mustSinceBody(testContext *testing.T, sequence int32) []byte {
	body, err := json.Marshal(wire.Since{
		DocumentID:    "doc-1",
		Fragments:     []wire.Fragment{{SequenceNum: int64(sequence), Payload: []byte{1}, OriginClientID: "peer"}},
		HighWaterMark: int64(sequence),
	})
	if err != nil {
		testContext.Errorf("encode since failed: %v", err)
	}
	return body
}

func mustToken(testContext *testing.T, backend *testServer, userID string) string {
	testContext.Helper()
	token, _, err := backend.issuer.IssueSessionToken(userID, userID, "")
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func mustSyncClient(testContext *testing.T, cfg syncclient.Config) *syncclient.Client {
	testContext.Helper()
	client, err := syncclient.New(cfg)
	if err != nil {
		testContext.Fatalf("failed to start sync client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	synced, unsubscribe := client.SubscribeSynced(ctx)
	defer unsubscribe()
	select {
	case <-synced:
	case <-ctx.Done():
		testContext.Fatalf("client never synced")
	}
	return client
}
