package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/MainaJoseph/aura-editor-sub000/internal/auth"
	"github.com/MainaJoseph/aura-editor-sub000/internal/collab"
	"github.com/MainaJoseph/aura-editor-sub000/internal/database"
	"github.com/MainaJoseph/aura-editor-sub000/internal/presence"
	"github.com/MainaJoseph/aura-editor-sub000/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "server-test-secret"
	testCookieName    = "app_session"
)

type testStack struct {
	handler   http.Handler
	documents *collab.Service
	issuer    *auth.TokenIssuer
}

func mustStack(t *testing.T, logger *zap.Logger) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "server.db"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql database: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	documents, err := collab.NewService(collab.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create collab service: %v", err)
	}
	presenceStore, err := presence.NewDatabaseStore(presence.DatabaseStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create presence store: %v", err)
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create users service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:  validator,
		Profiles:  profiles,
		Documents: documents,
		Presence:  presenceStore,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testStack{handler: handler, documents: documents, issuer: issuer}
}

func (s *testStack) token(t *testing.T, userID, displayName string) string {
	t.Helper()
	token, _, err := s.issuer.IssueSessionToken(userID, displayName, "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testStack) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func mustDecode(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, status int) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d (%s)", status, recorder.Code, recorder.Body.String())
	}
}
