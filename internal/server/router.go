// Package server exposes the update log, the plain-text mirror and presence
// over HTTP, with a websocket stream per document.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/auth"
	"github.com/MainaJoseph/aura-editor-sub000/internal/collab"
	"github.com/MainaJoseph/aura-editor-sub000/internal/presence"
	"github.com/MainaJoseph/aura-editor-sub000/internal/users"
	"github.com/MainaJoseph/aura-editor-sub000/internal/wire"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	profileContextKey = "aura_profile"
	maxBodyBytes      = 4 << 20
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProfileResolver  = errors.New("profile resolver dependency required")
	errMissingDocumentStore    = errors.New("document store dependency required")
	errMissingPresenceStore    = errors.New("presence store dependency required")
)

// SessionValidator authenticates a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileResolver maps session claims to the collaborator profile.
type ProfileResolver interface {
	ResolveProfile(claims auth.SessionClaims) (users.Profile, error)
}

// DocumentStore is the part of the collab service the HTTP surface uses.
type DocumentStore interface {
	PushFragment(ctx context.Context, documentID collab.DocumentID, payload []byte, origin collab.ClientID) (collab.SequenceNum, error)
	GetSince(ctx context.Context, documentID collab.DocumentID) (collab.Since, error)
	Watch(ctx context.Context, documentID collab.DocumentID) (<-chan collab.Since, func())
	SyncPlainText(ctx context.Context, documentID collab.DocumentID, content string) error
	PlainText(ctx context.Context, documentID collab.DocumentID) (collab.PlainTextRecord, error)
}

// Dependencies wires the handler.
type Dependencies struct {
	Sessions      SessionValidator
	Profiles      ProfileResolver
	Documents     DocumentStore
	Presence      presence.Store
	Logger        *zap.Logger
	StreamOptions StreamOptions
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Profiles == nil {
		return nil, errMissingProfileResolver
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentStore
	}
	if deps.Presence == nil {
		return nil, errMissingPresenceStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:  deps.Sessions,
		profiles:  deps.Profiles,
		documents: deps.Documents,
		presence:  deps.Presence,
		logger:    logger,
		stream:    deps.StreamOptions.withDefaults(),
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	documents := protected.Group("/documents/:documentID")
	documents.POST("/fragments", handler.handlePushFragment)
	documents.GET("/since", handler.handleGetSince)
	documents.GET("/stream", handler.handleStream)
	documents.GET("/content", handler.handleGetContent)
	documents.PUT("/content", handler.handlePutContent)

	scopes := protected.Group("/presence/:scopeID")
	scopes.POST("/heartbeat", handler.handleHeartbeat)
	scopes.GET("", handler.handleListPresence)
	scopes.DELETE("", handler.handleLeave)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions  SessionValidator
	profiles  ProfileResolver
	documents DocumentStore
	presence  presence.Store
	logger    *zap.Logger
	stream    StreamOptions
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		abortJSON(c, http.StatusUnauthorized, "unauthorized", "")
		return
	}
	profile, err := h.profiles.ResolveProfile(claims)
	if err != nil {
		h.logger.Error("profile resolution failed", zap.Error(err))
		abortJSON(c, http.StatusUnauthorized, "unauthorized", "")
		return
	}
	c.Set(profileContextKey, profile)
	c.Next()
}

func profileFrom(c *gin.Context) users.Profile {
	value, _ := c.Get(profileContextKey)
	profile, _ := value.(users.Profile)
	return profile
}

func decodeBody(c *gin.Context, target any) error {
	return json.NewDecoder(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)).Decode(target)
}

func writeJSON(c *gin.Context, status int, value any) {
	body, err := json.Marshal(value)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/json; charset=utf-8", body)
}

func abortJSON(c *gin.Context, status int, message, code string) {
	writeJSON(c, status, wire.Error{Error: message, Code: code})
	c.Abort()
}
