package server

import (
	"errors"
	"net/http"

	"github.com/MainaJoseph/aura-editor-sub000/internal/presence"
	"github.com/MainaJoseph/aura-editor-sub000/internal/wire"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) presenceIdentity(c *gin.Context) (presence.ScopeID, presence.UserID, bool) {
	scopeID, err := presence.NewScopeID(c.Param("scopeID"))
	if err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid_scope_id", "")
		return "", "", false
	}
	userID, err := presence.NewUserID(profileFrom(c).UserID)
	if err != nil {
		abortJSON(c, http.StatusUnauthorized, "unauthorized", "")
		return "", "", false
	}
	return scopeID, userID, true
}

func (h *httpHandler) handleHeartbeat(c *gin.Context) {
	scopeID, userID, ok := h.presenceIdentity(c)
	if !ok {
		return
	}
	var request wire.Heartbeat
	if c.Request.ContentLength != 0 {
		if err := decodeBody(c, &request); err != nil {
			abortJSON(c, http.StatusBadRequest, "invalid_request", "")
			return
		}
	}
	profile := profileFrom(c)
	heartbeat := presence.Heartbeat{
		ScopeID:   scopeID,
		UserID:    userID,
		FileID:    request.FileID,
		UserName:  request.UserName,
		UserColor: request.UserColor,
	}
	if heartbeat.UserName == "" {
		heartbeat.UserName = profile.DisplayName
	}
	if heartbeat.UserColor == "" {
		heartbeat.UserColor = profile.Color
	}
	if err := h.presence.Heartbeat(c.Request.Context(), heartbeat); err != nil {
		h.logger.Warn("presence heartbeat failed", zap.String("scope_id", scopeID.String()), zap.Error(err))
		abortJSON(c, http.StatusInternalServerError, "internal_error", presenceCode(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListPresence(c *gin.Context) {
	scopeID, userID, ok := h.presenceIdentity(c)
	if !ok {
		return
	}
	entries, err := h.presence.ListActive(c.Request.Context(), scopeID, userID)
	if err != nil {
		h.logger.Warn("presence listing failed", zap.String("scope_id", scopeID.String()), zap.Error(err))
		abortJSON(c, http.StatusInternalServerError, "internal_error", presenceCode(err))
		return
	}
	if entries == nil {
		entries = []presence.Entry{}
	}
	writeJSON(c, http.StatusOK, wire.PresenceList{ScopeID: scopeID.String(), Entries: entries})
}

func (h *httpHandler) handleLeave(c *gin.Context) {
	scopeID, userID, ok := h.presenceIdentity(c)
	if !ok {
		return
	}
	if err := h.presence.Leave(c.Request.Context(), scopeID, userID); err != nil {
		h.logger.Warn("presence leave failed", zap.String("scope_id", scopeID.String()), zap.Error(err))
		abortJSON(c, http.StatusInternalServerError, "internal_error", presenceCode(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func presenceCode(err error) string {
	var storeErr *presence.StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Code()
	}
	return ""
}
