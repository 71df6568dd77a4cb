package server

import (
	"errors"
	"net/http"

	"github.com/MainaJoseph/aura-editor-sub000/internal/collab"
	"github.com/MainaJoseph/aura-editor-sub000/internal/wire"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) documentID(c *gin.Context) (collab.DocumentID, bool) {
	documentID, err := collab.NewDocumentID(c.Param("documentID"))
	if err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid_document_id", "")
		return "", false
	}
	return documentID, true
}

func (h *httpHandler) handlePushFragment(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request wire.PushRequest
	if err := decodeBody(c, &request); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid_request", "")
		return
	}
	origin, err := collab.NewClientID(request.OriginClientID)
	if err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid_origin_client_id", "")
		return
	}

	sequence, err := h.documents.PushFragment(c.Request.Context(), documentID, request.Payload, origin)
	if err != nil {
		h.respondStoreError(c, "push fragment failed", documentID, err)
		return
	}
	writeJSON(c, http.StatusCreated, wire.PushResponse{SequenceNum: sequence.Int64()})
}

func (h *httpHandler) handleGetSince(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	since, err := h.documents.GetSince(c.Request.Context(), documentID)
	if err != nil {
		h.respondStoreError(c, "get since failed", documentID, err)
		return
	}
	writeJSON(c, http.StatusOK, wire.EncodeSince(documentID, since))
}

func (h *httpHandler) handleGetContent(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	record, err := h.documents.PlainText(c.Request.Context(), documentID)
	if err != nil {
		h.respondStoreError(c, "plain text lookup failed", documentID, err)
		return
	}
	writeJSON(c, http.StatusOK, wire.Content{
		Content:     record.Content,
		SequenceNum: record.SequenceNum.Int64(),
		UpdatedAt:   record.UpdatedAt.Unix(),
	})
}

func (h *httpHandler) handlePutContent(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request wire.Content
	if err := decodeBody(c, &request); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid_request", "")
		return
	}
	if err := h.documents.SyncPlainText(c.Request.Context(), documentID, request.Content); err != nil {
		h.respondStoreError(c, "plain text sync failed", documentID, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// respondStoreError maps store failures onto statuses. Validation failures
// are the caller's fault; everything else is logged and reported with the
// service error code.
func (h *httpHandler) respondStoreError(c *gin.Context, message string, documentID collab.DocumentID, err error) {
	code := ""
	var serviceErr *collab.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	switch {
	case errors.Is(err, collab.ErrInvalidPayload),
		errors.Is(err, collab.ErrInvalidDocumentID),
		errors.Is(err, collab.ErrInvalidClientID):
		abortJSON(c, http.StatusBadRequest, "invalid_request", code)
	case errors.Is(err, collab.ErrMirrorNotFound):
		abortJSON(c, http.StatusNotFound, "not_found", code)
	default:
		h.logger.Error(message, zap.String("document_id", documentID.String()), zap.Error(err))
		abortJSON(c, http.StatusInternalServerError, "internal_error", code)
	}
}
