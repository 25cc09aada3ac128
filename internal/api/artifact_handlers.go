package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"polychat/internal/apperr"
	"polychat/internal/models"
)

func (h *Handler) getDocuments(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	id, ok := requiredQuery(c, "id")
	if !ok {
		return
	}
	docs, err := h.assistant.GetDocuments(c.Request.Context(), id)
	if err != nil {
		respondError(c, apperr.SurfaceDocument, err)
		return
	}
	if len(docs) == 0 {
		writeError(c, apperr.New(apperr.NotFound, apperr.SurfaceDocument, ""))
		return
	}
	if docs[0].UserID != userID {
		writeError(c, apperr.New(apperr.Forbidden, apperr.SurfaceDocument, ""))
		return
	}
	c.JSON(http.StatusOK, docs)
}

// saveDocument stores a new version. Only the owner of existing versions
// may add one.
func (h *Handler) saveDocument(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	id, ok := requiredQuery(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content string              `json:"content"`
		Title   string              `json:"title"`
		Kind    models.DocumentKind `json:"kind"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.New(apperr.BadRequest, apperr.SurfaceDocument, "invalid request body"))
		return
	}
	if strings.TrimSpace(req.Title) == "" || !req.Kind.Valid() {
		writeError(c, apperr.New(apperr.BadRequest, apperr.SurfaceDocument, "title and a known kind are required"))
		return
	}
	ctx := c.Request.Context()
	docs, err := h.assistant.GetDocuments(ctx, id)
	if err != nil {
		respondError(c, apperr.SurfaceDocument, err)
		return
	}
	if len(docs) > 0 && docs[0].UserID != userID {
		writeError(c, apperr.New(apperr.Forbidden, apperr.SurfaceDocument, ""))
		return
	}
	doc := &models.Document{
		ID:      id,
		UserID:  userID,
		Title:   req.Title,
		Kind:    req.Kind,
		Content: req.Content,
	}
	if err := h.assistant.SaveDocument(ctx, doc); err != nil {
		respondError(c, apperr.SurfaceDocument, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// deleteDocuments drops every version newer than timestamp.
func (h *Handler) deleteDocuments(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	id, ok := requiredQuery(c, "id")
	if !ok {
		return
	}
	raw, ok := requiredQuery(c, "timestamp")
	if !ok {
		return
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		badRequest(c, "timestamp must be RFC 3339")
		return
	}
	ctx := c.Request.Context()
	docs, err := h.assistant.GetDocuments(ctx, id)
	if err != nil {
		respondError(c, apperr.SurfaceDocument, err)
		return
	}
	if len(docs) == 0 {
		writeError(c, apperr.New(apperr.NotFound, apperr.SurfaceDocument, ""))
		return
	}
	if docs[0].UserID != userID {
		writeError(c, apperr.New(apperr.Forbidden, apperr.SurfaceDocument, ""))
		return
	}
	deleted, err := h.assistant.DeleteDocumentsAfter(ctx, id, ts)
	if err != nil {
		respondError(c, apperr.SurfaceDocument, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *Handler) getSuggestions(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	documentID, ok := requiredQuery(c, "documentId")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	doc, err := h.assistant.GetLatestDocument(ctx, documentID)
	if err != nil {
		respondError(c, apperr.SurfaceDocument, err)
		return
	}
	if doc.UserID != userID {
		writeError(c, apperr.New(apperr.Forbidden, apperr.SurfaceSuggestions, ""))
		return
	}
	suggestions, err := h.assistant.GetSuggestions(ctx, documentID)
	if err != nil {
		respondError(c, apperr.SurfaceSuggestions, err)
		return
	}
	c.JSON(http.StatusOK, suggestions)
}
