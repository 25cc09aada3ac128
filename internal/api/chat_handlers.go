package api

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"polychat/internal/apperr"
	"polychat/internal/models"
	"polychat/internal/resumable"
	"polychat/internal/sse"
	"polychat/internal/worker"
)

const (
	maxMessageChars  = 2000
	maxAttachments   = 8
	rateLimitWindow  = 24 * time.Hour
	resumeFreshness  = 15 * time.Second
	defaultPageLimit = 10
	maxPageLimit     = 100
)

type chatMessageRequest struct {
	ID          string              `json:"id"`
	Role        models.Role         `json:"role"`
	Parts       []models.Part       `json:"parts"`
	Attachments []models.Attachment `json:"attachments"`
}

type postChatRequest struct {
	ID                     string             `json:"id"`
	Message                chatMessageRequest `json:"message"`
	SelectedChatModel      string             `json:"selectedChatModel"`
	SelectedVisibilityType models.Visibility  `json:"selectedVisibilityType"`
}

func (r *postChatRequest) validate() string {
	if _, err := uuid.Parse(r.ID); err != nil {
		return "id must be a uuid"
	}
	if _, err := uuid.Parse(r.Message.ID); err != nil {
		return "message.id must be a uuid"
	}
	if r.Message.Role != models.RoleUser {
		return "message.role must be user"
	}
	if len(r.Message.Parts) != 1 || r.Message.Parts[0].Type != models.PartText {
		return "message must carry exactly one text part"
	}
	if n := utf8.RuneCountInString(r.Message.Parts[0].Text); n < 1 || n > maxMessageChars {
		return "message text must be between 1 and 2000 characters"
	}
	if len(r.Message.Attachments) > maxAttachments {
		return "too many attachments"
	}
	for _, a := range r.Message.Attachments {
		if strings.TrimSpace(a.URL) == "" || strings.TrimSpace(a.Name) == "" {
			return "attachments need a url and a name"
		}
	}
	if !r.SelectedVisibilityType.Valid() {
		return "selectedVisibilityType must be private or public"
	}
	if strings.TrimSpace(r.SelectedChatModel) == "" {
		return "selectedChatModel is required"
	}
	return ""
}

// postChat stores the user message, queues the generation and follows its
// stream. Generation continues when the client disconnects.
func (h *Handler) postChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req postChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		badRequest(c, msg)
		return
	}
	ctx := c.Request.Context()

	count, err := h.assistant.CountUserMessagesSince(ctx, userID, time.Now().Add(-rateLimitWindow))
	if err != nil {
		respondError(c, apperr.SurfaceChat, err)
		return
	}
	if count >= h.maxMessages {
		writeError(c, apperr.New(apperr.RateLimit, apperr.SurfaceChat, ""))
		return
	}

	chat, err := h.assistant.GetChat(ctx, req.ID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		chat = &models.Chat{
			ID:         req.ID,
			UserID:     userID,
			Title:      models.DefaultChatTitle,
			Visibility: req.SelectedVisibilityType,
		}
		if err := h.assistant.SaveChat(ctx, chat); err != nil {
			respondError(c, apperr.SurfaceChat, err)
			return
		}
	case err != nil:
		respondError(c, apperr.SurfaceChat, err)
		return
	case chat.UserID != userID:
		writeError(c, apperr.New(apperr.Forbidden, apperr.SurfaceChat, ""))
		return
	}

	message := &models.Message{
		ID:          req.Message.ID,
		ChatID:      chat.ID,
		Role:        models.RoleUser,
		Parts:       req.Message.Parts,
		Attachments: req.Message.Attachments,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.assistant.SaveMessages(ctx, message); err != nil {
		respondError(c, apperr.SurfaceChat, err)
		return
	}

	streamID := uuid.NewString()
	if _, err := h.assistant.CreateStreamID(ctx, streamID, chat.ID); err != nil {
		respondError(c, apperr.SurfaceStream, err)
		return
	}
	producer, err := h.streams.Produce(ctx, streamID)
	if err != nil {
		respondError(c, apperr.SurfaceStream, err)
		return
	}
	task := &worker.GenerateTask{
		UserID:   userID,
		ChatID:   chat.ID,
		ModelID:  strings.TrimSpace(req.SelectedChatModel),
		Message:  message,
		Producer: producer,
	}
	if err := h.workers.Submit(task); err != nil {
		closeUnsubmitted(producer)
		if errors.Is(err, worker.ErrDispatcherBusy) {
			writeError(c, apperr.New(apperr.RateLimit, apperr.SurfaceChat, "server is busy, please retry"))
			return
		}
		respondError(c, apperr.SurfaceChat, err)
		return
	}

	reader, err := h.streams.Follow(ctx, streamID)
	if err != nil {
		respondError(c, apperr.SurfaceStream, err)
		return
	}
	w, err := sse.NewWriter(c.Writer)
	if err != nil {
		reader.Close()
		respondError(c, apperr.SurfaceStream, err)
		return
	}
	pipeStream(c, w, reader)
}

// closeUnsubmitted finishes a stream whose job never reached the workers
// so resuming clients do not wait on it.
func closeUnsubmitted(producer *resumable.Producer) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if frame, err := sse.Encode(sse.EventError, apperr.New(apperr.RateLimit, apperr.SurfaceChat, "").ToBody()); err == nil {
		_ = producer.Write(ctx, frame)
	}
	if frame, err := sse.Encode(sse.EventFinish, map[string]any{}); err == nil {
		_ = producer.Write(ctx, frame)
	}
	if err := producer.Close(ctx); err != nil {
		log.Printf("api: close stream %s: %v", producer.ID(), err)
	}
}

// readableChat loads a chat visible to userID: its owner, or anyone when public.
func (h *Handler) readableChat(c *gin.Context, userID int64, chatID string) (*models.Chat, bool) {
	chat, err := h.assistant.GetChat(c.Request.Context(), chatID)
	if err != nil {
		respondError(c, apperr.SurfaceChat, err)
		return nil, false
	}
	if chat.Visibility == models.VisibilityPrivate && chat.UserID != userID {
		writeError(c, apperr.New(apperr.Forbidden, apperr.SurfaceChat, ""))
		return nil, false
	}
	return chat, true
}

func (h *Handler) ownedChat(c *gin.Context, userID int64, chatID string, surface apperr.Surface) (*models.Chat, bool) {
	chat, err := h.assistant.GetChat(c.Request.Context(), chatID)
	if err != nil {
		respondError(c, surface, err)
		return nil, false
	}
	if chat.UserID != userID {
		writeError(c, apperr.New(apperr.Forbidden, surface, ""))
		return nil, false
	}
	return chat, true
}

// resumeChat re-attaches to the most recent stream of a chat. A finished
// stream is answered with the last assistant message when it is fresh.
func (h *Handler) resumeChat(c *gin.Context) {
	requestedAt := time.Now()
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chatID, ok := requiredQuery(c, "chatId")
	if !ok {
		return
	}
	chat, ok := h.readableChat(c, userID, chatID)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	ids, err := h.assistant.GetStreamIDs(ctx, chat.ID)
	if err != nil {
		respondError(c, apperr.SurfaceStream, err)
		return
	}
	if len(ids) == 0 {
		writeError(c, apperr.New(apperr.NotFound, apperr.SurfaceStream, ""))
		return
	}

	reader, err := h.streams.Resume(ctx, ids[len(ids)-1])
	switch {
	case err == nil:
		w, err := sse.NewWriter(c.Writer)
		if err != nil {
			reader.Close()
			respondError(c, apperr.SurfaceStream, err)
			return
		}
		pipeStream(c, w, reader)
		return
	case errors.Is(err, resumable.ErrStreamDone), errors.Is(err, resumable.ErrStreamNotFound):
	default:
		respondError(c, apperr.SurfaceStream, err)
		return
	}

	messages, err := h.assistant.GetMessages(ctx, chat.ID)
	if err != nil {
		respondError(c, apperr.SurfaceChat, err)
		return
	}
	w, err := sse.NewWriter(c.Writer)
	if err != nil {
		respondError(c, apperr.SurfaceStream, err)
		return
	}
	if len(messages) == 0 {
		return
	}
	last := messages[len(messages)-1]
	if last.Role != models.RoleAssistant || requestedAt.Sub(last.CreatedAt) > resumeFreshness {
		return
	}
	_ = w.Send(sse.EventAppendMessage, last)
}

func (h *Handler) deleteChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chatID, ok := requiredQuery(c, "id")
	if !ok {
		return
	}
	if _, ok := h.ownedChat(c, userID, chatID, apperr.SurfaceChat); !ok {
		return
	}
	h.workers.CancelChat(userID, chatID)

	ctx := c.Request.Context()
	chat, streamIDs, err := h.assistant.DeleteChat(ctx, chatID)
	if err != nil {
		respondError(c, apperr.SurfaceChat, err)
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range streamIDs {
		g.Go(func() error {
			return h.streams.Store().Delete(gctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("api: purge streams of chat %s: %v", chatID, err)
	}
	c.JSON(http.StatusOK, chat)
}

func (h *Handler) getChatMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chatID, ok := requiredQuery(c, "chatId")
	if !ok {
		return
	}
	chat, ok := h.readableChat(c, userID, chatID)
	if !ok {
		return
	}
	messages, err := h.assistant.GetMessages(c.Request.Context(), chat.ID)
	if err != nil {
		respondError(c, apperr.SurfaceChat, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chat":       chat,
		"messages":   messages,
		"isReadonly": chat.UserID != userID,
	})
}

func (h *Handler) updateVisibility(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		ChatID     string            `json:"chatId"`
		Visibility models.Visibility `json:"visibility"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ChatID == "" {
		badRequest(c, "chatId and visibility are required")
		return
	}
	if _, ok := h.ownedChat(c, userID, req.ChatID, apperr.SurfaceChat); !ok {
		return
	}
	if err := h.assistant.UpdateChatVisibility(c.Request.Context(), req.ChatID, req.Visibility); err != nil {
		respondError(c, apperr.SurfaceChat, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chatId": req.ChatID, "visibility": req.Visibility})
}

// deleteTrailingMessages supports retries by dropping a message and
// everything after it.
func (h *Handler) deleteTrailingMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	messageID, ok := requiredQuery(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	message, err := h.assistant.GetMessage(ctx, messageID)
	if err != nil {
		respondError(c, apperr.SurfaceChat, err)
		return
	}
	if _, ok := h.ownedChat(c, userID, message.ChatID, apperr.SurfaceChat); !ok {
		return
	}
	deleted, err := h.assistant.DeleteTrailingMessages(ctx, messageID)
	if err != nil {
		respondError(c, apperr.SurfaceChat, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *Handler) branchChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		ChatID    string `json:"chatId"`
		MessageID string `json:"messageId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ChatID == "" || req.MessageID == "" {
		badRequest(c, "chatId and messageId are required")
		return
	}
	chat, err := h.assistant.BranchChat(c.Request.Context(), userID, req.ChatID, req.MessageID)
	if err != nil {
		respondError(c, apperr.SurfaceChat, err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (h *Handler) getHistory(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	limit := defaultPageLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageLimit {
			badRequest(c, "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	chats, hasMore, err := h.assistant.ListChats(c.Request.Context(), userID, limit,
		c.Query("starting_after"), c.Query("ending_before"))
	if err != nil {
		respondError(c, apperr.SurfaceHistory, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats, "hasMore": hasMore})
}

func (h *Handler) getVotes(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chatID, ok := requiredQuery(c, "chatId")
	if !ok {
		return
	}
	if _, ok := h.ownedChat(c, userID, chatID, apperr.SurfaceVote); !ok {
		return
	}
	votes, err := h.assistant.GetVotes(c.Request.Context(), chatID)
	if err != nil {
		respondError(c, apperr.SurfaceVote, err)
		return
	}
	c.JSON(http.StatusOK, votes)
}

func (h *Handler) voteMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		ChatID    string `json:"chatId"`
		MessageID string `json:"messageId"`
		Type      string `json:"type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ChatID == "" || req.MessageID == "" {
		badRequest(c, "chatId, messageId and type are required")
		return
	}
	if req.Type != "up" && req.Type != "down" {
		badRequest(c, "type must be up or down")
		return
	}
	if _, ok := h.ownedChat(c, userID, req.ChatID, apperr.SurfaceVote); !ok {
		return
	}
	if err := h.assistant.VoteMessage(c.Request.Context(), req.ChatID, req.MessageID, req.Type == "up"); err != nil {
		respondError(c, apperr.SurfaceVote, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chatId": req.ChatID, "messageId": req.MessageID, "isUpvoted": req.Type == "up"})
}
