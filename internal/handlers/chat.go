package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/telemetry"
)

// ChatHandler serves the bootstrap and history endpoints.
type ChatHandler struct {
	service *chat.Service
	audit   *telemetry.AuditEmitter
	logger  *slog.Logger
}

// NewChatHandler builds a ChatHandler. audit may be nil.
func NewChatHandler(service *chat.Service, audit *telemetry.AuditEmitter, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{service: service, audit: audit, logger: logger.With("component", "http")}
}

// RegisterRoutes mounts the conversation endpoints behind auth.
func (h *ChatHandler) RegisterRoutes(router gin.IRouter, auth gin.HandlerFunc) {
	group := router.Group("/conversations", auth)
	group.GET("", h.ListConversations)
	group.POST("", h.StartConversation)
	group.GET("/:id/messages", h.ListMessages)
	group.POST("/:id/messages", h.PostMessage)
	group.POST("/:id/read", h.MarkRead)
}

// ListConversations returns the caller's conversations, most recent activity first.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	cursor, ok := timeQuery(c, "cursor")
	if !ok {
		return
	}
	limit, ok := limitQuery(c)
	if !ok {
		return
	}

	page, err := h.service.ListConversations(c.Request.Context(), c.GetString(middleware.UserIDKey), cursor, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// StartConversation returns the conversation with peerId, creating it on first contact.
func (h *ChatHandler) StartConversation(c *gin.Context) {
	var req struct {
		PeerID string `json:"peerId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "peerId is required", "code": chat.KindValidation})
		return
	}

	userID := c.GetString(middleware.UserIDKey)
	conv, created, err := h.service.GetOrCreate(c.Request.Context(), userID, req.PeerID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.audit.Emit(c.Request.Context(), "INFO", "conversation created", requestIDFromContext(c), userIDFromContext(c),
			map[string]string{"conversation_id": conv.ID, "peer_id": req.PeerID})
	}
	c.JSON(status, gin.H{"conversation": conv, "created": created})
}

// ListMessages returns history strictly before the cursor, oldest first.
func (h *ChatHandler) ListMessages(c *gin.Context) {
	before, ok := timeQuery(c, "before")
	if !ok {
		return
	}
	limit, ok := limitQuery(c)
	if !ok {
		return
	}

	msgs, err := h.service.ListMessages(c.Request.Context(), c.GetString(middleware.UserIDKey), c.Param("id"), before, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage sends a message through the same pipeline as the live surface.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	var req struct {
		Text            string         `json:"text"`
		Images          []models.Image `json:"images"`
		ClientMessageID string         `json:"clientMessageId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": chat.KindValidation})
		return
	}

	conversationID := c.Param("id")
	res, err := h.service.Send(c.Request.Context(), chat.SendInput{
		UserID:          c.GetString(middleware.UserIDKey),
		ConversationID:  conversationID,
		Text:            req.Text,
		Images:          req.Images,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	if res.Dedup {
		c.JSON(http.StatusOK, res)
		return
	}
	h.audit.Emit(c.Request.Context(), "INFO", "message sent", requestIDFromContext(c), userIDFromContext(c),
		map[string]string{"conversation_id": conversationID, "message_id": res.Message.ID})
	c.JSON(http.StatusCreated, res)
}

// MarkRead marks every message up to until (default now) as read by the caller.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	var req struct {
		Until *time.Time `json:"until"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": chat.KindValidation})
			return
		}
	}
	var until time.Time
	if req.Until != nil {
		until = *req.Until
	}

	res, err := h.service.MarkRead(c.Request.Context(), c.GetString(middleware.UserIDKey), c.Param("id"), until)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *ChatHandler) writeError(c *gin.Context, err error) {
	kind := chat.KindOf(err)
	if kind == chat.KindInternal {
		h.logger.Error("request failed", "path", c.FullPath(), "request_id", requestIDFromContext(c), "error", err)
	}
	c.JSON(statusForKind(kind), gin.H{"error": chat.PublicMessage(err), "code": kind})
}

func statusForKind(kind chat.Kind) int {
	switch kind {
	case chat.KindUnauthorized:
		return http.StatusUnauthorized
	case chat.KindForbidden:
		return http.StatusForbidden
	case chat.KindValidation:
		return http.StatusBadRequest
	case chat.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func timeQuery(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name, "code": chat.KindValidation})
		return nil, false
	}
	return &t, true
}

func limitQuery(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit", "code": chat.KindValidation})
		return 0, false
	}
	return limit, true
}
