package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"group-chat/internal/apperrors"
	"group-chat/internal/authz"
	"group-chat/internal/middleware"
	"group-chat/internal/models"
	"group-chat/internal/storage"
	"group-chat/internal/store"
	"group-chat/internal/telemetry"
)

const (
	defaultPageSize   = 50
	defaultRecentSize = 20
	maxUploadBytes    = 25 << 20
)

type messageService interface {
	Create(ctx context.Context, p store.CreateParams) (models.Message, error)
	GetByGroup(ctx context.Context, groupID, limit, offset int) ([]models.Message, error)
	GetByID(ctx context.Context, id int) (models.Message, error)
	Update(ctx context.Context, id int, content string) (models.Message, error)
	Delete(ctx context.Context, id int) error
	MarkRead(ctx context.Context, id, userID int) (bool, error)
	GetRecentForUser(ctx context.Context, userID, limit int) ([]models.Message, error)
}

type accessChecker interface {
	CanAccess(ctx context.Context, userID, groupID int) (authz.Role, error)
}

type broadcaster interface {
	Broadcast(groupID int, event string, payload any) int
}

type notifier interface {
	MessageSent(msg models.Message)
}

// MediaStore uploads attachment bytes to the blob store.
type MediaStore interface {
	StoreMedia(ctx context.Context, groupID int, filename, contentType string, size int64, body io.Reader) (models.Media, error)
}

// MessageHandler serves the REST surface for group messages. Every mutation
// is broadcast to the group room the same way the socket path does it.
type MessageHandler struct {
	messages messageService
	gate     accessChecker
	hub      broadcaster
	notifier notifier
	media    MediaStore
	audit    *telemetry.AuditEmitter
}

// NewMessageHandler constructs a MessageHandler. hub, notifier, media and
// audit may be nil.
func NewMessageHandler(messages messageService, gate accessChecker, hub broadcaster, notifier notifier, media MediaStore, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{
		messages: messages,
		gate:     gate,
		hub:      hub,
		notifier: notifier,
		media:    media,
		audit:    audit,
	}
}

// Register mounts the handler under /messages.
func (h *MessageHandler) Register(r gin.IRouter) {
	g := r.Group("/messages")
	g.POST("", h.CreateMessage)
	g.POST("/media", h.UploadMedia)
	g.GET("/recent", h.GetRecent)
	g.GET("/group/:groupId", h.GetGroupMessages)
	g.GET("/:id", h.GetMessage)
	g.PUT("/:id", h.UpdateMessage)
	g.DELETE("/:id", h.DeleteMessage)
	g.POST("/:id/read", h.MarkRead)
}

// CreateMessage handles POST /messages.
func (h *MessageHandler) CreateMessage(c *gin.Context) {
	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fmt.Errorf("%w: %v", apperrors.ErrValidation, err), 0)
		return
	}
	if req.GroupID <= 0 {
		h.fail(c, fmt.Errorf("%w: groupId is required", apperrors.ErrValidation), 0)
		return
	}

	h.create(c, req.GroupID, req.Content, req.MessageType, req.Media)
}

// UploadMedia handles POST /messages/media: stores the file, then creates the
// message referencing it.
func (h *MessageHandler) UploadMedia(c *gin.Context) {
	if h.media == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "media storage not configured"})
		return
	}
	groupID, err := strconv.Atoi(c.PostForm("groupId"))
	if err != nil || groupID <= 0 {
		h.fail(c, fmt.Errorf("%w: invalid group id", apperrors.ErrValidation), 0)
		return
	}
	identity := identityFromContext(c)
	if _, err := h.gate.CanAccess(c.Request.Context(), identity.UserID, groupID); err != nil {
		h.fail(c, err, groupID)
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		h.fail(c, fmt.Errorf("%w: file is required", apperrors.ErrValidation), groupID)
		return
	}
	if header.Size > maxUploadBytes {
		h.fail(c, fmt.Errorf("%w: file exceeds %d bytes", apperrors.ErrValidation, maxUploadBytes), groupID)
		return
	}
	file, err := header.Open()
	if err != nil {
		h.fail(c, fmt.Errorf("%w: %v", apperrors.ErrValidation, err), groupID)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	media, err := h.media.StoreMedia(c.Request.Context(), groupID, header.Filename, contentType, header.Size, file)
	if err != nil {
		h.emitAudit(c, telemetry.Record{Level: telemetry.LevelError, Action: "message.media", Text: "media upload failed", GroupID: groupID})
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to store media"})
		return
	}

	h.create(c, groupID, c.PostForm("content"), storage.MessageTypeFor(media.MimeType), &media)
}

func (h *MessageHandler) create(c *gin.Context, groupID int, content string, kind models.MessageType, media *models.Media) {
	identity := identityFromContext(c)
	if _, err := h.gate.CanAccess(c.Request.Context(), identity.UserID, groupID); err != nil {
		h.fail(c, err, groupID)
		return
	}

	msg, err := h.messages.Create(c.Request.Context(), store.CreateParams{
		GroupID:     groupID,
		SenderID:    identity.UserID,
		SenderName:  identity.Name,
		Content:     content,
		MessageType: kind,
		Media:       media,
	})
	if err != nil {
		h.fail(c, err, groupID)
		return
	}

	h.broadcast(groupID, models.EventNewMessage, msg)
	if h.notifier != nil {
		h.notifier.MessageSent(msg)
	}
	h.emitAudit(c, telemetry.Record{Action: "message.create", Text: "Group message sent", GroupID: groupID, MessageID: msg.ID})
	c.JSON(http.StatusCreated, msg)
}

// GetGroupMessages handles GET /messages/group/:groupId?page&limit.
func (h *MessageHandler) GetGroupMessages(c *gin.Context) {
	groupID, err := strconv.Atoi(c.Param("groupId"))
	if err != nil {
		h.fail(c, fmt.Errorf("%w: invalid group id", apperrors.ErrValidation), 0)
		return
	}
	page, err := queryInt(c, "page", 1)
	if err != nil || page < 1 {
		h.fail(c, fmt.Errorf("%w: page must be a positive integer", apperrors.ErrValidation), groupID)
		return
	}
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil {
		h.fail(c, fmt.Errorf("%w: invalid limit", apperrors.ErrValidation), groupID)
		return
	}

	if _, err := h.gate.CanAccess(c.Request.Context(), c.GetInt(middleware.UserIDKey), groupID); err != nil {
		h.fail(c, err, groupID)
		return
	}

	msgs, err := h.messages.GetByGroup(c.Request.Context(), groupID, limit, (page-1)*limit)
	if err != nil {
		h.fail(c, err, groupID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "page": page, "limit": limit})
}

// GetRecent handles GET /messages/recent?limit.
func (h *MessageHandler) GetRecent(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultRecentSize)
	if err != nil {
		h.fail(c, fmt.Errorf("%w: invalid limit", apperrors.ErrValidation), 0)
		return
	}
	msgs, err := h.messages.GetRecentForUser(c.Request.Context(), c.GetInt(middleware.UserIDKey), limit)
	if err != nil {
		h.fail(c, err, 0)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// GetMessage handles GET /messages/:id.
func (h *MessageHandler) GetMessage(c *gin.Context) {
	msg, _, ok := h.loadGated(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, msg)
}

// UpdateMessage handles PUT /messages/:id. Only the sender or the group
// admin may edit.
func (h *MessageHandler) UpdateMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fmt.Errorf("%w: %v", apperrors.ErrValidation, err), 0)
		return
	}

	msg, role, ok := h.loadGated(c)
	if !ok {
		return
	}
	if !authz.CanModerate(role, msg.SenderID, c.GetInt(middleware.UserIDKey)) {
		h.fail(c, fmt.Errorf("%w: only the sender or an admin may edit", apperrors.ErrAuthorization), msg.GroupID)
		return
	}

	updated, err := h.messages.Update(c.Request.Context(), msg.ID, req.Content)
	if err != nil {
		h.fail(c, err, msg.GroupID)
		return
	}

	h.broadcast(updated.GroupID, models.EventMessageUpdated, updated)
	h.emitAudit(c, telemetry.Record{Action: "message.edit", Text: "Group message edited", GroupID: updated.GroupID, MessageID: updated.ID})
	c.JSON(http.StatusOK, updated)
}

// DeleteMessage handles DELETE /messages/:id. Only the sender or the group
// admin may delete.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	msg, role, ok := h.loadGated(c)
	if !ok {
		return
	}
	if !authz.CanModerate(role, msg.SenderID, c.GetInt(middleware.UserIDKey)) {
		h.fail(c, fmt.Errorf("%w: only the sender or an admin may delete", apperrors.ErrAuthorization), msg.GroupID)
		return
	}

	if err := h.messages.Delete(c.Request.Context(), msg.ID); err != nil {
		h.fail(c, err, msg.GroupID)
		return
	}

	h.broadcast(msg.GroupID, models.EventMessageDeleted, models.MessageDeletedEvent{MessageID: msg.ID, GroupID: msg.GroupID})
	h.emitAudit(c, telemetry.Record{Action: "message.delete", Text: "Group message deleted", GroupID: msg.GroupID, MessageID: msg.ID})
	c.Status(http.StatusNoContent)
}

// MarkRead handles POST /messages/:id/read.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	msg, _, ok := h.loadGated(c)
	if !ok {
		return
	}
	userID := c.GetInt(middleware.UserIDKey)

	already, err := h.messages.MarkRead(c.Request.Context(), msg.ID, userID)
	if err != nil {
		h.fail(c, err, msg.GroupID)
		return
	}

	receipt := models.ReadReceiptEvent{MessageID: msg.ID, UserID: userID, GroupID: msg.GroupID, Timestamp: nowUTC()}
	h.broadcast(msg.GroupID, models.EventMessageReadReceipt, receipt)
	c.JSON(http.StatusOK, gin.H{"already": already, "receipt": receipt})
}

// loadGated resolves :id and checks that the caller can access its group.
func (h *MessageHandler) loadGated(c *gin.Context) (models.Message, authz.Role, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		h.fail(c, fmt.Errorf("%w: invalid message id", apperrors.ErrValidation), 0)
		return models.Message{}, authz.RoleForbidden, false
	}
	msg, err := h.messages.GetByID(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, 0)
		return models.Message{}, authz.RoleForbidden, false
	}
	role, err := h.gate.CanAccess(c.Request.Context(), c.GetInt(middleware.UserIDKey), msg.GroupID)
	if err != nil {
		h.fail(c, err, msg.GroupID)
		return models.Message{}, authz.RoleForbidden, false
	}
	return msg, role, true
}

func (h *MessageHandler) broadcast(groupID int, event string, payload any) {
	if h.hub != nil {
		h.hub.Broadcast(groupID, event, payload)
	}
}

func (h *MessageHandler) fail(c *gin.Context, err error, groupID int) {
	h.emitAudit(c, telemetry.Record{Level: telemetry.LevelError, Action: "request.failed", Text: apperrors.Kind(err), GroupID: groupID})
	c.JSON(apperrors.HTTPStatus(err), gin.H{"error": apperrors.PublicMessage(err), "kind": apperrors.Kind(err)})
}

func (h *MessageHandler) emitAudit(c *gin.Context, rec telemetry.Record) {
	if h.audit == nil {
		return
	}
	rec.RequestID = requestIDFromContext(c)
	rec.UserID = c.GetInt(middleware.UserIDKey)
	h.audit.Emit(c.Request.Context(), rec)
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
