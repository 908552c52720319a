package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"group-chat/internal/apperrors"
	"group-chat/internal/auth"
	"group-chat/internal/authz"
	"group-chat/internal/models"
	"group-chat/internal/observability"
	"group-chat/internal/store"
)

const lifecycleRoutingKey = "ws_events.groups"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// MessageService is the part of the message store used by sockets.
type MessageService interface {
	Create(ctx context.Context, p store.CreateParams) (models.Message, error)
	GetByID(ctx context.Context, id int) (models.Message, error)
	MarkRead(ctx context.Context, id, userID int) (bool, error)
}

// AccessChecker resolves group membership.
type AccessChecker interface {
	CanAccess(ctx context.Context, userID, groupID int) (authz.Role, error)
}

// Notifier is told about every message after it was broadcast.
type Notifier interface {
	MessageSent(msg models.Message)
}

// GroupWebSocketHandler runs the group chat socket protocol.
type GroupWebSocketHandler struct {
	hub         *Hub
	messages    MessageService
	gate        AccessChecker
	verifier    auth.Verifier
	notifier    Notifier
	logger      *zap.Logger
	authTimeout time.Duration
}

// NewGroupWebSocketHandler constructs a GroupWebSocketHandler. notifier may be nil.
func NewGroupWebSocketHandler(hub *Hub, messages MessageService, gate AccessChecker, verifier auth.Verifier, notifier Notifier, logger *zap.Logger, authTimeout time.Duration) *GroupWebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if authTimeout <= 0 {
		authTimeout = 10 * time.Second
	}
	return &GroupWebSocketHandler{
		hub:         hub,
		messages:    messages,
		gate:        gate,
		verifier:    verifier,
		notifier:    notifier,
		logger:      logger,
		authTimeout: authTimeout,
	}
}

// Handle upgrades the request and serves the connection until it closes. A
// token in the request authenticates immediately; otherwise the client must
// send authenticate before the timeout.
func (h *GroupWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("group-chat/ws").Start(c.Request.Context(), "ws.handshake")

	var identity *auth.Identity
	if token := observability.BearerToken(c.Request); token != "" {
		id, err := h.verifier.Verify(ctx, token)
		if err != nil {
			span.End()
			c.JSON(http.StatusUnauthorized, gin.H{"error": apperrors.PublicMessage(err)})
			return
		}
		identity = &id
	}

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		IP:          observability.ClientIP(c.Request),
		UserAgent:   c.Request.UserAgent(),
		RequestID:   observability.RequestID(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	span.End()

	// the request context ends with this handler, the connection outlives it
	connCtx := context.WithoutCancel(ctx)
	conn := newConn(wsConn, info)
	log := h.logger.With(info.logFields()...)

	observability.IncWSActive()
	h.lifecycle(connCtx, conn, "ws_connect", "")
	log.Info("ws connected", zap.Bool("authenticated", identity != nil))

	go conn.writePump()

	if identity != nil {
		conn.setIdentity(*identity)
		conn.sendEvent(models.EventAuthenticated, models.AuthenticatedEvent{UserID: identity.UserID, Name: identity.Name})
	} else {
		timer := time.AfterFunc(h.authTimeout, func() {
			if _, ok := conn.Identity(); !ok {
				log.Info("ws authentication timeout")
				conn.closeWith(closeAuthTimeout, "authentication timeout")
			}
		})
		defer timer.Stop()
	}

	reason := h.readLoop(connCtx, conn)
	h.disconnect(connCtx, conn)
	observability.DecWSActive()
	h.lifecycle(connCtx, conn, "ws_disconnect", reason)
	log.Info("ws disconnected", zap.String("reason", reason), zap.Duration("duration", time.Since(info.ConnectedAt)))
}

func (h *GroupWebSocketHandler) readLoop(ctx context.Context, conn *Conn) string {
	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
			}
			return err.Error()
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			conn.sendEvent(models.EventError, models.ErrorEvent{Error: "malformed frame", Kind: apperrors.Kind(apperrors.ErrValidation)})
			continue
		}
		h.dispatch(ctx, conn, frame)
	}
}

// disconnect removes conn from every joined room and tells the remaining
// members.
func (h *GroupWebSocketHandler) disconnect(ctx context.Context, conn *Conn) {
	left := h.hub.LeaveAll(conn, conn.detach())
	if identity, ok := conn.Identity(); ok {
		for _, groupID := range left {
			h.hub.Broadcast(groupID, models.EventUserLeft, presence(identity, groupID))
		}
	}
	conn.Close()
}

func (h *GroupWebSocketHandler) dispatch(ctx context.Context, conn *Conn, frame models.Frame) {
	observability.IncWSEvent(metricEvent(frame.Event))

	if frame.Event == models.EventAuthenticate {
		h.authenticate(ctx, conn, frame.Data)
		return
	}

	identity, ok := conn.Identity()
	if !ok {
		err := fmt.Errorf("%w: authenticate first", apperrors.ErrAuthentication)
		if frame.Event == models.EventSendMessage {
			h.replyMessageError(conn, frame.Data, err)
			return
		}
		h.replyError(conn, frame.Event, err)
		return
	}

	switch frame.Event {
	case models.EventJoinGroup:
		h.joinGroup(ctx, conn, identity, frame.Data)
	case models.EventLeaveGroup:
		h.leaveGroup(conn, identity, frame.Data)
	case models.EventSendMessage:
		h.sendMessage(ctx, conn, identity, frame.Data)
	case models.EventTyping:
		h.typing(conn, identity, frame.Data)
	case models.EventMessageRead:
		h.messageRead(ctx, conn, identity, frame.Data)
	default:
		h.replyError(conn, frame.Event, fmt.Errorf("%w: unknown event %q", apperrors.ErrValidation, frame.Event))
	}
}

func (h *GroupWebSocketHandler) authenticate(ctx context.Context, conn *Conn, data json.RawMessage) {
	var req models.AuthenticateRequest
	if err := decode(data, &req); err != nil || req.Token == "" {
		h.replyError(conn, models.EventAuthenticate, fmt.Errorf("%w: token is required", apperrors.ErrAuthentication))
		return
	}
	identity, err := h.verifier.Verify(ctx, req.Token)
	if err != nil {
		h.replyError(conn, models.EventAuthenticate, err)
		return
	}
	if current, ok := conn.Identity(); ok && current.UserID != identity.UserID {
		h.replyError(conn, models.EventAuthenticate, fmt.Errorf("%w: connection already bound to another user", apperrors.ErrAuthentication))
		return
	}
	conn.setIdentity(identity)
	conn.sendEvent(models.EventAuthenticated, models.AuthenticatedEvent{UserID: identity.UserID, Name: identity.Name})
}

func (h *GroupWebSocketHandler) joinGroup(ctx context.Context, conn *Conn, identity auth.Identity, data json.RawMessage) {
	var req models.GroupRequest
	if err := decode(data, &req); err != nil || req.GroupID <= 0 {
		h.replyError(conn, models.EventJoinGroup, fmt.Errorf("%w: groupId is required", apperrors.ErrValidation))
		return
	}
	role, err := h.gate.CanAccess(ctx, identity.UserID, req.GroupID)
	if err != nil {
		h.replyError(conn, models.EventJoinGroup, err)
		return
	}
	if conn.inGroup(req.GroupID) {
		conn.sendEvent(models.EventJoinedGroup, models.JoinedGroupEvent{GroupID: req.GroupID, Role: string(role)})
		return
	}
	if !conn.addGroup(req.GroupID) {
		return
	}
	h.hub.Join(req.GroupID, conn)

	conn.sendEvent(models.EventJoinedGroup, models.JoinedGroupEvent{GroupID: req.GroupID, Role: string(role)})
	h.hub.BroadcastExcept(req.GroupID, models.EventUserJoined, presence(identity, req.GroupID), conn)
}

func (h *GroupWebSocketHandler) leaveGroup(conn *Conn, identity auth.Identity, data json.RawMessage) {
	var req models.GroupRequest
	if err := decode(data, &req); err != nil || req.GroupID <= 0 {
		h.replyError(conn, models.EventLeaveGroup, fmt.Errorf("%w: groupId is required", apperrors.ErrValidation))
		return
	}
	if !conn.removeGroup(req.GroupID) {
		h.replyError(conn, models.EventLeaveGroup, fmt.Errorf("%w: not joined to group %d", apperrors.ErrValidation, req.GroupID))
		return
	}
	h.hub.Leave(req.GroupID, conn)

	conn.sendEvent(models.EventLeftGroup, models.GroupRequest{GroupID: req.GroupID})
	h.hub.Broadcast(req.GroupID, models.EventUserLeft, presence(identity, req.GroupID))
}

func (h *GroupWebSocketHandler) sendMessage(ctx context.Context, conn *Conn, identity auth.Identity, data json.RawMessage) {
	var req models.SendMessageRequest
	if err := decode(data, &req); err != nil {
		h.replyMessageError(conn, data, fmt.Errorf("%w: malformed message", apperrors.ErrValidation))
		return
	}
	if !conn.inGroup(req.GroupID) {
		h.replyMessageError(conn, data, fmt.Errorf("%w: join group %d first", apperrors.ErrAuthorization, req.GroupID))
		return
	}
	if _, err := h.gate.CanAccess(ctx, identity.UserID, req.GroupID); err != nil {
		if errors.Is(err, apperrors.ErrAuthorization) {
			// membership was revoked since joining
			conn.removeGroup(req.GroupID)
			h.hub.Leave(req.GroupID, conn)
		}
		h.replyMessageError(conn, data, err)
		return
	}

	msg, err := h.messages.Create(ctx, store.CreateParams{
		GroupID:     req.GroupID,
		SenderID:    identity.UserID,
		SenderName:  identity.Name,
		Content:     req.Content,
		MessageType: req.MessageType,
		Media:       req.Media,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrPersistence) {
			h.logger.Error("persist message", zap.Int("group_id", req.GroupID), zap.Int("user_id", identity.UserID), zap.Error(err))
		}
		h.replyMessageError(conn, data, err)
		return
	}

	h.hub.Broadcast(req.GroupID, models.EventNewMessage, msg)
	if h.notifier != nil {
		h.notifier.MessageSent(msg)
	}
}

func (h *GroupWebSocketHandler) typing(conn *Conn, identity auth.Identity, data json.RawMessage) {
	var req models.TypingRequest
	if err := decode(data, &req); err != nil || !conn.inGroup(req.GroupID) {
		h.replyError(conn, models.EventTyping, fmt.Errorf("%w: not joined to group", apperrors.ErrAuthorization))
		return
	}
	h.hub.BroadcastExcept(req.GroupID, models.EventTypingStatus, models.TypingStatusEvent{
		UserID:   identity.UserID,
		Name:     identity.Name,
		GroupID:  req.GroupID,
		IsTyping: req.IsTyping,
	}, conn)
}

func (h *GroupWebSocketHandler) messageRead(ctx context.Context, conn *Conn, identity auth.Identity, data json.RawMessage) {
	var req models.MessageReadRequest
	if err := decode(data, &req); err != nil || req.MessageID <= 0 || req.GroupID <= 0 {
		h.replyError(conn, models.EventMessageRead, fmt.Errorf("%w: messageId and groupId are required", apperrors.ErrValidation))
		return
	}
	if req.UserID != 0 && req.UserID != identity.UserID {
		h.replyError(conn, models.EventMessageRead, fmt.Errorf("%w: cannot mark read for another user", apperrors.ErrAuthorization))
		return
	}
	if _, err := h.gate.CanAccess(ctx, identity.UserID, req.GroupID); err != nil {
		h.replyError(conn, models.EventMessageRead, err)
		return
	}
	msg, err := h.messages.GetByID(ctx, req.MessageID)
	if err == nil && msg.GroupID != req.GroupID {
		err = fmt.Errorf("message %d in group %d: %w", req.MessageID, req.GroupID, apperrors.ErrNotFound)
	}
	if err != nil {
		h.replyError(conn, models.EventMessageRead, err)
		return
	}

	if _, err := h.messages.MarkRead(ctx, req.MessageID, identity.UserID); err != nil {
		h.replyError(conn, models.EventMessageRead, err)
		return
	}
	h.hub.Broadcast(req.GroupID, models.EventMessageReadReceipt, models.ReadReceiptEvent{
		MessageID: req.MessageID,
		UserID:    identity.UserID,
		GroupID:   req.GroupID,
		Timestamp: time.Now().UTC(),
	})
}

func (h *GroupWebSocketHandler) replyError(conn *Conn, event string, err error) {
	conn.sendEvent(models.EventError, models.ErrorEvent{
		Error: apperrors.PublicMessage(err),
		Kind:  apperrors.Kind(err),
		Event: event,
	})
}

func (h *GroupWebSocketHandler) replyMessageError(conn *Conn, original json.RawMessage, err error) {
	conn.sendEvent(models.EventMessageError, models.MessageErrorEvent{
		Error:           apperrors.PublicMessage(err),
		Kind:            apperrors.Kind(err),
		OriginalMessage: original,
	})
}

func (h *GroupWebSocketHandler) lifecycle(ctx context.Context, conn *Conn, event, reason string) {
	observability.IncWSEvent(event)
	userID := 0
	if identity, ok := conn.Identity(); ok {
		userID = identity.UserID
	}
	observability.PublishEventAsync(ctx, lifecycleRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		RequestID: conn.info.RequestID,
		TraceID:   conn.info.TraceID,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"event":       event,
				"conn_id":     conn.info.ConnID,
				"duration_ms": time.Since(conn.info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":    userID,
				"ip":         conn.info.IP,
				"user_agent": conn.info.UserAgent,
			},
		},
	})
}

func presence(identity auth.Identity, groupID int) models.PresenceEvent {
	return models.PresenceEvent{
		UserID:    identity.UserID,
		Name:      identity.Name,
		GroupID:   groupID,
		Timestamp: time.Now().UTC(),
	}
}
