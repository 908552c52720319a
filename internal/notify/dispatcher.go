package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"group-chat/internal/models"
	"group-chat/internal/observability"
)

const (
	RoutingKey     = "notifications.push"
	defaultTimeout = 5 * time.Second
	previewLength  = 100
)

// Notification is the visible part of a push message.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// PushRequest is what the push service consumes from the broker.
type PushRequest struct {
	RecipientIDs []int             `json:"recipient_ids"`
	Notification Notification      `json:"notification"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    string            `json:"created_at"`
}

// Publisher is the broker client.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// Dispatcher hands push requests to the external push service.
type Dispatcher struct {
	publisher Publisher
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(publisher Publisher) *Dispatcher {
	return &Dispatcher{publisher: publisher}
}

// Notify publishes one push request. An empty recipient list is a no-op.
func (d *Dispatcher) Notify(ctx context.Context, recipientIDs []int, n Notification, metadata map[string]string) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	if d == nil || d.publisher == nil {
		return errors.New("notification publisher not configured")
	}
	return d.publisher.Publish(ctx, RoutingKey, PushRequest{
		RecipientIDs: recipientIDs,
		Notification: n,
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Sender is what MessageNotifier needs from a Dispatcher.
type Sender interface {
	Notify(ctx context.Context, recipientIDs []int, n Notification, metadata map[string]string) error
}

// RecipientResolver lists who should hear about a message in a group.
type RecipientResolver interface {
	Recipients(ctx context.Context, groupID, except int) ([]int, error)
}

// MessageNotifier fans a persisted message out to push notifications in the
// background. Failures are logged and counted, never returned.
type MessageNotifier struct {
	sender     Sender
	recipients RecipientResolver
	logger     *zap.Logger
	timeout    time.Duration
	wg         sync.WaitGroup
}

// NewMessageNotifier constructs a MessageNotifier.
func NewMessageNotifier(sender Sender, recipients RecipientResolver, logger *zap.Logger) *MessageNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageNotifier{sender: sender, recipients: recipients, logger: logger, timeout: defaultTimeout}
}

// MessageSent schedules the notification for msg and returns immediately.
func (n *MessageNotifier) MessageSent(msg models.Message) {
	if n == nil || n.sender == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				observability.IncNotificationFailure()
				n.logger.Error("notification dispatch panicked", zap.Any("panic", r), zap.Int("message_id", msg.ID))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		if err := n.dispatch(ctx, msg); err != nil {
			observability.IncNotificationFailure()
			n.logger.Warn("notification dispatch failed", zap.Int("message_id", msg.ID), zap.Int("group_id", msg.GroupID), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight dispatches finish.
func (n *MessageNotifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

func (n *MessageNotifier) dispatch(ctx context.Context, msg models.Message) error {
	ids, err := n.recipients.Recipients(ctx, msg.GroupID, msg.SenderID)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	return n.sender.Notify(ctx, ids, Notification{
		Title:   msg.SenderName,
		Message: preview(msg),
	}, map[string]string{
		"type":       "chat_message",
		"group_id":   fmt.Sprint(msg.GroupID),
		"message_id": fmt.Sprint(msg.ID),
		"sender_id":  fmt.Sprint(msg.SenderID),
	})
}

func preview(msg models.Message) string {
	if msg.Content == "" {
		switch msg.MessageType {
		case models.MessageImage, models.MessageAudio:
			return fmt.Sprintf("sent an %s", msg.MessageType)
		default:
			return fmt.Sprintf("sent a %s", msg.MessageType)
		}
	}
	if utf8.RuneCountInString(msg.Content) <= previewLength {
		return msg.Content
	}
	return string([]rune(msg.Content)[:previewLength]) + "..."
}
