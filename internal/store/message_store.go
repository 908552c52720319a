package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"group-chat/internal/apperrors"
	"group-chat/internal/encryption"
	"group-chat/internal/models"
	"group-chat/internal/observability"
	"group-chat/internal/repositories"
)

const (
	MaxPageSize         = 100
	DefaultMaxMsgLength = 4000
)

// CreateParams carries a new message as seen by the sender.
type CreateParams struct {
	GroupID     int
	SenderID    int
	SenderName  string
	Content     string
	MessageType models.MessageType
	Media       *models.Media
}

// MessageStore applies the codec at the persistence boundary: every value
// returned is plaintext and every value written is an envelope.
type MessageStore struct {
	repo         repositories.MessageRepository
	groups       repositories.GroupRepository
	codec        *encryption.Codec
	maxMsgLength int
	now          func() time.Time
	tracer       trace.Tracer
}

// Option customises a MessageStore.
type Option func(*MessageStore)

// WithMaxMessageLength caps content length in characters.
func WithMaxMessageLength(n int) Option {
	return func(s *MessageStore) {
		if n > 0 {
			s.maxMsgLength = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *MessageStore) { s.now = now }
}

// NewMessageStore wires the repositories and the codec together.
func NewMessageStore(repo repositories.MessageRepository, groups repositories.GroupRepository, codec *encryption.Codec, opts ...Option) *MessageStore {
	if codec == nil {
		codec = encryption.Disabled()
	}
	s := &MessageStore{
		repo:         repo,
		groups:       groups,
		codec:        codec,
		maxMsgLength: DefaultMaxMsgLength,
		now:          func() time.Time { return time.Now().UTC() },
		tracer:       otel.Tracer("group-chat/store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates, encrypts and persists a message.
func (s *MessageStore) Create(ctx context.Context, p CreateParams) (models.Message, error) {
	ctx, span := s.tracer.Start(ctx, "store.create", trace.WithAttributes(attribute.Int("group_id", p.GroupID)))
	defer span.End()

	if p.GroupID <= 0 || p.SenderID <= 0 {
		return models.Message{}, fmt.Errorf("%w: group and sender are required", apperrors.ErrValidation)
	}
	content := p.Content
	if strings.TrimSpace(content) == "" {
		// a whitespace-only caption on a media message is stored as none
		content = ""
	}
	if content == "" && p.Media == nil {
		return models.Message{}, fmt.Errorf("%w: message content or media is required", apperrors.ErrValidation)
	}
	if p.Media != nil && p.Media.URL == "" {
		return models.Message{}, fmt.Errorf("%w: media url is required", apperrors.ErrValidation)
	}
	if err := s.checkLength(content); err != nil {
		return models.Message{}, err
	}
	kind := p.MessageType
	if kind == "" {
		kind = models.MessageText
	}
	if !kind.Valid() {
		return models.Message{}, fmt.Errorf("%w: unknown message type %q", apperrors.ErrValidation, kind)
	}

	sealed, err := s.codec.Encrypt(content)
	if err != nil {
		return models.Message{}, err
	}

	rec := repositories.MessageRecord{
		GroupID:     p.GroupID,
		SenderID:    p.SenderID,
		SenderName:  p.SenderName,
		Content:     sealed,
		MessageType: string(kind),
		CreatedAt:   s.now(),
	}
	rec.SetMedia(p.Media)

	saved, err := s.repo.Insert(ctx, rec)
	if err != nil {
		return models.Message{}, persistence("insert message", err)
	}
	observability.IncMessagePersisted(string(kind))
	return s.open(saved)
}

// GetByGroup returns one page of history in chronological order. The page
// window is taken newest first and then reversed.
func (s *MessageStore) GetByGroup(ctx context.Context, groupID, limit, offset int) ([]models.Message, error) {
	ctx, span := s.tracer.Start(ctx, "store.get_by_group", trace.WithAttributes(attribute.Int("group_id", groupID)))
	defer span.End()

	if limit < 1 || limit > MaxPageSize {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", apperrors.ErrValidation, MaxPageSize)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", apperrors.ErrValidation)
	}

	recs, err := s.repo.ListByGroup(ctx, groupID, limit, offset)
	if err != nil {
		return nil, persistence("list messages", err)
	}

	msgs := make([]models.Message, len(recs))
	for i, rec := range recs {
		msg, err := s.open(rec)
		if err != nil {
			return nil, err
		}
		msgs[len(recs)-1-i] = msg
	}
	return msgs, nil
}

// GetByID loads a single message.
func (s *MessageStore) GetByID(ctx context.Context, id int) (models.Message, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return models.Message{}, persistence("get message", err)
	}
	return s.open(rec)
}

// Update replaces the content of a message and marks it edited. Concurrent
// edits resolve last-write-wins in the repository.
func (s *MessageStore) Update(ctx context.Context, id int, content string) (models.Message, error) {
	ctx, span := s.tracer.Start(ctx, "store.update", trace.WithAttributes(attribute.Int("message_id", id)))
	defer span.End()

	if strings.TrimSpace(content) == "" {
		return models.Message{}, fmt.Errorf("%w: message content is required", apperrors.ErrValidation)
	}
	if err := s.checkLength(content); err != nil {
		return models.Message{}, err
	}

	sealed, err := s.codec.Encrypt(content)
	if err != nil {
		return models.Message{}, err
	}
	rec, err := s.repo.UpdateContent(ctx, id, sealed, s.now())
	if err != nil {
		return models.Message{}, persistence("update message", err)
	}
	return s.open(rec)
}

// Delete hard deletes a message.
func (s *MessageStore) Delete(ctx context.Context, id int) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return persistence("delete message", err)
	}
	return nil
}

// MarkRead records a receipt for userID. already is true when one existed
// and nothing was written.
func (s *MessageStore) MarkRead(ctx context.Context, id, userID int) (already bool, err error) {
	ctx, span := s.tracer.Start(ctx, "store.mark_read", trace.WithAttributes(attribute.Int("message_id", id)))
	defer span.End()

	if userID <= 0 {
		return false, fmt.Errorf("%w: user is required", apperrors.ErrValidation)
	}
	inserted, err := s.repo.AddReadReceipt(ctx, id, userID, s.now())
	if err != nil {
		return false, persistence("add read receipt", err)
	}
	observability.IncReadReceipt(!inserted)
	return !inserted, nil
}

// GetRecentForUser returns the latest messages across every group the user
// belongs to, newest first.
func (s *MessageStore) GetRecentForUser(ctx context.Context, userID, limit int) ([]models.Message, error) {
	if limit < 1 || limit > MaxPageSize {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", apperrors.ErrValidation, MaxPageSize)
	}
	groupIDs, err := s.groups.ListGroupIDsForUser(ctx, userID)
	if err != nil {
		return nil, persistence("list user groups", err)
	}
	recs, err := s.repo.ListByGroups(ctx, groupIDs, limit)
	if err != nil {
		return nil, persistence("list recent messages", err)
	}

	msgs := make([]models.Message, 0, len(recs))
	for _, rec := range recs {
		msg, err := s.open(rec)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *MessageStore) open(rec repositories.MessageRecord) (models.Message, error) {
	plain, err := s.codec.Decrypt(rec.Content)
	if err != nil {
		return models.Message{}, fmt.Errorf("message %d: %w", rec.ID, err)
	}
	readBy := rec.ReadBy
	if readBy == nil {
		readBy = []models.ReadReceipt{}
	}
	return models.Message{
		ID:          rec.ID,
		GroupID:     rec.GroupID,
		SenderID:    rec.SenderID,
		SenderName:  rec.SenderName,
		Content:     plain,
		MessageType: models.MessageType(rec.MessageType),
		Media:       rec.Media(),
		IsEdited:    rec.IsEdited,
		ReadBy:      readBy,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}, nil
}

func (s *MessageStore) checkLength(content string) error {
	if utf8.RuneCountInString(content) > s.maxMsgLength {
		return fmt.Errorf("%w: message exceeds %d characters", apperrors.ErrValidation, s.maxMsgLength)
	}
	return nil
}

// persistence keeps not-found errors as they are and classifies everything
// else as a storage failure.
func persistence(op string, err error) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", apperrors.ErrPersistence, op, err)
}
