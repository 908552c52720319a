package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"group-chat/internal/apperrors"
	"group-chat/internal/models"
)

var ErrMessageNotFound = fmt.Errorf("message %w", apperrors.ErrNotFound)

// MessageRecord is a message row as persisted. Content holds the envelope,
// never plaintext, when encryption is enabled.
type MessageRecord struct {
	ID            int       `db:"id"`
	GroupID       int       `db:"group_id"`
	SenderID      int       `db:"sender_id"`
	SenderName    string    `db:"sender_name"`
	Content       string    `db:"content"`
	MessageType   string    `db:"message_type"`
	MediaURL      *string   `db:"media_url"`
	MediaFilename *string   `db:"media_filename"`
	MediaMimeType *string   `db:"media_mimetype"`
	MediaSize     *int64    `db:"media_size"`
	IsEdited      bool      `db:"is_edited"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`

	ReadBy []models.ReadReceipt `db:"-"`
}

// Media returns the media reference of the row, if any.
func (r MessageRecord) Media() *models.Media {
	if r.MediaURL == nil {
		return nil
	}
	m := &models.Media{URL: *r.MediaURL}
	if r.MediaFilename != nil {
		m.Filename = *r.MediaFilename
	}
	if r.MediaMimeType != nil {
		m.MimeType = *r.MediaMimeType
	}
	if r.MediaSize != nil {
		m.Size = *r.MediaSize
	}
	return m
}

// SetMedia copies a media reference into the nullable columns.
func (r *MessageRecord) SetMedia(m *models.Media) {
	if m == nil {
		r.MediaURL, r.MediaFilename, r.MediaMimeType, r.MediaSize = nil, nil, nil, nil
		return
	}
	url, name, mime, size := m.URL, m.Filename, m.MimeType, m.Size
	r.MediaURL, r.MediaFilename, r.MediaMimeType, r.MediaSize = &url, &name, &mime, &size
}

// MessageRepository persists group messages and their read receipts.
// List methods return newest first.
type MessageRepository interface {
	Insert(ctx context.Context, rec MessageRecord) (MessageRecord, error)
	Get(ctx context.Context, id int) (MessageRecord, error)
	ListByGroup(ctx context.Context, groupID, limit, offset int) ([]MessageRecord, error)
	ListByGroups(ctx context.Context, groupIDs []int, limit int) ([]MessageRecord, error)
	UpdateContent(ctx context.Context, id int, content string, updatedAt time.Time) (MessageRecord, error)
	Delete(ctx context.Context, id int) error
	AddReadReceipt(ctx context.Context, id, userID int, readAt time.Time) (bool, error)
}

// MessageRepo is a sqlx-backed implementation.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs a MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, group_id, sender_id, sender_name, content, message_type, media_url, media_filename, media_mimetype, media_size, is_edited, created_at, updated_at`

// Insert stores a new message row.
func (r *MessageRepo) Insert(ctx context.Context, rec MessageRecord) (MessageRecord, error) {
	var out MessageRecord
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (group_id, sender_id, sender_name, content, message_type, media_url, media_filename, media_mimetype, media_size, is_edited, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10, $10)
        RETURNING `+messageColumns,
		rec.GroupID, rec.SenderID, rec.SenderName, rec.Content, rec.MessageType,
		rec.MediaURL, rec.MediaFilename, rec.MediaMimeType, rec.MediaSize, rec.CreatedAt).
		StructScan(&out)
	if err != nil {
		return MessageRecord{}, err
	}
	out.ReadBy = []models.ReadReceipt{}
	return out, nil
}

// Get fetches one message with its receipts.
func (r *MessageRepo) Get(ctx context.Context, id int) (MessageRecord, error) {
	var rec MessageRecord
	err := r.db.GetContext(ctx, &rec, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageRecord{}, ErrMessageNotFound
	}
	if err != nil {
		return MessageRecord{}, err
	}
	recs := []MessageRecord{rec}
	if err := r.attachReceipts(ctx, recs); err != nil {
		return MessageRecord{}, err
	}
	return recs[0], nil
}

// ListByGroup returns one page of a group's history, newest first.
func (r *MessageRepo) ListByGroup(ctx context.Context, groupID, limit, offset int) ([]MessageRecord, error) {
	var recs []MessageRecord
	err := r.db.SelectContext(ctx, &recs, `SELECT `+messageColumns+` FROM messages WHERE group_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, groupID, limit, offset)
	if err != nil {
		return nil, err
	}
	return recs, r.attachReceipts(ctx, recs)
}

// ListByGroups returns the latest messages across several groups, newest first.
func (r *MessageRepo) ListByGroups(ctx context.Context, groupIDs []int, limit int) ([]MessageRecord, error) {
	if len(groupIDs) == 0 {
		return []MessageRecord{}, nil
	}
	var recs []MessageRecord
	err := r.db.SelectContext(ctx, &recs, `SELECT `+messageColumns+` FROM messages WHERE group_id = ANY($1) ORDER BY created_at DESC, id DESC LIMIT $2`, pq.Array(groupIDs), limit)
	if err != nil {
		return nil, err
	}
	return recs, r.attachReceipts(ctx, recs)
}

// UpdateContent replaces the content and flags the message edited.
func (r *MessageRepo) UpdateContent(ctx context.Context, id int, content string, updatedAt time.Time) (MessageRecord, error) {
	var rec MessageRecord
	err := r.db.QueryRowxContext(ctx, `UPDATE messages SET content=$2, is_edited=TRUE, updated_at=$3 WHERE id=$1 RETURNING `+messageColumns, id, content, updatedAt).
		StructScan(&rec)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageRecord{}, ErrMessageNotFound
	}
	if err != nil {
		return MessageRecord{}, err
	}
	recs := []MessageRecord{rec}
	if err := r.attachReceipts(ctx, recs); err != nil {
		return MessageRecord{}, err
	}
	return recs[0], nil
}

// Delete removes a message; receipts cascade.
func (r *MessageRepo) Delete(ctx context.Context, id int) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id=$1`, id)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// AddReadReceipt inserts a receipt unless one exists for the pair. The
// primary key on (message_id, user_id) makes concurrent callers race safely.
func (r *MessageRepo) AddReadReceipt(ctx context.Context, id, userID int, readAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO message_reads (message_id, user_id, read_at) VALUES ($1, $2, $3) ON CONFLICT (message_id, user_id) DO NOTHING`, id, userID, readAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return false, ErrMessageNotFound
		}
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count == 1, nil
}

func (r *MessageRepo) attachReceipts(ctx context.Context, recs []MessageRecord) error {
	if len(recs) == 0 {
		return nil
	}
	ids := make([]int, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}

	var rows []struct {
		MessageID int       `db:"message_id"`
		UserID    int       `db:"user_id"`
		ReadAt    time.Time `db:"read_at"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT message_id, user_id, read_at FROM message_reads WHERE message_id = ANY($1) ORDER BY read_at ASC, user_id ASC`, pq.Array(ids)); err != nil {
		return err
	}

	byMessage := make(map[int][]models.ReadReceipt, len(recs))
	for _, row := range rows {
		byMessage[row.MessageID] = append(byMessage[row.MessageID], models.ReadReceipt{UserID: row.UserID, ReadAt: row.ReadAt})
	}
	for i := range recs {
		recs[i].ReadBy = byMessage[recs[i].ID]
		if recs[i].ReadBy == nil {
			recs[i].ReadBy = []models.ReadReceipt{}
		}
	}
	return nil
}
