package models

import "time"

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageDocument:
		return true
	}
	return false
}

// Media references a blob owned by the media store.
type Media struct {
	URL      string `db:"media_url" json:"url"`
	Filename string `db:"media_filename" json:"filename"`
	MimeType string `db:"media_mimetype" json:"mimetype"`
	Size     int64  `db:"media_size" json:"size"`
}

// ReadReceipt records that a user has seen a message.
type ReadReceipt struct {
	UserID int       `db:"user_id" json:"user_id"`
	ReadAt time.Time `db:"read_at" json:"read_at"`
}

// Message is a group message. Content is always plaintext outside the store.
type Message struct {
	ID          int           `json:"id"`
	GroupID     int           `json:"group_id"`
	SenderID    int           `json:"sender_id"`
	SenderName  string        `json:"sender_name"`
	Content     string        `json:"content"`
	MessageType MessageType   `json:"message_type"`
	Media       *Media        `json:"media,omitempty"`
	IsEdited    bool          `json:"is_edited"`
	ReadBy      []ReadReceipt `json:"read_by"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
