package models

import (
	"encoding/json"
	"time"
)

// Client to server event names.
const (
	EventAuthenticate = "authenticate"
	EventJoinGroup    = "joinGroup"
	EventLeaveGroup   = "leaveGroup"
	EventSendMessage  = "sendMessage"
	EventTyping       = "typing"
	EventMessageRead  = "messageRead"
)

// Server to client event names.
const (
	EventAuthenticated      = "authenticated"
	EventJoinedGroup        = "joinedGroup"
	EventLeftGroup          = "leftGroup"
	EventNewMessage         = "newMessage"
	EventMessageUpdated     = "messageUpdated"
	EventMessageDeleted     = "messageDeleted"
	EventUserJoined         = "userJoined"
	EventUserLeft           = "userLeft"
	EventTypingStatus       = "typingStatus"
	EventMessageReadReceipt = "messageReadReceipt"
	EventMessageError       = "messageError"
	EventError              = "error"
)

// Frame is the envelope of every websocket text frame in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type AuthenticateRequest struct {
	Token string `json:"token"`
}

type GroupRequest struct {
	GroupID int `json:"groupId"`
}

type SendMessageRequest struct {
	GroupID     int         `json:"groupId"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
	Media       *Media      `json:"media,omitempty"`
}

type TypingRequest struct {
	GroupID  int  `json:"groupId"`
	IsTyping bool `json:"isTyping"`
}

type MessageReadRequest struct {
	MessageID int `json:"messageId"`
	GroupID   int `json:"groupId"`
	UserID    int `json:"userId,omitempty"`
}

type AuthenticatedEvent struct {
	UserID int    `json:"userId"`
	Name   string `json:"name"`
}

type JoinedGroupEvent struct {
	GroupID int    `json:"groupId"`
	Role    string `json:"role"`
}

type PresenceEvent struct {
	UserID    int       `json:"userId"`
	Name      string    `json:"name"`
	GroupID   int       `json:"groupId"`
	Timestamp time.Time `json:"timestamp"`
}

type TypingStatusEvent struct {
	UserID   int    `json:"userId"`
	Name     string `json:"name"`
	GroupID  int    `json:"groupId"`
	IsTyping bool   `json:"isTyping"`
}

type MessageDeletedEvent struct {
	MessageID int `json:"messageId"`
	GroupID   int `json:"groupId"`
}

type ReadReceiptEvent struct {
	MessageID int       `json:"messageId"`
	UserID    int       `json:"userId"`
	GroupID   int       `json:"groupId"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageErrorEvent struct {
	Error           string          `json:"error"`
	Kind            string          `json:"kind"`
	OriginalMessage json.RawMessage `json:"originalMessage,omitempty"`
}

type ErrorEvent struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Event string `json:"event"`
}
