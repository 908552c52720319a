package ws

import (
	"encoding/json"

	"github.com/google/uuid"

	"group-chat/internal/models"
)

func newConnID() string {
	return uuid.NewString()
}

// metricEvent bounds the label space of the ws event counter.
func metricEvent(event string) string {
	switch event {
	case models.EventAuthenticate, models.EventJoinGroup, models.EventLeaveGroup,
		models.EventSendMessage, models.EventTyping, models.EventMessageRead:
		return event
	default:
		return "unknown"
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return json.Unmarshal(data, v)
}
