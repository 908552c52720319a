package ws

import (
	"time"

	"go.uber.org/zap"
)

// ConnInfo is fixed at handshake time and travels with every lifecycle event.
type ConnInfo struct {
	ConnID      string
	IP          string
	UserAgent   string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func (i ConnInfo) logFields() []zap.Field {
	return []zap.Field{
		zap.String("conn_id", i.ConnID),
		zap.String("ip", i.IP),
		zap.String("request_id", i.RequestID),
	}
}
