package telemetry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	LevelInfo  = "INFO"
	LevelError = "ERROR"

	auditSchemaVersion = 2
	publishTimeout     = 5 * time.Second
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// Record is one auditable action on a group message.
type Record struct {
	Level     string
	Action    string
	Text      string
	RequestID string
	UserID    int
	GroupID   int
	MessageID int
}

// AuditEmitter publishes audit_log envelopes for message mutations and
// failed requests.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	logger      *zap.Logger
	now         func() time.Time
	timeout     time.Duration
	wg          sync.WaitGroup
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *int64       `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level     string `json:"level"`
	Action    string `json:"action"`
	Text      string `json:"text"`
	GroupID   int    `json:"group_id,omitempty"`
	MessageID int    `json:"message_id,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, logger *zap.Logger) *AuditEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		logger:      logger,
		now:         time.Now,
		timeout:     publishTimeout,
	}
}

// Emit builds the envelope for rec and publishes it in the background so a
// slow broker never holds up the request. Publish failures are logged and
// dropped.
func (e *AuditEmitter) Emit(ctx context.Context, rec Record) {
	if e == nil || e.publisher == nil {
		return
	}
	if rec.Level == "" {
		rec.Level = LevelInfo
	}

	envelope := AuditEnvelope{
		SchemaVersion: auditSchemaVersion,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     rec.RequestID,
		Payload: AuditPayload{
			Level:     rec.Level,
			Action:    rec.Action,
			Text:      rec.Text,
			GroupID:   rec.GroupID,
			MessageID: rec.MessageID,
		},
	}
	if rec.UserID != 0 {
		uid := int64(rec.UserID)
		envelope.UserID = &uid
	}

	// the request context is cancelled as soon as the response is written
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		if err := e.publisher.Publish(pubCtx, e.routingKey, envelope); err != nil {
			e.logger.Warn("audit publish failed",
				zap.String("action", rec.Action),
				zap.String("request_id", rec.RequestID),
				zap.Int("group_id", rec.GroupID),
				zap.Error(err))
		}
	}()
}

// Wait blocks until queued audit records have been handed to the broker.
func (e *AuditEmitter) Wait() {
	if e != nil {
		e.wg.Wait()
	}
}
