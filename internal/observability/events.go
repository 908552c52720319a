package observability

import (
	"context"
	"sync"
	"time"
)

const eventPublishTimeout = 5 * time.Second

// Publisher is the subset of the broker client used for lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt string      `json:"occurred_at"`
	RequestID  string      `json:"request_id,omitempty"`
	TraceID    string      `json:"trace_id,omitempty"`
	Payload    interface{} `json:"payload"`
}

var (
	publisherMu      sync.RWMutex
	defaultPublisher Publisher
	pendingEvents    sync.WaitGroup
)

func SetPublisher(publisher Publisher) {
	publisherMu.Lock()
	defer publisherMu.Unlock()
	defaultPublisher = publisher
}

func currentPublisher() Publisher {
	publisherMu.RLock()
	defer publisherMu.RUnlock()
	return defaultPublisher
}

// PublishEvent sends a lifecycle event when a publisher is configured.
func PublishEvent(ctx context.Context, routingKey string, envelope EventEnvelope) error {
	publisher := currentPublisher()
	if publisher == nil {
		return nil
	}
	if envelope.OccurredAt == "" {
		envelope.OccurredAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	err := publisher.Publish(ctx, routingKey, envelope)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}

// PublishEventAsync stamps envelope now and publishes it in the background,
// detached from ctx's cancellation and bounded by its own timeout.
func PublishEventAsync(ctx context.Context, routingKey string, envelope EventEnvelope) {
	if currentPublisher() == nil {
		return
	}
	if envelope.OccurredAt == "" {
		envelope.OccurredAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	pendingEvents.Add(1)
	go func() {
		defer pendingEvents.Done()
		defer cancel()
		_ = PublishEvent(pubCtx, routingKey, envelope)
	}()
}

// WaitEvents blocks until background lifecycle events have been published.
func WaitEvents() {
	pendingEvents.Wait()
}
