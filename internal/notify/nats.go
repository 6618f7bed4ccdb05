package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/rydo/internal/booking/domain"
)

const defaultSubject = "notifications.create"

// NATSDispatcher hands notifications to the delivery subsystem over NATS.
// Delivery is fire-and-forget; callers log and ignore failures.
type NATSDispatcher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSDispatcher builds a dispatcher on the provided connection. A nil
// connection yields a no-op dispatcher.
func NewNATSDispatcher(conn *nats.Conn, subject string) *NATSDispatcher {
	if subject == "" {
		subject = defaultSubject
	}
	return &NATSDispatcher{conn: conn, subject: subject}
}

// Create publishes the notification payload.
func (d *NATSDispatcher) Create(ctx context.Context, n domain.Notification) error {
	if d == nil || d.conn == nil {
		return nil
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return d.conn.PublishMsg(&nats.Msg{Subject: d.subject, Data: payload, Header: map[string][]string{
		"x-trace-id":          {traceIDFromContext(ctx)},
		"x-notification-type": {n.Type},
	}})
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// MemoryDispatcher records notifications for tests.
type MemoryDispatcher struct {
	mu   sync.Mutex
	sent []domain.Notification
	Err  error
}

// NewMemoryDispatcher constructs the recorder.
func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{}
}

// Create records the notification, returning the configured error if any.
func (d *MemoryDispatcher) Create(_ context.Context, n domain.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.sent = append(d.sent, n)
	return nil
}

// Sent returns a copy of the recorded notifications.
func (d *MemoryDispatcher) Sent() []domain.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Notification(nil), d.sent...)
}
