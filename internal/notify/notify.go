// Package notify delivers out-of-band messages to users. Delivery is
// fire-and-forget: callers log failures but never propagate them.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Notifier sends a message to a user.
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogNotifier writes notifications to the log. Used in demo mode and as a
// stand-in until a real email/push channel is wired.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, to, subject, body string) error {
	n.logger.Info("notification",
		"to", to,
		"subject", subject,
		"body", body,
	)
	return nil
}

// Recorder captures notifications for tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
}

// Message is one recorded notification.
type Message struct {
	To      string
	Subject string
	Body    string
}

func (r *Recorder) Send(_ context.Context, to, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Message{To: to, Subject: subject, Body: body})
	return nil
}

// Sent returns a copy of all recorded messages.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}
