// Package notify publishes transition notifications to a topic.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"caltrigger/internal/config"
	"caltrigger/internal/model"
)

// Publisher delivers one notification. topic is interpreted by the
// implementation (a label, a URL, a chat id).
type Publisher interface {
	Publish(ctx context.Context, topic, subject string, payload model.Payload) error
}

// Message is the envelope written by the log and webhook publishers.
type Message struct {
	Topic   string        `json:"topic"`
	Subject string        `json:"subject"`
	Message model.Payload `json:"message"`
}

// Subject builds the notification subject for a transition.
func Subject(d model.Direction, summary string) string {
	return string(d) + " " + summary
}

// defaultTimeout applies when cfg.Timeout is unset.
const defaultTimeout = 10 * time.Second

// New builds the publisher selected by cfg.Kind. Network publishers are
// wrapped in a rate limiter and share an HTTP client bounded by cfg.Timeout.
func New(cfg config.PublisherConfig) (Publisher, error) {
	limiter := rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := &http.Client{Timeout: timeout}

	switch cfg.Kind {
	case config.PublisherLog, "":
		return NewLogPublisher(os.Stdout), nil
	case config.PublisherWebhook:
		return NewLimited(NewWebhookPublisher(client), limiter), nil
	case config.PublisherTelegram:
		tp, err := NewTelegramPublisher(cfg.TelegramToken, client)
		if err != nil {
			return nil, err
		}
		return NewLimited(tp, limiter), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownPublisher, cfg.Kind)
	}
}

// Limited throttles an underlying publisher.
type Limited struct {
	next    Publisher
	limiter *rate.Limiter
}

func NewLimited(next Publisher, limiter *rate.Limiter) *Limited {
	return &Limited{next: next, limiter: limiter}
}

// Publish blocks until the limiter admits the call or ctx is done.
func (l *Limited) Publish(ctx context.Context, topic, subject string, payload model.Payload) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return l.next.Publish(ctx, topic, subject, payload)
}

// drain discards the rest of a response body so the connection can be reused.
func drain(r io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 64<<10))
	_ = r.Close()
}
