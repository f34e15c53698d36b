package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"caltrigger/internal/ics"
	appLog "caltrigger/internal/log"
	"caltrigger/internal/model"
)

// WebhookPublisher POSTs a JSON Message to the topic URL.
type WebhookPublisher struct {
	client *http.Client
}

// NewWebhookPublisher posts with client; nil gets a client bounded by the
// default timeout.
func NewWebhookPublisher(client *http.Client) *WebhookPublisher {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &WebhookPublisher{client: client}
}

func (p *WebhookPublisher) Publish(ctx context.Context, topic, subject string, payload model.Payload) error {
	body, err := json.Marshal(Message{Topic: topic, Subject: subject, Message: payload})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, topic, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "caltrigger/1.0")
	req.Header.Set("X-Request-Id", requestID)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook %s: %w", ics.RedactURL(topic), err)
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post webhook %s: unexpected status %d", ics.RedactURL(topic), resp.StatusCode)
	}

	appLog.Debug("webhook delivered", "url", ics.RedactURL(topic), "request_id", requestID, "status", resp.StatusCode)
	return nil
}
