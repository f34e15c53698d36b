package notify

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	appLog "caltrigger/internal/log"
	"caltrigger/internal/model"
)

// LogPublisher writes each notification as one JSON line.
type LogPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLogPublisher(w io.Writer) *LogPublisher {
	return &LogPublisher{w: w}
}

func (p *LogPublisher) Publish(_ context.Context, topic, subject string, payload model.Payload) error {
	line, err := json.Marshal(Message{Topic: topic, Subject: subject, Message: payload})
	if err != nil {
		return err
	}
	line = append(line, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(line); err != nil {
		return err
	}
	appLog.Debug("notification written", "topic", topic, "subject", subject)
	return nil
}
