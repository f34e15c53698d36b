package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	appLog "caltrigger/internal/log"
	"caltrigger/internal/model"
)

// sender is the slice of *tgbotapi.BotAPI used here.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramPublisher sends a text message to the chat whose id is the topic.
type TelegramPublisher struct {
	api sender
}

// NewTelegramPublisher authenticates with the bot API. client carries
// every API call; nil gets one bounded by the default timeout.
func NewTelegramPublisher(token string, client *http.Client) (*TelegramPublisher, error) {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	appLog.Info("telegram bot authorized", "account", api.Self.UserName)
	return &TelegramPublisher{api: api}, nil
}

func (p *TelegramPublisher) Publish(ctx context.Context, topic, subject string, payload model.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(topic), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram topic %q is not a chat id: %w", topic, err)
	}

	msg := tgbotapi.NewMessage(chatID, formatText(subject, payload))
	if _, err := p.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func formatText(subject string, p model.Payload) string {
	var b strings.Builder
	b.WriteString(subject)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "%s → %s", p.Start, p.End)
	if p.AllDay {
		b.WriteString(" (all day)")
	}
	if p.Location != model.NoneText {
		fmt.Fprintf(&b, "\n%s", p.Location)
	}
	if p.Description != model.NoneText {
		fmt.Fprintf(&b, "\n\n%s", p.Description)
	}
	return b.String()
}
