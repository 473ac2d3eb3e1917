package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	token  string
	chatID string
	http   *resty.Client
}

// NewTelegramSender creates a TelegramSender for a bot token and chat id.
// An empty apiBase uses the public Bot API.
func NewTelegramSender(token, chatID, apiBase string) *TelegramSender {
	if apiBase == "" {
		apiBase = telegramAPI
	}
	return &TelegramSender{
		token:  token,
		chatID: chatID,
		http:   resty.New().SetBaseURL(apiBase).SetTimeout(10 * time.Second),
	}
}

// Send posts to sendMessage with the title in bold.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id":    t.chatID,
			"text":       fmt.Sprintf("*%s*\n%s", title, message),
			"parse_mode": "Markdown",
		}).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram: send request: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode(), truncate(resp.Body()))
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string { return "telegram" }

func truncate(b []byte) string {
	const limit = 1024
	if len(b) > limit {
		b = b[:limit]
	}
	return string(b)
}
