package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender posts alerts through the Telegram Bot API.
type TelegramSender struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender. An empty baseURL uses the
// public Bot API.
func NewTelegramSender(token, chatID, baseURL string) *TelegramSender {
	if baseURL == "" {
		baseURL = telegramAPI
	}
	return &TelegramSender{
		token:   token,
		chatID:  chatID,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  defaultClient,
	}
}

// Send posts the alert as HTML so that route keys and error classes with
// underscores or asterisks render verbatim.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	payload := map[string]any{
		"chat_id":                  t.chatID,
		"text":                     "<b>" + html.EscapeString(title) + "</b>\n" + html.EscapeString(message),
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	if err := postJSON(ctx, t.client, url, payload); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// Name returns "telegram".
func (t *TelegramSender) Name() string {
	return "telegram"
}
