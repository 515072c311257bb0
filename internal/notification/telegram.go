package notification

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// mdV2Reserved lists the characters Telegram's MarkdownV2 requires escaped.
const mdV2Reserved = "_*[]()~`>#+-=|{}.!\\"

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// TelegramNotifier posts alerts to a chat through the Bot API sendMessage call.
type TelegramNotifier struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		baseURL: telegramAPI,
		token:   token,
		chatID:  chatID,
		client:  newSendClient(),
	}
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	msg := telegramMessage{
		ChatID:    t.chatID,
		Text:      formatTelegram(alert),
		ParseMode: "MarkdownV2",
	}
	endpoint := t.baseURL + "/bot" + t.token + "/sendMessage"
	status, err := postJSON(ctx, t.client, endpoint, msg)
	if err != nil {
		// endpoint carries the token
		return fmt.Errorf("telegram: %w", redact(err, t.token))
	}
	if status != http.StatusOK {
		return fmt.Errorf("telegram: unexpected status %d", status)
	}
	slog.Debug("alert delivered", slog.String("component", "notify"), slog.String("via", "telegram"), slog.String("title", alert.Title))
	return nil
}

func formatTelegram(a Alert) string {
	var badge string
	switch a.Level {
	case AlertCritical:
		badge = "🚨"
	case AlertWarning:
		badge = "⚠️"
	default:
		badge = "ℹ️"
	}
	return badge + " *" + escapeMarkdown(a.Title) + "*\n\n" + escapeMarkdown(a.Message)
}

func escapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if strings.ContainsRune(mdV2Reserved, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

type redactedError struct{ msg string }

func (e redactedError) Error() string { return e.msg }

func redact(err error, secret string) error {
	if secret == "" {
		return err
	}
	return redactedError{msg: strings.ReplaceAll(err.Error(), secret, "<token>")}
}
