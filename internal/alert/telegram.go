package alert

import (
	"context"
	"fmt"
	"time"

	pkghttp "gridtrader/pkg/http"
)

type TelegramChannel struct {
	botToken string
	chatID   string
	client   *pkghttp.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		client:   pkghttp.NewClient("https://api.telegram.org", 5*time.Second, nil),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, alert AlertPayload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	icon := "ℹ️"
	switch alert.Level {
	case Warning:
		icon = "⚠️"
	case Error:
		icon = "❌"
	case Critical:
		icon = "🚨"
	}

	text := fmt.Sprintf("%s *Grid Trader — [%s] %s*\n\n%s", icon, alert.Level, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		text += "\n"
		for _, k := range sortedFieldKeys(alert.Fields) {
			text += fmt.Sprintf("\n- *%s*: %s", k, alert.Fields[k])
		}
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	path := fmt.Sprintf("/bot%s/sendMessage", t.botToken)
	_, err := t.client.Post(ctx, path, payload)
	return err
}
