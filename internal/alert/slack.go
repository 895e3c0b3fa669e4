package alert

import (
	"context"
	"fmt"
	"time"

	pkghttp "gridtrader/pkg/http"
)

type SlackChannel struct {
	webhookURL string
	client     *pkghttp.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     pkghttp.NewClient(webhookURL, 5*time.Second, nil),
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert AlertPayload) error {
	if s.webhookURL == "" {
		return nil
	}

	color := "#36a64f" // Green (Info)
	switch alert.Level {
	case Warning:
		color = "#ffcc00" // Yellow
	case Error:
		color = "#ff0000" // Red
	case Critical:
		color = "#8b0000" // Dark Red
	}

	// Format fields in deterministic key order (see sortedFieldKeys).
	var fields []map[string]interface{}
	for _, k := range sortedFieldKeys(alert.Fields) {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": alert.Fields[k],
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   color,
				"pretext": fmt.Sprintf("[%s] %s", alert.Level, alert.Title),
				"text":    alert.Message,
				"fields":  fields,
				"ts":      alert.Timestamp.Unix(),
				"footer":  "gridtrader risk supervisor",
			},
		},
	}

	// The resilient client retries transient 5xx/429 responses and opens its
	// breaker on sustained webhook failures, so a flaky Slack endpoint
	// doesn't silently swallow kill-switch notifications.
	_, err := s.client.Post(ctx, "", payload)
	return err
}
