package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"text/template"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// WebhookNotifier sends notifications to a webhook URL.
type WebhookNotifier struct {
	URL    string            // webhook endpoint
	Format string            // "slack", "feishu", "dingtalk", "telegram", "custom"
	Extra  map[string]string // format-specific parameters (e.g. chat_id, template)
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier for the given URL, format, and extra parameters.
func NewWebhookNotifier(url, format string, extra map[string]string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Format: format,
		Extra:  extra,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) payload(n Notification) (any, error) {
	text := fmt.Sprintf("%s: %s", n.Title, n.Message)

	switch w.Format {
	case "feishu":
		return map[string]any{
			"msg_type": "text",
			"content":  map[string]string{"text": text},
		}, nil
	case "dingtalk":
		return map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": text},
		}, nil
	case "telegram":
		return map[string]any{
			"chat_id":    w.Extra["chat_id"],
			"text":       text,
			"parse_mode": "HTML",
		}, nil
	case "custom":
		tmplStr := w.Extra["template"]
		if tmplStr == "" {
			return nil, goerr.New("webhook custom format: missing 'template' in extra")
		}
		tmpl, err := template.New("webhook").Parse(tmplStr)
		if err != nil {
			return nil, goerr.Wrap(err, "parse webhook template")
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, map[string]string{
			"Kind":    string(n.Kind),
			"Title":   n.Title,
			"Message": n.Message,
			"Text":    text,
			"Repo":    n.Repo,
			"Path":    n.Path,
			"Outcome": n.Outcome,
		}); err != nil {
			return nil, goerr.Wrap(err, "execute webhook template")
		}
		var payload any
		if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
			return nil, goerr.Wrap(err, "webhook template produced invalid JSON")
		}
		return payload, nil
	default: // "slack" and any other format
		return map[string]string{"text": text}, nil
	}
}

// Send posts the notification to the configured webhook.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	payload, err := w.payload(n)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return goerr.Wrap(err, "encode webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return goerr.Wrap(err, "build webhook request", goerr.V("url", w.URL))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return goerr.Wrap(err, "post webhook", goerr.V("url", w.URL))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return goerr.New("webhook rejected notification", goerr.V("status", resp.StatusCode), goerr.V("url", w.URL))
	}
	return nil
}

// Name returns the name of this notifier.
func (w *WebhookNotifier) Name() string { return "webhook" }
