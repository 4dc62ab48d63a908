package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookDispatcher POSTs each batch as a JSON array to an HTTP endpoint,
// typically the chat bot's /swing-updates route.
type WebhookDispatcher struct {
	URL    string
	Client *http.Client
}

// NewWebhookDispatcher creates a webhook dispatcher.
func NewWebhookDispatcher(url string, timeout time.Duration) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDispatcher{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookDispatcher) Name() string { return "webhook" }

func (w *WebhookDispatcher) Dispatch(ctx context.Context, updates []SwingUpdate) error {
	body, err := json.Marshal(updates)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook: unexpected status %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}
