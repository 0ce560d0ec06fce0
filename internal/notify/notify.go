// Package notify posts human-readable fleet messages to a webhook
// (Discord-compatible payload). A nil Notifier is a no-op so callers never
// have to branch on whether a webhook is configured.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

type Notifier struct {
	url    string
	client *http.Client
}

// New returns a webhook notifier, or nil when url is empty.
func New(url string) *Notifier {
	if url == "" {
		return nil
	}
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type payload struct {
	Content string `json:"content"`
}

// Send delivers msg prefixed with the server name. Delivery failures are
// logged and swallowed: notifications must never affect orchestration.
func (n *Notifier) Send(ctx context.Context, server, msg string) {
	text := fmt.Sprintf("[%s] %s", server, msg)
	slog.Info(text)
	if n == nil {
		return
	}
	body, err := json.Marshal(payload{Content: text})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("webhook delivery failed", "err", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("webhook rejected message", "status", resp.StatusCode)
	}
}
