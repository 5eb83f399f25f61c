package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"settlement-api/pkg/logging"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Settlement-Signature"

// WebhookSender posts status-change events to a downstream URL.
type WebhookSender struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
}

// NewWebhookSender creates a webhook sender. It returns nil when url is empty.
func NewWebhookSender(url, secret string) *WebhookSender {
	if url == "" {
		return nil
	}
	return &WebhookSender{
		url:    url,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second, // 10 second timeout
		},
		// Retry schedule: 1s, 5s, 30s (3 attempts total)
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
	}
}

func (w *WebhookSender) Name() string {
	return "webhook"
}

// Send delivers status-change events with retry. Other event types are ignored.
func (w *WebhookSender) Send(ctx context.Context, event Event) error {
	if event.Type != EventStatusChanged {
		return nil
	}

	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	maxRetries := len(w.retryDelays)
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = w.send(ctx, jsonData)
		if err == nil {
			logging.Infof("Webhook notification sent successfully - url: %s, order: %d, attempt: %d",
				w.url, event.OrderID, attempt+1)
			return nil
		}

		logging.Warnf("Webhook notification failed - url: %s, order: %d, attempt: %d, error: %v",
			w.url, event.OrderID, attempt+1, err)

		// If not the last attempt, wait before retry
		if attempt < maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.retryDelays[attempt]):
			}
		}
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", maxRetries, err)
}

func (w *WebhookSender) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Settlement-Webhook/1.0")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, w.secret))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
