package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/paulexconde/csat/pkg/fault"
)

const userAgent = "csat-dispatcher/1"

// WebhookSink posts results as JSON to a single endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, client *http.Client) (*WebhookSink, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookSink{url: url, client: client}, nil
}

func (s *WebhookSink) Deliver(ctx context.Context, key string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fault.Permanent("encode webhook payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fault.Permanent("build webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Idempotency-Key", key)

	res, err := s.client.Do(req)
	if err != nil {
		return fault.Transient("webhook request", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))
		return nil
	}

	message, _ := io.ReadAll(io.LimitReader(res.Body, 1<<10))
	msg := fmt.Sprintf("webhook responded status=%d body=%s", res.StatusCode, strings.TrimSpace(string(message)))
	if retryableStatus(res.StatusCode) {
		return fault.Transient(msg, nil)
	}
	return fault.Permanent(msg, nil)
}

func retryableStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}
