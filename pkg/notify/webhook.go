package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/flowgraph/pkg/protocol"
)

const defaultWebhookTimeout = 10 * time.Second

// HTTPError is returned when the relay answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("notification relay returned %d: %s", e.StatusCode, e.Message)
}

// WebhookSender posts messages as JSON to a relay service that owns the
// actual email and SMS providers.
type WebhookSender struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

type WebhookOption func(*WebhookSender)

// WithHeader adds a header to every request, e.g. an authorization token.
func WithHeader(key, value string) WebhookOption {
	return func(s *WebhookSender) {
		s.headers[key] = value
	}
}

func WithHTTPClient(client *http.Client) WebhookOption {
	return func(s *WebhookSender) {
		s.client = client
	}
}

func NewWebhookSender(url string, logger *slog.Logger, opts ...WebhookOption) *WebhookSender {
	s := &WebhookSender{
		url:     url,
		headers: map[string]string{},
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		logger:  logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *WebhookSender) Send(ctx context.Context, msg protocol.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	for key, value := range s.headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return &HTTPError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	s.logger.DebugContext(ctx, "notification relayed",
		"channel", msg.Channel, "execution_id", msg.ExecutionID, "node_id", msg.NodeID, "status", resp.StatusCode)

	return nil
}
