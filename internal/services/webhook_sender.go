package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"servify/automation/internal/config"
	"servify/automation/internal/metrics"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// webhookBody is the exact outbound shape: {"ticketId": "<id>", "data": <payload>}.
type webhookBody struct {
	TicketID string          `json:"ticketId"`
	Data     json.RawMessage `json:"data"`
}

// WebhookSender issues the single POST of a send_webhook action.
type WebhookSender interface {
	Send(ctx context.Context, targetURL string, ticketID uint, data json.RawMessage) error
}

// HTTPWebhookSender posts without authentication and without retry; a
// non-2xx status or transport error is returned as an error.
type HTTPWebhookSender struct {
	client   *http.Client
	breakers *circuitBreakers
}

func NewHTTPWebhookSender(client *http.Client, cb config.CircuitBreakerConfig) *HTTPWebhookSender {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	s := &HTTPWebhookSender{client: client}
	if cb.Enabled {
		s.breakers = newCircuitBreakers(cb)
	}
	return s
}

func (s *HTTPWebhookSender) Send(ctx context.Context, targetURL string, ticketID uint, data json.RawMessage) error {
	u, err := url.Parse(targetURL)
	if err != nil {
		return fmt.Errorf("%w: invalid webhook url: %v", ErrActionFailed, err)
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	payload, err := json.Marshal(webhookBody{TicketID: strconv.FormatUint(uint64(ticketID), 10), Data: data})
	if err != nil {
		return fmt.Errorf("%w: encode webhook body: %v", ErrActionFailed, err)
	}

	var cb *CircuitBreaker
	if s.breakers != nil {
		cb = s.breakers.get(u.Host)
		if !cb.Allow() {
			return fmt.Errorf("%w: %s", ErrWebhookCircuitOpen, u.Host)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build webhook request: %v", ErrActionFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	metrics.ObserveWebhook(time.Since(start), err == nil && resp.StatusCode/100 == 2)
	if err != nil {
		if cb != nil {
			cb.OnFailure()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: webhook %s: %v", ErrActionTimeout, u.Host, err)
		}
		return fmt.Errorf("%w: webhook %s: %v", ErrActionFailed, u.Host, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if cb != nil {
			cb.OnFailure()
		}
		return fmt.Errorf("%w: %s responded %d", ErrWebhookStatus, u.Host, resp.StatusCode)
	}
	if cb != nil {
		cb.OnSuccess()
	}
	return nil
}
