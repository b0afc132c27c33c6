// Package notifier implements the campus notification gateway client. The
// gateway fans escalation requests out to email and SMS; the engine treats
// it as fire-and-forget and only records acceptance.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/clirdec/presence-engine/internal/domain/behavior"
	"github.com/clirdec/presence-engine/internal/domain/shared"
	"github.com/clirdec/presence-engine/pkg/circuitbreaker"
	"github.com/clirdec/presence-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the gateway client.
type ClientConfig struct {
	// BaseURL is the gateway base URL.
	BaseURL string

	// APIKey authenticates the engine with the gateway.
	APIKey string

	// Timeout is the HTTP request timeout.
	Timeout time.Duration

	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int

	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:          baseURL,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      time.Minute,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the notification gateway client. It implements
// behavior.Notifier.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	retrier    *retry.Retrier
	logger     *slog.Logger
}

// NewClient creates a new gateway client.
func NewClient(config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	breaker := circuitbreaker.New("notification-gateway",
		circuitbreaker.WithFailureThreshold(config.FailureThreshold),
		circuitbreaker.WithTimeout(config.OpenTimeout),
		// A gateway-side rejection means the gateway is up; only transport
		// level failures count toward opening the circuit.
		circuitbreaker.WithIsFailure(func(err error) bool {
			return !errors.Is(err, shared.ErrNotifierRejected)
		}),
	)

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		breaker: breaker,
		retrier: retry.NotifierRetrier(),
		logger:  config.Logger,
	}
}

// escalationRequest is the gateway wire format.
type escalationRequest struct {
	StudentID string `json:"student_id"`
	Level     string `json:"level"`
	Channel   string `json:"channel"`
	Reason    string `json:"reason"`
	SentAt    string `json:"sent_at"`
}

// escalationResponse is the gateway acknowledgement.
type escalationResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// SendEscalation delivers one escalation request. A gateway-side rejection
// (4xx or accepted=false) returns (false, shared.ErrNotifierRejected);
// transport and 5xx failures are retried and then surface as
// shared.ErrNotifierUnavailable.
func (c *Client) SendEscalation(ctx context.Context, studentID string, level behavior.Level, channel, reason string) (bool, error) {
	body := escalationRequest{
		StudentID: studentID,
		Level:     string(level),
		Channel:   channel,
		Reason:    reason,
		SentAt:    time.Now().UTC().Format(time.RFC3339),
	}

	var accepted bool
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.retrier.Do(ctx, func(ctx context.Context) error {
			ok, err := c.post(ctx, "/api/v1/escalations", body)
			if err != nil {
				return err
			}
			accepted = ok
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, shared.ErrNotifierRejected) {
			return false, shared.ErrNotifierRejected
		}
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			c.logger.Warn("notification gateway circuit open", "student_id", studentID)
		}
		return false, fmt.Errorf("%w: %v", shared.ErrNotifierUnavailable, err)
	}

	return accepted, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (bool, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return false, retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return false, retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, retry.Retryable(fmt.Errorf("execute request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, retry.Retryable(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var ack escalationResponse
		if err := json.Unmarshal(respBody, &ack); err != nil {
			// Some gateway versions return an empty 204 body.
			return true, nil
		}
		if !ack.Accepted {
			return false, retry.Permanent(shared.ErrNotifierRejected)
		}
		return true, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.logger.Warn("notification gateway rejected request",
			"status", resp.StatusCode,
			"body", string(respBody),
		)
		return false, retry.Permanent(shared.ErrNotifierRejected)

	default:
		return false, retry.Retryable(fmt.Errorf("gateway returned status %d", resp.StatusCode))
	}
}

// BreakerState exposes the circuit state for the health endpoint.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}
