package psp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Niiaks/Lodge/internal/apperror"
	"github.com/Niiaks/Lodge/internal/config"
	"github.com/Niiaks/Lodge/internal/middleware"
	"github.com/Niiaks/Lodge/pkg/types"
	"github.com/go-playground/validator/v10"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog"
)

const IdempotencyHeader = "Idempotency-Key"

type Client struct {
	httpClient    *http.Client
	secretKey     string
	baseURL       string
	webhookSecret string
	tolerance     time.Duration
	maxRetries    int
	backoff       time.Duration
	validate      *validator.Validate
	logger        *zerolog.Logger
	now           func() time.Time
}

// NewClient builds the gateway client. Outbound calls are recorded as New
// Relic external segments when the request context carries a transaction.
func NewClient(cfg *config.GatewayConfig, logger *zerolog.Logger) *Client {
	l := logger.With().Str("component", "gateway").Logger()

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: newrelic.NewRoundTripper(&http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
			}),
		},
		secretKey:     cfg.SecretKey,
		baseURL:       cfg.BaseURL,
		webhookSecret: cfg.WebhookSecret,
		tolerance:     cfg.WebhookTolerance,
		maxRetries:    cfg.MaxRetries,
		backoff:       cfg.RetryBackoff,
		validate:      validator.New(),
		logger:        &l,
		now:           time.Now,
	}
}

func (c *Client) CreateIntent(ctx context.Context, req types.IntentRequest) (*types.Intent, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, apperror.Wrap(apperror.CodeValidation, err, "invalid intent request")
	}

	var intent types.Intent
	if err := c.doRequest(ctx, http.MethodPost, "/v1/payment_intents", req.IdempotencyKey, req, &intent); err != nil {
		return nil, err
	}
	if intent.ID == "" {
		return nil, apperror.New(apperror.CodeGatewayRejected, "gateway returned an intent without an id")
	}
	return &intent, nil
}

func (c *Client) CreateRefund(ctx context.Context, req types.RefundRequest) (*types.Refund, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, apperror.Wrap(apperror.CodeValidation, err, "invalid refund request")
	}

	var refund types.Refund
	if err := c.doRequest(ctx, http.MethodPost, "/v1/refunds", req.IdempotencyKey, req, &refund); err != nil {
		return nil, err
	}
	if refund.ID == "" || refund.Status == "failed" || refund.Status == "canceled" {
		return nil, apperror.New(apperror.CodeGatewayRejected, "gateway refund %q ended with status %q", refund.ID, refund.Status)
	}
	return &refund, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

// doRequest sends body as JSON and decodes a 2xx response into out. Transport
// errors and 502/503/504 are retried with exponential backoff; the same
// idempotency key is sent on every attempt.
func (c *Client) doRequest(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	url := c.baseURL + path

	payload, err := json.Marshal(body)
	if err != nil {
		return apperror.Wrap(apperror.CodeInternal, err, "failed to marshal gateway request")
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return apperror.Wrap(apperror.CodeGatewayUnavailable, ctx.Err(), "gateway request cancelled")
			case <-time.After(wait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return apperror.Wrap(apperror.CodeInternal, err, "failed to create gateway request")
		}
		req.Header.Set("Authorization", "Bearer "+c.secretKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(IdempotencyHeader, idempotencyKey)
		if requestID := middleware.GetRequestIDFromContext(ctx); requestID != "" {
			req.Header.Set(middleware.RequestIDHeader, requestID)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		duration := time.Since(start).Milliseconds()
		if err != nil {
			c.logger.Warn().Err(err).
				Str("method", method).
				Str("url", url).
				Int("attempt", attempt+1).
				Int64("duration_ms", duration).
				Msg("Gateway request failed")
			lastErr = apperror.Wrap(apperror.CodeGatewayUnavailable, err, "gateway unreachable")
			if ctx.Err() != nil {
				return lastErr
			}
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = apperror.Wrap(apperror.CodeGatewayUnavailable, err, "failed to read gateway response")
			continue
		}

		if retryableStatus(resp.StatusCode) {
			c.logger.Warn().
				Int("status", resp.StatusCode).
				Str("method", method).
				Str("url", url).
				Int("attempt", attempt+1).
				Int64("duration_ms", duration).
				Msg("Gateway temporarily unavailable")
			lastErr = apperror.New(apperror.CodeGatewayUnavailable, "gateway responded %d", resp.StatusCode)
			continue
		}

		if resp.StatusCode >= 400 {
			c.logger.Error().
				Int("status", resp.StatusCode).
				Str("method", method).
				Str("url", url).
				Int64("duration_ms", duration).
				Str("body", string(respBody)).
				Msg("Gateway API error response")
			return gatewayError(resp.StatusCode, respBody)
		}

		c.logger.Info().
			Int("status", resp.StatusCode).
			Str("method", method).
			Str("url", url).
			Int64("duration_ms", duration).
			Msg("Gateway API request successful")

		if err := json.Unmarshal(respBody, out); err != nil {
			return apperror.Wrap(apperror.CodeGatewayUnavailable, err, "failed to parse gateway response")
		}
		return nil
	}

	return lastErr
}

func gatewayError(status int, body []byte) error {
	code := apperror.CodeGatewayRejected
	if status >= 500 {
		code = apperror.CodeGatewayUnavailable
	}

	var parsed types.GatewayErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return apperror.New(code, "gateway error (%d): %s", status, parsed.Error.Message)
	}
	return &apperror.Error{Code: code, Message: fmt.Sprintf("gateway error: status=%d", status)}
}
