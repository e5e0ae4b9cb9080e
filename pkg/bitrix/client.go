package bitrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CallResult is the generic REST response envelope: a raw result payload
// plus list pagination hints. Entity-specific result shapes are absorbed by
// the adapter's Normalize, never here.
type CallResult struct {
	Result json.RawMessage `json:"result"`
	Total  int             `json:"total,omitempty"`
	Next   *int            `json:"next,omitempty"`
}

// Caller is the outbound CRM contract consumed by the scheduler and the
// dispatcher: send a method call, receive the generic envelope.
type Caller interface {
	Call(ctx context.Context, method string, params url.Values) (*CallResult, error)
}

// Client is a Bitrix24 inbound-webhook REST client. Successive requests are
// throttled to a fixed minimum inter-request interval; the portal enforces
// 2 req/s.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient creates a REST client for the given webhook base URL
// (https://portal.bitrix24.com/rest/<user>/<token>).
func NewClient(baseURL string, interval, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		logger:     logger.Named("bitrix"),
	}
}

var _ Caller = (*Client)(nil)

// restEnvelope is the raw wire shape including the error fields the API
// returns alongside HTTP 200.
type restEnvelope struct {
	Result           json.RawMessage `json:"result"`
	Total            int             `json:"total"`
	Next             *int            `json:"next"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// Call performs one REST method call with form-encoded params.
func (c *Client) Call(ctx context.Context, method string, params url.Values) (*CallResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyContext(ctx.Err(), err)
	}

	endpoint := fmt.Sprintf("%s/%s.json", c.baseURL, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Cancellation propagates untouched so callers can distinguish
		// shutdown from upstream failure; an expired per-call deadline is
		// a timeout and therefore retryable.
		if ctx.Err() != nil {
			return nil, classifyContext(ctx.Err(), err)
		}
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, classifyTransport(err)
	}

	var envelope restEnvelope
	if unmarshalErr := json.Unmarshal(body, &envelope); unmarshalErr != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, classifyStatus(resp.StatusCode, "", http.StatusText(resp.StatusCode))
		}
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Message:    "malformed response body",
			Retryable:  false,
			Cause:      unmarshalErr,
		}
	}

	c.logger.Debug("REST call",
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode != http.StatusOK || envelope.Error != "" {
		return nil, classifyStatus(resp.StatusCode, envelope.Error, envelope.ErrorDescription)
	}

	return &CallResult{
		Result: envelope.Result,
		Total:  envelope.Total,
		Next:   envelope.Next,
	}, nil
}
