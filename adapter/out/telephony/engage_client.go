// Package telephony places outbound calls through the external call collaborator.
package telephony

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"engage_server/core/port/out"
	"engage_server/pkg/apperr"
	"engage_server/pkg/httputil"
	"engage_server/pkg/resilience"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const callsPath = "/v1/calls"

// Config holds collaborator endpoint and credentials. ClientID empty disables OAuth.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	Timeout      time.Duration
	Breaker      resilience.BreakerConfig
}

// Client implements out.Telephony over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

// rejectedError is a 4xx answer. It is the caller's problem, not the collaborator's,
// so the breaker does not count it.
type rejectedError struct {
	status int
	body   string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("telephony rejected call: status %d: %s", e.status, e.body)
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, apperr.ConfigMissing("TELEPHONY_URL")
	}

	base := httputil.NewOptimizedClient(httputil.TelephonyClientConfig(cfg.Timeout))
	client := base
	if cfg.ClientID != "" {
		if cfg.TokenURL == "" {
			return nil, apperr.ConfigMissing("TELEPHONY_TOKEN_URL")
		}
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = cc.Client(ctx)
		client.Timeout = base.Timeout
	}

	if cfg.Breaker.Name == "" {
		cfg.Breaker = resilience.DefaultBreakerConfig("telephony")
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    client,
		cb: resilience.NewBreaker(cfg.Breaker, func(err error) bool {
			var rejected *rejectedError
			return err == nil || errors.As(err, &rejected)
		}),
	}, nil
}

// Dial asks the collaborator to place a call. The item id doubles as the idempotency
// key so a retried dial does not ring the lead twice.
func (c *Client) Dial(ctx context.Context, req *out.DialRequest) (*out.DialResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.InternalWithError(err)
	}

	res, err := c.cb.Execute(func() (any, error) {
		return c.post(ctx, body, req.ItemID)
	})
	if err != nil {
		var rejected *rejectedError
		switch {
		case errors.As(err, &rejected):
			return nil, apperr.Validation(rejected.Error()).WithDetail("status", rejected.status)
		case resilience.IsOpen(err):
			return nil, apperr.Transient("telephony", err).WithDetail("breaker", c.State())
		default:
			return nil, apperr.Transient("telephony", err)
		}
	}
	return res.(*out.DialResult), nil
}

// State exposes the breaker state for health reporting.
func (c *Client) State() string {
	return c.cb.State().String()
}

func (c *Client) post(ctx context.Context, body []byte, idempotencyKey string) (*out.DialResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+callsPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httputil.DrainAndClose(resp)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("telephony status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &rejectedError{status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}

	var result out.DialResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode telephony response: %w", err)
	}
	if result.CallID == "" {
		return nil, errors.New("telephony response has no call id")
	}
	if result.Status == "" {
		result.Status = "queued"
	}
	return &result, nil
}

var _ out.Telephony = (*Client)(nil)
