// Package remote is the HTTP client for the server of record.
package remote

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

	"golang.org/x/time/rate"

	"github.com/jwalitptl/carelink/pkg/circuitbreaker"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
	"github.com/jwalitptl/carelink/pkg/logger"
	"github.com/jwalitptl/carelink/pkg/metrics"
)

// BaseURLSource supplies the base URL selected by the connectivity prober.
type BaseURLSource interface {
	ActiveURL() string
	Invalidate()
}

// TokenSource supplies the bearer token sent with every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Config struct {
	// Timeout bounds one request.
	Timeout time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	// BreakerFailures consecutive transient failures open the breaker.
	BreakerFailures int
	BreakerTimeout  time.Duration
}

type Client struct {
	base    BaseURLSource
	tokens  TokenSource
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewClient(cfg Config, base BaseURLSource, tokens TokenSource, httpClient *http.Client, log *logger.Logger, m *metrics.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = logger.Nop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	return &Client{
		base:    base,
		tokens:  tokens,
		http:    httpClient,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "remote",
			MaxFailures: cfg.BreakerFailures,
			Timeout:     cfg.BreakerTimeout,
			IsFailure:   apperrors.IsUnavailable,
		}),
		logger:  log.With("remote"),
		metrics: m,
	}
}

// envelope is the {status, message, data} wrapper some endpoints use.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do performs one request. Transport failures, timeouts, 5xx, 408, 429 and
// an open breaker come back as Unavailable; 404 as NotFound; 401 and 403 as
// Unauthorized; other 4xx as BadRequest. out may be nil.
func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	start := time.Now()
	status := "error"
	defer func() {
		if c.metrics != nil {
			c.metrics.RemoteRequests.WithLabelValues(op, status).Inc()
			c.metrics.RemoteLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return apperrors.Unavailable("rate limiter", err)
	}

	var respBody []byte
	var code int
	err := c.breaker.Execute(func() error {
		var err error
		code, respBody, err = c.roundTrip(ctx, method, path, body)
		if err != nil {
			return apperrors.Unavailable(op+" failed", err)
		}
		if code >= 500 {
			return apperrors.Unavailable(op+" failed", fmt.Errorf("server returned %d", code))
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		status = "breaker_open"
		return apperrors.Unavailable(op+" skipped", err)
	}
	if err != nil {
		c.base.Invalidate()
		c.logger.Debug("Remote call failed", "operation", op, "error", err.Error())
		return err
	}

	status = strconv.Itoa(code)
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return apperrors.Unavailable(op+" deferred by server", fmt.Errorf("server returned %d", code))
	case code == http.StatusNotFound:
		return apperrors.NotFound(op, errors.New(messageOf(respBody)))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperrors.Unauthorized(errors.New(messageOf(respBody)))
	case code >= 400:
		return apperrors.BadRequest(messageOf(respBody), fmt.Errorf("%s returned %d", op, code))
	}

	if out == nil {
		return nil
	}
	if err := decode(respBody, out); err != nil {
		return apperrors.BadRequest("malformed response", err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.ActiveURL()+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("session token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

// decode accepts either a bare object or one wrapped in the envelope.
func decode(raw []byte, out interface{}) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Status != "" && len(env.Data) > 0 && string(env.Data) != "null" {
		return json.Unmarshal(env.Data, out)
	}
	return json.Unmarshal(raw, out)
}

func messageOf(raw []byte) string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Message != "" {
		return env.Message
	}
	return http.StatusText(http.StatusBadRequest)
}

func escape(email string) string {
	return url.PathEscape(email)
}
