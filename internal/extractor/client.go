// Package extractor invokes the external extraction worker. Requests are
// rate limited and retried with jittered exponential backoff; 4xx answers
// and explicit rejections are permanent.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/extraction-jobs/internal/jobs"
)

var (
	// ErrRejected is returned when the worker answers but reports failure.
	ErrRejected = errors.New("extraction worker rejected the request")
	// ErrBadResponse is returned when a 2xx answer cannot be decoded.
	ErrBadResponse = errors.New("undecodable extraction worker response")
)

// Config controls the client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// RateLimitRPS caps invocations per second; zero or less disables it.
	RateLimitRPS float64
	Burst        int
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	defaultBaseBackoff = 250 * time.Millisecond
	defaultMaxBackoff  = 5 * time.Second
	maxErrorBody       = 4 << 10
)

// Request is the body POSTed to <base>/extract.
type Request struct {
	URLs       []string              `json:"urls"`
	Query      string                `json:"query"`
	TargetRows int                   `json:"target_rows"`
	AppJobID   string                `json:"app_job_id"`
	WebhookURL string                `json:"webhook_url,omitempty"`
	Documents  []jobs.SourceDocument `json:"documents,omitempty"`
}

// PageResult is one page of rows returned by a worker running synchronously.
type PageResult struct {
	URL   string     `json:"url"`
	Title string     `json:"title,omitempty"`
	Rows  []jobs.Row `json:"rows"`
}

// Response is the worker's answer. Asynchronous workers return a JobID and
// report through webhooks; synchronous ones return Results directly.
type Response struct {
	Success bool         `json:"success"`
	JobID   string       `json:"job_id,omitempty"`
	Results []PageResult `json:"results,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// StatusError carries a non-2xx worker answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("extraction worker returned %d: %s", e.Code, e.Body)
}

// Client talks to one extraction worker.
type Client struct {
	endpoint string
	http     *http.Client
	cfg      Config
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("worker base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: base + "/extract",
		http:     httpClient,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger,
	}, nil
}

// Endpoint returns the URL requests are sent to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Extract sends req, retrying transient failures.
func (c *Client) Extract(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal extract request: %w", err)
	}
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("rate limit wait: %w", err)
		}
		resp, err := c.do(ctx, body)
		if err == nil {
			return resp, nil
		}
		if attempt+1 >= c.cfg.MaxAttempts || !retryable(ctx, err) {
			return Response{}, err
		}
		delay := c.backoff(attempt)
		c.logger.Warn("extraction worker call failed; retrying",
			zap.String("app_job_id", req.AppJobID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Response{}, fmt.Errorf("extract canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (c *Client) do(ctx context.Context, body []byte) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build extract request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("call extraction worker: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return Response{}, &StatusError{Code: httpResp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	var out Response
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "no reason given"
		}
		return out, fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	return out, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrBadResponse) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= http.StatusInternalServerError || statusErr.Code == http.StatusTooManyRequests
	}
	return true
}

// backoff returns half the exponential delay plus up to half again as jitter.
func (c *Client) backoff(attempt int) time.Duration {
	delay := float64(c.cfg.BaseBackoff) * math.Pow(2, float64(attempt))
	if delay > float64(c.cfg.MaxBackoff) {
		delay = float64(c.cfg.MaxBackoff)
	}
	half := time.Duration(delay / 2)
	if half <= 0 {
		return 0
	}
	return half + rand.N(half)
}
