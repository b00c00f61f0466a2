package questapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bnema/questd/internal/domain"
)

const (
	maxResponseBytes      = 1 << 20
	defaultRequestTimeout = 30 * time.Second
	defaultMaxAttempts    = 3
	defaultBackoff        = 250 * time.Millisecond
	maxRetryAfter         = 2 * time.Minute

	userAgent = "questd"

	bucketListQuests = "GET /quests/@me"
	bucketEnroll     = "POST /quests/{id}/enroll"
)

// Client talks to the quest platform. Rate limit state is per Client, keyed by
// endpoint bucket, so one Client should be shared by every session that uses
// the same outbound route.
type Client struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	MaxAttempts    int
	Backoff        time.Duration
	Logger         *zap.Logger

	mu      sync.Mutex
	blocked map[string]time.Time
}

type Options struct {
	BaseURL        string
	ProxyURL       string
	RequestTimeout time.Duration
	MaxAttempts    int
	Logger         *zap.Logger
}

// New builds a Client. The base URL has no default and must be configured.
func New(opts Options) (*Client, error) {
	if _, err := buildAPIURL(opts.BaseURL, "quests/@me"); err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		BaseURL:        opts.BaseURL,
		HTTPClient:     &http.Client{Transport: transport},
		RequestTimeout: opts.RequestTimeout,
		MaxAttempts:    opts.MaxAttempts,
		Logger:         logger.With(zap.String("component", "quest-api")),
	}, nil
}

func (c *Client) ListQuests(ctx context.Context, credential string) ([]domain.Quest, error) {
	endpoint, err := buildAPIURL(c.BaseURL, "quests/@me")
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, bucketListQuests, http.MethodGet, endpoint, credential)
	if err != nil {
		return nil, fmt.Errorf("list quests: %w", err)
	}

	var payload questsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode quests response: %w", err)
	}
	return payload.toDomain(), nil
}

func (c *Client) Enroll(ctx context.Context, credential string, questID string) error {
	if strings.TrimSpace(questID) == "" {
		return errors.New("quest id is required")
	}
	endpoint, err := buildAPIURL(c.BaseURL, "quests/"+url.PathEscape(questID)+"/enroll")
	if err != nil {
		return err
	}

	if _, err := c.do(ctx, bucketEnroll, http.MethodPost, endpoint, credential); err != nil {
		return fmt.Errorf("enroll in quest %s: %w", questID, err)
	}
	return nil
}

// do sends one logical request. Transport failures and 5xx responses are retried
// with backoff up to MaxAttempts; a 429 is waited out and retried once.
func (c *Client) do(ctx context.Context, bucket, method, endpoint, credential string) ([]byte, error) {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	rateLimited := false

	var lastErr error
	for attempt := 1; attempt <= attempts; {
		if err := c.waitBucket(ctx, bucket); err != nil {
			return nil, err
		}

		body, status, retryAfter, err := c.send(ctx, method, endpoint, credential)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return nil, fmt.Errorf("%w: status %d", domain.ErrUnauthorized, status)
		case status == http.StatusTooManyRequests:
			c.block(bucket, retryAfter)
			if rateLimited {
				return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, bucket)
			}
			rateLimited = true
			c.Logger.Warn("rate limited", zap.String("bucket", bucket), zap.Duration("retry_after", retryAfter))
			continue
		case status >= http.StatusInternalServerError:
			lastErr = fmt.Errorf("status %d", status)
		case status < http.StatusOK || status >= http.StatusMultipleChoices:
			return nil, fmt.Errorf("unexpected status %d", status)
		default:
			return body, nil
		}

		if attempt == attempts {
			break
		}
		if err := sleep(ctx, c.backoff(attempt)); err != nil {
			return nil, err
		}
		attempt++
	}

	return nil, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func (c *Client) send(ctx context.Context, method, endpoint, credential string) ([]byte, int, time.Duration, error) {
	requestCtx, cancel := c.requestContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, method, endpoint, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("read response: %w", err)
	}

	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), body)
	}
	return body, resp.StatusCode, retryAfter, nil
}

func (c *Client) waitBucket(ctx context.Context, bucket string) error {
	c.mu.Lock()
	until := c.blocked[bucket]
	c.mu.Unlock()

	wait := time.Until(until)
	if wait <= 0 {
		return nil
	}
	return sleep(ctx, wait)
}

func (c *Client) block(bucket string, wait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocked == nil {
		c.blocked = make(map[string]time.Time)
	}
	until := time.Now().Add(wait)
	if until.After(c.blocked[bucket]) {
		c.blocked[bucket] = until
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	base := c.Backoff
	if base <= 0 {
		base = defaultBackoff
	}
	return base << (attempt - 1)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// parseRetryAfter reads the header in seconds, falling back to a JSON body with
// a retry_after field.
func parseRetryAfter(header string, body []byte) time.Duration {
	wait := time.Second
	if seconds, err := strconv.ParseFloat(strings.TrimSpace(header), 64); err == nil && seconds >= 0 {
		wait = time.Duration(seconds * float64(time.Second))
	} else {
		var payload struct {
			RetryAfter float64 `json:"retry_after"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.RetryAfter > 0 {
			wait = time.Duration(payload.RetryAfter * float64(time.Second))
		}
	}
	if wait > maxRetryAfter {
		wait = maxRetryAfter
	}
	return wait
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func buildAPIURL(baseURL string, path string) (string, error) {
	if baseURL == "" {
		return "", errors.New("api base url is required")
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse api base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("api base url must use http or https")
	}
	if parsed.Host == "" {
		return "", errors.New("api base url host is required")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}

	endpoint, err := parsed.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse api path: %w", err)
	}
	return endpoint.String(), nil
}
