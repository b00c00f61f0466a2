package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bnema/questd/internal/application"
	"github.com/bnema/questd/internal/domain"
)

const defaultClientTimeout = 30 * time.Second

// Client calls a running server's control surface.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(listen string) *Client {
	base := strings.TrimSpace(listen)
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		BaseURL:    strings.TrimRight(base, "/"),
		HTTPClient: &http.Client{Timeout: defaultClientTimeout},
	}
}

func (c *Client) Enroll(ctx context.Context, account, quest string) (domain.SessionSnapshot, error) {
	var snapshot domain.SessionSnapshot
	err := c.do(ctx, http.MethodPost, "/sessions", enrollRequest{Account: account, Quest: quest}, &snapshot)
	return snapshot, err
}

func (c *Client) Start(ctx context.Context, account string) (domain.SessionSnapshot, error) {
	var snapshot domain.SessionSnapshot
	err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(account)+"/start", nil, &snapshot)
	return snapshot, err
}

func (c *Client) Stop(ctx context.Context, account string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(account), nil, nil)
}

func (c *Client) Session(ctx context.Context, account string) (domain.SessionSnapshot, error) {
	var snapshot domain.SessionSnapshot
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(account), nil, &snapshot)
	return snapshot, err
}

func (c *Client) Status(ctx context.Context) (application.StatusReport, error) {
	var report application.StatusReport
	err := c.do(ctx, http.MethodGet, "/status", nil, &report)
	return report, err
}

func (c *Client) Solves(ctx context.Context, quest string) (int, error) {
	var payload solvesResponse
	if err := c.do(ctx, http.MethodGet, "/quests/"+url.PathEscape(quest)+"/solves", nil, &payload); err != nil {
		return 0, err
	}
	return payload.Solves, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("contact questd server at %s: %w", c.BaseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBytes*16))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload errorBody
		if json.Unmarshal(data, &payload) == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Error
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsUnavailable reports whether err means no server answered.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	return err != nil && !errors.As(err, &apiErr) && !errors.Is(err, context.Canceled)
}
