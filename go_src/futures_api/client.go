package futures_api

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

	"futuresdash/go_src/dash_errors"
	"futuresdash/go_src/metrics"
	"futuresdash/go_src/token_store"

	"github.com/sirupsen/logrus"
)

const (
	defaultTimeoutSeconds = 10
	defaultRetryWait      = 500 * time.Millisecond
)

// TokenSource supplies the bearer token attached to every request.
type TokenSource interface {
	GetToken() (string, error)
}

// Client talks to the instrument resource server.
type Client struct {
	httpClient     *http.Client
	apiBaseURL     string
	retries        int
	retryWait      time.Duration
	tokens         TokenSource
	authHeader     string
	authPrefix     string
	defaultHeaders http.Header
	metrics        *metrics.Metrics
}

// NewClient creates a REST client. retries is the number of extra attempts made
// after a 429 or 5xx response. A nil tokens sends no auth header.
func NewClient(baseURL string, timeout time.Duration, retries int, tokens TokenSource, authHeader, authPrefix string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("baseURL cannot be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid baseURL '%s': %w", baseURL, err)
	}
	if timeout <= 0 {
		timeout = time.Duration(defaultTimeoutSeconds) * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	if authHeader == "" {
		authHeader = "Authorization"
	}

	client := &Client{
		httpClient:     &http.Client{Timeout: timeout},
		apiBaseURL:     baseURL,
		retries:        retries,
		retryWait:      defaultRetryWait,
		tokens:         tokens,
		authHeader:     authHeader,
		authPrefix:     authPrefix,
		defaultHeaders: make(http.Header),
	}
	client.defaultHeaders.Set("Accept", "application/json")
	client.defaultHeaders.Set("Cache-Control", "no-cache")
	return client, nil
}

func (c *Client) SetAPIBaseURL(baseURL string) {
	c.apiBaseURL = baseURL
}

// SetMetrics records request durations on m.
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

func (c *Client) authValue() (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	token, err := c.tokens.GetToken()
	if errors.Is(err, token_store.ErrNoToken) {
		logrus.Debug("FuturesAPI: No stored token, sending request without auth header")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get authentication token: %w", err)
	}
	if token == "" {
		return "", nil
	}
	if c.authPrefix == "" {
		return token, nil
	}
	return c.authPrefix + " " + token, nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// doRequest sends one JSON request, retrying on 429 and 5xx, and decodes a
// successful body into out when out is non-nil.
func (c *Client) doRequest(ctx context.Context, method, path string, queryParams url.Values, requestBody interface{}, out interface{}) error {
	fullURL, err := url.Parse(c.apiBaseURL)
	if err != nil {
		return fmt.Errorf("failed to parse base API URL '%s': %w", c.apiBaseURL, err)
	}
	fullURL.Path = strings.TrimRight(fullURL.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if queryParams != nil {
		fullURL.RawQuery = queryParams.Encode()
	}

	var payload []byte
	if requestBody != nil {
		payload, err = json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
	}

	auth, err := c.authValue()
	if err != nil {
		return err
	}

	var status int
	var bodyBytes []byte
	for attempt := 0; ; attempt++ {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), body)
		if err != nil {
			return fmt.Errorf("failed to create HTTP request for %s %s: %w", method, fullURL.String(), err)
		}
		for key, values := range c.defaultHeaders {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
		if auth != "" {
			req.Header.Set(c.authHeader, auth)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json; charset=utf-8")
		}

		logrus.Debugf("FuturesAPI Request: %s %s", method, req.URL.String())
		start := time.Now()
		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			c.metrics.ObserveAPIRequest(method, 0, time.Since(start))
			if ctx.Err() != nil {
				return fmt.Errorf("HTTP request context cancelled for %s %s: %w", method, fullURL.String(), ctx.Err())
			}
			return fmt.Errorf("HTTP request execution failed for %s %s: %w", method, fullURL.String(), err)
		}
		bodyBytes, err = io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		status = httpResp.StatusCode
		c.metrics.ObserveAPIRequest(method, status, time.Since(start))
		if err != nil {
			return fmt.Errorf("failed to read response body for %s %s: %w", method, fullURL.String(), err)
		}

		if !retryable(status) || attempt >= c.retries {
			break
		}
		wait := c.retryWait * time.Duration(attempt+1)
		logrus.Warnf("FuturesAPI: %s %s returned %d, retrying in %v (attempt %d/%d)", method, path, status, wait, attempt+1, c.retries)
		select {
		case <-ctx.Done():
			return fmt.Errorf("HTTP request context cancelled for %s %s: %w", method, fullURL.String(), ctx.Err())
		case <-time.After(wait):
		}
	}

	if status >= 400 {
		return newAPIRequestError(method, path, status, bodyBytes)
	}
	if out == nil || status == http.StatusNoContent || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to unmarshal successful response JSON (status %d) for %s %s: %w. Body: %s",
			status, method, fullURL.String(), err, string(bodyBytes))
	}
	return nil
}

// serverErrorBody covers the error shapes the resource server returns.
type serverErrorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func newAPIRequestError(method, endpoint string, status int, body []byte) *dash_errors.APIRequestError {
	apiErr := &dash_errors.APIRequestError{
		Method:     method,
		Endpoint:   endpoint,
		StatusCode: status,
		Response:   string(body),
	}
	var parsed serverErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case len(parsed.Detail) > 0:
			var s string
			if json.Unmarshal(parsed.Detail, &s) == nil {
				apiErr.Message = s
			} else {
				apiErr.Message = string(parsed.Detail)
			}
		case parsed.Message != "":
			apiErr.Message = parsed.Message
		case parsed.Error != "":
			apiErr.Message = parsed.Error
		}
	}
	return apiErr
}
