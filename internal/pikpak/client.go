package pikpak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the PikPak drive API endpoint.
	DefaultBaseURL = "https://api-drive.mypikpak.com"

	userAgent = "tinder-swipe/0.1"

	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25

	// Request pacing. PikPak throttles aggressively on burst traffic,
	// so every request passes through a shared limiter.
	requestRate  = 4 // requests per second
	requestBurst = 8
)

// TokenSource provides bearer tokens for API requests. Invalidate discards
// any cached token so the next Token call fetches a fresh one.
type TokenSource interface {
	Token() (string, error)
	Invalidate()
}

// Client is a PikPak drive API client with automatic retry and request
// pacing. Create one with NewClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
	limiter    *rate.Limiter

	// sleepFunc is replaceable for testing backoff behavior.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a PikPak API client. baseURL should be DefaultBaseURL
// outside of tests. If httpClient is nil, http.DefaultClient is used.
// token must not be nil.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if token == nil {
		panic("pikpak: token source is required")
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(requestRate), requestBurst),
		sleepFunc:  timeSleep,
	}
}

// timeSleep sleeps for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// getJSON performs a GET request and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("pikpak: decoding response: %w", err)
	}

	return nil
}

// postJSON marshals payload, performs a POST request, and decodes the JSON
// response into out. out may be nil when the response body is irrelevant.
func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pikpak: encoding request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("pikpak: decoding response: %w", err)
	}

	return nil
}

// Do performs an HTTP request against the API with authentication, pacing,
// and retry. path is appended to the client's base URL. The body, when
// non-nil, is rewound before every attempt so retries resend it in full.
// The caller must close the response body on success.
func (c *Client) Do(ctx context.Context, method, path string, body io.ReadSeeker) (*http.Response, error) {
	var lastErr error

	refreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("pikpak: waiting for rate limiter: %w", err)
		}

		if err := rewindBody(body); err != nil {
			return nil, err
		}

		resp, err := c.doOnce(ctx, method, path, body)
		if err != nil {
			// Transport errors are retryable.
			lastErr = fmt.Errorf("pikpak: request failed: %w", err)

			c.logger.Debug("request failed, will retry",
				"method", method, "path", path,
				"attempt", attempt, "error", err)

			if err := c.backoff(ctx, attempt, 0); err != nil {
				return nil, err
			}

			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		// An expired access token surfaces as 401. Invalidate the cached
		// token and retry once immediately with a fresh one.
		if resp.StatusCode == http.StatusUnauthorized && !refreshed {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			refreshed = true

			c.logger.Debug("access token rejected, refreshing",
				"method", method, "path", path)

			c.token.Invalidate()

			continue
		}

		apiErr := readAPIError(resp)
		lastErr = apiErr

		if !isRetryable(resp.StatusCode) || attempt == maxRetries {
			return nil, apiErr
		}

		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

		c.logger.Debug("retryable API error",
			"method", method, "path", path,
			"status", resp.StatusCode, "attempt", attempt)

		if err := c.backoff(ctx, attempt, retryAfter); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("pikpak: all %d attempts failed: %w", maxRetries+1, lastErr)
}

// doOnce performs a single HTTP request with auth headers.
func (c *Client) doOnce(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	token, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("getting token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// rewindBody seeks the request body back to the start so a retry resends
// the full payload.
func rewindBody(body io.ReadSeeker) error {
	if body == nil {
		return nil
	}

	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("pikpak: rewinding request body: %w", err)
	}

	return nil
}

// backoff sleeps before the next retry attempt. A server-provided
// retryAfter takes precedence over the computed exponential backoff.
func (c *Client) backoff(ctx context.Context, attempt int, retryAfter time.Duration) error {
	delay := calcBackoff(attempt)
	if retryAfter > delay {
		delay = retryAfter
	}

	if err := c.sleepFunc(ctx, delay); err != nil {
		return fmt.Errorf("pikpak: canceled while waiting to retry: %w", err)
	}

	return nil
}

// calcBackoff computes exponential backoff with jitter for the given
// attempt number (0-based).
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= backoffFactor
	}

	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	// Apply +/-25% jitter to avoid thundering herds.
	jitter := backoff * jitterFraction * (2*rand.Float64() - 1)

	return time.Duration(backoff + jitter)
}

// parseRetryAfter parses a Retry-After header value in seconds. Returns 0
// if the header is absent or malformed.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

// readAPIError consumes the response body and builds an APIError for a
// non-2xx response. The body is closed.
func readAPIError(resp *http.Response) *APIError {
	defer resp.Body.Close()

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Err:        classifyStatus(resp.StatusCode),
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		apiErr.Message = "(unreadable response body)"

		return apiErr
	}

	var body struct {
		ErrorReason string `json:"error"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"error_description"`
	}

	if err := json.Unmarshal(data, &body); err == nil && body.ErrorReason != "" {
		apiErr.Reason = body.ErrorReason
		apiErr.Code = body.ErrorCode
		apiErr.Message = body.Description
	} else {
		apiErr.Message = string(data)
	}

	return apiErr
}
