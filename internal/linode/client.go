package linode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultBaseURL is the Linode API v4 endpoint.
const DefaultBaseURL = "https://api.linode.com/v4"

const requestTimeout = 60 * time.Second

// Manager talks to the Linode API with a personal access token.
type Manager struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewManager creates a Linode API client. baseURL should be DefaultBaseURL
// outside of tests. If httpClient is nil a client with a 60 second timeout
// is used.
func NewManager(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Manager{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}
}

// doJSON performs a request and decodes the JSON response into out. filter
// is sent as the X-Filter header when non-empty; out and payload may be
// nil.
func (m *Manager) doJSON(ctx context.Context, method, path, filter string, payload, out any) error {
	var body io.Reader

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("linode: encoding request: %w", err)
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("linode: creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+m.token)
	req.Header.Set("Accept", "application/json")

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if filter != "" {
		req.Header.Set("X-Filter", filter)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("linode: request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("linode: decoding response: %w", err)
	}

	return nil
}
