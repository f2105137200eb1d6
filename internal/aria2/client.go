package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const requestTimeout = 30 * time.Second

// Download defaults applied to every queued URI.
const (
	defaultUserAgent      = "Logos-Droid"
	defaultSplit          = "16"
	defaultMaxConnections = "16"
)

// Download status values reported by tellStatus.
const (
	StatusActive   = "active"
	StatusWaiting  = "waiting"
	StatusPaused   = "paused"
	StatusError    = "error"
	StatusComplete = "complete"
	StatusRemoved  = "removed"
)

// Client talks JSON-RPC 2.0 to an aria2 daemon over HTTP.
type Client struct {
	rpcURL     string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger

	// newID mints request ids; replaceable for tests.
	newID func() string
}

// NewClient creates a daemon client. secret may be empty when the daemon
// runs without --rpc-secret. If httpClient is nil a client with a 30
// second timeout is used.
func NewClient(rpcURL, secret string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		rpcURL:     rpcURL,
		secret:     secret,
		httpClient: httpClient,
		logger:     logger,
		newID:      uuid.NewString,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call performs one RPC round trip, prepending the secret token when
// configured and decoding the result into out (which may be nil).
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	callParams := make([]any, 0, len(params)+1)

	if c.secret != "" {
		callParams = append(callParams, "token:"+c.secret)
	}

	callParams = append(callParams, params...)

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.newID(),
		Method:  method,
		Params:  callParams,
	})
	if err != nil {
		return fmt.Errorf("aria2: encoding %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("aria2: creating %s request: %w", method, err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("aria2: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	// The daemon pairs error responses with non-2xx statuses, so decode
	// the envelope before judging the status code.
	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("aria2: %s returned HTTP %d", method, resp.StatusCode)
		}

		return fmt.Errorf("aria2: decoding %s response: %w", method, err)
	}

	if envelope.Error != nil {
		return fmt.Errorf("aria2: %s: %w", method, envelope.Error)
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("aria2: decoding %s result: %w", method, err)
	}

	return nil
}

// AddURI queues a download of the given URIs (mirrors of one resource) and
// returns its GID. Caller options are merged over the client defaults for
// user agent, split, and per-server connections.
func (c *Client) AddURI(ctx context.Context, uris []string, options map[string]string) (string, error) {
	merged := map[string]string{
		"user-agent":                defaultUserAgent,
		"split":                     defaultSplit,
		"max-connection-per-server": defaultMaxConnections,
	}

	for key, value := range options {
		merged[key] = value
	}

	var gid string
	if err := c.call(ctx, "aria2.addUri", []any{uris, merged}, &gid); err != nil {
		return "", err
	}

	c.logger.Debug("queued download", "gid", gid, "out", merged["out"])

	return gid, nil
}

// DownloadStatus is the subset of tellStatus fields the engine consumes.
type DownloadStatus struct {
	GID             string `json:"gid"`
	Status          string `json:"status"`
	TotalLength     string `json:"totalLength"`
	CompletedLength string `json:"completedLength"`
	DownloadSpeed   string `json:"downloadSpeed"`
	ErrorCode       string `json:"errorCode"`
	ErrorMessage    string `json:"errorMessage"`
}

// TellStatus probes one download. keys narrows the returned fields; none
// means all.
func (c *Client) TellStatus(ctx context.Context, gid string, keys ...string) (*DownloadStatus, error) {
	params := []any{gid}

	if len(keys) > 0 {
		params = append(params, keys)
	}

	var status DownloadStatus
	if err := c.call(ctx, "aria2.tellStatus", params, &status); err != nil {
		return nil, err
	}

	return &status, nil
}

// ChangeGlobalOption updates daemon-wide options.
func (c *Client) ChangeGlobalOption(ctx context.Context, options map[string]string) error {
	var result string
	if err := c.call(ctx, "aria2.changeGlobalOption", []any{options}, &result); err != nil {
		return err
	}

	if result != "OK" {
		return fmt.Errorf("aria2: changeGlobalOption returned %q", result)
	}

	return nil
}

// SetProxy points every daemon download at the given proxy URL. An empty
// string clears the proxy.
func (c *Client) SetProxy(ctx context.Context, proxyURL string) error {
	if err := c.ChangeGlobalOption(ctx, map[string]string{"all-proxy": proxyURL}); err != nil {
		return err
	}

	if proxyURL == "" {
		c.logger.Info("cleared daemon proxy")
	} else {
		c.logger.Info("configured daemon proxy")
	}

	return nil
}

// GlobalStat is the daemon-wide transfer snapshot shown on the dashboard.
type GlobalStat struct {
	DownloadSpeed string `json:"downloadSpeed"`
	UploadSpeed   string `json:"uploadSpeed"`
	NumActive     string `json:"numActive"`
	NumWaiting    string `json:"numWaiting"`
	NumStopped    string `json:"numStopped"`
}

// GetGlobalStat fetches current transfer totals.
func (c *Client) GetGlobalStat(ctx context.Context) (*GlobalStat, error) {
	var stat GlobalStat
	if err := c.call(ctx, "aria2.getGlobalStat", nil, &stat); err != nil {
		return nil, err
	}

	return &stat, nil
}

// VersionInfo identifies the daemon build.
type VersionInfo struct {
	Version         string   `json:"version"`
	EnabledFeatures []string `json:"enabledFeatures"`
}

// GetVersion fetches the daemon version. Used as a reachability probe at
// startup.
func (c *Client) GetVersion(ctx context.Context) (*VersionInfo, error) {
	var info VersionInfo
	if err := c.call(ctx, "aria2.getVersion", nil, &info); err != nil {
		return nil, err
	}

	return &info, nil
}
