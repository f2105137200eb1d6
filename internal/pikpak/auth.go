package pikpak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultAuthURL is the PikPak authentication endpoint.
	DefaultAuthURL = "https://user.mypikpak.com"

	// clientID is PikPak's public web client identifier. It is not a
	// secret and is the same for every installation.
	clientID = "YNxT9w7GMdWvEOKa"

	authTimeout = 30 * time.Second
)

// credentialSource mints OAuth2 tokens from a PikPak username and password.
// It prefers the refresh grant once a refresh token is known and falls back
// to a full signin when the refresh is rejected. Safe for concurrent use.
type credentialSource struct {
	authURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger

	mu           sync.Mutex
	refreshToken string
}

type signinRequest struct {
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	ClientID     string `json:"client_id"`
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Sub          string `json:"sub"`
}

// Token implements oauth2.TokenSource.
func (s *credentialSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	if s.refreshToken != "" {
		token, err := s.refresh(ctx)
		if err == nil {
			return token, nil
		}

		s.logger.Warn("token refresh failed, falling back to signin", "error", err)
		s.refreshToken = ""
	}

	return s.signin(ctx)
}

func (s *credentialSource) signin(ctx context.Context) (*oauth2.Token, error) {
	payload := signinRequest{
		ClientID: clientID,
		Username: s.username,
		Password: s.password,
	}

	var resp tokenResponse
	if err := s.post(ctx, "/v1/auth/signin", payload, &resp); err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}

	s.logger.Info("signed in to PikPak", "user", resp.Sub)

	return s.toToken(resp)
}

func (s *credentialSource) refresh(ctx context.Context) (*oauth2.Token, error) {
	payload := refreshRequest{
		ClientID:     clientID,
		GrantType:    "refresh_token",
		RefreshToken: s.refreshToken,
	}

	var resp tokenResponse
	if err := s.post(ctx, "/v1/auth/token", payload, &resp); err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	s.logger.Debug("refreshed PikPak access token")

	return s.toToken(resp)
}

// toToken converts an auth response into an oauth2 token, remembering the
// rotated refresh token for the next refresh. Caller holds s.mu.
func (s *credentialSource) toToken(resp tokenResponse) (*oauth2.Token, error) {
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("auth response carried no access token")
	}

	if resp.RefreshToken != "" {
		s.refreshToken = resp.RefreshToken
	}

	token := &oauth2.Token{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		RefreshToken: resp.RefreshToken,
	}

	if resp.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	return token, nil
}

// post sends an unauthenticated JSON request to the auth endpoint.
func (s *credentialSource) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.authURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

// CachedTokenSource implements TokenSource on top of a credentialSource,
// reusing a minted access token until it expires or Invalidate is called.
type CachedTokenSource struct {
	logger *slog.Logger
	source oauth2.TokenSource

	mu     sync.Mutex
	cached oauth2.TokenSource
}

// NewTokenSource creates a token source that signs in to PikPak with the
// given credentials on first use. authURL should be DefaultAuthURL outside
// of tests.
func NewTokenSource(authURL, username, password string, httpClient *http.Client, logger *slog.Logger) *CachedTokenSource {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	source := &credentialSource{
		authURL:    authURL,
		username:   username,
		password:   password,
		httpClient: httpClient,
		logger:     logger,
	}

	return &CachedTokenSource{
		logger: logger,
		source: source,
		cached: oauth2.ReuseTokenSource(nil, source),
	}
}

// Token returns a valid access token, minting one if necessary.
func (s *CachedTokenSource) Token() (string, error) {
	s.mu.Lock()
	cached := s.cached
	s.mu.Unlock()

	token, err := cached.Token()
	if err != nil {
		return "", fmt.Errorf("pikpak: obtaining access token: %w", err)
	}

	return token.AccessToken, nil
}

// Invalidate discards the cached access token. The next Token call mints a
// fresh one, preferring the refresh grant.
func (s *CachedTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cached = oauth2.ReuseTokenSource(nil, s.source)
	s.logger.Debug("discarded cached PikPak token")
}
