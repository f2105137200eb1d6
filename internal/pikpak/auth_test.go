package pikpak

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// authServer simulates the PikPak auth endpoints, counting signin and
// refresh calls and recording the last request bodies.
type authServer struct {
	*httptest.Server

	signins    atomic.Int32
	refreshes  atomic.Int32
	lastSignin signinRequest
	lastFresh  refreshRequest

	refreshFails bool
}

func newAuthServer(t *testing.T) *authServer {
	t.Helper()

	server := &authServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&server.lastSignin))

		n := server.signins.Add(1)
		writeToken(w, fmt.Sprintf("sign-%d", n))
	})

	mux.HandleFunc("/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&server.lastFresh))

		if server.refreshFails {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_code":4126}`))

			return
		}

		n := server.refreshes.Add(1)
		writeToken(w, fmt.Sprintf("fresh-%d", n))
	})

	server.Server = httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

// writeToken responds with a token named after the grant that minted it,
// rotating the refresh token each time.
func writeToken(w http.ResponseWriter, name string) {
	w.Header().Set("Content-Type", "application/json")

	resp := tokenResponse{
		AccessToken:  "tok-" + name,
		RefreshToken: "ref-" + name,
		TokenType:    "Bearer",
		ExpiresIn:    7200,
		Sub:          "user-1",
	}

	_ = json.NewEncoder(w).Encode(resp)
}

func newTestTokenSource(t *testing.T, serverURL string) *CachedTokenSource {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewTokenSource(serverURL, "alice@example.com", "hunter2", http.DefaultClient, logger)
}

func TestTokenSource_SigninOnceAndCache(t *testing.T) {
	server := newAuthServer(t)
	source := newTestTokenSource(t, server.URL)

	token, err := source.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-sign-1", token)

	// The second call must serve from cache.
	token, err = source.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-sign-1", token)

	assert.Equal(t, int32(1), server.signins.Load())
	assert.Equal(t, int32(0), server.refreshes.Load())

	assert.Equal(t, clientID, server.lastSignin.ClientID)
	assert.Equal(t, "alice@example.com", server.lastSignin.Username)
	assert.Equal(t, "hunter2", server.lastSignin.Password)
}

func TestTokenSource_RefreshAfterInvalidate(t *testing.T) {
	server := newAuthServer(t)
	source := newTestTokenSource(t, server.URL)

	token, err := source.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-sign-1", token)

	source.Invalidate()

	token, err = source.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-fresh-1", token)

	assert.Equal(t, int32(1), server.signins.Load())
	assert.Equal(t, int32(1), server.refreshes.Load())

	assert.Equal(t, clientID, server.lastFresh.ClientID)
	assert.Equal(t, "refresh_token", server.lastFresh.GrantType)
	assert.Equal(t, "ref-sign-1", server.lastFresh.RefreshToken)
}

func TestTokenSource_RefreshFailureFallsBackToSignin(t *testing.T) {
	server := newAuthServer(t)
	server.refreshFails = true

	source := newTestTokenSource(t, server.URL)

	token, err := source.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-sign-1", token)

	source.Invalidate()

	token, err = source.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-sign-2", token)

	assert.Equal(t, int32(2), server.signins.Load())
}

func TestTokenSource_BadCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_account_or_password","error_code":4002,"error_description":"bad credentials"}`))
	}))
	defer server.Close()

	source := newTestTokenSource(t, server.URL)

	_, err := source.Token()
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "obtaining access token")
}

func TestTokenSource_EmptyAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"refresh_token":"ref-1"}`))
	}))
	defer server.Close()

	source := newTestTokenSource(t, server.URL)

	_, err := source.Token()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no access token")
}
