package pikpak

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMagnet(t *testing.T) {
	assert.True(t, IsMagnet("magnet:?xt=urn:btih:deadbeef"))
	assert.False(t, IsMagnet("https://mypikpak.com/s/VOabc123"))
	assert.False(t, IsMagnet(""))
}

func TestParseShareURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{"plain", "https://mypikpak.com/s/VOabc123", "VOabc123", false},
		{"with query", "https://mypikpak.com/s/VO-x_9?pwd=k3", "VO-x_9", false},
		{"no scheme", "mypikpak.com/s/Zz88", "Zz88", false},
		{"wrong host", "https://example.com/s/VOabc123", "", true},
		{"magnet", "magnet:?xt=urn:btih:deadbeef", "", true},
		{"empty", "", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseShareURL(tc.url)

			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidShareURL)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTransferShare_Success(t *testing.T) {
	var restoreBody restoreRequest

	mux := http.NewServeMux()

	mux.HandleFunc("GET /drive/v1/share", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "VOabc123", r.URL.Query().Get("share_id"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"share_status": "OK",
			"pass_code_token": "ptok-7",
			"files": [
				{"id": "pre-1", "name": "Show.S01", "kind": "drive#folder", "size": "0"},
				{"id": "pre-2", "name": "extras.mkv", "kind": "drive#file", "size": "1024"}
			]
		}`))
	})

	mux.HandleFunc("POST /drive/v1/share/restore", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&restoreBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(server.URL, &staticToken{token: "tok-1"})

	members, err := client.TransferShare(context.Background(), "https://mypikpak.com/s/VOabc123")
	require.NoError(t, err)

	require.Len(t, members, 2)
	assert.Equal(t, ShareMember{Name: "Show.S01", OriginalID: "pre-1"}, members[0])
	assert.Equal(t, ShareMember{Name: "extras.mkv", OriginalID: "pre-2"}, members[1])

	assert.Equal(t, "VOabc123", restoreBody.ShareID)
	assert.Equal(t, "ptok-7", restoreBody.PassCodeToken)
	assert.Equal(t, []string{"pre-1", "pre-2"}, restoreBody.FileIDs)
}

func TestTransferShare_ShareNotOK(t *testing.T) {
	var restores atomic.Int32

	mux := http.NewServeMux()

	mux.HandleFunc("GET /drive/v1/share", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"share_status": "EXPIRED", "files": [{"id": "pre-1", "name": "x"}]}`))
	})

	mux.HandleFunc("POST /drive/v1/share/restore", func(w http.ResponseWriter, r *http.Request) {
		restores.Add(1)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(server.URL, &staticToken{token: "tok-1"})

	_, err := client.TransferShare(context.Background(), "https://mypikpak.com/s/VOabc123")
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrShareNotOK)
	assert.Contains(t, err.Error(), "EXPIRED")
	assert.Equal(t, int32(0), restores.Load())
}

func TestTransferShare_EmptyShare(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /drive/v1/share", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"share_status": "OK", "pass_code_token": "ptok", "files": []}`))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(server.URL, &staticToken{token: "tok-1"})

	_, err := client.TransferShare(context.Background(), "https://mypikpak.com/s/VOabc123")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShareEmpty)
}

func TestTransferShare_BadURL(t *testing.T) {
	client := newTestClient("http://127.0.0.1:0", &staticToken{token: "tok-1"})

	_, err := client.TransferShare(context.Background(), "https://example.com/not-a-share")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidShareURL)
}
