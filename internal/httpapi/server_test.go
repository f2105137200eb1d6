package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loccen/tinder-swipe/internal/aria2"
	"github.com/loccen/tinder-swipe/internal/store"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return st
}

// stubDaemon serves a canned global stat.
type stubDaemon struct {
	mu      sync.Mutex
	stat    *aria2.GlobalStat
	statErr error
}

func (d *stubDaemon) GetGlobalStat(context.Context) (*aria2.GlobalStat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.statErr != nil {
		return nil, d.statErr
	}

	if d.stat == nil {
		return &aria2.GlobalStat{
			DownloadSpeed: "0", UploadSpeed: "0",
			NumActive: "0", NumWaiting: "0", NumStopped: "0",
		}, nil
	}

	return d.stat, nil
}

// stubDestroyer counts teardown requests.
type stubDestroyer struct {
	calls      atomic.Int64
	destroyed  int
	destroyErr error
}

func (d *stubDestroyer) EmergencyDestroyAll(context.Context) (int, error) {
	d.calls.Add(1)

	if d.destroyErr != nil {
		return 0, d.destroyErr
	}

	return d.destroyed, nil
}

type fixture struct {
	store       *store.Store
	daemon      *stubDaemon
	destroyer   *stubDestroyer
	server      *Server
	previewsDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:       newTestStore(t),
		daemon:      &stubDaemon{},
		destroyer:   &stubDestroyer{},
		previewsDir: t.TempDir(),
	}

	f.server = NewServer(ServerConfig{
		Store:       f.store,
		Daemon:      f.daemon,
		Destroyer:   f.destroyer,
		PreviewsDir: f.previewsDir,
		DownloadDir: t.TempDir(),
		Logger:      testLogger(t),
	})

	return f
}

// do runs one request through the full router. A non-nil body is sent as
// JSON.
func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func detailOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var resp errorResponse
	decode(t, rec, &resp)

	return resp.Detail
}

func seedPending(t *testing.T, st *store.Store, chatID, msgID int64) *store.Task {
	t.Helper()

	task, err := st.CreateTask(context.Background(), store.NewTask{
		ChatID:    chatID,
		MsgID:     msgID,
		SourceURL: fmt.Sprintf("https://mypikpak.com/s/share-%d", msgID),
		Title:     "title",
	})
	require.NoError(t, err)

	return task
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "swipe_instances_provisioned_total")
}

func TestPreviews_ServesFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	path := filepath.Join(f.previewsDir, "cover.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg-bytes"), 0o644))

	rec := f.do(t, http.MethodGet, "/previews/cover.jpg", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jpeg-bytes", rec.Body.String())
}

func TestPreviews_UnknownFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/previews/missing.jpg", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPreviews_TraversalBlocked(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	outside := filepath.Join(filepath.Dir(f.previewsDir), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))

	rec := f.do(t, http.MethodGet, "/previews/..%2Fsecret.txt", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestParsePage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", 20, 0},
		{"explicit", "?limit=5&offset=10", 5, 10},
		{"clamped", "?limit=500", 100, 0},
		{"garbage", "?limit=abc&offset=-3", 20, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/tasks"+tt.query, nil)

			limit, offset := parsePage(req)
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}
