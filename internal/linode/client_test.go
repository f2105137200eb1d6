package linode

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newTestManager(t *testing.T, mux *http.ServeMux) *Manager {
	t.Helper()

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewManager(server.URL, "test-token", http.DefaultClient, logger)
}

func swipeOptions() CreateOptions {
	return CreateOptions{
		Label:         "swipe",
		Region:        "ap-northeast",
		Type:          "g6-nanode-1",
		ProxyPort:     1080,
		ProxyUsername: "proxy",
		ProxyPassword: "swipe2024",
	}
}

func TestCreate_SubmitsCloudInit(t *testing.T) {
	var (
		gotAuth   string
		gotFilter string
		created   createRequest
	)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /linode/instances", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotFilter = r.Header.Get("X-Filter")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": []}`))
	})

	mux.HandleFunc("POST /linode/instances", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&created)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 123, "label": "swipe", "region": "ap-northeast", "type": "g6-nanode-1", "status": "provisioning", "ipv4": []}`))
	})

	manager := newTestManager(t, mux)

	instance, err := manager.Create(context.Background(), swipeOptions())
	require.NoError(t, err)

	assert.Equal(t, 123, instance.ID)
	assert.Equal(t, "swipe", instance.Label)
	assert.Empty(t, instance.PublicIPv4())

	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, `{"label":"swipe"}`, gotFilter)

	assert.Equal(t, "g6-nanode-1", created.Type)
	assert.Equal(t, "ap-northeast", created.Region)
	assert.Equal(t, instanceImage, created.Image)
	assert.Equal(t, "swipe", created.Label)
	assert.NotEmpty(t, created.RootPass)

	payload, err := base64.StdEncoding.DecodeString(created.Metadata.UserData)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "#cloud-config")
	assert.Contains(t, string(payload), "dante-server")
}

func TestCreate_ReusesExistingLabel(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /linode/instances", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": [{"id": 77, "label": "swipe", "status": "running", "ipv4": ["198.51.100.7"]}]}`))
	})

	mux.HandleFunc("POST /linode/instances", func(w http.ResponseWriter, r *http.Request) {
		t.Error("create should not be called when the label already exists")
	})

	manager := newTestManager(t, mux)

	instance, err := manager.Create(context.Background(), swipeOptions())
	require.NoError(t, err)

	assert.Equal(t, 77, instance.ID)
	assert.Equal(t, "198.51.100.7", instance.PublicIPv4())
}

func TestGetByLabel_NotFound(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /linode/instances", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": []}`))
	})

	manager := newTestManager(t, mux)

	_, err := manager.GetByLabel(context.Background(), "swipe")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	var deletes atomic.Int32

	mux := http.NewServeMux()

	mux.HandleFunc("DELETE /linode/instances/55", func(w http.ResponseWriter, r *http.Request) {
		deletes.Add(1)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	})

	manager := newTestManager(t, mux)

	deleted, err := manager.Delete(context.Background(), 55)
	require.NoError(t, err)

	assert.True(t, deleted)
	assert.Equal(t, int32(1), deletes.Load())
}

func TestDelete_Failure(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc("DELETE /linode/instances/55", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errors": [{"reason": "instance busy"}]}`))
	})

	manager := newTestManager(t, mux)

	deleted, err := manager.Delete(context.Background(), 55)
	require.Error(t, err)

	assert.False(t, deleted)
	assert.Contains(t, err.Error(), "instance busy")
}

func TestDeleteAllByPrefix(t *testing.T) {
	var deleted []string

	mux := http.NewServeMux()

	mux.HandleFunc("GET /linode/instances", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": [
			{"id": 1, "label": "swipe"},
			{"id": 2, "label": "swipe-old"},
			{"id": 3, "label": "unrelated"}
		]}`))
	})

	mux.HandleFunc("DELETE /linode/instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		deleted = append(deleted, r.PathValue("id"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	})

	manager := newTestManager(t, mux)

	count, err := manager.DeleteAllByPrefix(context.Background(), "swipe")
	require.NoError(t, err)

	assert.Equal(t, 2, count)
	assert.Equal(t, []string{"1", "2"}, deleted)
}

func TestWaitUntilRunning(t *testing.T) {
	var polls atomic.Int32

	mux := http.NewServeMux()

	mux.HandleFunc("GET /linode/instances/123", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if polls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"id": 123, "status": "provisioning", "ipv4": []}`))

			return
		}

		_, _ = w.Write([]byte(`{"id": 123, "status": "running", "ipv4": ["198.51.100.7", "192.168.1.5"]}`))
	})

	manager := newTestManager(t, mux)

	ipv4, err := manager.WaitUntilRunning(context.Background(), 123, time.Second, 5*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, "198.51.100.7", ipv4)
	assert.Equal(t, int32(3), polls.Load())
}

func TestWaitUntilRunning_Timeout(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /linode/instances/123", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 123, "status": "provisioning", "ipv4": []}`))
	})

	manager := newTestManager(t, mux)

	_, err := manager.WaitUntilRunning(context.Background(), 123, 30*time.Millisecond, 5*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWaitUntilRunning_ContextCanceled(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /linode/instances/123", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 123, "status": "provisioning", "ipv4": []}`))
	})

	manager := newTestManager(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := manager.WaitUntilRunning(ctx, 123, time.Minute, 5*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUserData(t *testing.T) {
	encoded, err := UserData(1080, "proxy", "swipe2024")
	require.NoError(t, err)

	payload, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	text := string(payload)
	require.True(t, len(text) > len("#cloud-config\n"))
	assert.Equal(t, "#cloud-config\n", text[:len("#cloud-config\n")])

	var doc cloudConfig

	require.NoError(t, yaml.Unmarshal(payload, &doc))

	assert.Contains(t, doc.Packages, "dante-server")
	assert.Contains(t, doc.Packages, "tinyproxy")

	require.Len(t, doc.WriteFiles, 2)
	assert.Equal(t, "/etc/danted.conf", doc.WriteFiles[0].Path)
	assert.Contains(t, doc.WriteFiles[0].Content, "port = 1080")
	assert.Contains(t, doc.WriteFiles[1].Content, "Port 8080")
	assert.Contains(t, doc.WriteFiles[1].Content, "BasicAuth proxy swipe2024")

	assert.Contains(t, doc.RunCmd, "echo 'proxy:swipe2024' | chpasswd")
	assert.Contains(t, doc.RunCmd, "ufw allow 1080/tcp")
	assert.Contains(t, doc.RunCmd, "ufw allow 8080/tcp")
}

func TestHTTPProxyPort(t *testing.T) {
	assert.Equal(t, 8080, HTTPProxyPort(1080))
	assert.Equal(t, 8443, HTTPProxyPort(1443))
}
