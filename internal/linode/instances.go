package linode

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Instance status values reported by the API.
const (
	StatusRunning      = "running"
	StatusProvisioning = "provisioning"
)

// Wait defaults for newly created instances.
const (
	DefaultWaitTimeout  = 300 * time.Second
	DefaultPollInterval = 10 * time.Second
)

const instanceImage = "linode/debian12"

// Instance is a remote VM as reported by the API.
type Instance struct {
	ID     int      `json:"id"`
	Label  string   `json:"label"`
	Region string   `json:"region"`
	Type   string   `json:"type"`
	Status string   `json:"status"`
	IPv4   []string `json:"ipv4"`
}

// PublicIPv4 returns the instance's first public address, or "" when none
// is assigned yet.
func (i *Instance) PublicIPv4() string {
	if len(i.IPv4) == 0 {
		return ""
	}

	return i.IPv4[0]
}

// CreateOptions describes the instance to create. The proxy fields feed
// the cloud-init bootstrap.
type CreateOptions struct {
	Label         string
	Region        string
	Type          string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string
}

type createRequest struct {
	Type     string         `json:"type"`
	Region   string         `json:"region"`
	Image    string         `json:"image"`
	RootPass string         `json:"root_pass"`
	Label    string         `json:"label"`
	Metadata createMetadata `json:"metadata"`
}

type createMetadata struct {
	UserData string `json:"user_data"`
}

type listResponse struct {
	Data []Instance `json:"data"`
}

// Create provisions a new instance bootstrapped with the proxy cloud-init
// payload. Creation is idempotent on the label: when a live instance with
// that label already exists it is returned instead of creating another.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Instance, error) {
	existing, err := m.GetByLabel(ctx, opts.Label)
	if err == nil {
		m.logger.Info("reusing existing instance with same label",
			"label", opts.Label, "instance_id", existing.ID, "status", existing.Status)

		return existing, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	userData, err := UserData(opts.ProxyPort, opts.ProxyUsername, opts.ProxyPassword)
	if err != nil {
		return nil, err
	}

	payload := createRequest{
		Type:     opts.Type,
		Region:   opts.Region,
		Image:    instanceImage,
		RootPass: randomToken(24),
		Label:    opts.Label,
		Metadata: createMetadata{UserData: userData},
	}

	var instance Instance
	if err := m.doJSON(ctx, http.MethodPost, "/linode/instances", "", payload, &instance); err != nil {
		return nil, fmt.Errorf("creating instance %q: %w", opts.Label, err)
	}

	m.logger.Info("instance create submitted",
		"label", instance.Label, "instance_id", instance.ID, "region", instance.Region)

	return &instance, nil
}

// Get fetches a single instance by id.
func (m *Manager) Get(ctx context.Context, id int) (*Instance, error) {
	var instance Instance
	if err := m.doJSON(ctx, http.MethodGet, fmt.Sprintf("/linode/instances/%d", id), "", nil, &instance); err != nil {
		return nil, fmt.Errorf("fetching instance %d: %w", id, err)
	}

	return &instance, nil
}

// GetByLabel finds the instance with exactly the given label using a
// server-side filter. Returns ErrNotFound when no instance matches.
func (m *Manager) GetByLabel(ctx context.Context, label string) (*Instance, error) {
	filter, err := json.Marshal(map[string]string{"label": label})
	if err != nil {
		return nil, fmt.Errorf("linode: encoding filter: %w", err)
	}

	var list listResponse
	if err := m.doJSON(ctx, http.MethodGet, "/linode/instances", string(filter), nil, &list); err != nil {
		return nil, fmt.Errorf("looking up instance %q: %w", label, err)
	}

	if len(list.Data) == 0 {
		return nil, fmt.Errorf("instance %q: %w", label, ErrNotFound)
	}

	return &list.Data[0], nil
}

// ListByPrefix returns every instance whose label starts with prefix.
func (m *Manager) ListByPrefix(ctx context.Context, prefix string) ([]Instance, error) {
	var list listResponse
	if err := m.doJSON(ctx, http.MethodGet, "/linode/instances", "", nil, &list); err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}

	matched := list.Data[:0]

	for _, instance := range list.Data {
		if strings.HasPrefix(instance.Label, prefix) {
			matched = append(matched, instance)
		}
	}

	return matched, nil
}

// Delete removes an instance. It reports true only when the API confirmed
// the deletion.
func (m *Manager) Delete(ctx context.Context, id int) (bool, error) {
	err := m.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/linode/instances/%d", id), "", nil, nil)
	if err != nil {
		return false, fmt.Errorf("deleting instance %d: %w", id, err)
	}

	m.logger.Info("instance deleted", "instance_id", id)

	return true, nil
}

// DeleteAllByPrefix deletes every instance whose label starts with prefix
// and returns how many were removed. Used by the emergency teardown.
func (m *Manager) DeleteAllByPrefix(ctx context.Context, prefix string) (int, error) {
	instances, err := m.ListByPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0

	for _, instance := range instances {
		ok, err := m.Delete(ctx, instance.ID)
		if err != nil {
			m.logger.Warn("failed to delete instance",
				"instance_id", instance.ID, "label", instance.Label, "error", err)

			continue
		}

		if ok {
			deleted++
		}
	}

	return deleted, nil
}

// WaitUntilRunning polls the instance until it reports running with a
// public IPv4, then returns that address. Poll errors are logged and
// retried until the timeout elapses.
func (m *Manager) WaitUntilRunning(ctx context.Context, id int, timeout, poll time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		instance, err := m.Get(ctx, id)

		switch {
		case err != nil && ctx.Err() != nil:
			return "", ctx.Err()
		case err != nil:
			m.logger.Warn("instance status poll failed", "instance_id", id, "error", err)
		case instance.Status == StatusRunning && instance.PublicIPv4() != "":
			return instance.PublicIPv4(), nil
		default:
			m.logger.Debug("waiting for instance",
				"instance_id", id, "status", instance.Status)
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("instance %d after %s: %w", id, timeout, ErrWaitTimeout)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// randomToken returns n bytes of randomness in URL-safe base64, matching
// the shape of the root passwords the provider expects.
func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("linode: reading random bytes: %v", err))
	}

	return base64.RawURLEncoding.EncodeToString(buf)
}
