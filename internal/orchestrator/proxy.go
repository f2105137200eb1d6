package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loccen/tinder-swipe/internal/linode"
	"github.com/loccen/tinder-swipe/internal/metrics"
	"github.com/loccen/tinder-swipe/internal/store"
)

// InstanceLabel names the singleton proxy VM at the cloud provider. Label
// idempotency on the provider side is what makes concurrent creation safe, so
// every component must use this one label.
const InstanceLabel = "swipe"

// Idle reaper thresholds. The VM is torn down once the last download has been
// finished for idleDestroyDelay, or when a VM has sat staleInstanceAge without
// any active work (leftover from a crash).
const (
	idleDestroyDelay = 5 * time.Minute
	staleInstanceAge = 30 * time.Minute
)

// defaultBootGrace is how long to wait after the VM reports running before
// pointing the daemon at it. cloud-init needs the time to bring the proxy
// daemons up.
const defaultBootGrace = 30 * time.Second

// Cloud is the slice of the Linode manager the proxy supervisor consumes.
type Cloud interface {
	Create(ctx context.Context, opts linode.CreateOptions) (*linode.Instance, error)
	GetByLabel(ctx context.Context, label string) (*linode.Instance, error)
	WaitUntilRunning(ctx context.Context, id int, timeout, poll time.Duration) (string, error)
	Delete(ctx context.Context, id int) (bool, error)
	DeleteAllByPrefix(ctx context.Context, prefix string) (int, error)
}

// ProxyConfig shapes the VM and carries the proxy credentials baked into its
// user data. Zero durations fall back to the defaults.
type ProxyConfig struct {
	Label         string
	Region        string
	Type          string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string
	HourlyCost    float64
	WaitTimeout   time.Duration
	PollInterval  time.Duration
	BootGrace     time.Duration
}

// ProxyInstance supervises the single cloud proxy VM: startup reconciliation,
// non-blocking provisioning for the confirm tick, idle teardown, and the
// daemon's global proxy setting.
//
// The store rows are the source of truth; the in-process provisioning flag
// only suppresses duplicate spawns. Even without it the provider's label
// idempotency keeps the VM singular.
type ProxyInstance struct {
	store  *store.Store
	cloud  Cloud
	daemon Daemon
	cfg    ProxyConfig
	logger *slog.Logger

	provisioning atomic.Bool
	wg           sync.WaitGroup

	nowFunc   func() time.Time
	sleepFunc func(context.Context, time.Duration) error
}

// NewProxyInstance wires a supervisor from its collaborators.
func NewProxyInstance(st *store.Store, cloud Cloud, daemon Daemon, cfg ProxyConfig, logger *slog.Logger) *ProxyInstance {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if cfg.Label == "" {
		cfg.Label = InstanceLabel
	}

	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = linode.DefaultWaitTimeout
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = linode.DefaultPollInterval
	}

	if cfg.BootGrace <= 0 {
		cfg.BootGrace = defaultBootGrace
	}

	return &ProxyInstance{
		store:     st,
		cloud:     cloud,
		daemon:    daemon,
		cfg:       cfg,
		logger:    logger,
		nowFunc:   time.Now,
		sleepFunc: timeSleep,
	}
}

// ReconcileOnStartup aligns local instance rows with the provider. A remote
// VM carrying our label is adopted (and, when running, the daemon proxy is
// re-applied with the fixed config credentials); when no remote VM exists,
// non-destroyed local rows are residue from a previous process and get
// retired.
func (p *ProxyInstance) ReconcileOnStartup(ctx context.Context) error {
	remote, err := p.cloud.GetByLabel(ctx, p.cfg.Label)

	switch {
	case errors.Is(err, linode.ErrNotFound):
		return p.retireResidualRows(ctx)
	case err != nil:
		return fmt.Errorf("looking up instance %q: %w", p.cfg.Label, err)
	}

	row, err := p.trackRemote(ctx, remote)
	if err != nil {
		return err
	}

	ipv4 := remote.PublicIPv4()
	if remote.Status != linode.StatusRunning || ipv4 == "" {
		p.logger.Info("proxy: adopted instance not running yet",
			slog.Int("provider_id", remote.ID), slog.String("status", remote.Status))
		return nil
	}

	if err := p.store.MarkInstanceRunning(ctx, row.ID, ipv4); err != nil {
		return err
	}

	// Credentials are fixed in config, so re-applying is safe even when a
	// previous process created the VM.
	if err := p.applyProxy(ctx, ipv4); err != nil {
		metrics.DaemonRPCErrors.Inc()
		p.logger.Warn("proxy: re-applying daemon proxy failed", slog.String("error", err.Error()))
	}

	p.logger.Info("proxy: adopted running instance",
		slog.Int("provider_id", remote.ID), slog.String("ipv4", ipv4))

	return nil
}

// trackRemote returns the live local row for the remote instance, creating
// one when the store has no record of it. An existing matching row is reused
// so its ready_at survives restarts.
func (p *ProxyInstance) trackRemote(ctx context.Context, remote *linode.Instance) (*store.Instance, error) {
	row, err := p.store.LiveInstance(ctx)
	if err == nil && row.ProviderID == int64(remote.ID) {
		return row, nil
	}

	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return p.store.CreateInstance(ctx, store.NewInstance{
		ProviderID:    int64(remote.ID),
		Label:         remote.Label,
		Region:        remote.Region,
		IPv4:          remote.PublicIPv4(),
		ProxyPort:     p.cfg.ProxyPort,
		ProxyUsername: p.cfg.ProxyUsername,
		ProxyPassword: p.cfg.ProxyPassword,
		HourlyCost:    p.cfg.HourlyCost,
	})
}

// retireResidualRows marks every non-destroyed local row DESTROYED. Called
// when the provider has no instance under our label, so there is nothing to
// delete remotely.
func (p *ProxyInstance) retireResidualRows(ctx context.Context) error {
	for {
		row, err := p.store.LiveInstance(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		if err := p.store.BeginDestroy(ctx, row.ID); err != nil {
			return err
		}

		if err := p.store.FinishDestroy(ctx, row.ID, p.minutesSince(row.ReadyAt)); err != nil {
			return err
		}

		p.logger.Info("proxy: retired residual instance row",
			slog.Int64("instance_id", row.ID), slog.Int64("provider_id", row.ProviderID))
	}
}

// EnsureAvailable returns the RUNNING instance row when one exists. Otherwise
// it spawns a background provisioning routine (unless one is already in
// flight) and returns nil without blocking; the caller retries next tick.
func (p *ProxyInstance) EnsureAvailable(ctx context.Context) (*store.Instance, error) {
	instance, err := p.store.RunningInstance(ctx)
	if err == nil {
		return instance, nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if !p.provisioning.CompareAndSwap(false, true) {
		p.logger.Debug("proxy: provisioning already in flight")
		return nil, nil
	}

	p.logger.Info("proxy: no running instance, provisioning", slog.String("label", p.cfg.Label))

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		p.provision(ctx)
	}()

	return nil, nil
}

// Wait blocks until any in-flight provisioning routine has returned. Called
// during shutdown after the scheduler drains.
func (p *ProxyInstance) Wait() {
	p.wg.Wait()
}

// provision creates the VM, waits for it to boot and points the daemon at it.
// Runs detached from the spawning tick. The provisioning flag is cleared on
// every exit path, panics included.
func (p *ProxyInstance) provision(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("proxy: provisioning panicked", slog.Any("panic", r))
		}

		p.provisioning.Store(false)
	}()

	start := p.nowFunc()

	remote, err := p.cloud.Create(ctx, linode.CreateOptions{
		Label:         p.cfg.Label,
		Region:        p.cfg.Region,
		Type:          p.cfg.Type,
		ProxyPort:     p.cfg.ProxyPort,
		ProxyUsername: p.cfg.ProxyUsername,
		ProxyPassword: p.cfg.ProxyPassword,
	})
	if err != nil {
		p.logger.Error("proxy: creating instance failed", slog.String("error", err.Error()))
		return
	}

	row, err := p.store.CreateInstance(ctx, store.NewInstance{
		ProviderID:    int64(remote.ID),
		Label:         remote.Label,
		Region:        remote.Region,
		IPv4:          remote.PublicIPv4(),
		ProxyPort:     p.cfg.ProxyPort,
		ProxyUsername: p.cfg.ProxyUsername,
		ProxyPassword: p.cfg.ProxyPassword,
		HourlyCost:    p.cfg.HourlyCost,
	})
	if err != nil {
		p.logger.Error("proxy: recording instance failed", slog.String("error", err.Error()))
		return
	}

	ipv4, err := p.cloud.WaitUntilRunning(ctx, remote.ID, p.cfg.WaitTimeout, p.cfg.PollInterval)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Shutdown mid-provision. The row stays PROVISIONING; the next
			// start reconciles it against the provider.
			p.logger.Info("proxy: provisioning interrupted", slog.Int("provider_id", remote.ID))
			return
		}

		p.logger.Error("proxy: instance never reached running",
			slog.Int("provider_id", remote.ID), slog.String("error", err.Error()))
		p.markZombie(ctx, row.ID)

		return
	}

	if err := p.store.MarkInstanceRunning(ctx, row.ID, ipv4); err != nil {
		p.logger.Error("proxy: recording running instance failed", slog.String("error", err.Error()))
		return
	}

	metrics.InstancesProvisioned.Inc()
	metrics.ProvisioningDuration.Observe(p.nowFunc().Sub(start).Seconds())
	p.logger.Info("proxy: instance running",
		slog.Int("provider_id", remote.ID), slog.String("ipv4", ipv4))

	// cloud-init is still installing the proxy daemons when the VM first
	// reports running.
	if err := p.sleepFunc(ctx, p.cfg.BootGrace); err != nil {
		return
	}

	if err := p.applyProxy(ctx, ipv4); err != nil {
		// Not fatal: the confirm tick re-applies on its next scan.
		metrics.DaemonRPCErrors.Inc()
		p.logger.Error("proxy: applying daemon proxy failed", slog.String("error", err.Error()))
	}
}

// Destroy tears the VM down unconditionally. Idempotent: with no live row it
// is a no-op. A failed remote delete parks the row in ZOMBIE for manual
// cleanup.
func (p *ProxyInstance) Destroy(ctx context.Context) error {
	row, err := p.store.LiveInstance(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	if err := p.store.BeginDestroy(ctx, row.ID); err != nil {
		return err
	}

	if _, err := p.cloud.Delete(ctx, int(row.ProviderID)); err != nil {
		if !errors.Is(err, linode.ErrNotFound) {
			p.logger.Error("proxy: remote delete failed",
				slog.Int64("provider_id", row.ProviderID), slog.String("error", err.Error()))
			p.markZombie(ctx, row.ID)

			return fmt.Errorf("deleting instance %d: %w", row.ProviderID, err)
		}

		// Already gone remotely; finish the local teardown.
		p.logger.Warn("proxy: remote instance already gone",
			slog.Int64("provider_id", row.ProviderID))
	}

	minutes := p.minutesSince(row.ReadyAt)

	if err := p.store.FinishDestroy(ctx, row.ID, minutes); err != nil {
		return err
	}

	if err := p.daemon.SetProxy(ctx, ""); err != nil {
		metrics.DaemonRPCErrors.Inc()
		p.logger.Warn("proxy: clearing daemon proxy failed", slog.String("error", err.Error()))
	}

	metrics.InstancesDestroyed.Inc()
	p.logger.Info("proxy: instance destroyed",
		slog.Int64("instance_id", row.ID),
		slog.Int64("provider_id", row.ProviderID),
		slog.Float64("total_minutes", minutes))

	return nil
}

// EmergencyDestroyAll is the panic button: it deletes every provider instance
// whose label starts with our label, force-retires all local rows and clears
// the daemon proxy. Tasks are left untouched so work can resume on a fresh VM
// later. Returns how many remote instances were deleted.
func (p *ProxyInstance) EmergencyDestroyAll(ctx context.Context) (int, error) {
	p.logger.Warn("proxy: emergency destroy requested", slog.String("prefix", p.cfg.Label))

	deleted, err := p.cloud.DeleteAllByPrefix(ctx, p.cfg.Label)
	if err != nil {
		return 0, fmt.Errorf("deleting instances by prefix %q: %w", p.cfg.Label, err)
	}

	retired, err := p.store.RetireAllInstances(ctx)
	if err != nil {
		return deleted, err
	}

	if err := p.daemon.SetProxy(ctx, ""); err != nil {
		metrics.DaemonRPCErrors.Inc()
		p.logger.Warn("proxy: clearing daemon proxy failed", slog.String("error", err.Error()))
	}

	metrics.InstancesDestroyed.Add(float64(deleted))
	p.logger.Warn("proxy: emergency destroy finished",
		slog.Int("deleted", deleted), slog.Int("retired_rows", retired))

	return deleted, nil
}

// ReapIdle destroys the VM once no task needs it anymore: either the last
// completed download is older than idleDestroyDelay, or nothing ever
// completed and the VM has idled past staleInstanceAge.
func (p *ProxyInstance) ReapIdle(ctx context.Context) error {
	row, err := p.store.LiveInstance(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	active, err := p.store.ActiveTaskCount(ctx)
	if err != nil {
		return err
	}

	if active > 0 {
		return nil
	}

	now := p.nowFunc()

	latest, ok, err := p.store.LatestCompletedAt(ctx)
	if err != nil {
		return err
	}

	if ok {
		idle := now.Sub(latest)
		if idle < idleDestroyDelay {
			return nil
		}

		p.logger.Info("proxy: no work since last completion, destroying",
			slog.Duration("idle", idle))

		return p.Destroy(ctx)
	}

	age := now.Sub(row.CreatedAt)
	if age < staleInstanceAge {
		return nil
	}

	p.logger.Info("proxy: stale instance with no work, destroying", slog.Duration("age", age))

	return p.Destroy(ctx)
}

// applyProxy points the daemon's global proxy at the VM.
func (p *ProxyInstance) applyProxy(ctx context.Context, ipv4 string) error {
	return p.daemon.SetProxy(ctx, p.proxyURL(ipv4))
}

// proxyURL builds the daemon's all-proxy value. The VM's user data runs an
// HTTP-compatible proxy alongside SOCKS5; aria2 speaks to that one.
func (p *ProxyInstance) proxyURL(ipv4 string) string {
	u := url.URL{
		Scheme: "http",
		User:   url.UserPassword(p.cfg.ProxyUsername, p.cfg.ProxyPassword),
		Host:   fmt.Sprintf("%s:%d", ipv4, linode.HTTPProxyPort(p.cfg.ProxyPort)),
	}

	return u.String()
}

func (p *ProxyInstance) markZombie(ctx context.Context, id int64) {
	if err := p.store.MarkZombie(ctx, id); err != nil {
		p.logger.Error("proxy: marking zombie failed",
			slog.Int64("instance_id", id), slog.String("error", err.Error()))
		return
	}

	metrics.InstancesZombied.Inc()
}

// minutesSince converts a row's runtime into billing minutes. Rows that never
// reached running cost zero.
func (p *ProxyInstance) minutesSince(readyAt time.Time) float64 {
	if readyAt.IsZero() {
		return 0
	}

	minutes := p.nowFunc().Sub(readyAt).Minutes()
	if minutes < 0 {
		return 0
	}

	return minutes
}

// timeSleep waits for d or until ctx is done.
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
