package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// InstanceStatus is the lifecycle state of a proxy VM row.
type InstanceStatus string

// Instance lifecycle states. DESTROYED and ZOMBIE are terminal; ZOMBIE marks
// a row whose remote deletion failed and needs manual cleanup.
const (
	InstanceProvisioning InstanceStatus = "PROVISIONING"
	InstanceRunning      InstanceStatus = "RUNNING"
	InstanceDestroying   InstanceStatus = "DESTROYING"
	InstanceDestroyed    InstanceStatus = "DESTROYED"
	InstanceZombie       InstanceStatus = "ZOMBIE"
)

// Instance is the local record of a cloud proxy VM.
type Instance struct {
	ID            int64
	ProviderID    int64
	Label         string
	Region        string
	IPv4          string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string
	Status        InstanceStatus
	CreatedAt     time.Time
	ReadyAt       time.Time // zero until the VM reports running
	DestroyedAt   time.Time // zero until destroyed
	TotalMinutes  float64
	HourlyCost    float64
}

// NewInstance carries the fields for recording a freshly created (or newly
// adopted) cloud VM.
type NewInstance struct {
	ProviderID    int64
	Label         string
	Region        string
	IPv4          string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string
	HourlyCost    float64
}

// CreateInstance records a PROVISIONING row for the given provider instance.
// The cloud provider enforces label idempotency, so a retried create can
// return a provider id we already have a terminal row for; the upsert revives
// that row instead of violating the provider_id index.
func (s *Store) CreateInstance(ctx context.Context, ni NewInstance) (*Instance, error) {
	now := s.now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances
			(provider_id, label, region, ipv4, proxy_port, proxy_username,
			 proxy_password, status, created_at, hourly_cost)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(provider_id) DO UPDATE SET
				label = excluded.label,
				region = excluded.region,
				ipv4 = excluded.ipv4,
				proxy_port = excluded.proxy_port,
				proxy_username = excluded.proxy_username,
				proxy_password = excluded.proxy_password,
				status = excluded.status,
				created_at = excluded.created_at,
				hourly_cost = excluded.hourly_cost,
				ready_at = NULL,
				destroyed_at = NULL,
				total_minutes = NULL`,
		ni.ProviderID, ni.Label, ni.Region, nullString(ni.IPv4),
		ni.ProxyPort, ni.ProxyUsername, ni.ProxyPassword,
		string(InstanceProvisioning), now.UnixNano(), ni.HourlyCost,
	)
	if err != nil {
		return nil, fmt.Errorf("store: inserting instance: %w", err)
	}

	inst, err := s.instanceByProviderID(ctx, ni.ProviderID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("instance recorded",
		slog.Int64("instance_id", inst.ID),
		slog.Int64("provider_id", ni.ProviderID),
		slog.String("label", ni.Label),
	)

	return inst, nil
}

// LiveInstance returns the newest non-terminal instance row, or ErrNotFound
// when no VM is provisioning, running or being destroyed.
func (s *Store) LiveInstance(ctx context.Context) (*Instance, error) {
	rows, err := s.queryInstances(ctx,
		`WHERE status IN (?, ?, ?) ORDER BY id DESC LIMIT 1`, "live",
		string(InstanceProvisioning), string(InstanceRunning), string(InstanceDestroying))
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("store: live instance: %w", ErrNotFound)
	}

	return &rows[0], nil
}

// RunningInstance returns the newest RUNNING instance row, or ErrNotFound.
func (s *Store) RunningInstance(ctx context.Context) (*Instance, error) {
	rows, err := s.queryInstances(ctx,
		`WHERE status = ? ORDER BY id DESC LIMIT 1`, "running",
		string(InstanceRunning))
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("store: running instance: %w", ErrNotFound)
	}

	return &rows[0], nil
}

// ZombieInstances returns rows whose remote deletion failed, oldest first.
func (s *Store) ZombieInstances(ctx context.Context) ([]Instance, error) {
	return s.queryInstances(ctx, `WHERE status = ? ORDER BY id`, "zombies",
		string(InstanceZombie))
}

// MarkInstanceRunning records that the VM reported running, storing its
// public address. ready_at is only stamped once so a re-adopted instance
// keeps its original ready time within a row's life.
func (s *Store) MarkInstanceRunning(ctx context.Context, id int64, ipv4 string) error {
	now := s.now()

	return s.guardedUpdate(ctx, "mark instance running",
		`UPDATE instances SET status = ?, ipv4 = ?, ready_at = COALESCE(ready_at, ?)
		 WHERE id = ? AND status IN (?, ?)`,
		string(InstanceRunning), ipv4, now.UnixNano(), id,
		string(InstanceProvisioning), string(InstanceRunning))
}

// BeginDestroy moves a live instance into DESTROYING. Calling it on a row
// already in DESTROYING is a no-op success, so destroy flows can resume after
// a crash.
func (s *Store) BeginDestroy(ctx context.Context, id int64) error {
	return s.guardedUpdate(ctx, "begin destroy",
		`UPDATE instances SET status = ? WHERE id = ? AND status IN (?, ?, ?)`,
		string(InstanceDestroying), id,
		string(InstanceProvisioning), string(InstanceRunning), string(InstanceDestroying))
}

// FinishDestroy retires a DESTROYING row to DESTROYED, stamping destroyed_at
// and the accumulated runtime in minutes.
func (s *Store) FinishDestroy(ctx context.Context, id int64, totalMinutes float64) error {
	now := s.now()

	return s.guardedUpdate(ctx, "finish destroy",
		`UPDATE instances SET status = ?, destroyed_at = ?, total_minutes = ?
		 WHERE id = ? AND status = ?`,
		string(InstanceDestroyed), now.UnixNano(), totalMinutes, id,
		string(InstanceDestroying))
}

// MarkZombie parks a non-terminal row in ZOMBIE after the provider refused to
// delete it. Zombies are surfaced on the dashboard until cleaned up manually.
func (s *Store) MarkZombie(ctx context.Context, id int64) error {
	return s.guardedUpdate(ctx, "mark zombie",
		`UPDATE instances SET status = ? WHERE id = ? AND status IN (?, ?, ?)`,
		string(InstanceZombie), id,
		string(InstanceProvisioning), string(InstanceRunning), string(InstanceDestroying))
}

// RetireAllInstances force-marks every non-DESTROYED row as DESTROYED and
// returns how many rows changed. Rows that reached RUNNING get their runtime
// accrued from ready_at so cost accounting survives the shortcut. This
// bypasses the per-row transition guards; only the emergency teardown and the
// destroy command use it.
func (s *Store) RetireAllInstances(ctx context.Context) (int, error) {
	now := s.now()

	result, err := s.db.ExecContext(ctx,
		`UPDATE instances
		 SET status = ?, destroyed_at = ?,
		     total_minutes = CASE
		       WHEN ready_at IS NOT NULL THEN (? - ready_at) / 60000000000.0
		       ELSE total_minutes
		     END
		 WHERE status != ?`,
		string(InstanceDestroyed), now.UnixNano(), now.UnixNano(),
		string(InstanceDestroyed))
	if err != nil {
		return 0, fmt.Errorf("store: retiring all instances: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: retire rows affected: %w", err)
	}

	if n > 0 {
		s.logger.Warn("all instance rows retired", slog.Int64("rows", n))
	}

	return int(n), nil
}

// CostSince sums the cost of instances destroyed at or after the given time,
// in the provider's billing currency. Live instances are not included; the
// caller adds their accrued runtime from ready_at.
func (s *Store) CostSince(ctx context.Context, since time.Time) (float64, error) {
	var cost sql.NullFloat64

	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(total_minutes / 60.0 * hourly_cost) FROM instances
		 WHERE status = ? AND destroyed_at >= ?`,
		string(InstanceDestroyed), since.UnixNano()).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("store: summing instance cost: %w", err)
	}

	return cost.Float64, nil
}

// instanceByProviderID returns the row recorded for a provider instance id.
func (s *Store) instanceByProviderID(ctx context.Context, providerID int64) (*Instance, error) {
	rows, err := s.queryInstances(ctx, `WHERE provider_id = ?`, "by provider id", providerID)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("store: instance with provider id %d: %w", providerID, ErrNotFound)
	}

	return &rows[0], nil
}

const instanceSelectCols = `SELECT id, provider_id, label, region, ipv4, proxy_port,
	proxy_username, proxy_password, status, created_at, ready_at, destroyed_at,
	total_minutes, hourly_cost
 FROM instances `

func (s *Store) queryInstances(ctx context.Context, whereClause, desc string, args ...any) ([]Instance, error) {
	query := instanceSelectCols + whereClause

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: instances %s: %w", desc, err)
	}
	defer rows.Close()

	var result []Instance

	for rows.Next() {
		inst, scanErr := scanInstanceRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		result = append(result, *inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating instances %s: %w", desc, err)
	}

	return result, nil
}

func scanInstanceRow(rows *sql.Rows) (*Instance, error) {
	var (
		inst         Instance
		ipv4         sql.NullString
		status       string
		createdAt    int64
		readyAt      sql.NullInt64
		destroyedAt  sql.NullInt64
		totalMinutes sql.NullFloat64
	)

	err := rows.Scan(
		&inst.ID, &inst.ProviderID, &inst.Label, &inst.Region, &ipv4,
		&inst.ProxyPort, &inst.ProxyUsername, &inst.ProxyPassword, &status,
		&createdAt, &readyAt, &destroyedAt, &totalMinutes, &inst.HourlyCost,
	)
	if err != nil {
		return nil, fmt.Errorf("store: scanning instance row: %w", err)
	}

	inst.IPv4 = ipv4.String
	inst.Status = InstanceStatus(status)
	inst.CreatedAt = time.Unix(0, createdAt)
	inst.ReadyAt = nsToTime(readyAt)
	inst.DestroyedAt = nsToTime(destroyedAt)
	inst.TotalMinutes = totalMinutes.Float64

	return &inst, nil
}
