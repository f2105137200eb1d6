package httpapi

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/loccen/tinder-swipe/internal/store"
)

// dashboardResponse is the operator's single-call overview.
type dashboardResponse struct {
	Stats       dashboardStats `json:"stats"`
	Linode      linodeStatus   `json:"linode"`
	Aria2       aria2Stats     `json:"aria2"`
	MonthlyCost float64        `json:"monthly_cost"`
	DiskUsage   diskUsage      `json:"disk_usage"`
}

type dashboardStats struct {
	PendingCount      int `json:"pending_count"`
	ConfirmedCount    int `json:"confirmed_count"`
	TransferringCount int `json:"transferring_count"`
	DownloadingCount  int `json:"downloading_count"`
	CompletedCount    int `json:"completed_count"`
	IgnoredCount      int `json:"ignored_count"`
	ErrorCount        int `json:"error_count"`
}

type linodeStatus struct {
	IsRunning     bool    `json:"is_running"`
	LinodeID      int64   `json:"linode_id,omitempty"`
	IPAddress     string  `json:"ip_address,omitempty"`
	UptimeMinutes int     `json:"uptime_minutes"`
	EstimatedCost float64 `json:"estimated_cost"`
	ZombieCount   int     `json:"zombie_count"`
}

// aria2Stats carries the daemon's transfer snapshot in bytes per second and
// task counts. Zeros when the daemon is unreachable.
type aria2Stats struct {
	DownloadSpeed int64 `json:"download_speed"`
	UploadSpeed   int64 `json:"upload_speed"`
	ActiveCount   int64 `json:"active_count"`
	WaitingCount  int64 `json:"waiting_count"`
	StoppedCount  int64 `json:"stopped_count"`
}

type diskUsage struct {
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

type emergencyDestroyResponse struct {
	Message        string `json:"message"`
	DestroyedCount int    `json:"destroyed_count"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := s.store.StatusCounts(ctx)
	if err != nil {
		s.internalError(w, "counting tasks", err)
		return
	}

	resp := dashboardResponse{
		Stats: dashboardStats{
			PendingCount:      counts[store.TaskPending],
			ConfirmedCount:    counts[store.TaskConfirmed],
			TransferringCount: counts[store.TaskTransferring],
			DownloadingCount:  counts[store.TaskDownloading],
			CompletedCount:    counts[store.TaskComplete],
			IgnoredCount:      counts[store.TaskIgnored],
			ErrorCount:        counts[store.TaskError],
		},
		DiskUsage: downloadDiskUsage(s.downloadDir),
	}

	now := time.Now()

	running, err := s.store.RunningInstance(ctx)
	switch {
	case err == nil:
		uptime := 0
		if !running.ReadyAt.IsZero() {
			uptime = int(now.Sub(running.ReadyAt).Minutes())
		}

		resp.Linode = linodeStatus{
			IsRunning:     true,
			LinodeID:      running.ProviderID,
			IPAddress:     running.IPv4,
			UptimeMinutes: uptime,
			EstimatedCost: running.HourlyCost * float64(uptime) / 60,
		}
	case !errors.Is(err, store.ErrNotFound):
		s.internalError(w, "loading running instance", err)
		return
	}

	zombies, err := s.store.ZombieInstances(ctx)
	if err != nil {
		s.internalError(w, "loading zombie instances", err)
		return
	}

	resp.Linode.ZombieCount = len(zombies)

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	monthly, err := s.store.CostSince(ctx, monthStart)
	if err != nil {
		s.internalError(w, "summing monthly cost", err)
		return
	}

	// Destroyed rows carry their cost in total_minutes; the live VM has not
	// been billed into a row yet, so add its accrual on top.
	monthly += resp.Linode.EstimatedCost
	resp.MonthlyCost = math.Round(monthly*10000) / 10000

	if s.daemon != nil {
		if stat, err := s.daemon.GetGlobalStat(ctx); err == nil {
			resp.Aria2 = aria2Stats{
				DownloadSpeed: atoi64(stat.DownloadSpeed),
				UploadSpeed:   atoi64(stat.UploadSpeed),
				ActiveCount:   atoi64(stat.NumActive),
				WaitingCount:  atoi64(stat.NumWaiting),
				StoppedCount:  atoi64(stat.NumStopped),
			}
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEmergencyDestroy(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.destroyer.EmergencyDestroyAll(r.Context())
	if err != nil {
		s.internalError(w, "emergency destroy", err)
		return
	}

	s.writeJSON(w, http.StatusOK, emergencyDestroyResponse{
		Message:        fmt.Sprintf("已销毁 %d 个实例", deleted),
		DestroyedCount: deleted,
	})
}

// handlePreview serves one collector-saved preview image by file name.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, filepath.Join(s.previewsDir, name))
}

// downloadDiskUsage reports the download volume's fill level, zeros when the
// path cannot be statted.
func downloadDiskUsage(dir string) diskUsage {
	usage, err := disk.Usage(dir)
	if err != nil {
		return diskUsage{}
	}

	const gb = 1024 * 1024 * 1024

	return diskUsage{
		UsedGB:  float64(usage.Used) / gb,
		FreeGB:  float64(usage.Free) / gb,
		TotalGB: float64(usage.Total) / gb,
		Percent: usage.UsedPercent,
	}
}

// atoi64 parses aria2's stringly-typed numbers, zero on garbage.
func atoi64(raw string) int64 {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}

	return n
}
