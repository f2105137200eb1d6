package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loccen/tinder-swipe/internal/store"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task counts, proxy VM state, and recent errors",
		Long: `Display a snapshot of the orchestrator: whether the daemon is running,
task counts by status, the live proxy VM (if any), and the most recent
failed tasks.

Reads the database directly, so it works alongside a running daemon.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}

	cmd.Flags().Bool("json", false, "output in JSON format")

	return cmd
}

// statusReport is the full status snapshot, shaped for JSON output.
type statusReport struct {
	Daemon   statusDaemon    `json:"daemon"`
	LastTick *time.Time      `json:"last_tick,omitempty"`
	Tasks    map[string]int  `json:"tasks"`
	Instance *statusInstance `json:"instance"`
	Zombies  int             `json:"zombies"`
	Errors   []statusError   `json:"recent_errors"`
}

type statusDaemon struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

type statusInstance struct {
	ProviderID    int64   `json:"provider_id"`
	Label         string  `json:"label"`
	Status        string  `json:"status"`
	IPAddress     string  `json:"ip_address,omitempty"`
	UptimeMinutes int     `json:"uptime_minutes"`
	EstimatedCost float64 `json:"estimated_cost"`
}

type statusError struct {
	ID      int64  `json:"id"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}

// statusOrder fixes the display order of task counts; maps iterate randomly.
var statusOrder = []store.TaskStatus{
	store.TaskPending,
	store.TaskConfirmed,
	store.TaskTransferring,
	store.TaskDownloading,
	store.TaskComplete,
	store.TaskError,
	store.TaskIgnored,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg
	dbPath := cfg.Core.DatabasePath

	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		fmt.Printf("No database at %s. Run 'tinder-swipe serve' to create one.\n", dbPath)

		return nil
	}

	st, err := store.Open(dbPath, appLogger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctx := cmd.Context()

	report := statusReport{
		Daemon: checkDaemon(filepath.Join(filepath.Dir(dbPath), pidFileName)),
		Tasks:  map[string]int{},
	}

	counts, err := st.StatusCounts(ctx)
	if err != nil {
		return fmt.Errorf("reading task counts: %w", err)
	}

	for status, n := range counts {
		report.Tasks[string(status)] = n
	}

	if raw, err := st.Setting(ctx, store.SettingSchedulerHeartbeat); err == nil {
		if ts, perr := time.Parse(time.RFC3339, raw); perr == nil {
			report.LastTick = &ts
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reading scheduler heartbeat: %w", err)
	}

	live, err := st.LiveInstance(ctx)

	switch {
	case err == nil:
		report.Instance = buildInstanceStatus(live)
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("reading instance state: %w", err)
	}

	zombies, err := st.ZombieInstances(ctx)
	if err != nil {
		return fmt.Errorf("reading zombie instances: %w", err)
	}

	report.Zombies = len(zombies)

	failed, err := st.TasksByStatus(ctx, store.TaskError, 5, 0)
	if err != nil {
		return fmt.Errorf("reading failed tasks: %w", err)
	}

	for _, task := range failed {
		report.Errors = append(report.Errors, statusError{
			ID:      task.ID,
			Title:   task.Title,
			Message: task.ErrorMessage,
		})
	}

	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return printStatusJSON(&report)
	}

	printStatusText(&report)

	return nil
}

// checkDaemon reads the PID file and probes the process with signal 0.
// A stale PID file (process gone) reports not running.
func checkDaemon(pidPath string) statusDaemon {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return statusDaemon{}
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return statusDaemon{}
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return statusDaemon{}
	}

	return statusDaemon{Running: true, PID: pid}
}

func buildInstanceStatus(inst *store.Instance) *statusInstance {
	si := &statusInstance{
		ProviderID: inst.ProviderID,
		Label:      inst.Label,
		Status:     string(inst.Status),
		IPAddress:  inst.IPv4,
	}

	if !inst.ReadyAt.IsZero() {
		si.UptimeMinutes = int(time.Since(inst.ReadyAt).Minutes())
		si.EstimatedCost = inst.HourlyCost * float64(si.UptimeMinutes) / 60
	}

	return si
}

func printStatusJSON(report *statusReport) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printStatusText(report *statusReport) {
	if report.Daemon.Running {
		fmt.Printf("Daemon:   running (pid %d)\n", report.Daemon.PID)
	} else {
		fmt.Println("Daemon:   not running")
	}

	if report.LastTick != nil {
		fmt.Printf("Last tick: %s ago\n", time.Since(*report.LastTick).Truncate(time.Second))
	}

	fmt.Println("Tasks:")

	total := 0

	for _, status := range statusOrder {
		n := report.Tasks[string(status)]
		total += n
		fmt.Printf("  %-13s %d\n", status, n)
	}

	fmt.Printf("  %-13s %d\n", "total", total)

	if report.Instance != nil {
		inst := report.Instance
		fmt.Printf("Proxy VM: %s %s (id %d", inst.Status, inst.Label, inst.ProviderID)

		if inst.IPAddress != "" {
			fmt.Printf(", %s", inst.IPAddress)
		}

		if inst.UptimeMinutes > 0 || inst.Status == string(store.InstanceRunning) {
			fmt.Printf(", up %dm, ~$%.4f", inst.UptimeMinutes, inst.EstimatedCost)
		}

		fmt.Println(")")
	} else {
		fmt.Println("Proxy VM: none")
	}

	if report.Zombies > 0 {
		fmt.Printf("Zombies:  %d awaiting cleanup retry\n", report.Zombies)
	}

	if len(report.Errors) > 0 {
		fmt.Println("Recent errors:")

		for _, e := range report.Errors {
			label := e.Title
			if label == "" {
				label = "(untitled)"
			}

			fmt.Printf("  #%-5d %-30s %s\n", e.ID, label, e.Message)
		}
	}
}
