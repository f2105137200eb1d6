// Package metrics exposes the process-wide Prometheus collectors. All
// components record into these package-level vectors; the HTTP layer serves
// them via Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TaskTransitions counts task state machine transitions by edge.
	TaskTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swipe_task_transitions_total",
			Help: "Task state transitions by source and target status",
		},
		[]string{"from", "to"},
	)

	// TasksByStatus tracks the current number of tasks in each status.
	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swipe_tasks",
			Help: "Current number of tasks by status",
		},
		[]string{"status"},
	)

	// InstancesProvisioned counts proxy VMs that reached RUNNING.
	InstancesProvisioned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swipe_instances_provisioned_total",
			Help: "Proxy VMs successfully provisioned",
		},
	)

	// InstancesDestroyed counts proxy VMs torn down cleanly.
	InstancesDestroyed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swipe_instances_destroyed_total",
			Help: "Proxy VMs destroyed",
		},
	)

	// InstancesZombied counts rows parked in ZOMBIE after a failed delete or
	// a provisioning timeout.
	InstancesZombied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swipe_instances_zombied_total",
			Help: "Proxy VM rows marked ZOMBIE needing manual cleanup",
		},
	)

	// ProvisioningDuration observes the time from instance creation to RUNNING.
	ProvisioningDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "swipe_provisioning_duration_seconds",
			Help:    "Time from create_instance to the VM reporting running",
			Buckets: []float64{15, 30, 60, 90, 120, 180, 240, 300},
		},
	)

	// DaemonRPCErrors counts failed download-daemon RPC calls.
	DaemonRPCErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swipe_daemon_rpc_errors_total",
			Help: "Failed aria2 RPC calls",
		},
	)
)

func init() {
	prometheus.MustRegister(TaskTransitions)
	prometheus.MustRegister(TasksByStatus)
	prometheus.MustRegister(InstancesProvisioned)
	prometheus.MustRegister(InstancesDestroyed)
	prometheus.MustRegister(InstancesZombied)
	prometheus.MustRegister(ProvisioningDuration)
	prometheus.MustRegister(DaemonRPCErrors)
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
