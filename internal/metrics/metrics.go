// Package metrics wires the agent's observable state to Prometheus,
// mirroring the teacher's private-registry-plus-promhttp-server pattern
// (metrics/metrics.go): a dedicated prometheus.Registry rather than the
// global default, a handful of Gauge/Counter/Histogram collectors for this
// domain's state, and a Start that serves them on their own listener
// alongside pprof.
package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgefog/agentd/internal/agentstate"
	"github.com/edgefog/agentd/internal/log"
)

var (
	// Registry is the private registry every collector below is bound to.
	// ControlAPI's own request metrics (HTTPCallCounter/HTTPLatency/
	// HTTPInFlight) are registered here too, so one /metrics endpoint
	// covers the whole process.
	Registry = prometheus.NewRegistry()

	// Role is 0=agent, 1=backup, 2=leader, matching agentstate.Role's
	// iota order so a Grafana panel can read it directly.
	Role = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentd_role",
		Help: "Current role of this node: 0=agent, 1=backup, 2=leader.",
	})

	// BackupCount is the Leader's live BackupTable size.
	BackupCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentd_backup_count",
		Help: "Number of active backups tracked by this leader.",
	})

	// BackupPriority is this node's last-known backup priority (Backup
	// role only; 0 otherwise).
	BackupPriority = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentd_backup_priority",
		Help: "This node's last-assigned backup priority, 0 if none.",
	})

	// TopologySize is the number of entries in the resolved area topology.
	TopologySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentd_topology_size",
		Help: "Number of devices known in the current area topology.",
	})

	// TriggerFailures counts ExternalTriggers calls that returned an
	// error or an unexpected status, labeled by the collaborator and
	// operation (e.g. "cau"/"authenticate", "cimi"/"check_started").
	TriggerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentd_trigger_failures_total",
		Help: "Number of ExternalTriggers calls that failed, by collaborator and operation.",
	}, []string{"collaborator", "operation"})

	// HTTPCallCounter counts ControlAPI requests by method and status,
	// the label set promhttp.InstrumentHandlerCounter recognizes.
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentd_http_requests_total",
		Help: "Number of ControlAPI HTTP requests received.",
	}, []string{"code", "method"})

	// HTTPLatency histograms ControlAPI request handling time.
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentd_http_request_duration_seconds",
		Help:    "Histogram of ControlAPI request latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// HTTPInFlight counts ControlAPI requests currently being served.
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentd_http_in_flight",
		Help: "Number of ControlAPI requests currently being served.",
	})

	registerOnce = false
)

// bind registers every collector exactly once. Safe to call repeatedly:
// calls after the first return nil without registering anything.
func bind() error {
	if registerOnce {
		return nil
	}
	registerOnce = true

	if err := Registry.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	if err := Registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return err
	}

	all := []prometheus.Collector{
		Role, BackupCount, BackupPriority, TopologySize, TriggerFailures,
		HTTPCallCounter, HTTPLatency, HTTPInFlight,
	}
	for _, c := range all {
		if err := Registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// SetRole mirrors the current role onto the Role gauge.
func SetRole(r agentstate.Role) {
	Role.Set(float64(r))
}

var (
	monitorMu     sync.Mutex
	activeMonitor *ThresholdMonitor
)

// SetFailureMonitor installs the ThresholdMonitor ObserveTriggerFailure
// reports into. Passing nil (the default) disables reporting.
func SetFailureMonitor(m *ThresholdMonitor) {
	monitorMu.Lock()
	activeMonitor = m
	monitorMu.Unlock()
}

// ObserveTriggerFailure increments TriggerFailures for one failed call and,
// if a ThresholdMonitor is installed, counts it toward that collaborator's
// rolling failure window.
func ObserveTriggerFailure(collaborator, operation string) {
	TriggerFailures.WithLabelValues(collaborator, operation).Inc()
	monitorMu.Lock()
	m := activeMonitor
	monitorMu.Unlock()
	if m != nil {
		m.Report(collaborator)
	}
}

// Start binds the registry (idempotent) and serves /metrics plus
// /debug/pprof on bindAddr. Returns nil, logging a warning, if the
// listener cannot be opened, the same "best effort, don't crash the agent
// over observability" stance the teacher's metrics.Start takes.
func Start(bindAddr string, log log.Logger) net.Listener {
	if err := bind(); err != nil {
		log.Warnw("metrics: registration failed", "err", err)
		return nil
	}
	if !strings.Contains(bindAddr, ":") {
		bindAddr = "localhost:" + bindAddr
	}
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		log.Warnw("metrics: listen failed", "addr", bindAddr, "err", err)
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry}))
	mux.Handle("/debug/pprof/", withProfile())
	mux.HandleFunc("/debug/gc", func(w http.ResponseWriter, _ *http.Request) {
		runtime.GC()
		fmt.Fprint(w, "GC run complete")
	})

	srv := &http.Server{Handler: mux}
	go func() {
		log.Warnw("metrics: server stopped", "err", srv.Serve(ln))
	}()
	return ln
}
