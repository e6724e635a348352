// Package stats tracks the scheduler's running counters (connections,
// connection time, process starts/shutdowns) and exposes them two ways:
// as Prometheus gauges/counters for scraping, and as a formatted summary
// for the SIGUSR1 log dump described in spec section 4.7. It also
// provides the SIGUSR2 registry dump.
package stats

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/mevdschee/fcgisched/internal/registry"
)

// Stats accumulates the scheduler's running counters.
type Stats struct {
	mu              sync.Mutex
	startedAt       time.Time
	connections     int64
	connectionTime  time.Duration
	processStarted  int64
	processShutdown int64

	connectionsTotal     prometheus.Counter
	connectionSeconds    prometheus.Counter
	processStartedTotal  prometheus.Counter
	processShutdownTotal prometheus.Counter
	uptimeSeconds        prometheus.Gauge
}

// New creates a Stats tracker and registers its Prometheus metrics with
// the default registerer.
func New() *Stats {
	return &Stats{
		startedAt: time.Now(),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fcgisched_connections_total",
			Help: "Total client connections dispatched.",
		}),
		connectionSeconds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fcgisched_connection_seconds_total",
			Help: "Cumulative wall time spent serving connections.",
		}),
		processStartedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fcgisched_process_started_total",
			Help: "Total worker processes spawned.",
		}),
		processShutdownTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fcgisched_process_shutdown_total",
			Help: "Total worker processes retired through the shutdown queue.",
		}),
		uptimeSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fcgisched_uptime_seconds",
			Help: "Seconds since the scheduler started.",
		}),
	}
}

// AddConnection records one finished connection and the wall time it took.
func (s *Stats) AddConnection(elapsed time.Duration) {
	s.mu.Lock()
	s.connections++
	s.connectionTime += elapsed
	s.mu.Unlock()

	s.connectionsTotal.Inc()
	s.connectionSeconds.Add(elapsed.Seconds())
}

// AddProcessStarted records n newly spawned worker processes.
func (s *Stats) AddProcessStarted(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.processStarted += int64(n)
	s.mu.Unlock()
	s.processStartedTotal.Add(float64(n))
}

// AddProcessShutdown records n workers retired through the shutdown queue.
func (s *Stats) AddProcessShutdown(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.processShutdown += int64(n)
	s.mu.Unlock()
	s.processShutdownTotal.Add(float64(n))
}

type snapshot struct {
	uptime          time.Duration
	connections     int64
	connectionTime  time.Duration
	processStarted  int64
	processShutdown int64
}

func (s *Stats) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot{
		uptime:          time.Since(s.startedAt),
		connections:     s.connections,
		connectionTime:  s.connectionTime,
		processStarted:  s.processStarted,
		processShutdown: s.processShutdown,
	}
}

// LogSummary emits the SIGUSR1 statistics dump, matching the original
// scheduler's printlog("Statistics: ...") shape: uptime, process
// started/shutdown counts, connection count and average connection time.
func (s *Stats) LogSummary(log *logrus.Entry) {
	snap := s.snapshot()
	s.uptimeSeconds.Set(snap.uptime.Seconds())

	entry := log.WithFields(logrus.Fields{
		"uptime":           snap.uptime.Round(time.Millisecond).String(),
		"process_started":  snap.processStarted,
		"process_shutdown": snap.processShutdown,
		"connections":      snap.connections,
	})
	if snap.connections > 0 {
		avg := snap.connectionTime / time.Duration(snap.connections)
		entry = entry.WithField("avg_connection_time", avg.Round(time.Millisecond).String())
	}
	entry.Info("statistics")
}

// DumpRegistry emits the SIGUSR2 process registry dump: every project and
// its workers, grouped by list and state.
func DumpRegistry(reg *registry.Registry, log *logrus.Entry) {
	for _, p := range reg.Projects() {
		workers := reg.ListByProject(p.Name)
		var lines []string
		for _, w := range workers {
			lines = append(lines, fmt.Sprintf("pid=%d state=%s list=%s socket=%s", w.PID, w.State, w.List, w.Socket))
		}
		log.WithFields(logrus.Fields{
			"project":  p.Name,
			"disabled": p.Disabled,
			"crashes":  p.CrashCount(),
			"workers":  len(workers),
		}).Infof("registry dump: %s", strings.Join(lines, "; "))
	}
}
