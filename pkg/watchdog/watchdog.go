// Package watchdog tracks service liveness and escalates sustained outages
// to the human-readable alert file under Updates/.
package watchdog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/castellan-labs/castellan/pkg/audit"
	"github.com/castellan-labs/castellan/pkg/vault"
)

// AlertsFile is the append-only alert log under Updates/.
const AlertsFile = "ALERTS.md"

// Watchdog counts consecutive missed heartbeats per service and writes one
// alert block when a service crosses the threshold. A recovered service
// re-arms its alert.
type Watchdog struct {
	layout    *vault.Layout
	auditor   *audit.Logger
	threshold int
	now       func() time.Time
	log       *slog.Logger

	mu      sync.Mutex
	misses  map[string]int
	alerted map[string]bool
}

// New creates a watchdog alerting after threshold consecutive misses.
// auditor may be nil.
func New(layout *vault.Layout, auditor *audit.Logger, threshold int) *Watchdog {
	if threshold < 1 {
		threshold = 3
	}
	return &Watchdog{
		layout:    layout,
		auditor:   auditor,
		threshold: threshold,
		now:       time.Now,
		log:       slog.Default().With("component", "watchdog"),
		misses:    make(map[string]int),
		alerted:   make(map[string]bool),
	}
}

// WithClock overrides the clock for deterministic testing.
func (w *Watchdog) WithClock(now func() time.Time) *Watchdog {
	w.now = now
	return w
}

// Beat records a successful heartbeat.
func (w *Watchdog) Beat(service string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.alerted[service] {
		w.log.Info("service recovered", "service", service)
		w.appendAlert(service, "recovered", "service is responding again")
	}
	w.misses[service] = 0
	w.alerted[service] = false
}

// Miss records a failed heartbeat and alerts at the threshold.
func (w *Watchdog) Miss(service string, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.misses[service]++
	if w.misses[service] >= w.threshold && !w.alerted[service] {
		w.alerted[service] = true
		w.log.Warn("service down", "service", service, "misses", w.misses[service], "reason", reason)
		w.appendAlert(service, "down", reason)
		if w.auditor != nil {
			w.auditor.Log(audit.ActorErrorDetector, audit.ActionSystemStatus, false, map[string]any{
				"service": service,
				"misses":  w.misses[service],
			}, reason, "")
		}
	}
}

// Observe folds a health-probe result set into the heartbeat counters.
func (w *Watchdog) Observe(status map[string]error) {
	for service, err := range status {
		if err == nil {
			w.Beat(service)
		} else {
			w.Miss(service, err.Error())
		}
	}
}

// Misses returns the current consecutive-miss count for a service.
func (w *Watchdog) Misses(service string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.misses[service]
}

// appendAlert writes one alert block. Called with the mutex held; failures
// are logged, never propagated.
func (w *Watchdog) appendAlert(service, state, detail string) {
	path := filepath.Join(w.layout.Updates(), AlertsFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		w.log.Error("alert write failed", "error", err)
		return
	}
	block := fmt.Sprintf("\n## %s — %s %s\n\n%s\n",
		w.now().Format(time.RFC3339), service, state, detail)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		w.log.Error("alert write failed", "error", err)
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(block); err != nil {
		w.log.Error("alert write failed", "error", err)
	}
}
