package metrics

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgefog/agentd/internal/log"
)

// ThresholdMonitor aggregates ObserveTriggerFailure calls over a rolling
// period and logs once the number of distinct failing collaborators in
// that window crosses a threshold, or half of it. Adapted from the
// teacher's per-beacon ThresholdMonitor (metrics/threshold_monitor.go),
// reshaped around this agent's collaborator/operation failure labels
// instead of a per-address beacon failure set.
type ThresholdMonitor struct {
	mu        sync.Mutex
	log       log.Logger
	threshold int
	period    time.Duration
	clock     clockwork.Clock
	failures  map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewThresholdMonitor returns a monitor that checks its rolling failure set
// every period, against threshold.
func NewThresholdMonitor(l log.Logger, threshold int, period time.Duration, clock clockwork.Clock) *ThresholdMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ThresholdMonitor{
		log:       l,
		threshold: threshold,
		period:    period,
		clock:     clock,
		failures:  make(map[string]bool),
	}
}

// Start launches the monitor's periodic check loop. Safe to call once per
// monitor; call Stop before a second Start.
func (t *ThresholdMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	go t.run(ctx, done)
}

// Stop cancels the check loop and waits for it to exit.
func (t *ThresholdMonitor) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	t.cancel = nil
}

func (t *ThresholdMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.clock.After(t.period):
			t.check()
		}
	}
}

func (t *ThresholdMonitor) check() {
	t.mu.Lock()
	failing := make([]string, 0, len(t.failures))
	for k := range t.failures {
		failing = append(failing, k)
	}
	t.failures = make(map[string]bool)
	t.mu.Unlock()

	switch {
	case t.threshold > 0 && len(failing) >= t.threshold:
		t.log.Errorw("trigger failures crossed threshold in the last period",
			"threshold", t.threshold, "failures", len(failing), "collaborators", strings.Join(failing, ","))
	case t.threshold > 0 && len(failing) >= t.threshold/2:
		t.log.Warnw("trigger failures crossed half threshold in the last period",
			"threshold", t.threshold, "failures", len(failing), "collaborators", strings.Join(failing, ","))
	default:
		t.log.Debugw("trigger failure monitor healthy", "threshold", t.threshold, "failures", len(failing))
	}
}

// Report records one failed call against collaborator for the current
// window.
func (t *ThresholdMonitor) Report(collaborator string) {
	t.mu.Lock()
	t.failures[collaborator] = true
	t.mu.Unlock()
}
