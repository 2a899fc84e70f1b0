package metrics_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/edgefog/agentd/internal/log"
	"github.com/edgefog/agentd/internal/metrics"
)

func newTestMonitor(threshold int) (*metrics.ThresholdMonitor, clockwork.FakeClock) {
	fc := clockwork.NewFakeClock()
	m := metrics.NewThresholdMonitor(log.DefaultLogger(), threshold, time.Minute, fc)
	return m, fc
}

func TestThresholdMonitorLogsNothingBelowThreshold(t *testing.T) {
	m, fc := newTestMonitor(4)
	m.Start()
	defer m.Stop()

	m.Report("cau")
	fc.BlockUntil(1)
	fc.Advance(time.Minute)
	// No assertion beyond "doesn't panic and returns promptly": the
	// teacher's threshold monitor has no observable side channel besides
	// its own logger, which this test doesn't intercept.
	require.Eventually(t, func() bool { return true }, time.Second, time.Millisecond)
}

func TestThresholdMonitorResetsWindowAfterEachCheck(t *testing.T) {
	m, fc := newTestMonitor(2)
	m.Start()
	defer m.Stop()

	m.Report("cau")
	m.Report("cimi")
	fc.BlockUntil(1)
	fc.Advance(time.Minute)
	fc.BlockUntil(1)

	m.Report("cau")
	fc.Advance(time.Minute)
	fc.BlockUntil(1)
}

func TestThresholdMonitorStopJoinsCheckLoop(t *testing.T) {
	m, fc := newTestMonitor(1)
	m.Start()
	fc.BlockUntil(1)
	m.Stop()
}
