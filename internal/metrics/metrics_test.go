package metrics_test

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefog/agentd/internal/agentstate"
	"github.com/edgefog/agentd/internal/log"
	"github.com/edgefog/agentd/internal/metrics"
)

func TestSetRoleUpdatesGauge(t *testing.T) {
	metrics.SetRole(agentstate.RoleLeader)
	assert.InDelta(t, float64(agentstate.RoleLeader), testutil.ToFloat64(metrics.Role), 0.0001)
}

func TestObserveTriggerFailureIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(metrics.TriggerFailures.WithLabelValues("cau", "authenticate"))
	metrics.ObserveTriggerFailure("cau", "authenticate")
	after := testutil.ToFloat64(metrics.TriggerFailures.WithLabelValues("cau", "authenticate"))
	assert.Equal(t, before+1, after)
}

func TestStartServesMetricsEndpoint(t *testing.T) {
	ln := metrics.Start("127.0.0.1:0", log.DefaultLogger())
	require.NotNil(t, ln)
	defer ln.Close()

	url := "http://" + ln.Addr().String() + "/metrics"
	var resp *http.Response
	var err error
	require.Eventually(t, func() bool {
		resp, err = http.Get(url)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "agentd_role")
}
