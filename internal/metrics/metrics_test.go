package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(JobsEnqueued.WithLabelValues("progress"))
	JobsEnqueued.WithLabelValues("progress").Inc()
	require.Equal(t, before+1, testutil.ToFloat64(JobsEnqueued.WithLabelValues("progress")))
}

func TestRecordHelpers(t *testing.T) {
	RecordSchedulerRun("cron", true, 120*time.Millisecond)
	RecordPortalRequest("query", false, time.Second)
	require.GreaterOrEqual(t, testutil.CollectAndCount(SchedulerRunDuration), 1)
	require.GreaterOrEqual(t, testutil.CollectAndCount(PortalRequestDuration), 1)
}
