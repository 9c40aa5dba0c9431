package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerObserveDuration(t *testing.T) {
	sampleCount := func() uint64 {
		m := &dto.Metric{}
		require.NoError(t, PulseLatency.Write(m))
		return m.GetHistogram().GetSampleCount()
	}
	before := sampleCount()

	timer := NewTimer()
	time.Sleep(time.Millisecond)
	timer.ObserveDuration(PulseLatency)

	after := sampleCount()
	assert.Equal(t, before+1, after)
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(PulsesSentTotal)
	PulsesSentTotal.Inc()
	after := testutil.ToFloat64(PulsesSentTotal)
	assert.Equal(t, before+1, after)
}

func TestHandlerNotNil(t *testing.T) {
	require.NotNil(t, Handler())
}
