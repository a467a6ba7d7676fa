package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmfleet/swarmd/pkg/ident"
	"github.com/swarmfleet/swarmd/pkg/models"
)

func TestRingPushAndLatest(t *testing.T) {
	r := NewRing(3)
	_, ok := r.Latest()
	assert.False(t, ok)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		r.Push(models.MetricsSample{Timestamp: base.Add(time.Duration(i) * time.Second), QueueLen: i})
	}

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, 4, latest.QueueLen)
	assert.Equal(t, 3, r.Len())
}

func TestRingWindowOrdered(t *testing.T) {
	r := NewRing(4)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		r.Push(models.MetricsSample{Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	window := r.Window(3)
	require.Len(t, window, 3)
	for i := 1; i < len(window); i++ {
		assert.True(t, !window[i].Timestamp.Before(window[i-1].Timestamp),
			"samples must be in non-decreasing timestamp order")
	}
	assert.Equal(t, base.Add(5*time.Second), window[2].Timestamp)

	// Asking for more than stored returns what exists.
	assert.Len(t, r.Window(100), 4)
}

// stubSource feeds fixed status and completion numbers.
type stubSource struct {
	status models.SwarmStatus
	comp   models.CompletionStats
}

func (s *stubSource) GetStatus() models.SwarmStatus              { return s.status }
func (s *stubSource) CompletionStats(int) models.CompletionStats { return s.comp }

type stubProber struct{ cpu, mem float64 }

func (p stubProber) Probe() (float64, float64, error) { return p.cpu, p.mem, nil }

func newStubCollector(interval time.Duration, src *stubSource) *Collector {
	return NewCollector(src, stubProber{cpu: 42, mem: 21}, NewRing(10), nil, ident.RealClock{}, interval)
}

func TestSampleOncePopulatesRing(t *testing.T) {
	src := &stubSource{
		status: models.SwarmStatus{
			QueueLength: 7,
			AgentsByStatus: map[models.AgentStatus]int{
				models.AgentBusy: 2,
				models.AgentIdle: 3,
			},
		},
		comp: models.CompletionStats{
			ResponseTimeP50: 250 * time.Millisecond,
			ErrorRatePct:    10,
			CompletedTotal:  9,
			FailedTotal:     1,
		},
	}
	c := newStubCollector(time.Minute, src)

	sample := c.SampleOnce()
	assert.Equal(t, 42.0, sample.CPUPct)
	assert.Equal(t, 21.0, sample.MemPct)
	assert.Equal(t, 7, sample.QueueLen)
	assert.Equal(t, 2, sample.ActiveAgents)
	assert.Equal(t, 3, sample.IdleAgents)
	assert.Equal(t, 250*time.Millisecond, sample.ResponseTime)

	latest, ok := c.Ring().Latest()
	require.True(t, ok)
	assert.Equal(t, sample, latest)
}

func TestThroughputDelta(t *testing.T) {
	src := &stubSource{}
	c := newStubCollector(time.Minute, src)

	// First sample has no baseline.
	src.comp.CompletedTotal = 10
	s := c.SampleOnce()
	assert.Zero(t, s.ThroughputTPM)

	// Ten more completions over one interval of a minute.
	src.comp.CompletedTotal = 20
	s = c.SampleOnce()
	assert.InDelta(t, 10.0, s.ThroughputTPM, 0.01)
}

func TestPrometheusExport(t *testing.T) {
	src := &stubSource{
		status: models.SwarmStatus{QueueLength: 4},
		comp:   models.CompletionStats{CompletedTotal: 3, FailedTotal: 1},
	}
	c := newStubCollector(time.Minute, src)
	c.SampleOnce()

	assert.Equal(t, 4.0, testutil.ToFloat64(c.gauges.queueLen))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.gauges.cpuPct))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.counters.completed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.counters.failed))

	// Counters only ever move forward.
	src.comp.CompletedTotal = 2
	c.SampleOnce()
	assert.Equal(t, 3.0, testutil.ToFloat64(c.counters.completed))
}

func TestCollectorLoop(t *testing.T) {
	src := &stubSource{}
	c := newStubCollector(10*time.Millisecond, src)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		return c.Ring().Len() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}
