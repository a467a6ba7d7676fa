package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/swarmfleet/swarmd/pkg/bus"
	"github.com/swarmfleet/swarmd/pkg/ident"
	"github.com/swarmfleet/swarmd/pkg/models"
)

// completionWindow is how many recent terminal tasks feed the p50 and
// error-rate figures.
const completionWindow = 100

// throughputSamples is how many trailing samples the tasks-per-minute
// figure spans.
const throughputSamples = 5

// Source is the slice of the coordinator the collector samples.
type Source interface {
	GetStatus() models.SwarmStatus
	CompletionStats(lastN int) models.CompletionStats
}

// Prober reads host CPU and memory utilization.
type Prober interface {
	Probe() (cpuPct, memPct float64, err error)
}

// HostProber samples the local machine.
type HostProber struct{}

// Probe returns instantaneous CPU and virtual-memory utilization.
func (HostProber) Probe() (float64, float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, err
	}
	cpuPct := 0.0
	if len(percents) > 0 {
		cpuPct = percents[0]
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return cpuPct, vm.UsedPercent, nil
}

// Collector periodically samples the coordinator and host into the ring
// and mirrors the latest values into Prometheus gauges. Consumers pull
// from the ring; nothing is pushed.
type Collector struct {
	source   Source
	prober   Prober
	ring     *Ring
	eventBus *bus.Bus
	clock    ident.Clock
	interval time.Duration
	logger   *slog.Logger

	// completedAtSample records CompletedTotal at each sample for the
	// throughput delta; only the producer loop touches it.
	completedAtSample []int

	registry *prometheus.Registry
	gauges   struct {
		cpuPct       prometheus.Gauge
		memPct       prometheus.Gauge
		queueLen     prometheus.Gauge
		activeAgents prometheus.Gauge
		idleAgents   prometheus.Gauge
		throughput   prometheus.Gauge
		responseTime prometheus.Gauge
		errorRate    prometheus.Gauge
	}
	counters struct {
		completed prometheus.Counter
		failed    prometheus.Counter
	}
	lastCompleted int
	lastFailed    int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector builds a collector sampling source every interval.
func NewCollector(source Source, prober Prober, ring *Ring, eventBus *bus.Bus, clock ident.Clock, interval time.Duration) *Collector {
	if prober == nil {
		prober = HostProber{}
	}
	c := &Collector{
		source:   source,
		prober:   prober,
		ring:     ring,
		eventBus: eventBus,
		clock:    clock,
		interval: interval,
		logger:   slog.With("component", "metrics_collector"),
		registry: prometheus.NewRegistry(),
		stopCh:   make(chan struct{}),
	}
	c.registerMetrics()
	return c
}

func (c *Collector) registerMetrics() {
	g := func(name, help string) prometheus.Gauge {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarmd", Name: name, Help: help,
		})
		c.registry.MustRegister(gauge)
		return gauge
	}
	c.gauges.cpuPct = g("cpu_pct", "Host CPU utilization percent.")
	c.gauges.memPct = g("mem_pct", "Host memory utilization percent.")
	c.gauges.queueLen = g("queue_length", "Pending plus running tasks.")
	c.gauges.activeAgents = g("active_agents", "Agents busy or starting.")
	c.gauges.idleAgents = g("idle_agents", "Agents idle.")
	c.gauges.throughput = g("throughput_tpm", "Task completions per minute.")
	c.gauges.responseTime = g("response_time_seconds", "Median task duration.")
	c.gauges.errorRate = g("error_rate_pct", "Failed over terminal tasks, percent.")

	c.counters.completed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "swarmd", Name: "tasks_completed_total", Help: "Tasks completed.",
	})
	c.counters.failed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "swarmd", Name: "tasks_failed_total", Help: "Tasks failed.",
	})
	c.registry.MustRegister(c.counters.completed, c.counters.failed)
}

// Registry exposes the Prometheus registry for the gateway's /metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Ring exposes the sample ring for pull consumers.
func (c *Collector) Ring() *Ring { return c.ring }

// Start launches the sampling loop.
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.run()
	c.logger.Info("Metrics collector started", "interval", c.interval)
}

// Stop halts the sampling loop and waits for it.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.SampleOnce()
		}
	}
}

// SampleOnce takes one sample immediately. The loop calls it per tick;
// tests call it directly.
func (c *Collector) SampleOnce() models.MetricsSample {
	cpuPct, memPct, err := c.prober.Probe()
	if err != nil {
		c.logger.Warn("Host probe failed", "error", err)
	}

	status := c.source.GetStatus()
	comp := c.source.CompletionStats(completionWindow)

	sample := models.MetricsSample{
		Timestamp:    c.clock.Now(),
		CPUPct:       cpuPct,
		MemPct:       memPct,
		QueueLen:     status.QueueLength,
		ActiveAgents: status.AgentsByStatus[models.AgentBusy] + status.AgentsByStatus[models.AgentStarting],
		IdleAgents:   status.AgentsByStatus[models.AgentIdle],
		ResponseTime: comp.ResponseTimeP50,
		ErrorRatePct: comp.ErrorRatePct,
	}
	sample.ThroughputTPM = c.throughput(comp.CompletedTotal, sample.Timestamp)

	c.ring.Push(sample)
	c.export(sample, comp)

	if c.eventBus != nil {
		c.eventBus.Publish(bus.TopicMetricsSample, sample)
	}
	return sample
}

// throughput computes completions per minute over the trailing window.
func (c *Collector) throughput(completedTotal int, now time.Time) float64 {
	c.completedAtSample = append(c.completedAtSample, completedTotal)
	if len(c.completedAtSample) > throughputSamples+1 {
		c.completedAtSample = c.completedAtSample[1:]
	}
	if len(c.completedAtSample) < 2 {
		return 0
	}
	delta := completedTotal - c.completedAtSample[0]
	elapsed := time.Duration(len(c.completedAtSample)-1) * c.interval
	if elapsed <= 0 {
		return 0
	}
	return float64(delta) / elapsed.Minutes()
}

func (c *Collector) export(s models.MetricsSample, comp models.CompletionStats) {
	c.gauges.cpuPct.Set(s.CPUPct)
	c.gauges.memPct.Set(s.MemPct)
	c.gauges.queueLen.Set(float64(s.QueueLen))
	c.gauges.activeAgents.Set(float64(s.ActiveAgents))
	c.gauges.idleAgents.Set(float64(s.IdleAgents))
	c.gauges.throughput.Set(s.ThroughputTPM)
	c.gauges.responseTime.Set(s.ResponseTime.Seconds())
	c.gauges.errorRate.Set(s.ErrorRatePct)

	if d := comp.CompletedTotal - c.lastCompleted; d > 0 {
		c.counters.completed.Add(float64(d))
		c.lastCompleted = comp.CompletedTotal
	}
	if d := comp.FailedTotal - c.lastFailed; d > 0 {
		c.counters.failed.Add(float64(d))
		c.lastFailed = comp.FailedTotal
	}
}
