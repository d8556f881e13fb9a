package collector

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joulemeter/joulemeter/internal/engine"
)

const nodeNameLabel = "node_name"

// MetricsProvider is the subset of engine.Engine the collector depends on.
type MetricsProvider interface {
	SnapshotMetrics() (*engine.Snapshot, error)
	DataChannel() <-chan struct{}
}

// PowerCollector renders one engine.Snapshot as Prometheus metrics per
// collection, fetching it once per Collect call so every metric in a
// scrape reflects the same underlying sample.
type PowerCollector struct {
	metrics MetricsProvider
	logger  *slog.Logger

	mutex sync.RWMutex
	ready bool

	nodeCPUJoulesDesc *prometheus.Desc
	nodeCPUWattsDesc  *prometheus.Desc

	processCPUJoulesDesc *prometheus.Desc
	processCPUWattsDesc  *prometheus.Desc
}

func joulesDesc(level, device, nodeName string, labels []string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(joulemeterNS, level, device+"_joules_total"),
		fmt.Sprintf("Energy consumption of %s at %s level in joules", device, level),
		labels, prometheus.Labels{nodeNameLabel: nodeName})
}

func wattsDesc(level, device, nodeName string, labels []string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(joulemeterNS, level, device+"_watts"),
		fmt.Sprintf("Power consumption of %s at %s level in watts", device, level),
		labels, prometheus.Labels{nodeNameLabel: nodeName})
}

// NewPowerCollector creates a collector that renders one engine.Snapshot
// per Collect call.
func NewPowerCollector(metrics MetricsProvider, nodeName string, logger *slog.Logger) *PowerCollector {
	if logger == nil {
		logger = slog.Default()
	}

	c := &PowerCollector{
		metrics: metrics,
		logger:  logger.With("collector", "power"),

		nodeCPUJoulesDesc: joulesDesc("node", "cpu", nodeName, []string{"zone", "strategy"}),
		nodeCPUWattsDesc:  wattsDesc("node", "cpu", nodeName, []string{"zone", "strategy"}),

		processCPUJoulesDesc: joulesDesc("process", "cpu", nodeName,
			[]string{"pid", "comm", "vm_name", "hypervisor", "container_id", "container_runtime", "pod_name", "pod_namespace"}),
		processCPUWattsDesc: wattsDesc("process", "cpu", nodeName,
			[]string{"pid", "comm", "vm_name", "hypervisor", "container_id", "container_runtime", "pod_name", "pod_namespace"}),
	}

	go c.waitForData()

	return c
}

func (c *PowerCollector) waitForData() {
	<-c.metrics.DataChannel()
	c.mutex.Lock()
	c.ready = true
	c.mutex.Unlock()
}

func (c *PowerCollector) isReady() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.ready
}

// Describe implements prometheus.Collector.
func (c *PowerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nodeCPUJoulesDesc
	ch <- c.nodeCPUWattsDesc
	ch <- c.processCPUJoulesDesc
	ch <- c.processCPUWattsDesc
}

// Collect implements prometheus.Collector.
func (c *PowerCollector) Collect(ch chan<- prometheus.Metric) {
	if !c.isReady() {
		c.logger.Debug("collect called before engine is ready")
		return
	}

	started := time.Now()
	snapshot, err := c.metrics.SnapshotMetrics()
	if err != nil {
		c.logger.Error("failed to collect power data", "error", err)
		return
	}
	defer func() {
		c.logger.Debug("collected power data", "duration", time.Since(started))
	}()

	c.collectNode(ch, snapshot)
	c.collectProcesses(ch, snapshot)
}

func (c *PowerCollector) collectNode(ch chan<- prometheus.Metric, snapshot *engine.Snapshot) {
	for zone, result := range snapshot.Host.Domains {
		if result.Err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.nodeCPUJoulesDesc, prometheus.CounterValue,
			float64(result.Energy)/1_000_000, string(zone), string(snapshot.Host.Strategy))
		ch <- prometheus.MustNewConstMetric(c.nodeCPUWattsDesc, prometheus.GaugeValue,
			result.Power.MicroWatts()/1_000_000, string(zone), string(snapshot.Host.Strategy))
	}
}

func (c *PowerCollector) collectProcesses(ch chan<- prometheus.Metric, snapshot *engine.Snapshot) {
	for _, p := range snapshot.Process {
		labels := p.Labels

		ch <- prometheus.MustNewConstMetric(c.processCPUJoulesDesc, prometheus.CounterValue,
			float64(p.Energy)/1_000_000,
			fmt.Sprintf("%d", p.PID), p.Comm,
			labels["vm_name"], labels["hypervisor"],
			labels["container_id"], labels["container_runtime"],
			labels["pod_name"], labels["pod_namespace"],
		)
		ch <- prometheus.MustNewConstMetric(c.processCPUWattsDesc, prometheus.GaugeValue,
			p.Power.MicroWatts()/1_000_000,
			fmt.Sprintf("%d", p.PID), p.Comm,
			labels["vm_name"], labels["hypervisor"],
			labels["container_id"], labels["container_runtime"],
			labels["pod_name"], labels["pod_namespace"],
		)
	}
}
