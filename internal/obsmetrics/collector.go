// Package obsmetrics exposes device core activity as Prometheus metrics.
package obsmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adred-codev/chardev/internal/core"
)

// Snapshotter is the subset of DeviceRecord the collector polls on its own
// interval, for metrics that the event-driven Observer hooks don't cover
// directly (pool/queue size at rest, client count).
type Snapshotter interface {
	Snapshot() core.Stats
}

// Collector implements core.Observer, turning flow-control events into
// Prometheus counters and gauges, and separately polls a Snapshotter on an
// interval for point-in-time gauges.
type Collector struct {
	registry *prometheus.Registry

	poolBytes   prometheus.Gauge
	poolBuffers prometheus.Gauge
	queueDepth  prometheus.Gauge
	selfTokens  prometheus.Gauge

	overflowTotal       prometheus.Counter
	tokenViolationTotal prometheus.Counter
	deviceStalledTotal  prometheus.Counter
	writeRetryTotal     prometheus.Counter

	clientSendTokens  *prometheus.GaugeVec
	clientTokensLevel *prometheus.GaugeVec

	stopChan chan struct{}
}

// NewCollector builds a Collector registered against its own registry
// (never the global default, so multiple devices in one process or in
// tests never collide on metric names).
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		stopChan: make(chan struct{}),

		poolBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chardev_pool_bytes",
			Help: "Bytes currently held by idle buffers in the write-buffer pool.",
		}),
		poolBuffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chardev_pool_buffers",
			Help: "Buffers currently sitting idle in the write-buffer pool.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chardev_write_queue_depth",
			Help: "Buffers queued for write to the device.",
		}),
		selfTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chardev_self_tokens",
			Help: "Server-origin write credits currently available.",
		}),
		overflowTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chardev_overflow_total",
			Help: "Clients removed for a full send queue or a wait-for-tokens timeout.",
		}),
		tokenViolationTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chardev_token_violation_total",
			Help: "Clients removed for exceeding their client-token credit.",
		}),
		deviceStalledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chardev_device_stalled_total",
			Help: "Write-pump passes that ended with the current buffer only partly written.",
		}),
		writeRetryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chardev_write_retry_total",
			Help: "Write-retry timer fires.",
		}),
		clientSendTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chardev_client_send_tokens",
			Help: "Per-client device-to-client send credit.",
		}, []string{"client_id"}),
		clientTokensLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chardev_client_tokens",
			Help: "Per-client client-to-device credit.",
		}, []string{"client_id"}),
	}

	c.registry.MustRegister(
		c.poolBytes, c.poolBuffers, c.queueDepth, c.selfTokens,
		c.overflowTotal, c.tokenViolationTotal, c.deviceStalledTotal, c.writeRetryTotal,
		c.clientSendTokens, c.clientTokensLevel,
	)
	return c
}

// Registry returns the registry for mounting under an HTTP handler via
// promhttp.HandlerFor.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// PollSnapshots polls s every interval until Stop is called, updating the
// gauges that aren't naturally driven by an Observer event.
func (c *Collector) PollSnapshots(s Snapshotter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats := s.Snapshot()
				c.poolBytes.Set(float64(stats.PoolBytes))
				c.poolBuffers.Set(float64(stats.PoolBuffers))
				c.queueDepth.Set(float64(stats.WriteQueueDepth))
				c.selfTokens.Set(float64(stats.SelfTokens))
			case <-c.stopChan:
				return
			}
		}
	}()
}

func (c *Collector) Stop() { close(c.stopChan) }

// core.Observer implementation.

func (c *Collector) PoolBytes(n int)  { c.poolBytes.Set(float64(n)) }
func (c *Collector) QueueDepth(n int) { c.queueDepth.Set(float64(n)) }

func (c *Collector) Overflow(clientID string) {
	c.overflowTotal.Inc()
	c.clientSendTokens.DeleteLabelValues(clientID)
	c.clientTokensLevel.DeleteLabelValues(clientID)
}

func (c *Collector) TokenViolation(clientID string) {
	c.tokenViolationTotal.Inc()
	c.clientSendTokens.DeleteLabelValues(clientID)
	c.clientTokensLevel.DeleteLabelValues(clientID)
}

func (c *Collector) DeviceStalled()   { c.deviceStalledTotal.Inc() }
func (c *Collector) WriteRetryFired() { c.writeRetryTotal.Inc() }

func (c *Collector) ClientCredits(clientID string, sendTokens, clientTokens uint32) {
	c.clientSendTokens.WithLabelValues(clientID).Set(float64(sendTokens))
	c.clientTokensLevel.WithLabelValues(clientID).Set(float64(clientTokens))
}

func (c *Collector) SelfTokens(n uint32) { c.selfTokens.Set(float64(n)) }
