package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lightwavelabs/node-sync/internal/clocksync"
	"github.com/lightwavelabs/node-sync/internal/schedqueue"
)

// SyncCollector bundles Prometheus metrics for the clock estimator. It
// implements clocksync.Recorder so the estimator's maintenance tick can
// drive the gauges directly.
type SyncCollector struct {
	gatherer prometheus.Gatherer

	ClockLockState    prometheus.Gauge
	ClockOffset       prometheus.Gauge
	ClockRTTSmoothed  prometheus.Gauge
	ClockRTTVariance  prometheus.Gauge
	SessionGeneration prometheus.Gauge
}

// NewSyncCollector registers clock-sync metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSyncCollector(reg prometheus.Registerer) (*SyncCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	lockState, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clock_lock_state",
		Help: "Clock estimator lock state (0=unsynchronized, 1=acquiring, 2=locked, 3=degraded).",
	}), "clock_lock_state")
	if err != nil {
		return nil, err
	}
	offset, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clock_offset_micros",
		Help: "Estimated hub-minus-local clock offset in microseconds.",
	}), "clock_offset_micros")
	if err != nil {
		return nil, err
	}
	rtt, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clock_rtt_smoothed_micros",
		Help: "Exponentially smoothed probe round-trip time in microseconds.",
	}), "clock_rtt_smoothed_micros")
	if err != nil {
		return nil, err
	}
	variance, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clock_rtt_variance_micros",
		Help: "Smoothed probe round-trip variance in microseconds.",
	}), "clock_rtt_variance_micros")
	if err != nil {
		return nil, err
	}
	generation, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_session_generation",
		Help: "Current session generation; increments on every session reset.",
	}), "sync_session_generation")
	if err != nil {
		return nil, err
	}

	return &SyncCollector{
		gatherer:          gatherer,
		ClockLockState:    lockState,
		ClockOffset:       offset,
		ClockRTTSmoothed:  rtt,
		ClockRTTVariance:  variance,
		SessionGeneration: generation,
	}, nil
}

// RecordClockState satisfies clocksync.Recorder.
func (c *SyncCollector) RecordClockState(st clocksync.State) {
	if c == nil {
		return
	}
	c.ClockLockState.Set(float64(st.Lock))
	c.ClockOffset.Set(float64(st.OffsetMicros))
	c.ClockRTTSmoothed.Set(float64(st.RTTSmoothedMicros))
	c.ClockRTTVariance.Set(float64(st.RTTVarianceMicros))
	c.SessionGeneration.Set(float64(st.Generation))
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SyncCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// QueueCollector exposes scheduler-queue metrics and implements
// schedqueue.Recorder.
type QueueCollector struct {
	EnqueueOutcomes   *prometheus.CounterVec
	CommandsExtracted prometheus.Counter
	QueueDepth        prometheus.Gauge
}

// NewQueueCollector registers queue metrics against the provided registerer.
func NewQueueCollector(reg prometheus.Registerer) (*QueueCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_enqueue_outcomes_total",
		Help: "Enqueue attempts, labeled by outcome (inserted, coalesced, dropped, stale_session).",
	}, []string{"outcome"})
	outcomes, err := registerCounterVec(reg, outcomes, "queue_enqueue_outcomes_total")
	if err != nil {
		return nil, err
	}

	extracted, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_commands_extracted_total",
		Help: "Commands released to the render loop.",
	}), "queue_commands_extracted_total")
	if err != nil {
		return nil, err
	}

	depth, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Commands currently pending in the scheduler queue.",
	}), "queue_depth")
	if err != nil {
		return nil, err
	}

	return &QueueCollector{
		EnqueueOutcomes:   outcomes,
		CommandsExtracted: extracted,
		QueueDepth:        depth,
	}, nil
}

// RecordEnqueue satisfies schedqueue.Recorder.
func (c *QueueCollector) RecordEnqueue(o schedqueue.Outcome) {
	if c == nil || c.EnqueueOutcomes == nil {
		return
	}
	c.EnqueueOutcomes.WithLabelValues(o.String()).Inc()
}

// RecordExtracted satisfies schedqueue.Recorder.
func (c *QueueCollector) RecordExtracted(n int) {
	if c == nil || c.CommandsExtracted == nil {
		return
	}
	c.CommandsExtracted.Add(float64(n))
}

// RecordDepth satisfies schedqueue.Recorder.
func (c *QueueCollector) RecordDepth(count int) {
	if c == nil || c.QueueDepth == nil {
		return
	}
	c.QueueDepth.Set(float64(count))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
