package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lightwavelabs/node-sync/internal/liveness"
)

// LivenessCollector exposes the liveness verdict and composed posture as
// gauges. It implements liveness.Recorder.
type LivenessCollector struct {
	Verdict prometheus.Gauge
	Posture prometheus.Gauge
}

func NewLivenessCollector(reg prometheus.Registerer) (*LivenessCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	verdict, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liveness_verdict",
		Help: "Liveness verdict (0=nominal, 1=degraded, 2=hub_lost).",
	}), "liveness_verdict")
	if err != nil {
		return nil, err
	}
	posture, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "node_posture",
		Help: "Composed node posture (0=offline, 1=connecting, 2=failed, 3=degraded, 4=ready).",
	}), "node_posture")
	if err != nil {
		return nil, err
	}

	return &LivenessCollector{Verdict: verdict, Posture: posture}, nil
}

// RecordVerdict satisfies liveness.Recorder.
func (c *LivenessCollector) RecordVerdict(v liveness.Verdict) {
	if c == nil || c.Verdict == nil {
		return
	}
	c.Verdict.Set(float64(v))
}

// RecordPosture satisfies liveness.Recorder.
func (c *LivenessCollector) RecordPosture(p liveness.Posture) {
	if c == nil || c.Posture == nil {
		return
	}
	c.Posture.Set(float64(p))
}

// TransportCollector tracks the hub link: inbound frame dispositions, the
// sliding-window loss ratio fed to the liveness policy, and reconnect churn.
type TransportCollector struct {
	Frames     *prometheus.CounterVec
	LossRatio  prometheus.Gauge
	Reconnects prometheus.Counter
}

func NewTransportCollector(reg prometheus.Registerer) (*TransportCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	frames := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transport_frames_total",
		Help: "Inbound frames, labeled by disposition (accepted, bad_mac, decode_error, stale).",
	}, []string{"result"})
	frames, err := registerCounterVec(reg, frames, "transport_frames_total")
	if err != nil {
		return nil, err
	}

	loss, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "transport_probe_loss_ratio",
		Help: "Fraction of recent probes that went unanswered.",
	}), "transport_probe_loss_ratio")
	if err != nil {
		return nil, err
	}

	reconnects, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transport_reconnects_total",
		Help: "Hub link reconnect attempts.",
	}), "transport_reconnects_total")
	if err != nil {
		return nil, err
	}

	return &TransportCollector{Frames: frames, LossRatio: loss, Reconnects: reconnects}, nil
}

// CountFrame records one inbound frame disposition.
func (c *TransportCollector) CountFrame(result string) {
	if c == nil || c.Frames == nil {
		return
	}
	c.Frames.WithLabelValues(result).Inc()
}

// SetLossRatio publishes the current probe loss ratio.
func (c *TransportCollector) SetLossRatio(r float64) {
	if c == nil || c.LossRatio == nil {
		return
	}
	c.LossRatio.Set(r)
}

// CountReconnect records one reconnect attempt.
func (c *TransportCollector) CountReconnect() {
	if c == nil || c.Reconnects == nil {
		return
	}
	c.Reconnects.Inc()
}

// FrameCollector tracks the render-cycle loop.
type FrameCollector struct {
	CycleDuration   prometheus.Histogram
	CommandsApplied *prometheus.CounterVec
	FallbackActive  prometheus.Gauge
}

func NewFrameCollector(reg prometheus.Registerer) (*FrameCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "frame_cycle_duration_seconds",
		Help:    "Wall-clock time spent per render cycle.",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025},
	}), "frame_cycle_duration_seconds")
	if err != nil {
		return nil, err
	}

	applied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "frame_commands_applied_total",
		Help: "Commands applied to the render state, labeled by kind.",
	}, []string{"kind"})
	applied, err = registerCounterVec(reg, applied, "frame_commands_applied_total")
	if err != nil {
		return nil, err
	}

	fallback, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "frame_fallback_active",
		Help: "1 while the render loop is holding the fallback scene.",
	}), "frame_fallback_active")
	if err != nil {
		return nil, err
	}

	return &FrameCollector{
		CycleDuration:   duration,
		CommandsApplied: applied,
		FallbackActive:  fallback,
	}, nil
}

// ObserveCycle records the duration of one render cycle.
func (c *FrameCollector) ObserveCycle(seconds float64) {
	if c == nil || c.CycleDuration == nil {
		return
	}
	c.CycleDuration.Observe(seconds)
}

// CountApplied records commands applied during a cycle.
func (c *FrameCollector) CountApplied(kind string, n int) {
	if c == nil || c.CommandsApplied == nil || n <= 0 {
		return
	}
	c.CommandsApplied.WithLabelValues(kind).Add(float64(n))
}

// SetFallbackActive flips the fallback gauge.
func (c *FrameCollector) SetFallbackActive(active bool) {
	if c == nil || c.FallbackActive == nil {
		return
	}
	if active {
		c.FallbackActive.Set(1)
	} else {
		c.FallbackActive.Set(0)
	}
}
