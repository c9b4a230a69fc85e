// Package clocksync maintains a node's estimate of the hub-to-local time
// offset from four-timestamp probe exchanges, and reports confidence in that
// estimate as a discrete lock state.
package clocksync

import (
	"sync"
	"time"
)

// LockState is the confidence level in the current offset estimate.
type LockState int

const (
	// Unsynchronized means no valid sample has been accepted since boot or
	// the last session reset. The offset is unusable.
	Unsynchronized LockState = iota
	// Acquiring means samples are arriving but the estimate has not yet
	// passed the lock debounce. The offset is unusable.
	Acquiring
	// Locked means the estimate is stable and usable.
	Locked
	// Degraded means the estimate was locked but stability has been lost
	// (sustained variance or probe silence). The offset remains usable;
	// whether to trust it is the liveness policy's call.
	Degraded
)

func (s LockState) String() string {
	switch s {
	case Unsynchronized:
		return "unsynchronized"
	case Acquiring:
		return "acquiring"
	case Locked:
		return "locked"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// SampleResult classifies the outcome of a probe response.
type SampleResult int

const (
	// SampleAccepted means the sample updated the estimate.
	SampleAccepted SampleResult = iota
	// SampleImplausible means the computed RTT was negative, indicating a
	// clock anomaly or corrupted timestamps. The sample was discarded
	// without touching estimator state.
	SampleImplausible
)

// Options tune the estimator. Zero values are replaced by defaults that
// match the production node firmware.
type Options struct {
	// RTTAlpha is the exponential smoothing factor for the RTT mean.
	RTTAlpha float64
	// RTTVarAlpha is the exponential smoothing factor for the RTT
	// variance (mean absolute deviation).
	RTTVarAlpha float64
	// OffsetAlphaMax is the offset smoothing weight applied to samples
	// whose RTT is at or below the smoothed RTT; higher-RTT samples are
	// weighted down proportionally, never below OffsetAlphaMin.
	OffsetAlphaMax float64
	OffsetAlphaMin float64
	// StabilityThresholdMicros is the RTT variance below which a sample
	// counts toward the lock debounce.
	StabilityThresholdMicros int64
	// LockThreshold is the number of consecutive good samples required to
	// enter Locked from Acquiring or Degraded.
	LockThreshold int
	// DegradeThreshold is the number of consecutive unstable samples that
	// demotes Locked to Degraded.
	DegradeThreshold int
	// SilenceBound demotes Locked to Degraded when no response has been
	// accepted for this long. It never forces Unsynchronized; prolonged
	// silence is the liveness policy's concern.
	SilenceBound time.Duration
	// Probe cadence hints for the transport: fast while converging, slow
	// once locked.
	ProbeIntervalUnlocked time.Duration
	ProbeIntervalLocked   time.Duration
}

func (o Options) withDefaults() Options {
	if o.RTTAlpha == 0 {
		o.RTTAlpha = 0.125
	}
	if o.RTTVarAlpha == 0 {
		o.RTTVarAlpha = 0.25
	}
	if o.OffsetAlphaMax == 0 {
		o.OffsetAlphaMax = 0.5
	}
	if o.OffsetAlphaMin == 0 {
		o.OffsetAlphaMin = 0.05
	}
	if o.StabilityThresholdMicros == 0 {
		o.StabilityThresholdMicros = 5000
	}
	if o.LockThreshold == 0 {
		o.LockThreshold = 8
	}
	if o.DegradeThreshold == 0 {
		o.DegradeThreshold = 4
	}
	if o.SilenceBound == 0 {
		o.SilenceBound = 3 * time.Second
	}
	if o.ProbeIntervalUnlocked == 0 {
		o.ProbeIntervalUnlocked = 250 * time.Millisecond
	}
	if o.ProbeIntervalLocked == 0 {
		o.ProbeIntervalLocked = 2 * time.Second
	}
	return o
}

// State is a point-in-time copy of the estimator's clock state, read by
// status reporting and metrics. Consumers poll; no transition callbacks.
type State struct {
	Lock                   LockState
	OffsetMicros           int64
	RTTSmoothedMicros      int64
	RTTVarianceMicros      int64
	ConsecutiveGoodSamples int
	LastProbeSentAtMicros  int64
	LastResponseAtMicros   int64
	Generation             uint64
}

// Recorder receives clock state snapshots for metrics export.
type Recorder interface {
	RecordClockState(State)
}

// Estimator owns one node's ClockState. All methods are safe for concurrent
// use; every critical section is O(1) over small fixed-size state.
type Estimator struct {
	opts Options

	mu              sync.Mutex
	lock            LockState
	offsetMicros    int64
	rttSmoothed     int64
	rttVariance     int64
	consecutiveGood int
	consecutiveBad  int
	lastProbeSent   int64
	lastResponse    int64
	generation      uint64

	rec Recorder
}

// NewEstimator constructs an estimator in the Unsynchronized state.
// The recorder may be nil.
func NewEstimator(opts Options, rec Recorder) *Estimator {
	return &Estimator{
		opts: opts.withDefaults(),
		rec:  rec,
	}
}

// ProcessResponse feeds one four-timestamp probe exchange into the estimate:
//
//	offset = ((hubReceive - sendLocal) + (hubSend - receiveLocal)) / 2
//	rtt    = (receiveLocal - sendLocal) - (hubSend - hubReceive)
//
// A negative RTT marks the sample implausible and it is discarded without
// any state change. Sequence and token validation belong to the transport;
// by the time a sample reaches here it is authentic.
func (e *Estimator) ProcessResponse(sendLocal, hubReceive, hubSend, receiveLocal int64) SampleResult {
	rtt := (receiveLocal - sendLocal) - (hubSend - hubReceive)
	if rtt < 0 {
		return SampleImplausible
	}
	sample := ((hubReceive - sendLocal) + (hubSend - receiveLocal)) / 2

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lock == Unsynchronized {
		// First valid sample seeds the estimate directly.
		e.lock = Acquiring
		e.offsetMicros = sample
		e.rttSmoothed = rtt
		e.rttVariance = rtt / 2
	} else {
		err := rtt - e.rttSmoothed
		if err < 0 {
			err = -err
		}
		e.rttVariance += int64(e.opts.RTTVarAlpha * float64(err-e.rttVariance))
		e.rttSmoothed += int64(e.opts.RTTAlpha * float64(rtt-e.rttSmoothed))

		// Low-RTT samples bound the offset error more tightly, so they
		// get the full smoothing weight; slower samples are discounted.
		alpha := e.opts.OffsetAlphaMax
		if rtt > e.rttSmoothed && rtt > 0 {
			alpha = e.opts.OffsetAlphaMax * float64(e.rttSmoothed) / float64(rtt)
		}
		if alpha < e.opts.OffsetAlphaMin {
			alpha = e.opts.OffsetAlphaMin
		}
		e.offsetMicros += int64(alpha * float64(sample-e.offsetMicros))
	}

	e.lastResponse = receiveLocal

	if e.rttVariance < e.opts.StabilityThresholdMicros {
		e.consecutiveGood++
		e.consecutiveBad = 0
	} else {
		e.consecutiveGood = 0
		e.consecutiveBad++
	}

	switch e.lock {
	case Acquiring, Degraded:
		if e.consecutiveGood >= e.opts.LockThreshold {
			e.lock = Locked
		}
	case Locked:
		if e.consecutiveBad >= e.opts.DegradeThreshold {
			e.lock = Degraded
		}
	}

	return SampleAccepted
}

// Tick performs periodic maintenance: probe silence beyond the silence bound
// demotes Locked to Degraded. Silence never forces Unsynchronized; only an
// explicit Reset drops the lock entirely.
func (e *Estimator) Tick(nowLocal int64) {
	e.mu.Lock()
	if e.lock == Locked && e.lastResponse > 0 &&
		nowLocal-e.lastResponse > e.opts.SilenceBound.Microseconds() {
		e.lock = Degraded
		e.consecutiveGood = 0
	}
	st := e.snapshotLocked()
	e.mu.Unlock()

	if e.rec != nil {
		e.rec.RecordClockState(st)
	}
}

// Reset returns the estimator to Unsynchronized and bumps the session
// generation. Callers that share a scheduler queue must clear it under the
// same session change; in-flight work stamped with the old generation is
// rejected by the generation check.
func (e *Estimator) Reset() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lock = Unsynchronized
	e.offsetMicros = 0
	e.rttSmoothed = 0
	e.rttVariance = 0
	e.consecutiveGood = 0
	e.consecutiveBad = 0
	e.lastProbeSent = 0
	e.lastResponse = 0
	e.generation++
	return e.generation
}

// Generation returns the current session generation.
func (e *Estimator) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// MarkProbeSent records the local send time of the latest probe.
func (e *Estimator) MarkProbeSent(nowLocal int64) {
	e.mu.Lock()
	e.lastProbeSent = nowLocal
	e.mu.Unlock()
}

// Usable reports whether the offset may be consumed: only Locked and
// Degraded estimates are usable.
func (e *Estimator) Usable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lock == Locked || e.lock == Degraded
}

// LockState returns the current lock state.
func (e *Estimator) LockState() LockState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lock
}

// HubToLocal converts a hub timestamp to local time. ok is false while the
// estimate is unusable (Unsynchronized or Acquiring), in which case the
// returned value must not be consumed.
func (e *Estimator) HubToLocal(hubMicros int64) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lock != Locked && e.lock != Degraded {
		return 0, false
	}
	return hubMicros - e.offsetMicros, true
}

// LocalToHub converts a local timestamp to hub time, with the same usability
// gate as HubToLocal.
func (e *Estimator) LocalToHub(localMicros int64) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lock != Locked && e.lock != Degraded {
		return 0, false
	}
	return localMicros + e.offsetMicros, true
}

// ProbeInterval returns the probe cadence the transport should use: short
// while converging, long once locked.
func (e *Estimator) ProbeInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lock == Locked {
		return e.opts.ProbeIntervalLocked
	}
	return e.opts.ProbeIntervalUnlocked
}

// Snapshot returns a copy of the current clock state.
func (e *Estimator) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Estimator) snapshotLocked() State {
	return State{
		Lock:                   e.lock,
		OffsetMicros:           e.offsetMicros,
		RTTSmoothedMicros:      e.rttSmoothed,
		RTTVarianceMicros:      e.rttVariance,
		ConsecutiveGoodSamples: e.consecutiveGood,
		LastProbeSentAtMicros:  e.lastProbeSent,
		LastResponseAtMicros:   e.lastResponse,
		Generation:             e.generation,
	}
}
