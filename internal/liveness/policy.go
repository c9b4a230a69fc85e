// Package liveness turns raw network-health signals and clock stability into
// a degradation verdict, and keeps the last trustworthy scene for fallback
// rendering when hub guidance is lost.
package liveness

import (
	"sync"
	"time"
)

// Verdict is the three-level degradation state.
type Verdict int

const (
	VerdictNominal Verdict = iota
	VerdictDegraded
	VerdictHubLost
)

func (v Verdict) String() string {
	switch v {
	case VerdictNominal:
		return "nominal"
	case VerdictDegraded:
		return "degraded"
	case VerdictHubLost:
		return "hub_lost"
	default:
		return "unknown"
	}
}

// Posture is the externally visible node status composed from link state,
// session state, and the liveness verdict.
type Posture int

const (
	PostureOffline Posture = iota
	PostureConnecting
	PostureFailed
	PostureDegraded
	PostureReady
)

func (p Posture) String() string {
	switch p {
	case PostureOffline:
		return "offline"
	case PostureConnecting:
		return "connecting"
	case PostureFailed:
		return "failed"
	case PostureDegraded:
		return "degraded"
	case PostureReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Scene is the fallback render target: the last scene applied while the
// node was in a trustworthy state.
type Scene struct {
	EffectID  uint8
	PaletteID uint8
}

// DefaultIdleScene is rendered when no trustworthy scene has ever been
// recorded.
var DefaultIdleScene = Scene{EffectID: 0, PaletteID: 0}

// Thresholds tune the verdict. Zero values are replaced by defaults that
// match the production node firmware.
type Thresholds struct {
	// SoftSilence demotes to Degraded; HardSilence to HubLost.
	SoftSilence time.Duration
	HardSilence time.Duration
	// LossRatioMax is the probe loss ratio above which the link counts as
	// unhealthy.
	LossRatioMax float64
}

func (t Thresholds) withDefaults() Thresholds {
	if t.SoftSilence == 0 {
		t.SoftSilence = 3500 * time.Millisecond
	}
	if t.HardSilence == 0 {
		t.HardSilence = 10 * time.Second
	}
	if t.LossRatioMax == 0 {
		t.LossRatioMax = 0.25
	}
	return t
}

// Recorder receives verdict and posture updates for metrics export.
type Recorder interface {
	RecordVerdict(Verdict)
	RecordPosture(Posture)
}

// Snapshot is the ephemeral per-tick view of the liveness signals.
type Snapshot struct {
	MillisSinceLastAuthenticContact int64
	LossRatio                       float64
	OffsetStabilityOK               bool
	Verdict                         Verdict
}

// Policy evaluates the degradation verdict once per tick and retains the
// fallback scene. State observation is polling-based: consumers read the
// verdict and posture each cycle rather than subscribing to transitions.
type Policy struct {
	th Thresholds

	mu                 sync.Mutex
	millisSinceContact int64
	lossRatio          float64
	clockStable        bool
	verdict            Verdict
	scene              Scene
	sceneRecorded      bool

	rec Recorder
}

// NewPolicy constructs a policy in the HubLost state: a node that has never
// heard from the hub must not treat it as present. The recorder may be nil.
func NewPolicy(th Thresholds, rec Recorder) *Policy {
	return &Policy{
		th:      th.withDefaults(),
		verdict: VerdictHubLost,
		rec:     rec,
	}
}

// SeedScene installs a persisted scene as the fallback, typically loaded
// from the on-disk snapshot at boot. It does not mark the node trustworthy.
func (p *Policy) SeedScene(s Scene) {
	p.mu.Lock()
	p.scene = s
	p.sceneRecorded = true
	p.mu.Unlock()
}

// UpdateSignals feeds the latest raw network-health readings. The verdict is
// not re-evaluated here; that happens in Tick so the rule is applied exactly
// once per tick against a consistent snapshot.
func (p *Policy) UpdateSignals(millisSinceContact int64, lossRatio float64) {
	p.mu.Lock()
	p.millisSinceContact = millisSinceContact
	p.lossRatio = lossRatio
	p.mu.Unlock()
}

// Tick evaluates the transition rule against the current signals:
//
//   - HubLost when silence exceeds the hard threshold; highest priority,
//     overrides all other signals;
//   - else Degraded when silence exceeds the soft threshold, loss exceeds
//     its threshold, or the clock offset is unstable;
//   - else Nominal.
//
// Every gate reads a reading exactly at its threshold as still tolerable;
// only strictly exceeding it trips the gate.
//
// Recovery to Nominal requires all three signals healthy in the same tick;
// the check is state-of-the-world, not delta-based, so no hysteresis state
// is needed.
func (p *Policy) Tick(clockStable bool) Verdict {
	p.mu.Lock()
	p.clockStable = clockStable

	var v Verdict
	switch {
	case p.millisSinceContact > p.th.HardSilence.Milliseconds():
		v = VerdictHubLost
	case p.millisSinceContact > p.th.SoftSilence.Milliseconds(),
		p.lossRatio > p.th.LossRatioMax,
		!clockStable:
		v = VerdictDegraded
	default:
		v = VerdictNominal
	}
	p.verdict = v
	p.mu.Unlock()

	if p.rec != nil {
		p.rec.RecordVerdict(v)
	}
	return v
}

// Verdict returns the verdict from the most recent Tick.
func (p *Policy) Verdict() Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verdict
}

// Snapshot returns the current signal readings and verdict.
func (p *Policy) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		MillisSinceLastAuthenticContact: p.millisSinceContact,
		LossRatio:                       p.lossRatio,
		OffsetStabilityOK:               p.clockStable,
		Verdict:                         p.verdict,
	}
}

// RecordScene notes an applied scene change as the fallback, but only while
// the verdict is Nominal. Scenes applied under degradation are not
// trustworthy and leave the fallback untouched.
func (p *Policy) RecordScene(s Scene) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verdict != VerdictNominal {
		return false
	}
	p.scene = s
	p.sceneRecorded = true
	return true
}

// FallbackScene returns the last trustworthy scene, or the fixed idle
// default if none has ever been recorded.
func (p *Policy) FallbackScene() Scene {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.sceneRecorded {
		return DefaultIdleScene
	}
	return p.scene
}

// ComposePosture derives the externally visible node status. HubLost maps to
// Failed with absolute priority over an otherwise-ready gate.
func (p *Policy) ComposePosture(linkUp, authenticated bool) Posture {
	p.mu.Lock()
	v := p.verdict
	p.mu.Unlock()

	var posture Posture
	switch {
	case !linkUp:
		posture = PostureOffline
	case !authenticated:
		posture = PostureConnecting
	case v == VerdictHubLost:
		posture = PostureFailed
	case v == VerdictDegraded:
		posture = PostureDegraded
	default:
		posture = PostureReady
	}

	if p.rec != nil {
		p.rec.RecordPosture(posture)
	}
	return posture
}
