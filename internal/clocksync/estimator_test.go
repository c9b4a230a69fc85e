package clocksync

import (
	"testing"
	"time"
)

// goodSample feeds one probe exchange with true offset 4955us and 90us RTT
// (45us out, 45us back), anchored at the given local send time.
func goodSample(e *Estimator, sendLocal int64) SampleResult {
	return e.ProcessResponse(sendLocal, sendLocal+5000, sendLocal+5010, sendLocal+100)
}

// badSample feeds a wildly delayed exchange (~1s RTT) that spikes the RTT
// variance far above any stability threshold.
func badSample(e *Estimator, sendLocal int64) SampleResult {
	return e.ProcessResponse(sendLocal, sendLocal+5000, sendLocal+5010, sendLocal+1_000_000)
}

func TestProcessResponse_ConcreteScenario(t *testing.T) {
	e := NewEstimator(Options{}, nil)

	// sendLocal=1000, hubReceive=6000, hubSend=6010, receiveLocal=1100
	// => rtt = (1100-1000) - (6010-6000) = 90
	// => offset = ((6000-1000)+(6010-1100))/2 = (5000+4910)/2 = 4955
	if res := e.ProcessResponse(1000, 6000, 6010, 1100); res != SampleAccepted {
		t.Fatalf("expected SampleAccepted, got %v", res)
	}

	st := e.Snapshot()
	if st.OffsetMicros != 4955 {
		t.Fatalf("offset = %d, want 4955", st.OffsetMicros)
	}
	if st.RTTSmoothedMicros != 90 {
		t.Fatalf("rtt = %d, want 90", st.RTTSmoothedMicros)
	}
	if st.Lock != Acquiring {
		t.Fatalf("lock = %v, want Acquiring after first valid sample", st.Lock)
	}

	// Same-geometry samples keep the offset exact; lock after the default
	// threshold of 8 consecutive good samples.
	base := int64(2000)
	for i := 0; i < 7; i++ {
		goodSample(e, base)
		base += 250_000
	}
	if got := e.LockState(); got != Locked {
		t.Fatalf("lock = %v, want Locked after 8 good samples", got)
	}

	local, ok := e.HubToLocal(10000)
	if !ok {
		t.Fatalf("HubToLocal not usable while Locked")
	}
	if local != 5045 {
		t.Fatalf("HubToLocal(10000) = %d, want 5045", local)
	}
	hub, ok := e.LocalToHub(5045)
	if !ok || hub != 10000 {
		t.Fatalf("LocalToHub(5045) = %d, %v, want 10000, true", hub, ok)
	}
}

func TestProcessResponse_ImplausibleRTTDiscarded(t *testing.T) {
	e := NewEstimator(Options{}, nil)

	// Hub processing time exceeds the measured round trip: negative RTT.
	if res := e.ProcessResponse(1000, 5500, 5700, 1100); res != SampleImplausible {
		t.Fatalf("expected SampleImplausible, got %v", res)
	}

	st := e.Snapshot()
	if st.Lock != Unsynchronized {
		t.Fatalf("lock = %v, want Unsynchronized (discard must not change state)", st.Lock)
	}
	if st.OffsetMicros != 0 || st.RTTSmoothedMicros != 0 {
		t.Fatalf("estimator state changed by a discarded sample: %+v", st)
	}
}

func TestLockDebounce(t *testing.T) {
	e := NewEstimator(Options{}, nil)

	// lockThreshold-1 good samples keep the state Acquiring.
	base := int64(1000)
	for i := 0; i < 7; i++ {
		goodSample(e, base)
		base += 250_000
	}
	if got := e.LockState(); got != Acquiring {
		t.Fatalf("lock = %v after 7 good samples, want Acquiring", got)
	}

	// The 8th consecutive good sample locks.
	goodSample(e, base)
	if got := e.LockState(); got != Locked {
		t.Fatalf("lock = %v after 8 good samples, want Locked", got)
	}
}

func TestLockDebounce_BadSampleResetsCounter(t *testing.T) {
	e := NewEstimator(Options{}, nil)

	base := int64(1000)
	for i := 0; i < 4; i++ {
		goodSample(e, base)
		base += 250_000
	}
	badSample(e, base)
	base += 250_000

	if got := e.Snapshot().ConsecutiveGoodSamples; got != 0 {
		t.Fatalf("consecutiveGoodSamples = %d after bad sample, want 0", got)
	}

	// Variance decays slowly after the spike, so another lockThreshold-1
	// samples cannot lock: the bad sample delayed the lock.
	for i := 0; i < 7; i++ {
		goodSample(e, base)
		base += 250_000
	}
	if got := e.LockState(); got == Locked {
		t.Fatalf("locked immediately after a variance spike; debounce did not delay lock")
	}

	// Stability eventually returns and the estimator locks.
	for i := 0; i < 300; i++ {
		goodSample(e, base)
		base += 250_000
	}
	if got := e.LockState(); got != Locked {
		t.Fatalf("lock = %v after sustained good samples, want Locked", got)
	}
}

func TestLockedToDegraded_SustainedVariance(t *testing.T) {
	e := NewEstimator(Options{}, nil)

	base := int64(1000)
	for i := 0; i < 8; i++ {
		goodSample(e, base)
		base += 250_000
	}
	if got := e.LockState(); got != Locked {
		t.Fatalf("setup: lock = %v, want Locked", got)
	}

	// One unstable sample is not enough.
	badSample(e, base)
	base += 250_000
	if got := e.LockState(); got != Locked {
		t.Fatalf("lock = %v after a single unstable sample, want still Locked", got)
	}

	// The default degrade threshold is 4 consecutive unstable samples.
	for i := 0; i < 3; i++ {
		badSample(e, base)
		base += 250_000
	}
	if got := e.LockState(); got != Degraded {
		t.Fatalf("lock = %v after sustained variance, want Degraded", got)
	}

	// Degraded offsets remain usable.
	if _, ok := e.HubToLocal(0); !ok {
		t.Fatalf("HubToLocal unusable while Degraded; degraded offsets must stay usable")
	}

	// Recovery mirrors the acquiring gate.
	for i := 0; i < 300; i++ {
		goodSample(e, base)
		base += 250_000
	}
	if got := e.LockState(); got != Locked {
		t.Fatalf("lock = %v after recovery, want Locked", got)
	}
}

func TestTick_SilenceDegradesButNeverUnsynchronizes(t *testing.T) {
	e := NewEstimator(Options{SilenceBound: time.Second}, nil)

	base := int64(1000)
	for i := 0; i < 8; i++ {
		goodSample(e, base)
		base += 250_000
	}
	lastResponse := e.Snapshot().LastResponseAtMicros

	// Within the silence bound: still locked.
	e.Tick(lastResponse + 500_000)
	if got := e.LockState(); got != Locked {
		t.Fatalf("lock = %v within silence bound, want Locked", got)
	}

	// Past the bound: degraded.
	e.Tick(lastResponse + 1_000_001)
	if got := e.LockState(); got != Degraded {
		t.Fatalf("lock = %v past silence bound, want Degraded", got)
	}

	// Silence never forces Unsynchronized, no matter how long.
	e.Tick(lastResponse + 3_600_000_000)
	if got := e.LockState(); got != Degraded {
		t.Fatalf("lock = %v after extended silence, want Degraded (never Unsynchronized)", got)
	}
}

func TestReset(t *testing.T) {
	e := NewEstimator(Options{}, nil)

	base := int64(1000)
	for i := 0; i < 8; i++ {
		goodSample(e, base)
		base += 250_000
	}

	gen0 := e.Generation()
	gen1 := e.Reset()
	if gen1 != gen0+1 {
		t.Fatalf("Reset generation = %d, want %d", gen1, gen0+1)
	}

	st := e.Snapshot()
	if st.Lock != Unsynchronized {
		t.Fatalf("lock = %v after Reset, want Unsynchronized", st.Lock)
	}
	if st.OffsetMicros != 0 || st.RTTSmoothedMicros != 0 || st.ConsecutiveGoodSamples != 0 {
		t.Fatalf("Reset left residual state: %+v", st)
	}
	if _, ok := e.HubToLocal(10000); ok {
		t.Fatalf("HubToLocal usable after Reset; Unsynchronized offsets must be rejected")
	}

	// A fresh session converges again.
	for i := 0; i < 8; i++ {
		goodSample(e, base)
		base += 250_000
	}
	if got := e.LockState(); got != Locked {
		t.Fatalf("lock = %v after re-acquisition, want Locked", got)
	}
}

func TestProbeInterval_AdaptiveCadence(t *testing.T) {
	e := NewEstimator(Options{
		ProbeIntervalUnlocked: 250 * time.Millisecond,
		ProbeIntervalLocked:   2 * time.Second,
	}, nil)

	if got := e.ProbeInterval(); got != 250*time.Millisecond {
		t.Fatalf("unlocked probe interval = %v, want 250ms", got)
	}

	base := int64(1000)
	for i := 0; i < 8; i++ {
		goodSample(e, base)
		base += 250_000
	}
	if got := e.ProbeInterval(); got != 2*time.Second {
		t.Fatalf("locked probe interval = %v, want 2s", got)
	}
}

func TestOffsetConvergence_AsymmetricJitter(t *testing.T) {
	e := NewEstimator(Options{}, nil)

	// True offset 4955us; one-way delays jitter asymmetrically by up to
	// 10us, bounding each sample's offset error by half the asymmetry.
	base := int64(1000)
	for i := 0; i < 100; i++ {
		out := int64(40 + i%11)  // 40..50us
		back := int64(50 - i%11) // 50..40us
		sendLocal := base
		hubReceive := sendLocal + 4955 + out
		hubSend := hubReceive + 10
		receiveLocal := sendLocal + out + 10 + back
		e.ProcessResponse(sendLocal, hubReceive, hubSend, receiveLocal)
		base += 250_000
	}

	st := e.Snapshot()
	if st.OffsetMicros < 4945 || st.OffsetMicros > 4965 {
		t.Fatalf("offset = %d, want within 10us of 4955", st.OffsetMicros)
	}
}
