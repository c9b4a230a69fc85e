package frame

import (
	"testing"
	"time"

	"github.com/lightwavelabs/node-sync/internal/command"
	"github.com/lightwavelabs/node-sync/internal/liveness"
	"github.com/lightwavelabs/node-sync/internal/schedqueue"
)

type stubLink struct {
	up   bool
	auth bool
}

func (s *stubLink) LinkUp() bool             { return s.up }
func (s *stubLink) SessionEstablished() bool { return s.auth }

type fixture struct {
	coord  *Coordinator
	queue  *schedqueue.Queue
	policy *liveness.Policy
	link   *stubLink
	now    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	q, err := schedqueue.New(16, nil)
	if err != nil {
		t.Fatalf("schedqueue.New: %v", err)
	}
	f := &fixture{
		queue:  q,
		policy: liveness.NewPolicy(liveness.Thresholds{}, nil),
		link:   &stubLink{up: true, auth: true},
		now:    1_000_000,
	}
	clock := func() int64 { return f.now }
	f.coord = NewCoordinator(q, f.policy, f.link, clock, 10*time.Millisecond, 4, nil, nil)
	return f
}

// goNominal drives the policy to a nominal verdict.
func (f *fixture) goNominal() {
	f.policy.UpdateSignals(0, 0)
	f.policy.Tick(true)
}

// goHubLost drives the policy to a hub-lost verdict.
func (f *fixture) goHubLost() {
	f.policy.UpdateSignals(60_000, 0)
	f.policy.Tick(true)
}

func (f *fixture) enqueue(t *testing.T, cmd command.Scheduled) {
	t.Helper()
	if out := f.queue.Enqueue(cmd, f.queue.Generation()); out != schedqueue.OutcomeInserted {
		t.Fatalf("enqueue outcome = %v", out)
	}
}

func TestRunCycleAppliesDueCommandsInOrder(t *testing.T) {
	f := newFixture(t)
	f.goNominal()

	f.enqueue(t, command.Scheduled{
		Kind:               command.KindSceneChange,
		ApplyAtLocalMicros: f.now - 10,
		Scene:              command.SceneChange{EffectID: 2, PaletteID: 5},
	})
	f.enqueue(t, command.Scheduled{
		Kind:               command.KindParameterDelta,
		ApplyAtLocalMicros: f.now - 5,
		Params:             command.ParameterDelta{Flags: command.ParamFlagBrightness, Brightness: 200},
	})
	f.enqueue(t, command.Scheduled{
		Kind:               command.KindBeatTick,
		ApplyAtLocalMicros: f.now + 50_000, // not yet due
		Beat:               command.BeatTick{BeatIndex: 9},
	})

	f.coord.RunCycle(f.now)

	got := f.coord.Snapshot()
	if got.EffectID != 2 || got.PaletteID != 5 {
		t.Fatalf("scene = (%d,%d), want (2,5)", got.EffectID, got.PaletteID)
	}
	if got.Brightness != 200 {
		t.Fatalf("brightness = %d, want 200", got.Brightness)
	}
	if got.BeatIndex != 0 {
		t.Fatalf("future beat tick applied early")
	}
	if f.queue.Count() != 1 {
		t.Fatalf("queue count = %d, want 1 (future command retained)", f.queue.Count())
	}
}

func TestParameterDeltaOnlyTouchesFlaggedFields(t *testing.T) {
	f := newFixture(t)
	f.goNominal()

	f.enqueue(t, command.Scheduled{
		Kind:               command.KindParameterDelta,
		ApplyAtLocalMicros: f.now,
		Params: command.ParameterDelta{
			Flags:      command.ParamFlagBrightness | command.ParamFlagHue,
			Brightness: 128,
			Hue:        300,
			Speed:      99, // unflagged; must be ignored
		},
	})
	f.coord.RunCycle(f.now)

	got := f.coord.Snapshot()
	if got.Brightness != 128 || got.Hue != 300 {
		t.Fatalf("flagged fields not applied: %+v", got)
	}
	if got.Speed != 0 {
		t.Fatalf("unflagged speed applied: %d", got.Speed)
	}
}

func TestZoneUpdateIsScopedToItsZone(t *testing.T) {
	f := newFixture(t)
	f.goNominal()

	f.enqueue(t, command.Scheduled{
		Kind:               command.KindZoneUpdate,
		ApplyAtLocalMicros: f.now,
		Zone: command.ZoneUpdate{
			ZoneID:   3,
			Flags:    command.ZoneFlagEffect | command.ZoneFlagBlend,
			EffectID: 7,
			BlendMode: 2,
		},
	})
	f.coord.RunCycle(f.now)

	got := f.coord.Snapshot()
	if got.Zones[3].EffectID != 7 || got.Zones[3].BlendMode != 2 {
		t.Fatalf("zone 3 = %+v", got.Zones[3])
	}
	for i, z := range got.Zones {
		if i == 3 {
			continue
		}
		if z != (ZoneState{}) {
			t.Fatalf("zone %d modified: %+v", i, z)
		}
	}
}

func TestOutOfRangeZoneIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.goNominal()

	f.enqueue(t, command.Scheduled{
		Kind:               command.KindZoneUpdate,
		ApplyAtLocalMicros: f.now,
		Zone:               command.ZoneUpdate{ZoneID: ZoneCount + 1, Flags: command.ZoneFlagEffect, EffectID: 9},
	})
	f.coord.RunCycle(f.now)

	got := f.coord.Snapshot()
	for i, z := range got.Zones {
		if z != (ZoneState{}) {
			t.Fatalf("zone %d modified by out-of-range update: %+v", i, z)
		}
	}
}

func TestHubLostPinsFallbackScene(t *testing.T) {
	f := newFixture(t)
	f.goNominal()

	// A scene applied while nominal becomes the fallback.
	f.enqueue(t, command.Scheduled{
		Kind:               command.KindSceneChange,
		ApplyAtLocalMicros: f.now,
		Scene:              command.SceneChange{EffectID: 4, PaletteID: 2},
	})
	f.coord.RunCycle(f.now)

	// Hub disappears; a straggler command changes the live scene first.
	f.goHubLost()
	f.now += 10_000
	f.enqueue(t, command.Scheduled{
		Kind:               command.KindSceneChange,
		ApplyAtLocalMicros: f.now,
		Scene:              command.SceneChange{EffectID: 11, PaletteID: 11},
	})
	f.coord.RunCycle(f.now)

	if !f.coord.FallbackActive() {
		t.Fatalf("fallback not active under hub loss")
	}
	got := f.coord.Snapshot()
	if got.EffectID != 4 || got.PaletteID != 2 {
		t.Fatalf("output = (%d,%d), want fallback (4,2)", got.EffectID, got.PaletteID)
	}

	// Recovery drops the pin.
	f.goNominal()
	f.now += 10_000
	f.coord.RunCycle(f.now)
	if f.coord.FallbackActive() {
		t.Fatalf("fallback still active after recovery")
	}
}

func TestFallbackUsesIdleSceneWhenNoneRecorded(t *testing.T) {
	f := newFixture(t)
	f.goHubLost()
	f.coord.RunCycle(f.now)

	got := f.coord.Snapshot()
	want := liveness.DefaultIdleScene
	if got.EffectID != want.EffectID || got.PaletteID != want.PaletteID {
		t.Fatalf("output = (%d,%d), want idle default (%d,%d)",
			got.EffectID, got.PaletteID, want.EffectID, want.PaletteID)
	}
}

func TestSceneAppliedWhileDegradedDoesNotBecomeFallback(t *testing.T) {
	f := newFixture(t)
	f.goNominal()

	f.enqueue(t, command.Scheduled{
		Kind:               command.KindSceneChange,
		ApplyAtLocalMicros: f.now,
		Scene:              command.SceneChange{EffectID: 4, PaletteID: 2},
	})
	f.coord.RunCycle(f.now)

	// Degraded: scene still applies to output but is not recorded.
	f.policy.UpdateSignals(5000, 0)
	f.policy.Tick(true)
	f.now += 10_000
	f.enqueue(t, command.Scheduled{
		Kind:               command.KindSceneChange,
		ApplyAtLocalMicros: f.now,
		Scene:              command.SceneChange{EffectID: 9, PaletteID: 9},
	})
	f.coord.RunCycle(f.now)

	got := f.coord.Snapshot()
	if got.EffectID != 9 {
		t.Fatalf("degraded scene not applied to output")
	}
	if fb := f.policy.FallbackScene(); fb.EffectID != 4 || fb.PaletteID != 2 {
		t.Fatalf("fallback = %+v, want the nominal-era scene (4,2)", fb)
	}
}

func TestSeedSceneInitialisesOutput(t *testing.T) {
	f := newFixture(t)
	f.coord.SeedScene(liveness.Scene{EffectID: 6, PaletteID: 3})
	got := f.coord.Snapshot()
	if got.EffectID != 6 || got.PaletteID != 3 {
		t.Fatalf("seeded scene = (%d,%d), want (6,3)", got.EffectID, got.PaletteID)
	}
}
