// Package frame runs the render cycle: on every tick it drains the commands
// that have come due, folds them into the render state, and overrides the
// output with the fallback scene while the hub is considered lost.
package frame

import (
	"context"
	"sync"
	"time"

	"github.com/lightwavelabs/node-sync/internal/clocksync"
	"github.com/lightwavelabs/node-sync/internal/command"
	"github.com/lightwavelabs/node-sync/internal/liveness"
	"github.com/lightwavelabs/node-sync/internal/logging"
	"github.com/lightwavelabs/node-sync/internal/observability"
	"github.com/lightwavelabs/node-sync/internal/schedqueue"
)

// ZoneCount is the number of independently addressable zones.
const ZoneCount = 8

// ZoneState is one zone's render parameters.
type ZoneState struct {
	EffectID   uint8
	Brightness uint8
	Speed      uint8
	PaletteID  uint8
	BlendMode  uint8
}

// RenderState is everything the output stage needs to draw a frame. It is a
// plain value: RunCycle mutates the coordinator's copy and Snapshot hands out
// copies, so no caller can alias the live state.
type RenderState struct {
	EffectID   uint8
	PaletteID  uint8
	Brightness uint8
	Speed      uint8
	Hue        uint16
	Intensity  uint8
	Saturation uint8
	Complexity uint8
	Variation  uint8

	BeatIndex uint32
	BPMx100   uint16

	Zones [ZoneCount]ZoneState
}

// LinkStatus reports the transport's view of the hub link. Satisfied by
// *transport.Transport.
type LinkStatus interface {
	LinkUp() bool
	SessionEstablished() bool
}

// Coordinator drives the render cycle.
type Coordinator struct {
	queue   *schedqueue.Queue
	policy  *liveness.Policy
	link    LinkStatus
	clock   clocksync.LocalClock
	metrics *observability.FrameCollector
	log     logging.Logger

	interval time.Duration

	// buf is reused across cycles so extraction never allocates.
	buf []command.Scheduled

	// mu guards state and fallbackActive; Snapshot may be called from the
	// persistence goroutine while the cycle loop runs.
	mu             sync.Mutex
	state          RenderState
	fallbackActive bool
}

// NewCoordinator sizes the per-cycle extraction buffer at maxPerCycle.
func NewCoordinator(queue *schedqueue.Queue, policy *liveness.Policy, link LinkStatus, clock clocksync.LocalClock, interval time.Duration, maxPerCycle int, metrics *observability.FrameCollector, log logging.Logger) *Coordinator {
	if log == nil {
		log = logging.Noop()
	}
	if maxPerCycle <= 0 {
		maxPerCycle = 16
	}
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &Coordinator{
		queue:    queue,
		policy:   policy,
		link:     link,
		clock:    clock,
		metrics:  metrics,
		log:      log,
		interval: interval,
		buf:      make([]command.Scheduled, maxPerCycle),
	}
}

// Run ticks RunCycle at the configured interval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			c.RunCycle(c.clock())
			c.metrics.ObserveCycle(time.Since(start).Seconds())
		}
	}
}

// RunCycle executes one render cycle at the given local time: refresh the
// posture, apply every due command, then reconcile the output against the
// liveness verdict.
func (c *Coordinator) RunCycle(nowMicros int64) {
	n := c.queue.ExtractDue(nowMicros, c.buf)

	linkUp, authenticated := false, false
	if c.link != nil {
		linkUp = c.link.LinkUp()
		authenticated = c.link.SessionEstablished()
	}
	c.policy.ComposePosture(linkUp, authenticated)

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < n; i++ {
		c.apply(c.buf[i])
	}

	if c.policy.Verdict() == liveness.VerdictHubLost {
		// Re-asserted every cycle so a straggler command cannot displace
		// the fallback while the hub is still lost.
		scene := c.policy.FallbackScene()
		c.state.EffectID = scene.EffectID
		c.state.PaletteID = scene.PaletteID
		if !c.fallbackActive {
			c.fallbackActive = true
			c.metrics.SetFallbackActive(true)
			c.log.Warn(context.Background(), "hub lost; holding fallback scene",
				logging.Uint64("effect_id", uint64(scene.EffectID)),
				logging.Uint64("palette_id", uint64(scene.PaletteID)),
			)
		}
	} else if c.fallbackActive {
		c.fallbackActive = false
		c.metrics.SetFallbackActive(false)
		c.log.Info(context.Background(), "hub contact restored; resuming scheduled output")
	}
}

// apply folds one command into the render state. A scene change applied
// while the hub is trustworthy is recorded as the new fallback scene.
func (c *Coordinator) apply(cmd command.Scheduled) {
	switch cmd.Kind {
	case command.KindSceneChange:
		c.state.EffectID = cmd.Scene.EffectID
		c.state.PaletteID = cmd.Scene.PaletteID
		c.policy.RecordScene(liveness.Scene{
			EffectID:  cmd.Scene.EffectID,
			PaletteID: cmd.Scene.PaletteID,
		})

	case command.KindParameterDelta:
		p := cmd.Params
		if p.Flags&command.ParamFlagBrightness != 0 {
			c.state.Brightness = p.Brightness
		}
		if p.Flags&command.ParamFlagSpeed != 0 {
			c.state.Speed = p.Speed
		}
		if p.Flags&command.ParamFlagPalette != 0 {
			c.state.PaletteID = p.PaletteID
		}
		if p.Flags&command.ParamFlagHue != 0 {
			c.state.Hue = p.Hue
		}
		if p.Flags&command.ParamFlagIntensity != 0 {
			c.state.Intensity = p.Intensity
		}
		if p.Flags&command.ParamFlagSaturation != 0 {
			c.state.Saturation = p.Saturation
		}
		if p.Flags&command.ParamFlagComplexity != 0 {
			c.state.Complexity = p.Complexity
		}
		if p.Flags&command.ParamFlagVariation != 0 {
			c.state.Variation = p.Variation
		}

	case command.KindBeatTick:
		c.state.BeatIndex = cmd.Beat.BeatIndex
		c.state.BPMx100 = cmd.Beat.BPMx100

	case command.KindZoneUpdate:
		z := cmd.Zone
		if int(z.ZoneID) >= ZoneCount {
			c.log.Warn(context.Background(), "zone update for out-of-range zone",
				logging.Uint64("zone_id", uint64(z.ZoneID)),
			)
			return
		}
		zone := &c.state.Zones[z.ZoneID]
		if z.Flags&command.ZoneFlagEffect != 0 {
			zone.EffectID = z.EffectID
		}
		if z.Flags&command.ZoneFlagBrightness != 0 {
			zone.Brightness = z.Brightness
		}
		if z.Flags&command.ZoneFlagSpeed != 0 {
			zone.Speed = z.Speed
		}
		if z.Flags&command.ZoneFlagPalette != 0 {
			zone.PaletteID = z.PaletteID
		}
		if z.Flags&command.ZoneFlagBlend != 0 {
			zone.BlendMode = z.BlendMode
		}

	default:
		c.log.Warn(context.Background(), "unapplicable command kind",
			logging.String("kind", cmd.Kind.String()),
		)
		return
	}

	c.metrics.CountApplied(cmd.Kind.String(), 1)
}

// SeedScene initialises the render output, typically from the persisted
// scene at boot.
func (c *Coordinator) SeedScene(s liveness.Scene) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.EffectID = s.EffectID
	c.state.PaletteID = s.PaletteID
}

// Snapshot returns a copy of the current render state.
func (c *Coordinator) Snapshot() RenderState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FallbackActive reports whether the output is currently pinned to the
// fallback scene.
func (c *Coordinator) FallbackActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallbackActive
}
