// Package command defines the hub-issued command types a node schedules and
// applies, and the fixed-width wire codec that carries them. Commands are
// value types with no variable-length fields: they are copied into and out
// of the scheduler queue, never referenced by pointer across that boundary.
package command

// Kind discriminates the command union.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSceneChange
	KindParameterDelta
	KindBeatTick
	KindZoneUpdate
)

func (k Kind) String() string {
	switch k {
	case KindSceneChange:
		return "scene_change"
	case KindParameterDelta:
		return "parameter_delta"
	case KindBeatTick:
		return "beat_tick"
	case KindZoneUpdate:
		return "zone_update"
	default:
		return "unknown"
	}
}

// ParameterDelta flag bits: a set bit marks the corresponding field as
// carrying a value; unset fields leave the render state untouched.
const (
	ParamFlagBrightness uint16 = 1 << iota
	ParamFlagSpeed
	ParamFlagPalette
	ParamFlagHue
	ParamFlagIntensity
	ParamFlagSaturation
	ParamFlagComplexity
	ParamFlagVariation
)

// ZoneUpdate flag bits.
const (
	ZoneFlagEffect uint8 = 1 << iota
	ZoneFlagBrightness
	ZoneFlagSpeed
	ZoneFlagPalette
	ZoneFlagBlend
)

// SceneChange selects a new effect/palette pair.
type SceneChange struct {
	EffectID  uint8
	PaletteID uint8
}

// ParameterDelta adjusts global render parameters. Flags marks which fields
// are present.
type ParameterDelta struct {
	Flags      uint16
	Brightness uint8
	Speed      uint8
	PaletteID  uint8
	Hue        uint16
	Intensity  uint8
	Saturation uint8
	Complexity uint8
	Variation  uint8
}

// BeatTick marks a beat boundary for audio-locked effects. BPMx100 is the
// tempo in hundredths of a beat per minute.
type BeatTick struct {
	BeatIndex uint32
	BPMx100   uint16
}

// ZoneUpdate adjusts one zone's render parameters. Flags marks which fields
// are present.
type ZoneUpdate struct {
	ZoneID     uint8
	Flags      uint8
	EffectID   uint8
	Brightness uint8
	Speed      uint8
	PaletteID  uint8
	BlendMode  uint8
}

// Scheduled is a command stamped with the local time at which it must take
// effect. The variant selected by Kind is the only payload field with
// meaning; the others are zero.
type Scheduled struct {
	Kind               Kind
	ApplyAtLocalMicros int64
	OriginSequence     uint32

	Scene  SceneChange
	Params ParameterDelta
	Beat   BeatTick
	Zone   ZoneUpdate
}

// CoalesceTarget identifies the (kind, target) slot a command competes for
// under queue pressure: commands of the same kind coalesce, except
// ZoneUpdate which coalesces per zone.
type CoalesceTarget struct {
	Kind Kind
	Zone uint8
}

// Target returns the command's coalescing identity.
func (s Scheduled) Target() CoalesceTarget {
	t := CoalesceTarget{Kind: s.Kind}
	if s.Kind == KindZoneUpdate {
		t.Zone = s.Zone.ZoneID
	}
	return t
}

// Wire is a command as carried on the hub link: the same payload as
// Scheduled but stamped with hub time. The transport converts it to a
// Scheduled once the hub apply-at has been resolved to local time.
type Wire struct {
	Kind             Kind
	OriginSequence   uint32
	ApplyAtHubMicros int64

	Scene  SceneChange
	Params ParameterDelta
	Beat   BeatTick
	Zone   ZoneUpdate
}

// Scheduled stamps the wire command with a resolved local apply-at time.
func (w Wire) Scheduled(applyAtLocalMicros int64) Scheduled {
	return Scheduled{
		Kind:               w.Kind,
		ApplyAtLocalMicros: applyAtLocalMicros,
		OriginSequence:     w.OriginSequence,
		Scene:              w.Scene,
		Params:             w.Params,
		Beat:               w.Beat,
		Zone:               w.Zone,
	}
}
