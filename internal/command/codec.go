package command

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// Wire framing. Every frame is fixed-width for its message type: a 4-byte
// header, a fixed body, and an 8-byte truncated keyed-BLAKE3 MAC over
// everything before it. No variable-length fields anywhere.
//
//	header: magic(2) version(1) msgType(1)
//	command body: kind(1) originSeq(4) applyAtHub(8) payload(12)
//	probe request body: generation(8) seq(4) t1(8)
//	probe response body: generation(8) seq(4) t1(8) t2(8) t3(8)

// MsgType discriminates frame contents.
type MsgType uint8

const (
	MsgCommand MsgType = iota + 1
	MsgProbeRequest
	MsgProbeResponse
)

const (
	frameMagic   uint16 = 0x4C57 // "LW"
	frameVersion uint8  = 1

	headerSize  = 4
	macSize     = 8
	payloadSize = 12

	commandBodySize       = 1 + 4 + 8 + payloadSize
	probeRequestBodySize  = 8 + 4 + 8
	probeResponseBodySize = 8 + 4 + 8 + 8 + 8

	// CommandFrameSize is the exact length of a command frame.
	CommandFrameSize = headerSize + commandBodySize + macSize
	// ProbeRequestFrameSize is the exact length of a probe request frame.
	ProbeRequestFrameSize = headerSize + probeRequestBodySize + macSize
	// ProbeResponseFrameSize is the exact length of a probe response frame.
	ProbeResponseFrameSize = headerSize + probeResponseBodySize + macSize
)

var (
	ErrFrameTooShort  = errors.New("command: frame too short")
	ErrBadMagic       = errors.New("command: bad frame magic")
	ErrBadVersion     = errors.New("command: unsupported frame version")
	ErrBadMAC         = errors.New("command: frame MAC mismatch")
	ErrBadLength      = errors.New("command: frame length does not match message type")
	ErrUnknownMessage = errors.New("command: unknown message type")
	ErrUnknownKind    = errors.New("command: unknown command kind")
)

// ProbeRequest is a node-originated time probe. T1 is the node's local send
// timestamp; Generation scopes the sequence space to one session so a
// response that straddles a reset can never feed the new session's estimate.
type ProbeRequest struct {
	Generation uint64
	Sequence   uint32
	T1Micros   int64
}

// ProbeResponse is the hub's answer: T2 is the hub receive timestamp, T3 the
// hub send timestamp. T4 is stamped by the node on arrival and never crosses
// the wire.
type ProbeResponse struct {
	Generation uint64
	Sequence   uint32
	T1Micros   int64
	T2Micros   int64
	T3Micros   int64
}

// Message is a decoded frame. Exactly one of the payload fields is
// meaningful, selected by Type.
type Message struct {
	Type          MsgType
	Command       Wire
	ProbeRequest  ProbeRequest
	ProbeResponse ProbeResponse
}

// Codec encodes and decodes authenticated frames. The shared secret is
// stretched to a 32-byte BLAKE3 key at construction; every frame carries an
// 8-byte truncated keyed MAC and frames failing the check are rejected
// before any field is decoded.
type Codec struct {
	key [32]byte
}

// NewCodec derives the frame key from the session's shared secret.
func NewCodec(secret string) *Codec {
	return &Codec{key: blake3.Sum256([]byte(secret))}
}

func (c *Codec) sign(frame []byte) error {
	h, err := blake3.NewKeyed(c.key[:])
	if err != nil {
		return fmt.Errorf("command: keyed hash init: %w", err)
	}
	h.Write(frame[:len(frame)-macSize])
	copy(frame[len(frame)-macSize:], h.Sum(nil)[:macSize])
	return nil
}

func (c *Codec) verify(frame []byte) bool {
	h, err := blake3.NewKeyed(c.key[:])
	if err != nil {
		return false
	}
	h.Write(frame[:len(frame)-macSize])
	sum := h.Sum(nil)
	got := frame[len(frame)-macSize:]
	var diff byte
	for i := 0; i < macSize; i++ {
		diff |= sum[i] ^ got[i]
	}
	return diff == 0
}

func putHeader(frame []byte, t MsgType) {
	binary.BigEndian.PutUint16(frame[0:2], frameMagic)
	frame[2] = frameVersion
	frame[3] = byte(t)
}

// EncodeCommand serializes and signs a command frame.
func (c *Codec) EncodeCommand(w Wire) ([]byte, error) {
	if w.Kind < KindSceneChange || w.Kind > KindZoneUpdate {
		return nil, ErrUnknownKind
	}
	frame := make([]byte, CommandFrameSize)
	putHeader(frame, MsgCommand)

	b := frame[headerSize:]
	b[0] = byte(w.Kind)
	binary.BigEndian.PutUint32(b[1:5], w.OriginSequence)
	binary.BigEndian.PutUint64(b[5:13], uint64(w.ApplyAtHubMicros))
	encodePayload(b[13:13+payloadSize], w)

	if err := c.sign(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// EncodeProbeRequest serializes and signs a probe request frame.
func (c *Codec) EncodeProbeRequest(p ProbeRequest) ([]byte, error) {
	frame := make([]byte, ProbeRequestFrameSize)
	putHeader(frame, MsgProbeRequest)

	b := frame[headerSize:]
	binary.BigEndian.PutUint64(b[0:8], p.Generation)
	binary.BigEndian.PutUint32(b[8:12], p.Sequence)
	binary.BigEndian.PutUint64(b[12:20], uint64(p.T1Micros))

	if err := c.sign(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// EncodeProbeResponse serializes and signs a probe response frame.
func (c *Codec) EncodeProbeResponse(p ProbeResponse) ([]byte, error) {
	frame := make([]byte, ProbeResponseFrameSize)
	putHeader(frame, MsgProbeResponse)

	b := frame[headerSize:]
	binary.BigEndian.PutUint64(b[0:8], p.Generation)
	binary.BigEndian.PutUint32(b[8:12], p.Sequence)
	binary.BigEndian.PutUint64(b[12:20], uint64(p.T1Micros))
	binary.BigEndian.PutUint64(b[20:28], uint64(p.T2Micros))
	binary.BigEndian.PutUint64(b[28:36], uint64(p.T3Micros))

	if err := c.sign(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Decode authenticates and parses one frame.
func (c *Codec) Decode(frame []byte) (Message, error) {
	if len(frame) < headerSize+macSize {
		return Message{}, ErrFrameTooShort
	}
	if binary.BigEndian.Uint16(frame[0:2]) != frameMagic {
		return Message{}, ErrBadMagic
	}
	if frame[2] != frameVersion {
		return Message{}, ErrBadVersion
	}
	if !c.verify(frame) {
		return Message{}, ErrBadMAC
	}

	t := MsgType(frame[3])
	b := frame[headerSize : len(frame)-macSize]
	switch t {
	case MsgCommand:
		if len(b) != commandBodySize {
			return Message{}, ErrBadLength
		}
		w := Wire{
			Kind:             Kind(b[0]),
			OriginSequence:   binary.BigEndian.Uint32(b[1:5]),
			ApplyAtHubMicros: int64(binary.BigEndian.Uint64(b[5:13])),
		}
		if w.Kind < KindSceneChange || w.Kind > KindZoneUpdate {
			return Message{}, ErrUnknownKind
		}
		decodePayload(b[13:13+payloadSize], &w)
		return Message{Type: MsgCommand, Command: w}, nil

	case MsgProbeRequest:
		if len(b) != probeRequestBodySize {
			return Message{}, ErrBadLength
		}
		return Message{Type: MsgProbeRequest, ProbeRequest: ProbeRequest{
			Generation: binary.BigEndian.Uint64(b[0:8]),
			Sequence:   binary.BigEndian.Uint32(b[8:12]),
			T1Micros:   int64(binary.BigEndian.Uint64(b[12:20])),
		}}, nil

	case MsgProbeResponse:
		if len(b) != probeResponseBodySize {
			return Message{}, ErrBadLength
		}
		return Message{Type: MsgProbeResponse, ProbeResponse: ProbeResponse{
			Generation: binary.BigEndian.Uint64(b[0:8]),
			Sequence:   binary.BigEndian.Uint32(b[8:12]),
			T1Micros:   int64(binary.BigEndian.Uint64(b[12:20])),
			T2Micros:   int64(binary.BigEndian.Uint64(b[20:28])),
			T3Micros:   int64(binary.BigEndian.Uint64(b[28:36])),
		}}, nil

	default:
		return Message{}, ErrUnknownMessage
	}
}

func encodePayload(p []byte, w Wire) {
	switch w.Kind {
	case KindSceneChange:
		p[0] = w.Scene.EffectID
		p[1] = w.Scene.PaletteID
	case KindParameterDelta:
		binary.BigEndian.PutUint16(p[0:2], w.Params.Flags)
		p[2] = w.Params.Brightness
		p[3] = w.Params.Speed
		p[4] = w.Params.PaletteID
		binary.BigEndian.PutUint16(p[5:7], w.Params.Hue)
		p[7] = w.Params.Intensity
		p[8] = w.Params.Saturation
		p[9] = w.Params.Complexity
		p[10] = w.Params.Variation
	case KindBeatTick:
		binary.BigEndian.PutUint32(p[0:4], w.Beat.BeatIndex)
		binary.BigEndian.PutUint16(p[4:6], w.Beat.BPMx100)
	case KindZoneUpdate:
		p[0] = w.Zone.ZoneID
		p[1] = w.Zone.Flags
		p[2] = w.Zone.EffectID
		p[3] = w.Zone.Brightness
		p[4] = w.Zone.Speed
		p[5] = w.Zone.PaletteID
		p[6] = w.Zone.BlendMode
	}
}

func decodePayload(p []byte, w *Wire) {
	switch w.Kind {
	case KindSceneChange:
		w.Scene.EffectID = p[0]
		w.Scene.PaletteID = p[1]
	case KindParameterDelta:
		w.Params.Flags = binary.BigEndian.Uint16(p[0:2])
		w.Params.Brightness = p[2]
		w.Params.Speed = p[3]
		w.Params.PaletteID = p[4]
		w.Params.Hue = binary.BigEndian.Uint16(p[5:7])
		w.Params.Intensity = p[7]
		w.Params.Saturation = p[8]
		w.Params.Complexity = p[9]
		w.Params.Variation = p[10]
	case KindZoneUpdate:
		w.Zone.ZoneID = p[0]
		w.Zone.Flags = p[1]
		w.Zone.EffectID = p[2]
		w.Zone.Brightness = p[3]
		w.Zone.Speed = p[4]
		w.Zone.PaletteID = p[5]
		w.Zone.BlendMode = p[6]
	case KindBeatTick:
		w.Beat.BeatIndex = binary.BigEndian.Uint32(p[0:4])
		w.Beat.BPMx100 = binary.BigEndian.Uint16(p[4:6])
	}
}
