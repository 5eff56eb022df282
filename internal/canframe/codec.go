package canframe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrProtocol marks a wire record that UnmarshalFrame rejects: one of the
// wrong length or without the AT preamble. Feedback decode of a
// non-feedback frame is not an error; see UnpackRawFeedback.
var ErrProtocol = errors.New("canframe: protocol error")

// LinearScale maps a signed physical range onto the 16-bit unsigned
// integer lattice used on the wire.
type LinearScale struct {
	Min, Max float32
}

const u16Span = float32(1<<16 - 1)

// Encode maps x into the [0, 65535] lattice for this scale's range.
// It truncates rather than rounds (matching the reference device driver)
// and does not clamp: callers pick values within [Min,Max] themselves.
func (s LinearScale) Encode(x float32) uint16 {
	span := s.Max - s.Min
	return uint16((x - s.Min) * u16Span / span)
}

// Decode maps a wire integer back to a physical value in [Min,Max].
func (s LinearScale) Decode(u uint16) float32 {
	span := s.Max - s.Min
	return float32(u)*span/u16Span + s.Min
}

// PackBits packs values into a single word, value i occupying widths[i]
// bits at the bit offset equal to the sum of the preceding widths.
func PackBits(values []uint32, widths []uint8) uint32 {
	var result uint32
	var shift uint8
	for i, v := range values {
		mask := uint32(1)<<widths[i] - 1
		result |= (v & mask) << shift
		shift += widths[i]
	}
	return result
}

// UnpackBits reverses PackBits, returning one value per width in order.
func UnpackBits(word uint32, widths []uint8) []uint32 {
	out := make([]uint32, len(widths))
	cur := word
	for i, w := range widths {
		mask := uint32(1)<<w - 1
		out[i] = cur & mask
		cur >>= w
	}
	return out
}

var exIDWidths = []uint8{8, 16, 5, 3}

// ExtendedID is the 32-bit (but only 29 meaningful bits) CAN extended
// identifier used to address a motor and carry out-of-band data.
type ExtendedID struct {
	ID   uint8
	Data uint16
	Mode ComMode
	Res  uint8
}

// Pack serializes the identifier into its 4-byte big-endian wire form:
// {id:8,data:16,mode:5,res:3} packed, shifted left 3, OR'd with 0x4.
func (e ExtendedID) Pack() [4]byte {
	word := PackBits([]uint32{uint32(e.ID), uint32(e.Data), uint32(e.Mode), uint32(e.Res)}, exIDWidths)
	addr := (word << 3) | 0x00000004
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], addr)
	return out
}

// UnpackExtendedID reverses ExtendedID.Pack. Res always comes back as 0:
// Pack's shift left by 3 drops the 3 res bits from the 32-bit word.
func UnpackExtendedID(raw [4]byte) ExtendedID {
	addr := binary.BigEndian.Uint32(raw[:])
	fields := UnpackBits(addr>>3, exIDWidths)
	return ExtendedID{
		ID:   uint8(fields[0]),
		Data: uint16(fields[1]),
		Mode: comModeFromByte(uint8(fields[2])),
		Res:  uint8(fields[3]),
	}
}

const (
	frameWireLen = 17
	framePayload = 8
	preambleA    = 'A'
	preambleT    = 'T'
)

// Frame is one CAN-over-serial record: an extended id, a meaningful
// length, and up to 8 bytes of payload.
type Frame struct {
	ExID ExtendedID
	Len  uint8
	Data [framePayload]byte
}

// Marshal produces the 17-byte wire record. The encoder always emits all
// 8 payload bytes (zero-padded beyond Len): the adapter expects a fixed
// frame size regardless of the declared length, which is a decode-only
// hint.
func (f Frame) Marshal() [frameWireLen]byte {
	var out [frameWireLen]byte
	out[0] = preambleA
	out[1] = preambleT
	exid := f.ExID.Pack()
	copy(out[2:6], exid[:])
	out[6] = f.Len
	copy(out[7:15], f.Data[:])
	out[15] = '\r'
	out[16] = '\n'
	return out
}

// UnmarshalFrame parses exactly one 17-byte wire record, validating the
// AT preamble. Only the first Len payload bytes are meaningful.
func UnmarshalFrame(raw []byte) (Frame, error) {
	if len(raw) != frameWireLen {
		return Frame{}, fmt.Errorf("canframe: want %d bytes, got %d: %w", frameWireLen, len(raw), ErrProtocol)
	}
	if raw[0] != preambleA || raw[1] != preambleT {
		return Frame{}, fmt.Errorf("canframe: bad preamble %q: %w", raw[0:2], ErrProtocol)
	}
	var f Frame
	var exid [4]byte
	copy(exid[:], raw[2:6])
	f.ExID = UnpackExtendedID(exid)
	f.Len = raw[6]
	copy(f.Data[:], raw[7:15])
	return f, nil
}

// MITPayload is the 8-byte command body for an MIT-mode PD command.
// Torque is not part of the payload; it rides in ExtendedID.Data.
type MITPayload struct {
	Pos, Vel, Kp, Kd uint16
}

// Marshal packs the four fields as big-endian pairs.
func (p MITPayload) Marshal() [framePayload]byte {
	var out [framePayload]byte
	binary.BigEndian.PutUint16(out[0:2], p.Pos)
	binary.BigEndian.PutUint16(out[2:4], p.Vel)
	binary.BigEndian.PutUint16(out[4:6], p.Kp)
	binary.BigEndian.PutUint16(out[6:8], p.Kd)
	return out
}

// ParseMITPayload reverses MITPayload.Marshal.
func ParseMITPayload(data [framePayload]byte) MITPayload {
	return MITPayload{
		Pos: binary.BigEndian.Uint16(data[0:2]),
		Vel: binary.BigEndian.Uint16(data[2:4]),
		Kp:  binary.BigEndian.Uint16(data[4:6]),
		Kd:  binary.BigEndian.Uint16(data[6:8]),
	}
}

// RawFeedback is the feedback frame's fields still in wire-integer form.
type RawFeedback struct {
	CanID     uint8
	PosInt    uint16
	VelInt    uint16
	TorqueInt uint16
	Mode      MotorMode
	Faults    uint16
}

// UnpackRawFeedback extracts can_id/faults/mode from ExID.Data and, only
// when the frame's mode is MotorFeedback, the three big-endian position/
// velocity/torque words from the payload. For any other mode the integer
// fields are zeroed but CanID/Mode/Faults are preserved, matching the
// original's tolerant decode.
func UnpackRawFeedback(f Frame) RawFeedback {
	canID := uint8(f.ExID.Data & 0x00FF)
	faults := (f.ExID.Data & 0x3F00) >> 8
	mode := motorModeFromBits(uint8((f.ExID.Data & 0xC000) >> 14))

	rf := RawFeedback{CanID: canID, Mode: mode, Faults: faults}
	if f.ExID.Mode != MotorFeedback {
		return rf
	}
	rf.PosInt = binary.BigEndian.Uint16(f.Data[0:2])
	rf.VelInt = binary.BigEndian.Uint16(f.Data[2:4])
	rf.TorqueInt = binary.BigEndian.Uint16(f.Data[4:6])
	return rf
}

// MotorFeedback is fully decoded, engineering-unit telemetry for one motor.
type MotorFeedback struct {
	CanID    uint8
	Position float32
	Velocity float32
	Torque   float32
	Mode     MotorMode
	Faults   uint16
}

// DecodeFeedback applies cfg's physical ranges to a RawFeedback.
func DecodeFeedback(rf RawFeedback, cfg *MotorConfig) MotorFeedback {
	return MotorFeedback{
		CanID:    rf.CanID,
		Position: LinearScale{cfg.PMin, cfg.PMax}.Decode(rf.PosInt),
		Velocity: LinearScale{cfg.VMin, cfg.VMax}.Decode(rf.VelInt),
		Torque:   LinearScale{cfg.TMin, cfg.TMax}.Decode(rf.TorqueInt),
		Mode:     rf.Mode,
		Faults:   rf.Faults,
	}
}
