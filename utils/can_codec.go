package utils

import (
	"fmt"
	"math"

	"go.einride.tech/can"
)

// EncodeFrame packs physical signal values into a frame ready to transmit.
// Missing signals take their default; values are clamped to [min, max]
// (a 0,0 range means unbounded) and to the raw range of the signal.
func (m *CANMap) EncodeFrame(frameName string, values map[string]float64) (can.Frame, error) {
	fd, err := m.FrameByName(frameName)
	if err != nil {
		return can.Frame{}, err
	}

	var payload uint64
	for _, s := range fd.Signals {
		v, ok := values[s.Name]
		if !ok {
			v = s.Default
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return can.Frame{}, fmt.Errorf("frame %s signal %s: non-finite value %v", fd.Name, s.Name, v)
		}
		v = clamp(v, s.Min, s.Max)

		raw := int64(math.Round((v - s.Offset) / s.Factor))
		raw = clampRaw(raw, s.BitLength, s.Signed)
		payload = setBits(payload, s.StartBit, s.BitLength, uint64(raw))
	}

	f := can.Frame{ID: fd.ID, Length: uint8(fd.DLC)}
	for i := 0; i < fd.DLC; i++ {
		f.Data[i] = byte(payload >> (8 * i))
	}
	return f, nil
}

// DecodeFrame unpacks every signal of a known frame into physical units.
func (m *CANMap) DecodeFrame(frame can.Frame) (map[string]float64, error) {
	fd, err := m.FrameByID(frame.ID)
	if err != nil {
		return nil, err
	}
	if int(frame.Length) < fd.DLC {
		return nil, fmt.Errorf("frame 0x%X expects DLC %d, got %d", frame.ID, fd.DLC, frame.Length)
	}

	var payload uint64
	for i := 0; i < fd.DLC; i++ {
		payload |= uint64(frame.Data[i]) << (8 * i)
	}

	out := make(map[string]float64, len(fd.Signals))
	for _, s := range fd.Signals {
		u := getBits(payload, s.StartBit, s.BitLength)
		var raw int64
		if s.Signed {
			raw = signExtend(u, s.BitLength)
		} else {
			raw = int64(u)
		}
		out[s.Name] = float64(raw)*s.Factor + s.Offset
	}
	return out, nil
}

func bitMask(bitLen int) uint64 {
	if bitLen >= 64 {
		return math.MaxUint64
	}
	return (uint64(1) << bitLen) - 1
}

func getBits(payload uint64, startBit, bitLen int) uint64 {
	return (payload >> startBit) & bitMask(bitLen)
}

func setBits(payload uint64, startBit, bitLen int, value uint64) uint64 {
	mask := bitMask(bitLen)
	payload &^= mask << startBit
	return payload | (value&mask)<<startBit
}

func signExtend(u uint64, bitLen int) int64 {
	if bitLen >= 64 {
		return int64(u)
	}
	shift := 64 - bitLen
	return int64(u<<shift) >> shift
}

func clamp(v, lo, hi float64) float64 {
	if lo == 0 && hi == 0 {
		return v
	}
	return math.Min(math.Max(v, lo), hi)
}

func clampRaw(raw int64, bitLen int, signed bool) int64 {
	if bitLen >= 63 {
		return raw
	}
	var lo, hi int64
	if signed {
		lo = -(int64(1) << (bitLen - 1))
		hi = (int64(1) << (bitLen - 1)) - 1
	} else {
		hi = (int64(1) << bitLen) - 1
	}
	if raw < lo {
		return lo
	}
	if raw > hi {
		return hi
	}
	return raw
}
