package hardware

import "math"

const bitsPerByte = 8

// canSignal describes a little-endian scaled integer packed into a CAN payload. Signals
// are at most 32 bits wide.
type canSignal struct {
	scalar float64
	offset float64
	start  uint8 // least significant bit
	length uint8 // bits
	signed bool
}

// byteMask returns the bits of payload byte byteNum covered by a signal spanning bits
// lsb through msb of the payload.
func byteMask(byteNum, lsb, msb uint8) uint8 {
	byteLsb := int(byteNum) * bitsPerByte
	byteMsb := byteLsb + bitsPerByte - 1

	var maskLsb, maskMsb uint8
	if int(lsb) > byteLsb {
		maskLsb = uint8(int(lsb) - byteLsb)
	}
	if int(msb) >= byteMsb {
		maskMsb = bitsPerByte - 1
	} else {
		maskMsb = uint8(int(msb) - byteLsb)
	}
	return (uint8(0xFF) << (maskMsb + 1)) ^ (uint8(0xFF) << maskLsb)
}

// decode extracts the signal from data and applies its scale and offset.
func (s canSignal) decode(data []byte) float64 {
	lsb := s.start
	msb := s.start + s.length - 1
	first := lsb / bitsPerByte
	last := msb / bitsPerByte
	if int(last) >= len(data) {
		return math.NaN()
	}

	var raw uint32
	for i := first; i <= last; i++ {
		raw |= uint32(byteMask(i, lsb, msb)&data[i]) << ((i - first) * bitsPerByte)
	}
	raw >>= lsb - first*bitsPerByte

	var value float64
	if s.signed {
		if raw&(1<<(s.length-1)) != 0 && s.length < 32 {
			raw |= math.MaxUint32 << s.length
		}
		value = float64(int32(raw))
	} else {
		value = float64(raw)
	}
	return value*s.scalar + s.offset
}

// encode packs value into data, saturating at the range the signal can represent.
func (s canSignal) encode(data []byte, value float64) {
	raw := math.Round((value - s.offset) / s.scalar)
	lo, hi := 0.0, math.Ldexp(1, int(s.length))-1
	if s.signed {
		lo = -math.Ldexp(1, int(s.length)-1)
		hi = math.Ldexp(1, int(s.length)-1) - 1
	}
	if math.IsNaN(raw) {
		raw = 0
	}
	raw = math.Max(lo, math.Min(hi, raw))
	bits := uint32(int64(raw))

	for i := uint8(0); i < s.length; i++ {
		bit := s.start + i
		mask := uint8(1) << (bit % bitsPerByte)
		if bits&(1<<i) != 0 {
			data[bit/bitsPerByte] |= mask
		} else {
			data[bit/bitsPerByte] &^= mask
		}
	}
}
