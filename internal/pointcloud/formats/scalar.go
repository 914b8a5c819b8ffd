package formats

import (
	"encoding/binary"
	"math"
	"strconv"
)

// scalar describes a fixed-size numeric field.
type scalar struct {
	size   int
	float  bool
	signed bool
}

func (s scalar) decode(b []byte, order binary.ByteOrder) float64 {
	switch {
	case s.float && s.size == 4:
		return float64(math.Float32frombits(order.Uint32(b)))
	case s.float && s.size == 8:
		return math.Float64frombits(order.Uint64(b))
	case s.size == 1 && s.signed:
		return float64(int8(b[0]))
	case s.size == 1:
		return float64(b[0])
	case s.size == 2 && s.signed:
		return float64(int16(order.Uint16(b)))
	case s.size == 2:
		return float64(order.Uint16(b))
	case s.size == 4 && s.signed:
		return float64(int32(order.Uint32(b)))
	case s.size == 4:
		return float64(order.Uint32(b))
	case s.size == 8 && s.signed:
		return float64(int64(order.Uint64(b)))
	case s.size == 8:
		return float64(order.Uint64(b))
	}
	return math.NaN()
}

// bits returns the raw unsigned value, used for packed colour fields.
func (s scalar) bits(b []byte, order binary.ByteOrder) uint32 {
	switch s.size {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(order.Uint16(b))
	default:
		return order.Uint32(b)
	}
}

// unitScale is the divisor that maps an integer colour or intensity to [0,1].
func (s scalar) unitScale() float64 {
	if s.float {
		return 1
	}
	switch s.size {
	case 1:
		return math.MaxUint8
	case 2:
		return math.MaxUint16
	}
	return 1
}

// parseText parses an ascii value of this type.
func (s scalar) parseText(tok string) (float64, error) {
	if s.float {
		return strconv.ParseFloat(tok, 64)
	}
	if s.signed {
		v, err := strconv.ParseInt(tok, 10, 64)
		return float64(v), err
	}
	v, err := strconv.ParseUint(tok, 10, 64)
	return float64(v), err
}

// unpackRGB splits a packed 0x00RRGGBB value into unit colour components.
func unpackRGB(v uint32) (r, g, b float32) {
	return float32((v>>16)&0xff) / 255, float32((v>>8)&0xff) / 255, float32(v&0xff) / 255
}
