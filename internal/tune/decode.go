package tune

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/openefi/megalink/internal/ini"
)

var ErrOutOfRange = errors.New("value outside declared range")

// DecodeRaw extracts the unscaled value of one field from data, which
// must hold at least the field's width at offset 0.
func DecodeRaw(data []byte, t ini.DataType, big bool) (float64, error) {
	if len(data) < t.Size() {
		return 0, fmt.Errorf("%w: %d bytes for %s", ErrByteRange, len(data), t)
	}
	order := byteOrder(big)
	switch t {
	case ini.TypeU08:
		return float64(data[0]), nil
	case ini.TypeS08:
		return float64(int8(data[0])), nil
	case ini.TypeU16:
		return float64(order.Uint16(data)), nil
	case ini.TypeS16:
		return float64(int16(order.Uint16(data))), nil
	case ini.TypeU32:
		return float64(order.Uint32(data)), nil
	case ini.TypeS32:
		return float64(int32(order.Uint32(data))), nil
	case ini.TypeF32:
		return float64(math.Float32frombits(order.Uint32(data))), nil
	}
	return 0, fmt.Errorf("cannot decode %s as a number", t)
}

// EncodeRaw writes the unscaled value into buf in the field's wire form.
func EncodeRaw(buf []byte, t ini.DataType, big bool, raw float64) error {
	if len(buf) < t.Size() {
		return fmt.Errorf("%w: %d bytes for %s", ErrByteRange, len(buf), t)
	}
	order := byteOrder(big)
	switch t {
	case ini.TypeU08, ini.TypeS08:
		buf[0] = byte(int64(raw))
	case ini.TypeU16, ini.TypeS16:
		order.PutUint16(buf, uint16(int64(raw)))
	case ini.TypeU32, ini.TypeS32:
		order.PutUint32(buf, uint32(int64(raw)))
	case ini.TypeF32:
		order.PutUint32(buf, math.Float32bits(float32(raw)))
	default:
		return fmt.Errorf("cannot encode %s as a number", t)
	}
	return nil
}

func byteOrder(big bool) binary.ByteOrder {
	if big {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// FieldValue decodes one field from a flat block (a realtime sample or a
// page slice): raw extraction honoring endianness, then bit extraction
// for bits-class fields, then display scaling raw*scale + translate.
func FieldValue(block []byte, off int, class ini.Class, t ini.DataType, bitLo, bitHi int, scale, translate float64, big bool) (float64, error) {
	if off < 0 || off+t.Size() > len(block) {
		return 0, fmt.Errorf("%w: offset %d width %d in %d-byte block", ErrByteRange, off, t.Size(), len(block))
	}
	raw, err := DecodeRaw(block[off:], t, big)
	if err != nil {
		return 0, err
	}
	if class == ini.ClassBits {
		width := uint(bitHi - bitLo + 1)
		mask := uint64(1)<<width - 1
		raw = float64(uint64(raw) >> uint(bitLo) & mask)
	}
	return raw*scale + translate, nil
}

// Value decodes a scalar or bits constant to its display value.
func (m *Memory) Value(def *ini.Definition, c *ini.Constant) (float64, error) {
	data, err := m.ReadBytes(c.Page, c.Offset, c.Type.Size())
	if err != nil {
		return 0, fmt.Errorf("constant %s: %w", c.Name, err)
	}
	v, err := FieldValue(data, 0, c.Class, c.Type, c.BitLo, c.BitHi, c.Scale, c.Translate, fieldBig(def, c.BigEndian))
	if err != nil {
		return 0, fmt.Errorf("constant %s: %w", c.Name, err)
	}
	return v, nil
}

// ArrayValues decodes every cell of an array constant in row-major
// order.
func (m *Memory) ArrayValues(def *ini.Definition, c *ini.Constant) ([]float64, error) {
	if c.Class != ini.ClassArray {
		return nil, fmt.Errorf("constant %s is %s, want array", c.Name, c.Class)
	}
	data, err := m.ReadBytes(c.Page, c.Offset, c.ByteSize())
	if err != nil {
		return nil, fmt.Errorf("constant %s: %w", c.Name, err)
	}
	big := fieldBig(def, c.BigEndian)
	out := make([]float64, 0, c.Cols*c.Rows)
	for i := 0; i < c.Cols*c.Rows; i++ {
		raw, err := DecodeRaw(data[i*c.Type.Size():], c.Type, big)
		if err != nil {
			return nil, fmt.Errorf("constant %s[%d]: %w", c.Name, i, err)
		}
		out = append(out, raw*c.Scale+c.Translate)
	}
	return out, nil
}

// StringValue decodes a fixed-length ASCII constant, trimming trailing
// NULs and spaces.
func (m *Memory) StringValue(c *ini.Constant) (string, error) {
	if c.Class != ini.ClassString {
		return "", fmt.Errorf("constant %s is %s, want string", c.Name, c.Class)
	}
	data, err := m.ReadBytes(c.Page, c.Offset, c.Length)
	if err != nil {
		return "", fmt.Errorf("constant %s: %w", c.Name, err)
	}
	return strings.TrimRight(string(data), "\x00 "), nil
}

// SetValue encodes a display value back into the local image and marks
// the touched bytes in the shadow. Values outside a declared low/high
// range are rejected before anything changes.
func (m *Memory) SetValue(def *ini.Definition, c *ini.Constant, display float64, sh *Shadow) error {
	switch c.Class {
	case ini.ClassScalar, ini.ClassBits:
	default:
		return fmt.Errorf("constant %s: cannot set a %s as a scalar", c.Name, c.Class)
	}
	if c.Low != c.High && (display < c.Low || display > c.High) {
		return fmt.Errorf("%w: %s = %g, range [%g, %g]", ErrOutOfRange, c.Name, display, c.Low, c.High)
	}
	big := fieldBig(def, c.BigEndian)
	raw := math.Round((display - c.Translate) / nonZero(c.Scale))
	if c.Class == ini.ClassBits {
		cur, err := m.ReadBytes(c.Page, c.Offset, c.Type.Size())
		if err != nil {
			return fmt.Errorf("constant %s: %w", c.Name, err)
		}
		field, err := DecodeRaw(cur, c.Type, big)
		if err != nil {
			return fmt.Errorf("constant %s: %w", c.Name, err)
		}
		width := uint(c.BitHi - c.BitLo + 1)
		mask := (uint64(1)<<width - 1) << uint(c.BitLo)
		if uint64(raw) > mask>>uint(c.BitLo) {
			return fmt.Errorf("%w: %s = %g exceeds %d-bit field", ErrOutOfRange, c.Name, display, width)
		}
		merged := uint64(field)&^mask | uint64(raw)<<uint(c.BitLo)&mask
		raw = float64(merged)
	}
	buf := make([]byte, c.Type.Size())
	if err := EncodeRaw(buf, c.Type, big, raw); err != nil {
		return fmt.Errorf("constant %s: %w", c.Name, err)
	}
	if err := m.WriteBytes(c.Page, c.Offset, buf); err != nil {
		return fmt.Errorf("constant %s: %w", c.Name, err)
	}
	sh.MarkDirty(c.Page, c.Offset, len(buf))
	return nil
}

func fieldBig(def *ini.Definition, override bool) bool {
	return def.BigEndian || override
}

func nonZero(scale float64) float64 {
	if scale == 0 {
		return 1
	}
	return scale
}
