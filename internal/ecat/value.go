package ecat

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DecodeValue formats the value of m held in image.
func DecodeValue(image []byte, m Mapping) (string, error) {
	if m.Offset < 0 || m.Offset >= len(image) {
		return "", fmt.Errorf("%w: offset 0x%04X", ErrOutOfImage, m.Offset)
	}

	switch m.Type {
	case TypeBoolean:
		if bitField(image, m) != 0 {
			return "TRUE", nil
		}
		return "FALSE", nil
	case TypeBit1, TypeBit2, TypeBit3, TypeBit4, TypeBit5, TypeBit6, TypeBit7, TypeBit8:
		return fmt.Sprintf("0x%x", bitField(image, m)), nil
	}

	if m.BitOffset != 0 {
		return "", fmt.Errorf("%w: %s of type %s starts at bit %d", ErrAlignment, m.Address(), m.Type, m.BitOffset)
	}

	width := byteWidth(m.Type)
	if width == 0 {
		switch m.Type {
		case TypeVisibleString, TypeOctetString:
			width = (int(m.BitLength) + 7) / 8
		default:
			return "", fmt.Errorf("%w: %s", ErrUnknownType, m.Type)
		}
	}
	if m.Offset+width > len(image) {
		return "", fmt.Errorf("%w: %s needs %d bytes at 0x%04X", ErrOutOfImage, m.Address(), width, m.Offset)
	}
	b := image[m.Offset : m.Offset+width]

	switch m.Type {
	case TypeInteger8:
		return fmt.Sprintf("0x%02x %d", b[0], int8(b[0])), nil
	case TypeUnsigned8:
		return fmt.Sprintf("0x%02x %d", b[0], b[0]), nil
	case TypeInteger16:
		v := binary.LittleEndian.Uint16(b)
		return fmt.Sprintf("0x%04x %d", v, int16(v)), nil
	case TypeUnsigned16:
		v := binary.LittleEndian.Uint16(b)
		return fmt.Sprintf("0x%04x %d", v, v), nil
	case TypeInteger24:
		v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
		return fmt.Sprintf("0x%08x %d", v, int32(v<<8)>>8), nil
	case TypeUnsigned24:
		v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
		return fmt.Sprintf("0x%08x %d", v, v), nil
	case TypeInteger32:
		v := binary.LittleEndian.Uint32(b)
		return fmt.Sprintf("0x%08x %d", v, int32(v)), nil
	case TypeUnsigned32:
		v := binary.LittleEndian.Uint32(b)
		return fmt.Sprintf("0x%08x %d", v, v), nil
	case TypeInteger64:
		v := binary.LittleEndian.Uint64(b)
		return fmt.Sprintf("0x%016x %d", v, int64(v)), nil
	case TypeUnsigned64:
		v := binary.LittleEndian.Uint64(b)
		return fmt.Sprintf("0x%016x %d", v, v), nil
	case TypeReal32:
		return fmt.Sprintf("%f", math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case TypeReal64:
		return fmt.Sprintf("%f", math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
	case TypeVisibleString:
		return strconv.Quote(strings.TrimRight(string(b), "\x00")), nil
	default: // TypeOctetString
		var sb strings.Builder
		for _, c := range b {
			fmt.Fprintf(&sb, "0x%02x ", c)
		}
		return strings.TrimSpace(sb.String()), nil
	}
}

// EncodeValue converts text to the little-endian representation of t.
// Integers accept any base prefix accepted by strconv.
func EncodeValue(t DataType, text string) ([]byte, error) {
	text = strings.TrimSpace(text)

	switch t {
	case TypeBoolean:
		switch strings.ToUpper(text) {
		case "TRUE", "1":
			return []byte{1}, nil
		case "FALSE", "0":
			return []byte{0}, nil
		}
		return nil, fmt.Errorf("invalid BOOLEAN %q", text)
	case TypeReal32:
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid REAL32 %q: %w", text, err)
		}
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(f))), nil
	case TypeReal64:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid REAL64 %q: %w", text, err)
		}
		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(f)), nil
	case TypeVisibleString:
		return []byte(text), nil
	}

	width := byteWidth(t)
	if t.isBitType() {
		width = 1
	}
	if width == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}

	bits := width * 8
	var raw uint64
	if isSigned(t) {
		v, err := strconv.ParseInt(text, 0, bits)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", t, text, err)
		}
		raw = uint64(v)
	} else {
		v, err := strconv.ParseUint(text, 0, bits)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", t, text, err)
		}
		raw = v
	}

	out := binary.LittleEndian.AppendUint64(nil, raw)
	return out[:width], nil
}

// byteWidth returns the byte width of fixed-width numeric types and 0 otherwise.
func byteWidth(t DataType) int {
	switch t {
	case TypeInteger8, TypeUnsigned8:
		return 1
	case TypeInteger16, TypeUnsigned16:
		return 2
	case TypeInteger24, TypeUnsigned24:
		return 3
	case TypeInteger32, TypeUnsigned32, TypeReal32:
		return 4
	case TypeInteger64, TypeUnsigned64, TypeReal64:
		return 8
	}
	return 0
}

func isSigned(t DataType) bool {
	switch t {
	case TypeInteger8, TypeInteger16, TypeInteger24, TypeInteger32, TypeInteger64:
		return true
	}
	return false
}

// bitField extracts BitLength bits starting at Offset.BitOffset.
// Fields wider than 64 bits are truncated.
func bitField(image []byte, m Mapping) uint64 {
	var v uint64
	n := int(m.BitLength)
	if n > 64 {
		n = 64
	}
	start := m.Offset*8 + int(m.BitOffset)
	for i := 0; i < n; i++ {
		bit := start + i
		if bit/8 >= len(image) {
			break
		}
		if image[bit/8]&(1<<(bit%8)) != 0 {
			v |= 1 << i
		}
	}
	return v
}
