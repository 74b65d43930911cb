package ecat

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Sync manager dictionary objects.
const (
	indexSMCommType   uint16 = 0x1C00
	indexOutputAssign uint16 = 0x1C12
	indexInputAssign  uint16 = 0x1C13
)

// ProbedObject is one mapped object found while walking a PDO assignment.
type ProbedObject struct {
	PDO       uint16
	Index     uint16
	SubIndex  uint8
	BitLength uint8
	Type      DataType
	Name      string

	// Filler marks a 0:0 padding entry. It occupies bits but is never mapped.
	Filler bool

	// EntryErr is set when the object entry could not be read. Type is then
	// TypeUnknown and Name is empty.
	EntryErr error
}

// Probe walks the PDO assignment object assign of device and returns every
// mapped object in assignment order, fillers included.
//
// ErrNoData is returned when nothing is assigned or the device does not
// answer the count read. Failures of individual reads after that yield zero
// for the value read.
func Probe(ctx context.Context, dict Dictionary, device int, assign uint16) ([]ProbedObject, error) {
	count, err := readU16(ctx, dict, device, assign, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: device %d 0x%04X: %v", ErrNoData, device, assign, err)
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: device %d 0x%04X", ErrNoData, device, assign)
	}

	var objects []ProbedObject
	for i := 1; i <= int(count); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pdo, _ := readU16(ctx, dict, device, assign, uint8(i))
		if pdo == 0 {
			continue
		}

		subCount, _ := readU8(ctx, dict, device, pdo, 0)
		for s := 1; s <= int(subCount); s++ {
			word, _ := readU32(ctx, dict, device, pdo, uint8(s))
			obj := ProbedObject{
				PDO:       pdo,
				BitLength: uint8(word & 0xFF),
				SubIndex:  uint8((word >> 8) & 0xFF),
				Index:     uint16(word >> 16),
			}

			if obj.Index == 0 && obj.SubIndex == 0 {
				obj.Filler = true
			} else {
				entry, err := dict.ReadObjectEntry(ctx, device, obj.Index, obj.SubIndex)
				if err != nil {
					obj.EntryErr = err
				} else {
					obj.Type = entry.DataType
					obj.Name = entry.Name
				}
			}
			objects = append(objects, obj)
		}
	}
	return objects, nil
}

func readU8(ctx context.Context, dict Dictionary, device int, index uint16, sub uint8) (uint8, error) {
	b, err := readSized(ctx, dict, device, index, sub, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func readU16(ctx context.Context, dict Dictionary, device int, index uint16, sub uint8) (uint16, error) {
	b, err := readSized(ctx, dict, device, index, sub, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func readU32(ctx context.Context, dict Dictionary, device int, index uint16, sub uint8) (uint32, error) {
	b, err := readSized(ctx, dict, device, index, sub, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// readSized reads an SDO and zero-extends it to n bytes. Shorter answers
// are accepted since devices may return the minimal width.
func readSized(ctx context.Context, dict Dictionary, device int, index uint16, sub uint8, n int) ([]byte, error) {
	raw, err := dict.ReadSDO(ctx, device, index, sub)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty response for %d:0x%04X:0x%02X", device, index, sub)
	}
	out := make([]byte, n)
	copy(out, raw)
	return out, nil
}
