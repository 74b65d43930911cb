package ecat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// maxSyncManagers is the highest sync manager count a device may report.
const maxSyncManagers = 8

// Sync manager communication types.
const (
	smTypeOutputs uint8 = 3
	smTypeInputs  uint8 = 4
)

// Space selects one of the two process data address spaces.
type Space int

// Address spaces.
const (
	Outputs Space = iota
	Inputs
)

// String returns "OUTPUTS" or "INPUTS".
func (s Space) String() string {
	if s == Outputs {
		return "OUTPUTS"
	}
	return "INPUTS"
}

// Mapping locates one process data object inside the image.
type Mapping struct {
	Device    int      `json:"device"`
	Index     uint16   `json:"index"`
	SubIndex  uint8    `json:"sub_index"`
	Offset    int      `json:"offset"`
	BitOffset uint8    `json:"bit_offset"`
	BitLength uint8    `json:"bit_length"`
	Type      DataType `json:"type"`
	Name      string   `json:"name"`
}

// Address returns the device:index:sub key of the mapping.
func (m Mapping) Address() Address {
	return Address{Device: m.Device, Index: m.Index, SubIndex: m.SubIndex}
}

// String formats the mapping as one inspection line, e.g.
// "[0x0004.0] 2:0x6000:0x01 0x10 INTEGER16    Channel 1".
func (m Mapping) String() string {
	return fmt.Sprintf("[0x%04X.%d] %d:0x%04X:0x%02X 0x%02X %-12s %s",
		m.Offset, m.BitOffset, m.Device, m.Index, m.SubIndex, m.BitLength, m.Type, m.Name)
}

// Address identifies a process data object by device, object index and sub-index.
type Address struct {
	Device   int
	Index    uint16
	SubIndex uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%d:0x%04X:0x%02X", a.Device, a.Index, a.SubIndex)
}

// ParseAddress parses "device:index:sub". The device is decimal unless it
// carries a base prefix. Index and sub-index are hex with an optional 0x.
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return Address{}, fmt.Errorf("%w: %q", ErrBadAddress, s)
	}

	dev, err := strconv.ParseInt(parts[0], 0, 32)
	if err != nil || dev < 0 {
		return Address{}, fmt.Errorf("%w: device %q", ErrBadAddress, parts[0])
	}
	idx, err := strconv.ParseUint(trimHex(parts[1]), 16, 16)
	if err != nil {
		return Address{}, fmt.Errorf("%w: index %q", ErrBadAddress, parts[1])
	}
	sub, err := strconv.ParseUint(trimHex(parts[2]), 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("%w: sub-index %q", ErrBadAddress, parts[2])
	}

	return Address{Device: int(dev), Index: uint16(idx), SubIndex: uint8(sub)}, nil
}

func trimHex(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}
	return s
}

// Layout holds the output and input mapping tables in discovery order.
// It is immutable once built.
type Layout struct {
	Outputs []Mapping
	Inputs  []Mapping
}

// Entries returns the table for space.
func (l *Layout) Entries(space Space) []Mapping {
	if space == Outputs {
		return l.Outputs
	}
	return l.Inputs
}

// Check verifies that every mapping lies inside an image of imageSize bytes.
func (l *Layout) Check(imageSize int) error {
	for _, space := range []Space{Outputs, Inputs} {
		for _, m := range l.Entries(space) {
			end := m.Offset*8 + int(m.BitOffset) + int(m.BitLength)
			if m.Offset < 0 || end > imageSize*8 {
				return fmt.Errorf("%w: %s %s ends at bit %d, image holds %d bytes",
					ErrImageOverflow, space, m.Address(), end, imageSize)
			}
		}
	}
	return nil
}

// BuildLayout walks every device's sync manager assignments and builds the
// output and input tables. Any inconsistency aborts the build.
func BuildLayout(ctx context.Context, dict Dictionary, devices []DeviceInfo, log Logger) (*Layout, error) {
	if log == nil {
		log = noopLogger{}
	}

	layout := &Layout{}
	for _, dev := range devices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !dev.SupportsCoE {
			if dev.OutputBytes != 0 || dev.InputBytes != 0 {
				return nil, fmt.Errorf("%w: device %d (%s) has process data but no CoE",
					ErrLayoutInconsistent, dev.ID, dev.Name)
			}
			log.Info("device has no CoE, skipping", "device", dev.ID, "name", dev.Name)
			continue
		}

		if err := mapDevice(ctx, dict, dev, layout, log); err != nil {
			return nil, err
		}
	}
	return layout, nil
}

func mapDevice(ctx context.Context, dict Dictionary, dev DeviceInfo, layout *Layout, log Logger) error {
	nSM, err := readU8(ctx, dict, dev.ID, indexSMCommType, 0)
	if err != nil || nSM <= 2 {
		log.Debug("device has no process data channels", "device", dev.ID, "sync_managers", nSM)
		return nil
	}
	if int(nSM)-1 > maxSyncManagers {
		return fmt.Errorf("%w: device %d reports %d sync managers", ErrLayoutInconsistent, dev.ID, nSM)
	}

	for iSM := 2; iSM < int(nSM); iSM++ {
		tSM, err := readU8(ctx, dict, dev.ID, indexSMCommType, uint8(iSM+1))
		if err != nil {
			log.Warn("sync manager type unreadable, skipping channel", "device", dev.ID, "sm", iSM, "error", err)
			continue
		}

		var (
			assign uint16
			base   int
			space  Space
		)
		switch {
		case iSM == 2 && tSM == smTypeOutputs:
			assign, base, space = indexOutputAssign, dev.OutputOffset, Outputs
		case iSM == 3 && tSM == smTypeInputs:
			assign, base, space = indexInputAssign, dev.InputOffset, Inputs
		default:
			return fmt.Errorf("%w: device %d sm %d has type %d", ErrLayoutInconsistent, dev.ID, iSM, tSM)
		}

		objects, err := Probe(ctx, dict, dev.ID, assign)
		if errors.Is(err, ErrNoData) {
			continue
		}
		if err != nil {
			return err
		}

		cursor := 0
		for _, obj := range objects {
			if obj.EntryErr != nil {
				log.Warn("object entry unreadable",
					"device", dev.ID, "object", fmt.Sprintf("0x%04X:0x%02X", obj.Index, obj.SubIndex), "error", obj.EntryErr)
			}
			if !obj.Filler && obj.BitLength == 0 {
				log.Warn("object has zero bit length, not mapped",
					"device", dev.ID, "object", fmt.Sprintf("0x%04X:0x%02X", obj.Index, obj.SubIndex))
				continue
			}
			if !obj.Filler {
				m := Mapping{
					Device:    dev.ID,
					Index:     obj.Index,
					SubIndex:  obj.SubIndex,
					Offset:    base + cursor/8,
					BitOffset: uint8(cursor % 8),
					BitLength: obj.BitLength,
					Type:      obj.Type,
					Name:      obj.Name,
				}
				log.Info("pdo mapped",
					"space", space.String(),
					"entry", fmt.Sprintf("[0x%04X.%d] %d 0x%04X:0x%02X 0x%02X %-12s %s",
						m.Offset, m.BitOffset, m.Device, m.Index, m.SubIndex, m.BitLength, m.Type, m.Name))
				if space == Outputs {
					layout.Outputs = append(layout.Outputs, m)
				} else {
					layout.Inputs = append(layout.Inputs, m)
				}
			}
			cursor += int(obj.BitLength)
		}

		if cursor%8 != 0 {
			return fmt.Errorf("%w: device %d %s ends at bit %d, not a byte boundary",
				ErrLayoutInconsistent, dev.ID, space, cursor)
		}
	}
	return nil
}
