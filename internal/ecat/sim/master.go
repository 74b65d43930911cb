package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nerrad567/ecatd/internal/ecat"
)

var (
	// ErrNotOpen is returned when the master is used before Open.
	ErrNotOpen = errors.New("sim: master not open")

	// ErrNoSuchDevice is returned for a device id outside the segment.
	ErrNoSuchDevice = errors.New("sim: no such device")

	// ErrNoMailbox is returned for dictionary access to a device without CoE.
	ErrNoMailbox = errors.New("sim: device has no mailbox")

	// ErrNoObject is returned when an object does not exist in the dictionary.
	ErrNoObject = errors.New("sim: object does not exist")
)

type objectKey struct {
	index uint16
	sub   uint8
}

type object struct {
	entry ecat.ObjectEntry
	value []byte
}

type channel struct {
	bits    int
	offset  int
	entries []EntrySpec
}

type device struct {
	spec       DeviceSpec
	sdo        map[objectKey][]byte
	objects    map[objectKey]*object
	state      ecat.State
	reachable  bool
	alStatus   uint16
	outputs    channel
	inputs     channel
	lastOutput []byte
}

// Master is an ecat.Master backed by an in-memory segment.
// State changes take effect immediately, so StateCheck never waits.
type Master struct {
	mu      sync.Mutex
	devices []*device
	dcStep  int64
	dcTime  int64
	cycles  int64
	ifname  string
	open    bool
}

var _ ecat.Master = (*Master)(nil)

// New builds a simulated segment from desc.
func New(desc *Description) (*Master, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	m := &Master{dcStep: desc.DCStep}
	if m.dcStep <= 0 {
		m.dcStep = int64(ecat.DefaultCyclePeriod)
	}
	for _, spec := range desc.Devices {
		d, err := newDevice(spec)
		if err != nil {
			return nil, err
		}
		m.devices = append(m.devices, d)
	}
	return m, nil
}

func newDevice(spec DeviceSpec) (*device, error) {
	d := &device{
		spec:      spec,
		sdo:       make(map[objectKey][]byte),
		objects:   make(map[objectKey]*object),
		state:     ecat.StateInit,
		reachable: true,
	}
	if !spec.CoE {
		return d, nil
	}

	smTypes := spec.SyncManagers
	if smTypes == nil {
		smTypes = []uint8{1, 2}
		if len(spec.Outputs) > 0 || len(spec.Inputs) > 0 {
			smTypes = append(smTypes, 3, 4)
		}
	}
	d.sdo[objectKey{0x1C00, 0}] = []byte{uint8(len(smTypes))}
	for i, t := range smTypes {
		d.sdo[objectKey{0x1C00, uint8(i + 1)}] = []byte{t}
	}

	for _, a := range []struct {
		index uint16
		pdos  []PDOSpec
	}{{0x1C12, spec.Outputs}, {0x1C13, spec.Inputs}} {
		d.sdo[objectKey{a.index, 0}] = binary.LittleEndian.AppendUint16(nil, uint16(len(a.pdos)))
		for i, p := range a.pdos {
			d.sdo[objectKey{a.index, uint8(i + 1)}] = binary.LittleEndian.AppendUint16(nil, p.Index)
			d.sdo[objectKey{p.Index, 0}] = []byte{uint8(len(p.Entries))}
			for j, e := range p.Entries {
				word := uint32(e.Index)<<16 | uint32(e.Sub)<<8 | uint32(e.Bits)
				d.sdo[objectKey{p.Index, uint8(j + 1)}] = binary.LittleEndian.AppendUint32(nil, word)
				if e.Index == 0 && e.Sub == 0 {
					continue
				}
				t, _ := ecat.ParseDataType(e.Type)
				d.objects[objectKey{e.Index, e.Sub}] = &object{
					entry: ecat.ObjectEntry{DataType: t, BitLength: uint16(e.Bits), Name: e.Name},
				}
			}
		}
	}

	for _, o := range spec.Objects {
		t, _ := ecat.ParseDataType(o.Type)
		obj := &object{entry: ecat.ObjectEntry{DataType: t, Name: o.Name}}
		if o.Value != "" {
			v, err := ecat.EncodeValue(t, o.Value)
			if err != nil {
				return nil, fmt.Errorf("device %s object 0x%04X:0x%02X: %w", spec.Name, o.Index, o.Sub, err)
			}
			obj.value = v
			obj.entry.BitLength = uint16(len(v) * 8)
		}
		d.objects[objectKey{o.Index, o.Sub}] = obj
	}
	return d, nil
}

func channelBits(pdos []PDOSpec) (int, []EntrySpec) {
	bits := 0
	var entries []EntrySpec
	for _, p := range pdos {
		for _, e := range p.Entries {
			bits += int(e.Bits)
			entries = append(entries, e)
		}
	}
	return bits, entries
}

func (m *Master) device(id int) (*device, error) {
	if !m.open {
		return nil, ErrNotOpen
	}
	if id < 1 || id > len(m.devices) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchDevice, id)
	}
	return m.devices[id-1], nil
}

func (m *Master) reachable(id int) (*device, error) {
	d, err := m.device(id)
	if err != nil {
		return nil, err
	}
	if !d.reachable {
		return nil, fmt.Errorf("%w: device %d does not answer", ecat.ErrTimeout, id)
	}
	return d, nil
}

// Open binds the simulation to ifname. Any non-empty name is accepted.
func (m *Master) Open(_ context.Context, ifname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ifname == "" {
		return errors.New("sim: empty interface name")
	}
	m.ifname = ifname
	m.open = true
	return nil
}

// Configure lays out every device's outputs, then every device's inputs,
// each channel starting on a byte boundary, and moves reachable devices
// to SAFE_OP.
func (m *Master) Configure(_ context.Context, _ int) (ecat.MapResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ecat.MapResult{}, ErrNotOpen
	}

	offset := 0
	for _, d := range m.devices {
		d.outputs.bits, d.outputs.entries = channelBits(d.spec.Outputs)
		d.outputs.offset = offset
		offset += (d.outputs.bits + 7) / 8
	}
	for _, d := range m.devices {
		d.inputs.bits, d.inputs.entries = channelBits(d.spec.Inputs)
		d.inputs.offset = offset
		offset += (d.inputs.bits + 7) / 8
	}

	result := ecat.MapResult{UsedBytes: offset}
	for i, d := range m.devices {
		info := ecat.DeviceInfo{
			ID:           i + 1,
			Name:         d.spec.Name,
			SupportsCoE:  d.spec.CoE,
			OutputBits:   d.outputs.bits,
			InputBits:    d.inputs.bits,
			OutputOffset: d.outputs.offset,
			InputOffset:  d.inputs.offset,
			Group:        d.spec.Group,
		}
		if !d.spec.BitsOnly {
			info.OutputBytes = (d.outputs.bits + 7) / 8
			info.InputBytes = (d.inputs.bits + 7) / 8
		}
		if d.outputs.bits > 0 {
			info.OutputAck = 1
		}
		if d.inputs.bits > 0 {
			info.InputAck = 1
		}
		result.Devices = append(result.Devices, info)

		if d.reachable {
			d.state = ecat.StateSafeOp
		}
	}
	return result, nil
}

// ReadSDO returns the little-endian bytes of index:sub.
func (m *Master) ReadSDO(_ context.Context, id int, index uint16, sub uint8) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.reachable(id)
	if err != nil {
		return nil, err
	}
	if !d.spec.CoE {
		return nil, fmt.Errorf("%w: device %d", ErrNoMailbox, id)
	}
	if b, ok := d.sdo[objectKey{index, sub}]; ok {
		return append([]byte(nil), b...), nil
	}
	if obj, ok := d.objects[objectKey{index, sub}]; ok && obj.value != nil {
		return append([]byte(nil), obj.value...), nil
	}
	return nil, fmt.Errorf("%w: %d:0x%04X:0x%02X", ErrNoObject, id, index, sub)
}

// ReadObjectEntry describes index:sub.
func (m *Master) ReadObjectEntry(_ context.Context, id int, index uint16, sub uint8) (ecat.ObjectEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.reachable(id)
	if err != nil {
		return ecat.ObjectEntry{}, err
	}
	if !d.spec.CoE {
		return ecat.ObjectEntry{}, fmt.Errorf("%w: device %d", ErrNoMailbox, id)
	}
	obj, ok := d.objects[objectKey{index, sub}]
	if !ok {
		return ecat.ObjectEntry{}, fmt.Errorf("%w: %d:0x%04X:0x%02X", ErrNoObject, id, index, sub)
	}
	return obj.entry, nil
}

// WriteSDO stores data into a configuration object.
func (m *Master) WriteSDO(_ context.Context, id int, index uint16, sub uint8, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.reachable(id)
	if err != nil {
		return err
	}
	if !d.spec.CoE {
		return fmt.Errorf("%w: device %d", ErrNoMailbox, id)
	}
	obj, ok := d.objects[objectKey{index, sub}]
	if !ok {
		return fmt.Errorf("%w: %d:0x%04X:0x%02X", ErrNoObject, id, index, sub)
	}
	obj.value = append([]byte(nil), data...)
	return nil
}

// ReadState returns the device state, or NONE for a device that does not answer.
func (m *Master) ReadState(_ context.Context, id int) (ecat.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.device(id)
	if err != nil {
		return ecat.StateNone, err
	}
	if !d.reachable {
		return ecat.StateNone, nil
	}
	return d.state, nil
}

// WriteState requests st on one device or, for ecat.Broadcast, on all of them.
func (m *Master) WriteState(_ context.Context, id int, st ecat.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrNotOpen
	}
	if id == ecat.Broadcast {
		for _, d := range m.devices {
			if d.reachable {
				d.request(st)
			}
		}
		return nil
	}
	d, err := m.reachable(id)
	if err != nil {
		return err
	}
	d.request(st)
	return nil
}

// request applies a state request. A faulted device only leaves the error
// state once the fault is acknowledged.
func (d *device) request(st ecat.State) {
	if d.state.HasError() {
		if st.HasError() && st.Base() == d.state.Base() {
			d.state = d.state.Base()
			d.alStatus = 0
		}
		return
	}
	if st.Base() == ecat.StateInit {
		d.state = ecat.StateInit
		return
	}
	if st.Base() == ecat.StateOperational && d.state.Base() != ecat.StateSafeOp && d.state.Base() != ecat.StateOperational {
		return
	}
	d.state = st.Base()
}

// StateCheck returns the current state. For ecat.Broadcast it returns the
// lowest state on the segment, as a broadcast read does.
func (m *Master) StateCheck(_ context.Context, id int, _ ecat.State, _ time.Duration) (ecat.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ecat.StateNone, ErrNotOpen
	}
	if id == ecat.Broadcast {
		lowest := ecat.State(0xFF)
		for _, d := range m.devices {
			st := ecat.StateNone
			if d.reachable {
				st = d.state.Base()
			}
			if st < lowest {
				lowest = st
			}
		}
		if lowest == 0xFF {
			lowest = ecat.StateNone
		}
		return lowest, nil
	}
	d, err := m.device(id)
	if err != nil {
		return ecat.StateNone, err
	}
	if !d.reachable {
		return ecat.StateNone, nil
	}
	return d.state, nil
}

// Exchange writes each device's input values into image, captures outputs
// of devices in OP and returns the working counter.
func (m *Master) Exchange(_ context.Context, image []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return 0, ErrNotOpen
	}

	m.cycles++
	m.dcTime += m.dcStep

	wkc := 0
	for _, d := range m.devices {
		// A faulted device stops exchanging process data altogether.
		if !d.reachable || d.state.HasError() {
			continue
		}
		base := d.state.Base()
		if base == ecat.StateSafeOp || base == ecat.StateOperational {
			if d.inputs.bits > 0 {
				d.writeInputs(image, m.cycles)
				wkc++
			}
		}
		if base == ecat.StateOperational && d.outputs.bits > 0 {
			n := (d.outputs.bits + 7) / 8
			if d.outputs.offset+n <= len(image) {
				d.lastOutput = append(d.lastOutput[:0], image[d.outputs.offset:d.outputs.offset+n]...)
			}
			wkc += 2
		}
	}
	return wkc, nil
}

func (d *device) writeInputs(image []byte, cycle int64) {
	bit := d.inputs.offset * 8
	for _, e := range d.inputs.entries {
		if !(e.Index == 0 && e.Sub == 0) {
			t, _ := ecat.ParseDataType(e.Type)
			v := e.Value + e.Ramp*float64(cycle)
			setBits(image, bit, int(e.Bits), rawValue(t, v))
		}
		bit += int(e.Bits)
	}
}

func rawValue(t ecat.DataType, v float64) uint64 {
	switch t {
	case ecat.TypeReal32:
		return uint64(math.Float32bits(float32(v)))
	case ecat.TypeReal64:
		return math.Float64bits(v)
	default:
		return uint64(int64(v))
	}
}

// setBits stores the low n bits of v little-endian starting at bit.
func setBits(image []byte, bit, n int, v uint64) {
	if n > 64 {
		n = 64
	}
	for i := 0; i < n; i++ {
		pos := bit + i
		if pos/8 >= len(image) {
			return
		}
		mask := byte(1) << (pos % 8)
		if v&(1<<i) != 0 {
			image[pos/8] |= mask
		} else {
			image[pos/8] &^= mask
		}
	}
}

// Reconfigure brings a reachable device back to SAFE_OP.
func (m *Master) Reconfigure(_ context.Context, id int, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.reachable(id)
	if err != nil {
		return err
	}
	d.state = ecat.StateSafeOp
	d.alStatus = 0
	return nil
}

// Recover re-finds a device that dropped off. A device found again starts in INIT.
func (m *Master) Recover(_ context.Context, id int, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.reachable(id)
	if err != nil {
		return err
	}
	if d.state == ecat.StateNone {
		d.state = ecat.StateInit
	}
	return nil
}

// ALStatus returns the device's AL status code.
func (m *Master) ALStatus(_ context.Context, id int) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.reachable(id)
	if err != nil {
		return 0, err
	}
	return d.alStatus, nil
}

// DCTime returns the simulated distributed clock.
func (m *Master) DCTime() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dcTime
}

// Close releases the simulation.
func (m *Master) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

// InjectError puts a device into SAFE_OP+ERROR with the given AL status code.
func (m *Master) InjectError(id int, code uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.reachable(id)
	if err != nil {
		return err
	}
	d.state = ecat.StateSafeOp | ecat.StateError
	d.alStatus = code
	return nil
}

// Disconnect makes a device stop answering.
func (m *Master) Disconnect(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.device(id)
	if err != nil {
		return err
	}
	d.reachable = false
	d.state = ecat.StateNone
	return nil
}

// Reset reconnects a device as if it had been power cycled.
// It answers again with NONE until the master recovers it.
func (m *Master) Reset(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.device(id)
	if err != nil {
		return err
	}
	d.reachable = true
	d.state = ecat.StateNone
	d.alStatus = 0
	return nil
}

// Outputs returns the output bytes last captured from device id.
func (m *Master) Outputs(id int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 1 || id > len(m.devices) {
		return nil
	}
	return append([]byte(nil), m.devices[id-1].lastOutput...)
}

// Interface returns the name given to Open.
func (m *Master) Interface() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ifname
}
