package ecat

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errFakeTimeout = fmt.Errorf("%w: fake", ErrTimeout)

type sdoKey struct {
	dev   int
	index uint16
	sub   uint8
}

type stateWrite struct {
	dev   int
	state State
}

// fakeMaster is a scriptable Master that records every call.
type fakeMaster struct {
	mu sync.Mutex

	sdo         map[sdoKey][]byte
	entries     map[sdoKey]ObjectEntry
	unreachable map[int]bool

	devices   []DeviceInfo
	usedBytes int

	states       map[int]State
	stateCheck   map[int][]State // scripted StateCheck answers, consumed in order
	readStateErr map[int]error
	reconfigErr  error
	recoverErr   error
	alStatus     map[int]uint16

	// onWriteState, when set, is called with the lock held after a state write.
	onWriteState func(f *fakeMaster, dev int, st State)

	exchangeAck int
	exchangeErr error
	dcTime      int64
	openErr     error
	closed      bool

	calls       []string
	stateWrites []stateWrite
	sdoWrites   map[sdoKey][]byte
	exchanges   int
}

func newFakeMaster() *fakeMaster {
	return &fakeMaster{
		sdo:          make(map[sdoKey][]byte),
		entries:      make(map[sdoKey]ObjectEntry),
		unreachable:  make(map[int]bool),
		states:       make(map[int]State),
		stateCheck:   make(map[int][]State),
		readStateErr: make(map[int]error),
		alStatus:     make(map[int]uint16),
		sdoWrites:    make(map[sdoKey][]byte),
	}
}

func mapWord(index uint16, sub uint8, bits uint8) uint32 {
	return uint32(index)<<16 | uint32(sub)<<8 | uint32(bits)
}

type fakePDO struct {
	index   uint16
	mapping []uint32
}

// setSyncManagers stores the sync manager comm types of dev.
func (f *fakeMaster) setSyncManagers(dev int, types ...uint8) {
	f.sdo[sdoKey{dev, indexSMCommType, 0}] = []byte{uint8(len(types))}
	for i, t := range types {
		f.sdo[sdoKey{dev, indexSMCommType, uint8(i + 1)}] = []byte{t}
	}
}

// setAssignment stores assign with the given PDOs and their mapping words.
func (f *fakeMaster) setAssignment(dev int, assign uint16, pdos ...fakePDO) {
	f.sdo[sdoKey{dev, assign, 0}] = binary.LittleEndian.AppendUint16(nil, uint16(len(pdos)))
	for i, p := range pdos {
		f.sdo[sdoKey{dev, assign, uint8(i + 1)}] = binary.LittleEndian.AppendUint16(nil, p.index)
		f.sdo[sdoKey{dev, p.index, 0}] = []byte{uint8(len(p.mapping))}
		for j, w := range p.mapping {
			f.sdo[sdoKey{dev, p.index, uint8(j + 1)}] = binary.LittleEndian.AppendUint32(nil, w)
		}
	}
}

func (f *fakeMaster) setEntry(dev int, index uint16, sub uint8, t DataType, name string) {
	f.entries[sdoKey{dev, index, sub}] = ObjectEntry{DataType: t, Name: name}
}

func (f *fakeMaster) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeMaster) countCalls(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeMaster) writesFor(dev int) []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []State
	for _, w := range f.stateWrites {
		if w.dev == dev {
			out = append(out, w.state)
		}
	}
	return out
}

func (f *fakeMaster) ReadSDO(_ context.Context, dev int, index uint16, sub uint8) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ReadSDO %d:0x%04X:0x%02X", dev, index, sub)
	if f.unreachable[dev] {
		return nil, errFakeTimeout
	}
	b, ok := f.sdo[sdoKey{dev, index, sub}]
	if !ok {
		return nil, errors.New("object does not exist")
	}
	return append([]byte(nil), b...), nil
}

func (f *fakeMaster) ReadObjectEntry(_ context.Context, dev int, index uint16, sub uint8) (ObjectEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ReadObjectEntry %d:0x%04X:0x%02X", dev, index, sub)
	e, ok := f.entries[sdoKey{dev, index, sub}]
	if !ok {
		return ObjectEntry{}, errors.New("no object entry")
	}
	return e, nil
}

func (f *fakeMaster) Open(_ context.Context, ifname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Open %s", ifname)
	return f.openErr
}

func (f *fakeMaster) Configure(_ context.Context, imageSize int) (MapResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Configure %d", imageSize)
	return MapResult{Devices: append([]DeviceInfo(nil), f.devices...), UsedBytes: f.usedBytes}, nil
}

func (f *fakeMaster) WriteSDO(_ context.Context, dev int, index uint16, sub uint8, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("WriteSDO %d:0x%04X:0x%02X", dev, index, sub)
	if f.unreachable[dev] {
		return errFakeTimeout
	}
	f.sdoWrites[sdoKey{dev, index, sub}] = append([]byte(nil), data...)
	return nil
}

func (f *fakeMaster) ReadState(_ context.Context, dev int) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ReadState %d", dev)
	if err := f.readStateErr[dev]; err != nil {
		return StateNone, err
	}
	return f.states[dev], nil
}

func (f *fakeMaster) WriteState(_ context.Context, dev int, st State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("WriteState %d %s", dev, st)
	f.stateWrites = append(f.stateWrites, stateWrite{dev: dev, state: st})
	if f.onWriteState != nil {
		f.onWriteState(f, dev, st)
	}
	return nil
}

func (f *fakeMaster) StateCheck(_ context.Context, dev int, want State, _ time.Duration) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StateCheck %d %s", dev, want)
	if script := f.stateCheck[dev]; len(script) > 0 {
		f.stateCheck[dev] = script[1:]
		return script[0], nil
	}
	if dev == Broadcast {
		lowest := want
		for _, d := range f.devices {
			if st := f.states[d.ID]; st < lowest {
				lowest = st
			}
		}
		return lowest, nil
	}
	return f.states[dev], nil
}

func (f *fakeMaster) Exchange(_ context.Context, image []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges++
	if f.exchangeErr != nil {
		return 0, f.exchangeErr
	}
	return f.exchangeAck, nil
}

func (f *fakeMaster) Reconfigure(_ context.Context, dev int, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Reconfigure %d", dev)
	return f.reconfigErr
}

func (f *fakeMaster) Recover(_ context.Context, dev int, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Recover %d", dev)
	return f.recoverErr
}

func (f *fakeMaster) ALStatus(_ context.Context, dev int) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alStatus[dev], nil
}

func (f *fakeMaster) DCTime() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dcTime
}

func (f *fakeMaster) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Close")
	f.closed = true
	return nil
}

// twoDeviceMaster returns a fake segment of a digital output terminal (1)
// and an analog input terminal (2).
//
// Device 1 maps 4 output bits followed by a 4 bit filler at image offset 0.
// Device 2 maps two INTEGER16 channels at image offsets 2 and 4, and the
// second channel is 0x6000:0x11.
func twoDeviceMaster() *fakeMaster {
	f := newFakeMaster()
	f.devices = []DeviceInfo{
		{ID: 1, Name: "EL2004", SupportsCoE: true, OutputBytes: 0, OutputBits: 4, OutputOffset: 0, OutputAck: 1},
		{ID: 2, Name: "EL3102", SupportsCoE: true, InputBytes: 4, InputBits: 32, InputOffset: 2, InputAck: 1},
	}
	f.usedBytes = 6

	f.setSyncManagers(1, 1, 2, smTypeOutputs)
	f.setAssignment(1, indexOutputAssign, fakePDO{index: 0x1600, mapping: []uint32{
		mapWord(0x7000, 0x01, 1),
		mapWord(0x7010, 0x01, 1),
		mapWord(0x7020, 0x01, 1),
		mapWord(0x7030, 0x01, 1),
		mapWord(0, 0, 4),
	}})
	for i, idx := range []uint16{0x7000, 0x7010, 0x7020, 0x7030} {
		f.setEntry(1, idx, 0x01, TypeBoolean, fmt.Sprintf("Output %d", i+1))
	}

	f.setSyncManagers(2, 1, 2, smTypeOutputs, smTypeInputs)
	f.setAssignment(2, indexInputAssign,
		fakePDO{index: 0x1A00, mapping: []uint32{mapWord(0x6000, 0x01, 16)}},
		fakePDO{index: 0x1A01, mapping: []uint32{mapWord(0x6000, 0x11, 16)}},
	)
	f.setEntry(2, 0x6000, 0x01, TypeInteger16, "Channel 1")
	f.setEntry(2, 0x6000, 0x11, TypeInteger16, "Channel 2")

	for _, d := range f.devices {
		f.states[d.ID] = StateSafeOp
	}
	f.exchangeAck = 3
	return f
}
