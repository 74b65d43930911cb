// Package mirror copies each device's input bytes into holding registers
// of a Modbus TCP endpoint so that Modbus-only consumers can read them.
//
// The mirror is one-way. It never reads registers back and never touches
// the outputs image.
//
// # Register Layout
//
// Devices are laid out in id order from the base register, each taking
// ceil(inputs/2) registers. Devices without inputs take none. Two image
// bytes form one register, low byte first, so a little-endian 16-bit
// value in the image reads back as the same register value.
//
//	base+0  EL1008  inputs[1]<<8 | inputs[0]
//	base+1  EL3102  inputs[1]<<8 | inputs[0]
//	base+2  EL3102  inputs[3]<<8 | inputs[2]
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/ecatd/internal/ecat"
	"github.com/nerrad567/ecatd/internal/infrastructure/config"
)

const (
	// DefaultInterval is the mirror period when none is configured.
	DefaultInterval = time.Second

	// maxRegistersPerWrite is the function code 16 quantity limit.
	maxRegistersPerWrite = 123
)

// ErrNoSegment is returned by New when no segment is supplied.
var ErrNoSegment = errors.New("mirror: segment is required")

// Logger is the logging interface used by the mirror.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Deps holds what the mirror needs.
type Deps struct {
	Config  config.MirrorConfig
	Segment *ecat.Segment

	// Writer is the Modbus endpoint. Run dials Config.Endpoint when nil.
	Writer RegisterWriter

	Logger Logger
}

// Block is the register range assigned to one device.
type Block struct {
	Device    int
	Name      string
	Register  uint16
	Registers int
}

// Stats are cumulative mirror counters.
type Stats struct {
	Syncs   uint64 `json:"syncs"`
	Writes  uint64 `json:"writes"`
	Errors  uint64 `json:"errors"`
	Skipped uint64 `json:"skipped"`
}

// Mirror periodically writes input bytes to a Modbus endpoint.
type Mirror struct {
	cfg    config.MirrorConfig
	seg    *ecat.Segment
	writer RegisterWriter
	logger Logger

	mu     sync.Mutex
	blocks []Block
	last   map[int][]byte

	syncs   atomic.Uint64
	writes  atomic.Uint64
	errs    atomic.Uint64
	skipped atomic.Uint64
}

// New creates a mirror.
func New(deps Deps) (*Mirror, error) {
	if deps.Segment == nil {
		return nil, ErrNoSegment
	}
	if deps.Config.Interval <= 0 {
		deps.Config.Interval = DefaultInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Mirror{
		cfg:    deps.Config,
		seg:    deps.Segment,
		writer: deps.Writer,
		logger: logger,
		last:   make(map[int][]byte),
	}, nil
}

// Run mirrors every interval until ctx is cancelled. The connection is
// dialled on start when no writer was supplied and closed on return.
func (m *Mirror) Run(ctx context.Context) error {
	if m.writer == nil {
		w, err := Dial(m.cfg.Endpoint, m.cfg.Timeout)
		if err != nil {
			return err
		}
		m.writer = w
	}
	defer m.writer.Close() //nolint:errcheck // Nothing to do on close failure

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Sync(); err != nil {
				m.logger.Warn("mirror sync failed", "endpoint", m.cfg.Endpoint, "error", err)
			}
		}
	}
}

// Blocks returns the register layout. It is empty until the first sync
// against an operational segment.
func (m *Mirror) Blocks() []Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Block, len(m.blocks))
	copy(out, m.blocks)
	return out
}

// Stats returns the mirror counters.
func (m *Mirror) Stats() Stats {
	return Stats{
		Syncs:   m.syncs.Load(),
		Writes:  m.writes.Load(),
		Errors:  m.errs.Load(),
		Skipped: m.skipped.Load(),
	}
}

// Sync writes the input bytes of every device that changed since the last
// successful write. Nothing is written while the segment is not live.
//
// Liveness is judged from the snapshot itself, whose flags and bytes are
// read under one image lock.
func (m *Mirror) Sync() error {
	st := m.seg.Snapshot()
	if !st.Live() {
		m.skipped.Add(1)
		return nil
	}
	if m.writer == nil {
		return ErrNoEndpoint
	}
	m.syncs.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.blocks == nil {
		blocks, err := planBlocks(m.cfg.BaseRegister, st.Devices)
		if err != nil {
			return err
		}
		m.blocks = blocks
	}

	inputs := make(map[int][]byte, len(st.Devices))
	for _, d := range st.Devices {
		inputs[d.ID] = d.Inputs
	}

	var errs []error
	for _, b := range m.blocks {
		data := inputs[b.Device]
		if prev, ok := m.last[b.Device]; ok && bytes.Equal(prev, data) {
			continue
		}
		if err := m.writeBlock(b, data); err != nil {
			m.errs.Add(1)
			errs = append(errs, fmt.Errorf("device %d at register %d: %w", b.Device, b.Register, err))
			continue
		}
		m.last[b.Device] = data
	}
	return errors.Join(errs...)
}

func (m *Mirror) writeBlock(b Block, data []byte) error {
	regs := toRegisters(data, b.Registers)
	for start := 0; start < len(regs); start += maxRegistersPerWrite {
		end := min(start+maxRegistersPerWrite, len(regs))
		if err := m.writer.WriteRegisters(m.cfg.UnitID, b.Register+uint16(start), regs[start:end]); err != nil {
			return err
		}
		m.writes.Add(1)
	}
	m.logger.Debug("mirrored inputs", "device", b.Device, "register", b.Register, "count", len(regs))
	return nil
}

// planBlocks assigns consecutive register ranges from base in device order.
func planBlocks(base uint16, devices []ecat.DeviceStatus) ([]Block, error) {
	blocks := make([]Block, 0, len(devices))
	next := int(base)
	for _, d := range devices {
		n := (len(d.Inputs) + 1) / 2
		if n == 0 {
			continue
		}
		if next+n > 0x10000 {
			return nil, fmt.Errorf("mirror: device %d does not fit below register 65535", d.ID)
		}
		blocks = append(blocks, Block{Device: d.ID, Name: d.Name, Register: uint16(next), Registers: n})
		next += n
	}
	return blocks, nil
}

// toRegisters packs data into n registers, low byte first.
func toRegisters(data []byte, n int) []uint16 {
	regs := make([]uint16, n)
	for i, b := range data {
		if i/2 >= n {
			break
		}
		if i%2 == 0 {
			regs[i/2] |= uint16(b)
		} else {
			regs[i/2] |= uint16(b) << 8
		}
	}
	return regs
}
