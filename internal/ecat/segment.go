package ecat

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Device is the live record of one device on the segment.
type Device struct {
	DeviceInfo

	State State
	Lost  bool
}

// Group is a set of devices supervised together.
type Group struct {
	ID         uint8
	NeedsCheck bool
	Devices    []int
}

// Segment is the shared context of one supervised segment.
//
// The image, device records, groups and counters are guarded by the image
// lock and reachable only through WithImage. Multi-line diagnostics go
// through Report, which holds the console lock.
type Segment struct {
	imageMu  sync.Mutex
	image    []byte
	devices  []*Device
	groups   []*Group
	ack      int
	expected int
	dcTime   int64

	consoleMu sync.Mutex
	logger    Logger

	operational atomic.Bool
	fresh       atomic.Bool
	index       atomic.Pointer[Index]
}

// NewSegment creates a segment with a zeroed image of imageSize bytes.
func NewSegment(imageSize int, logger Logger) *Segment {
	if logger == nil {
		logger = noopLogger{}
	}
	s := &Segment{
		image:  make([]byte, imageSize),
		logger: logger,
	}
	s.index.Store(NewIndex(nil))
	return s
}

// WithImage runs fn while holding the image lock.
// The session must not be retained after fn returns.
func (s *Segment) WithImage(fn func(*ImageSession) error) error {
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	return fn(&ImageSession{seg: s})
}

// Report runs fn while holding the console lock so that its log lines are
// not interleaved with another block. fn must not touch the image.
func (s *Segment) Report(fn func(Logger)) {
	s.consoleMu.Lock()
	defer s.consoleMu.Unlock()
	fn(s.logger)
}

// Operational reports whether discovery brought every device to OP.
func (s *Segment) Operational() bool {
	return s.operational.Load()
}

// Fresh reports whether the last supervision pass found every device in OP.
func (s *Segment) Fresh() bool {
	return s.fresh.Load()
}

// Live reports whether live data may be served to clients.
func (s *Segment) Live() bool {
	return s.Operational() && s.Fresh()
}

// Index returns the address index of the current layout.
// It is empty until discovery completes.
func (s *Segment) Index() *Index {
	return s.index.Load()
}

// ImageSize returns the size of the process image in bytes.
func (s *Segment) ImageSize() int {
	return len(s.image)
}

// ImageSession is the view of the segment available while the image lock is held.
type ImageSession struct {
	seg *Segment
}

// Image returns the process image. It must not be used after the session ends.
func (is *ImageSession) Image() []byte { return is.seg.image }

// Devices returns the device records in id order.
func (is *ImageSession) Devices() []*Device { return is.seg.devices }

// Device returns the record for id (1-based).
func (is *ImageSession) Device(id int) (*Device, bool) {
	if id < 1 || id > len(is.seg.devices) {
		return nil, false
	}
	return is.seg.devices[id-1], true
}

// Groups returns the device groups in id order.
func (is *ImageSession) Groups() []*Group { return is.seg.groups }

// Ack returns the working counter of the last exchange.
func (is *ImageSession) Ack() int { return is.seg.ack }

// SetAck stores the working counter of the last exchange.
func (is *ImageSession) SetAck(n int) { is.seg.ack = n }

// Expected returns the working counter threshold.
func (is *ImageSession) Expected() int { return is.seg.expected }

// SetExpected stores the working counter threshold.
func (is *ImageSession) SetExpected(n int) { is.seg.expected = n }

// DCTime returns the distributed clock time of the last exchange.
func (is *ImageSession) DCTime() int64 { return is.seg.dcTime }

// SetDCTime stores the distributed clock time of the last exchange.
func (is *ImageSession) SetDCTime(t int64) { is.seg.dcTime = t }

// SetOperational sets the operational flag.
func (is *ImageSession) SetOperational(v bool) { is.seg.operational.Store(v) }

// SetFresh sets the fresh flag.
func (is *ImageSession) SetFresh(v bool) { is.seg.fresh.Store(v) }

// NeedsCheck reports whether any group is flagged for checking.
func (is *ImageSession) NeedsCheck() bool {
	for _, g := range is.seg.groups {
		if g.NeedsCheck {
			return true
		}
	}
	return false
}

// Value decodes the value of m from the image.
func (is *ImageSession) Value(m Mapping) (string, error) {
	return DecodeValue(is.seg.image, m)
}

// Report runs fn under the console lock, nested inside the image lock.
func (is *ImageSession) Report(fn func(Logger)) {
	is.seg.Report(fn)
}

// SetDevices replaces the device table and rebuilds the groups.
func (is *ImageSession) SetDevices(infos []DeviceInfo) {
	devices := make([]*Device, len(infos))
	byGroup := make(map[uint8]*Group)
	for i, info := range infos {
		info.ID = i + 1
		devices[i] = &Device{DeviceInfo: info}

		g, ok := byGroup[info.Group]
		if !ok {
			g = &Group{ID: info.Group}
			byGroup[info.Group] = g
		}
		g.Devices = append(g.Devices, info.ID)
	}

	groups := make([]*Group, 0, len(byGroup))
	for _, g := range byGroup {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })

	is.seg.devices = devices
	is.seg.groups = groups
}

// SetLayout installs the layout built by discovery.
func (is *ImageSession) SetLayout(layout *Layout) {
	is.seg.index.Store(NewIndex(layout))
}

// DeviceStatus is a copy of one device record.
type DeviceStatus struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	State       string `json:"state"`
	StateCode   uint16 `json:"state_code"`
	Lost        bool   `json:"lost"`
	Group       uint8  `json:"group"`
	SupportsCoE bool   `json:"coe"`
	Outputs     []byte `json:"outputs,omitempty"`
	Inputs      []byte `json:"inputs,omitempty"`
}

// Status is a point-in-time copy of the segment.
type Status struct {
	Operational bool           `json:"operational"`
	Fresh       bool           `json:"fresh"`
	Ack         int            `json:"ack"`
	Expected    int            `json:"expected"`
	DCTime      int64          `json:"dc_time"`
	Devices     []DeviceStatus `json:"devices"`
}

// Snapshot copies the segment state and each device's process data.
func (s *Segment) Snapshot() Status {
	var st Status
	_ = s.WithImage(func(is *ImageSession) error {
		st = Status{
			Operational: s.Operational(),
			Fresh:       s.Fresh(),
			Ack:         is.Ack(),
			Expected:    is.Expected(),
			DCTime:      is.DCTime(),
			Devices:     make([]DeviceStatus, 0, len(is.Devices())),
		}
		for _, d := range is.Devices() {
			st.Devices = append(st.Devices, DeviceStatus{
				ID:          d.ID,
				Name:        d.Name,
				State:       d.State.String(),
				StateCode:   uint16(d.State),
				Lost:        d.Lost,
				Group:       d.Group,
				SupportsCoE: d.SupportsCoE,
				Outputs:     is.outputBytes(d),
				Inputs:      is.inputBytes(d),
			})
		}
		return nil
	})
	return st
}

// Live reports whether the snapshot was taken while the segment was
// operational and fresh. Both flags are read under the image lock, so the
// answer holds for the bytes in the same snapshot.
func (st Status) Live() bool {
	return st.Operational && st.Fresh
}

// WithoutProcessData returns a copy of st with every device's process data
// removed. Device states and counters are kept.
func (st Status) WithoutProcessData() Status {
	devices := make([]DeviceStatus, len(st.Devices))
	for i, d := range st.Devices {
		d.Outputs, d.Inputs = nil, nil
		devices[i] = d
	}
	st.Devices = devices
	return st
}

// outputBytes copies the device's output bytes. A device with bits but no
// whole bytes shows one byte.
func (is *ImageSession) outputBytes(d *Device) []byte {
	return is.copyRange(d.OutputOffset, channelBytes(d.OutputBytes, d.OutputBits))
}

func (is *ImageSession) inputBytes(d *Device) []byte {
	return is.copyRange(d.InputOffset, channelBytes(d.InputBytes, d.InputBits))
}

// DeviceBytes returns copies of a device's output and input bytes.
func (is *ImageSession) DeviceBytes(d *Device) (outputs, inputs []byte) {
	return is.outputBytes(d), is.inputBytes(d)
}

func (is *ImageSession) copyRange(offset, n int) []byte {
	img := is.seg.image
	if n <= 0 || offset < 0 || offset >= len(img) {
		return []byte{}
	}
	if offset+n > len(img) {
		n = len(img) - offset
	}
	out := make([]byte, n)
	copy(out, img[offset:offset+n])
	return out
}

func channelBytes(nBytes, nBits int) int {
	if nBytes == 0 && nBits > 0 {
		return 1
	}
	return nBytes
}
