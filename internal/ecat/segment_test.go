package ecat

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSegment_SetDevicesNumbersAndGroups(t *testing.T) {
	seg := NewSegment(16, nil)
	_ = seg.WithImage(func(is *ImageSession) error {
		is.SetDevices([]DeviceInfo{{Name: "a", Group: 2}, {Name: "b"}, {Name: "c", Group: 2}})

		for i, d := range is.Devices() {
			if d.ID != i+1 {
				t.Errorf("Devices()[%d].ID = %d, want %d", i, d.ID, i+1)
			}
		}
		groups := is.Groups()
		if len(groups) != 2 || groups[0].ID != 0 || groups[1].ID != 2 {
			t.Fatalf("Groups() = %+v, want ids [0 2]", groups)
		}
		if len(groups[1].Devices) != 2 || groups[1].Devices[0] != 1 || groups[1].Devices[1] != 3 {
			t.Errorf("group 2 devices = %v, want [1 3]", groups[1].Devices)
		}
		if _, ok := is.Device(4); ok {
			t.Error("Device(4) found, want out of range")
		}
		return nil
	})
}

func TestSegment_WithImageReturnsError(t *testing.T) {
	seg := NewSegment(4, nil)
	want := errors.New("boom")
	if err := seg.WithImage(func(*ImageSession) error { return want }); !errors.Is(err, want) {
		t.Errorf("WithImage() error = %v, want %v", err, want)
	}
}

func TestSegment_Snapshot(t *testing.T) {
	seg := NewSegment(8, nil)
	_ = seg.WithImage(func(is *ImageSession) error {
		is.SetDevices([]DeviceInfo{
			{Name: "out", OutputBits: 4, OutputOffset: 0},
			{Name: "in", InputBytes: 2, InputBits: 16, InputOffset: 2},
		})
		copy(is.Image(), []byte{0x0F, 0x00, 0x2A, 0x00})
		is.SetAck(3)
		is.SetExpected(3)
		return nil
	})

	st := seg.Snapshot()
	if len(st.Devices) != 2 {
		t.Fatalf("len(Devices) = %d, want 2", len(st.Devices))
	}
	if !bytes.Equal(st.Devices[0].Outputs, []byte{0x0F}) {
		t.Errorf("device 1 outputs = % x, want 0f (bits-only device shows one byte)", st.Devices[0].Outputs)
	}
	if !bytes.Equal(st.Devices[1].Inputs, []byte{0x2A, 0x00}) {
		t.Errorf("device 2 inputs = % x, want 2a 00", st.Devices[1].Inputs)
	}
	if st.Ack != 3 || st.Expected != 3 {
		t.Errorf("ack/expected = %d/%d, want 3/3", st.Ack, st.Expected)
	}

	// The snapshot is a copy.
	st.Devices[1].Inputs[0] = 0xFF
	if seg.Snapshot().Devices[1].Inputs[0] != 0x2A {
		t.Error("modifying the snapshot changed the image")
	}
}

func TestStatus_Live(t *testing.T) {
	tests := []struct {
		name        string
		operational bool
		fresh       bool
		want        bool
	}{
		{"live", true, true, true},
		{"stale", true, false, false},
		{"not operational", false, true, false},
		{"neither", false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Status{Operational: tt.operational, Fresh: tt.fresh}
			if got := st.Live(); got != tt.want {
				t.Errorf("Live() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatus_WithoutProcessData(t *testing.T) {
	st := Status{
		Ack: 3,
		Devices: []DeviceStatus{
			{ID: 1, State: "OP", Outputs: []byte{0x0F}},
			{ID: 2, State: "OP", Inputs: []byte{0x2A, 0x00}},
		},
	}

	bare := st.WithoutProcessData()
	for _, d := range bare.Devices {
		if d.Outputs != nil || d.Inputs != nil {
			t.Errorf("device %d outputs/inputs = % x / % x, want none", d.ID, d.Outputs, d.Inputs)
		}
		if d.State != "OP" {
			t.Errorf("device %d State = %q, want OP", d.ID, d.State)
		}
	}
	if bare.Ack != 3 {
		t.Errorf("Ack = %d, want 3", bare.Ack)
	}
	if st.Devices[1].Inputs == nil {
		t.Error("WithoutProcessData() modified the original")
	}
}

func TestSegment_Live(t *testing.T) {
	seg := NewSegment(4, nil)
	if seg.Live() {
		t.Error("Live() = true on a new segment")
	}
	_ = seg.WithImage(func(is *ImageSession) error {
		is.SetOperational(true)
		return nil
	})
	if seg.Live() {
		t.Error("Live() = true while not fresh")
	}
	_ = seg.WithImage(func(is *ImageSession) error {
		is.SetFresh(true)
		return nil
	})
	if !seg.Live() {
		t.Error("Live() = false when operational and fresh")
	}
}

// A reader blocked behind a long session sees the complete result of that
// session, never a half-written image.
func TestSegment_ReaderBlocksUntilSessionEnds(t *testing.T) {
	seg := NewSegment(256, nil)
	_ = seg.WithImage(func(is *ImageSession) error {
		is.SetDevices([]DeviceInfo{{Name: "in", InputBytes: 256, InputOffset: 0}})
		return nil
	})

	inSession := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = seg.WithImage(func(is *ImageSession) error {
			img := is.Image()
			for i := range img[:128] {
				img[i] = 0xAA
			}
			close(inSession)
			<-release
			for i := range img[128:] {
				img[128+i] = 0xAA
			}
			return nil
		})
	}()

	<-inSession
	got := make(chan Status, 1)
	go func() { got <- seg.Snapshot() }()

	select {
	case <-got:
		t.Fatal("Snapshot() returned while the image lock was held")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	st := <-got
	wg.Wait()

	want := bytes.Repeat([]byte{0xAA}, 256)
	if !bytes.Equal(st.Devices[0].Inputs, want) {
		t.Error("Snapshot() observed a partially written image")
	}
}

func TestSegment_ReportNestsInsideImage(t *testing.T) {
	var lines []string
	logger := &captureLogger{lines: &lines}
	seg := NewSegment(4, logger)

	_ = seg.WithImage(func(is *ImageSession) error {
		is.Report(func(log Logger) {
			log.Info("first")
			log.Info("second")
		})
		return nil
	})

	if len(lines) != 2 || lines[0] != "first" || lines[1] != "second" {
		t.Errorf("lines = %v, want [first second]", lines)
	}
}

type captureLogger struct {
	mu    sync.Mutex
	lines *[]string
}

func (c *captureLogger) add(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.lines = append(*c.lines, msg)
}

func (c *captureLogger) Debug(msg string, _ ...any) { c.add(msg) }
func (c *captureLogger) Info(msg string, _ ...any)  { c.add(msg) }
func (c *captureLogger) Warn(msg string, _ ...any)  { c.add(msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.add(msg) }

// ============================================================================
// Synchronizer
// ============================================================================

func TestSynchronizer_CycleStoresAck(t *testing.T) {
	f := twoDeviceMaster()
	f.dcTime = 12345
	seg := operationalSegment(f)
	syn := NewSynchronizer(f, seg, time.Millisecond, nil)

	syn.Cycle(context.Background())

	var ack int
	var dc int64
	_ = seg.WithImage(func(is *ImageSession) error {
		ack, dc = is.Ack(), is.DCTime()
		return nil
	})
	if ack != 3 || dc != 12345 {
		t.Errorf("ack/dc = %d/%d, want 3/12345", ack, dc)
	}
	if got := syn.Stats().Cycles; got != 1 {
		t.Errorf("Stats().Cycles = %d, want 1", got)
	}
}

func TestSynchronizer_ExchangeErrorZeroesAck(t *testing.T) {
	f := twoDeviceMaster()
	f.exchangeErr = errFakeTimeout
	seg := operationalSegment(f)
	_ = seg.WithImage(func(is *ImageSession) error {
		is.SetAck(3)
		return nil
	})
	syn := NewSynchronizer(f, seg, time.Millisecond, nil)

	syn.Cycle(context.Background())

	var ack int
	_ = seg.WithImage(func(is *ImageSession) error {
		ack = is.Ack()
		return nil
	})
	if ack != 0 {
		t.Errorf("ack = %d, want 0 after a failed exchange", ack)
	}
	if got := syn.Stats().ExchangeErrors; got != 1 {
		t.Errorf("Stats().ExchangeErrors = %d, want 1", got)
	}
}

func TestSynchronizer_RunStopsOnCancel(t *testing.T) {
	f := twoDeviceMaster()
	seg := operationalSegment(f)
	syn := NewSynchronizer(f, seg, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- syn.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for syn.Stats().Cycles < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if syn.Stats().Cycles < 3 {
		t.Errorf("Stats().Cycles = %d, want at least 3", syn.Stats().Cycles)
	}
}
