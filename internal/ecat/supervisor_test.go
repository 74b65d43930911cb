package ecat

import (
	"context"
	"sync"
	"testing"
)

// recordingSink collects published events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recordingSink) has(kind EventKind, dev int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind && ev.Device == dev {
			return true
		}
	}
	return false
}

// operationalSegment returns a segment that has finished bring-up with
// f's devices, every device in OP, and a working counter below expected.
func operationalSegment(f *fakeMaster) *Segment {
	seg := NewSegment(64, nil)
	_ = seg.WithImage(func(is *ImageSession) error {
		is.SetDevices(f.devices)
		for _, d := range is.Devices() {
			d.State = StateOperational
		}
		is.SetExpected(3)
		is.SetAck(1)
		is.SetOperational(true)
		is.SetFresh(true)
		return nil
	})
	return seg
}

func newTestSupervisor(f *fakeMaster, seg *Segment) (*Supervisor, *recordingSink) {
	sup := NewSupervisor(f, seg, SupervisorOptions{})
	sink := &recordingSink{}
	sup.SetEventSink(sink)
	return sup, sink
}

func groupNeedsCheck(seg *Segment) bool {
	var v bool
	_ = seg.WithImage(func(is *ImageSession) error {
		v = is.NeedsCheck()
		return nil
	})
	return v
}

func deviceRecord(seg *Segment, id int) Device {
	var d Device
	_ = seg.WithImage(func(is *ImageSession) error {
		dev, _ := is.Device(id)
		d = *dev
		return nil
	})
	return d
}

// ============================================================================
// Gating
// ============================================================================

func TestSupervisor_IdleWhenHealthy(t *testing.T) {
	f := twoDeviceMaster()
	seg := operationalSegment(f)
	_ = seg.WithImage(func(is *ImageSession) error {
		is.SetAck(3)
		return nil
	})
	sup, _ := newTestSupervisor(f, seg)

	if sup.Check(context.Background()) {
		t.Error("Check() ran a pass with ack == expected and no group flagged")
	}
	if n := f.countCalls("ReadState"); n != 0 {
		t.Errorf("ReadState called %d times, want 0", n)
	}
}

func TestSupervisor_IdleWhenNotOperational(t *testing.T) {
	f := twoDeviceMaster()
	seg := operationalSegment(f)
	_ = seg.WithImage(func(is *ImageSession) error {
		is.SetOperational(false)
		return nil
	})
	sup, _ := newTestSupervisor(f, seg)

	if sup.Check(context.Background()) {
		t.Error("Check() ran a pass before the segment was operational")
	}
}

func TestSupervisor_AllOperationalResumes(t *testing.T) {
	f := twoDeviceMaster()
	f.states[1], f.states[2] = StateOperational, StateOperational
	seg := operationalSegment(f)
	sup, sink := newTestSupervisor(f, seg)

	if !sup.Check(context.Background()) {
		t.Fatal("Check() did not run with ack < expected")
	}
	if !seg.Fresh() {
		t.Error("Fresh() = false after a pass with every device in OP")
	}
	if groupNeedsCheck(seg) {
		t.Error("group still needs check")
	}
	if !sink.has(EventResumed, 0) {
		t.Errorf("events = %v, want resumed", sink.kinds())
	}
	if got := sup.Stats().Passes; got != 1 {
		t.Errorf("Stats().Passes = %d, want 1", got)
	}
}

// ============================================================================
// Rules
// ============================================================================

func TestSupervisor_SafeOpErrorIsAcknowledged(t *testing.T) {
	f := twoDeviceMaster()
	f.states[1] = StateOperational
	f.states[2] = StateSafeOp | StateError
	seg := operationalSegment(f)
	sup, sink := newTestSupervisor(f, seg)

	sup.Check(context.Background())

	writes := f.writesFor(2)
	if len(writes) != 1 || writes[0] != StateSafeOp|StateAck {
		t.Errorf("writes to device 2 = %v, want [SAFE_OP+ACK]", writes)
	}
	if !groupNeedsCheck(seg) {
		t.Error("group needs-check cleared after ack, want it kept for re-verification")
	}
	if seg.Fresh() {
		t.Error("Fresh() = true while a device is faulted")
	}
	if !sink.has(EventAck, 2) {
		t.Errorf("events = %v, want ack for device 2", sink.kinds())
	}

	// The next tick runs even once the working counter recovers.
	_ = seg.WithImage(func(is *ImageSession) error {
		is.SetAck(3)
		return nil
	})
	f.states[2] = StateOperational
	if !sup.Check(context.Background()) {
		t.Fatal("second Check() did not run with a group flagged")
	}
	if !seg.Fresh() {
		t.Error("Fresh() = false after the device returned to OP")
	}
}

func TestSupervisor_SafeOpRequestsOperational(t *testing.T) {
	f := twoDeviceMaster()
	f.states[1] = StateSafeOp
	f.states[2] = StateOperational
	seg := operationalSegment(f)
	sup, sink := newTestSupervisor(f, seg)

	sup.Check(context.Background())

	writes := f.writesFor(1)
	if len(writes) != 1 || writes[0] != StateOperational {
		t.Errorf("writes to device 1 = %v, want [OP]", writes)
	}
	if !sink.has(EventOPRequest, 1) {
		t.Errorf("events = %v, want op-request for device 1", sink.kinds())
	}
}

func TestSupervisor_ReconfiguresOtherStates(t *testing.T) {
	for _, st := range []State{StateInit, StatePreOp, StatePreOp | StateError, StateBoot} {
		t.Run(st.String(), func(t *testing.T) {
			f := twoDeviceMaster()
			f.states[1] = StateOperational
			f.states[2] = st
			seg := operationalSegment(f)
			sup, sink := newTestSupervisor(f, seg)

			sup.Check(context.Background())

			if n := f.countCalls("Reconfigure 2"); n != 1 {
				t.Errorf("Reconfigure(2) called %d times, want 1", n)
			}
			if len(f.writesFor(2)) != 0 {
				t.Errorf("writes to device 2 = %v, want none", f.writesFor(2))
			}
			if !sink.has(EventReconfigured, 2) {
				t.Errorf("events = %v, want reconfigured", sink.kinds())
			}
		})
	}
}

func TestSupervisor_NoneBecomesLost(t *testing.T) {
	f := twoDeviceMaster()
	f.states[1] = StateOperational
	f.states[2] = StateNone
	f.recoverErr = errFakeTimeout
	seg := operationalSegment(f)
	sup, sink := newTestSupervisor(f, seg)

	sup.Check(context.Background())

	if n := f.countCalls("StateCheck 2"); n != 1 {
		t.Errorf("StateCheck(2) called %d times, want exactly 1 re-poll", n)
	}
	if !deviceRecord(seg, 2).Lost {
		t.Error("device 2 Lost = false, want true after re-poll still NONE")
	}
	if !sink.has(EventLost, 2) {
		t.Errorf("events = %v, want lost for device 2", sink.kinds())
	}
	if got := sup.Stats().Lost; got != 1 {
		t.Errorf("Stats().Lost = %d, want 1", got)
	}
}

func TestSupervisor_NoneRepollAnswers(t *testing.T) {
	f := twoDeviceMaster()
	f.states[1] = StateOperational
	f.states[2] = StateNone
	f.stateCheck[2] = []State{StateSafeOp}
	seg := operationalSegment(f)
	sup, _ := newTestSupervisor(f, seg)

	sup.Check(context.Background())

	if deviceRecord(seg, 2).Lost {
		t.Error("device 2 Lost = true, want false when the re-poll answers")
	}
	if n := f.countCalls("Recover"); n != 0 {
		t.Errorf("Recover called %d times, want 0", n)
	}
}

func TestSupervisor_LostDeviceRecovered(t *testing.T) {
	f := twoDeviceMaster()
	f.states[1] = StateOperational
	f.states[2] = StateNone
	seg := operationalSegment(f)
	_ = seg.WithImage(func(is *ImageSession) error {
		dev, _ := is.Device(2)
		dev.Lost = true
		return nil
	})
	sup, sink := newTestSupervisor(f, seg)

	sup.Check(context.Background())

	if n := f.countCalls("StateCheck 2"); n != 0 {
		t.Errorf("StateCheck(2) called %d times, want 0 for a device already lost", n)
	}
	if n := f.countCalls("Recover 2"); n != 1 {
		t.Errorf("Recover(2) called %d times, want 1", n)
	}
	if deviceRecord(seg, 2).Lost {
		t.Error("device 2 Lost = true after successful recover")
	}
	if !sink.has(EventRecovered, 2) {
		t.Errorf("events = %v, want recovered", sink.kinds())
	}
}

func TestSupervisor_LostDeviceFound(t *testing.T) {
	f := twoDeviceMaster()
	f.states[1] = StateOperational
	f.states[2] = StateOperational
	seg := operationalSegment(f)
	_ = seg.WithImage(func(is *ImageSession) error {
		dev, _ := is.Device(2)
		dev.Lost = true
		return nil
	})
	sup, sink := newTestSupervisor(f, seg)

	sup.Check(context.Background())

	if n := f.countCalls("Recover"); n != 0 {
		t.Errorf("Recover called %d times, want 0", n)
	}
	if deviceRecord(seg, 2).Lost {
		t.Error("device 2 Lost = true, want cleared")
	}
	if !sink.has(EventFound, 2) {
		t.Errorf("events = %v, want found", sink.kinds())
	}
}

func TestSupervisor_TransportErrorsCounted(t *testing.T) {
	f := twoDeviceMaster()
	f.states[1] = StateOperational
	f.states[2] = StatePreOp
	f.reconfigErr = errFakeTimeout
	seg := operationalSegment(f)
	sup, sink := newTestSupervisor(f, seg)

	sup.Check(context.Background())

	if got := sup.Stats().Timeouts; got != 1 {
		t.Errorf("Stats().Timeouts = %d, want 1", got)
	}
	if !sink.has(EventTimeout, 2) {
		t.Errorf("events = %v, want timeout", sink.kinds())
	}
	if !groupNeedsCheck(seg) {
		t.Error("group needs-check cleared after a failed reconfigure")
	}
}

func TestSupervisor_MultipleGroups(t *testing.T) {
	f := twoDeviceMaster()
	f.devices[1].Group = 1
	f.states[1] = StateSafeOp
	f.states[2] = StateSafeOp | StateError
	seg := operationalSegment(f)
	sup, _ := newTestSupervisor(f, seg)

	sup.Check(context.Background())

	var groups int
	_ = seg.WithImage(func(is *ImageSession) error {
		groups = len(is.Groups())
		for _, g := range is.Groups() {
			if !g.NeedsCheck {
				t.Errorf("group %d needs-check = false, want true", g.ID)
			}
		}
		return nil
	})
	if groups != 2 {
		t.Fatalf("len(Groups()) = %d, want 2", groups)
	}
	if len(f.writesFor(1)) != 1 || len(f.writesFor(2)) != 1 {
		t.Errorf("writes = %v / %v, want one per device", f.writesFor(1), f.writesFor(2))
	}
}

// Events are published only after the image lock is released.
func TestSupervisor_PublishesOutsideImageLock(t *testing.T) {
	f := twoDeviceMaster()
	f.states[1] = StateOperational
	f.states[2] = StateSafeOp
	seg := operationalSegment(f)
	sup := NewSupervisor(f, seg, SupervisorOptions{})

	var published int
	sup.SetEventSink(EventSinkFunc(func(Event) {
		if !seg.imageMu.TryLock() {
			t.Error("image lock held while publishing")
			return
		}
		seg.imageMu.Unlock()
		published++
	}))

	sup.Check(context.Background())
	if published == 0 {
		t.Error("no events published")
	}
}
