package ecat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Default supervision timings.
const (
	DefaultCheckPeriod    = 10 * time.Millisecond
	DefaultMonitorTimeout = 500 * time.Millisecond
	DefaultReturnTimeout  = 2 * time.Millisecond
)

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	// CheckPeriod is the interval between supervision ticks.
	CheckPeriod time.Duration

	// MonitorTimeout bounds Reconfigure and Recover.
	MonitorTimeout time.Duration

	// ReturnTimeout bounds the re-poll of a device that reads as NONE.
	ReturnTimeout time.Duration
}

// SupervisorStats are cumulative supervision counters.
type SupervisorStats struct {
	Passes     uint64 `json:"passes"`
	Timeouts   uint64 `json:"timeouts"`
	Acks       uint64 `json:"acks"`
	OPRequests uint64 `json:"op_requests"`
	Reconfigs  uint64 `json:"reconfigs"`
	Recoveries uint64 `json:"recoveries"`
	Lost       uint64 `json:"lost"`
}

// Supervisor drives faulted devices back to OPERATIONAL.
type Supervisor struct {
	master Master
	seg    *Segment
	opts   SupervisorOptions

	logger Logger
	sink   EventSink
	mu     sync.RWMutex

	passes     atomic.Uint64
	timeouts   atomic.Uint64
	acks       atomic.Uint64
	opRequests atomic.Uint64
	reconfigs  atomic.Uint64
	recoveries atomic.Uint64
	lost       atomic.Uint64
}

// NewSupervisor creates a supervisor for seg. Zero options take the defaults.
func NewSupervisor(master Master, seg *Segment, opts SupervisorOptions) *Supervisor {
	if opts.CheckPeriod <= 0 {
		opts.CheckPeriod = DefaultCheckPeriod
	}
	if opts.MonitorTimeout <= 0 {
		opts.MonitorTimeout = DefaultMonitorTimeout
	}
	if opts.ReturnTimeout <= 0 {
		opts.ReturnTimeout = DefaultReturnTimeout
	}
	return &Supervisor{
		master: master,
		seg:    seg,
		opts:   opts,
		logger: noopLogger{},
		sink:   noopSink{},
	}
}

// SetLogger sets the logger.
func (s *Supervisor) SetLogger(logger Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// SetEventSink sets where supervision events are published.
func (s *Supervisor) SetEventSink(sink EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sink == nil {
		sink = noopSink{}
	}
	s.sink = sink
}

func (s *Supervisor) getLogger() Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

func (s *Supervisor) getSink() EventSink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sink
}

// Stats returns a copy of the supervision counters.
func (s *Supervisor) Stats() SupervisorStats {
	return SupervisorStats{
		Passes:     s.passes.Load(),
		Timeouts:   s.timeouts.Load(),
		Acks:       s.acks.Load(),
		OPRequests: s.opRequests.Load(),
		Reconfigs:  s.reconfigs.Load(),
		Recoveries: s.recoveries.Load(),
		Lost:       s.lost.Load(),
	}
}

// Run checks the segment every CheckPeriod until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.CheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.getLogger().Info("device supervisor stopped")
			return nil
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Check runs one supervision pass if the segment needs one and reports
// whether it did. Events are published after the image lock is released.
func (s *Supervisor) Check(ctx context.Context) bool {
	var (
		events []Event
		ran    bool
	)

	_ = s.seg.WithImage(func(is *ImageSession) error {
		if !s.seg.Operational() {
			return nil
		}
		if is.Ack() >= is.Expected() && !is.NeedsCheck() {
			return nil
		}
		ran = true
		events = s.pass(ctx, is)
		return nil
	})

	if ran {
		s.passes.Add(1)
	}
	sink := s.getSink()
	for _, ev := range events {
		sink.Publish(ev)
	}
	return ran
}

// pass runs inside an image session.
func (s *Supervisor) pass(ctx context.Context, is *ImageSession) []Event {
	log := s.getLogger()
	var events []Event
	emit := func(kind EventKind, dev *Device, detail string) {
		ev := Event{Time: time.Now(), Kind: kind, Detail: detail}
		if dev != nil {
			ev.Device = dev.ID
			ev.State = dev.State
		}
		events = append(events, ev)
	}
	timeout := func(dev *Device, op string, err error) {
		s.timeouts.Add(1)
		log.Warn("device operation failed", "device", dev.ID, "operation", op, "error", err)
		emit(EventTimeout, dev, op+": "+err.Error())
	}

	is.SetFresh(false)

	for _, g := range is.Groups() {
		g.NeedsCheck = false

		members := make([]*Device, 0, len(g.Devices))
		for _, id := range g.Devices {
			dev, ok := is.Device(id)
			if !ok {
				continue
			}
			st, err := s.master.ReadState(ctx, id)
			if err != nil {
				timeout(dev, "read state", err)
				st = StateNone
			}
			dev.State = st
			members = append(members, dev)
		}

		for _, dev := range members {
			if dev.State != StateOperational {
				g.NeedsCheck = true

				switch {
				case dev.State == StateSafeOp|StateError:
					log.Warn("device is in SAFE_OP + ERROR, attempting ack", "device", dev.ID, "group", g.ID)
					if err := s.master.WriteState(ctx, dev.ID, StateSafeOp|StateAck); err != nil {
						timeout(dev, "ack", err)
					} else {
						s.acks.Add(1)
						emit(EventAck, dev, "")
					}

				case dev.State == StateSafeOp:
					log.Warn("device is in SAFE_OP, change to OPERATIONAL", "device", dev.ID, "group", g.ID)
					if err := s.master.WriteState(ctx, dev.ID, StateOperational); err != nil {
						timeout(dev, "op request", err)
					} else {
						s.opRequests.Add(1)
						emit(EventOPRequest, dev, "")
					}

				case dev.State > StateNone:
					if err := s.master.Reconfigure(ctx, dev.ID, s.opts.MonitorTimeout); err != nil {
						timeout(dev, "reconfigure", err)
					} else {
						dev.Lost = false
						s.reconfigs.Add(1)
						log.Info("device reconfigured", "device", dev.ID, "state", dev.State.String())
						emit(EventReconfigured, dev, "")
					}

				case !dev.Lost:
					st, err := s.master.StateCheck(ctx, dev.ID, StateOperational, s.opts.ReturnTimeout)
					if err != nil {
						timeout(dev, "state check", err)
						st = StateNone
					}
					dev.State = st
					if st == StateNone {
						dev.Lost = true
						s.lost.Add(1)
						log.Error("device lost", "device", dev.ID, "group", g.ID)
						emit(EventLost, dev, "")
					}
				}
			}

			if dev.Lost {
				if dev.State == StateNone {
					if err := s.master.Recover(ctx, dev.ID, s.opts.MonitorTimeout); err != nil {
						// Retried every pass while the device is gone.
						s.timeouts.Add(1)
						log.Debug("device still lost", "device", dev.ID, "error", err)
					} else {
						dev.Lost = false
						s.recoveries.Add(1)
						log.Info("device recovered", "device", dev.ID)
						emit(EventRecovered, dev, "")
					}
				} else {
					dev.Lost = false
					log.Info("device found", "device", dev.ID, "state", dev.State.String())
					emit(EventFound, dev, "")
				}
			}
		}
	}

	if !is.NeedsCheck() {
		is.SetFresh(true)
		log.Info("all devices resumed OPERATIONAL")
		emit(EventResumed, nil, "")
	}
	return events
}
