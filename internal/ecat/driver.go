package ecat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/ecatd/internal/privilege"
)

// Default bring-up timings.
const (
	DefaultStateTimeout  = 2 * time.Second
	DefaultOPAttempts    = 200
	DefaultOPPollTimeout = 50 * time.Millisecond
)

// StartupWrite is one dictionary write applied in SAFE_OP before OP is requested.
type StartupWrite struct {
	Address string
	Value   string
}

// DriverOptions configures bring-up and the run loop.
type DriverOptions struct {
	Interface string

	// User is who the process runs as once the interface is open.
	// Empty keeps the current user.
	User string

	// Barrier is released once privileges have been dropped. Optional.
	Barrier *privilege.Barrier

	CyclePeriod    time.Duration
	CheckPeriod    time.Duration
	StateTimeout   time.Duration
	MonitorTimeout time.Duration
	ReturnTimeout  time.Duration
	OPAttempts     int
	OPPollTimeout  time.Duration

	StartupWrites []StartupWrite
}

// Driver brings a segment up to OPERATIONAL and runs the synchronizer and
// supervisor until shut down.
type Driver struct {
	master Master
	seg    *Segment
	opts   DriverOptions
	logger Logger

	synchronizer *Synchronizer
	supervisor   *Supervisor

	closeOnce sync.Once
	opened    bool
}

// NewDriver creates a driver. Zero timing options take the package defaults.
func NewDriver(master Master, seg *Segment, opts DriverOptions) *Driver {
	if opts.StateTimeout <= 0 {
		opts.StateTimeout = DefaultStateTimeout
	}
	if opts.OPAttempts <= 0 {
		opts.OPAttempts = DefaultOPAttempts
	}
	if opts.OPPollTimeout <= 0 {
		opts.OPPollTimeout = DefaultOPPollTimeout
	}
	d := &Driver{
		master: master,
		seg:    seg,
		opts:   opts,
		logger: noopLogger{},
	}
	d.synchronizer = NewSynchronizer(master, seg, opts.CyclePeriod, nil)
	d.supervisor = NewSupervisor(master, seg, SupervisorOptions{
		CheckPeriod:    opts.CheckPeriod,
		MonitorTimeout: opts.MonitorTimeout,
		ReturnTimeout:  opts.ReturnTimeout,
	})
	return d
}

// SetLogger sets the logger for the driver and the components it owns.
func (d *Driver) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	d.logger = logger
	d.synchronizer.logger = logger
	d.supervisor.SetLogger(logger)
}

// SetEventSink sets where supervision events are published.
func (d *Driver) SetEventSink(sink EventSink) {
	d.supervisor.SetEventSink(sink)
}

// Synchronizer returns the cycle synchronizer.
func (d *Driver) Synchronizer() *Synchronizer { return d.synchronizer }

// Supervisor returns the device supervisor.
func (d *Driver) Supervisor() *Supervisor { return d.supervisor }

// CycleStats returns the synchronizer counters.
func (d *Driver) CycleStats() SynchronizerStats { return d.synchronizer.Stats() }

// SupervisionStats returns the supervisor counters.
func (d *Driver) SupervisionStats() SupervisorStats { return d.supervisor.Stats() }

// Bringup opens the interface, discovers the layout and requests OP.
// Any returned error is fatal for the daemon.
func (d *Driver) Bringup(ctx context.Context) error {
	if err := d.master.Open(ctx, d.opts.Interface); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOpenFailed, d.opts.Interface, err)
	}
	d.opened = true
	d.logger.Info("interface opened", "interface", d.opts.Interface)

	if err := privilege.Drop(d.opts.User); err != nil {
		return err
	}
	if d.opts.User != "" {
		d.logger.Info("privileges dropped", "user", d.opts.User)
	}
	if d.opts.Barrier != nil {
		d.opts.Barrier.Release()
	}

	result, err := d.master.Configure(ctx, d.seg.ImageSize())
	if err != nil {
		return fmt.Errorf("configuring segment: %w", err)
	}
	if len(result.Devices) == 0 {
		return ErrNoDevices
	}
	if result.UsedBytes > d.seg.ImageSize() {
		return fmt.Errorf("%w: mapping uses %d bytes, image holds %d",
			ErrImageOverflow, result.UsedBytes, d.seg.ImageSize())
	}
	_ = d.seg.WithImage(func(is *ImageSession) error {
		is.SetDevices(result.Devices)
		return nil
	})
	d.logger.Info("devices found and configured", "count", len(result.Devices), "image_bytes", result.UsedBytes)

	st, err := d.master.StateCheck(ctx, Broadcast, StateSafeOp, d.opts.StateTimeout*4)
	if err != nil {
		return fmt.Errorf("waiting for SAFE_OP: %w", err)
	}
	if st.Base() != StateSafeOp {
		d.logger.Warn("not every device reached SAFE_OP", "state", st.String())
	}

	layout, err := BuildLayout(ctx, d.master, result.Devices, d.logger)
	if err != nil {
		return err
	}
	if err := layout.Check(d.seg.ImageSize()); err != nil {
		return err
	}

	if err := d.applyStartupWrites(ctx); err != nil {
		return err
	}

	expected := 0
	for _, dev := range result.Devices {
		expected += 2*dev.OutputAck + dev.InputAck
	}

	_ = d.seg.WithImage(func(is *ImageSession) error {
		is.SetLayout(layout)
		is.SetExpected(expected)
		return nil
	})
	d.logger.Info("layout built",
		"outputs", len(layout.Outputs), "inputs", len(layout.Inputs), "expected_wkc", expected)

	return d.requestOperational(ctx)
}

func (d *Driver) applyStartupWrites(ctx context.Context) error {
	for _, w := range d.opts.StartupWrites {
		addr, err := ParseAddress(w.Address)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStartupWrite, err)
		}
		entry, err := d.master.ReadObjectEntry(ctx, addr.Device, addr.Index, addr.SubIndex)
		if err != nil {
			return fmt.Errorf("%w: %s: reading object entry: %v", ErrStartupWrite, addr, err)
		}
		data, err := EncodeValue(entry.DataType, w.Value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrStartupWrite, addr, err)
		}
		if err := d.master.WriteSDO(ctx, addr.Device, addr.Index, addr.SubIndex, data); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrStartupWrite, addr, err)
		}
		d.logger.Info("startup write applied", "address", addr.String(), "value", w.Value, "type", entry.DataType.String())
	}
	return nil
}

func (d *Driver) requestOperational(ctx context.Context) error {
	exchange := func() {
		_ = d.seg.WithImage(func(is *ImageSession) error {
			ack, err := d.master.Exchange(ctx, is.Image())
			if err != nil {
				ack = 0
			}
			is.SetAck(ack)
			is.SetDCTime(d.master.DCTime())
			return nil
		})
	}

	d.logger.Info("requesting OPERATIONAL for all devices")
	exchange()
	if err := d.master.WriteState(ctx, Broadcast, StateOperational); err != nil {
		return fmt.Errorf("requesting OP: %w", err)
	}

	reached := false
	for attempt := 0; attempt < d.opts.OPAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		exchange()
		st, err := d.master.StateCheck(ctx, Broadcast, StateOperational, d.opts.OPPollTimeout)
		if err == nil && st == StateOperational {
			reached = true
			break
		}
	}

	if !reached {
		d.reportNotOperational(ctx)
		return ErrNotOperational
	}

	_ = d.seg.WithImage(func(is *ImageSession) error {
		for _, dev := range is.Devices() {
			dev.State = StateOperational
		}
		is.SetOperational(true)
		is.SetFresh(true)
		return nil
	})
	d.logger.Info("operational state reached for all devices")
	return nil
}

type notOperational struct {
	id     int
	name   string
	state  State
	code   uint16
	status string
}

func (d *Driver) reportNotOperational(ctx context.Context) {
	_ = d.seg.WithImage(func(is *ImageSession) error {
		var failed []notOperational
		for _, dev := range is.Devices() {
			st, err := d.master.ReadState(ctx, dev.ID)
			if err != nil {
				st = StateNone
			}
			dev.State = st
			if st == StateOperational {
				continue
			}
			code, err := d.master.ALStatus(ctx, dev.ID)
			status := ALStatusDescription(code)
			if err != nil {
				status = "unavailable: " + err.Error()
			}
			failed = append(failed, notOperational{id: dev.ID, name: dev.Name, state: st, code: code, status: status})
		}

		is.Report(func(log Logger) {
			log.Error("not all devices reached operational state", "count", len(failed))
			for _, f := range failed {
				log.Error("device not operational",
					"device", f.id, "name", f.name, "state", f.state.String(),
					"al_status", fmt.Sprintf("0x%04X", f.code), "description", f.status)
			}
		})
		return nil
	})
}

// Run runs the synchronizer and supervisor until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	if !d.seg.Operational() {
		return ErrNotOperational
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.synchronizer.Run(gctx) })
	g.Go(func() error { return d.supervisor.Run(gctx) })
	return g.Wait()
}

// Close requests INIT on every device and releases the interface.
// It is safe to call more than once and after a failed Bringup.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if !d.opened {
			return
		}
		d.logger.Info("requesting INIT for all devices")
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.StateTimeout)
		defer cancel()
		if werr := d.master.WriteState(ctx, Broadcast, StateInit); werr != nil {
			d.logger.Warn("requesting INIT failed", "error", werr)
		}
		err = d.master.Close()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("closing master: %w", err)
	}
	return nil
}
