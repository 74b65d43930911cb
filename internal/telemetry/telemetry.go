package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/ecatd/internal/ecat"
	"github.com/nerrad567/ecatd/internal/infrastructure/influxdb"
	"github.com/nerrad567/ecatd/internal/infrastructure/mqtt"
)

const (
	// DefaultInterval is how often state is sampled when none is configured.
	DefaultInterval = 5 * time.Second

	eventQueueSize = 128
)

// Publisher is the MQTT side of telemetry. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// PointWriter is the time-series side of telemetry. *influxdb.Client satisfies it.
type PointWriter interface {
	WriteCycleMetrics(m influxdb.CycleMetrics, ts time.Time)
	WriteDeviceState(device int, name string, state uint16, lost bool, ts time.Time)
}

// Logger is the logging interface used by telemetry.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Deps holds what the telemetry service needs.
//
// Publisher and Points may be left nil to disable that outlet. Do not pass
// a typed nil pointer: assign them only when the client was created.
type Deps struct {
	Segment   *ecat.Segment
	Publisher Publisher
	Points    PointWriter

	// Interface tags every cycle point.
	Interface string

	QoS      byte
	Interval time.Duration

	CycleStats       func() ecat.SynchronizerStats
	SupervisionStats func() ecat.SupervisorStats

	Logger Logger
}

// DeviceState is the retained payload of ecatd/state/<device>.
type DeviceState struct {
	Device    int       `json:"device"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	StateCode uint16    `json:"state_code"`
	Lost      bool      `json:"lost"`
	Group     uint8     `json:"group"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats are cumulative publishing counters.
type Stats struct {
	States  uint64 `json:"states"`
	Events  uint64 `json:"events"`
	Dropped uint64 `json:"dropped"`
	Samples uint64 `json:"samples"`
}

type stateKey struct {
	state uint16
	lost  bool
}

// Service samples the segment on an interval and forwards supervision events.
type Service struct {
	seg      *ecat.Segment
	pub      Publisher
	points   PointWriter
	iface    string
	qos      byte
	interval time.Duration

	cycleStats       func() ecat.SynchronizerStats
	supervisionStats func() ecat.SupervisorStats

	events chan ecat.Event

	// last holds the most recent state published per device.
	last   map[int]stateKey
	lastMu sync.Mutex

	states  atomic.Uint64
	sent    atomic.Uint64
	dropped atomic.Uint64
	samples atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a telemetry service.
func New(deps Deps) (*Service, error) {
	if deps.Segment == nil {
		return nil, ErrNoSegment
	}
	interval := deps.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Service{
		seg:              deps.Segment,
		pub:              deps.Publisher,
		points:           deps.Points,
		iface:            deps.Interface,
		qos:              deps.QoS,
		interval:         interval,
		cycleStats:       deps.CycleStats,
		supervisionStats: deps.SupervisionStats,
		events:           make(chan ecat.Event, eventQueueSize),
		last:             make(map[int]stateKey),
		logger:           logger,
	}, nil
}

// SetLogger replaces the logger.
func (s *Service) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

func (s *Service) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

// Publish queues a supervision event for MQTT. It never blocks; events
// that do not fit are dropped and counted.
func (s *Service) Publish(ev ecat.Event) {
	if s.pub == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Resync forgets what was published so the next sample republishes every
// device state. Call it after the broker connection is re-established.
func (s *Service) Resync() {
	s.lastMu.Lock()
	s.last = make(map[int]stateKey)
	s.lastMu.Unlock()
}

// Stats returns the publishing counters.
func (s *Service) Stats() Stats {
	return Stats{
		States:  s.states.Load(),
		Events:  s.sent.Load(),
		Dropped: s.dropped.Load(),
		Samples: s.samples.Load(),
	}
}

// Run samples the segment every interval and forwards queued events until
// ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sample(time.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			s.publishEvent(ev)
		case now := <-ticker.C:
			s.Sample(now)
		}
	}
}

// Sample takes one snapshot and sends it to every configured outlet.
func (s *Service) Sample(ts time.Time) {
	st := s.seg.Snapshot()
	s.samples.Add(1)
	s.publishStates(st, ts)
	s.writePoints(st, ts)
}

func (s *Service) publishStates(st ecat.Status, ts time.Time) {
	if s.pub == nil {
		return
	}
	if !s.pub.IsConnected() {
		s.Resync()
		return
	}

	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	for _, d := range st.Devices {
		key := stateKey{state: d.StateCode, lost: d.Lost}
		if prev, ok := s.last[d.ID]; ok && prev == key {
			continue
		}
		payload, err := json.Marshal(DeviceState{
			Device:    d.ID,
			Name:      d.Name,
			State:     d.State,
			StateCode: d.StateCode,
			Lost:      d.Lost,
			Group:     d.Group,
			Timestamp: ts.UTC(),
		})
		if err != nil {
			s.getLogger().Error("encoding device state", "device", d.ID, "error", err)
			continue
		}
		if err := s.pub.Publish(mqtt.Topics{}.DeviceState(d.ID), payload, s.qos, true); err != nil {
			s.getLogger().Warn("publishing device state", "device", d.ID, "error", err)
			continue
		}
		s.last[d.ID] = key
		s.states.Add(1)
	}
}

func (s *Service) publishEvent(ev ecat.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.getLogger().Error("encoding supervision event", "kind", string(ev.Kind), "error", err)
		return
	}
	if err := s.pub.Publish(mqtt.Topics{}.Event(string(ev.Kind)), payload, s.qos, false); err != nil {
		s.dropped.Add(1)
		s.getLogger().Debug("publishing supervision event", "kind", string(ev.Kind), "error", err)
		return
	}
	s.sent.Add(1)
}

func (s *Service) writePoints(st ecat.Status, ts time.Time) {
	if s.points == nil {
		return
	}

	m := influxdb.CycleMetrics{
		Interface: s.iface,
		Ack:       st.Ack,
		Expected:  st.Expected,
		Fresh:     st.Fresh,
	}
	if s.cycleStats != nil {
		cs := s.cycleStats()
		m.Cycles = cs.Cycles
		m.ExchangeErrors = cs.ExchangeErrors
		m.LastCycle = cs.LastCycle
	}
	if s.supervisionStats != nil {
		ss := s.supervisionStats()
		m.Passes = ss.Passes
		m.Timeouts = ss.Timeouts
	}
	s.points.WriteCycleMetrics(m, ts)

	for _, d := range st.Devices {
		s.points.WriteDeviceState(d.ID, d.Name, d.StateCode, d.Lost, ts)
	}
}
