package ecat

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultCyclePeriod is the default process data exchange interval.
const DefaultCyclePeriod = 5 * time.Millisecond

// SynchronizerStats are cumulative exchange counters.
type SynchronizerStats struct {
	Cycles         uint64        `json:"cycles"`
	ExchangeErrors uint64        `json:"exchange_errors"`
	LastCycle      time.Duration `json:"last_cycle_ns"`
}

// Synchronizer exchanges the process image with the bus once per period.
type Synchronizer struct {
	master Master
	seg    *Segment
	period time.Duration
	logger Logger

	cycles    atomic.Uint64
	errors    atomic.Uint64
	lastCycle atomic.Int64
}

// NewSynchronizer creates a synchronizer. A zero period takes DefaultCyclePeriod.
func NewSynchronizer(master Master, seg *Segment, period time.Duration, logger Logger) *Synchronizer {
	if period <= 0 {
		period = DefaultCyclePeriod
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Synchronizer{master: master, seg: seg, period: period, logger: logger}
}

// Run exchanges once per period until ctx is cancelled, then returns nil.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cycle synchronizer stopped")
			return nil
		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

// Cycle performs a single exchange inside an image session.
func (s *Synchronizer) Cycle(ctx context.Context) {
	start := time.Now()
	_ = s.seg.WithImage(func(is *ImageSession) error {
		ack, err := s.master.Exchange(ctx, is.Image())
		if err != nil {
			if s.errors.Add(1) == 1 {
				s.logger.Warn("process data exchange failed", "error", err)
			}
			ack = 0
		}
		is.SetAck(ack)
		is.SetDCTime(s.master.DCTime())
		return nil
	})
	s.cycles.Add(1)
	s.lastCycle.Store(int64(time.Since(start)))
}

// Stats returns a copy of the exchange counters.
func (s *Synchronizer) Stats() SynchronizerStats {
	return SynchronizerStats{
		Cycles:         s.cycles.Load(),
		ExchangeErrors: s.errors.Load(),
		LastCycle:      time.Duration(s.lastCycle.Load()),
	}
}
