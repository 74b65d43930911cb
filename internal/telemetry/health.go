package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/ecatd/internal/infrastructure/mqtt"
)

// DefaultHealthInterval is the health publishing period when none is configured.
const DefaultHealthInterval = 30 * time.Second

// HealthStatus is the reported condition of the daemon.
type HealthStatus string

const (
	// HealthHealthy means every device is in OP and the broker is reachable.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded means data is stale or the broker is unreachable.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting is published before bring-up completes.
	HealthStarting HealthStatus = "starting"

	// HealthStopping is the final status published on shutdown.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the payload of ecatd/health.
type HealthMessage struct {
	Status        HealthStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	Interface     string       `json:"interface"`
	Version       string       `json:"version"`
	Devices       int          `json:"devices"`
	Operational   bool         `json:"operational"`
	Fresh         bool         `json:"fresh"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Liveness reports whether the segment is serving live data.
// *ecat.Segment satisfies it.
type Liveness interface {
	Operational() bool
	Fresh() bool
}

// HealthReporterConfig configures NewHealthReporter. Interface and Version
// are copied into every message; Interval defaults to DefaultHealthInterval.
type HealthReporterConfig struct {
	Interface string
	Version   string
	Interval  time.Duration
	Publisher Publisher
	Segment   Liveness
}

// HealthReporter publishes a retained status to ecatd/health on a ticker
// and a final "stopping" status from Stop.
type HealthReporter struct {
	cfg      HealthReporterConfig
	started  time.Time
	interval time.Duration

	devices atomic.Int64

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu     sync.Mutex
	logger Logger
	last   HealthStatus
}

func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	return &HealthReporter{
		cfg:      cfg,
		started:  time.Now(),
		interval: interval,
		cancel:   func() {},
	}
}

// Start publishes the current status and keeps publishing every interval
// until ctx is done or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends the loop and publishes "stopping". Later calls do nothing.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		h.wg.Wait()
		if err := h.publishStatus(HealthStopping, ""); err != nil {
			h.log().Debug("final health publish failed", "error", err)
		}
	})
}

// SetDeviceCount records the number of devices found at bring-up.
func (h *HealthReporter) SetDeviceCount(count int) {
	h.devices.Store(int64(count))
}

func (h *HealthReporter) SetLogger(logger Logger) {
	h.mu.Lock()
	h.logger = logger
	h.mu.Unlock()
}

func (h *HealthReporter) log() Logger {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.logger == nil {
		return noopLogger{}
	}
	return h.logger
}

// PublishStarting announces that bring-up is in progress.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bring-up in progress")
}

// PublishNow evaluates and publishes the current status.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.Status()
	h.noteTransition(status, reason)
	return h.publishStatus(status, reason)
}

// Status returns the current health and, when not healthy, why.
// A missing broker outranks a stale segment.
func (h *HealthReporter) Status() (HealthStatus, string) {
	switch seg := h.cfg.Segment; {
	case h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected():
		return HealthDegraded, "MQTT disconnected"
	case seg == nil || !seg.Operational():
		return HealthDegraded, "segment not operational"
	case !seg.Fresh():
		return HealthDegraded, "devices outside OP"
	}
	return HealthHealthy, ""
}

// noteTransition logs status changes between publishes.
func (h *HealthReporter) noteTransition(status HealthStatus, reason string) {
	h.mu.Lock()
	prev := h.last
	h.last = status
	h.mu.Unlock()

	if prev != "" && prev != status {
		h.log().Warn("health changed", "from", prev, "to", status, "reason", reason)
	}
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if err := h.PublishNow(); err != nil {
			h.log().Error("publishing health", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}

	msg := HealthMessage{
		Status:        status,
		Reason:        reason,
		Interface:     h.cfg.Interface,
		Version:       h.cfg.Version,
		Devices:       int(h.devices.Load()),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Timestamp:     time.Now().UTC(),
	}
	if seg := h.cfg.Segment; seg != nil {
		msg.Operational = seg.Operational()
		msg.Fresh = seg.Fresh()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(mqtt.Topics{}.Health(), payload, 1, true)
}
