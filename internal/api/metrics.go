package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/ecatd/internal/ecat"
	"github.com/nerrad567/ecatd/internal/infrastructure/mqtt"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string                 `json:"timestamp"`
	Version       string                 `json:"version"`
	Interface     string                 `json:"interface"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Runtime       RuntimeMetrics         `json:"runtime"`
	Segment       SegmentMetrics         `json:"segment"`
	Cycle         ecat.SynchronizerStats `json:"cycle"`
	Supervision   ecat.SupervisorStats   `json:"supervision"`
	Inspect       InspectMetrics         `json:"inspect"`
	WebSocket     WSMetrics              `json:"websocket"`
	MQTT          *MQTTMetrics           `json:"mqtt,omitempty"`
	Database      *DatabaseMetrics       `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// SegmentMetrics summarises the segment.
type SegmentMetrics struct {
	Operational bool           `json:"operational"`
	Fresh       bool           `json:"fresh"`
	Ack         int            `json:"ack"`
	Expected    int            `json:"expected"`
	Devices     int            `json:"devices"`
	Lost        int            `json:"lost"`
	ByState     map[string]int `json:"by_state"`
}

// InspectMetrics contains inspection server statistics.
type InspectMetrics struct {
	Clients int `json:"clients"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	Dropped          uint64 `json:"dropped"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool        `json:"connected"`
	Publish   *mqtt.Stats `json:"publish,omitempty"`
}

// publishStatser is implemented by *mqtt.Client.
type publishStatser interface {
	Stats() mqtt.Stats
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	st := s.segment.Snapshot()
	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		Interface:     s.iface,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Segment: SegmentMetrics{
			Operational: st.Operational,
			Fresh:       st.Fresh,
			Ack:         st.Ack,
			Expected:    st.Expected,
			Devices:     len(st.Devices),
			ByState:     make(map[string]int),
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			Dropped:          s.hub.Dropped(),
		},
	}
	for _, d := range st.Devices {
		metrics.Segment.ByState[d.State]++
		if d.Lost {
			metrics.Segment.Lost++
		}
	}

	if s.stats != nil {
		metrics.Cycle = s.stats.CycleStats()
		metrics.Supervision = s.stats.SupervisionStats()
	}
	if s.inspect != nil {
		metrics.Inspect.Clients = s.inspect.Clients()
	}
	if s.mqtt != nil {
		metrics.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
		if ps, ok := s.mqtt.(publishStatser); ok {
			st := ps.Stats()
			metrics.MQTT.Publish = &st
		}
	}
	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
