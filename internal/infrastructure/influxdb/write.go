package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementCycle       = "cycle"
	MeasurementDeviceState = "device_state"
)

// CycleMetrics is one sample of the exchange loop and supervisor counters.
type CycleMetrics struct {
	Interface      string
	Ack            int
	Expected       int
	Cycles         uint64
	ExchangeErrors uint64
	LastCycle      time.Duration
	Passes         uint64
	Timeouts       uint64
	Fresh          bool
}

// WriteCycleMetrics writes a cycle point tagged with the interface.
// The write is non-blocking; points are batched and sent asynchronously.
func (c *Client) WriteCycleMetrics(m CycleMetrics, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		MeasurementCycle,
		map[string]string{
			"interface": m.Interface,
		},
		map[string]interface{}{
			"ack":             m.Ack,
			"expected":        m.Expected,
			"cycles":          m.Cycles,
			"exchange_errors": m.ExchangeErrors,
			"last_cycle_us":   m.LastCycle.Microseconds(),
			"passes":          m.Passes,
			"timeouts":        m.Timeouts,
			"fresh":           m.Fresh,
		},
		ts,
	)
	c.writeAPI.WritePoint(point)
}

// WriteDeviceState writes the state of one device.
//
// Parameters:
//   - device: Position of the device on the segment (1-based)
//   - name: Device name reported by the segment
//   - state: AL state code
//   - lost: Whether the supervisor considers the device lost
//   - ts: Sample time
func (c *Client) WriteDeviceState(device int, name string, state uint16, lost bool, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		MeasurementDeviceState,
		map[string]string{
			"device": strconv.Itoa(device),
			"name":   name,
		},
		map[string]interface{}{
			"state": int64(state),
			"lost":  lost,
		},
		ts,
	)
	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Example:
//
//	client.WritePoint("inspect",
//	    map[string]string{"host": "plc-01"},
//	    map[string]interface{}{"clients": 3})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
