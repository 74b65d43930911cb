// Package influxdb writes segment telemetry to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health checks.
//
// # Measurements
//
//   - cycle: acknowledged and expected working counter, cycle and
//     supervision counters, tagged by interface
//   - device_state: AL state and lost flag per device
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteDeviceState(2, "EL3102", 0x08, false, time.Now())
//
// # Error Handling
//
// Write errors are delivered asynchronously to the SetOnError callback.
// Connection and health check errors are returned directly.
package influxdb
