// Package telemetry publishes segment state off the host.
//
// Two outlets are supported, both optional:
//
//	┌──────────────┐  snapshot   ┌─────────────┐   MQTT    ┌────────┐
//	│ ecat.Segment │────────────►│  Service    │──────────►│ broker │
//	└──────────────┘             │             │  Influx   ┌────────┐
//	  supervisor ──── events ───►│             │──────────►│ bucket │
//	                             └─────────────┘           └────────┘
//
// # MQTT Topics
//
//	ecatd/state/<device>   retained JSON device state, published on change
//	ecatd/event/<kind>     supervision events, not retained
//	ecatd/health           HealthReporter status (healthy, degraded, stopping)
//
// # InfluxDB Measurements
//
//	cycle          ack, expected, exchange and supervision counters
//	device_state   AL state code and lost flag per device
//
// Service implements ecat.EventSink. Publish only queues; the MQTT round
// trip happens on the Run goroutine so the supervisor is never held up by
// a slow broker.
package telemetry
