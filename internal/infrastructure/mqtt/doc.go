// Package mqtt provides the MQTT connection ecatd publishes telemetry on.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS and retained flags
//   - Last Will and Testament (LWT) for offline detection
//
// The client only publishes. Nothing on the broker can drive the segment.
//
// # Topics
//
//	ecatd/system/status   retained online/offline, also the LWT
//	ecatd/health          periodic health report
//	ecatd/state/<device>  retained device state
//	ecatd/event/<kind>    supervision events
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.PublishRetained(mqtt.Topics{}.DeviceState(2), payload)
package mqtt
