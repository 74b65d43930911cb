package mqtt

import "errors"

var (
	// ErrNotConnected means the broker link is down. Telemetry treats it as
	// a skipped publish and resyncs state on the next connect.
	ErrNotConnected = errors.New("mqtt: not connected to broker")

	// ErrConnectionFailed wraps the error of the first connect attempt.
	ErrConnectionFailed = errors.New("mqtt: connect failed")

	ErrPublishFailed = errors.New("mqtt: publish failed")
	ErrInvalidQoS    = errors.New("mqtt: qos must be 0, 1 or 2")
	ErrInvalidTopic  = errors.New("mqtt: empty topic")
)
