package influxdb

import "errors"

// Sentinel errors returned by the metrics client. Check them with errors.Is.
var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed wraps the reason the startup ping did not succeed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned once the client has been closed.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrUnhealthy means the server answered the ping but reported itself unready.
	ErrUnhealthy = errors.New("influxdb: server not healthy")
)
