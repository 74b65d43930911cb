package telemetry

import "errors"

// ErrNoSegment is returned by New when no segment is supplied.
var ErrNoSegment = errors.New("telemetry: segment is required")
