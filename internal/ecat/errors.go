package ecat

import "errors"

// Sentinel errors for segment operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNoData is returned by Probe when a device has nothing assigned
	// or does not answer. Callers treat it as "nothing to map".
	ErrNoData = errors.New("ecat: no process data assigned")

	// ErrLayoutInconsistent is returned when a device violates the assumed
	// sync manager convention or leaves a channel off a byte boundary.
	ErrLayoutInconsistent = errors.New("ecat: layout inconsistent")

	// ErrImageOverflow is returned when the mapped process data does not
	// fit the configured image size.
	ErrImageOverflow = errors.New("ecat: process image overflow")

	// ErrNoDevices is returned when the segment enumerates zero devices.
	ErrNoDevices = errors.New("ecat: no devices found")

	// ErrNotOperational is returned when bring-up cannot get every device to OP.
	ErrNotOperational = errors.New("ecat: not all devices reached OPERATIONAL")

	// ErrOpenFailed is returned when the master cannot bind the interface.
	ErrOpenFailed = errors.New("ecat: opening interface failed")

	// ErrStartupWrite is returned when a configured startup write fails.
	ErrStartupWrite = errors.New("ecat: startup write failed")

	// ErrAlignment is returned when a fixed-width value does not start on a byte boundary.
	ErrAlignment = errors.New("ecat: alignment error")

	// ErrUnknownType is returned when a value's data type cannot be decoded or encoded.
	ErrUnknownType = errors.New("ecat: unknown type")

	// ErrOutOfImage is returned when a mapping points outside the process image.
	ErrOutOfImage = errors.New("ecat: mapping outside process image")

	// ErrBadAddress is returned when an address string cannot be parsed.
	ErrBadAddress = errors.New("ecat: bad address")

	// ErrTimeout is returned by masters when a device does not answer in time.
	ErrTimeout = errors.New("ecat: timeout")
)
