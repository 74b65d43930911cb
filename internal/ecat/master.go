package ecat

import (
	"context"
	"time"
)

// Broadcast addresses every device in WriteState.
const Broadcast = 0

// ObjectEntry describes one object dictionary entry.
type ObjectEntry struct {
	DataType  DataType
	BitLength uint16
	Name      string
}

// DeviceInfo is the static per-device information a master reports after Configure.
// Offsets are byte offsets into the process image.
type DeviceInfo struct {
	ID           int
	Name         string
	SupportsCoE  bool
	OutputBytes  int
	OutputBits   int
	InputBytes   int
	InputBits    int
	OutputOffset int
	InputOffset  int
	// OutputAck and InputAck are the working counter contributions of the
	// device's output and input channels (0 or 1 each).
	OutputAck int
	InputAck  int
	Group     uint8
}

// MapResult is what Configure returns: the enumerated devices, numbered
// 1..N in slice order, and the number of image bytes the mapping uses.
type MapResult struct {
	Devices   []DeviceInfo
	UsedBytes int
}

// Dictionary is the subset of the master used for object dictionary reads.
type Dictionary interface {
	// ReadSDO returns the raw little-endian bytes of device:index:sub.
	ReadSDO(ctx context.Context, device int, index uint16, sub uint8) ([]byte, error)

	// ReadObjectEntry returns the description of device:index:sub.
	ReadObjectEntry(ctx context.Context, device int, index uint16, sub uint8) (ObjectEntry, error)
}

// Master is the fieldbus master capability the supervisor drives.
//
// Implementations are not required to be safe for concurrent use. Every
// call made by this package happens inside an image session or on the
// bring-up goroutine before other goroutines start.
type Master interface {
	Dictionary

	// Open binds the master to a network interface.
	Open(ctx context.Context, ifname string) error

	// Configure enumerates the segment and maps process data into an image
	// of imageSize bytes.
	Configure(ctx context.Context, imageSize int) (MapResult, error)

	// WriteSDO writes raw little-endian bytes to device:index:sub.
	WriteSDO(ctx context.Context, device int, index uint16, sub uint8, data []byte) error

	// ReadState returns the device's AL state. StateNone means unreachable.
	ReadState(ctx context.Context, device int) (State, error)

	// WriteState requests a state on one device, or every device for Broadcast.
	WriteState(ctx context.Context, device int, state State) error

	// StateCheck polls until want is reached or timeout expires and returns
	// the last observed state.
	StateCheck(ctx context.Context, device int, want State, timeout time.Duration) (State, error)

	// Exchange sends outputs from image and receives inputs into it,
	// returning the working counter.
	Exchange(ctx context.Context, image []byte) (int, error)

	// Reconfigure reinitialises a device that is reachable but not in OP.
	Reconfigure(ctx context.Context, device int, timeout time.Duration) error

	// Recover re-finds a device that dropped off the segment.
	Recover(ctx context.Context, device int, timeout time.Duration) error

	// ALStatus returns the device's AL status code.
	ALStatus(ctx context.Context, device int) (uint16, error)

	// DCTime returns the distributed clock time of the last exchange.
	DCTime() int64

	// Close releases the interface.
	Close() error
}
