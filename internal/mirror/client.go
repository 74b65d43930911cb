package mirror

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// ErrNoEndpoint is returned when no Modbus endpoint is configured.
var ErrNoEndpoint = errors.New("mirror: endpoint required")

// RegisterWriter writes holding registers on a Modbus endpoint.
type RegisterWriter interface {
	WriteRegisters(unitID uint8, addr uint16, regs []uint16) error
	Close() error
}

// EndpointClient is a single Modbus TCP connection.
// Requests are serialised because the unit ID is set on the shared handler.
type EndpointClient struct {
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// Dial connects to a Modbus TCP endpoint ("host:port").
func Dial(endpoint string, timeout time.Duration) (*EndpointClient, error) {
	if endpoint == "" {
		return nil, ErrNoEndpoint
	}

	h := modbus.NewTCPClientHandler(endpoint)
	h.Timeout = timeout

	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("mirror: connecting to %s: %w", endpoint, err)
	}

	return &EndpointClient{
		handler: h,
		client:  modbus.NewClient(h),
	}, nil
}

// Close closes the connection.
func (c *EndpointClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler.Close()
}

// WriteRegisters writes regs starting at addr with function code 16.
func (c *EndpointClient) WriteRegisters(unitID uint8, addr uint16, regs []uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handler.SlaveId = unitID

	_, err := c.client.WriteMultipleRegisters(addr, uint16(len(regs)), packRegisters(regs))
	return err
}

// packRegisters encodes registers big-endian as they go on the wire.
func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		out[2*i] = byte(r >> 8)
		out[2*i+1] = byte(r)
	}
	return out
}
