package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/ecatd/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize = 100

	// defaultFlushInterval is in seconds, like influxdb.flush_interval.
	defaultFlushInterval = 10
)

// Client writes segment metrics to an InfluxDB v2 bucket.
//
// Points go through the library's non-blocking write API, so the cycle and
// supervision loops never wait on the network. Write failures surface
// asynchronously through the callback set with SetOnError and are counted.
//
// All methods are safe for concurrent use.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	cfg      config.InfluxDBConfig

	open        atomic.Bool
	writeErrors atomic.Uint64

	errMu   sync.RWMutex
	onError func(err error)
}

// Connect pings the server and prepares a batched write API for the
// configured org and bucket.
//
// Returns ErrDisabled when the section is disabled and ErrConnectionFailed
// when the server cannot be reached within the connect timeout.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		cfg:      cfg,
	}
	c.open.Store(true)

	go c.forwardErrors(c.writeAPI.Errors())

	return c, nil
}

// writeOptions applies the batch size and flush interval, falling back to the
// package defaults for non-positive values.
func writeOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}
	flushMs := uint(time.Duration(flush) * time.Second / time.Millisecond) // #nosec G115 -- positive

	return influxdb2.DefaultOptions().
		SetBatchSize(uint(batch)). // #nosec G115 -- positive
		SetFlushInterval(flushMs)
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if !healthy {
		return ErrUnhealthy
	}
	return nil
}

func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.writeErrors.Add(1)

		c.errMu.RLock()
		callback := c.onError
		c.errMu.RUnlock()
		if callback != nil {
			callback(err)
		}
	}
}

// Close flushes buffered points and releases the client.
// A zero Client or a second Close is a no-op.
func (c *Client) Close() error {
	if c.client == nil || !c.open.CompareAndSwap(true, false) {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx, c.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// IsConnected reports whether the client is open.
func (c *Client) IsConnected() bool {
	return c.open.Load()
}

// WriteErrors returns how many asynchronous writes have failed.
func (c *Client) WriteErrors() uint64 {
	return c.writeErrors.Load()
}

// SetOnError sets the callback for asynchronous write failures. Nil clears it.
func (c *Client) SetOnError(callback func(err error)) {
	c.errMu.Lock()
	c.onError = callback
	c.errMu.Unlock()
}

// Flush blocks until buffered points are written. It is a no-op after Close.
func (c *Client) Flush() {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.Flush()
}
