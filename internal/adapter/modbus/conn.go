// Package modbus provides the Modbus-TCP transport: a goburrow backed connection, a TTL
// connection cache, and a retrying transport that offloads blocking calls to workers.
package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/saj-gateway/internal/domain"
	"github.com/rs/zerolog"
)

// Connection is one established Modbus channel. Calls block until the device answers or
// the handler timeout fires.
type Connection interface {
	ReadHoldingRegisters(address, quantity uint16) ([]uint16, error)
	WriteRegisters(address uint16, values []uint16) error
	IsConnected() bool
	Close() error
}

// Dialer establishes new connections.
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// DialerConfig holds configuration for a TCP dialer.
type DialerConfig struct {
	// Address is the host:port of the inverter or its Modbus gateway
	Address string

	// SlaveID is the Modbus slave/unit ID (1-247)
	SlaveID byte

	// Timeout bounds every request on the connection
	Timeout time.Duration

	// ConnectTimeout bounds connection establishment
	ConnectTimeout time.Duration

	// IdleTimeout closes the socket after inactivity; goburrow reopens it on demand
	IdleTimeout time.Duration
}

// TCPDialer dials goburrow TCP connections.
type TCPDialer struct {
	config DialerConfig
	logger zerolog.Logger
}

// NewTCPDialer creates a dialer with defaults applied.
func NewTCPDialer(config DialerConfig, logger zerolog.Logger) (*TCPDialer, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("modbus address is required")
	}
	if config.SlaveID == 0 || config.SlaveID > 247 {
		return nil, fmt.Errorf("modbus slave id %d out of range 1-247", config.SlaveID)
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 60 * time.Second
	}

	return &TCPDialer{
		config: config,
		logger: logger.With().Str("component", "modbus-dialer").Str("address", config.Address).Logger(),
	}, nil
}

// Dial opens a new TCP connection, bounded by ConnectTimeout.
func (d *TCPDialer) Dial(ctx context.Context) (Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.ConnectTimeout)
	defer cancel()

	handler := modbus.NewTCPClientHandler(d.config.Address)
	handler.Timeout = d.config.Timeout
	handler.SlaveId = d.config.SlaveID
	handler.IdleTimeout = d.config.IdleTimeout

	d.logger.Debug().Msg("Connecting to Modbus device")

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- handler.Connect()
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		}
	case <-ctx.Done():
		// The dial goroutine may still succeed; close whatever it produces.
		go func() {
			if err := <-connectDone; err == nil {
				handler.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionTimeout, ctx.Err())
	}

	c := &tcpConn{
		handler: handler,
		client:  modbus.NewClient(handler),
	}
	c.connected.Store(true)

	d.logger.Info().Msg("Connected to Modbus device")
	return c, nil
}

var errConnClosed = fmt.Errorf("%w: connection closed", domain.ErrReconnectionNeeded)

// tcpConn wraps a goburrow client. The goburrow client is not safe for concurrent use,
// so every request holds opMu.
type tcpConn struct {
	handler   *modbus.TCPClientHandler
	client    modbus.Client
	opMu      sync.Mutex
	closed    bool
	connected atomic.Bool
}

func (c *tcpConn) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	c.opMu.Lock()
	if !c.connected.Load() {
		c.opMu.Unlock()
		return nil, errConnClosed
	}
	raw, err := c.client.ReadHoldingRegisters(address, quantity)
	c.opMu.Unlock()

	if err != nil {
		return nil, c.translateError(err)
	}
	if len(raw) != int(quantity)*2 {
		return nil, fmt.Errorf("%w: %v: got %d bytes for %d registers",
			domain.ErrOperationFailed, domain.ErrInvalidDataLength, len(raw), quantity)
	}
	return bytesToWords(raw), nil
}

func (c *tcpConn) WriteRegisters(address uint16, values []uint16) error {
	if len(values) == 0 {
		return fmt.Errorf("%w: no values to write", domain.ErrValidation)
	}
	var err error
	c.opMu.Lock()
	if !c.connected.Load() {
		c.opMu.Unlock()
		return errConnClosed
	}
	if len(values) == 1 {
		_, err = c.client.WriteSingleRegister(address, values[0])
	} else {
		_, err = c.client.WriteMultipleRegisters(address, uint16(len(values)), wordsToBytes(values))
	}
	c.opMu.Unlock()

	if err != nil {
		return c.translateError(err)
	}
	return nil
}

func (c *tcpConn) IsConnected() bool {
	return c.connected.Load()
}

// Close waits for the running request. goburrow redials on demand, so no request may
// start on the handler after it is closed; the liveness check runs under opMu.
func (c *tcpConn) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected.Store(false)
	return c.handler.Close()
}

// translateError maps goburrow errors onto the domain. Connection faults also mark the
// connection dead so the cache stops handing it out.
func (c *tcpConn) translateError(err error) error {
	if isConnectionError(err) {
		c.connected.Store(false)
		return fmt.Errorf("%w: %w", domain.ErrReconnectionNeeded, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrOperationFailed, err)
}

// isConnectionError reports whether err means the channel to the device is unusable.
// Timeouts are not connection errors; the request is retried on the same socket.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return mbErr.ExceptionCode == modbus.ExceptionCodeGatewayPathUnavailable ||
			mbErr.ExceptionCode == modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return !netErr.Timeout()
	}

	return containsAny(err.Error(), "connection reset", "broken pipe", "connection refused", "no route to host")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func bytesToWords(b []byte) []uint16 {
	words := make([]uint16, len(b)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(b[i*2:])
	}
	return words
}

func wordsToBytes(words []uint16) []byte {
	b := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(b[i*2:], w)
	}
	return b
}
