package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/saj-gateway/internal/domain"
	"github.com/nexus-edge/saj-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// ConnectionProvider supplies connections to the transport. Get returns a lease; the
// release func is called once the operation on the connection has finished.
type ConnectionProvider interface {
	Get(ctx context.Context) (Connection, func(), error)
	Reconnect(ctx context.Context) error
}

// TransportConfig holds configuration for the transport.
type TransportConfig struct {
	// Read is the retry policy for register reads
	Read RetryPolicy

	// Write is the retry policy for register writes
	Write RetryPolicy

	// Workers bounds the number of device calls in flight
	Workers int
}

// TransportStats tracks transport activity.
type TransportStats struct {
	ReadCount  atomic.Uint64
	WriteCount atomic.Uint64
	ErrorCount atomic.Uint64
	RetryCount atomic.Uint64
}

// Transport performs register reads and writes with retries. Blocking device calls run
// on a bounded set of worker goroutines; the caller waits on its context.
//
// Operation failures are retried with exponential backoff. Errors wrapping
// domain.ErrReconnectionNeeded are returned at once; retrying them on the same
// connection cannot succeed.
type Transport struct {
	config     TransportConfig
	conns      ConnectionProvider
	logger     zerolog.Logger
	metrics    *metrics.Registry
	workerPool chan struct{}
	stats      *TransportStats
}

// NewTransport creates a transport over conns.
func NewTransport(config TransportConfig, conns ConnectionProvider, logger zerolog.Logger, metricsReg *metrics.Registry) *Transport {
	config.Read = config.Read.withDefaults(DefaultReadPolicy())
	config.Write = config.Write.withDefaults(DefaultWritePolicy())
	if config.Workers <= 0 {
		config.Workers = 4
	}

	return &Transport{
		config:     config,
		conns:      conns,
		logger:     logger.With().Str("component", "modbus-transport").Logger(),
		metrics:    metricsReg,
		workerPool: make(chan struct{}, config.Workers),
		stats:      &TransportStats{},
	}
}

// Read reads count holding registers starting at address.
func (t *Transport) Read(ctx context.Context, address, count uint16) ([]uint16, error) {
	if count == 0 || count > domain.MaxRegistersPerRead {
		return nil, domain.Validationf("register count %d out of range 1-%d", count, domain.MaxRegistersPerRead)
	}

	var words []uint16
	err := t.do(ctx, "read", address, t.config.Read, func(conn Connection) error {
		w, err := conn.ReadHoldingRegisters(address, count)
		if err != nil {
			return err
		}
		words = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.stats.ReadCount.Add(1)
	return words, nil
}

// Write writes values starting at address. One value uses FC06, more use FC16.
func (t *Transport) Write(ctx context.Context, address uint16, values []uint16) error {
	if len(values) == 0 || len(values) > 123 {
		return domain.Validationf("write of %d registers out of range 1-123", len(values))
	}
	vals := append([]uint16(nil), values...)

	err := t.do(ctx, "write", address, t.config.Write, func(conn Connection) error {
		return conn.WriteRegisters(address, vals)
	})
	if err != nil {
		return err
	}

	t.stats.WriteCount.Add(1)
	return nil
}

// Reconnect forces the connection provider to replace the connection.
func (t *Transport) Reconnect(ctx context.Context) error {
	if err := t.conns.Reconnect(ctx); err != nil {
		t.logger.Error().Err(err).Msg("Reconnect failed")
		return err
	}
	t.logger.Info().Msg("Reconnected to Modbus device")
	return nil
}

func (t *Transport) do(ctx context.Context, op string, address uint16, policy RetryPolicy, fn func(Connection) error) error {
	var lastErr error

	for attempt := 0; attempt < policy.Attempts; attempt++ {
		if attempt > 0 {
			t.stats.RetryCount.Add(1)
			t.metrics.IncTransportRetry(op)
			delay := policy.Backoff(attempt - 1)
			t.logger.Debug().
				Str("op", op).
				Uint16("address", address).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("Retrying Modbus operation")

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return t.fail(op, fmt.Errorf("%w: %v (last error: %v)", domain.ErrOperationFailed, ctx.Err(), lastErr))
			case <-timer.C:
			}
		}

		conn, release, err := t.conns.Get(ctx)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		err = t.offload(ctx, func() error { return fn(conn) }, release)
		if err == nil {
			return nil
		}
		if domain.IsReconnectionNeeded(err) {
			return t.fail(op, err)
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	if !errors.Is(lastErr, domain.ErrOperationFailed) {
		lastErr = fmt.Errorf("%w: %w", domain.ErrOperationFailed, lastErr)
	}
	return t.fail(op, fmt.Errorf("%s @%d after %d attempts: %w", op, address, policy.Attempts, lastErr))
}

func (t *Transport) fail(op string, err error) error {
	t.stats.ErrorCount.Add(1)
	kind := "operation"
	switch {
	case domain.IsReconnectionNeeded(err):
		kind = "reconnect"
	case isTimeout(err):
		kind = "timeout"
	}
	t.metrics.IncTransportError(op, kind)
	return err
}

// offload runs fn on a worker goroutine and waits for it or for ctx. release runs once
// fn has returned, even when the caller stopped waiting, or at once if fn never starts.
func (t *Transport) offload(ctx context.Context, fn func() error, release func()) error {
	select {
	case t.workerPool <- struct{}{}:
	case <-ctx.Done():
		release()
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-t.workerPool }()
		defer release()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the transport counters.
func (t *Transport) Stats() map[string]uint64 {
	return map[string]uint64{
		"reads":   t.stats.ReadCount.Load(),
		"writes":  t.stats.WriteCount.Load(),
		"errors":  t.stats.ErrorCount.Load(),
		"retries": t.stats.RetryCount.Load(),
	}
}
