package modbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/saj-gateway/internal/domain"
	"github.com/nexus-edge/saj-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultConnectionTTL is how long a cached connection is handed out before it is
// replaced.
const DefaultConnectionTTL = 60 * time.Second

type cacheEntry struct {
	conn          Connection
	establishedAt time.Time

	// users counts outstanding leases; a retired entry is closed when it drops to zero
	users     atomic.Int64
	retired   atomic.Bool
	closeOnce sync.Once
}

func (e *cacheEntry) close(logger zerolog.Logger) {
	e.closeOnce.Do(func() {
		if err := e.conn.Close(); err != nil {
			logger.Debug().Err(err).Msg("Error closing stale Modbus connection")
		}
	})
}

// release ends one lease.
func (e *cacheEntry) release(logger zerolog.Logger) {
	if e.users.Add(-1) == 0 && e.retired.Load() {
		e.close(logger)
	}
}

// retire stops handing the entry out. It is closed now if unused, otherwise by the
// last release.
func (e *cacheEntry) retire(logger zerolog.Logger) {
	e.retired.Store(true)
	if e.users.Load() == 0 {
		e.close(logger)
	}
}

// ConnectionCache hands out one shared connection. The fast path is a lock-free load;
// dialing happens under a single gate so concurrent callers never dial twice.
//
// Every Get is a lease that must be released. A connection replaced because of its TTL
// or a Reconnect stays open until its last lease is released.
type ConnectionCache struct {
	dialer  Dialer
	ttl     time.Duration
	logger  zerolog.Logger
	metrics *metrics.Registry

	entry  atomic.Pointer[cacheEntry]
	gate   sync.Mutex
	closed atomic.Bool

	connects   atomic.Uint64
	reconnects atomic.Uint64

	now func() time.Time
}

// NewConnectionCache creates a cache. A ttl <= 0 uses DefaultConnectionTTL.
func NewConnectionCache(dialer Dialer, ttl time.Duration, logger zerolog.Logger, metricsReg *metrics.Registry) *ConnectionCache {
	if ttl <= 0 {
		ttl = DefaultConnectionTTL
	}
	return &ConnectionCache{
		dialer:  dialer,
		ttl:     ttl,
		logger:  logger.With().Str("component", "connection-cache").Logger(),
		metrics: metricsReg,
		now:     time.Now,
	}
}

func (c *ConnectionCache) valid(e *cacheEntry) bool {
	return e != nil && !e.retired.Load() && c.now().Sub(e.establishedAt) < c.ttl && e.conn.IsConnected()
}

// tryAcquire leases e if it is still valid after the lease is taken.
func (c *ConnectionCache) tryAcquire(e *cacheEntry) (Connection, func(), bool) {
	if !c.valid(e) {
		return nil, nil, false
	}
	e.users.Add(1)
	if e.retired.Load() {
		e.release(c.logger)
		return nil, nil, false
	}
	var once sync.Once
	return e.conn, func() { once.Do(func() { e.release(c.logger) }) }, true
}

// Get leases the cached connection while it is younger than the TTL and still
// connected, otherwise dials a new one. The returned release func must be called once
// the caller is done with the connection.
func (c *ConnectionCache) Get(ctx context.Context) (Connection, func(), error) {
	if conn, release, ok := c.tryAcquire(c.entry.Load()); ok {
		return conn, release, nil
	}

	c.gate.Lock()
	defer c.gate.Unlock()

	// Another caller may have dialed while we waited for the gate.
	if conn, release, ok := c.tryAcquire(c.entry.Load()); ok {
		return conn, release, nil
	}

	e, err := c.replaceLocked(ctx)
	if err != nil {
		return nil, nil, err
	}
	conn, release, ok := c.tryAcquire(e)
	if !ok {
		return nil, nil, fmt.Errorf("%w: new connection not usable", domain.ErrConnectionFailed)
	}
	return conn, release, nil
}

// Reconnect retires the cached connection and dials a new one unconditionally.
func (c *ConnectionCache) Reconnect(ctx context.Context) error {
	c.gate.Lock()
	defer c.gate.Unlock()

	c.reconnects.Add(1)
	c.metrics.IncReconnects()
	c.logger.Warn().Msg("Forcing Modbus reconnection")

	_, err := c.replaceLocked(ctx)
	return err
}

// replaceLocked retires the current entry and dials. Caller must hold gate.
func (c *ConnectionCache) replaceLocked(ctx context.Context) (*cacheEntry, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("%w: connection cache closed", domain.ErrConnectionFailed)
	}

	if old := c.entry.Swap(nil); old != nil {
		old.retire(c.logger)
	}

	start := c.now()
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to connect to Modbus device")
		return nil, err
	}

	e := &cacheEntry{conn: conn, establishedAt: c.now()}
	c.entry.Store(e)
	c.connects.Add(1)
	c.metrics.IncConnects()

	c.logger.Debug().Dur("duration", c.now().Sub(start)).Msg("Modbus connection cached")
	return e, nil
}

// IsConnected reports whether a live connection is cached.
func (c *ConnectionCache) IsConnected() bool {
	e := c.entry.Load()
	return e != nil && e.conn.IsConnected()
}

// Close closes the cached connection, leased or not, and refuses further dials.
func (c *ConnectionCache) Close() error {
	c.gate.Lock()
	defer c.gate.Unlock()

	c.closed.Store(true)
	if old := c.entry.Swap(nil); old != nil {
		old.retired.Store(true)
		var err error
		old.closeOnce.Do(func() { err = old.conn.Close() })
		return err
	}
	return nil
}

// Stats returns connect and reconnect counts.
func (c *ConnectionCache) Stats() map[string]uint64 {
	return map[string]uint64{
		"connects":   c.connects.Load(),
		"reconnects": c.reconnects.Load(),
	}
}
