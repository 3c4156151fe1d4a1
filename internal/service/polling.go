// Package service contains the polling scheduler, the write command queue and the
// fan-out that together drive the inverter.
package service

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

// Device is the register-level view of the inverter used by the services.
type Device interface {
	Read(ctx context.Context, address, count uint16) ([]uint16, error)
	Write(ctx context.Context, address uint16, values []uint16) error
	Reconnect(ctx context.Context) error
}

// Publisher receives changed snapshot fields.
type Publisher interface {
	Publish(changed map[string]interface{})
}

// WriteGate reports whether a write is executing on the device.
type WriteGate interface {
	WriteInFlight() bool
}

// TierConfig holds the cadence of one tier.
type TierConfig struct {
	Interval time.Duration
	Enabled  bool
}

// PollingConfig holds configuration for the polling service.
type PollingConfig struct {
	// Tiers maps each tier to its cadence. Tiers missing here are disabled.
	Tiers map[domain.Tier]TierConfig

	// CycleTimeout bounds one poll cycle
	CycleTimeout time.Duration

	// ShutdownTimeout is informational; Stop honours its own context
	ShutdownTimeout time.Duration
}

// Skip reasons reported in CycleResult.
const (
	SkipBusy          = "busy"
	SkipWriteInFlight = "write_in_flight"
	SkipDisabled      = "disabled"
)

// CycleResult describes one poll cycle.
type CycleResult struct {
	Tier        domain.Tier
	Skipped     bool
	SkipReason  string
	Fields      map[string]interface{}
	Changed     map[string]interface{}
	Errors      []domain.PollError
	Reconnected bool
	Duration    time.Duration
}

// PollingService runs one ticker per tier. A tick starts a cycle goroutine that takes
// the tier lock with TryLock; if the previous cycle of that tier is still running the
// tick is skipped. Cycles only ever merge into the snapshot.
type PollingService struct {
	config    PollingConfig
	device    Device
	snapshot  *domain.Snapshot
	publisher Publisher
	gate      WriteGate
	logger    zerolog.Logger
	metrics   *metrics.Registry
	tiers     map[domain.Tier]*tierPoller
	started   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type tierPoller struct {
	tier     domain.Tier
	interval time.Duration
	enabled  bool
	blocks   []domain.RegisterBlock
	lock     sync.Mutex
	running  atomic.Bool

	mu          sync.RWMutex
	lastSuccess time.Time
	lastError   error

	stats tierStats
}

type tierStats struct {
	cycles  atomic.Uint64
	skipped atomic.Uint64
	errors  atomic.Uint64
}

// TierStatus holds the current status of a tier.
type TierStatus struct {
	Tier        domain.Tier   `json:"tier"`
	Enabled     bool          `json:"enabled"`
	Running     bool          `json:"running"`
	Interval    time.Duration `json:"interval_ns"`
	Blocks      int           `json:"blocks"`
	LastSuccess time.Time     `json:"last_success,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Cycles      uint64        `json:"cycles"`
	Skipped     uint64        `json:"skipped"`
	Errors      uint64        `json:"errors"`
}

// NewPollingService creates a polling service for the blocks of registers.
func NewPollingService(
	config PollingConfig,
	registers *domain.RegisterMap,
	device Device,
	snapshot *domain.Snapshot,
	publisher Publisher,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *PollingService {
	if config.CycleTimeout <= 0 {
		config.CycleTimeout = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	s := &PollingService{
		config:    config,
		device:    device,
		snapshot:  snapshot,
		publisher: publisher,
		logger:    logger.With().Str("component", "polling-service").Logger(),
		metrics:   metricsReg,
		tiers:     make(map[domain.Tier]*tierPoller),
	}

	for _, tier := range domain.Tiers {
		tc := config.Tiers[tier]
		s.tiers[tier] = &tierPoller{
			tier:     tier,
			interval: tc.Interval,
			enabled:  tc.Enabled && tc.Interval > 0,
			blocks:   registers.BlocksFor(tier),
		}
	}
	return s
}

// SetWriteGate installs the gate consulted before ultra-fast cycles.
func (s *PollingService) SetWriteGate(gate WriteGate) {
	s.gate = gate
}

// SuspendUltraFast waits for a running ultra-fast cycle to finish and keeps new ones
// from reading until resume is called. The command queue holds it for the whole of
// each command.
func (s *PollingService) SuspendUltraFast() (resume func()) {
	tp, ok := s.tiers[domain.TierUltraFast]
	if !ok {
		return func() {}
	}
	tp.lock.Lock()
	return tp.lock.Unlock
}

func (s *PollingService) suppressed(tier domain.Tier) bool {
	return tier == domain.TierUltraFast && s.gate != nil && s.gate.WriteInFlight()
}

// Start launches one poller per enabled tier. Each poller refreshes once before its
// first tick.
func (s *PollingService) Start(ctx context.Context) error {
	if s.started.Load() {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started.Store(true)

	for _, tier := range domain.Tiers {
		tp := s.tiers[tier]
		if !tp.enabled || len(tp.blocks) == 0 {
			s.logger.Debug().Str("tier", string(tier)).Msg("Tier disabled")
			continue
		}
		s.startTierPoller(tp)
	}

	s.logger.Info().Int("snapshot_fields", s.snapshot.Len()).Msg("Polling service started")
	return nil
}

// Stop cancels all pollers and waits for running cycles.
func (s *PollingService) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}

	s.logger.Info().Msg("Stopping polling service")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All pollers stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("Timeout waiting for pollers to stop")
	}

	s.started.Store(false)
	return nil
}

func (s *PollingService) startTierPoller(tp *tierPoller) {
	tp.running.Store(true)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer tp.running.Store(false)

		s.logger.Debug().
			Str("tier", string(tp.tier)).
			Dur("interval", tp.interval).
			Int("blocks", len(tp.blocks)).
			Msg("Starting tier poller")

		// Initial refresh
		s.PollOnce(s.ctx, tp.tier)

		ticker := time.NewTicker(tp.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.PollOnce(s.ctx, tp.tier)
				}()
			}
		}
	}()
}

// PollOnce runs a single cycle of tier. It returns immediately when the tier is busy,
// or, for the ultra-fast tier, when a write is in flight. A write never starts while an
// ultra-fast cycle is reading; see SuspendUltraFast.
func (s *PollingService) PollOnce(ctx context.Context, tier domain.Tier) CycleResult {
	result := CycleResult{Tier: tier}

	tp, ok := s.tiers[tier]
	if !ok || !tier.Valid() {
		result.Skipped, result.SkipReason = true, SkipDisabled
		return result
	}

	if s.suppressed(tier) {
		return s.skip(tp, result, SkipWriteInFlight)
	}
	if !tp.lock.TryLock() {
		// A writer holding the ultra-fast lock looks like a busy tier.
		if s.suppressed(tier) {
			return s.skip(tp, result, SkipWriteInFlight)
		}
		return s.skip(tp, result, SkipBusy)
	}
	defer tp.lock.Unlock()

	start := time.Now()
	tp.stats.cycles.Add(1)

	cctx, cancel := context.WithTimeout(ctx, s.config.CycleTimeout)
	defer cancel()

	fields := make(map[string]interface{})
	var errs []domain.PollError
	var reconnectErr error

	for _, b := range tp.blocks {
		words, err := s.device.Read(cctx, b.Start, b.Count)
		if err != nil {
			if domain.IsReconnectionNeeded(err) {
				errs = append(errs, domain.PollError{Source: b.Name, Cause: err})
				reconnectErr = err
				break
			}
			_, failed := domain.DecodeReadFailure(b.Name, err)
			errs = append(errs, failed...)
			if cctx.Err() != nil {
				break
			}
			continue
		}

		values, decodeErrs := domain.Decode(words, b.Fields)
		for k, v := range values {
			fields[k] = v
		}
		errs = append(errs, decodeErrs...)
	}

	if reconnectErr != nil {
		s.logger.Warn().
			Err(reconnectErr).
			Str("tier", string(tier)).
			Msg("Connection lost during poll, reconnecting")
		if err := s.device.Reconnect(ctx); err != nil {
			s.logger.Error().Err(err).Str("tier", string(tier)).Msg("Reconnect after poll failure failed")
		}
		result.Reconnected = true
	}

	changed := s.snapshot.Merge(fields)
	if len(changed) > 0 && s.publisher != nil {
		s.publisher.Publish(changed)
	}

	for _, e := range errs {
		s.logger.Warn().
			Str("tier", string(tier)).
			Str("source", e.Source).
			Err(e.Cause).
			Msg("Poll error")
	}

	result.Fields = fields
	result.Changed = changed
	result.Errors = errs
	result.Duration = time.Since(start)

	s.record(tp, result)
	return result
}

func (s *PollingService) skip(tp *tierPoller, result CycleResult, reason string) CycleResult {
	tp.stats.skipped.Add(1)
	s.metrics.IncPollSkipped(string(tp.tier), reason)
	s.logger.Debug().Str("tier", string(tp.tier)).Str("reason", reason).Msg("Poll cycle skipped")
	result.Skipped, result.SkipReason = true, reason
	return result
}

func (s *PollingService) record(tp *tierPoller, result CycleResult) {
	outcome := "ok"
	switch {
	case len(result.Errors) > 0 && len(result.Fields) == 0:
		outcome = "failed"
	case len(result.Errors) > 0:
		outcome = "partial"
	}

	tier := string(tp.tier)
	s.metrics.IncPollCycle(tier, outcome)
	s.metrics.AddPollErrors(tier, len(result.Errors))
	s.metrics.ObserveCycleDuration(tier, result.Duration.Seconds())
	s.metrics.SetSnapshotFields(s.snapshot.Len())

	tp.stats.errors.Add(uint64(len(result.Errors)))

	tp.mu.Lock()
	if len(result.Fields) > 0 {
		tp.lastSuccess = time.Now()
	}
	if len(result.Errors) > 0 {
		tp.lastError = fmt.Errorf("%d errors, first: %w", len(result.Errors), result.Errors[0])
	} else {
		tp.lastError = nil
	}
	tp.mu.Unlock()

	s.logger.Debug().
		Str("tier", tier).
		Str("outcome", outcome).
		Int("fields", len(result.Fields)).
		Int("changed", len(result.Changed)).
		Int("errors", len(result.Errors)).
		Dur("duration", result.Duration).
		Msg("Poll cycle completed")
}

// Status returns the status of every tier.
func (s *PollingService) Status() []TierStatus {
	out := make([]TierStatus, 0, len(domain.Tiers))
	for _, tier := range domain.Tiers {
		tp := s.tiers[tier]
		tp.mu.RLock()
		st := TierStatus{
			Tier:        tier,
			Enabled:     tp.enabled,
			Running:     tp.running.Load(),
			Interval:    tp.interval,
			Blocks:      len(tp.blocks),
			LastSuccess: tp.lastSuccess,
			Cycles:      tp.stats.cycles.Load(),
			Skipped:     tp.stats.skipped.Load(),
			Errors:      tp.stats.errors.Load(),
		}
		if tp.lastError != nil {
			st.LastError = tp.lastError.Error()
		}
		tp.mu.RUnlock()
		out = append(out, st)
	}
	return out
}

// LastSuccess returns when tier last produced at least one field.
func (s *PollingService) LastSuccess(tier domain.Tier) time.Time {
	tp, ok := s.tiers[tier]
	if !ok {
		return time.Time{}
	}
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.lastSuccess
}
