package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/saj-gateway/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Sink receives changed fields. Publish may block; the fan-out calls it from a
// dedicated worker.
type Sink interface {
	Name() string
	Publish(ctx context.Context, fields map[string]interface{}) error
}

// FanoutConfig holds configuration for the sink fan-out.
type FanoutConfig struct {
	// BufferSize is the number of queued updates per sink. Updates arriving while the
	// buffer is full are merged into a single overflow batch.
	BufferSize int

	// BatchSize flushes a sink as soon as this many distinct fields are pending
	BatchSize int

	// FlushInterval flushes pending fields that did not fill a batch
	FlushInterval time.Duration

	// PublishTimeout bounds a single sink call
	PublishTimeout time.Duration

	// FailureThreshold is the number of consecutive failures that opens a sink's breaker
	FailureThreshold uint32

	// OpenTimeout is how long a breaker stays open before a trial call
	OpenTimeout time.Duration
}

// SinkStatus is the externally visible state of one sink.
type SinkStatus struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Coalesced uint64 `json:"coalesced"`
}

// Fanout delivers snapshot changes to sinks and subscribers without blocking the
// producer. Each sink has its own worker, batch and circuit breaker, so a slow or
// failing sink never delays the others.
type Fanout struct {
	config  FanoutConfig
	logger  zerolog.Logger
	metrics *metrics.Registry

	sinks []*sinkWorker

	subsMu  sync.RWMutex
	subs    map[uint64]*Subscription
	nextSub atomic.Uint64
	notify  chan map[string]interface{}

	started  atomic.Bool
	stopped  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type sinkWorker struct {
	sink    Sink
	in      chan map[string]interface{}
	pending map[string]interface{}
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	// overflow holds updates newer than everything in the buffer. Sends to in and
	// changes to overflow happen under overflowMu.
	overflowMu sync.Mutex
	overflow   map[string]interface{}

	published atomic.Uint64
	failed    atomic.Uint64
	coalesced atomic.Uint64
}

// offer hands update to the worker without blocking. It reports false when the
// buffer was full and the update went into the overflow batch instead.
func (w *sinkWorker) offer(update map[string]interface{}) bool {
	w.overflowMu.Lock()
	defer w.overflowMu.Unlock()

	if w.overflow == nil {
		select {
		case w.in <- update:
			return true
		default:
			w.overflow = make(map[string]interface{}, len(update))
		}
	}
	for k, v := range update {
		w.overflow[k] = v
	}
	return false
}

// takeOverflow merges the overflow batch into pending once every buffered update
// ahead of it has been merged.
func (w *sinkWorker) takeOverflow() {
	w.overflowMu.Lock()
	defer w.overflowMu.Unlock()

	if w.overflow == nil || len(w.in) > 0 {
		return
	}
	for k, v := range w.overflow {
		w.pending[k] = v
	}
	w.overflow = nil
}

// NewFanout creates a fan-out for the given sinks.
func NewFanout(config FanoutConfig, sinks []Sink, logger zerolog.Logger, metricsReg *metrics.Registry) *Fanout {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 250 * time.Millisecond
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}

	f := &Fanout{
		config:  config,
		logger:  logger.With().Str("component", "fanout").Logger(),
		metrics: metricsReg,
		subs:    make(map[uint64]*Subscription),
		notify:  make(chan map[string]interface{}, config.BufferSize),
	}

	for _, s := range sinks {
		f.sinks = append(f.sinks, f.newSinkWorker(s))
	}
	return f
}

func (f *Fanout) newSinkWorker(s Sink) *sinkWorker {
	logger := f.logger.With().Str("sink", s.Name()).Logger()
	threshold := f.config.FailureThreshold

	return &sinkWorker{
		sink:    s,
		in:      make(chan map[string]interface{}, f.config.BufferSize),
		pending: make(map[string]interface{}),
		logger:  logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "sink-" + s.Name(),
			MaxRequests: 1,
			Timeout:     f.config.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Sink circuit breaker state changed")
			},
		}),
	}
}

// Start launches one worker per sink and the subscriber dispatcher.
func (f *Fanout) Start(ctx context.Context) {
	if f.started.Swap(true) {
		return
	}
	f.ctx, f.cancel = context.WithCancel(ctx)

	for _, w := range f.sinks {
		f.wg.Add(1)
		go f.sinkLoop(w)
	}

	f.wg.Add(1)
	go f.notifyLoop()

	f.logger.Info().
		Int("sinks", len(f.sinks)).
		Int("batch_size", f.config.BatchSize).
		Dur("flush_interval", f.config.FlushInterval).
		Msg("Fan-out started")
}

// Stop flushes pending batches and waits for the workers.
func (f *Fanout) Stop(ctx context.Context) error {
	var stopErr error
	f.stopOnce.Do(func() {
		f.stopped.Store(true)
		if !f.started.Load() {
			return
		}
		f.cancel()

		done := make(chan struct{})
		go func() {
			f.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			f.logger.Info().Msg("Fan-out stopped")
		case <-ctx.Done():
			f.logger.Warn().Msg("Fan-out stop timeout")
			stopErr = ctx.Err()
		}
	})
	return stopErr
}

// Publish hands changed fields to every sink and subscriber. It never blocks. A full
// sink buffer coalesces the update for that sink; a full subscriber buffer drops it.
func (f *Fanout) Publish(changed map[string]interface{}) {
	if len(changed) == 0 || f.stopped.Load() {
		return
	}

	update := make(map[string]interface{}, len(changed))
	for k, v := range changed {
		update[k] = v
	}

	for _, w := range f.sinks {
		if !w.offer(update) {
			w.coalesced.Add(1)
			f.metrics.IncSinkOverflow(w.sink.Name())
			w.logger.Debug().Int("fields", len(update)).Msg("Sink buffer full, coalescing update")
		}
	}

	f.subsMu.RLock()
	hasSubs := len(f.subs) > 0
	f.subsMu.RUnlock()
	if !hasSubs {
		return
	}
	select {
	case f.notify <- update:
	default:
		f.metrics.IncSinkDrop("subscribers")
		f.logger.Warn().Msg("Subscriber buffer full, dropping update")
	}
}

func (f *Fanout) sinkLoop(w *sinkWorker) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case update := <-w.in:
			for k, v := range update {
				w.pending[k] = v
			}
			w.takeOverflow()
			if len(w.pending) >= f.config.BatchSize {
				f.flush(w)
			}

		case <-ticker.C:
			if len(w.pending) > 0 {
				f.flush(w)
			}

		case <-f.ctx.Done():
			f.drain(w)
			return
		}
	}
}

// drain merges whatever is still buffered and flushes it once.
func (f *Fanout) drain(w *sinkWorker) {
	for {
		select {
		case update := <-w.in:
			for k, v := range update {
				w.pending[k] = v
			}
		default:
			w.takeOverflow()
			if len(w.pending) > 0 {
				f.flush(w)
			}
			return
		}
	}
}

func (f *Fanout) flush(w *sinkWorker) {
	batch := w.pending
	w.pending = make(map[string]interface{}, len(batch))

	// The worker context is already cancelled during the final flush.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(f.ctx), f.config.PublishTimeout)
	defer cancel()

	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, f.callSink(ctx, w.sink, batch)
	})
	if err != nil {
		w.failed.Add(1)
		f.metrics.IncSinkFailure(w.sink.Name())
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			w.logger.Debug().Int("fields", len(batch)).Msg("Sink circuit open, batch discarded")
			return
		}
		w.logger.Warn().Err(err).Int("fields", len(batch)).Msg("Sink publish failed")
		return
	}

	w.published.Add(1)
	f.metrics.IncSinkPublish(w.sink.Name())
}

func (f *Fanout) callSink(ctx context.Context, s Sink, batch map[string]interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Publish(ctx, batch)
}

func (f *Fanout) notifyLoop() {
	defer f.wg.Done()
	for {
		select {
		case update := <-f.notify:
			f.dispatch(update)
		case <-f.ctx.Done():
			return
		}
	}
}

func (f *Fanout) dispatch(update map[string]interface{}) {
	f.subsMu.RLock()
	subs := make([]*Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.subsMu.RUnlock()

	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		s.invoke(update, f.logger)
	}
}

// Subscribe registers a callback invoked with every published change set. The map
// passed to the callback is shared and must not be modified.
func (f *Fanout) Subscribe(callback func(changed map[string]interface{})) *Subscription {
	s := &Subscription{
		id:       f.nextSub.Add(1),
		fanout:   f,
		callback: callback,
	}
	s.active.Store(true)

	f.subsMu.Lock()
	f.subs[s.id] = s
	f.subsMu.Unlock()
	return s
}

// SinkStatus reports per-sink counters and breaker state.
func (f *Fanout) SinkStatus() []SinkStatus {
	out := make([]SinkStatus, 0, len(f.sinks))
	for _, w := range f.sinks {
		out = append(out, SinkStatus{
			Name:      w.sink.Name(),
			State:     w.breaker.State().String(),
			Published: w.published.Load(),
			Failed:    w.failed.Load(),
			Coalesced: w.coalesced.Load(),
		})
	}
	return out
}

// Subscription is returned by Fanout.Subscribe.
type Subscription struct {
	id       uint64
	fanout   *Fanout
	callback func(map[string]interface{})
	active   atomic.Bool
	once     sync.Once
}

// Unsubscribe stops further callbacks. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.active.Store(false)
		s.fanout.subsMu.Lock()
		delete(s.fanout.subs, s.id)
		s.fanout.subsMu.Unlock()
	})
}

func (s *Subscription) invoke(update map[string]interface{}, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Uint64("subscription", s.id).Msg("Subscriber callback panicked")
		}
	}()
	s.callback(update)
}
