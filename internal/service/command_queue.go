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

// CommandConfig holds configuration for the command queue.
type CommandConfig struct {
	// QueueSize is the number of commands that may wait behind the running one
	QueueSize int

	// CommandTimeout bounds the execution of one command, including retries
	CommandTimeout time.Duration
}

// CommandStats tracks command handling statistics.
type CommandStats struct {
	Received  atomic.Uint64
	Succeeded atomic.Uint64
	Failed    atomic.Uint64
	Rejected  atomic.Uint64
	Discarded atomic.Uint64
}

// CommandHandle is returned by Enqueue and completes once with the command's result.
type CommandHandle struct {
	ID    uint64
	Label string

	done   chan struct{}
	result domain.CommandResult
}

// Wait blocks until the command completes or ctx is done.
func (h *CommandHandle) Wait(ctx context.Context) (domain.CommandResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return domain.CommandResult{}, ctx.Err()
	}
}

// Done is closed when the result is available.
func (h *CommandHandle) Done() <-chan struct{} {
	return h.done
}

func (h *CommandHandle) complete(r domain.CommandResult) {
	h.result = r
	close(h.done)
}

// ReadSuspender holds off reads that must not overlap a write.
type ReadSuspender interface {
	SuspendUltraFast() (resume func())
}

type queuedCommand struct {
	intent domain.CommandIntent
	handle *CommandHandle
}

// CommandQueue serializes every write to the device. Commands are validated when
// enqueued and executed one at a time, in arrival order, by a single worker.
// Bitmask registers are only changed through read-modify-write under a lock held per
// register address.
type CommandQueue struct {
	config    CommandConfig
	registers *domain.RegisterMap
	device    Device
	snapshot  *domain.Snapshot
	publisher Publisher
	logger    zerolog.Logger
	metrics   *metrics.Registry

	suspender ReadSuspender

	queue    chan *queuedCommand
	inFlight atomic.Bool
	nextID   atomic.Uint64

	locksMu sync.Mutex
	locks   map[uint16]*sync.Mutex

	mu     sync.RWMutex
	closed bool

	started  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stats    *CommandStats
}

// NewCommandQueue creates a command queue.
func NewCommandQueue(
	config CommandConfig,
	registers *domain.RegisterMap,
	device Device,
	snapshot *domain.Snapshot,
	publisher Publisher,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *CommandQueue {
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 30 * time.Second
	}

	q := &CommandQueue{
		config:    config,
		registers: registers,
		device:    device,
		snapshot:  snapshot,
		publisher: publisher,
		logger:    logger.With().Str("component", "command-queue").Logger(),
		metrics:   metricsReg,
		queue:     make(chan *queuedCommand, config.QueueSize),
		locks:     make(map[uint16]*sync.Mutex),
		done:      make(chan struct{}),
		stats:     &CommandStats{},
	}
	for _, bm := range registers.Bitmasks {
		q.locks[bm.Address] = &sync.Mutex{}
	}
	return q
}

// SetReadSuspender installs the poller suspended around every command. It must be
// called before Start.
func (q *CommandQueue) SetReadSuspender(s ReadSuspender) {
	q.suspender = s
}

// Start launches the worker.
func (q *CommandQueue) Start(ctx context.Context) {
	if q.started.Swap(true) {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	go q.run()

	q.logger.Info().Int("queue_size", q.config.QueueSize).Msg("Command queue started")
}

// Stop refuses new commands, lets the running command finish and completes every
// pending command with domain.ErrQueueClosed.
func (q *CommandQueue) Stop(ctx context.Context) error {
	var stopErr error
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		if q.started.Load() {
			q.cancel()
			select {
			case <-q.done:
			case <-ctx.Done():
				q.logger.Warn().Msg("Timeout waiting for running command")
				stopErr = ctx.Err()
			}
		}

		discarded := q.discardPending()
		q.logger.Info().Int("discarded", discarded).Msg("Command queue stopped")
	})
	return stopErr
}

// WriteInFlight reports whether the worker is executing a command.
func (q *CommandQueue) WriteInFlight() bool {
	return q.inFlight.Load()
}

// Pending returns the number of queued commands.
func (q *CommandQueue) Pending() int {
	return len(q.queue)
}

// Enqueue validates intent and queues it. Validation failures are returned here and
// never reach the device.
func (q *CommandQueue) Enqueue(intent domain.CommandIntent) (*CommandHandle, error) {
	q.stats.Received.Add(1)

	if err := q.validate(&intent); err != nil {
		q.stats.Rejected.Add(1)
		q.metrics.IncCommand(string(intent.Kind), "rejected")
		q.logger.Warn().Err(err).Str("command", intent.Describe()).Msg("Command rejected")
		return nil, err
	}

	h := &CommandHandle{
		ID:    q.nextID.Add(1),
		Label: intent.Describe(),
		done:  make(chan struct{}),
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.stats.Rejected.Add(1)
		return nil, domain.ErrQueueClosed
	}

	select {
	case q.queue <- &queuedCommand{intent: intent, handle: h}:
	default:
		q.stats.Rejected.Add(1)
		q.metrics.IncCommand(string(intent.Kind), "queue_full")
		return nil, domain.ErrQueueFull
	}
	q.metrics.SetQueueDepth(len(q.queue))

	q.logger.Debug().Uint64("id", h.ID).Str("command", h.Label).Msg("Command queued")
	return h, nil
}

func (q *CommandQueue) run() {
	defer close(q.done)

	for {
		select {
		case <-q.ctx.Done():
			return
		case cmd := <-q.queue:
			if q.ctx.Err() != nil {
				q.discard(cmd)
				return
			}
			q.metrics.SetQueueDepth(len(q.queue))
			q.execute(cmd)
		}
	}
}

func (q *CommandQueue) discardPending() int {
	n := 0
	for {
		select {
		case cmd := <-q.queue:
			q.discard(cmd)
			n++
		default:
			q.metrics.SetQueueDepth(0)
			return n
		}
	}
}

func (q *CommandQueue) discard(cmd *queuedCommand) {
	q.stats.Discarded.Add(1)
	q.metrics.IncCommand(string(cmd.intent.Kind), "discarded")
	cmd.handle.complete(domain.CommandResult{
		ID:    cmd.handle.ID,
		Kind:  cmd.intent.Kind,
		Label: cmd.handle.Label,
		Err:   domain.ErrQueueClosed,
	})
}

func (q *CommandQueue) execute(cmd *queuedCommand) {
	q.inFlight.Store(true)
	defer q.inFlight.Store(false)

	if q.suspender != nil {
		resume := q.suspender.SuspendUltraFast()
		defer resume()
	}

	// A running command is allowed to finish during shutdown.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(q.ctx), q.config.CommandTimeout)
	defer cancel()

	result := domain.CommandResult{
		ID:      cmd.handle.ID,
		Kind:    cmd.intent.Kind,
		Label:   cmd.handle.Label,
		Started: time.Now(),
		Fields:  make(map[string]interface{}),
	}

	var err error
	switch cmd.intent.Kind {
	case domain.CommandSingleRegister:
		err = q.execSingle(ctx, &cmd.intent, result.Fields)
	case domain.CommandScheduleSlot:
		err = q.execScheduleSlot(ctx, &cmd.intent, result.Fields)
	case domain.CommandReadModifyWrite:
		_, err = q.readModifyWrite(ctx, cmd.intent.Address, cmd.intent.Modifier, result.Fields)
	case domain.CommandCompositeSetting:
		err = q.execComposite(ctx, &cmd.intent, result.Fields)
	default:
		err = domain.Validationf("unknown command kind %q", cmd.intent.Kind)
	}

	if domain.IsReconnectionNeeded(err) {
		q.logger.Warn().Err(err).Uint64("id", result.ID).Msg("Connection lost during command, reconnecting")
		if rerr := q.device.Reconnect(ctx); rerr != nil {
			q.logger.Error().Err(rerr).Msg("Reconnect after command failure failed")
		}
	}

	result.Err = err
	result.Duration = time.Since(result.Started)

	if err != nil {
		q.stats.Failed.Add(1)
		q.metrics.IncCommand(string(result.Kind), "failed")
		q.logger.Error().
			Err(err).
			Uint64("id", result.ID).
			Str("command", result.Label).
			Dur("duration", result.Duration).
			Msg("Command failed")
	} else {
		q.stats.Succeeded.Add(1)
		q.metrics.IncCommand(string(result.Kind), "succeeded")
		q.logger.Info().
			Uint64("id", result.ID).
			Str("command", result.Label).
			Dur("duration", result.Duration).
			Msg("Command succeeded")
	}

	cmd.handle.complete(result)
}

// write writes words and merges the optimistic result into the snapshot.
func (q *CommandQueue) write(ctx context.Context, address uint16, words []uint16, fields map[string]interface{}) error {
	if err := q.device.Write(ctx, address, words); err != nil {
		return err
	}
	q.apply(q.registers.DecodeWrite(address, words), fields)
	return nil
}

func (q *CommandQueue) apply(update, fields map[string]interface{}) {
	if len(update) == 0 {
		return
	}
	for k, v := range update {
		fields[k] = v
	}
	changed := q.snapshot.Merge(update)
	if len(changed) > 0 && q.publisher != nil {
		q.publisher.Publish(changed)
	}
}

func (q *CommandQueue) execSingle(ctx context.Context, intent *domain.CommandIntent, fields map[string]interface{}) error {
	w, _ := q.writable(intent)
	raw, err := w.Encode(intent.Value)
	if err != nil {
		return err
	}
	if err := q.write(ctx, w.Address, []uint16{raw}, fields); err != nil {
		return err
	}
	if _, ok := fields[w.Field]; !ok {
		q.apply(map[string]interface{}{w.Field: w.Value(raw)}, fields)
	}
	return nil
}

func (q *CommandQueue) execScheduleSlot(ctx context.Context, intent *domain.CommandIntent, fields map[string]interface{}) error {
	sched, _ := q.registers.Schedule(intent.Schedule)
	slot, _ := sched.Slot(intent.Slot)

	words := []uint16{
		intent.Start.Word(),
		intent.End.Word(),
		uint16(intent.DayMask)<<8 | uint16(intent.Power),
	}
	if err := q.write(ctx, slot.Address, words, fields); err != nil {
		return err
	}

	if intent.Enable == nil {
		return nil
	}
	bit := domain.SlotBit(intent.Slot)
	on := *intent.Enable
	_, err := q.readModifyWrite(ctx, sched.MaskAddress, func(v uint16) uint16 {
		if on {
			return v | bit
		}
		return v &^ bit
	}, fields)
	return err
}

func (q *CommandQueue) execComposite(ctx context.Context, intent *domain.CommandIntent, fields map[string]interface{}) error {
	setting, _ := q.registers.Setting(intent.Setting)

	for i, step := range setting.Steps {
		value := intent.Value
		if step.Value != nil {
			value = *step.Value
		}

		var err error
		switch step.Action {
		case domain.StepWrite:
			var raw uint16
			raw, err = domain.EncodeStep(setting.Name, value, step.Scale, step.Signed)
			if err == nil {
				err = q.write(ctx, step.Address, []uint16{raw}, fields)
			}
		case domain.StepBit:
			mask := uint16(1) << step.Bit
			on := value != 0
			_, err = q.readModifyWrite(ctx, step.Address, func(v uint16) uint16 {
				if on {
					return v | mask
				}
				return v &^ mask
			}, fields)
		}
		if err != nil {
			if domain.IsReconnectionNeeded(err) {
				return err
			}
			return fmt.Errorf("setting %s step %d of %d: %w", setting.Name, i+1, len(setting.Steps), err)
		}
		if step.Field != "" {
			q.apply(map[string]interface{}{step.Field: value}, fields)
		}
	}

	if setting.Field != "" {
		q.apply(map[string]interface{}{setting.Field: intent.Value}, fields)
	}
	return nil
}

// readModifyWrite reads one register, applies modify and writes the result back while
// holding the lock for that address. It returns the value written. Callers outside the
// worker go through Enqueue with a CommandReadModifyWrite intent.
func (q *CommandQueue) readModifyWrite(ctx context.Context, address uint16, modify func(uint16) uint16, fields map[string]interface{}) (uint16, error) {
	lock := q.lockFor(address)
	lock.Lock()
	defer lock.Unlock()

	words, err := q.device.Read(ctx, address, 1)
	if err != nil {
		return 0, err
	}
	current := words[0]
	next := modify(current)

	if next == current {
		q.apply(q.registers.DecodeWrite(address, []uint16{current}), fields)
		q.logger.Debug().Uint16("address", address).Uint16("value", current).Msg("Register already in target state")
		return current, nil
	}

	if err := q.write(ctx, address, []uint16{next}, fields); err != nil {
		return 0, err
	}
	q.logger.Debug().
		Uint16("address", address).
		Uint16("from", current).
		Uint16("to", next).
		Msg("Register updated by read-modify-write")
	return next, nil
}

func (q *CommandQueue) lockFor(address uint16) *sync.Mutex {
	q.locksMu.Lock()
	defer q.locksMu.Unlock()
	l, ok := q.locks[address]
	if !ok {
		l = &sync.Mutex{}
		q.locks[address] = l
	}
	return l
}

func (q *CommandQueue) writable(intent *domain.CommandIntent) (domain.WritableRegister, error) {
	if intent.Field != "" {
		if w, ok := q.registers.WritableByField(intent.Field); ok {
			return w, nil
		}
		for _, bm := range q.registers.Bitmasks {
			if bm.Field == intent.Field || bm.Name == intent.Field {
				return domain.WritableRegister{}, domain.Validationf("%s is a bitmask register; use read-modify-write", intent.Field)
			}
		}
		return domain.WritableRegister{}, domain.Validationf("field %s is not writable", intent.Field)
	}

	if q.registers.IsBitmask(intent.Address) {
		return domain.WritableRegister{}, domain.Validationf("register %d is a bitmask register; use read-modify-write", intent.Address)
	}
	if w, ok := q.registers.WritableAt(intent.Address); ok {
		return w, nil
	}
	return domain.WritableRegister{}, domain.Validationf("register %d is read-only", intent.Address)
}

func (q *CommandQueue) validate(intent *domain.CommandIntent) error {
	switch intent.Kind {
	case domain.CommandSingleRegister:
		w, err := q.writable(intent)
		if err != nil {
			return err
		}
		_, err = w.Encode(intent.Value)
		return err

	case domain.CommandScheduleSlot:
		sched, ok := q.registers.Schedule(intent.Schedule)
		if !ok {
			return fmt.Errorf("%w: %w: %s", domain.ErrValidation, domain.ErrUnknownSchedule, intent.Schedule)
		}
		if intent.Slot < 1 || intent.Slot > domain.MaxScheduleSlots {
			return fmt.Errorf("%w: %w: slot %d", domain.ErrValidation, domain.ErrInvalidSlot, intent.Slot)
		}
		if _, ok := sched.Slot(intent.Slot); !ok {
			return fmt.Errorf("%w: %w: schedule %s has no slot %d", domain.ErrValidation, domain.ErrInvalidSlot, sched.Name, intent.Slot)
		}
		if intent.Start.Hour > 23 || intent.Start.Minute > 59 || intent.End.Hour > 23 || intent.End.Minute > 59 {
			return domain.Validationf("slot times out of range")
		}
		if intent.DayMask > 0x7F {
			return domain.Validationf("day mask 0x%02x has bits above Sunday", intent.DayMask)
		}
		maxPower := sched.MaxPower
		if maxPower <= 0 {
			maxPower = 100
		}
		if int(intent.Power) > maxPower {
			return domain.Validationf("power %d exceeds %d", intent.Power, maxPower)
		}
		return nil

	case domain.CommandReadModifyWrite:
		if intent.Modifier == nil {
			return domain.Validationf("read-modify-write @%d needs a modifier", intent.Address)
		}
		if q.registers.IsBitmask(intent.Address) {
			return nil
		}
		if _, ok := q.registers.WritableAt(intent.Address); ok {
			return nil
		}
		return domain.Validationf("register %d is read-only", intent.Address)

	case domain.CommandCompositeSetting:
		setting, ok := q.registers.Setting(intent.Setting)
		if !ok {
			return fmt.Errorf("%w: %w: %s", domain.ErrValidation, domain.ErrUnknownSetting, intent.Setting)
		}
		if intent.Value < setting.Min || intent.Value > setting.Max {
			return domain.Validationf("%s: %v outside [%v, %v]", setting.Name, intent.Value, setting.Min, setting.Max)
		}
		return nil
	}

	return domain.Validationf("unknown command kind %q", intent.Kind)
}

// Stats returns the command counters.
func (q *CommandQueue) Stats() map[string]uint64 {
	return map[string]uint64{
		"received":  q.stats.Received.Load(),
		"succeeded": q.stats.Succeeded.Load(),
		"failed":    q.stats.Failed.Load(),
		"rejected":  q.stats.Rejected.Load(),
		"discarded": q.stats.Discarded.Load(),
	}
}
