package service

import (
	"context"
	"time"

	"github.com/nexus-edge/saj-gateway/internal/domain"
	"github.com/nexus-edge/saj-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// GatewayConfig groups the configuration of the core services.
type GatewayConfig struct {
	Polling  PollingConfig
	Commands CommandConfig
	Fanout   FanoutConfig
}

// Gateway wires the snapshot, poll scheduler, command queue and fan-out together and
// is the surface used by the host adapters.
type Gateway struct {
	registers *domain.RegisterMap
	snapshot  *domain.Snapshot
	polling   *PollingService
	commands  *CommandQueue
	fanout    *Fanout
	logger    zerolog.Logger
}

// NewGateway creates the core services for registers on device.
func NewGateway(
	config GatewayConfig,
	registers *domain.RegisterMap,
	device Device,
	sinks []Sink,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Gateway {
	snapshot := domain.NewSnapshot()
	fanout := NewFanout(config.Fanout, sinks, logger, metricsReg)
	commands := NewCommandQueue(config.Commands, registers, device, snapshot, fanout, logger, metricsReg)
	polling := NewPollingService(config.Polling, registers, device, snapshot, fanout, logger, metricsReg)
	polling.SetWriteGate(commands)
	commands.SetReadSuspender(polling)

	return &Gateway{
		registers: registers,
		snapshot:  snapshot,
		polling:   polling,
		commands:  commands,
		fanout:    fanout,
		logger:    logger.With().Str("component", "gateway").Logger(),
	}
}

// Start starts the fan-out, the command worker and the pollers, in that order.
func (g *Gateway) Start(ctx context.Context) error {
	g.fanout.Start(ctx)
	g.commands.Start(ctx)
	return g.polling.Start(ctx)
}

// Stop stops polling first, then drains the command queue, then flushes the sinks.
func (g *Gateway) Stop(ctx context.Context) error {
	if err := g.polling.Stop(ctx); err != nil {
		g.logger.Error().Err(err).Msg("Error stopping polling service")
	}
	if err := g.commands.Stop(ctx); err != nil {
		g.logger.Error().Err(err).Msg("Error stopping command queue")
	}
	return g.fanout.Stop(ctx)
}

// Field returns the current value of one field.
func (g *Gateway) Field(name string) (interface{}, bool) {
	return g.snapshot.Get(name)
}

// Snapshot returns a copy of every field.
func (g *Gateway) Snapshot() map[string]interface{} {
	return g.snapshot.View()
}

// Enqueue validates and queues a write command.
func (g *Gateway) Enqueue(intent domain.CommandIntent) (*CommandHandle, error) {
	return g.commands.Enqueue(intent)
}

// Subscribe registers a change callback.
func (g *Gateway) Subscribe(callback func(changed map[string]interface{})) *Subscription {
	return g.fanout.Subscribe(callback)
}

// PollOnce runs one cycle of tier immediately.
func (g *Gateway) PollOnce(ctx context.Context, tier domain.Tier) CycleResult {
	return g.polling.PollOnce(ctx, tier)
}

// Registers returns the register map in use.
func (g *Gateway) Registers() *domain.RegisterMap {
	return g.registers
}

// Status is the combined runtime status of the core.
type Status struct {
	Tiers          []TierStatus      `json:"tiers"`
	Sinks          []SinkStatus      `json:"sinks"`
	Commands       map[string]uint64 `json:"commands"`
	PendingWrites  int               `json:"pending_writes"`
	WriteInFlight  bool              `json:"write_in_flight"`
	SnapshotFields int               `json:"snapshot_fields"`
}

// Status reports tier, sink and command state.
func (g *Gateway) Status() Status {
	return Status{
		Tiers:          g.polling.Status(),
		Sinks:          g.fanout.SinkStatus(),
		Commands:       g.commands.Stats(),
		PendingWrites:  g.commands.Pending(),
		WriteInFlight:  g.commands.WriteInFlight(),
		SnapshotFields: g.snapshot.Len(),
	}
}

// LastSuccess returns when tier last produced data.
func (g *Gateway) LastSuccess(tier domain.Tier) time.Time {
	return g.polling.LastSuccess(tier)
}
