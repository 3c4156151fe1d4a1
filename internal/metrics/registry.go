package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics. A nil *Registry is valid and records nothing.
type Registry struct {
	pollCycles       *prometheus.CounterVec
	pollSkipped      *prometheus.CounterVec
	pollErrors       *prometheus.CounterVec
	cycleDuration    *prometheus.HistogramVec
	transportRetries *prometheus.CounterVec
	transportErrors  *prometheus.CounterVec
	connects         prometheus.Counter
	reconnects       prometheus.Counter
	commands         *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	sinkPublishes    *prometheus.CounterVec
	sinkFailures     *prometheus.CounterVec
	sinkOverflows    *prometheus.CounterVec
	sinkDrops        *prometheus.CounterVec
	snapshotFields   prometheus.Gauge
}

// NewRegistry creates the metrics and registers them with reg, or with the default
// registerer when reg is nil.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Registry{
		pollCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saj_gateway_poll_cycles_total",
			Help: "Total number of poll cycles by tier and outcome",
		}, []string{"tier", "outcome"}),
		pollSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saj_gateway_poll_cycles_skipped_total",
			Help: "Poll cycles skipped because the tier was busy or a write was in flight",
		}, []string{"tier", "reason"}),
		pollErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saj_gateway_poll_errors_total",
			Help: "Field and block errors recorded during poll cycles",
		}, []string{"tier"}),
		cycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saj_gateway_poll_cycle_duration_seconds",
			Help:    "Duration of poll cycles",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"tier"}),
		transportRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saj_gateway_transport_retries_total",
			Help: "Modbus operation retries",
		}, []string{"op"}),
		transportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saj_gateway_transport_errors_total",
			Help: "Modbus operations that failed after retries",
		}, []string{"op", "kind"}),
		connects: f.NewCounter(prometheus.CounterOpts{
			Name: "saj_gateway_connects_total",
			Help: "Modbus connections established",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "saj_gateway_reconnects_total",
			Help: "Forced Modbus reconnections",
		}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saj_gateway_commands_total",
			Help: "Write commands by kind and outcome",
		}, []string{"kind", "outcome"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "saj_gateway_command_queue_depth",
			Help: "Commands waiting in the write queue",
		}),
		sinkPublishes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saj_gateway_sink_publishes_total",
			Help: "Batches delivered to sinks",
		}, []string{"sink"}),
		sinkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saj_gateway_sink_failures_total",
			Help: "Sink deliveries that failed or were rejected by the circuit breaker",
		}, []string{"sink"}),
		sinkOverflows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saj_gateway_sink_overflows_total",
			Help: "Updates merged into a sink's overflow batch because its buffer was full",
		}, []string{"sink"}),
		sinkDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saj_gateway_sink_drops_total",
			Help: "Updates dropped because the subscriber buffer was full",
		}, []string{"sink"}),
		snapshotFields: f.NewGauge(prometheus.GaugeOpts{
			Name: "saj_gateway_snapshot_fields",
			Help: "Number of fields held in the snapshot",
		}),
	}
}

// IncPollCycle counts a finished poll cycle
func (r *Registry) IncPollCycle(tier, outcome string) {
	if r == nil {
		return
	}
	r.pollCycles.WithLabelValues(tier, outcome).Inc()
}

// IncPollSkipped counts a skipped poll cycle
func (r *Registry) IncPollSkipped(tier, reason string) {
	if r == nil {
		return
	}
	r.pollSkipped.WithLabelValues(tier, reason).Inc()
}

// AddPollErrors adds field or block errors for a tier
func (r *Registry) AddPollErrors(tier string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.pollErrors.WithLabelValues(tier).Add(float64(n))
}

// ObserveCycleDuration records a poll cycle duration
func (r *Registry) ObserveCycleDuration(tier string, seconds float64) {
	if r == nil {
		return
	}
	r.cycleDuration.WithLabelValues(tier).Observe(seconds)
}

// IncTransportRetry counts a retried Modbus operation
func (r *Registry) IncTransportRetry(op string) {
	if r == nil {
		return
	}
	r.transportRetries.WithLabelValues(op).Inc()
}

// IncTransportError counts a failed Modbus operation
func (r *Registry) IncTransportError(op, kind string) {
	if r == nil {
		return
	}
	r.transportErrors.WithLabelValues(op, kind).Inc()
}

// IncConnects counts an established connection
func (r *Registry) IncConnects() {
	if r == nil {
		return
	}
	r.connects.Inc()
}

// IncReconnects counts a forced reconnection
func (r *Registry) IncReconnects() {
	if r == nil {
		return
	}
	r.reconnects.Inc()
}

// IncCommand counts an executed command
func (r *Registry) IncCommand(kind, outcome string) {
	if r == nil {
		return
	}
	r.commands.WithLabelValues(kind, outcome).Inc()
}

// SetQueueDepth sets the number of pending commands
func (r *Registry) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}

// IncSinkPublish counts a delivered batch
func (r *Registry) IncSinkPublish(sink string) {
	if r == nil {
		return
	}
	r.sinkPublishes.WithLabelValues(sink).Inc()
}

// IncSinkFailure counts a failed delivery
func (r *Registry) IncSinkFailure(sink string) {
	if r == nil {
		return
	}
	r.sinkFailures.WithLabelValues(sink).Inc()
}

// IncSinkOverflow counts an update coalesced into a sink's overflow batch
func (r *Registry) IncSinkOverflow(sink string) {
	if r == nil {
		return
	}
	r.sinkOverflows.WithLabelValues(sink).Inc()
}

// IncSinkDrop counts a dropped update
func (r *Registry) IncSinkDrop(sink string) {
	if r == nil {
		return
	}
	r.sinkDrops.WithLabelValues(sink).Inc()
}

// SetSnapshotFields sets the snapshot size
func (r *Registry) SetSnapshotFields(n int) {
	if r == nil {
		return
	}
	r.snapshotFields.Set(float64(n))
}
