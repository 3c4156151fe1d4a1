package health

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/nexus-edge/saj-gateway/internal/service"
	"github.com/rs/zerolog"
)

// Connectivity is anything that can report a live connection.
type Connectivity interface {
	IsConnected() bool
}

// StatusSource reports the runtime status of the gateway core.
type StatusSource interface {
	Status() service.Status
}

// Checker provides health check endpoints
type Checker struct {
	modbus      Connectivity
	mqtt        Connectivity
	core        StatusSource
	staleFactor int
	now         func() time.Time
	logger      zerolog.Logger
}

// NewChecker creates a new health checker. mqtt may be nil when the broker is disabled.
// A tier is stale once its last success is older than staleFactor poll intervals.
func NewChecker(modbus Connectivity, mqtt Connectivity, core StatusSource, staleFactor int, logger zerolog.Logger) *Checker {
	if staleFactor <= 0 {
		staleFactor = 3
	}
	return &Checker{
		modbus:      modbus,
		mqtt:        mqtt,
		core:        core,
		staleFactor: staleFactor,
		now:         time.Now,
		logger:      logger.With().Str("component", "health-checker").Logger(),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components"`
}

// Check evaluates every component.
func (c *Checker) Check() HealthResponse {
	components := make(map[string]string)

	components["modbus"] = "healthy"
	if !c.modbus.IsConnected() {
		components["modbus"] = "unhealthy"
	}

	if c.mqtt != nil {
		components["mqtt"] = "healthy"
		if !c.mqtt.IsConnected() {
			components["mqtt"] = "unhealthy"
		}
	}

	now := c.now()
	for _, tier := range c.core.Status().Tiers {
		if !tier.Enabled {
			continue
		}
		key := "tier_" + string(tier.Tier)
		switch {
		case tier.LastSuccess.IsZero():
			components[key] = "pending"
		case now.Sub(tier.LastSuccess) > time.Duration(c.staleFactor)*tier.Interval:
			components[key] = "stale"
		default:
			components[key] = "healthy"
		}
	}

	overall := "healthy"
	for _, status := range components {
		if status != "healthy" {
			overall = "degraded"
			break
		}
	}

	return HealthResponse{
		Status:     overall,
		Timestamp:  now.UTC().Format(time.RFC3339),
		Components: components,
	}
}

// HealthHandler returns the overall health status
func (c *Checker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := c.Check()

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		c.logger.Debug().Interface("components", response.Components).Msg("Health degraded")
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(response)
}

// LiveHandler returns 200 if the process is running
func (c *Checker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "alive",
		"timestamp": c.now().UTC().Format(time.RFC3339),
	})
}

// ReadyHandler returns 200 once the inverter is reachable and at least one tier has
// produced data.
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	modbusReady := c.modbus.IsConnected()

	dataReady := false
	for _, tier := range c.core.Status().Tiers {
		if tier.Enabled && !tier.LastSuccess.IsZero() {
			dataReady = true
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")

	if !modbusReady || !dataReady {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "not_ready",
			"timestamp": c.now().UTC().Format(time.RFC3339),
			"modbus":    modbusReady,
			"data":      dataReady,
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ready",
		"timestamp": c.now().UTC().Format(time.RFC3339),
	})
}
