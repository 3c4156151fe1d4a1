// Package httpapi exposes the snapshot, the data store and write commands over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/nexus-edge/saj-gateway/internal/adapter/state"
	"github.com/nexus-edge/saj-gateway/internal/domain"
	"github.com/nexus-edge/saj-gateway/internal/service"
	"github.com/rs/zerolog"
)

// Core is the part of the gateway the API needs.
type Core interface {
	Field(name string) (interface{}, bool)
	Snapshot() map[string]interface{}
	Enqueue(intent domain.CommandIntent) (*service.CommandHandle, error)
	Status() service.Status
}

// Config holds API settings.
type Config struct {
	// WaitTimeout bounds requests that wait for a command result (?wait=true)
	WaitTimeout time.Duration

	// MaxBodyBytes limits command request bodies
	MaxBodyBytes int64
}

// Handler serves the REST API.
type Handler struct {
	core   Core
	store  *state.Store
	config Config
	logger zerolog.Logger
}

// NewHandler creates the API handler. store may be nil.
func NewHandler(core Core, store *state.Store, config Config, logger zerolog.Logger) *Handler {
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = 30 * time.Second
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 64 << 10
	}
	return &Handler{
		core:   core,
		store:  store,
		config: config,
		logger: logger.With().Str("component", "http-api").Logger(),
	}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/snapshot", h.getSnapshot)
	mux.HandleFunc("GET /api/snapshot/{field}", h.getField)
	mux.HandleFunc("GET /api/state", h.getState)
	mux.HandleFunc("POST /api/commands", h.postCommand)
	mux.HandleFunc("GET /status", h.getStatus)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"fields":    h.core.Snapshot(),
	})
}

func (h *Handler) getField(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("field")
	v, ok := h.core.Field(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, errors.New("unknown field "+name))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"field": name,
		"value": v,
	})
}

func (h *Handler) getState(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeError(w, http.StatusNotFound, errors.New("data store disabled"))
		return
	}

	entries := h.store.All()
	if since := r.URL.Query().Get("since"); since != "" {
		v, err := strconv.ParseUint(since, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, errors.New("since must be a version number"))
			return
		}
		entries = h.store.Changed(v)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": h.store.Version(),
		"entries": entries,
	})
}

type acceptedResponse struct {
	RequestID string `json:"request_id,omitempty"`
	CommandID uint64 `json:"command_id"`
	Command   string `json:"command"`
}

func (h *Handler) postCommand(w http.ResponseWriter, r *http.Request) {
	var req domain.CommandRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.Validationf("malformed command: %v", err))
		return
	}

	intent, err := req.Intent()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	handle, err := h.core.Enqueue(intent)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}

	h.logger.Debug().
		Uint64("id", handle.ID).
		Str("command", handle.Label).
		Str("request_id", req.RequestID).
		Msg("Command accepted")

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		h.writeJSON(w, http.StatusAccepted, acceptedResponse{
			RequestID: req.RequestID,
			CommandID: handle.ID,
			Command:   handle.Label,
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.config.WaitTimeout)
	defer cancel()

	result, err := handle.Wait(ctx)
	if err != nil {
		h.writeError(w, http.StatusGatewayTimeout, err)
		return
	}

	status := http.StatusOK
	if !result.OK() {
		status = statusFor(result.Err)
	}
	h.writeJSON(w, status, domain.NewCommandResponse(req.RequestID, result))
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.core.Status())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case domain.IsReconnectionNeeded(err), errors.Is(err, domain.ErrOperationFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
