package mqtt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/nexus-edge/saj-gateway/internal/domain"
	"github.com/nexus-edge/saj-gateway/internal/service"
	"github.com/rs/zerolog"
)

// Enqueuer accepts write commands.
type Enqueuer interface {
	Enqueue(intent domain.CommandIntent) (*service.CommandHandle, error)
}

// CommandHandlerConfig holds configuration for the command handler.
type CommandHandlerConfig struct {
	// TopicPrefix is the device prefix; commands arrive on <prefix>/cmd/...
	TopicPrefix string

	// QoS is the MQTT QoS level for command and response messages
	QoS byte

	// WaitTimeout bounds how long a response waits for the command to run
	WaitTimeout time.Duration
}

// CommandHandlerStats tracks command handling statistics.
type CommandHandlerStats struct {
	CommandsReceived  atomic.Uint64
	CommandsSucceeded atomic.Uint64
	CommandsFailed    atomic.Uint64
	CommandsRejected  atomic.Uint64
}

// CommandHandler handles write commands received via MQTT.
//
// Topics:
//
//	<prefix>/cmd/write          JSON domain.CommandRequest
//	<prefix>/cmd/set/<field>    raw JSON value written to a writable field
//
// Every command is answered on <prefix>/cmd/response/<request_id>, or
// <prefix>/cmd/response/<command_id> when the request carried no id.
type CommandHandler struct {
	client   paho.Client
	commands Enqueuer
	config   CommandHandlerConfig
	logger   zerolog.Logger
	stats    *CommandHandlerStats

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(client paho.Client, commands Enqueuer, config CommandHandlerConfig, logger zerolog.Logger) *CommandHandler {
	if config.TopicPrefix == "" {
		config.TopicPrefix = "saj"
	}
	config.TopicPrefix = strings.TrimSuffix(config.TopicPrefix, "/")
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandHandler{
		client:   client,
		commands: commands,
		config:   config,
		logger:   logger.With().Str("component", "command-handler").Logger(),
		stats:    &CommandHandlerStats{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (h *CommandHandler) writeTopic() string { return h.config.TopicPrefix + "/cmd/write" }
func (h *CommandHandler) setTopic() string   { return h.config.TopicPrefix + "/cmd/set/+" }

// ResponseTopic returns the topic a response for id is published on.
func (h *CommandHandler) ResponseTopic(id string) string {
	return h.config.TopicPrefix + "/cmd/response/" + id
}

// Start subscribes to the command topics.
func (h *CommandHandler) Start() error {
	if h.running.Load() {
		return nil
	}

	h.logger.Info().Str("topic_prefix", h.config.TopicPrefix).Msg("Starting command handler")
	h.running.Store(true)

	// On failure the handler stays running; Subscribe is retried on the next connect.
	if err := h.Subscribe(); err != nil {
		return err
	}

	h.logger.Info().Msg("Command handler started")
	return nil
}

// Subscribe (re)subscribes the command topics. It is also called after reconnects.
func (h *CommandHandler) Subscribe() error {
	token := h.client.Subscribe(h.writeTopic(), h.config.QoS, h.handleWriteCommand)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", h.writeTopic(), token.Error())
	}

	token = h.client.Subscribe(h.setTopic(), h.config.QoS, h.handleSetCommand)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", h.setTopic(), token.Error())
	}
	return nil
}

// Stop unsubscribes and waits for commands awaiting their response.
func (h *CommandHandler) Stop() error {
	if !h.running.Load() {
		return nil
	}

	h.cancel()
	h.client.Unsubscribe(h.writeTopic(), h.setTopic())

	h.wg.Wait()
	h.running.Store(false)

	h.logger.Info().Msg("Command handler stopped")
	return nil
}

// handleWriteCommand handles JSON write commands.
// Topic: <prefix>/cmd/write
func (h *CommandHandler) handleWriteCommand(client paho.Client, msg paho.Message) {
	h.stats.CommandsReceived.Add(1)

	var req domain.CommandRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		h.logger.Warn().
			Err(err).
			Str("topic", msg.Topic()).
			Msg("Failed to parse write command")
		h.stats.CommandsRejected.Add(1)
		h.sendResponse("invalid", domain.RejectedResponse("", domain.Validationf("malformed command: %v", err)))
		return
	}

	h.submit(req)
}

// handleSetCommand handles simple field writes.
// Topic: <prefix>/cmd/set/<field>
// Payload: raw value (JSON number, bool or numeric string)
func (h *CommandHandler) handleSetCommand(client paho.Client, msg paho.Message) {
	h.stats.CommandsReceived.Add(1)

	parts := strings.Split(msg.Topic(), "/")
	field := parts[len(parts)-1]

	value, err := parseValue(msg.Payload())
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Invalid set command payload")
		h.stats.CommandsRejected.Add(1)
		h.sendResponse(field, domain.RejectedResponse(field, err))
		return
	}

	h.submit(domain.CommandRequest{RequestID: field, Field: field, Value: &value})
}

func (h *CommandHandler) submit(req domain.CommandRequest) {
	intent, err := req.Intent()
	if err == nil {
		var handle *service.CommandHandle
		handle, err = h.commands.Enqueue(intent)
		if err == nil {
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				h.awaitResult(req.RequestID, handle)
			}()
			return
		}
	}

	h.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("Command rejected")
	h.stats.CommandsRejected.Add(1)
	id := req.RequestID
	if id == "" {
		id = "rejected"
	}
	h.sendResponse(id, domain.RejectedResponse(req.RequestID, err))
}

func (h *CommandHandler) awaitResult(requestID string, handle *service.CommandHandle) {
	ctx, cancel := context.WithTimeout(h.ctx, h.config.WaitTimeout)
	defer cancel()

	id := requestID
	if id == "" {
		id = strconv.FormatUint(handle.ID, 10)
	}

	result, err := handle.Wait(ctx)
	if err != nil {
		h.stats.CommandsFailed.Add(1)
		resp := domain.RejectedResponse(requestID, fmt.Errorf("no result: %w", err))
		resp.CommandID = handle.ID
		resp.Command = handle.Label
		h.sendResponse(id, resp)
		return
	}

	if result.OK() {
		h.stats.CommandsSucceeded.Add(1)
	} else {
		h.stats.CommandsFailed.Add(1)
	}
	h.sendResponse(id, domain.NewCommandResponse(requestID, result))
}

// sendResponse publishes a response to the command.
func (h *CommandHandler) sendResponse(id string, resp domain.CommandResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal response")
		return
	}

	token := h.client.Publish(h.ResponseTopic(id), h.config.QoS, false, payload)
	if token.Wait() && token.Error() != nil {
		h.logger.Error().Err(token.Error()).Msg("Failed to publish response")
	}
}

func parseValue(payload []byte) (float64, error) {
	var raw interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		raw = strings.TrimSpace(string(payload))
	}

	switch v := raw.(type) {
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, domain.Validationf("value %q is not a number", v)
		}
		return f, nil
	}
	return 0, domain.Validationf("unsupported value %s", string(payload))
}

// GetStats returns the command handling counters.
func (h *CommandHandler) GetStats() map[string]uint64 {
	return map[string]uint64{
		"commands_received":  h.stats.CommandsReceived.Load(),
		"commands_succeeded": h.stats.CommandsSucceeded.Load(),
		"commands_failed":    h.stats.CommandsFailed.Load(),
		"commands_rejected":  h.stats.CommandsRejected.Load(),
	}
}
