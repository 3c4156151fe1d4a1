// Package mqtt provides the MQTT sink and the MQTT command intake.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Publish while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt not connected")

// PublisherConfig contains MQTT publisher configuration
type PublisherConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	Retain         bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	CleanSession   bool
}

// Publisher is a fan-out sink that publishes each field as a retained message on
// <prefix>/<field>. After every (re)connect it republishes the full snapshot so the
// retained topics are rebuilt after a broker restart.
type Publisher struct {
	config PublisherConfig
	client paho.Client
	logger zerolog.Logger

	isConnected atomic.Bool

	mu        sync.RWMutex
	source    func() map[string]interface{}
	onConnect []func()

	messagesPublished atomic.Uint64
	publishErrors     atomic.Uint64
	republishes       atomic.Uint64
}

// NewPublisher creates a new MQTT publisher
func NewPublisher(config PublisherConfig, logger zerolog.Logger) (*Publisher, error) {
	if config.BrokerURL == "" {
		return nil, errors.New("mqtt broker url is required")
	}
	p := newPublisher(config, nil, logger)

	opts := paho.NewClientOptions().
		AddBroker(p.config.BrokerURL).
		SetClientID(p.config.ClientID).
		SetKeepAlive(p.config.KeepAlive).
		SetCleanSession(p.config.CleanSession).
		SetConnectTimeout(p.config.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(p.config.ReconnectDelay).
		SetMaxReconnectInterval(p.config.ReconnectDelay * 12).
		SetConnectionLostHandler(p.onConnectionLost).
		SetOnConnectHandler(p.handleConnect)

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	p.client = paho.NewClient(opts)
	return p, nil
}

func newPublisher(config PublisherConfig, client paho.Client, logger zerolog.Logger) *Publisher {
	if config.TopicPrefix == "" {
		config.TopicPrefix = "saj"
	}
	config.TopicPrefix = strings.TrimSuffix(config.TopicPrefix, "/")
	if config.KeepAlive <= 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}

	return &Publisher{
		config: config,
		client: client,
		logger: logger.With().Str("component", "mqtt-publisher").Logger(),
	}
}

// Name implements the sink interface.
func (p *Publisher) Name() string {
	return "mqtt"
}

// Client returns the underlying paho client, shared with the command handler.
func (p *Publisher) Client() paho.Client {
	return p.client
}

// TopicPrefix returns the configured topic prefix.
func (p *Publisher) TopicPrefix() string {
	return p.config.TopicPrefix
}

// SetSource installs the function used to fetch the full snapshot on connect.
func (p *Publisher) SetSource(source func() map[string]interface{}) {
	p.mu.Lock()
	p.source = source
	p.mu.Unlock()
}

// OnConnect registers fn to run after every successful (re)connect.
func (p *Publisher) OnConnect(fn func()) {
	p.mu.Lock()
	p.onConnect = append(p.onConnect, fn)
	p.mu.Unlock()
}

// Connect establishes connection to the MQTT broker
func (p *Publisher) Connect(ctx context.Context) error {
	p.logger.Info().
		Str("broker", p.config.BrokerURL).
		Str("client_id", p.config.ClientID).
		Msg("Connecting to MQTT broker")

	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.config.ConnectTimeout):
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connection failed: %w", token.Error())
	}
	return nil
}

// Disconnect cleanly disconnects from the broker
func (p *Publisher) Disconnect() {
	p.client.Disconnect(5000)
	p.isConnected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// IsConnected returns current connection status
func (p *Publisher) IsConnected() bool {
	return p.isConnected.Load() && p.client.IsConnected()
}

// Publish sends every field of the batch. Values are JSON encoded.
func (p *Publisher) Publish(ctx context.Context, fields map[string]interface{}) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	var errs []error
	for field, value := range fields {
		if err := p.publishField(ctx, field, value); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d fields failed: %w", len(errs), len(fields), errors.Join(errs...))
	}
	return nil
}

func (p *Publisher) publishField(ctx context.Context, field string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		p.publishErrors.Add(1)
		return fmt.Errorf("%s: marshal: %w", field, err)
	}

	token := p.client.Publish(p.FieldTopic(field), p.config.QoS, p.config.Retain, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		p.publishErrors.Add(1)
		return fmt.Errorf("%s: %w", field, ctx.Err())
	}
	if err := token.Error(); err != nil {
		p.publishErrors.Add(1)
		return fmt.Errorf("%s: %w", field, err)
	}

	p.messagesPublished.Add(1)
	return nil
}

// FieldTopic returns the topic a field is published on.
func (p *Publisher) FieldTopic(field string) string {
	return p.config.TopicPrefix + "/" + field
}

// Stats returns publisher statistics
func (p *Publisher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected":          p.IsConnected(),
		"broker":             p.config.BrokerURL,
		"client_id":          p.config.ClientID,
		"messages_published": p.messagesPublished.Load(),
		"publish_errors":     p.publishErrors.Load(),
		"republishes":        p.republishes.Load(),
	}
}

// handleConnect is called when connection is established
func (p *Publisher) handleConnect(client paho.Client) {
	p.isConnected.Store(true)
	p.logger.Info().Msg("Connected to MQTT broker")

	p.mu.RLock()
	source := p.source
	hooks := append([]func(){}, p.onConnect...)
	p.mu.RUnlock()

	if source != nil {
		snapshot := source()
		if len(snapshot) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := p.Publish(ctx, snapshot); err != nil {
				p.logger.Warn().Err(err).Msg("Snapshot republish incomplete")
			} else {
				p.logger.Info().Int("fields", len(snapshot)).Msg("Snapshot republished")
			}
			cancel()
			p.republishes.Add(1)
		}
	}

	for _, fn := range hooks {
		fn()
	}
}

// onConnectionLost is called when connection is lost
func (p *Publisher) onConnectionLost(client paho.Client, err error) {
	p.isConnected.Store(false)
	p.logger.Warn().Err(err).Msg("Connection lost to MQTT broker")
}
