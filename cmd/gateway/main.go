// Package main is the entry point for the SAJ inverter gateway.
// It wires the Modbus transport, the core services and the host surfaces, and manages
// the application lifecycle.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-edge/saj-gateway/internal/adapter/config"
	"github.com/nexus-edge/saj-gateway/internal/adapter/httpapi"
	"github.com/nexus-edge/saj-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/saj-gateway/internal/adapter/mqtt"
	"github.com/nexus-edge/saj-gateway/internal/adapter/state"
	"github.com/nexus-edge/saj-gateway/internal/domain"
	"github.com/nexus-edge/saj-gateway/internal/health"
	"github.com/nexus-edge/saj-gateway/internal/metrics"
	"github.com/nexus-edge/saj-gateway/internal/service"
	"github.com/nexus-edge/saj-gateway/pkg/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName    = "saj-gateway"
	serviceVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", "configs/config.yaml"), "path to the configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := logging.WithService(logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format), serviceName, serviceVersion)
	logger.Info().
		Str("config", *configPath).
		Str("env", cfg.Service.Environment).
		Msg("Starting SAJ gateway")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Gateway failed")
	}
	logger.Info().Msg("SAJ gateway shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	registers, err := config.LoadRegisters(cfg.RegistersPath)
	if err != nil {
		return fmt.Errorf("failed to load register map: %w", err)
	}
	logger.Info().
		Str("path", cfg.RegistersPath).
		Int("blocks", len(registers.Blocks)).
		Int("writable", len(registers.Writable)).
		Msg("Register map loaded")

	// Initialize metrics
	metricsRegistry := metrics.NewRegistry(nil)

	// Modbus transport: dialer -> connection cache -> retrying transport
	dialer, err := modbus.NewTCPDialer(modbus.DialerConfig{
		Address:        cfg.Modbus.Address(),
		SlaveID:        byte(cfg.Modbus.UnitID),
		Timeout:        cfg.Modbus.Timeout,
		ConnectTimeout: cfg.Modbus.ConnectTimeout,
		IdleTimeout:    cfg.Modbus.IdleTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create modbus dialer: %w", err)
	}
	conns := modbus.NewConnectionCache(dialer, cfg.Modbus.ConnectionTTL, logger, metricsRegistry)
	defer conns.Close()

	transport := modbus.NewTransport(modbus.TransportConfig{
		Read:    retryPolicy(cfg.Modbus.ReadRetry),
		Write:   retryPolicy(cfg.Modbus.WriteRetry),
		Workers: cfg.Modbus.Workers,
	}, conns, logger, metricsRegistry)

	// Sinks
	store := state.NewStore()
	sinks := []service.Sink{store}

	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher, err = mqtt.NewPublisher(mqtt.PublisherConfig{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            cfg.MQTT.QoS,
			Retain:         cfg.MQTT.Retain,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			CleanSession:   cfg.MQTT.CleanSession,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create MQTT publisher: %w", err)
		}
		sinks = append(sinks, publisher)
	}

	gateway := service.NewGateway(service.GatewayConfig{
		Polling:  pollingConfig(cfg.Polling),
		Commands: service.CommandConfig{QueueSize: cfg.Commands.QueueSize, CommandTimeout: cfg.Commands.CommandTimeout},
		Fanout: service.FanoutConfig{
			BufferSize:       cfg.Fanout.BufferSize,
			BatchSize:        cfg.Fanout.BatchSize,
			FlushInterval:    cfg.Fanout.FlushInterval,
			PublishTimeout:   cfg.Fanout.PublishTimeout,
			FailureThreshold: cfg.Fanout.FailureThreshold,
			OpenTimeout:      cfg.Fanout.OpenTimeout,
		},
	}, registers, transport, sinks, logger, metricsRegistry)

	// Create root context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var commands *mqtt.CommandHandler
	if publisher != nil {
		publisher.SetSource(gateway.Snapshot)
		if cfg.MQTT.CommandsEnabled {
			commands = mqtt.NewCommandHandler(publisher.Client(), gateway, mqtt.CommandHandlerConfig{
				TopicPrefix: publisher.TopicPrefix(),
				QoS:         cfg.MQTT.QoS,
			}, logger)
			// Subscriptions are lost with a clean session; renew them on every connect.
			publisher.OnConnect(func() {
				if err := commands.Subscribe(); err != nil {
					logger.Error().Err(err).Msg("Failed to subscribe to command topics")
				}
			})
		}

		// The client keeps retrying in the background; polling does not wait for the broker.
		if err := publisher.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("MQTT broker not reachable yet")
		}
		defer publisher.Disconnect()
	}

	if err := gateway.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	if commands != nil {
		if err := commands.Start(); err != nil {
			logger.Warn().Err(err).Msg("Command topics not subscribed yet")
		}
	}

	// Initialize health checker
	var mqttHealth health.Connectivity
	if publisher != nil {
		mqttHealth = publisher
	}
	healthChecker := health.NewChecker(conns, mqttHealth, gateway, cfg.Health.StaleFactor, logger)

	// HTTP server for the API, health and metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LiveHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadyHandler)
	mux.Handle("/metrics", promhttp.Handler())
	httpapi.NewHandler(gateway, store, httpapi.Config{WaitTimeout: cfg.Commands.CommandTimeout}, logger).Register(mux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if commands != nil {
			if err := commands.Stop(); err != nil {
				logger.Error().Err(err).Msg("Error stopping command handler")
			}
		}
		if err := gateway.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping gateway")
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error shutting down HTTP server")
		}
		return nil
	})

	return g.Wait()
}

func pollingConfig(p config.PollingConfig) service.PollingConfig {
	tiers := make(map[domain.Tier]service.TierConfig, len(domain.Tiers))
	for _, tier := range domain.Tiers {
		s := p.Tier(tier)
		tiers[tier] = service.TierConfig{Interval: s.Interval, Enabled: s.Enabled}
	}
	return service.PollingConfig{Tiers: tiers, CycleTimeout: p.CycleTimeout}
}

func retryPolicy(r config.RetryConfig) modbus.RetryPolicy {
	return modbus.RetryPolicy{
		Attempts:  r.Attempts,
		BaseDelay: r.BaseDelay,
		MaxDelay:  r.MaxDelay,
		Jitter:    true,
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
