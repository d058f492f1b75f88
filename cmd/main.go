// Package main provides the entry point for the go-speedwire monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pvgrid/go-speedwire/internal/api"
	"github.com/pvgrid/go-speedwire/internal/client"
	"github.com/pvgrid/go-speedwire/internal/config"
	"github.com/pvgrid/go-speedwire/internal/domain"
	"github.com/pvgrid/go-speedwire/internal/homeassistant"
	"github.com/pvgrid/go-speedwire/internal/protocol"
	"github.com/pvgrid/go-speedwire/internal/pubsub"
	"github.com/pvgrid/go-speedwire/internal/service"
	"github.com/pvgrid/go-speedwire/internal/service/pvoutput"
	"github.com/pvgrid/go-speedwire/internal/transport"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "Path to configuration file (optional)")
	showVersion := flag.Bool("version", false, "Show version information")
	discoverOnly := flag.Bool("discover", false, "Discover devices and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-speedwire monitor %s\n", Version)
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	initLogger(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("Starting go-speedwire monitor")
	cfg.Print()

	udp, err := transport.NewUDPTransport(protocol.MulticastAddress, cfg.Inverter.Port, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open UDP transport")
		return 1
	}

	c, err := client.New(udp, log.Logger,
		client.WithTimeout(cfg.Inverter.Timeout),
		client.WithMaxRetry(cfg.Inverter.Retries),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create client")
		_ = udp.Close()
		return 1
	}

	if *discoverOnly {
		return discover(ctx, c, cfg)
	}

	address := cfg.Inverter.Address
	if address == "" {
		found, err := c.Discover(ctx, cfg.Inverter.DiscoveryTimeout)
		if err != nil || len(found) == 0 {
			log.Error().Err(err).Msg("No device configured and discovery found none")
			_ = c.Close()
			return 1
		}
		address = found[0]
		log.Info().Str("address", address).Msg("Using first discovered device")
	}

	if err := connectAndLogin(ctx, c, cfg, address); err != nil {
		log.Error().Err(err).Msg("Failed to establish session")
		_ = c.Close()
		return 1
	}

	var publisher domain.MessagePublisher
	if cfg.MQTT.Enabled {
		mqttPublisher := pubsub.NewMQTTPublisher(cfg)
		if err := mqttPublisher.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to connect to MQTT broker, using noop publisher")
			publisher = pubsub.NewNoopPublisher()
		} else {
			publisher = mqttPublisher
			log.Info().Msg("MQTT publisher connected successfully")
		}
	} else {
		log.Info().Msg("MQTT disabled, using noop publisher")
		publisher = pubsub.NewNoopPublisher()
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg)
	}

	var opts []service.Option
	if cfg.PVOutput.Enabled {
		opts = append(opts, service.WithUploader(pvoutput.NewClient(cfg)))
		log.Info().Str("system_id", cfg.PVOutput.SystemID).Msg("PVOutput upload enabled")
	}
	if cfg.HA.Enabled && cfg.MQTT.Enabled {
		discovery, err := homeassistant.New(cfg.HA, cfg.MQTT.Topic, c.Device())
		if err != nil {
			log.Error().Err(err).Msg("Failed to set up Home Assistant discovery")
			_ = c.Close()
			return 1
		}
		opts = append(opts, service.WithAutoDiscovery(discovery))
	}

	monitor := service.NewMonitor(cfg, c, publisher, apiServer, opts...)
	if err := monitor.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start monitor")
		_ = c.Close()
		return 1
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := monitor.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping monitor")
		return 1
	}

	log.Info().Msg("Monitor stopped")
	return 0
}

// discover probes the multicast group and prints the responders.
func discover(ctx context.Context, c *client.Client, cfg *config.Config) int {
	defer func() { _ = c.Close() }()

	found, err := c.Discover(ctx, cfg.Inverter.DiscoveryTimeout)
	if err != nil {
		log.Error().Err(err).Msg("Discovery failed")
		return 1
	}
	if len(found) == 0 {
		fmt.Println("No devices found")
		return 0
	}
	for _, addr := range found {
		fmt.Println(addr)
	}
	return 0
}

// connectAndLogin performs the identity handshake and authenticates.
func connectAndLogin(ctx context.Context, c *client.Client, cfg *config.Config, address string) error {
	if err := c.Connect(ctx, address); err != nil {
		return err
	}
	userGroup, err := cfg.UserGroupValue()
	if err != nil {
		return err
	}
	return c.Login(ctx, cfg.Inverter.Password, userGroup)
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
