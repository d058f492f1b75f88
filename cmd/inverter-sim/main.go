// Package main runs a fake Speedwire inverter for local development and
// integration testing. It binds the protocol port and answers discovery,
// login and data queries with plausible values.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pvgrid/go-speedwire/internal/protocol"
	"github.com/pvgrid/go-speedwire/internal/simulator"
)

func main() {
	os.Exit(run())
}

func run() int {
	port := flag.Int("port", protocol.DefaultPort, "UDP port to listen on")
	password := flag.String("password", "0000", "Password the simulator accepts")
	serial := flag.Uint("serial", 3010123456, "Device serial number")
	acPower := flag.Int("power", 2500, "Reported AC power in W")
	flag.Parse()

	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	cfg := simulator.DefaultConfig()
	cfg.Password = *password
	cfg.Identity.Serial = uint32(*serial)
	cfg.ACPower = int32(*acPower)

	sim, err := simulator.New(cfg, *port, log.Logger)
	if err != nil {
		fmt.Printf("Failed to bind simulator: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signalChan
		log.Info().Str("signal", sig.String()).Msg("Shutting down simulator")
		cancel()
	}()

	log.Info().
		Int("port", sim.Port()).
		Str("device", cfg.Identity.String()).
		Msg("Simulator listening")

	if err := sim.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Simulator failed")
		return 1
	}
	return 0
}
