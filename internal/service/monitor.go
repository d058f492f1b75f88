// Package service orchestrates the monitor: a polling loop that reads the
// inverter on an interval, validates the snapshot and fans it out to the
// configured sinks (MQTT, HTTP API, PVOutput, Home Assistant discovery).
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pvgrid/go-speedwire/internal/api"
	"github.com/pvgrid/go-speedwire/internal/config"
	"github.com/pvgrid/go-speedwire/internal/domain"
	"github.com/pvgrid/go-speedwire/internal/homeassistant"
	"github.com/pvgrid/go-speedwire/internal/service/pvoutput"
	"github.com/pvgrid/go-speedwire/internal/validation"
)

// ArchiveReader is the optional read surface for devices that serve the
// daily archive.
type ArchiveReader interface {
	ArchiveDayData(ctx context.Context, t time.Time) ([]domain.HistoricalSample, error)
}

// Monitor polls one inverter and publishes each snapshot.
type Monitor struct {
	config    *config.Config
	reader    domain.DeviceReader
	publisher domain.MessagePublisher
	apiServer *api.Server
	validator *validation.Validator
	uploader  pvoutput.Uploader
	discovery *homeassistant.AutoDiscovery
	logger    zerolog.Logger

	cancel      context.CancelFunc
	done        chan struct{}
	stopOnce    sync.Once
	lastArchive time.Time
	announced   bool
}

// Option customizes a monitor.
type Option func(*Monitor)

// WithUploader attaches a monitoring-site uploader (PVOutput).
func WithUploader(u pvoutput.Uploader) Option {
	return func(m *Monitor) { m.uploader = u }
}

// WithAutoDiscovery attaches Home Assistant discovery announcements.
func WithAutoDiscovery(ad *homeassistant.AutoDiscovery) Option {
	return func(m *Monitor) { m.discovery = ad }
}

// NewMonitor creates a monitor over the given reader. The API server may
// be nil when the HTTP endpoint is disabled.
func NewMonitor(cfg *config.Config, reader domain.DeviceReader, publisher domain.MessagePublisher, apiServer *api.Server, opts ...Option) *Monitor {
	logger := log.With().Str("component", "monitor").Logger()
	m := &Monitor{
		config:    cfg,
		reader:    reader,
		publisher: publisher,
		apiServer: apiServer,
		validator: validation.New(logger),
		uploader:  pvoutput.NoopUploader{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start connects the sinks and launches the polling loop. The first poll
// happens immediately rather than one interval in.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.publisher.Connect(ctx); err != nil {
		return fmt.Errorf("publisher connect failed: %w", err)
	}
	if m.apiServer != nil {
		if err := m.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("api server start failed: %w", err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(loopCtx)

	m.logger.Info().
		Dur("interval", m.config.Poll.Interval).
		Msg("Monitor started")
	return nil
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.config.Poll.Interval)
	defer ticker.Stop()

	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll runs one read cycle. Read failures are logged, not fatal: the
// inverter sleeps at night and silence is routine.
func (m *Monitor) poll(ctx context.Context) {
	state, err := m.reader.ReadAll(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Poll failed")
		return
	}

	if !m.validator.Validate(state).Valid() {
		m.logger.Warn().Msg("Snapshot rejected as implausible, skipping publish")
		return
	}

	if m.config.Poll.Archive && m.shouldReadArchive() {
		if ar, ok := m.reader.(ArchiveReader); ok {
			if _, err := ar.ArchiveDayData(ctx, time.Now()); err != nil {
				m.logger.Warn().Err(err).Msg("Archive read failed")
			} else {
				m.lastArchive = time.Now()
			}
		}
	}

	if m.apiServer != nil {
		m.apiServer.Update(state)
	}

	m.announceDiscovery(ctx, state)

	topic := m.config.MQTT.Topic
	if err := m.publisher.Publish(ctx, topic, state); err != nil {
		m.logger.Warn().Err(err).Str("topic", topic).Msg("Publish failed")
	}

	if err := m.uploader.Upload(ctx, state); err != nil {
		m.logger.Warn().Err(err).Msg("Upload failed")
	}

	m.logger.Debug().
		Int64("ac_power", state.TotalACPower).
		Float64("energy_today_kwh", state.EnergyTodayKWh()).
		Msg("Poll complete")
}

// announceDiscovery publishes the Home Assistant discovery payloads once,
// after the first valid snapshot (the device metadata comes from it).
func (m *Monitor) announceDiscovery(ctx context.Context, state *domain.DeviceState) {
	if m.discovery == nil || m.announced {
		return
	}
	for topic, msg := range m.discovery.Messages(state) {
		if err := m.publisher.Publish(ctx, topic, msg); err != nil {
			m.logger.Warn().Err(err).Str("topic", topic).Msg("Discovery publish failed")
			return
		}
	}
	m.announced = true
	m.logger.Info().Msg("Home Assistant discovery announced")
}

// shouldReadArchive rate-limits archive reads to one per hour; the series
// only grows by twelve samples in that time.
func (m *Monitor) shouldReadArchive() bool {
	return time.Since(m.lastArchive) >= time.Hour
}

// Stop shuts the loop and the sinks down. Idempotent.
func (m *Monitor) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
		if m.apiServer != nil {
			if stopErr := m.apiServer.Stop(ctx); stopErr != nil {
				err = stopErr
			}
		}
		if closeErr := m.publisher.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if closeErr := m.reader.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		m.logger.Info().Msg("Monitor stopped")
	})
	return err
}
