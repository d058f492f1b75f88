// Package pvoutput uploads inverter readings to PVOutput.org.
package pvoutput

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pvgrid/go-speedwire/internal/config"
	"github.com/pvgrid/go-speedwire/internal/domain"
)

const addStatusURL = "https://pvoutput.org/service/r2/addstatus.jsp"

// Uploader pushes a snapshot to a monitoring site.
type Uploader interface {
	Upload(ctx context.Context, state *domain.DeviceState) error
}

// NoopUploader discards every snapshot.
type NoopUploader struct{}

func (NoopUploader) Upload(_ context.Context, _ *domain.DeviceState) error { return nil }

// Client posts live status updates to the PVOutput add-status endpoint.
// Updates are rate-limited; PVOutput rejects more than one status per
// five minutes on free accounts.
type Client struct {
	config     *config.Config
	httpClient *http.Client
	endpoint   string
	logger     zerolog.Logger

	mu         sync.Mutex
	lastUpload time.Time
}

// NewClient creates a PVOutput client from the pvoutput config section.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		endpoint:   addStatusURL,
		logger:     log.With().Str("component", "pvoutput").Logger(),
	}
}

// Upload posts one snapshot. Calls inside the rate-limit window are
// silently dropped.
func (c *Client) Upload(ctx context.Context, state *domain.DeviceState) error {
	if !c.config.PVOutput.Enabled {
		return nil
	}
	if c.config.PVOutput.APIKey == "" || c.config.PVOutput.SystemID == "" {
		return fmt.Errorf("pvoutput api key and system id are required")
	}
	if !c.canUpload() {
		return nil
	}

	now := time.Now()
	params := url.Values{}
	params.Set("d", now.Format("20060102"))
	params.Set("t", now.Format("15:04"))

	if state.EnergyToday > 0 {
		params.Set("v1", strconv.FormatInt(state.EnergyToday, 10))
	}
	if state.TotalACPower > 0 {
		params.Set("v2", strconv.FormatInt(state.TotalACPower, 10))
	}
	if c.config.PVOutput.UseInverterTemp && state.Temperature != 0 {
		params.Set("v5", strconv.FormatFloat(state.TemperatureC(), 'f', 1, 64))
	}
	if v := state.Phases[0].Voltage; v > 0 {
		params.Set("v6", strconv.FormatFloat(float64(v)/100.0, 'f', 1, 64))
	}

	if err := c.post(ctx, params); err != nil {
		return err
	}
	c.markUploaded()

	c.logger.Debug().
		Int64("power", state.TotalACPower).
		Int64("energy_today", state.EnergyToday).
		Msg("Snapshot uploaded")
	return nil
}

func (c *Client) post(ctx context.Context, params url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint,
		strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("build pvoutput request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Pvoutput-Apikey", c.config.PVOutput.APIKey)
	req.Header.Set("X-Pvoutput-SystemId", c.config.PVOutput.SystemID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pvoutput request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pvoutput returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) canUpload() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	window := time.Duration(c.config.PVOutput.UpdateLimitMinutes) * time.Minute
	return time.Since(c.lastUpload) >= window
}

func (c *Client) markUploaded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUpload = time.Now()
}
