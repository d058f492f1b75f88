// Package client implements the Speedwire session state machine:
// discovery, connect, login, request/retry and the high-level read
// operations that populate a device-state snapshot.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/pvgrid/go-speedwire/internal/domain"
	"github.com/pvgrid/go-speedwire/internal/protocol"
	"github.com/pvgrid/go-speedwire/internal/transport"
)

// State is the session lifecycle position.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateIdentified
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateIdentified:
		return "identified"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const defaultTimeout = 5 * time.Second

// Client drives one session to one inverter. A session is strictly
// sequential: one outstanding request at a time, blocking receive with a
// bounded timeout. The client owns its transport exclusively; concurrent
// sessions to different devices each need their own transport, since
// replies are correlated by sender address and session serial.
type Client struct {
	transport transport.Transport
	builder   *protocol.FrameBuilder
	queries   protocol.QueryTable
	logger    zerolog.Logger

	state    State
	address  string
	peerHost string
	device   domain.DeviceIdentity
	snapshot *domain.DeviceState

	timeout  time.Duration
	maxRetry int
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-attempt receive timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxRetry sets the retry ceiling for unanswered data requests.
func WithMaxRetry(n int) Option {
	return func(c *Client) { c.maxRetry = n }
}

// WithBuilder replaces the frame builder, letting tests inject a fixed
// session serial.
func WithBuilder(b *protocol.FrameBuilder) Option {
	return func(c *Client) { c.builder = b }
}

// WithQueries replaces the embedded query table.
func WithQueries(q protocol.QueryTable) Option {
	return func(c *Client) { c.queries = q }
}

// New creates an idle client over the given transport.
func New(t transport.Transport, logger zerolog.Logger, opts ...Option) (*Client, error) {
	queries, err := protocol.LoadDefaultQueries()
	if err != nil {
		return nil, fmt.Errorf("failed to load query table: %w", err)
	}

	c := &Client{
		transport: t,
		builder:   protocol.NewFrameBuilder(),
		queries:   queries,
		logger:    logger.With().Str("component", "client").Logger(),
		state:     StateIdle,
		timeout:   defaultTimeout,
		maxRetry:  protocol.MaxRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the session lifecycle position.
func (c *Client) State() State { return c.state }

// Device returns the identity resolved by the connection handshake.
func (c *Client) Device() domain.DeviceIdentity { return c.device }

// Snapshot returns a copy of the device state accumulated so far. Nil
// before Connect. The session keeps mutating its own snapshot on every
// read, so callers get a detached copy they can hold or encode freely.
func (c *Client) Snapshot() *domain.DeviceState {
	if c.snapshot == nil {
		return nil
	}
	return c.snapshot.Clone()
}

// Discover probes the multicast group and collects responder addresses
// until the window elapses. It is a pure query: connection state is
// restored afterwards, and duplicate responders appear once.
func (c *Client) Discover(ctx context.Context, window time.Duration) ([]string, error) {
	if c.state == StateClosed {
		return nil, ErrClosed
	}
	prev := c.state
	c.state = StateDiscovering
	defer func() { c.state = prev }()

	probe := c.builder.BuildDiscovery()
	if _, err := c.transport.SendMulticast(probe); err != nil {
		return nil, fmt.Errorf("discovery probe failed: %w", err)
	}

	seen := make(map[string]bool)
	var found []string
	deadline := time.Now().Add(window)
	for {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		frame, sender, err := c.transport.Receive(remaining)
		if errors.Is(err, transport.ErrTimeout) {
			break
		}
		if err != nil {
			return found, err
		}

		addr := sender
		if ip, ok := protocol.DiscoveryResponseIP(frame); ok {
			addr = ip
		}
		if !seen[addr] {
			seen[addr] = true
			found = append(found, addr)
			c.logger.Debug().Str("address", addr).Msg("Discovered device")
		}
	}

	c.logger.Info().Int("count", len(found)).Msg("Discovery window closed")
	return found, nil
}

// Connect sends an identity probe to the target address and resolves the
// device identity from the single reply. No retry at this stage: an
// unreachable target should fail fast. A logoff is then sent proactively
// to clear any stale session the device may still hold.
func (c *Client) Connect(ctx context.Context, address string) error {
	if c.state == StateClosed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	host := address
	if h, _, err := net.SplitHostPort(address); err == nil {
		host = h
	}

	probe := c.builder.BuildInit()
	if _, err := c.transport.Send(probe, address); err != nil {
		return fmt.Errorf("connect probe failed: %w", err)
	}

	frame, err := c.awaitReply(ctx, time.Now().Add(c.timeout), host)
	if errors.Is(err, transport.ErrTimeout) {
		return &ConnectivityError{Op: "connect", Attempts: 1}
	}
	if err != nil {
		return err
	}

	hdr, err := protocol.ParseHeader(frame)
	if err != nil {
		return err
	}

	c.address = address
	c.peerHost = host
	c.device = hdr.Source
	c.snapshot = domain.NewDeviceState()
	c.snapshot.Address = host
	c.snapshot.Identity = hdr.Source
	c.state = StateIdentified

	// Stale sessions at the device make the first login flaky. Clearing
	// one that does not exist is harmless, so the reply is ignored.
	if _, err := c.transport.Send(c.builder.BuildLogoff(), c.address); err != nil {
		c.logger.Debug().Err(err).Msg("Pre-login logoff failed")
	}

	c.logger.Info().
		Str("address", host).
		Str("device", c.device.String()).
		Msg("Device identified")
	return nil
}

// Login authenticates the session with the given password and user group.
// A credential rejection is surfaced immediately and never retried.
func (c *Client) Login(ctx context.Context, password string, userGroup uint32) error {
	if c.state != StateIdentified && c.state != StateAuthenticated {
		if c.state == StateClosed {
			return ErrClosed
		}
		return ErrNotIdentified
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	frame := c.builder.BuildLogin(c.device, password, userGroup, time.Now())
	if _, err := c.transport.Send(frame, c.address); err != nil {
		return fmt.Errorf("login send failed: %w", err)
	}

	reply, err := c.awaitReply(ctx, time.Now().Add(c.timeout), c.peerHost)
	if errors.Is(err, transport.ErrTimeout) {
		return &ConnectivityError{Op: "login", Attempts: 1}
	}
	if err != nil {
		return err
	}

	hdr, err := protocol.ParseHeader(reply)
	if err != nil {
		return err
	}
	switch hdr.ErrorCode {
	case 0:
		c.state = StateAuthenticated
		c.logger.Info().Str("device", c.device.String()).Msg("Login successful")
		return nil
	case 0x0100:
		return &AuthenticationError{Code: hdr.ErrorCode}
	default:
		return &DeviceRejectedError{Op: "login", Code: hdr.ErrorCode}
	}
}

// Logout sends a best-effort logoff and closes the session. The device
// does not acknowledge logoffs, so no reply is awaited. Safe to call
// repeatedly.
func (c *Client) Logout() error {
	if c.state == StateClosed {
		return nil
	}
	if c.address != "" {
		if _, err := c.transport.Send(c.builder.BuildLogoff(), c.address); err != nil {
			c.logger.Debug().Err(err).Msg("Logoff send failed")
		}
	}
	c.state = StateClosed
	return nil
}

// Close logs out and releases the transport. Idempotent.
func (c *Client) Close() error {
	_ = c.Logout()
	return c.transport.Close()
}

// request performs one data request with the retry ceiling: each attempt
// rebuilds the frame (advancing the packet index) and waits for one
// filtered reply. A malformed reply is surfaced, not retried; silence
// beyond the ceiling becomes a ConnectivityError.
func (c *Client) request(ctx context.Context, op string, q protocol.Query, ctrl byte) ([]byte, error) {
	if c.state != StateAuthenticated {
		if c.state == StateClosed {
			return nil, ErrClosed
		}
		return nil, ErrNotAuthenticated
	}

	for attempt := 1; attempt <= c.maxRetry; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		frame := c.builder.BuildDataRequest(c.device, q.Command, q.First, q.Last, ctrl)
		if _, err := c.transport.Send(frame, c.address); err != nil {
			return nil, fmt.Errorf("%s: send failed: %w", op, err)
		}

		reply, err := c.awaitReply(ctx, time.Now().Add(c.timeout), c.peerHost)
		if errors.Is(err, transport.ErrTimeout) {
			c.logger.Debug().
				Str("op", op).
				Int("attempt", attempt).
				Msg("Request timed out, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}

		hdr, err := protocol.ParseHeader(reply)
		if err != nil {
			return nil, err
		}
		if hdr.ErrorCode != 0 {
			return nil, &DeviceRejectedError{Op: op, Code: hdr.ErrorCode}
		}
		return reply, nil
	}
	return nil, &ConnectivityError{Op: op, Attempts: c.maxRetry}
}

// awaitReply receives until the deadline, discarding foreign broadcasts
// (energy meters sharing the multicast group announce themselves in
// fixed-size frames) and datagrams from unexpected senders. Discards do
// not consume the attempt; only full silence does.
func (c *Client) awaitReply(ctx context.Context, deadline time.Time, expectHost string) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.ErrTimeout
		}
		frame, sender, err := c.transport.Receive(remaining)
		if err != nil {
			return nil, err
		}
		if protocol.ForeignFrameSizes[len(frame)] {
			c.logger.Debug().Int("size", len(frame)).Msg("Ignoring foreign broadcast")
			continue
		}
		if expectHost != "" && sender != expectHost {
			c.logger.Debug().Str("sender", sender).Msg("Ignoring datagram from unexpected sender")
			continue
		}
		return frame, nil
	}
}

// runQuery executes one named query and folds its records into the
// snapshot.
func (c *Client) runQuery(ctx context.Context, name string) error {
	q, err := c.queries.Lookup(name)
	if err != nil {
		return err
	}
	reply, err := c.request(ctx, name, q, protocol.CtrlSpot)
	if err != nil {
		return err
	}
	records := protocol.DecodeRecords(reply, protocol.KnownLri)
	protocol.ApplyRecords(records, c.snapshot)
	c.logger.Debug().Str("query", name).Int("records", len(records)).Msg("Query decoded")
	return nil
}

// SpotData reads the instantaneous AC and DC measurements.
func (c *Client) SpotData(ctx context.Context) error {
	return c.runQueries(ctx,
		"SpotACTotalPower",
		"SpotACPower",
		"SpotACVoltage",
		"SpotGridFrequency",
		"SpotDCPower",
		"SpotDCVoltage",
	)
}

// EnergyData reads the energy counters, runtimes and grid metering.
func (c *Client) EnergyData(ctx context.Context) error {
	return c.runQueries(ctx,
		"EnergyProduction",
		"OperationTime",
		"MeteringGridMsTotW",
	)
}

// DeviceInfo reads the nameplate block: name, type, class and firmware.
func (c *Client) DeviceInfo(ctx context.Context) error {
	return c.runQueries(ctx,
		"TypeLabel",
		"SoftwareVersion",
		"DeviceStatus",
		"GridRelayStatus",
	)
}

// Temperature reads the device temperature.
func (c *Client) Temperature(ctx context.Context) error {
	return c.runQueries(ctx, "InverterTemperature")
}

// BatteryData reads the battery block. Devices without a battery answer
// with nothing useful; the caller should treat failure here as optional.
func (c *Client) BatteryData(ctx context.Context) error {
	return c.runQueries(ctx,
		"BatteryChargeStatus",
		"BatteryInfo",
	)
}

// ArchiveDayData reads the 5-minute archive for the day containing t and
// stores the decoded series in the snapshot. The request bounds are
// timestamps, not measurement codes, widened slightly past midnight so
// boundary samples are included.
func (c *Client) ArchiveDayData(ctx context.Context, t time.Time) ([]domain.HistoricalSample, error) {
	q, err := c.queries.Lookup("ArchiveDayData")
	if err != nil {
		return nil, err
	}
	year, month, day := t.Date()
	start := time.Date(year, month, day, 0, 0, 0, 0, t.Location()).Unix()
	q.First = uint32(start - 600)
	q.Last = uint32(start + 86100)

	reply, err := c.request(ctx, "ArchiveDayData", q, protocol.CtrlArchive)
	if err != nil {
		return nil, err
	}
	samples := protocol.DecodeArchive(reply)
	c.snapshot.Archive = samples
	c.logger.Debug().Int("samples", len(samples)).Msg("Archive decoded")
	return samples, nil
}

// ReadAll collects every data category and returns a detached copy of
// the snapshot. Partial telemetry is expected across device models, so a
// failed category is logged and skipped rather than aborting the read;
// the error is returned only when every category fails.
func (c *Client) ReadAll(ctx context.Context) (*domain.DeviceState, error) {
	if c.state != StateAuthenticated {
		if c.state == StateClosed {
			return nil, ErrClosed
		}
		return nil, ErrNotAuthenticated
	}

	categories := []struct {
		name string
		read func(context.Context) error
	}{
		{"device_info", c.DeviceInfo},
		{"spot", c.SpotData},
		{"energy", c.EnergyData},
		{"temperature", c.Temperature},
		{"battery", c.BatteryData},
	}

	var lastErr error
	failed := 0
	for _, cat := range categories {
		if err := cat.read(ctx); err != nil {
			if ctx.Err() != nil {
				return c.snapshot.Clone(), err
			}
			c.logger.Warn().Err(err).Str("category", cat.name).Msg("Category read failed")
			lastErr = err
			failed++
		}
	}
	if failed == len(categories) {
		return c.snapshot.Clone(), fmt.Errorf("all reads failed: %w", lastErr)
	}
	// The session snapshot stays private: later polls mutate it through
	// the field mapper while callers may still be encoding the result.
	return c.snapshot.Clone(), nil
}

// runQueries executes queries in order, stopping at the first failure.
func (c *Client) runQueries(ctx context.Context, names ...string) error {
	for _, name := range names {
		if err := c.runQuery(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
