package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvgrid/go-speedwire/internal/domain"
	"github.com/pvgrid/go-speedwire/internal/protocol"
	"github.com/pvgrid/go-speedwire/internal/transport"
	"github.com/pvgrid/go-speedwire/internal/wire"
)

var simDevice = domain.DeviceIdentity{SUSyID: 378, Serial: 3010123456}

type queued struct {
	frame  []byte
	sender string
}

// fakeTransport scripts the wire: onSend inspects each outbound frame and
// may enqueue replies; Receive drains the queue and then times out.
type fakeTransport struct {
	sent          [][]byte
	multicastSent [][]byte
	queue         []queued
	onSend        func(p []byte, addr string)
	closed        bool
}

func (f *fakeTransport) Send(p []byte, addr string) (int, error) {
	f.sent = append(f.sent, append([]byte(nil), p...))
	if f.onSend != nil {
		f.onSend(p, addr)
	}
	return len(p), nil
}

func (f *fakeTransport) SendMulticast(p []byte) (int, error) {
	f.multicastSent = append(f.multicastSent, append([]byte(nil), p...))
	if f.onSend != nil {
		f.onSend(p, "multicast")
	}
	return len(p), nil
}

func (f *fakeTransport) Receive(_ time.Duration) ([]byte, string, error) {
	if len(f.queue) == 0 {
		return nil, "", transport.ErrTimeout
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	return next.frame, next.sender, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func (f *fakeTransport) enqueue(frame []byte, sender string) {
	f.queue = append(f.queue, queued{frame: frame, sender: sender})
}

// deviceReply builds an inbound frame from the simulated device.
func deviceReply(errCode uint16, command uint32, records ...[]byte) []byte {
	var buf wire.Buffer
	buf.Raw([]byte{'S', 'M', 'A', 0})
	buf.Uint32(0xA0020400)
	buf.Uint32(0x00000001)
	buf.Uint16(0)
	buf.Uint32(0x65601000)
	buf.Byte(0)
	buf.Byte(0xD0)
	buf.Uint16(protocol.AppSUSyID)
	buf.Uint32(939393939)
	buf.Uint16(0)
	buf.Uint16(simDevice.SUSyID)
	buf.Uint32(simDevice.Serial)
	buf.Uint16(0)
	buf.Uint16(errCode)
	buf.Uint16(0)
	buf.Uint16(0x8001)
	buf.Uint32(command)
	buf.Uint32(0)
	if len(records) > 0 {
		buf.Uint32(uint32(len(records) - 1))
	} else {
		buf.Uint32(0)
	}
	for _, rec := range records {
		buf.Raw(rec)
	}
	buf.Uint32(0)
	buf.PutUint16BE(12, uint16(buf.Len()-14))
	return buf.Bytes()
}

func totalPowerRecord(value int32) []byte {
	var buf wire.Buffer
	buf.Uint32(uint32(protocol.DataTypeSLong)<<24 | uint32(protocol.GridMsTotW))
	buf.Uint32(1700000000)
	for i := 0; i < 4; i++ {
		buf.Uint32(uint32(value))
	}
	buf.Uint32(0)
	return buf.Bytes()
}

func dcPowerRecord(class uint8, value int32) []byte {
	var buf wire.Buffer
	buf.Uint32(uint32(protocol.DataTypeSLong)<<24 | uint32(protocol.DcMsWatt) | uint32(class))
	buf.Uint32(1700000000)
	for i := 0; i < 4; i++ {
		buf.Uint32(uint32(value))
	}
	buf.Uint32(0)
	return buf.Bytes()
}

func discoveryAnnouncement(ip [4]byte) []byte {
	frame := make([]byte, 48)
	copy(frame, []byte{'S', 'M', 'A', 0})
	copy(frame[38:42], ip[:])
	return frame
}

func newTestClient(t *testing.T, ft *fakeTransport) *Client {
	t.Helper()
	c, err := New(ft, zerolog.Nop(), WithTimeout(100*time.Millisecond))
	require.NoError(t, err)
	return c
}

// identify walks the client to Identified against the fake device.
func identify(t *testing.T, c *Client, ft *fakeTransport) {
	t.Helper()
	ft.enqueue(deviceReply(0, 0x00000001), "10.0.0.5")
	require.NoError(t, c.Connect(context.Background(), "10.0.0.5"))
	require.Equal(t, StateIdentified, c.State())
}

// authenticate walks the client to Authenticated.
func authenticate(t *testing.T, c *Client, ft *fakeTransport) {
	t.Helper()
	identify(t, c, ft)
	ft.enqueue(deviceReply(0, 0xFFFD040C), "10.0.0.5")
	require.NoError(t, c.Login(context.Background(), "0000", protocol.UserGroupUser))
	require.Equal(t, StateAuthenticated, c.State())
}

func TestDiscoverCollectsDistinctResponders(t *testing.T) {
	ft := &fakeTransport{}
	ft.onSend = func(p []byte, addr string) {
		if addr != "multicast" {
			return
		}
		ft.enqueue(discoveryAnnouncement([4]byte{192, 168, 1, 10}), "192.168.1.10")
		ft.enqueue(discoveryAnnouncement([4]byte{192, 168, 1, 20}), "192.168.1.20")
		ft.enqueue(discoveryAnnouncement([4]byte{192, 168, 1, 10}), "192.168.1.10") // duplicate
	}
	c := newTestClient(t, ft)

	found, err := c.Discover(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"192.168.1.10", "192.168.1.20"}, found)
	assert.Equal(t, StateIdle, c.State(), "discovery leaves connection state untouched")
}

func TestConnectResolvesIdentity(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestClient(t, ft)

	identify(t, c, ft)

	assert.Equal(t, simDevice, c.Device())
	assert.Equal(t, "10.0.0.5", c.Snapshot().Address)
	// Init probe plus the proactive stale-session logoff.
	assert.Len(t, ft.sent, 2)
}

func TestConnectTimeout(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestClient(t, ft)

	err := c.Connect(context.Background(), "10.0.0.5")
	var connErr *ConnectivityError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, StateIdle, c.State())
}

func TestLoginErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		errCode   uint16
		wantState State
		check     func(t *testing.T, err error)
	}{
		{
			name:      "success",
			errCode:   0,
			wantState: StateAuthenticated,
			check: func(t *testing.T, err error) {
				assert.NoError(t, err)
			},
		},
		{
			name:      "invalid credentials",
			errCode:   0x0100,
			wantState: StateIdentified,
			check: func(t *testing.T, err error) {
				var authErr *AuthenticationError
				require.ErrorAs(t, err, &authErr)
				assert.Equal(t, uint16(0x0100), authErr.Code)
				assert.Contains(t, err.Error(), "0x0100")
			},
		},
		{
			name:      "other rejection",
			errCode:   0x0017,
			wantState: StateIdentified,
			check: func(t *testing.T, err error) {
				var rejErr *DeviceRejectedError
				require.ErrorAs(t, err, &rejErr)
				assert.Equal(t, uint16(0x0017), rejErr.Code)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{}
			c := newTestClient(t, ft)
			identify(t, c, ft)

			ft.enqueue(deviceReply(tt.errCode, 0xFFFD040C), "10.0.0.5")
			err := c.Login(context.Background(), "0000", protocol.UserGroupUser)
			tt.check(t, err)
			assert.Equal(t, tt.wantState, c.State())
		})
	}
}

func TestLoginRequiresIdentified(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})
	err := c.Login(context.Background(), "0000", protocol.UserGroupUser)
	assert.ErrorIs(t, err, ErrNotIdentified)
}

func TestRequestRequiresAuthenticated(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestClient(t, ft)
	identify(t, c, ft)

	err := c.SpotData(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestRequestRetriesThenSucceeds(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestClient(t, ft)
	authenticate(t, c, ft)

	dataRequests := 0
	ft.onSend = func(p []byte, addr string) {
		if wire.Uint32At(p, 42) != 0x51000200 {
			return
		}
		dataRequests++
		if dataRequests == 3 {
			ft.enqueue(deviceReply(0, 0x51000200, totalPowerRecord(2500)), "10.0.0.5")
		}
	}

	err := c.runQuery(context.Background(), "SpotACTotalPower")
	require.NoError(t, err)
	assert.Equal(t, 3, dataRequests, "two silent attempts then a reply")
	assert.Equal(t, int64(2500), c.Snapshot().TotalACPower)
}

func TestRequestExhaustsRetries(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestClient(t, ft)
	authenticate(t, c, ft)

	err := c.runQuery(context.Background(), "SpotACTotalPower")
	var connErr *ConnectivityError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, protocol.MaxRetry, connErr.Attempts)
}

func TestRequestPacketIDAdvancesPerAttempt(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestClient(t, ft)
	authenticate(t, c, ft)

	var ids []uint16
	ft.onSend = func(p []byte, addr string) {
		if wire.Uint32At(p, 42) == 0x51000200 {
			ids = append(ids, wire.Uint16At(p, 40)&0x7FFF)
		}
	}

	_ = c.runQuery(context.Background(), "SpotACTotalPower")
	require.Len(t, ids, protocol.MaxRetry)
	assert.Equal(t, ids[0]+1, ids[1])
	assert.Equal(t, ids[1]+1, ids[2])
}

func TestReceiveFilteringDoesNotConsumeRetries(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestClient(t, ft)
	authenticate(t, c, ft)

	dataRequests := 0
	ft.onSend = func(p []byte, addr string) {
		if wire.Uint32At(p, 42) != 0x51000200 {
			return
		}
		dataRequests++
		// Foreign energy-meter broadcast, a frame from the wrong host,
		// then the real reply, all within one attempt.
		ft.enqueue(make([]byte, 600), "10.0.0.5")
		ft.enqueue(deviceReply(0, 0x51000200, totalPowerRecord(1)), "10.0.0.99")
		ft.enqueue(deviceReply(0, 0x51000200, totalPowerRecord(2500)), "10.0.0.5")
	}

	err := c.runQuery(context.Background(), "SpotACTotalPower")
	require.NoError(t, err)
	assert.Equal(t, 1, dataRequests)
	assert.Equal(t, int64(2500), c.Snapshot().TotalACPower)
}

func TestRequestDeviceRejected(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestClient(t, ft)
	authenticate(t, c, ft)

	ft.onSend = func(p []byte, addr string) {
		if wire.Uint32At(p, 42) == 0x51000200 {
			ft.enqueue(deviceReply(0x0015, 0x51000200), "10.0.0.5")
		}
	}

	err := c.runQuery(context.Background(), "SpotACTotalPower")
	var rejErr *DeviceRejectedError
	require.ErrorAs(t, err, &rejErr)
	assert.Equal(t, uint16(0x0015), rejErr.Code)
}

func TestSpotACTotalPowerLeavesOtherFieldsUntouched(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestClient(t, ft)
	authenticate(t, c, ft)

	ft.onSend = func(p []byte, addr string) {
		if wire.Uint32At(p, 42) == 0x51000200 {
			ft.enqueue(deviceReply(0, 0x51000200, totalPowerRecord(2500)), "10.0.0.5")
		}
	}

	require.NoError(t, c.runQuery(context.Background(), "SpotACTotalPower"))

	s := c.Snapshot()
	assert.Equal(t, int64(2500), s.TotalACPower)
	assert.Zero(t, s.EnergyToday)
	assert.Zero(t, s.GridFrequency)
	assert.Zero(t, s.Phases[0].Power)
	assert.Empty(t, s.DC)
	assert.Nil(t, s.Battery)
}

func TestReadAllContinuesPastFailedCategories(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestClient(t, ft)
	authenticate(t, c, ft)

	// Every query is answered except the temperature family, which stays
	// silent and exhausts its retries.
	ft.onSend = func(p []byte, addr string) {
		command := wire.Uint32At(p, 42)
		switch command {
		case 0x51000200, 0x53800200, 0x54000200, 0x58000200, 0x51800200:
			ft.enqueue(deviceReply(0, command, totalPowerRecord(2500)), "10.0.0.5")
		}
	}

	state, err := c.ReadAll(context.Background())
	require.NoError(t, err, "a failed category must not abort the read")
	assert.Equal(t, int64(2500), state.TotalACPower)
	assert.Zero(t, state.Temperature)
}

func TestReadAllReturnsDetachedSnapshot(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestClient(t, ft)
	authenticate(t, c, ft)

	power := int32(2500)
	ft.onSend = func(p []byte, addr string) {
		command := wire.Uint32At(p, 42)
		switch command {
		case 0x51000200, 0x54000200, 0x58000200, 0x51800200, 0x52000200:
			ft.enqueue(deviceReply(0, command, totalPowerRecord(power)), "10.0.0.5")
		case 0x53800200:
			ft.enqueue(deviceReply(0, command, dcPowerRecord(1, 1280)), "10.0.0.5")
		}
	}

	first, err := c.ReadAll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first.DC[1])
	assert.Equal(t, int64(2500), first.TotalACPower)
	assert.Equal(t, int64(1280), first.DC[1].Power)

	// Later reads keep mutating the session's own snapshot; states handed
	// out earlier must not move underneath their holders.
	power = 3100
	require.NoError(t, c.runQuery(context.Background(), "SpotACTotalPower"))
	assert.Equal(t, int64(3100), c.Snapshot().TotalACPower)
	assert.Equal(t, int64(2500), first.TotalACPower)

	// Nor can a holder reach back into the session through shared maps.
	first.DC[1].Power = 1
	assert.Equal(t, int64(1280), c.Snapshot().DC[1].Power)
	assert.NotSame(t, first, c.Snapshot())
}

func TestLogoutIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestClient(t, ft)
	authenticate(t, c, ft)

	require.NoError(t, c.Logout())
	assert.Equal(t, StateClosed, c.State())
	require.NoError(t, c.Logout())

	err := c.Login(context.Background(), "0000", protocol.UserGroupUser)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseReleasesTransport(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestClient(t, ft)

	require.NoError(t, c.Close())
	assert.True(t, ft.closed)
	require.NoError(t, c.Close())
}

func TestDiscoverCancelled(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestClient(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Discover(ctx, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}
