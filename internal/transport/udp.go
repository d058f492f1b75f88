// Package transport provides the UDP socket layer for Speedwire
// communication: unicast request/response plus multicast discovery on
// the fixed group address.
package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

// ErrTimeout signals that no datagram arrived within the receive window.
var ErrTimeout = errors.New("receive timeout")

const maxDatagramSize = 8192

// Transport abstracts the socket layer so the session logic can be
// exercised against an in-memory fake.
type Transport interface {
	// Send transmits a datagram to the given host. The host may carry an
	// explicit ":port"; otherwise the protocol port is used.
	Send(p []byte, host string) (int, error)

	// SendMulticast transmits a datagram to the discovery group.
	SendMulticast(p []byte) (int, error)

	// Receive blocks until a datagram arrives or the timeout elapses,
	// returning the payload and the sender's address.
	Receive(timeout time.Duration) ([]byte, string, error)

	// Close releases the socket. Safe to call more than once.
	Close() error
}

// UDPTransport is the production Transport: one UDP socket used for both
// unicast exchanges and multicast probes, joined to the discovery group
// so probe replies sent to the group are also seen.
type UDPTransport struct {
	conn      *net.UDPConn
	pktConn   *ipv4.PacketConn
	group     *net.UDPAddr
	port      int
	logger    zerolog.Logger
	closeOnce sync.Once
	closeErr  error
}

// NewUDPTransport opens a socket bound to the wildcard address and joins
// the multicast group on every eligible interface. Join failures on
// individual interfaces are logged and tolerated; unicast operation does
// not depend on them.
func NewUDPTransport(group string, port int, logger zerolog.Logger) (*UDPTransport, error) {
	groupAddr := &net.UDPAddr{IP: net.ParseIP(group), Port: port}
	if groupAddr.IP == nil {
		return nil, fmt.Errorf("invalid multicast group %q", group)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to open UDP socket: %w", err)
	}

	t := &UDPTransport{
		conn:    conn,
		pktConn: ipv4.NewPacketConn(conn),
		group:   groupAddr,
		port:    port,
		logger:  logger.With().Str("component", "transport").Logger(),
	}

	joined := 0
	ifaces, err := net.Interfaces()
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to enumerate interfaces for multicast join")
	}
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := t.pktConn.JoinGroup(iface, groupAddr); err != nil {
			t.logger.Debug().Err(err).Str("interface", iface.Name).Msg("Multicast join failed")
			continue
		}
		joined++
	}
	if err := t.pktConn.SetMulticastLoopback(false); err != nil {
		t.logger.Debug().Err(err).Msg("Failed to disable multicast loopback")
	}

	t.logger.Debug().
		Int("joined_interfaces", joined).
		Str("local_addr", conn.LocalAddr().String()).
		Msg("UDP transport ready")
	return t, nil
}

// Send transmits a datagram to the given host, defaulting to the
// protocol port when the host carries none.
func (t *UDPTransport) Send(p []byte, host string) (int, error) {
	addr, err := t.resolve(host)
	if err != nil {
		return 0, err
	}
	n, err := t.conn.WriteToUDP(p, addr)
	if err != nil {
		return n, fmt.Errorf("failed to send to %s: %w", addr, err)
	}
	return n, nil
}

// SendMulticast transmits a datagram to the discovery group.
func (t *UDPTransport) SendMulticast(p []byte) (int, error) {
	n, err := t.conn.WriteToUDP(p, t.group)
	if err != nil {
		return n, fmt.Errorf("failed to send multicast: %w", err)
	}
	return n, nil
}

// Receive blocks for one datagram. A deadline expiry maps to ErrTimeout
// so callers can distinguish silence from socket failure.
func (t *UDPTransport) Receive(timeout time.Duration) ([]byte, string, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, "", fmt.Errorf("failed to set read deadline: %w", err)
	}
	buf := make([]byte, maxDatagramSize)
	n, sender, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, "", ErrTimeout
		}
		return nil, "", fmt.Errorf("receive failed: %w", err)
	}
	return buf[:n], sender.IP.String(), nil
}

// LocalPort returns the ephemeral port the socket is bound to. Used by
// tests that need to address the transport directly.
func (t *UDPTransport) LocalPort() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close leaves the multicast group and releases the socket. Idempotent.
func (t *UDPTransport) Close() error {
	t.closeOnce.Do(func() {
		ifaces, _ := net.Interfaces()
		for i := range ifaces {
			// Leave errors are irrelevant once the socket goes away.
			_ = t.pktConn.LeaveGroup(&ifaces[i], t.group)
		}
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *UDPTransport) resolve(host string) (*net.UDPAddr, error) {
	if h, p, err := net.SplitHostPort(host); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port in %q: %w", host, err)
		}
		host = h
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("invalid address %q", host)
		}
		return &net.UDPAddr{IP: ip, Port: port}, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("invalid address %q", host)
	}
	return &net.UDPAddr{IP: ip, Port: t.port}, nil
}
