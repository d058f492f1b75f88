package client

import (
	"errors"
	"fmt"
)

// ErrNotIdentified is returned when an operation requires a completed
// connection handshake.
var ErrNotIdentified = errors.New("no device connected")

// ErrNotAuthenticated is returned when a data request is attempted
// before a successful login.
var ErrNotAuthenticated = errors.New("session not authenticated")

// ErrClosed is returned when an operation is attempted on a closed session.
var ErrClosed = errors.New("session closed")

// ConnectivityError means the device never answered within the timeout,
// after the retry ceiling was exhausted. The caller decides whether to
// re-attempt at a higher level.
type ConnectivityError struct {
	Op       string
	Attempts int
}

func (e *ConnectivityError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s: no response from device after %d attempts", e.Op, e.Attempts)
	}
	return fmt.Sprintf("%s: no response from device", e.Op)
}

// AuthenticationError means the device explicitly rejected the credentials.
/// Never retried: the same credentials cannot succeed on a second attempt.
type AuthenticationError struct {
	Code uint16
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("login rejected: invalid credentials (code 0x%04X)", e.Code)
}

// DeviceRejectedError carries a non-zero device error code from any
// exchange other than a credential rejection, preserved for diagnostics.
type DeviceRejectedError struct {
	Op   string
	Code uint16
}

func (e *DeviceRejectedError) Error() string {
	return fmt.Sprintf("%s: device rejected request with code 0x%04X", e.Op, e.Code)
}
