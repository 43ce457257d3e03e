package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// DeviceNotFoundError is returned when a scan window elapses without a match.
//
//nolint:revive // DeviceNotFoundError reads better than NotFound at call sites
type DeviceNotFoundError struct {
	Name   string
	ID     string
	Window string
}

func (e *DeviceNotFoundError) Error() string {
	switch {
	case e.ID != "":
		return fmt.Sprintf("device %q not found within %s", e.ID, e.Window)
	case e.Name != "":
		return fmt.Sprintf("no device named %q found within %s", e.Name, e.Window)
	default:
		return fmt.Sprintf("no devices found within %s", e.Window)
	}
}

// ConnectionState represents the specific kind of connection failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
	ConnectFailed    ConnectionState = "connect_failed"
	ConnectTimeout   ConnectionState = "connect_timeout"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State  ConnectionState
	Device string
	Msg    string
	Err    error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.State))
	if e.Device != "" {
		fmt.Fprintf(&b, " %q", e.Device)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
	ErrConnectFailed    = &ConnectionError{State: ConnectFailed}
	ErrConnectTimeout   = &ConnectionError{State: ConnectTimeout}
)

// SubscribeError is returned when enabling notifications is refused.
type SubscribeError struct {
	Characteristic string
	Err            error
}

func (e *SubscribeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("subscribe to %q failed", e.Characteristic)
	}
	return fmt.Sprintf("subscribe to %q failed: %v", e.Characteristic, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

var (
	// ErrCapabilityUnavailable reports that the host has no usable BLE stack.
	ErrCapabilityUnavailable = errors.New("bluetooth capability unavailable")

	// ErrDisconnected is delivered to disconnect callbacks when the link drops
	// without the local side asking for it.
	ErrDisconnected = errors.New("device disconnected")

	ErrTimeout = errors.New("timeout")
)

// NormalizeError maps known BLE stack error strings to structured ConnectionError types.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	case containsIgnoreCase(msg, "powered off"), containsIgnoreCase(msg, "unsupported"),
		containsIgnoreCase(msg, "unauthorized"), containsIgnoreCase(msg, "no such device"):
		return fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	default:
		return err
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}
