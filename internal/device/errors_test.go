package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *NotFoundError
		expected string
	}{
		{"no uuids", &NotFoundError{Resource: "service"}, "service not found"},
		{"service", &NotFoundError{Resource: "service", UUIDs: []string{"180d"}}, `service "180d" not found`},
		{
			"characteristic in service",
			&NotFoundError{Resource: "characteristic", UUIDs: []string{UARTServiceUUID, UARTNotifyUUID}},
			`characteristic "6e400003-b5a3-f393-e0a9-e50e24dcca9e" not found in service "6e400001-b5a3-f393-e0a9-e50e24dcca9e"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestConnectionError_IsComparesState(t *testing.T) {
	cause := errors.New("le-connection-abort")
	err := fmt.Errorf("dial: %w", &ConnectionError{State: ConnectFailed, Device: "abc", Err: cause})

	assert.ErrorIs(t, err, ErrConnectFailed, "MUST match sentinel by state")
	assert.NotErrorIs(t, err, ErrConnectTimeout, "MUST NOT match a different state")
	assert.ErrorIs(t, err, cause, "MUST unwrap to the underlying cause")
	assert.True(t, IsConnectionState(err, ConnectFailed))
	assert.Equal(t, `dial: connect_failed "abc": le-connection-abort`, err.Error())
}

func TestConnectionError_NilSafe(t *testing.T) {
	var err *ConnectionError
	assert.Equal(t, "<nil>", err.Error())
	assert.False(t, err.Is(ErrNotConnected))
	assert.NoError(t, err.Unwrap())
}

func TestSubscribeError_Unwrap(t *testing.T) {
	cause := errors.New("cccd write rejected")
	err := &SubscribeError{Characteristic: UARTNotifyUUID, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "cccd write rejected")
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name   string
		in     error
		target error
	}{
		{"not connected", errors.New("Device Not Connected"), ErrNotConnected},
		{"already connected", errors.New("device already connected"), ErrAlreadyConnected},
		{"not initialized", errors.New("connection is not initialized"), ErrNotInitialized},
		{"powered off", errors.New("central manager state: powered off"), ErrCapabilityUnavailable},
		{"hci missing", errors.New("can't init hci: no such device"), ErrCapabilityUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.in)
			require.Error(t, got)
			assert.ErrorIs(t, got, tt.target)
			assert.Contains(t, got.Error(), tt.in.Error(), "MUST keep original message")
		})
	}

	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, NormalizeError(nil))
	})

	t.Run("unknown passes through", func(t *testing.T) {
		orig := errors.New("something else")
		assert.Same(t, orig, NormalizeError(orig))
	})
}

func TestDeviceNotFoundError_Error(t *testing.T) {
	assert.Equal(t, `no device named "Snoozy" found within 10s`,
		ScanOptions{Name: "Snoozy"}.NotFound().Error())
	assert.Equal(t, `device "abc" not found within 2s`,
		(&DeviceNotFoundError{ID: "abc", Window: "2s"}).Error())
	assert.Equal(t, "no devices found within 10s", ScanOptions{}.NotFound().Error())
}
