package session

import (
	"errors"

	"github.com/srg/snoozy/internal/codec"
	"github.com/srg/snoozy/internal/device"
	"github.com/srg/snoozy/internal/logstore"
)

// State is the controller's connection state.
type State int

const (
	Idle State = iota
	Scanning
	Connecting
	Subscribing
	Streaming
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// handshaking reports whether s is part of an in-flight Connect.
func (s State) handshaking() bool {
	return s == Scanning || s == Connecting || s == Subscribing
}

// ErrorKind is the user-facing error taxonomy.
type ErrorKind string

const (
	KindCapabilityUnavailable    ErrorKind = "capability_unavailable"
	KindDeviceNotFound           ErrorKind = "device_not_found"
	KindConnection               ErrorKind = "connection_error"
	KindSubscribe                ErrorKind = "subscribe_error"
	KindMalformedFrame           ErrorKind = "malformed_frame"
	KindWrite                    ErrorKind = "write_error"
	KindDisconnectedUnexpectedly ErrorKind = "disconnected_unexpectedly"
	KindCanceled                 ErrorKind = "canceled"
	KindUnknown                  ErrorKind = "unknown"
)

var (
	// ErrBusy is returned by Connect while another attempt or session is active.
	ErrBusy = errors.New("session busy")

	// ErrCanceled is returned by a Connect that was interrupted by Disconnect.
	ErrCanceled = errors.New("connect canceled")
)

// Classify maps an error from any layer to its ErrorKind.
func Classify(err error) ErrorKind {
	var (
		notFound *device.DeviceNotFoundError
		connErr  *device.ConnectionError
		subErr   *device.SubscribeError
		gattErr  *device.NotFoundError
		frameErr *codec.MalformedFrameError
		writeErr *logstore.WriteError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCanceled):
		return KindCanceled
	case errors.Is(err, device.ErrCapabilityUnavailable):
		return KindCapabilityUnavailable
	case errors.Is(err, device.ErrDisconnected):
		return KindDisconnectedUnexpectedly
	case errors.As(err, &notFound):
		return KindDeviceNotFound
	case errors.As(err, &subErr), errors.As(err, &gattErr):
		return KindSubscribe
	case errors.As(err, &connErr):
		return KindConnection
	case errors.As(err, &frameErr):
		return KindMalformedFrame
	case errors.As(err, &writeErr):
		return KindWrite
	default:
		return KindUnknown
	}
}

// EventType discriminates Event.
type EventType int

const (
	EventStateChanged EventType = iota
	EventSample
	EventError
)

// Event is delivered to observers in the order it was produced.
type Event struct {
	Type    EventType
	State   State
	Device  string
	Sample  codec.Sample
	Err     error
	ErrKind ErrorKind
}
