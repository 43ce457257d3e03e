// Package bridge carries the device.Transport contract across a process
// boundary. A host process that owns the radio runs Serve; a client process
// talks to it through Transport.
package bridge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/snoozy/internal/device"
	"github.com/srg/snoozy/internal/ipc"
)

// Requests, client → host.
const (
	MethodAvailable   = "ble.available"
	MethodScan        = "ble.scan"
	MethodConnect     = "ble.connect"
	MethodDiscover    = "ble.discover"
	MethodSubscribe   = "ble.subscribe"
	MethodUnsubscribe = "ble.unsubscribe"
	MethodDisconnect  = "ble.disconnect"
)

// Events, host → client.
const (
	EventDiscovered   = "ble.discovered"
	EventData         = "ble.data"
	EventDisconnected = "ble.disconnected"
)

// Error codes. Connection and not-found codes carry a ":<detail>" suffix.
const (
	CodeUnavailable    = "ble.unavailable"
	CodeDeviceNotFound = "ble.device_not_found"
	CodeConnection     = "ble.connection"
	CodeNotFound       = "ble.not_found"
	CodeSubscribe      = "ble.subscribe"
)

type availableResult struct {
	Available bool `json:"available"`
}

type scanParams struct {
	ScanID   string `json:"scanId"`
	Name     string `json:"name,omitempty"`
	ID       string `json:"id,omitempty"`
	WindowMs int64  `json:"windowMs"`
}

type scanResult struct {
	Devices []device.DeviceDescriptor `json:"devices"`
}

type discoveredEvent struct {
	ScanID string                  `json:"scanId"`
	Device device.DeviceDescriptor `json:"device"`
}

type connectParams struct {
	ID        string `json:"id"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

type discoverParams struct {
	Device         device.DeviceHandle `json:"device"`
	Service        string              `json:"service"`
	Characteristic string              `json:"characteristic"`
}

type subscribeParams struct {
	SubscriptionID string                      `json:"subscriptionId"`
	Characteristic device.CharacteristicHandle `json:"characteristic"`
}

type subscriptionParams struct {
	SubscriptionID string `json:"subscriptionId"`
}

type dataEvent struct {
	SubscriptionID string `json:"subscriptionId"`
	Data           []byte `json:"data"`
}

type disconnectedEvent struct {
	SubscriptionID string `json:"subscriptionId"`
	Reason         string `json:"reason,omitempty"`
}

type disconnectParams struct {
	Device device.DeviceHandle `json:"device"`
}

// encodeError tags a transport error so the client can rebuild its type.
func encodeError(err error) error {
	var (
		notFound *device.DeviceNotFoundError
		subErr   *device.SubscribeError
		gattErr  *device.NotFoundError
		connErr  *device.ConnectionError
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, device.ErrCapabilityUnavailable):
		return ipc.WithCode(CodeUnavailable, err)
	case errors.As(err, &notFound):
		return ipc.WithCode(CodeDeviceNotFound, err)
	case errors.As(err, &subErr):
		return ipc.WithCode(CodeSubscribe, err)
	case errors.As(err, &gattErr):
		return ipc.WithCode(CodeNotFound+":"+gattErr.Resource, err)
	case errors.As(err, &connErr):
		return ipc.WithCode(CodeConnection+":"+string(connErr.State), err)
	default:
		return err
	}
}

// remote describes what the client was doing when a call failed, so that the
// rebuilt error carries the client's view of the request.
type remote struct {
	scan           device.ScanOptions
	deviceID       string
	service        string
	characteristic string
}

func (r remote) decode(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ipc.ErrClosed) {
		return &device.ConnectionError{State: device.NotConnected, Device: r.deviceID, Msg: "host unreachable", Err: err}
	}

	code, detail, _ := strings.Cut(ipc.RemoteCode(err), ":")
	switch code {
	case CodeUnavailable:
		return fmt.Errorf("%w: %v", device.ErrCapabilityUnavailable, err)
	case CodeDeviceNotFound:
		return r.scan.NotFound()
	case CodeConnection:
		return &device.ConnectionError{State: device.ConnectionState(detail), Device: r.deviceID, Err: err}
	case CodeNotFound:
		uuids := []string{r.service}
		if detail == "characteristic" {
			uuids = append(uuids, r.characteristic)
		}
		return &device.NotFoundError{Resource: detail, UUIDs: uuids}
	case CodeSubscribe:
		return &device.SubscribeError{Characteristic: r.characteristic, Err: err}
	default:
		return err
	}
}
