package device

import (
	"context"
	"time"
)

// TransportKind names a transport variant. Exactly one is chosen at process start.
type TransportKind string

const (
	KindNative TransportKind = "native"
	KindWebBT  TransportKind = "webbt"
	KindBridge TransportKind = "bridge"
)

// DefaultScanWindow bounds a scan when the caller does not set one.
const DefaultScanWindow = 10 * time.Second

// DeviceDescriptor is what a scan reports for each peripheral it sees.
//
//nolint:revive // DeviceDescriptor name is intentional for clarity when used as device.DeviceDescriptor
type DeviceDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	RSSI *int   `json:"rssi,omitempty"`
}

// DeviceHandle identifies a connected peripheral. It is owned by whoever
// called Connect and must be released with Transport.Disconnect.
//
//nolint:revive // DeviceHandle name is intentional for clarity when used as device.DeviceHandle
type DeviceHandle struct {
	ID   string        `json:"id"`
	Name string        `json:"name,omitempty"`
	Kind TransportKind `json:"kind"`
}

// CharacteristicHandle addresses a discovered characteristic on a connected device.
type CharacteristicHandle struct {
	Device         DeviceHandle `json:"device"`
	Service        string       `json:"service"`
	Characteristic string       `json:"characteristic"`
}

// ScanOptions controls a scan. With Name or ID set the scan resolves on the
// first matching advertisement instead of running the full window.
type ScanOptions struct {
	Name   string
	ID     string
	Window time.Duration
}

// Filtered reports whether the scan resolves early on a match.
func (o ScanOptions) Filtered() bool {
	return o.Name != "" || o.ID != ""
}

// Matches reports whether d satisfies the filter. An unfiltered scan matches everything.
func (o ScanOptions) Matches(d DeviceDescriptor) bool {
	if o.ID != "" && d.ID != o.ID {
		return false
	}
	if o.Name != "" && d.Name != o.Name {
		return false
	}
	return true
}

// WindowOrDefault returns the scan window, falling back to DefaultScanWindow.
func (o ScanOptions) WindowOrDefault() time.Duration {
	if o.Window <= 0 {
		return DefaultScanWindow
	}
	return o.Window
}

// NotFound builds the error a scan returns when nothing matched.
func (o ScanOptions) NotFound() *DeviceNotFoundError {
	return &DeviceNotFoundError{Name: o.Name, ID: o.ID, Window: o.WindowOrDefault().String()}
}

// Subscription is the disposer returned by Transport.Subscribe. Close detaches
// the notification listener and is safe to call more than once.
type Subscription interface {
	Close() error
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Close() error { return f() }

// Transport is the contract every BLE host environment implements.
//
// Mid-stream radio failures are never returned from a call; they are delivered
// through the onDisconnect callback given to Subscribe.
type Transport interface {
	Kind() TransportKind

	// IsAvailable reports whether the host has a usable BLE stack. It never errors.
	IsAvailable(ctx context.Context) bool

	// Scan reports every distinct peripheral to found as it is seen and returns the
	// matching descriptors once the window elapses or, for filtered scans, on the
	// first match. Zero matches yields *DeviceNotFoundError.
	Scan(ctx context.Context, opts ScanOptions, found func(DeviceDescriptor)) ([]DeviceDescriptor, error)

	// Connect dials a peripheral by id. Failures are *ConnectionError.
	Connect(ctx context.Context, id string) (DeviceHandle, error)

	// DiscoverCharacteristic locates a characteristic. Absence is *NotFoundError.
	DiscoverCharacteristic(ctx context.Context, h DeviceHandle, service, characteristic string) (CharacteristicHandle, error)

	// Subscribe enables notifications. Refusal is *SubscribeError.
	Subscribe(ctx context.Context, ch CharacteristicHandle, onData func([]byte), onDisconnect func(error)) (Subscription, error)

	// Disconnect releases the device. Best effort, never fails.
	Disconnect(h DeviceHandle)
}
