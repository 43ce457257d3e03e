package goble

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/snoozy/internal/device"
)

// Radio is the slice of ble.Device the transport drives.
type Radio interface {
	Scan(ctx context.Context, allowDup bool, handler func(device.DeviceDescriptor)) error
	Dial(ctx context.Context, id string) (GATTClient, error)
}

// GATTClient is the slice of ble.Client used once a link is up.
type GATTClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// DeviceFactory opens the host radio (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (Radio, error) {
	dev, err := newPlatformDevice()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return &bleRadio{dev: dev}, nil
}

// bleRadio adapts ble.Device to Radio.
type bleRadio struct {
	dev ble.Device
}

func (r *bleRadio) Scan(ctx context.Context, allowDup bool, handler func(device.DeviceDescriptor)) error {
	err := r.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(descriptorOf(adv))
	})
	return NormalizeError(err)
}

func (r *bleRadio) Dial(ctx context.Context, id string) (GATTClient, error) {
	client, err := r.dev.Dial(ctx, ble.NewAddr(id))
	if err != nil {
		return nil, NormalizeError(err)
	}
	return client, nil
}

func descriptorOf(adv ble.Advertisement) device.DeviceDescriptor {
	rssi := adv.RSSI()
	return device.DeviceDescriptor{
		ID:   adv.Addr().String(),
		Name: strings.TrimSpace(adv.LocalName()),
		RSSI: &rssi,
	}
}

// NormalizeError maps go-ble error strings to the device error sentinels.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "central manager has invalid state"),
		strings.Contains(msg, "bluetooth is turned off"),
		strings.Contains(msg, "can't init hci"),
		strings.Contains(msg, "operation not permitted"):
		return fmt.Errorf("%w: %v", device.ErrCapabilityUnavailable, err)
	case strings.Contains(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	default:
		return device.NormalizeError(err)
	}
}
