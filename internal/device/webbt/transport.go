package webbt

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/snoozy/internal/device"
	"github.com/srg/snoozy/internal/ipc"
)

// Page methods, Go → browser.
const (
	MethodAvailable          = "bt.available"
	MethodRequestDevice      = "bt.requestDevice"
	MethodConnect            = "bt.connect"
	MethodGetCharacteristic  = "bt.getCharacteristic"
	MethodStartNotifications = "bt.startNotifications"
	MethodStopNotifications  = "bt.stopNotifications"
	MethodDisconnect         = "bt.disconnect"
)

// Page events, browser → Go.
const (
	EventValue        = "bt.value"
	EventDisconnected = "bt.disconnected"
)

// Error codes the page reports.
const (
	CodeUnavailable = "bt.unavailable"
	CodeNotFound    = "bt.not_found"
	CodeCanceled    = "bt.canceled"
	CodeNetwork     = "bt.network"
	CodeNotAllowed  = "bt.not_allowed"
)

const releaseTimeout = 5 * time.Second

type availableResult struct {
	Available bool `json:"available"`
}

type requestDeviceParams struct {
	Name     string   `json:"name,omitempty"`
	Services []string `json:"services"`
	WindowMs int64    `json:"windowMs"`
}

type deviceResult struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type deviceParams struct {
	DeviceID string `json:"deviceId"`
}

type characteristicParams struct {
	DeviceID       string `json:"deviceId"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
}

type startParams struct {
	characteristicParams
	SubscriptionID string `json:"subscriptionId"`
}

type stopParams struct {
	SubscriptionID string `json:"subscriptionId"`
}

type valueEvent struct {
	SubscriptionID string `json:"subscriptionId"`
	Value          string `json:"value"`
}

type disconnectedEvent struct {
	DeviceID string `json:"deviceId"`
}

// decodeValue turns the page's base64 DataView copy back into bytes.
func decodeValue(v string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(v)
}

// webUUID renders a UUID in the dashed lowercase form Web Bluetooth requires.
func webUUID(u string) string {
	n := device.NormalizeUUID(u)
	switch len(n) {
	case 4:
		n = "0000" + n + "00001000800000805f9b34fb"
	case 8:
		n += "00001000800000805f9b34fb"
	}
	if len(n) != 32 {
		return strings.ToLower(u)
	}
	return n[0:8] + "-" + n[8:12] + "-" + n[12:16] + "-" + n[16:20] + "-" + n[20:32]
}

func (r *Relay) Kind() device.TransportKind { return device.KindWebBT }

// IsAvailable reports whether a page is attached and its browser has Bluetooth.
func (r *Relay) IsAvailable(ctx context.Context) bool {
	p, err := r.current()
	if err != nil {
		return false
	}
	var res availableResult
	if err := p.Call(ctx, MethodAvailable, struct{}{}, &res); err != nil {
		r.logger.WithError(err).Debug("Page availability check failed")
		return false
	}
	return res.Available
}

// Scan asks the page to open the browser's device chooser, filtered to the
// wanted name and the UART service. The chooser yields at most one device.
func (r *Relay) Scan(ctx context.Context, opts device.ScanOptions, found func(device.DeviceDescriptor)) ([]device.DeviceDescriptor, error) {
	p, err := r.current()
	if err != nil {
		return nil, err
	}

	window := opts.WindowOrDefault()
	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var res deviceResult
	err = p.Call(scanCtx, MethodRequestDevice, requestDeviceParams{
		Name:     opts.Name,
		Services: []string{webUUID(device.UARTServiceUUID)},
		WindowMs: window.Milliseconds(),
	}, &res)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(scanCtx.Err(), context.DeadlineExceeded):
		return nil, opts.NotFound()
	default:
		switch ipc.RemoteCode(err) {
		case CodeNotFound, CodeCanceled:
			return nil, opts.NotFound()
		case CodeUnavailable, CodeNotAllowed:
			return nil, fmt.Errorf("%w: %v", device.ErrCapabilityUnavailable, err)
		}
		return nil, err
	}

	d := device.DeviceDescriptor{ID: res.ID, Name: res.Name}
	if !opts.Matches(d) {
		return nil, opts.NotFound()
	}
	if found != nil {
		found(d)
	}
	return []device.DeviceDescriptor{d}, nil
}

func (r *Relay) Connect(ctx context.Context, id string) (device.DeviceHandle, error) {
	p, err := r.current()
	if err != nil {
		return device.DeviceHandle{}, err
	}
	var res deviceResult
	if err := p.Call(ctx, MethodConnect, deviceParams{DeviceID: id}, &res); err != nil {
		state := device.ConnectFailed
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			state = device.ConnectTimeout
		}
		return device.DeviceHandle{}, &device.ConnectionError{State: state, Device: id, Err: err}
	}
	return device.DeviceHandle{ID: res.ID, Name: res.Name, Kind: device.KindWebBT}, nil
}

func (r *Relay) DiscoverCharacteristic(ctx context.Context, h device.DeviceHandle, service, characteristic string) (device.CharacteristicHandle, error) {
	p, err := r.current()
	if err != nil {
		return device.CharacteristicHandle{}, err
	}
	params := characteristicParams{DeviceID: h.ID, Service: webUUID(service), Characteristic: webUUID(characteristic)}
	if err := p.Call(ctx, MethodGetCharacteristic, params, nil); err != nil {
		if ipc.RemoteCode(err) == CodeNotFound {
			return device.CharacteristicHandle{}, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
		}
		return device.CharacteristicHandle{}, &device.ConnectionError{State: device.NotConnected, Device: h.ID, Err: err}
	}
	return device.CharacteristicHandle{Device: h, Service: service, Characteristic: characteristic}, nil
}

func (r *Relay) Subscribe(ctx context.Context, ch device.CharacteristicHandle, onData func([]byte), onDisconnect func(error)) (device.Subscription, error) {
	p, err := r.current()
	if err != nil {
		return nil, &device.SubscribeError{Characteristic: ch.Characteristic, Err: err}
	}

	subID := uuid.NewString()
	r.subs.Set(subID, &pageSub{deviceID: ch.Device.ID, onData: onData, onDisconnect: onDisconnect})

	err = p.Call(ctx, MethodStartNotifications, startParams{
		characteristicParams: characteristicParams{
			DeviceID:       ch.Device.ID,
			Service:        webUUID(ch.Service),
			Characteristic: webUUID(ch.Characteristic),
		},
		SubscriptionID: subID,
	}, nil)
	if err != nil {
		r.subs.Del(subID)
		return nil, &device.SubscribeError{Characteristic: ch.Characteristic, Err: err}
	}
	r.logger.WithFields(logrus.Fields{"id": ch.Device.ID, "charUUID": ch.Characteristic}).Info("Notifications started in page")

	var once sync.Once
	return device.SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			if _, live := r.subs.Get(subID); !live {
				return
			}
			r.subs.Del(subID)
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			err = p.Call(ctx, MethodStopNotifications, stopParams{SubscriptionID: subID}, nil)
		})
		return err
	}), nil
}

func (r *Relay) Disconnect(h device.DeviceHandle) {
	r.subs.Range(func(id string, sub *pageSub) bool {
		if sub.deviceID == h.ID {
			r.subs.Del(id)
		}
		return true
	})

	p, err := r.current()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := p.Call(ctx, MethodDisconnect, deviceParams{DeviceID: h.ID}, nil); err != nil {
		r.logger.WithField("id", h.ID).WithError(err).Debug("Page disconnect failed")
	}
}
