package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/snoozy/internal/device"
	"github.com/srg/snoozy/internal/groutine"
	"github.com/srg/snoozy/internal/ipc"
)

// releaseTimeout bounds the best-effort unsubscribe and disconnect calls.
const releaseTimeout = 5 * time.Second

// Transport is the client side of the bridge.
type Transport struct {
	peer   ipc.Caller
	logger *logrus.Logger

	scans *hashmap.Map[string, func(device.DeviceDescriptor)]
	subs  *hashmap.Map[string, *remoteSub]
}

type remoteSub struct {
	deviceID     string
	onData       func([]byte)
	onDisconnect func(error)
}

var _ device.Transport = (*Transport)(nil)

// NewTransport builds a client over peer. Register must be called on the
// same connection's Registrar before it starts reading.
func NewTransport(peer ipc.Caller, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		peer:   peer,
		logger: logger,
		scans:  hashmap.New[string, func(device.DeviceDescriptor)](),
		subs:   hashmap.New[string, *remoteSub](),
	}
}

// Dial connects to a host's IPC endpoint.
func Dial(ctx context.Context, url string, logger *logrus.Logger) (*Transport, *ipc.Peer, error) {
	t := NewTransport(nil, logger)
	peer, err := ipc.Dial(ctx, url, "bridge", logger, t.Register)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", device.ErrCapabilityUnavailable, err)
	}
	t.peer = peer
	groutine.Go(context.Background(), "bridge-peer-monitor", func(context.Context) {
		<-peer.Done()
		t.dropAll(fmt.Errorf("%w: host connection closed", device.ErrDisconnected))
	})
	return t, peer, nil
}

// Register installs the host → client event handlers.
func (t *Transport) Register(r ipc.Registrar) {
	r.OnEvent(EventDiscovered, func(payload json.RawMessage) {
		var ev discoveredEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.logger.WithError(err).Warn("Bad discovery event")
			return
		}
		if found, ok := t.scans.Get(ev.ScanID); ok && found != nil {
			found(ev.Device)
		}
	})

	r.OnEvent(EventData, func(payload json.RawMessage) {
		var ev dataEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.logger.WithError(err).Warn("Bad data event")
			return
		}
		if sub, ok := t.subs.Get(ev.SubscriptionID); ok {
			sub.onData(ev.Data)
		}
	})

	r.OnEvent(EventDisconnected, func(payload json.RawMessage) {
		var ev disconnectedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.logger.WithError(err).Warn("Bad disconnect event")
			return
		}
		sub, ok := t.subs.Get(ev.SubscriptionID)
		if !ok {
			return
		}
		t.subs.Del(ev.SubscriptionID)
		t.notifyLost(sub, fmt.Errorf("%w: %s", device.ErrDisconnected, ev.Reason))
	})
}

// notifyLost runs onDisconnect off the read loop: the callback is free to call
// back into the host.
func (t *Transport) notifyLost(sub *remoteSub, cause error) {
	groutine.Go(context.Background(), "bridge-disconnect", func(context.Context) {
		sub.onDisconnect(cause)
	})
}

func (t *Transport) dropAll(cause error) {
	var lost []*remoteSub
	t.subs.Range(func(id string, sub *remoteSub) bool {
		lost = append(lost, sub)
		t.subs.Del(id)
		return true
	})
	for _, sub := range lost {
		t.notifyLost(sub, cause)
	}
}

func (t *Transport) Kind() device.TransportKind { return device.KindBridge }

func (t *Transport) IsAvailable(ctx context.Context) bool {
	var res availableResult
	if err := t.peer.Call(ctx, MethodAvailable, struct{}{}, &res); err != nil {
		t.logger.WithError(err).Debug("Host availability check failed")
		return false
	}
	return res.Available
}

func (t *Transport) Scan(ctx context.Context, opts device.ScanOptions, found func(device.DeviceDescriptor)) ([]device.DeviceDescriptor, error) {
	scanID := uuid.NewString()
	t.scans.Set(scanID, found)
	defer t.scans.Del(scanID)

	var res scanResult
	err := t.peer.Call(ctx, MethodScan, scanParams{
		ScanID:   scanID,
		Name:     opts.Name,
		ID:       opts.ID,
		WindowMs: opts.WindowOrDefault().Milliseconds(),
	}, &res)
	if err != nil {
		return nil, remote{scan: opts}.decode(err)
	}
	if len(res.Devices) == 0 {
		return nil, opts.NotFound()
	}
	return res.Devices, nil
}

func (t *Transport) Connect(ctx context.Context, id string) (device.DeviceHandle, error) {
	p := connectParams{ID: id}
	if dl, ok := ctx.Deadline(); ok {
		p.TimeoutMs = time.Until(dl).Milliseconds()
	}

	var h device.DeviceHandle
	if err := t.peer.Call(ctx, MethodConnect, p, &h); err != nil {
		if ctx.Err() != nil {
			return device.DeviceHandle{}, &device.ConnectionError{State: device.ConnectTimeout, Device: id, Err: ctx.Err()}
		}
		return device.DeviceHandle{}, remote{deviceID: id}.decode(err)
	}
	h.Kind = device.KindBridge
	return h, nil
}

func (t *Transport) DiscoverCharacteristic(ctx context.Context, h device.DeviceHandle, service, characteristic string) (device.CharacteristicHandle, error) {
	var ch device.CharacteristicHandle
	err := t.peer.Call(ctx, MethodDiscover, discoverParams{Device: h, Service: service, Characteristic: characteristic}, &ch)
	if err != nil {
		return device.CharacteristicHandle{}, remote{deviceID: h.ID, service: service, characteristic: characteristic}.decode(err)
	}
	ch.Device = h
	return ch, nil
}

func (t *Transport) Subscribe(ctx context.Context, ch device.CharacteristicHandle, onData func([]byte), onDisconnect func(error)) (device.Subscription, error) {
	// Registered before the call: the first notification may beat the response.
	subID := uuid.NewString()
	t.subs.Set(subID, &remoteSub{deviceID: ch.Device.ID, onData: onData, onDisconnect: onDisconnect})

	err := t.peer.Call(ctx, MethodSubscribe, subscribeParams{SubscriptionID: subID, Characteristic: ch}, nil)
	if err != nil {
		t.subs.Del(subID)
		err = remote{deviceID: ch.Device.ID, service: ch.Service, characteristic: ch.Characteristic}.decode(err)
		if _, ok := err.(*device.SubscribeError); !ok {
			err = &device.SubscribeError{Characteristic: ch.Characteristic, Err: err}
		}
		return nil, err
	}

	var once sync.Once
	return device.SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			if _, live := t.subs.Get(subID); !live {
				return
			}
			t.subs.Del(subID)
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			err = t.peer.Call(ctx, MethodUnsubscribe, subscriptionParams{SubscriptionID: subID}, nil)
		})
		return err
	}), nil
}

func (t *Transport) Disconnect(h device.DeviceHandle) {
	t.subs.Range(func(id string, sub *remoteSub) bool {
		if sub.deviceID == h.ID {
			t.subs.Del(id)
		}
		return true
	})

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := t.peer.Call(ctx, MethodDisconnect, disconnectParams{Device: h}, nil); err != nil {
		t.logger.WithFields(logrus.Fields{"id": h.ID}).WithError(err).Debug("Host disconnect failed")
	}
}
