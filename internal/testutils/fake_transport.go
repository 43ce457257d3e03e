package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/srg/snoozy/internal/device"
)

// FakeTransport is a scripted device.Transport. Configure the exported fields
// before use; drive notifications with Notify and link loss with Drop.
type FakeTransport struct {
	KindValue   device.TransportKind
	Unavailable bool

	// Advertised is what Scan reports, in order.
	Advertised []device.DeviceDescriptor
	ScanErr    error

	ConnectErr error
	// ConnectGate, when set, holds Connect until it is closed.
	ConnectGate chan struct{}
	// ConnectIgnoresContext lets a gated Connect succeed after its context is cancelled.
	ConnectIgnoresContext bool

	DiscoverErr  error
	SubscribeErr error

	mu           sync.Mutex
	connected    map[string]bool
	connects     []string
	disconnects  []string
	subs         []*fakeSub
	subscribedCh chan struct{}
}

type fakeSub struct {
	onData       func([]byte)
	onDisconnect func(error)
	closed       bool
}

func NewFakeTransport(advertised ...device.DeviceDescriptor) *FakeTransport {
	return &FakeTransport{
		KindValue:    device.KindNative,
		Advertised:   advertised,
		connected:    make(map[string]bool),
		subscribedCh: make(chan struct{}, 16),
	}
}

func (f *FakeTransport) Kind() device.TransportKind { return f.KindValue }

func (f *FakeTransport) IsAvailable(context.Context) bool { return !f.Unavailable }

func (f *FakeTransport) Scan(ctx context.Context, opts device.ScanOptions, found func(device.DeviceDescriptor)) ([]device.DeviceDescriptor, error) {
	if f.ScanErr != nil {
		return nil, f.ScanErr
	}
	c := device.NewScanCollector(opts)
	for _, d := range f.Advertised {
		isNew, done := c.Add(d)
		if isNew && found != nil {
			found(d)
		}
		if done {
			return c.Finish()
		}
	}

	t := time.NewTimer(opts.WindowOrDefault())
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.Finish()
}

func (f *FakeTransport) Connect(ctx context.Context, id string) (device.DeviceHandle, error) {
	f.mu.Lock()
	f.connects = append(f.connects, id)
	gate := f.ConnectGate
	f.mu.Unlock()

	if gate != nil {
		if f.ConnectIgnoresContext {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return device.DeviceHandle{}, &device.ConnectionError{State: device.ConnectFailed, Device: id, Err: ctx.Err()}
			}
		}
	}
	if f.ConnectErr != nil {
		return device.DeviceHandle{}, f.ConnectErr
	}

	name := ""
	for _, d := range f.Advertised {
		if d.ID == id {
			name = d.Name
		}
	}

	f.mu.Lock()
	f.connected[id] = true
	f.mu.Unlock()
	return device.DeviceHandle{ID: id, Name: name, Kind: f.KindValue}, nil
}

func (f *FakeTransport) DiscoverCharacteristic(_ context.Context, h device.DeviceHandle, service, characteristic string) (device.CharacteristicHandle, error) {
	if f.DiscoverErr != nil {
		return device.CharacteristicHandle{}, f.DiscoverErr
	}
	return device.CharacteristicHandle{Device: h, Service: service, Characteristic: characteristic}, nil
}

func (f *FakeTransport) Subscribe(_ context.Context, _ device.CharacteristicHandle, onData func([]byte), onDisconnect func(error)) (device.Subscription, error) {
	if f.SubscribeErr != nil {
		return nil, f.SubscribeErr
	}
	sub := &fakeSub{onData: onData, onDisconnect: onDisconnect}

	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()

	select {
	case f.subscribedCh <- struct{}{}:
	default:
	}

	return device.SubscriptionFunc(func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		sub.closed = true
		return nil
	}), nil
}

func (f *FakeTransport) Disconnect(h device.DeviceHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, h.ID)
	delete(f.connected, h.ID)
}

// Subscribed is signalled after every successful Subscribe.
func (f *FakeTransport) Subscribed() <-chan struct{} { return f.subscribedCh }

func (f *FakeTransport) live() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.subs) - 1; i >= 0; i-- {
		if !f.subs[i].closed {
			return f.subs[i]
		}
	}
	return nil
}

// Notify delivers data to the newest open subscription. It reports false when
// no subscription is open.
func (f *FakeTransport) Notify(data []byte) bool {
	sub := f.live()
	if sub == nil {
		return false
	}
	sub.onData(data)
	return true
}

// NotifyStale delivers data to every subscription, closed ones included, the
// way a late callback from a torn-down link would.
func (f *FakeTransport) NotifyStale(data []byte) {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs...)
	f.mu.Unlock()
	for _, s := range subs {
		s.onData(data)
	}
}

// Drop simulates the device going away.
func (f *FakeTransport) Drop(err error) bool {
	sub := f.live()
	if sub == nil {
		return false
	}
	sub.onDisconnect(err)
	return true
}

func (f *FakeTransport) Connects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connects...)
}

func (f *FakeTransport) Disconnects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnects...)
}

// OpenSubscriptions counts subscriptions that have not been closed.
func (f *FakeTransport) OpenSubscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if !s.closed {
			n++
		}
	}
	return n
}

// IsConnected reports whether id is connected and not yet released.
func (f *FakeTransport) IsConnected(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[id]
}
