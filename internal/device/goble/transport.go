// Package goble is the native transport: it drives the host Bluetooth stack
// in-process through go-ble (HCI on Linux, CoreBluetooth on macOS).
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/snoozy/internal/device"
	"github.com/srg/snoozy/internal/groutine"
)

// Transport implements device.Transport over go-ble.
type Transport struct {
	logger *logrus.Logger

	radioOnce sync.Once
	radio     Radio
	radioErr  error

	// names remembers advertised names so a handle can be labelled after Connect.
	names *hashmap.Map[string, string]
	links *hashmap.Map[string, *link]
}

func New(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		logger: logger,
		names:  hashmap.New[string, string](),
		links:  hashmap.New[string, *link](),
	}
}

var _ device.Transport = (*Transport)(nil)

func (t *Transport) Kind() device.TransportKind { return device.KindNative }

func (t *Transport) openRadio() (Radio, error) {
	t.radioOnce.Do(func() {
		t.radio, t.radioErr = DeviceFactory()
		if t.radioErr != nil {
			t.logger.WithError(t.radioErr).Warn("Bluetooth adapter unavailable")
		}
	})
	return t.radio, t.radioErr
}

func (t *Transport) IsAvailable(context.Context) bool {
	_, err := t.openRadio()
	return err == nil
}

func (t *Transport) Scan(ctx context.Context, opts device.ScanOptions, found func(device.DeviceDescriptor)) ([]device.DeviceDescriptor, error) {
	radio, err := t.openRadio()
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, opts.WindowOrDefault())
	defer cancel()

	collector := device.NewScanCollector(opts)
	err = radio.Scan(scanCtx, false, func(d device.DeviceDescriptor) {
		if d.Name != "" {
			t.names.Set(d.ID, d.Name)
		}
		isNew, done := collector.Add(d)
		if isNew && found != nil {
			found(d)
		}
		if done {
			cancel()
		}
	})

	// The radio reports its own cancellation; only the caller's matters here.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	return collector.Finish()
}

func (t *Transport) Connect(ctx context.Context, id string) (device.DeviceHandle, error) {
	radio, err := t.openRadio()
	if err != nil {
		return device.DeviceHandle{}, err
	}
	if _, ok := t.links.Get(id); ok {
		return device.DeviceHandle{}, &device.ConnectionError{State: device.AlreadyConnected, Device: id}
	}

	t.logger.WithField("id", id).Debug("Dialing BLE device...")
	client, err := radio.Dial(ctx, id)
	if err != nil {
		state := device.ConnectFailed
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			state = device.ConnectTimeout
		}
		if errors.Is(err, device.ErrCapabilityUnavailable) {
			return device.DeviceHandle{}, err
		}
		return device.DeviceHandle{}, &device.ConnectionError{State: state, Device: id, Err: err}
	}

	name, _ := t.names.Get(id)
	l := newLink(id, name, client, t.logger)
	t.links.Set(id, l)
	l.monitor(func() {
		if cur, ok := t.links.Get(id); ok && cur == l {
			t.links.Del(id)
		}
	})

	t.logger.WithFields(logrus.Fields{"id": id, "name": name}).Info("BLE device connected successfully")
	return device.DeviceHandle{ID: id, Name: name, Kind: device.KindNative}, nil
}

func (t *Transport) DiscoverCharacteristic(_ context.Context, h device.DeviceHandle, service, characteristic string) (device.CharacteristicHandle, error) {
	l, ok := t.links.Get(h.ID)
	if !ok {
		return device.CharacteristicHandle{}, &device.ConnectionError{State: device.NotConnected, Device: h.ID}
	}
	if _, err := l.characteristic(service, characteristic); err != nil {
		return device.CharacteristicHandle{}, err
	}
	return device.CharacteristicHandle{Device: h, Service: service, Characteristic: characteristic}, nil
}

func (t *Transport) Subscribe(_ context.Context, ch device.CharacteristicHandle, onData func([]byte), onDisconnect func(error)) (device.Subscription, error) {
	l, ok := t.links.Get(ch.Device.ID)
	if !ok {
		return nil, &device.SubscribeError{
			Characteristic: ch.Characteristic,
			Err:            &device.ConnectionError{State: device.NotConnected, Device: ch.Device.ID},
		}
	}
	return l.subscribe(ch.Service, ch.Characteristic, onData, onDisconnect)
}

func (t *Transport) Disconnect(h device.DeviceHandle) {
	l, ok := t.links.Get(h.ID)
	if !ok {
		return
	}
	t.links.Del(h.ID)
	l.close()
}

// ----------------------------
// Link
// ----------------------------

// link is one live connection and its notification listeners.
type link struct {
	id     string
	name   string
	client GATTClient
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	profile   *ble.Profile
	listeners map[int]func(error)
	nextID    int
	closed    bool
}

func newLink(id, name string, client GATTClient, logger *logrus.Logger) *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		id:        id,
		name:      name,
		client:    client,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]func(error)),
	}
}

// monitor watches the client's Disconnected channel when the stack provides one.
func (l *link) monitor(onLost func()) {
	dc, ok := l.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		l.logger.Debug("Client does not support Disconnected() channel")
		return
	}
	groutine.Go(l.ctx, "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
			l.logger.WithField("id", l.id).Warn("Stack reported disconnection")
			onLost()
			l.lost(device.ErrDisconnected)
		case <-ctx.Done():
		}
	})
}

// lost tears the link down and tells every listener.
func (l *link) lost(cause error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	listeners := make([]func(error), 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.listeners = nil
	l.mu.Unlock()

	l.cancel()
	for _, fn := range listeners {
		fn(cause)
	}
}

func (l *link) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.listeners = nil
	l.mu.Unlock()

	l.cancel()
	if err := l.client.CancelConnection(); err != nil {
		l.logger.WithError(err).Warn("BLE device disconnected with errors")
		return
	}
	l.logger.WithField("id", l.id).Info("BLE device disconnected successfully")
}

func (l *link) discover() (*ble.Profile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, &device.ConnectionError{State: device.NotConnected, Device: l.id}
	}
	if l.profile != nil {
		return l.profile, nil
	}
	p, err := l.client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}
	l.profile = p
	l.logger.WithFields(logrus.Fields{"id": l.id, "services": len(p.Services)}).Debug("Profile discovered successfully")
	return p, nil
}

func (l *link) characteristic(service, uuid string) (*ble.Characteristic, error) {
	p, err := l.discover()
	if err != nil {
		return nil, err
	}
	for _, svc := range p.Services {
		if !device.SameUUID(svc.UUID.String(), service) {
			continue
		}
		for _, c := range svc.Characteristics {
			if device.SameUUID(c.UUID.String(), uuid) {
				return c, nil
			}
		}
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
}

func (l *link) subscribe(service, uuid string, onData func([]byte), onDisconnect func(error)) (device.Subscription, error) {
	c, err := l.characteristic(service, uuid)
	if err != nil {
		return nil, &device.SubscribeError{Characteristic: uuid, Err: err}
	}
	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
	if c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return nil, &device.SubscribeError{Characteristic: uuid, Err: errors.New("characteristic does not support notifications")}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, &device.SubscribeError{Characteristic: uuid, Err: device.ErrDisconnected}
	}
	id := l.nextID
	l.nextID++
	l.listeners[id] = onDisconnect
	l.mu.Unlock()

	err = l.client.Subscribe(c, indicate, func(data []byte) {
		// go-ble reuses the buffer after the handler returns.
		onData(append([]byte(nil), data...))
	})
	if err != nil {
		l.removeListener(id)
		return nil, &device.SubscribeError{Characteristic: uuid, Err: NormalizeError(err)}
	}
	l.logger.WithFields(logrus.Fields{"id": l.id, "charUUID": uuid, "indicate": indicate}).Info("Successfully subscribed to characteristic notifications")

	var once sync.Once
	return device.SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			l.removeListener(id)
			err = l.tryUnsubscribe(c, uuid)
		})
		return err
	}), nil
}

func (l *link) removeListener(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.listeners, id)
}

// tryUnsubscribe unsubscribes in both notify and indicate modes and fails only if both fail.
func (l *link) tryUnsubscribe(c *ble.Characteristic, uuid string) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil
	}

	err1 := NormalizeError(l.client.Unsubscribe(c, false))
	err2 := NormalizeError(l.client.Unsubscribe(c, true))
	if err1 != nil && err2 != nil {
		l.logger.WithFields(logrus.Fields{
			"charUUID":    uuid,
			"notifyErr":   err1,
			"indicateErr": err2,
		}).Error("Failed to unsubscribe from characteristic notifications")
		return fmt.Errorf("%s: notify=%v, indicate=%v", uuid, err1, err2)
	}
	l.logger.WithField("charUUID", uuid).Debug("Unsubscribed from characteristic notifications")
	return nil
}
