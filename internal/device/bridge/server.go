package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/snoozy/internal/device"
	"github.com/srg/snoozy/internal/ipc"
)

// Server exposes a local transport to one connected client. Everything the
// client acquired is released by Close.
type Server struct {
	transport device.Transport
	emitter   ipc.Caller
	logger    *logrus.Logger

	subs    *hashmap.Map[string, device.Subscription]
	devices *hashmap.Map[string, device.DeviceHandle]
}

// Serve registers the bridge protocol on r. Events for the client go out through emitter.
func Serve(r ipc.Registrar, emitter ipc.Caller, transport device.Transport, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		transport: transport,
		emitter:   emitter,
		logger:    logger,
		subs:      hashmap.New[string, device.Subscription](),
		devices:   hashmap.New[string, device.DeviceHandle](),
	}

	r.Handle(MethodAvailable, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return availableResult{Available: transport.IsAvailable(ctx)}, nil
	})
	r.Handle(MethodScan, s.scan)
	r.Handle(MethodConnect, s.connect)
	r.Handle(MethodDiscover, s.discover)
	r.Handle(MethodSubscribe, s.subscribe)
	r.Handle(MethodUnsubscribe, s.unsubscribe)
	r.Handle(MethodDisconnect, s.disconnect)
	return s
}

func (s *Server) emit(method string, payload any) {
	if err := s.emitter.Emit(context.Background(), method, payload); err != nil && !errors.Is(err, ipc.ErrClosed) {
		s.logger.WithField("event", method).WithError(err).Warn("Failed to emit event")
	}
}

func (s *Server) scan(ctx context.Context, payload json.RawMessage) (any, error) {
	var p scanParams
	if err := ipc.Decode(payload, &p); err != nil {
		return nil, err
	}
	opts := device.ScanOptions{Name: p.Name, ID: p.ID, Window: time.Duration(p.WindowMs) * time.Millisecond}
	devices, err := s.transport.Scan(ctx, opts, func(d device.DeviceDescriptor) {
		s.emit(EventDiscovered, discoveredEvent{ScanID: p.ScanID, Device: d})
	})
	if err != nil {
		return nil, encodeError(err)
	}
	return scanResult{Devices: devices}, nil
}

func (s *Server) connect(ctx context.Context, payload json.RawMessage) (any, error) {
	var p connectParams
	if err := ipc.Decode(payload, &p); err != nil {
		return nil, err
	}
	if p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	h, err := s.transport.Connect(ctx, p.ID)
	if err != nil {
		return nil, encodeError(err)
	}
	s.devices.Set(h.ID, h)
	s.logger.WithFields(logrus.Fields{"id": h.ID, "name": h.Name}).Info("Bridge client connected device")
	return h, nil
}

func (s *Server) owned(h device.DeviceHandle) (device.DeviceHandle, error) {
	local, ok := s.devices.Get(h.ID)
	if !ok {
		return device.DeviceHandle{}, encodeError(&device.ConnectionError{State: device.NotConnected, Device: h.ID})
	}
	return local, nil
}

func (s *Server) discover(ctx context.Context, payload json.RawMessage) (any, error) {
	var p discoverParams
	if err := ipc.Decode(payload, &p); err != nil {
		return nil, err
	}
	h, err := s.owned(p.Device)
	if err != nil {
		return nil, err
	}
	ch, err := s.transport.DiscoverCharacteristic(ctx, h, p.Service, p.Characteristic)
	if err != nil {
		return nil, encodeError(err)
	}
	return ch, nil
}

func (s *Server) subscribe(ctx context.Context, payload json.RawMessage) (any, error) {
	var p subscribeParams
	if err := ipc.Decode(payload, &p); err != nil {
		return nil, err
	}
	if p.SubscriptionID == "" {
		return nil, ipc.WithCode(ipc.CodeBadRequest, errors.New("subscriptionId is required"))
	}
	h, err := s.owned(p.Characteristic.Device)
	if err != nil {
		return nil, err
	}
	ch := p.Characteristic
	ch.Device = h

	id := p.SubscriptionID
	sub, err := s.transport.Subscribe(ctx, ch,
		func(data []byte) {
			s.emit(EventData, dataEvent{SubscriptionID: id, Data: data})
		},
		func(cause error) {
			s.subs.Del(id)
			reason := ""
			if cause != nil {
				reason = cause.Error()
			}
			s.emit(EventDisconnected, disconnectedEvent{SubscriptionID: id, Reason: reason})
		},
	)
	if err != nil {
		return nil, encodeError(err)
	}
	s.subs.Set(id, sub)
	return nil, nil
}

func (s *Server) unsubscribe(_ context.Context, payload json.RawMessage) (any, error) {
	var p subscriptionParams
	if err := ipc.Decode(payload, &p); err != nil {
		return nil, err
	}
	sub, ok := s.subs.Get(p.SubscriptionID)
	if !ok {
		return nil, nil
	}
	s.subs.Del(p.SubscriptionID)
	return nil, sub.Close()
}

func (s *Server) disconnect(_ context.Context, payload json.RawMessage) (any, error) {
	var p disconnectParams
	if err := ipc.Decode(payload, &p); err != nil {
		return nil, err
	}
	h, ok := s.devices.Get(p.Device.ID)
	if !ok {
		return nil, nil
	}
	s.devices.Del(h.ID)
	s.transport.Disconnect(h)
	return nil, nil
}

// Close releases every subscription and device the client still holds.
func (s *Server) Close() {
	s.subs.Range(func(id string, sub device.Subscription) bool {
		s.subs.Del(id)
		_ = sub.Close()
		return true
	})
	s.devices.Range(func(id string, h device.DeviceHandle) bool {
		s.devices.Del(id)
		s.transport.Disconnect(h)
		s.logger.WithField("id", id).Info("Released device left by bridge client")
		return true
	})
}
