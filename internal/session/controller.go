// Package session drives one BLE link at a time through
// scan → connect → discover → subscribe → stream, persisting every decoded
// sample and telling observers about state changes, samples and errors.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/snoozy/internal/codec"
	"github.com/srg/snoozy/internal/device"
	"github.com/srg/snoozy/internal/groutine"
	"github.com/srg/snoozy/internal/logstore"
	"github.com/srg/snoozy/internal/ringchan"
)

// Appender is the part of logstore.Log the controller writes through.
type Appender interface {
	Append(ctx context.Context, day logstore.Day, s codec.Sample) error
}

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultQueueSize      = 1024
)

// Options configures a Controller. Zero fields take their defaults.
type Options struct {
	DeviceName     string
	DeviceID       string // optional exact-id filter, combined with DeviceName
	Service        string
	Characteristic string
	ScanWindow     time.Duration
	ConnectTimeout time.Duration
	QueueSize      int

	// Clock stamps decoded frames; nil means the wall clock.
	Clock codec.Clock
	// Live, when set, receives every persisted sample for live charting.
	Live *ringchan.RingChannel[codec.Sample]
}

func (o *Options) applyDefaults() {
	if o.DeviceName == "" && o.DeviceID == "" {
		o.DeviceName = device.DefaultDeviceName
	}
	if o.Service == "" {
		o.Service = device.UARTServiceUUID
	}
	if o.Characteristic == "" {
		o.Characteristic = device.UARTNotifyUUID
	}
	if o.ScanWindow <= 0 {
		o.ScanWindow = device.DefaultScanWindow
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
}

// Controller owns the device handle and subscription for at most one session.
// It is reusable: after returning to Idle it can Connect again.
type Controller struct {
	transport device.Transport
	store     Appender
	decoder   *codec.Decoder
	opts      Options
	logger    *logrus.Logger
	events    *dispatcher

	mu     sync.Mutex
	state  State
	epoch  uint64
	handle *device.DeviceHandle
	sub    device.Subscription
	cancel context.CancelFunc
	stream *stream
	// pumpDone is closed when the latest session's pump has flushed.
	pumpDone <-chan struct{}
	// aborted records why the handshake of a given epoch was cut short.
	aborted map[uint64]error
}

// stream is the per-session notification pipeline.
type stream struct {
	epoch  uint64
	device string
	frames chan []byte
	stop   chan struct{}
}

func NewController(transport device.Transport, store Appender, opts Options, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	opts.applyDefaults()
	return &Controller{
		transport: transport,
		store:     store,
		decoder:   codec.NewDecoder(opts.Clock),
		opts:      opts,
		logger:    logger,
		events:    newDispatcher(),
		aborted:   make(map[uint64]error),
	}
}

// Observe registers fn for every subsequent event. Events are delivered on a
// dedicated goroutine in production order. The returned func unregisters fn.
func (c *Controller) Observe(fn func(Event)) (cancel func()) {
	return c.events.subscribe(fn)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) IsConnected() bool {
	return c.State() == Streaming
}

// DeviceName returns the connected device's name, or "" when none is held.
func (c *Controller) DeviceName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return ""
	}
	return c.handle.Name
}

// Handle returns the held device handle.
func (c *Controller) Handle() (device.DeviceHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return device.DeviceHandle{}, false
	}
	return *c.handle, true
}

// Connect runs the full handshake and returns once samples are streaming. A
// concurrent Disconnect interrupts it and makes it return ErrCanceled.
func (c *Controller) Connect(ctx context.Context) (device.DeviceHandle, error) {
	c.mu.Lock()
	if c.state != Idle {
		st := c.state
		c.mu.Unlock()
		if st == Streaming {
			return device.DeviceHandle{}, fmt.Errorf("%w: %w", ErrBusy, device.ErrAlreadyConnected)
		}
		return device.DeviceHandle{}, fmt.Errorf("%w: %s", ErrBusy, st)
	}
	c.mu.Unlock()

	if !c.transport.IsAvailable(ctx) {
		err := fmt.Errorf("%w: %s transport", device.ErrCapabilityUnavailable, c.transport.Kind())
		c.publishError(err)
		return device.DeviceHandle{}, err
	}

	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return device.DeviceHandle{}, ErrBusy
	}
	c.epoch++
	epoch := c.epoch
	release := c.detachLocked()
	attemptCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	evs := c.setStateLocked(Scanning)
	c.mu.Unlock()
	release()
	c.events.publish(evs...)
	defer cancel()

	log := c.logger.WithFields(logrus.Fields{
		"transport": c.transport.Kind(),
		"epoch":     epoch,
	})

	// Scanning
	log.WithFields(logrus.Fields{"name": c.opts.DeviceName, "window": c.opts.ScanWindow}).Info("Scanning for device...")
	found, err := c.transport.Scan(attemptCtx, device.ScanOptions{
		Name:   c.opts.DeviceName,
		ID:     c.opts.DeviceID,
		Window: c.opts.ScanWindow,
	}, func(d device.DeviceDescriptor) {
		log.WithFields(logrus.Fields{"id": d.ID, "name": d.Name}).Debug("Discovered device")
	})
	if err != nil {
		return device.DeviceHandle{}, c.fail(epoch, err)
	}
	target := found[0]

	if err := c.advance(epoch, Connecting); err != nil {
		return device.DeviceHandle{}, err
	}

	// Connecting
	log.WithFields(logrus.Fields{"id": target.ID, "name": target.Name}).Info("Connecting...")
	connCtx, connCancel := context.WithTimeout(attemptCtx, c.opts.ConnectTimeout)
	h, err := c.transport.Connect(connCtx, target.ID)
	timedOut := errors.Is(connCtx.Err(), context.DeadlineExceeded)
	connCancel()
	if err != nil {
		return device.DeviceHandle{}, c.fail(epoch, asConnectionError(target.ID, err, timedOut))
	}
	if h.Name == "" {
		h.Name = target.Name
	}

	c.mu.Lock()
	if c.epoch != epoch {
		abortErr := c.abortErrLocked(epoch)
		c.mu.Unlock()
		log.Debug("Connect finished after the attempt was interrupted, releasing device")
		c.transport.Disconnect(h)
		return device.DeviceHandle{}, abortErr
	}
	c.handle = &h
	evs = c.setStateLocked(Subscribing)
	c.mu.Unlock()
	c.events.publish(evs...)

	// Subscribing
	chr, err := c.transport.DiscoverCharacteristic(attemptCtx, h, c.opts.Service, c.opts.Characteristic)
	if err != nil {
		return device.DeviceHandle{}, c.fail(epoch, &device.SubscribeError{Characteristic: c.opts.Characteristic, Err: err})
	}

	st := c.newStream(epoch, h.Name)
	sub, err := c.transport.Subscribe(attemptCtx, chr,
		func(data []byte) { c.enqueue(st, data) },
		func(cause error) { c.handleDrop(epoch, cause) },
	)
	if err != nil {
		close(st.stop)
		var subErr *device.SubscribeError
		if !errors.As(err, &subErr) {
			err = &device.SubscribeError{Characteristic: c.opts.Characteristic, Err: err}
		}
		return device.DeviceHandle{}, c.fail(epoch, err)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		abortErr := c.abortErrLocked(epoch)
		c.mu.Unlock()
		close(st.stop)
		_ = sub.Close()
		return device.DeviceHandle{}, abortErr
	}
	c.sub = sub
	c.stream = st
	c.cancel = nil
	// Streaming is announced before the pump can emit its first sample.
	c.events.publish(c.setStateLocked(Streaming)...)
	c.pumpDone = groutine.Go(context.Background(), "session-pump", func(ctx context.Context) {
		c.pump(ctx, st)
	})
	c.mu.Unlock()

	log.WithFields(logrus.Fields{"id": h.ID, "name": h.Name}).Info("Streaming")
	return h, nil
}

// Disconnect ends the current session or interrupts an in-flight Connect. It
// is a no-op when Idle.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	switch {
	case c.state == Idle, c.state == Disconnecting:
		c.mu.Unlock()
		return

	case c.state.handshaking():
		c.aborted[c.epoch] = ErrCanceled
		c.epoch++
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		release := c.detachLocked()
		evs := c.setStateLocked(Idle)
		c.mu.Unlock()
		release()
		c.events.publish(evs...)
		c.logger.Info("Connect interrupted by disconnect")
		return
	}

	// Streaming
	c.epoch++
	evs := c.setStateLocked(Disconnecting)
	release := c.detachLocked()
	c.mu.Unlock()
	c.events.publish(evs...)

	release()

	c.mu.Lock()
	evs = c.setStateLocked(Idle)
	c.mu.Unlock()
	c.events.publish(evs...)
	c.logger.Info("Disconnected")
}

// Close disconnects and stops event delivery. It must not be called from an observer.
func (c *Controller) Close() {
	c.Disconnect()
	c.mu.Lock()
	done := c.pumpDone
	c.mu.Unlock()
	if done != nil {
		<-done
	}
	c.events.close()
}

// handleDrop reacts to the device going away on its own.
func (c *Controller) handleDrop(epoch uint64, cause error) {
	c.mu.Lock()
	if c.epoch != epoch || c.state == Idle || c.state == Disconnecting {
		c.mu.Unlock()
		return
	}
	name := ""
	if c.handle != nil {
		name = c.handle.Name
	}
	dropErr := fmt.Errorf("%q: %w", name, device.ErrDisconnected)
	if cause != nil && !errors.Is(cause, device.ErrDisconnected) {
		dropErr = fmt.Errorf("%q: %w: %v", name, device.ErrDisconnected, cause)
	}

	c.aborted[c.epoch] = dropErr
	c.epoch++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	evs := c.setStateLocked(Disconnecting)
	release := c.detachLocked()
	c.mu.Unlock()
	c.events.publish(evs...)

	release()

	c.mu.Lock()
	evs = c.setStateLocked(Idle)
	c.mu.Unlock()
	evs = append(evs, Event{Type: EventError, Device: name, Err: dropErr, ErrKind: KindDisconnectedUnexpectedly})
	c.events.publish(evs...)

	c.logger.WithFields(logrus.Fields{"device": name}).WithError(cause).Warn("Device disconnected unexpectedly")
}

// advance moves the handshake to the next state unless it was interrupted.
func (c *Controller) advance(epoch uint64, next State) error {
	c.mu.Lock()
	if c.epoch != epoch {
		err := c.abortErrLocked(epoch)
		c.mu.Unlock()
		return err
	}
	evs := c.setStateLocked(next)
	c.mu.Unlock()
	c.events.publish(evs...)
	return nil
}

// fail ends the handshake of epoch with err, releasing whatever it acquired.
func (c *Controller) fail(epoch uint64, err error) error {
	c.mu.Lock()
	if c.epoch != epoch {
		abortErr := c.abortErrLocked(epoch)
		c.mu.Unlock()
		return abortErr
	}
	c.epoch++
	c.cancel = nil
	release := c.detachLocked()
	evs := c.setStateLocked(Idle)
	c.mu.Unlock()

	release()
	evs = append(evs, Event{Type: EventError, Err: err, ErrKind: Classify(err)})
	c.events.publish(evs...)

	c.logger.WithField("kind", Classify(err)).WithError(err).Warn("Connect failed")
	return err
}

func (c *Controller) abortErrLocked(epoch uint64) error {
	if err, ok := c.aborted[epoch]; ok {
		delete(c.aborted, epoch)
		return err
	}
	return ErrCanceled
}

// detachLocked takes ownership of the subscription, handle and stream and
// returns a func that releases them. The func must run without c.mu held.
func (c *Controller) detachLocked() func() {
	sub, h, st := c.sub, c.handle, c.stream
	c.sub, c.handle, c.stream = nil, nil, nil

	return func() {
		if st != nil {
			close(st.stop)
		}
		if sub != nil {
			if err := sub.Close(); err != nil {
				c.logger.WithError(err).Debug("Subscription close failed")
			}
		}
		if h != nil {
			c.transport.Disconnect(*h)
		}
	}
}

func (c *Controller) setStateLocked(next State) []Event {
	if c.state == next {
		return nil
	}
	prev := c.state
	c.state = next
	c.logger.WithFields(logrus.Fields{"from": prev, "to": next}).Debug("Session state changed")
	name := ""
	if c.handle != nil {
		name = c.handle.Name
	}
	return []Event{{Type: EventStateChanged, State: next, Device: name}}
}

func (c *Controller) publishError(err error) {
	c.events.publish(Event{Type: EventError, Err: err, ErrKind: Classify(err)})
}

// ----------------------------
// Notification pipeline
// ----------------------------

func (c *Controller) newStream(epoch uint64, name string) *stream {
	return &stream{
		epoch:  epoch,
		device: name,
		frames: make(chan []byte, c.opts.QueueSize),
		stop:   make(chan struct{}),
	}
}

// enqueue hands a notification to the pump without blocking the transport's
// callback. Frames of a finished session, and frames arriving while the queue
// is full, are dropped.
func (c *Controller) enqueue(st *stream, data []byte) {
	c.mu.Lock()
	current := c.epoch == st.epoch
	c.mu.Unlock()
	if !current {
		return
	}

	frame := append([]byte(nil), data...)
	select {
	case st.frames <- frame:
	case <-st.stop:
	default:
		c.logger.WithFields(logrus.Fields{"device": st.device, "queue": cap(st.frames)}).
			Warn("Frame queue full, dropping notification")
	}
}

// pump decodes, persists and forwards frames in arrival order.
func (c *Controller) pump(ctx context.Context, st *stream) {
	log := c.logger.WithFields(logrus.Fields{"device": st.device, "epoch": st.epoch})
	for {
		select {
		case frame := <-st.frames:
			c.process(ctx, st, frame, true, log)
		case <-st.stop:
			// Persist what already arrived, but stop forwarding.
			for {
				select {
				case frame := <-st.frames:
					c.process(ctx, st, frame, false, log)
				default:
					return
				}
			}
		}
	}
}

func (c *Controller) process(ctx context.Context, st *stream, frame []byte, forward bool, log *logrus.Entry) {
	s, err := c.decoder.Decode(frame)
	if err != nil {
		log.WithError(err).Warn("Dropping malformed frame")
		if forward {
			c.events.publish(Event{Type: EventError, Device: st.device, Err: err, ErrKind: KindMalformedFrame})
		}
		return
	}

	if err := c.store.Append(ctx, logstore.DayOf(s.Time), s); err != nil {
		log.WithError(err).Error("Failed to persist sample")
		if forward {
			c.events.publish(Event{Type: EventError, Device: st.device, Err: err, ErrKind: Classify(err)})
		}
		return
	}

	if !forward {
		return
	}
	if c.opts.Live != nil {
		c.opts.Live.Send(s)
	}
	c.events.publish(Event{Type: EventSample, Device: st.device, Sample: s})
}

func asConnectionError(id string, err error, timedOut bool) error {
	var ce *device.ConnectionError
	if errors.As(err, &ce) || errors.Is(err, device.ErrCapabilityUnavailable) {
		return err
	}
	state := device.ConnectFailed
	if timedOut {
		state = device.ConnectTimeout
	}
	return &device.ConnectionError{State: state, Device: id, Err: err}
}
