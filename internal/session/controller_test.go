package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/snoozy/internal/codec"
	"github.com/srg/snoozy/internal/device"
	"github.com/srg/snoozy/internal/logstore"
	"github.com/srg/snoozy/internal/ringchan"
	"github.com/srg/snoozy/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	deviceID = "AA:BB:CC:DD:EE:FF"
	waitFor  = 2 * time.Second
	tick     = 5 * time.Millisecond
)

// settableClock is a codec.Clock the test can move.
type settableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *settableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *settableClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// recorder collects controller events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) states() []State {
	var out []State
	for _, ev := range r.all() {
		if ev.Type == EventStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

func (r *recorder) errorKinds() []ErrorKind {
	var out []ErrorKind
	for _, ev := range r.all() {
		if ev.Type == EventError {
			out = append(out, ev.ErrKind)
		}
	}
	return out
}

func (r *recorder) samples() []codec.Sample {
	var out []codec.Sample
	for _, ev := range r.all() {
		if ev.Type == EventSample {
			out = append(out, ev.Sample)
		}
	}
	return out
}

// failingAppender fails the first n appends, then delegates.
type failingAppender struct {
	mu    sync.Mutex
	fails int
	next  Appender
}

func (f *failingAppender) Append(ctx context.Context, day logstore.Day, s codec.Sample) error {
	f.mu.Lock()
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return &logstore.WriteError{Day: day, Err: errors.New("disk full")}
	}
	return f.next.Append(ctx, day, s)
}

// gatedAppender holds every append until gate is closed.
type gatedAppender struct {
	gate chan struct{}
	next Appender
}

func (g *gatedAppender) Append(ctx context.Context, day logstore.Day, s codec.Sample) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.next.Append(ctx, day, s)
}

type ControllerTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper

	ctx       context.Context
	transport *testutils.FakeTransport
	log       *logstore.Log
	clock     *settableClock
	events    *recorder
	ctrl      *Controller
}

func (s *ControllerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.ctx = context.Background()
	s.transport = testutils.NewFakeTransport(
		device.DeviceDescriptor{ID: "11:22:33:44:55:66", Name: "Other"},
		device.DeviceDescriptor{ID: deviceID, Name: device.DefaultDeviceName},
	)

	backend, err := logstore.NewFileBackend(s.T().TempDir(), s.T().TempDir(), s.helper.Logger)
	s.Require().NoError(err)
	s.log = logstore.New(backend, s.helper.Logger)

	s.clock = &settableClock{now: time.Date(2025, time.March, 14, 8, 12, 0, 500*int(time.Millisecond), time.Local)}
	s.ctrl = s.newController(s.log, Options{})
}

func (s *ControllerTestSuite) TearDownTest() {
	s.ctrl.Close()
}

func (s *ControllerTestSuite) newController(store Appender, opts Options) *Controller {
	opts.Clock = s.clock.Now
	if opts.ScanWindow == 0 {
		opts.ScanWindow = 100 * time.Millisecond
	}
	c := NewController(s.transport, store, opts, s.helper.Logger)
	s.events = &recorder{}
	c.Observe(s.events.observe)
	return c
}

func (s *ControllerTestSuite) day() logstore.Day {
	return logstore.DayOf(s.clock.Now())
}

func (s *ControllerTestSuite) content(day logstore.Day) string {
	content, err := s.log.ReadContent(s.ctx, day)
	if errors.Is(err, logstore.ErrNotFound) {
		return ""
	}
	s.Require().NoError(err)
	return content
}

func (s *ControllerTestSuite) connect() device.DeviceHandle {
	h, err := s.ctrl.Connect(s.ctx)
	s.Require().NoError(err, "connect MUST succeed")
	s.Require().Equal(Streaming, s.ctrl.State())
	return h
}

func (s *ControllerTestSuite) TestConnectStreamAndUnexpectedDrop() {
	// GOAL: Verify the full happy path persists a sample and that a link loss returns to Idle
	//
	// TEST SCENARIO: connect → notify "37.5" at 08:12:00.500 → record persisted → device drops → Idle + error

	h := s.connect()
	s.Equal(deviceID, h.ID)
	s.Equal(device.DefaultDeviceName, h.Name, "handle MUST carry the advertised name")
	s.True(s.ctrl.IsConnected())
	s.Equal(device.DefaultDeviceName, s.ctrl.DeviceName())
	s.Equal([]string{deviceID}, s.transport.Connects(), "MUST connect only to the matching device")

	s.Require().True(s.transport.Notify([]byte("37.5")))
	s.Eventually(func() bool {
		return s.content(s.day()) == "08:12:00.500Z,37.5\n"
	}, waitFor, tick, "sample MUST be appended as one record")
	s.Eventually(func() bool { return len(s.events.samples()) == 1 }, waitFor, tick)
	s.Equal(37.5, s.events.samples()[0].Value)

	s.Require().True(s.transport.Drop(nil))
	s.Eventually(func() bool { return s.ctrl.State() == Idle }, waitFor, tick, "drop MUST return to Idle")
	s.Eventually(func() bool {
		kinds := s.events.errorKinds()
		return len(kinds) == 1 && kinds[0] == KindDisconnectedUnexpectedly
	}, waitFor, tick, "drop MUST surface exactly one DisconnectedUnexpectedly error")

	s.Equal(0, s.transport.OpenSubscriptions(), "subscription MUST be released")
	s.Equal([]string{deviceID}, s.transport.Disconnects(), "device MUST be released")
	_, held := s.ctrl.Handle()
	s.False(held, "no handle MUST be held after the drop")

	s.Eventually(func() bool {
		return len(s.events.states()) == 6
	}, waitFor, tick)
	s.Equal([]State{Scanning, Connecting, Subscribing, Streaming, Disconnecting, Idle}, s.events.states())
}

func (s *ControllerTestSuite) TestScanTimeoutReportsDeviceNotFound() {
	// GOAL: Verify an empty scan window ends in DeviceNotFound with no handle held
	//
	// TEST SCENARIO: no advertiser named Snoozy → connect fails after the window → Idle

	s.transport.Advertised = []device.DeviceDescriptor{{ID: "11:22:33:44:55:66", Name: "Other"}}

	start := time.Now()
	_, err := s.ctrl.Connect(s.ctx)
	s.Require().Error(err)
	s.GreaterOrEqual(time.Since(start), 100*time.Millisecond, "MUST wait out the scan window")

	var notFound *device.DeviceNotFoundError
	s.Require().ErrorAs(err, &notFound)
	s.Equal(device.DefaultDeviceName, notFound.Name)
	s.Equal(KindDeviceNotFound, Classify(err))
	s.Equal(Idle, s.ctrl.State())
	_, held := s.ctrl.Handle()
	s.False(held)
	s.Empty(s.transport.Connects(), "MUST NOT connect to a non-matching device")

	s.Eventually(func() bool {
		kinds := s.events.errorKinds()
		return len(kinds) == 1 && kinds[0] == KindDeviceNotFound
	}, waitFor, tick)
}

func (s *ControllerTestSuite) TestMalformedFrameIsIsolated() {
	// GOAL: Verify a bad payload is skipped without ending the session
	//
	// TEST SCENARIO: notify "37.5", "abc", " 38\x00" → two records → still Streaming

	s.connect()
	for _, p := range []string{"37.5", "abc", " 38\x00"} {
		s.Require().True(s.transport.Notify([]byte(p)))
	}

	s.Eventually(func() bool {
		return s.content(s.day()) == "08:12:00.500Z,37.5\n08:12:00.500Z,38\n"
	}, waitFor, tick, "valid frames around the malformed one MUST persist in order")
	s.Eventually(func() bool {
		kinds := s.events.errorKinds()
		return len(kinds) == 1 && kinds[0] == KindMalformedFrame
	}, waitFor, tick)
	s.Equal(Streaming, s.ctrl.State(), "malformed frame MUST NOT end the session")
}

func (s *ControllerTestSuite) TestWriteErrorIsReportedAndSkipped() {
	// GOAL: Verify a failed append is reported once and later samples still persist
	//
	// TEST SCENARIO: first append fails → WriteError event → second sample persisted

	s.ctrl.Close()
	s.ctrl = s.newController(&failingAppender{fails: 1, next: s.log}, Options{})
	s.connect()

	s.transport.Notify([]byte("1"))
	s.transport.Notify([]byte("2"))

	s.Eventually(func() bool { return s.content(s.day()) == "08:12:00.500Z,2\n" }, waitFor, tick)
	s.Eventually(func() bool {
		kinds := s.events.errorKinds()
		return len(kinds) == 1 && kinds[0] == KindWrite
	}, waitFor, tick)
	s.Eventually(func() bool { return len(s.events.samples()) == 1 }, waitFor, tick,
		"a sample that failed to persist MUST NOT be forwarded")
	s.Equal(Streaming, s.ctrl.State())
}

func (s *ControllerTestSuite) TestDisconnectDuringHandshakeIgnoresLateSuccess() {
	// GOAL: Verify Disconnect while Connecting wins over a connect that completes afterwards
	//
	// TEST SCENARIO: gated connect → Disconnect → Idle → gate opens → late handle released, Connect returns ErrCanceled

	s.transport.ConnectGate = make(chan struct{})
	s.transport.ConnectIgnoresContext = true

	errCh := make(chan error, 1)
	go func() {
		_, err := s.ctrl.Connect(s.ctx)
		errCh <- err
	}()

	s.Eventually(func() bool { return len(s.transport.Connects()) == 1 }, waitFor, tick)
	s.Equal(Connecting, s.ctrl.State())

	s.ctrl.Disconnect()
	s.Equal(Idle, s.ctrl.State(), "Disconnect MUST return to Idle immediately")

	close(s.transport.ConnectGate)
	err, ok := testutils.Within(errCh, waitFor)
	s.Require().True(ok, "Connect MUST return")
	s.ErrorIs(err, ErrCanceled)

	s.Equal(Idle, s.ctrl.State(), "late success MUST NOT move the session")
	s.Eventually(func() bool { return !s.transport.IsConnected(deviceID) }, waitFor, tick,
		"late handle MUST be released")
	s.Equal(0, s.transport.OpenSubscriptions())
	s.NotContains(s.events.states(), Streaming)
}

func (s *ControllerTestSuite) TestDisconnectDuringHandshakeCancelsConnect() {
	// GOAL: Verify a context-aware connect is cancelled by Disconnect
	//
	// TEST SCENARIO: gated connect honouring ctx → Disconnect → Connect returns ErrCanceled

	s.transport.ConnectGate = make(chan struct{})
	defer close(s.transport.ConnectGate)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.ctrl.Connect(s.ctx)
		errCh <- err
	}()
	s.Eventually(func() bool { return s.ctrl.State() == Connecting }, waitFor, tick)

	s.ctrl.Disconnect()

	err, ok := testutils.Within(errCh, waitFor)
	s.Require().True(ok)
	s.ErrorIs(err, ErrCanceled)
	s.Equal(KindCanceled, Classify(err))
}

func (s *ControllerTestSuite) TestCapabilityUnavailable() {
	// GOAL: Verify an unavailable transport is reported without leaving Idle
	//
	// TEST SCENARIO: transport unavailable → Connect → ErrCapabilityUnavailable, no scan attempted

	s.transport.Unavailable = true

	_, err := s.ctrl.Connect(s.ctx)
	s.Require().ErrorIs(err, device.ErrCapabilityUnavailable)
	s.Equal(Idle, s.ctrl.State())
	s.Empty(s.transport.Connects())
	s.Eventually(func() bool {
		kinds := s.events.errorKinds()
		return len(kinds) == 1 && kinds[0] == KindCapabilityUnavailable
	}, waitFor, tick)
	s.Empty(s.events.states(), "MUST NOT change state")
}

func (s *ControllerTestSuite) TestConnectWhileStreamingIsBusy() {
	// GOAL: Verify a second Connect is rejected while a session is active
	//
	// TEST SCENARIO: connect → connect again → ErrBusy, first session untouched

	s.connect()
	_, err := s.ctrl.Connect(s.ctx)
	s.ErrorIs(err, ErrBusy)
	s.ErrorIs(err, device.ErrAlreadyConnected)
	s.Equal(Streaming, s.ctrl.State())
	s.Equal([]string{deviceID}, s.transport.Connects())
}

func (s *ControllerTestSuite) TestStaleNotificationsAreDropped() {
	// GOAL: Verify callbacks from a finished session never reach the log
	//
	// TEST SCENARIO: connect → record one → Disconnect → stale notify → content unchanged

	s.connect()
	s.transport.Notify([]byte("1"))
	s.Eventually(func() bool { return s.content(s.day()) != "" }, waitFor, tick)

	s.ctrl.Disconnect()
	s.Equal(Idle, s.ctrl.State())
	s.Equal(0, s.transport.OpenSubscriptions())

	s.transport.NotifyStale([]byte("2"))
	s.Never(func() bool { return s.content(s.day()) != "08:12:00.500Z,1\n" }, 100*time.Millisecond, tick,
		"stale frame MUST be ignored")
	s.Len(s.events.samples(), 1)

	s.Eventually(func() bool { return len(s.events.states()) == 6 }, waitFor, tick)
	s.Equal([]State{Scanning, Connecting, Subscribing, Streaming, Disconnecting, Idle}, s.events.states())
	s.Empty(s.events.errorKinds(), "a user disconnect MUST NOT report an error")
}

func (s *ControllerTestSuite) TestFullQueueDropsInsteadOfBlocking() {
	// GOAL: Verify a slow store never blocks the transport's notification callback
	//
	// TEST SCENARIO: queue of 1 + store blocked on a gate → four notifies return → gate opens → first sample persisted

	gate := make(chan struct{})
	store := &gatedAppender{gate: gate, next: s.log}
	s.ctrl.Close()
	s.ctrl = s.newController(store, Options{QueueSize: 1})
	s.connect()

	returned := make(chan struct{})
	go func() {
		for i := 0; i < 4; i++ {
			s.transport.Notify([]byte("1"))
		}
		close(returned)
	}()
	_, ok := testutils.Within(returned, waitFor)
	close(gate)
	s.Require().True(ok, "notify MUST return while the queue is full")

	s.Eventually(func() bool {
		return len(s.content(s.day())) > 0
	}, waitFor, tick, "queued samples MUST still be persisted")
	s.LessOrEqual(len(s.events.samples()), 2, "overflow frames MUST be dropped")
}

func (s *ControllerTestSuite) TestDisconnectWhenIdleIsNoop() {
	s.ctrl.Disconnect()
	s.Equal(Idle, s.ctrl.State())
	s.Empty(s.events.states())
}

func (s *ControllerTestSuite) TestReconnectAfterDrop() {
	// GOAL: Verify the controller is reusable after a session ends
	//
	// TEST SCENARIO: connect → drop → connect again → new samples persist

	s.connect()
	s.transport.Drop(errors.New("link lost"))
	s.Eventually(func() bool { return s.ctrl.State() == Idle }, waitFor, tick)

	s.connect()
	s.transport.Notify([]byte("5"))
	s.Eventually(func() bool { return s.content(s.day()) == "08:12:00.500Z,5\n" }, waitFor, tick)
	s.Equal([]string{deviceID, deviceID}, s.transport.Connects())
}

func (s *ControllerTestSuite) TestSubscribeFailureReleasesDevice() {
	// GOAL: Verify a missing characteristic fails the handshake and releases the link
	//
	// TEST SCENARIO: discover fails → SubscribeError → device disconnected → Idle

	s.transport.DiscoverErr = &device.NotFoundError{Resource: "characteristic", UUIDs: []string{device.UARTNotifyUUID}}

	_, err := s.ctrl.Connect(s.ctx)
	var subErr *device.SubscribeError
	s.Require().ErrorAs(err, &subErr)
	s.Equal(KindSubscribe, Classify(err))
	s.Equal(Idle, s.ctrl.State())
	s.Equal([]string{deviceID}, s.transport.Disconnects(), "connected device MUST be released")
}

func (s *ControllerTestSuite) TestConnectFailureIsConnectionError() {
	s.transport.ConnectErr = errors.New("le-connection-abort-by-local")

	_, err := s.ctrl.Connect(s.ctx)
	s.Require().Error(err)
	s.True(device.IsConnectionState(err, device.ConnectFailed))
	s.Equal(KindConnection, Classify(err))
	s.Equal(Idle, s.ctrl.State())
}

func (s *ControllerTestSuite) TestSamplesAcrossMidnightSplitByDay() {
	// GOAL: Verify each sample lands in the log of the day it was decoded on
	//
	// TEST SCENARIO: sample at 23:59:59.900 → clock moves past midnight → next sample goes to the next day

	s.clock.Set(time.Date(2025, time.March, 14, 23, 59, 59, 900*int(time.Millisecond), time.Local))
	s.connect()

	s.transport.Notify([]byte("1"))
	s.Eventually(func() bool { return s.content("2025-03-14") == "23:59:59.900Z,1\n" }, waitFor, tick)

	s.clock.Set(time.Date(2025, time.March, 15, 0, 0, 0, 100*int(time.Millisecond), time.Local))
	s.transport.Notify([]byte("2"))
	s.Eventually(func() bool { return s.content("2025-03-15") == "00:00:00.100Z,2\n" }, waitFor, tick)
	s.Equal("23:59:59.900Z,1\n", s.content("2025-03-14"), "previous day MUST stay untouched")
}

func (s *ControllerTestSuite) TestLiveBufferReceivesSamples() {
	live := ringchan.New[codec.Sample](2)
	s.ctrl.Close()
	s.ctrl = s.newController(s.log, Options{Live: live})
	s.connect()

	for _, p := range []string{"1", "2", "3"} {
		s.transport.Notify([]byte(p))
	}
	s.Eventually(func() bool { return live.GetMetrics().Written == 3 }, waitFor, tick)

	got := live.Drain()
	s.Require().Len(got, 2, "live buffer MUST keep only the newest samples")
	s.Equal(2.0, got[0].Value)
	s.Equal(3.0, got[1].Value)
}

func (s *ControllerTestSuite) TestDeviceIDFilter() {
	s.ctrl.Close()
	s.ctrl = s.newController(s.log, Options{DeviceName: "Other", DeviceID: "11:22:33:44:55:66"})

	h := s.connect()
	s.Equal("11:22:33:44:55:66", h.ID)
	s.Equal("Other", h.Name)
}

func TestControllerTestSuite(t *testing.T) {
	suite.Run(t, new(ControllerTestSuite))
}
