package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/snoozy/internal/device"
	"github.com/srg/snoozy/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

// fakeRadio replays advertisements and hands out fakeClients.
type fakeRadio struct {
	adverts []device.DeviceDescriptor
	dialErr error
	client  *fakeClient
}

func (r *fakeRadio) Scan(ctx context.Context, _ bool, handler func(device.DeviceDescriptor)) error {
	for _, a := range r.adverts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		handler(a)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (r *fakeRadio) Dial(ctx context.Context, _ string) (GATTClient, error) {
	if r.dialErr != nil {
		return nil, r.dialErr
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return r.client, nil
}

type fakeClient struct {
	profile *ble.Profile

	mu           sync.Mutex
	handler      ble.NotificationHandler
	indicate     bool
	unsubscribed int
	cancelled    int
	disconnected chan struct{}
}

func (c *fakeClient) DiscoverProfile(bool) (*ble.Profile, error) { return c.profile, nil }

func (c *fakeClient) Subscribe(_ *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	c.indicate = ind
	return nil
}

func (c *fakeClient) Unsubscribe(*ble.Characteristic, bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed++
	return nil
}

func (c *fakeClient) CancelConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled++
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} { return c.disconnected }

func (c *fakeClient) notify(data []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(data)
}

func uartProfile(prop ble.Property) *ble.Profile {
	return &ble.Profile{Services: []*ble.Service{{
		UUID: ble.MustParse(device.UARTServiceUUID),
		Characteristics: []*ble.Characteristic{{
			UUID:     ble.MustParse(device.UARTNotifyUUID),
			Property: prop,
		}},
	}}}
}

type GobleTransportSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	radio     *fakeRadio
	client    *fakeClient
	transport *Transport
	original  func() (Radio, error)
}

func (s *GobleTransportSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.client = &fakeClient{profile: uartProfile(ble.CharNotify), disconnected: make(chan struct{})}
	s.radio = &fakeRadio{
		adverts: []device.DeviceDescriptor{
			{ID: "11:11:11:11:11:11", Name: "Watch"},
			{ID: "AA:BB:CC:DD:EE:FF", Name: "Snoozy"},
		},
		client: s.client,
	}
	s.original = DeviceFactory
	DeviceFactory = func() (Radio, error) { return s.radio, nil }
	s.transport = New(s.helper.Logger)
}

func (s *GobleTransportSuite) TearDownTest() {
	DeviceFactory = s.original
}

func (s *GobleTransportSuite) connect() device.DeviceHandle {
	_, err := s.transport.Scan(context.Background(), device.ScanOptions{Name: "Snoozy", Window: time.Second}, nil)
	s.Require().NoError(err)
	h, err := s.transport.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	s.Require().NoError(err)
	return h
}

func (s *GobleTransportSuite) TestScanResolvesOnFirstMatch() {
	var seen []string
	start := time.Now()
	res, err := s.transport.Scan(context.Background(), device.ScanOptions{Name: "Snoozy", Window: 5 * time.Second},
		func(d device.DeviceDescriptor) { seen = append(seen, d.Name) })

	s.Require().NoError(err)
	s.Less(time.Since(start), time.Second, "filtered scan MUST stop on the match")
	s.Equal([]string{"Watch", "Snoozy"}, seen, "every distinct device MUST be reported")
	s.Require().Len(res, 1)
	s.Equal("AA:BB:CC:DD:EE:FF", res[0].ID)
}

func (s *GobleTransportSuite) TestScanWindowElapsesWithoutMatch() {
	_, err := s.transport.Scan(context.Background(), device.ScanOptions{Name: "Nope", Window: 50 * time.Millisecond}, nil)
	var nf *device.DeviceNotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("Nope", nf.Name)
}

func (s *GobleTransportSuite) TestUnavailableRadio() {
	DeviceFactory = func() (Radio, error) {
		return nil, NormalizeError(errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"))
	}
	t := New(s.helper.Logger)
	s.False(t.IsAvailable(context.Background()))
	_, err := t.Scan(context.Background(), device.ScanOptions{}, nil)
	s.ErrorIs(err, device.ErrCapabilityUnavailable)
}

func (s *GobleTransportSuite) TestConnectUsesAdvertisedName() {
	h := s.connect()
	s.Equal("Snoozy", h.Name)
	s.Equal(device.KindNative, h.Kind)

	_, err := s.transport.Connect(context.Background(), h.ID)
	s.True(device.IsConnectionState(err, device.AlreadyConnected), "second connect MUST be rejected")
}

func (s *GobleTransportSuite) TestConnectFailureIsTyped() {
	s.radio.dialErr = errors.New("le-connection-abort")
	_, err := s.transport.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	s.True(device.IsConnectionState(err, device.ConnectFailed))
}

func (s *GobleTransportSuite) TestDiscoverMissingCharacteristic() {
	h := s.connect()
	_, err := s.transport.DiscoverCharacteristic(context.Background(), h, device.UARTServiceUUID, "6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("characteristic", nf.Resource)

	_, err = s.transport.DiscoverCharacteristic(context.Background(), h, "180d", device.UARTNotifyUUID)
	s.Require().ErrorAs(err, &nf)
	s.Equal("service", nf.Resource)
}

func (s *GobleTransportSuite) TestSubscribeDeliversCopiedBytes() {
	// GOAL: Verify notifications reach onData as private copies
	//
	// TEST SCENARIO: subscribe → stack reuses its buffer → delivered bytes stay intact

	h := s.connect()
	ch, err := s.transport.DiscoverCharacteristic(context.Background(), h, "6E400001B5A3F393E0A9E50E24DCCA9E", device.UARTNotifyUUID)
	s.Require().NoError(err, "UUID match MUST ignore case and dashes")

	var got [][]byte
	sub, err := s.transport.Subscribe(context.Background(), ch, func(b []byte) { got = append(got, b) }, func(error) {})
	s.Require().NoError(err)
	s.False(s.client.indicate)

	buf := []byte("37.5")
	s.client.notify(buf)
	copy(buf, "0000")
	s.Require().Len(got, 1)
	s.Equal("37.5", string(got[0]), "delivered bytes MUST NOT alias the stack buffer")

	s.Require().NoError(sub.Close())
	s.Require().NoError(sub.Close())
	s.Equal(2, s.client.unsubscribed, "MUST unsubscribe once in both notify and indicate modes")

	s.transport.Disconnect(h)
	s.transport.Disconnect(h)
	s.Equal(1, s.client.cancelled, "Disconnect MUST be idempotent")
}

func (s *GobleTransportSuite) TestIndicateOnlyCharacteristic() {
	s.client.profile = uartProfile(ble.CharIndicate)
	h := s.connect()
	ch, err := s.transport.DiscoverCharacteristic(context.Background(), h, device.UARTServiceUUID, device.UARTNotifyUUID)
	s.Require().NoError(err)
	_, err = s.transport.Subscribe(context.Background(), ch, func([]byte) {}, func(error) {})
	s.Require().NoError(err)
	s.True(s.client.indicate)
}

func (s *GobleTransportSuite) TestSubscribeRejectsNonNotifyingCharacteristic() {
	s.client.profile = uartProfile(ble.CharRead)
	h := s.connect()
	ch, err := s.transport.DiscoverCharacteristic(context.Background(), h, device.UARTServiceUUID, device.UARTNotifyUUID)
	s.Require().NoError(err)
	_, err = s.transport.Subscribe(context.Background(), ch, func([]byte) {}, func(error) {})
	var subErr *device.SubscribeError
	s.ErrorAs(err, &subErr)
}

func (s *GobleTransportSuite) TestStackDisconnectReachesListener() {
	// GOAL: Verify a link loss reported by the stack is delivered through onDisconnect
	//
	// TEST SCENARIO: subscribe → Disconnected() closes → onDisconnect(ErrDisconnected) → link forgotten

	h := s.connect()
	ch, err := s.transport.DiscoverCharacteristic(context.Background(), h, device.UARTServiceUUID, device.UARTNotifyUUID)
	s.Require().NoError(err)

	lost := make(chan error, 1)
	_, err = s.transport.Subscribe(context.Background(), ch, func([]byte) {}, func(err error) { lost <- err })
	s.Require().NoError(err)

	close(s.client.disconnected)
	err, ok := testutils.Within(lost, 2*time.Second)
	s.Require().True(ok, "onDisconnect MUST fire")
	s.ErrorIs(err, device.ErrDisconnected)

	s.Eventually(func() bool {
		_, err := s.transport.DiscoverCharacteristic(context.Background(), h, device.UARTServiceUUID, device.UARTNotifyUUID)
		return device.IsConnectionState(err, device.NotConnected)
	}, 2*time.Second, 5*time.Millisecond, "lost link MUST be forgotten")
}

func TestNormalizeError(t *testing.T) {
	assert.Nil(t, NormalizeError(nil))
	assert.ErrorIs(t, NormalizeError(errors.New("can't init hci: no devices available")), device.ErrCapabilityUnavailable)
	assert.ErrorIs(t, NormalizeError(errors.New("device disconnected")), device.ErrNotConnected)
	assert.ErrorIs(t, NormalizeError(errors.New("device already connected")), device.ErrAlreadyConnected)
}

func TestGobleTransportSuite(t *testing.T) {
	suite.Run(t, new(GobleTransportSuite))
}
