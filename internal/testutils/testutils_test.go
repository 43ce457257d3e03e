package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/srg/snoozy/internal/device"
	"github.com/srg/snoozy/internal/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingT captures failures instead of failing the test.
type recordingT struct {
	failures []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestTextAsserter(t *testing.T) {
	rt := &recordingT{}
	ta := NewTextAsserter(rt)

	assert.True(t, ta.Assert("08:12:00.500Z,37.5\n", "08:12:00.500Z,37.5\n"))
	assert.False(t, ta.Assert("08:12:00.500Z,37.6\n", "08:12:00.500Z,37.5\n"))
	require.Len(t, rt.failures, 1)
	assert.Contains(t, rt.failures[0], "-08:12:00.500Z,37.5")
	assert.Contains(t, rt.failures[0], "+08:12:00.500Z,37.6")
}

func TestTextAsserterOptions(t *testing.T) {
	ta := NewTextAsserter(t, WithIgnoreEmptyLines(), WithIgnoreTrailingWhitespace(), WithIgnoreLineOrder())
	ta.Assert("b  \n\na\n", "a\nb")

	colored := NewTextAsserter(&recordingT{}, WithColors()).Diff("x", "y")
	assert.Contains(t, colored, "\x1b[", "WithColors MUST emit ANSI sequences")
}

func TestJSONAsserter(t *testing.T) {
	NewJSONAsserter(t).Assert(`{"day":"2025-03-14","found":true,"extra":1}`, `{"found":true,"day":"2025-03-14"}`)
	NewJSONAsserter(t).Assert(`[{"id":"a","rssi":-40}]`, `[{"id":"a"}]`)

	rt := &recordingT{}
	assert.False(t, NewJSONAsserter(rt, WithStrictKeys()).Assert(`{"a":1,"b":2}`, `{"a":1}`),
		"strict mode MUST report extra keys")
	assert.False(t, NewJSONAsserter(rt).Assert(`{"a":2}`, `{"a":1}`))
	assert.Contains(t, NewJSONAsserter(rt).Diff(`{`, `{}`), "invalid actual JSON")
	assert.Equal(t, `{"a":1}`, MustJSON(map[string]int{"a": 1}))
}

func TestWithin(t *testing.T) {
	ch := make(chan int, 1)
	_, ok := Within(ch, 10*time.Millisecond)
	assert.False(t, ok)

	ch <- 7
	v, ok := Within(ch, time.Second)
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	now := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, now, FixedClock(now)())
}

func TestLoopback(t *testing.T) {
	a, b := NewLoopback()
	b.Handle("echo", func(_ context.Context, payload json.RawMessage) (any, error) {
		var in map[string]string
		_ = json.Unmarshal(payload, &in)
		return map[string]string{"got": in["say"]}, nil
	})
	b.Handle("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, ipc.WithCode("test.code", errors.New("nope"))
	})
	var seen []string
	b.OnEvent("tick", func(p json.RawMessage) { seen = append(seen, string(p)) })

	var out map[string]string
	require.NoError(t, a.Call(context.Background(), "echo", map[string]string{"say": "hi"}, &out))
	assert.Equal(t, "hi", out["got"])

	err := a.Call(context.Background(), "fail", nil, nil)
	assert.Equal(t, "test.code", ipc.RemoteCode(err), "handler codes MUST cross the loopback")

	err = a.Call(context.Background(), "missing", nil, nil)
	assert.Equal(t, ipc.CodeMethodNotFound, ipc.RemoteCode(err))

	require.NoError(t, a.Emit(context.Background(), "tick", 1))
	assert.Equal(t, []string{"1"}, seen)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, a.Call(context.Background(), "echo", nil, nil), ipc.ErrClosed, "closing one end MUST close both")
	assert.ErrorIs(t, a.Emit(context.Background(), "tick", 2), ipc.ErrClosed)
}

func TestFakeTransport(t *testing.T) {
	ctx := context.Background()
	f := NewFakeTransport(device.DeviceDescriptor{ID: "A", Name: "Snoozy"})

	found, err := f.Scan(ctx, device.ScanOptions{Name: "Snoozy"}, nil)
	require.NoError(t, err)
	require.Len(t, found, 1)

	h, err := f.Connect(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "Snoozy", h.Name)
	assert.True(t, f.IsConnected("A"))

	var got [][]byte
	var lost error
	sub, err := f.Subscribe(ctx, device.CharacteristicHandle{Device: h}, func(b []byte) { got = append(got, b) }, func(err error) { lost = err })
	require.NoError(t, err)
	_, ok := Within(f.Subscribed(), time.Second)
	assert.True(t, ok)

	assert.True(t, f.Notify([]byte("1")))
	require.NoError(t, sub.Close())
	assert.False(t, f.Notify([]byte("2")), "closed subscriptions MUST NOT receive data")
	f.NotifyStale([]byte("3"))
	assert.Len(t, got, 2, "NotifyStale MUST reach closed subscriptions too")
	assert.False(t, f.Drop(errors.New("gone")))
	assert.Nil(t, lost)

	f.Disconnect(h)
	assert.False(t, f.IsConnected("A"))
	assert.Equal(t, []string{"A"}, f.Connects())
	assert.Equal(t, []string{"A"}, f.Disconnects())
	assert.Zero(t, f.OpenSubscriptions())
}
