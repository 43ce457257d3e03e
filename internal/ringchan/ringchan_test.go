package ringchan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingChannel_OverwritesOldest(t *testing.T) {
	rc := New[int](3)
	for i := 0; i < 10; i++ {
		rc.Send(i)
	}

	assert.Equal(t, []int{7, 8, 9}, rc.Drain(), "MUST keep only the newest values in order")

	m := rc.GetMetrics()
	assert.Equal(t, int64(10), m.Written)
	assert.Equal(t, int64(7), m.Overwritten)
	assert.Equal(t, int64(3), m.Processed)
}

func TestRingChannel_SendReportsDrop(t *testing.T) {
	rc := New[string](1)
	assert.False(t, rc.Send("a"))
	assert.True(t, rc.Send("b"), "MUST report the dropped element")
	v, ok := rc.TryReceive()
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestRingChannel_TrySend(t *testing.T) {
	rc := New[int](1)
	assert.True(t, rc.TrySend(1))
	assert.False(t, rc.TrySend(2), "full buffer MUST reject")
	assert.Equal(t, 1, rc.Len())
	assert.Equal(t, 1, rc.Cap())
}

func TestRingChannel_CloseIsIdempotentAndStopsSends(t *testing.T) {
	rc := New[int](2)
	rc.Send(1)
	rc.Close()
	rc.Close()

	assert.False(t, rc.Send(2), "send after close MUST be a no-op")
	assert.False(t, rc.TrySend(3))

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{1}, got, "reader MUST see buffered values then the close")
}

func TestRingChannel_ConcurrentWritersNeverBlock(t *testing.T) {
	rc := New[int](4)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				rc.Send(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, rc.Len())
	m := rc.GetMetrics()
	assert.Equal(t, int64(8000), m.Written)
	assert.Equal(t, int64(7996), m.Overwritten)
}

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
