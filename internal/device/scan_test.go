package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rssi(v int) *int { return &v }

func TestScanCollector_KeepsDiscoveryOrderAndDedups(t *testing.T) {
	c := NewScanCollector(ScanOptions{})

	isNew, done := c.Add(DeviceDescriptor{ID: "b", Name: "Band", RSSI: rssi(-70)})
	assert.True(t, isNew)
	assert.False(t, done, "unfiltered scan MUST never resolve early")

	c.Add(DeviceDescriptor{ID: "a", Name: "Snoozy", RSSI: rssi(-40)})
	isNew, _ = c.Add(DeviceDescriptor{ID: "b", RSSI: rssi(-60)})
	assert.False(t, isNew, "repeat sighting MUST NOT count as new")

	res, err := c.Finish()
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "b", res[0].ID, "MUST keep first-seen position")
	assert.Equal(t, "Band", res[0].Name, "MUST keep a known name when a later sighting has none")
	assert.Equal(t, -60, *res[0].RSSI, "MUST refresh RSSI")
	assert.Equal(t, "a", res[1].ID)
}

func TestScanCollector_FilteredResolvesOnMatch(t *testing.T) {
	c := NewScanCollector(ScanOptions{Name: DefaultDeviceName})

	_, done := c.Add(DeviceDescriptor{ID: "x", Name: "Other"})
	assert.False(t, done)
	_, done = c.Add(DeviceDescriptor{ID: "abc", Name: "Snoozy"})
	assert.True(t, done, "MUST resolve on the first match")

	res, err := c.Finish()
	require.NoError(t, err)
	assert.Equal(t, []DeviceDescriptor{{ID: "abc", Name: "Snoozy"}}, res, "MUST only return matches")
}

func TestScanCollector_NothingMatched(t *testing.T) {
	c := NewScanCollector(ScanOptions{ID: "abc", Window: 2 * time.Second})
	c.Add(DeviceDescriptor{ID: "zzz"})
	c.Add(DeviceDescriptor{}) // ignored

	_, err := c.Finish()
	var nf *DeviceNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "abc", nf.ID)
	assert.Equal(t, "2s", nf.Window)
}

func TestScanOptions_WindowOrDefault(t *testing.T) {
	assert.Equal(t, DefaultScanWindow, ScanOptions{}.WindowOrDefault())
	assert.Equal(t, time.Second, ScanOptions{Window: time.Second}.WindowOrDefault())
}

func TestSubscriptionFunc(t *testing.T) {
	calls := 0
	var sub Subscription = SubscriptionFunc(func() error { calls++; return nil })
	require.NoError(t, sub.Close())
	assert.Equal(t, 1, calls)
}
