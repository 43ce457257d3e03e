package device

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ScanCollector accumulates scan results in discovery order, deduplicating by
// device id. Later sightings refresh the name and RSSI but keep the position.
type ScanCollector struct {
	opts ScanOptions

	mu      sync.Mutex
	seen    *orderedmap.OrderedMap[string, DeviceDescriptor]
	matched bool
}

func NewScanCollector(opts ScanOptions) *ScanCollector {
	return &ScanCollector{
		opts: opts,
		seen: orderedmap.New[string, DeviceDescriptor](),
	}
}

// Add records a sighting. It returns isNew for first sightings and done when a
// filtered scan has found its match.
func (c *ScanCollector) Add(d DeviceDescriptor) (isNew bool, done bool) {
	if d.ID == "" {
		return false, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, present := c.seen.Get(d.ID)
	if present && d.Name == "" {
		d.Name = prev.Name
	}
	c.seen.Set(d.ID, d)

	if c.opts.Filtered() && c.opts.Matches(d) {
		c.matched = true
	}
	return !present, c.matched
}

// Results returns the descriptors matching the filter in discovery order.
func (c *ScanCollector) Results() []DeviceDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]DeviceDescriptor, 0, c.seen.Len())
	for pair := c.seen.Oldest(); pair != nil; pair = pair.Next() {
		if c.opts.Matches(pair.Value) {
			out = append(out, pair.Value)
		}
	}
	return out
}

// Finish returns Results or the not-found error when nothing matched.
func (c *ScanCollector) Finish() ([]DeviceDescriptor, error) {
	res := c.Results()
	if len(res) == 0 {
		return nil, c.opts.NotFound()
	}
	return res, nil
}
