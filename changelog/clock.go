package changelog

import (
	"sync"
	"time"

	"readsync/document"
)

// Clock issues logical timestamps for one device. Each timestamp is the
// wall clock in milliseconds, bumped past the last one issued and past any
// remote timestamp observed, so a device whose clock runs behind still
// writes after everything it has already seen.
type Clock struct {
	mu     sync.Mutex
	device string
	last   int64
	now    func() time.Time
}

// NewClock returns a clock for device reading wall time from now.
// A nil now uses time.Now.
func NewClock(device string, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{device: device, now: now}
}

// Device returns the id stamped on every timestamp.
func (c *Clock) Device() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// SetDevice changes the device id, used after a local data reset.
func (c *Clock) SetDevice(device string) {
	c.mu.Lock()
	c.device = device
	c.mu.Unlock()
}

// Next returns a timestamp strictly after every one issued or observed.
func (c *Clock) Next() document.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UnixMilli()
	if t <= c.last {
		t = c.last + 1
	}
	c.last = t
	return document.Timestamp{Time: t, Device: c.device}
}

// Observe advances the clock past a timestamp seen from elsewhere.
func (c *Clock) Observe(ts document.Timestamp) {
	c.mu.Lock()
	if ts.Time > c.last {
		c.last = ts.Time
	}
	c.mu.Unlock()
}

// ObserveDocument advances the clock past every write in doc.
func (c *Clock) ObserveDocument(doc *document.Document) {
	if doc == nil {
		return
	}
	var newest int64
	see := func(ts document.Timestamp) {
		if ts.Time > newest {
			newest = ts.Time
		}
	}
	for _, coll := range []document.Collection{document.Books, document.Annotations, document.LexiconRules} {
		for _, rec := range doc.Records(coll) {
			see(rec.Life.TS)
			for _, reg := range rec.Fields {
				see(reg.TS)
			}
		}
	}
	for _, v := range doc.ReadingHistory {
		see(v.At)
		see(v.State.TS)
	}
	for _, reg := range doc.Preferences {
		see(reg.TS)
	}
	c.Observe(document.Timestamp{Time: newest})
}
