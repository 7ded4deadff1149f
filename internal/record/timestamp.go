package record

import (
	"sync"
	"time"
)

// TimeFormat is fixed-width so that lexicographic comparison of two
// timestamps matches their temporal order.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders a time as a wire timestamp.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Clock issues strictly increasing wire timestamps. Two calls within the same
// millisecond are disambiguated by advancing the second one.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockAt fixes the time source, for tests.
func NewClockAt(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Next returns a timestamp strictly greater than any previously returned.
func (c *Clock) Next() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Millisecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Millisecond)
	}
	c.last = t
	return t.Format(TimeFormat)
}
