package stats

import "sync/atomic"

// Counter counts protocol events (reconnects, resets, recovered bytes).
// Tick and Report compile to no-ops unless the stats build tag is set.
type Counter struct {
	tag   string
	count uint64
}

func NewCounter(tag string) Counter {
	return Counter{
		tag:   tag,
		count: 0,
	}
}

func (c *Counter) GetCount() uint64 {
	return c.count
}

type AtomicCounter struct {
	tag   string
	count uint64
}

func NewAtomicCounter(tag string) AtomicCounter {
	return AtomicCounter{
		tag:   tag,
		count: 0,
	}
}

func (c *AtomicCounter) GetCount() uint64 {
	return atomic.LoadUint64(&c.count)
}
