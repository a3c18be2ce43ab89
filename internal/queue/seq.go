package queue

import "sync/atomic"

// seqClock is a monotonic logical clock stamping enqueue order.
// It resumes from the highest stored seq so order survives restarts.
type seqClock struct {
	seq atomic.Int64
}

func newSeqClockAt(start int64) *seqClock {
	c := &seqClock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *seqClock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *seqClock) Current() int64 {
	return c.seq.Load()
}
