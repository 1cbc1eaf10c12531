package runtime

import "sync/atomic"

// seqGen produces monotonically increasing sequence numbers.
type seqGen struct {
	counter atomic.Uint64
}

func newSeqGen() *seqGen {
	return &seqGen{}
}

// newSeqGenFrom continues a sequence whose last issued value was last.
// Status messages of a retried execution keep counting where the previous
// attempt stopped.
func newSeqGenFrom(last uint64) *seqGen {
	s := &seqGen{}
	s.counter.Store(last)
	return s
}

// Next returns the next sequence number (1-indexed).
func (s *seqGen) Next() uint64 {
	return s.counter.Add(1)
}
