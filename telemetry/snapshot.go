package telemetry

import "sync/atomic"

// Snapshot publishes the most recent Results to readers on other
// goroutines, such as the host status line. Readers never block the
// writer and always see a complete value.
type Snapshot struct {
	seq atomic.Uint32
	res atomic.Pointer[Results]
}

// Publish stores r and bumps the sequence counter.
func (s *Snapshot) Publish(r Results) uint32 {
	s.res.Store(&r)
	return s.seq.Add(1)
}

// Load returns the last published results with their sequence number.
// seq is zero until the first Publish completes.
func (s *Snapshot) Load() (seq uint32, r Results) {
	p := s.res.Load()
	seq = s.seq.Load()
	if p == nil {
		return 0, Results{}
	}
	return seq, *p
}
