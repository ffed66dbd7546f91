package eventlog

import "testing"

// A second compaction triggered while one is already running for the same
// board must back off rather than bundle the same rows again. With the gate
// held, compact has to return before touching the database; the nil handle
// here would panic if it did not.
func TestCompactionBacksOffWhileInFlight(t *testing.T) {
	s := NewGormStore(nil, 0)

	bs := s.boardSeq(7)
	bs.compactMu.Lock()
	defer bs.compactMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.compact(7)
	}()
	<-done
}
