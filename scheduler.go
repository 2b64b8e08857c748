package snapdiff

import (
	"fmt"
	"sync"
)

// DefaultMaxInFlight bounds concurrent object queries when DiffOptions
// does not say otherwise.
const DefaultMaxInFlight = 10

// diffScheduler coordinates per-object diff work: it bounds the number
// of in-flight queries and re-orders their results back into submission
// order before delivery. One instance serves one DiffIterate call; the
// driving goroutine is the only caller of startOp, invokeCallback and
// waitIdle, while finishOp arrives from arbitrary worker goroutines.
type diffScheduler struct {
	mu   sync.Mutex
	cond sync.Cond

	limit    int
	inFlight int

	nextReq    uint64
	waitingReq uint64
	results    map[uint64][]DiffRecord

	// first failure observed; never overwritten, always the final verdict
	err error
}

func newDiffScheduler(limit int) *diffScheduler {
	if limit <= 0 {
		limit = DefaultMaxInFlight
	}
	s := &diffScheduler{
		limit:   limit,
		results: make(map[uint64][]DiffRecord),
	}
	s.cond.L = &s.mu
	return s
}

// startOp blocks while the concurrency window is full, then assigns
// the next request number in strict submission order.
func (s *diffScheduler) startOp() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.inFlight >= s.limit {
		s.cond.Wait()
	}
	s.inFlight++
	InFlightOps.Inc()
	req := s.nextReq
	s.nextReq++
	return req
}

// finishOp records one request's outcome. Records are buffered by
// request number until every earlier request has been delivered.
func (s *diffScheduler) finishOp(req uint64, err error, recs []DiffRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[req] = recs
	if s.err == nil && err != nil {
		s.err = err
	}
	s.inFlight--
	InFlightOps.Dec()
	s.cond.Broadcast()
}

// invokeCallback delivers every buffered result whose request number
// matches the waiting counter, cascading while the next number is
// already buffered. The lock is dropped around the user callback so a
// re-entrant callback cannot deadlock; delivery stays serialized
// because only the driving goroutine ever drains.
func (s *diffScheduler) invokeCallback(cb DiffCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}

	for {
		recs, ok := s.results[s.waitingReq]
		if !ok {
			return nil
		}
		delete(s.results, s.waitingReq)
		for _, d := range recs {
			s.mu.Unlock()
			err := cb(d.Offset, d.Length, d.Exists)
			s.mu.Lock()
			RecordsDelivered.Inc()
			if s.err == nil && err != nil {
				s.err = fmt.Errorf("%w: %w", ErrCallbackAborted, err)
				return s.err
			}
		}
		s.waitingReq++
	}
}

// waitIdle blocks until no submitted work is outstanding and returns
// the sticky error, if any.
func (s *diffScheduler) waitIdle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.inFlight > 0 {
		s.cond.Wait()
	}
	return s.err
}
