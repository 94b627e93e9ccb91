// Package ratelimit paces dispatch per provider. Each provider gets a
// limiter combining a FIFO concurrency gate (maxConcurrent), a minimum
// spacing between dispatch starts (minTime), and an optional token
// reservoir refilled over time. Waiters are served in arrival order; a
// cancelled waiter gives its place back without consuming spacing budget.
package ratelimit

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/modelmux/modelmux/pkg/config"
	muxerrors "github.com/modelmux/modelmux/pkg/errors"
)

// Limiter is the dispatch budget for one provider.
type Limiter struct {
	provider string

	sem       *fifoSem      // nil when maxConcurrent is unbounded
	pacer     *rate.Limiter // nil when minTime is zero
	reservoir *rate.Limiter // nil when no reservoir is configured

	settings config.RateLimitSettings
}

// NewLimiter builds a limiter from settings. Zero values leave the
// corresponding constraint unbounded.
func NewLimiter(provider string, s config.RateLimitSettings) *Limiter {
	l := &Limiter{provider: provider, settings: s}
	if s.MaxConcurrent > 0 {
		l.sem = newFIFOSem(s.MaxConcurrent)
	}
	if s.MinTime > 0 {
		l.pacer = rate.NewLimiter(rate.Every(s.MinTime), 1)
	}
	if s.Reservoir > 0 {
		refill := rate.Limit(float64(s.RefillPerInterval) / s.Interval.Seconds())
		l.reservoir = rate.NewLimiter(refill, s.Reservoir)
	}
	return l
}

// Acquire blocks until the caller may dispatch: first a concurrency slot in
// FIFO order, then the spacing and reservoir budgets. The returned release
// function frees the slot and must be called exactly once, after the
// dispatch completes. Cancellation while waiting surrenders the slot and
// refunds unspent budget.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if l.sem != nil {
		if err := l.sem.acquire(ctx); err != nil {
			return nil, muxerrors.Wrap(muxerrors.KindCancelled,
				err, "request cancelled while waiting for a dispatch slot")
		}
	}
	releaseSlot := func() {
		if l.sem != nil {
			l.sem.release()
		}
	}

	if l.pacer != nil {
		if err := l.pacer.Wait(ctx); err != nil {
			releaseSlot()
			return nil, muxerrors.Wrap(muxerrors.KindCancelled,
				err, "request cancelled while pacing dispatch")
		}
	}
	if l.reservoir != nil {
		if err := l.reservoir.Wait(ctx); err != nil {
			releaseSlot()
			return nil, muxerrors.Wrap(muxerrors.KindCancelled,
				err, "request cancelled while waiting for reservoir tokens")
		}
	}

	return releaseSlot, nil
}

// InFlight reports how many dispatches currently hold a slot. Unbounded
// limiters report zero.
func (l *Limiter) InFlight() int {
	if l.sem == nil {
		return 0
	}
	return l.sem.inFlight()
}

// Waiting reports how many callers are parked for a slot.
func (l *Limiter) Waiting() int {
	if l.sem == nil {
		return 0
	}
	return l.sem.waiting()
}

// Settings returns the configuration the limiter was built from.
func (l *Limiter) Settings() config.RateLimitSettings {
	return l.settings
}

// fifoSem is a counting semaphore that grants permits in arrival order.
// Release hands the permit directly to the oldest waiter, so later arrivals
// cannot overtake.
type fifoSem struct {
	mu       sync.Mutex
	capacity int
	current  int
	waiters  *list.List // of chan struct{}
}

func newFIFOSem(capacity int) *fifoSem {
	return &fifoSem{capacity: capacity, waiters: list.New()}
}

func (s *fifoSem) acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.current < s.capacity && s.waiters.Len() == 0 {
		s.current++
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	elem := s.waiters.PushBack(ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-ch:
			// A grant raced with the cancellation. Pass the permit on so
			// it is not stranded.
			s.releaseLocked()
			s.mu.Unlock()
		default:
			s.waiters.Remove(elem)
			s.mu.Unlock()
		}
		return ctx.Err()
	}
}

func (s *fifoSem) release() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

func (s *fifoSem) releaseLocked() {
	if front := s.waiters.Front(); front != nil {
		s.waiters.Remove(front)
		ch, _ := front.Value.(chan struct{})
		close(ch) // permit transfers; current is unchanged
		return
	}
	if s.current > 0 {
		s.current--
	}
}

func (s *fifoSem) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *fifoSem) waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}
