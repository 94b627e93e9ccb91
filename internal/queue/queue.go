// Package queue implements the bounded priority queue that paces dispatch.
// Requests enter one of three FIFO classes (high, normal, low) and receive a
// ticket; the queue grants tickets in strict priority order whenever a
// dispatch slot is free. Low-priority requests are never promoted.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	muxerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/types"
)

// waitWindow is the number of recent grant waits kept for estimation.
const waitWindow = 1000

// finishedCap bounds how many finished request states are retained for
// status queries.
const finishedCap = 1024

// Config tunes the queue.
type Config struct {
	MaxSize     int           // combined bound across all classes
	Concurrency int           // simultaneous dispatch grants
	MaxWait     time.Duration // how long a ticket may wait; 0 = forever
}

// Queue is the three-class dispatch turnstile.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	high    *list.List // of *item
	normal  *list.List
	low     *list.List
	byID    map[string]*item
	running int
	paused  bool
	closed  bool

	finished     map[string]types.QueueState
	finishedList *list.List // of string, oldest at front

	waits     [waitWindow]float64 // grant waits in ms
	waitIdx   int
	waitCount int

	totalEnqueued int64
	totalDequeued int64
	totalDropped  int64
	totalRemoved  int64
}

type item struct {
	id       string
	priority types.Priority
	enqueued time.Time
	elem     *list.Element
	ready    chan error // buffered; receives nil on grant or a terminal error
}

// Ticket represents one queued request.
type Ticket struct {
	ID       string
	Priority types.Priority

	q        *Queue
	enqueued time.Time
	ready    chan error
	granted  bool
	finished bool
}

// New creates a queue.
func New(cfg Config) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	return &Queue{
		cfg:          cfg,
		high:         list.New(),
		normal:       list.New(),
		low:          list.New(),
		byID:         make(map[string]*item),
		finished:     make(map[string]types.QueueState),
		finishedList: list.New(),
	}
}

// Enqueue admits a request into its priority class. A full queue rejects
// immediately; admission never blocks.
func (q *Queue) Enqueue(priority types.Priority) (*Ticket, error) {
	priority = priority.Normalize()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, muxerrors.New(muxerrors.KindInternal, "queue is closed")
	}
	if q.sizeLocked() >= q.cfg.MaxSize {
		q.totalDropped++
		return nil, muxerrors.Newf(muxerrors.KindQueueFull,
			"queue is full (%d waiting)", q.sizeLocked())
	}

	it := &item{
		id:       uuid.NewString(),
		priority: priority,
		enqueued: time.Now(),
		ready:    make(chan error, 1),
	}
	it.elem = q.classLocked(priority).PushBack(it)
	q.byID[it.id] = it
	q.totalEnqueued++

	q.dequeueLocked()

	return &Ticket{
		ID:       it.id,
		Priority: priority,
		q:        q,
		enqueued: it.enqueued,
		ready:    it.ready,
	}, nil
}

func (q *Queue) classLocked(p types.Priority) *list.List {
	switch p {
	case types.PriorityHigh:
		return q.high
	case types.PriorityLow:
		return q.low
	default:
		return q.normal
	}
}

func (q *Queue) sizeLocked() int {
	return q.high.Len() + q.normal.Len() + q.low.Len()
}

// dequeueLocked grants tickets while dispatch slots are free, draining high
// before normal before low, FIFO within a class.
func (q *Queue) dequeueLocked() {
	for !q.paused && q.running < q.cfg.Concurrency {
		var front *list.Element
		var class *list.List
		switch {
		case q.high.Len() > 0:
			class, front = q.high, q.high.Front()
		case q.normal.Len() > 0:
			class, front = q.normal, q.normal.Front()
		case q.low.Len() > 0:
			class, front = q.low, q.low.Front()
		default:
			return
		}

		it, _ := front.Value.(*item)
		class.Remove(front)
		delete(q.byID, it.id)

		q.running++
		q.totalDequeued++
		q.recordWaitLocked(time.Since(it.enqueued))
		q.setFinishedLocked(it.id, types.QueueStateProcessing)
		it.ready <- nil
	}
}

func (q *Queue) recordWaitLocked(d time.Duration) {
	q.waits[q.waitIdx] = float64(d.Milliseconds())
	q.waitIdx = (q.waitIdx + 1) % waitWindow
	if q.waitCount < waitWindow {
		q.waitCount++
	}
}

func (q *Queue) avgWaitLocked() float64 {
	if q.waitCount == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < q.waitCount; i++ {
		sum += q.waits[i]
	}
	return sum / float64(q.waitCount)
}

func (q *Queue) setFinishedLocked(id string, state types.QueueState) {
	if _, ok := q.finished[id]; !ok {
		q.finishedList.PushBack(id)
		for q.finishedList.Len() > finishedCap {
			oldest := q.finishedList.Front()
			q.finishedList.Remove(oldest)
			old, _ := oldest.Value.(string)
			delete(q.finished, old)
		}
	}
	q.finished[id] = state
}

// abandonLocked removes a still-queued item. Returns false when the item
// has already been granted or removed.
func (q *Queue) abandonLocked(id string) bool {
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	q.classLocked(it.priority).Remove(it.elem)
	delete(q.byID, id)
	return true
}

// release frees one dispatch slot and hands it to the next waiter.
func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running > 0 {
		q.running--
	}
	q.dequeueLocked()
}

// Wait blocks until the ticket is granted a dispatch slot. It fails with a
// queue timeout once the configured maximum wait elapses, or with a
// cancellation error when ctx ends first. A failed wait leaves no slot
// held.
func (t *Ticket) Wait(ctx context.Context) error {
	var timeout <-chan time.Time
	if t.q.cfg.MaxWait > 0 {
		timer := time.NewTimer(t.q.cfg.MaxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-t.ready:
		if err != nil {
			return err
		}
		t.granted = true
		return nil
	case <-ctx.Done():
		return t.abandon(muxerrors.Wrap(muxerrors.KindCancelled,
			ctx.Err(), "request cancelled while queued"))
	case <-timeout:
		return t.abandon(muxerrors.Newf(muxerrors.KindQueueTimeout,
			"request spent more than %s queued", t.q.cfg.MaxWait))
	}
}

// abandon withdraws the ticket after a timeout or cancellation. If a grant
// raced ahead, the slot is surrendered so the withdrawal never strands
// capacity.
func (t *Ticket) abandon(cause *muxerrors.Error) error {
	q := t.q
	q.mu.Lock()
	removed := q.abandonLocked(t.ID)
	if removed {
		q.totalDropped++
		q.setFinishedLocked(t.ID, types.QueueStateFailed)
	}
	q.mu.Unlock()

	if !removed {
		select {
		case err := <-t.ready:
			if err == nil {
				q.mu.Lock()
				q.setFinishedLocked(t.ID, types.QueueStateFailed)
				q.mu.Unlock()
				q.release()
			}
		default:
		}
	}
	t.finished = true
	return cause
}

// Finish releases the dispatch slot and records the terminal state.
func (t *Ticket) Finish(failed bool) {
	if t.finished || !t.granted {
		return
	}
	t.finished = true

	q := t.q
	q.mu.Lock()
	if failed {
		q.setFinishedLocked(t.ID, types.QueueStateFailed)
	} else {
		q.setFinishedLocked(t.ID, types.QueueStateCompleted)
	}
	q.mu.Unlock()

	q.release()
}

// Depth reports the number of queued requests.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

// DepthByPriority reports queued requests per class.
func (q *Queue) DepthByPriority() map[types.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[types.Priority]int{
		types.PriorityHigh:   q.high.Len(),
		types.PriorityNormal: q.normal.Len(),
		types.PriorityLow:    q.low.Len(),
	}
}

// Metrics snapshots the queue counters.
func (q *Queue) Metrics() types.QueueMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return types.QueueMetrics{
		Depth:         q.sizeLocked(),
		DepthHigh:     q.high.Len(),
		DepthNormal:   q.normal.Len(),
		DepthLow:      q.low.Len(),
		Running:       q.running,
		TotalEnqueued: q.totalEnqueued,
		TotalDequeued: q.totalDequeued,
		TotalDropped:  q.totalDropped,
		TotalRemoved:  q.totalRemoved,
		AvgWaitMS:     q.avgWaitLocked(),
		Paused:        q.paused,
	}
}

// RequestStatus reports where a request currently stands. For queued
// requests the position counts how many grants happen before it, and the
// estimated wait extrapolates from recent grant waits.
func (q *Queue) RequestStatus(id string) (types.QueueRequestStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.byID[id]; ok {
		pos := q.positionLocked(it)
		avg := q.avgWaitLocked()
		batches := (pos / q.cfg.Concurrency) + 1
		return types.QueueRequestStatus{
			ID:              id,
			State:           types.QueueStateQueued,
			Priority:        it.priority,
			Position:        pos,
			EstimatedWaitMS: int64(avg * float64(batches)),
			EnqueuedAt:      it.enqueued,
		}, true
	}

	if state, ok := q.finished[id]; ok {
		return types.QueueRequestStatus{ID: id, State: state}, true
	}
	return types.QueueRequestStatus{}, false
}

func (q *Queue) positionLocked(target *item) int {
	pos := 0
	scan := func(l *list.List) bool {
		for e := l.Front(); e != nil; e = e.Next() {
			if e == target.elem {
				return true
			}
			pos++
		}
		return false
	}
	switch target.priority {
	case types.PriorityHigh:
		scan(q.high)
	case types.PriorityNormal:
		pos = q.high.Len()
		scan(q.normal)
	default:
		pos = q.high.Len() + q.normal.Len()
		scan(q.low)
	}
	return pos
}

// Requests lists every queued request in grant order.
func (q *Queue) Requests() []types.QueueRequestStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	avg := q.avgWaitLocked()
	out := make([]types.QueueRequestStatus, 0, q.sizeLocked())
	pos := 0
	for _, class := range []*list.List{q.high, q.normal, q.low} {
		for e := class.Front(); e != nil; e = e.Next() {
			it, _ := e.Value.(*item)
			batches := (pos / q.cfg.Concurrency) + 1
			out = append(out, types.QueueRequestStatus{
				ID:              it.id,
				State:           types.QueueStateQueued,
				Priority:        it.priority,
				Position:        pos,
				EstimatedWaitMS: int64(avg * float64(batches)),
				EnqueuedAt:      it.enqueued,
			})
			pos++
		}
	}
	return out
}

// Remove withdraws one queued request. Granted or unknown requests are not
// affected.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return false
	}
	q.abandonLocked(id)
	q.totalRemoved++
	q.setFinishedLocked(id, types.QueueStateFailed)
	it.ready <- muxerrors.New(muxerrors.KindCancelled, "request removed from queue")
	return true
}

// Clear withdraws every queued request. In-flight dispatches are not
// affected.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clearLocked()
}

func (q *Queue) clearLocked() int {
	n := 0
	for _, class := range []*list.List{q.high, q.normal, q.low} {
		for e := class.Front(); e != nil; e = e.Next() {
			it, _ := e.Value.(*item)
			delete(q.byID, it.id)
			q.setFinishedLocked(it.id, types.QueueStateFailed)
			it.ready <- muxerrors.New(muxerrors.KindCancelled, "queue cleared")
			n++
		}
		class.Init()
	}
	q.totalRemoved += int64(n)
	return n
}

// Pause stops granting dispatch slots. Queued and new requests keep
// accumulating until Resume.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume restarts grants.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.dequeueLocked()
}

// Close clears the queue and rejects future enqueues.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.clearLocked()
}
