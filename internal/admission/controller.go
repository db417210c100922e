// ============================================================================
// Stream Gateway Admission Controller - Slot Pool + FIFO Wait Queue
// ============================================================================
//
// Package: internal/admission
// File: controller.go
// Purpose: Bound the number of concurrently running generation jobs for the
//          whole process and queue the excess in strict FIFO order
//
// State:
//   active  map[JobID]time.Time   - holders of a slot (len(active) <= capacity)
//   queue   *list.List            - waiting jobs, front = next to be granted
//   waiting map[JobID]*list.Element - O(1) removal from the middle of the queue
//
// Slot Lifecycle:
//   RequestSlot()
//      ├─ free slot  → granted immediately (active++)
//      └─ no slot    → pushed to queue tail, caller waits on Ticket.Ready()
//   ReleaseSlot()
//      └─ active--, pop queue head, grant it (active++), close its ready chan
//   CancelWait()
//      └─ remove a waiting job; no-op if already granted or unknown
//   TryAcquire()
//      └─ grant if free, otherwise report the would-be position; never queues
//
// Positions:
//   Every removal from the queue nudges the waiters behind the removed entry
//   (buffered chan, non-blocking send). Acquire re-reads Position on a nudge
//   and reports the new rank through onQueued.
//
// Concurrency:
//   - One sync.Mutex guards active/queue/waiting
//   - Critical sections only mutate state; observers and logging run after Unlock
//   - A grant closes exactly the granted waiter's channel, no broadcast
//
// ============================================================================

package admission

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/stream-gateway/pkg/types"
)

var (
	// ErrDuplicateJob is returned when a job id already holds or waits for a slot.
	ErrDuplicateJob = errors.New("job already admitted or waiting")
	// ErrAdmissionTimeout means the caller gave up, or hit the wait bound, before a grant.
	ErrAdmissionTimeout = errors.New("admission wait abandoned")
)

// QueuedError reports that a job could not be granted a slot immediately.
// Returned when the caller asked not to wait.
type QueuedError struct {
	JobID    types.JobID
	Position int
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("job %s queued at position %d", e.JobID, e.Position)
}

// Observer receives state snapshots after each mutation. Calls happen outside
// the controller lock, so implementations may block briefly or do I/O.
type Observer interface {
	SlotGranted(id types.JobID, waited time.Duration, st types.QueueStatus)
	JobQueued(id types.JobID, position int, st types.QueueStatus)
	WaitCancelled(id types.JobID, st types.QueueStatus)
	SlotReleased(id types.JobID, held time.Duration, st types.QueueStatus)
}

// Ticket is the answer to RequestSlot.
type Ticket struct {
	JobID    types.JobID
	Granted  bool
	Position int // 1-based rank in the wait queue at request time; 0 when granted
	ready    chan struct{}
	moved    chan struct{}
}

// Ready is closed when a queued ticket is granted. Nil for granted tickets.
func (t Ticket) Ready() <-chan struct{} {
	return t.ready
}

type waiter struct {
	id         types.JobID
	enqueuedAt time.Time
	ready      chan struct{}
	moved      chan struct{} // cap 1, signalled when someone ahead leaves
}

// Controller is the process-wide admission gate. Create one at startup and
// share the pointer with every request handler.
type Controller struct {
	mu       sync.Mutex
	capacity int
	active   map[types.JobID]time.Time
	queue    *list.List
	waiting  map[types.JobID]*list.Element

	maxWait  time.Duration
	observer Observer
	log      *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver registers an observer for state transitions.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMaxWait bounds how long Acquire waits in the queue. Zero means unbounded.
func WithMaxWait(d time.Duration) Option {
	return func(c *Controller) { c.maxWait = d }
}

// New creates a controller with the given capacity. Capacity below 1 is raised to 1.
func New(capacity int, opts ...Option) *Controller {
	if capacity < 1 {
		capacity = 1
	}
	c := &Controller{
		capacity: capacity,
		active:   make(map[types.JobID]time.Time, capacity),
		queue:    list.New(),
		waiting:  make(map[types.JobID]*list.Element),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestSlot grants a slot immediately when one is free, otherwise enqueues
// the job and reports its position.
func (c *Controller) RequestSlot(id types.JobID) (Ticket, error) {
	now := time.Now()

	c.mu.Lock()
	if c.knownLocked(id) {
		c.mu.Unlock()
		return Ticket{}, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}

	if len(c.active) < c.capacity {
		c.active[id] = now
		st := c.statusLocked()
		c.mu.Unlock()

		c.grantedNow(id, st)
		return Ticket{JobID: id, Granted: true}, nil
	}

	w := &waiter{id: id, enqueuedAt: now, ready: make(chan struct{}), moved: make(chan struct{}, 1)}
	c.waiting[id] = c.queue.PushBack(w)
	pos := c.queue.Len()
	st := c.statusLocked()
	c.mu.Unlock()

	c.log.Info("admission.job.queued", "job_id", id, "position", pos, "queued", st.Queued)
	if c.observer != nil {
		c.observer.JobQueued(id, pos, st)
	}
	return Ticket{JobID: id, Position: pos, ready: w.ready, moved: w.moved}, nil
}

func (c *Controller) grantedNow(id types.JobID, st types.QueueStatus) {
	c.log.Debug("admission.slot.granted", "job_id", id, "active", st.Active, "capacity", st.Capacity)
	if c.observer != nil {
		c.observer.SlotGranted(id, 0, st)
	}
}

// ReleaseSlot frees the slot held by id and hands it to the queue head, if any.
// Releasing a job that holds no slot is a no-op and returns false.
func (c *Controller) ReleaseSlot(id types.JobID) bool {
	now := time.Now()

	c.mu.Lock()
	grantedAt, ok := c.active[id]
	if !ok {
		c.mu.Unlock()
		c.log.Warn("admission.release.unknown", "job_id", id)
		return false
	}
	delete(c.active, id)

	var next *waiter
	if front := c.queue.Front(); front != nil {
		next = c.queue.Remove(front).(*waiter)
		delete(c.waiting, next.id)
		c.active[next.id] = now
		close(next.ready)
		nudgeLocked(c.queue.Front())
	}
	st := c.statusLocked()
	c.mu.Unlock()

	c.log.Debug("admission.slot.released", "job_id", id, "active", st.Active, "queued", st.Queued)
	if c.observer != nil {
		c.observer.SlotReleased(id, now.Sub(grantedAt), st)
	}
	if next != nil {
		waited := now.Sub(next.enqueuedAt)
		c.log.Info("admission.slot.granted", "job_id", next.id, "waited_ms", waited.Milliseconds())
		if c.observer != nil {
			c.observer.SlotGranted(next.id, waited, st)
		}
	}
	return true
}

// CancelWait removes a waiting job from the queue. It returns false when the
// job is not waiting, either because it was already granted or never queued.
func (c *Controller) CancelWait(id types.JobID) bool {
	c.mu.Lock()
	elem, ok := c.waiting[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	behind := elem.Next()
	c.queue.Remove(elem)
	delete(c.waiting, id)
	nudgeLocked(behind)
	st := c.statusLocked()
	c.mu.Unlock()

	c.log.Info("admission.wait.cancelled", "job_id", id, "queued", st.Queued)
	if c.observer != nil {
		c.observer.WaitCancelled(id, st)
	}
	return true
}

// Status returns a snapshot of the pool and queue.
func (c *Controller) Status() types.QueueStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Position returns the current 1-based queue rank of a waiting job.
func (c *Controller) Position(id types.JobID) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.waiting[id]; !ok {
		return 0, false
	}
	pos := 1
	for e := c.queue.Front(); e != nil; e = e.Next() {
		if e.Value.(*waiter).id == id {
			return pos, true
		}
		pos++
	}
	return 0, false
}

// holds reports whether id currently owns a slot.
func (c *Controller) holds(id types.JobID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[id]
	return ok
}

// Capacity returns the configured ceiling.
func (c *Controller) Capacity() int {
	return c.capacity
}

func (c *Controller) knownLocked(id types.JobID) bool {
	if _, ok := c.active[id]; ok {
		return true
	}
	_, ok := c.waiting[id]
	return ok
}

// nudgeLocked tells every waiter from e to the tail that its rank changed.
func nudgeLocked(e *list.Element) {
	for ; e != nil; e = e.Next() {
		select {
		case e.Value.(*waiter).moved <- struct{}{}:
		default:
		}
	}
}

func (c *Controller) statusLocked() types.QueueStatus {
	return types.QueueStatus{
		Active:   len(c.active),
		Queued:   c.queue.Len(),
		Capacity: c.capacity,
	}
}

// ============================================================================
// Blocking acquisition
// ============================================================================

// Lease is a granted slot. Release is idempotent.
type Lease struct {
	c    *Controller
	id   types.JobID
	once sync.Once
}

// JobID returns the job holding the lease.
func (l *Lease) JobID() types.JobID {
	return l.id
}

// Release returns the slot to the controller.
func (l *Lease) Release() {
	l.once.Do(func() { l.c.ReleaseSlot(l.id) })
}

// Acquire requests a slot and blocks until it is granted or ctx is done.
// onQueued, if non-nil, is called with the position when the job has to wait
// and again each time the job moves up the queue. Calls happen on the
// caller's goroutine, in order.
// On cancellation the job is removed from the queue; a grant that raced with
// the cancellation is released before returning.
func (c *Controller) Acquire(ctx context.Context, id types.JobID, onQueued func(position int)) (*Lease, error) {
	t, err := c.RequestSlot(id)
	if err != nil {
		return nil, err
	}
	if t.Granted {
		return &Lease{c: c, id: id}, nil
	}
	last := t.Position
	if onQueued != nil {
		onQueued(last)
	}

	waitCtx := ctx
	if c.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.maxWait)
		defer cancel()
	}

	for {
		select {
		case <-t.Ready():
			return &Lease{c: c, id: id}, nil
		case <-t.moved:
			pos, ok := c.Position(id)
			if !ok || pos == last {
				continue
			}
			last = pos
			c.log.Debug("admission.job.moved", "job_id", id, "position", pos)
			if onQueued != nil {
				onQueued(pos)
			}
		case <-waitCtx.Done():
			if !c.CancelWait(id) {
				// granted between Done and CancelWait
				c.ReleaseSlot(id)
			}
			return nil, fmt.Errorf("%w: %w", ErrAdmissionTimeout, waitCtx.Err())
		}
	}
}

// TryAcquire grants a slot only if one is free right now. It never touches
// the queue: when the pool is full a *QueuedError carries the position the
// job would have had.
func (c *Controller) TryAcquire(id types.JobID) (*Lease, error) {
	now := time.Now()

	c.mu.Lock()
	if c.knownLocked(id) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	if len(c.active) >= c.capacity {
		pos := c.queue.Len() + 1
		c.mu.Unlock()
		c.log.Debug("admission.try.busy", "job_id", id, "position", pos)
		return nil, &QueuedError{JobID: id, Position: pos}
	}
	c.active[id] = now
	st := c.statusLocked()
	c.mu.Unlock()

	c.grantedNow(id, st)
	return &Lease{c: c, id: id}, nil
}
