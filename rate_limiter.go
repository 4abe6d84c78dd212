package fetchkit

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

type admission struct {
	at     time.Time
	weight int
}

type waiter struct {
	weight   int
	ready    chan struct{}
	admitted bool
}

// SlidingWindow admits at most limit units of weight in any trailing window.
// Callers that do not fit wait in strict FIFO order.
type SlidingWindow struct {
	mu         sync.Mutex
	limit      int
	window     time.Duration
	queue      bool
	maxQueue   int
	admissions []admission
	waiters    *list.List
	timer      *time.Timer
	now        func() time.Time
	onQueue    func(depth int)
	// onAdmit observes queued callers as they are admitted, under mu.
	onAdmit func(*waiter)
}

// NewSlidingWindow creates a window. With queue false, callers that do not
// fit immediately get ErrRateLimited; maxQueue <= 0 means unbounded.
func NewSlidingWindow(limit int, window time.Duration, queue bool, maxQueue int) *SlidingWindow {
	return &SlidingWindow{
		limit:    limit,
		window:   window,
		queue:    queue,
		maxQueue: maxQueue,
		waiters:  list.New(),
		now:      time.Now,
	}
}

// Acquire blocks until weight units are admitted, the caller is rejected,
// or ctx is done.
func (w *SlidingWindow) Acquire(ctx context.Context, weight int) error {
	if weight <= 0 {
		weight = 1
	}
	if weight > w.limit {
		return fmt.Errorf("%w: weight %d exceeds limit %d", ErrRateLimited, weight, w.limit)
	}

	w.mu.Lock()
	now := w.now()
	w.purgeLocked(now)
	if w.waiters.Len() == 0 && w.usedLocked()+weight <= w.limit {
		w.admissions = append(w.admissions, admission{at: now, weight: weight})
		w.mu.Unlock()
		return nil
	}
	if !w.queue || (w.maxQueue > 0 && w.waiters.Len() >= w.maxQueue) {
		w.mu.Unlock()
		return ErrRateLimited
	}

	wt := &waiter{weight: weight, ready: make(chan struct{})}
	elem := w.waiters.PushBack(wt)
	w.scheduleLocked(now)
	w.reportLocked()
	w.mu.Unlock()

	select {
	case <-wt.ready:
		return nil
	case <-ctx.Done():
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if wt.admitted {
		// Admitted concurrently with cancellation; the slot stays consumed.
		return ctx.Err()
	}
	w.waiters.Remove(elem)
	w.drainLocked(w.now())
	w.reportLocked()
	return ctx.Err()
}

// TryAcquire admits weight units only if they fit now and nobody is queued.
func (w *SlidingWindow) TryAcquire(weight int) bool {
	if weight <= 0 {
		weight = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.purgeLocked(now)
	if w.waiters.Len() > 0 || w.usedLocked()+weight > w.limit {
		return false
	}
	w.admissions = append(w.admissions, admission{at: now, weight: weight})
	return true
}

// RateLimitStats describes a window's current usage.
type RateLimitStats struct {
	Admitted   int
	QueueDepth int
	Remaining  int
}

// Stats returns usage in the current window.
func (w *SlidingWindow) Stats() RateLimitStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.purgeLocked(w.now())
	used := w.usedLocked()
	remaining := w.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitStats{Admitted: used, QueueDepth: w.waiters.Len(), Remaining: remaining}
}

// Reset forgets past admissions and admits queued callers that now fit.
func (w *SlidingWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.admissions = nil
	w.drainLocked(w.now())
	w.reportLocked()
}

// Stop cancels the wake-up timer. Queued callers stay queued until their
// contexts end.
func (w *SlidingWindow) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *SlidingWindow) purgeLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.admissions) && !w.admissions[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.admissions = append(w.admissions[:0], w.admissions[i:]...)
	}
}

func (w *SlidingWindow) usedLocked() int {
	used := 0
	for _, a := range w.admissions {
		used += a.weight
	}
	return used
}

// drainLocked admits waiters from the head while they fit.
func (w *SlidingWindow) drainLocked(now time.Time) {
	w.purgeLocked(now)
	for front := w.waiters.Front(); front != nil; front = w.waiters.Front() {
		wt := front.Value.(*waiter)
		if w.usedLocked()+wt.weight > w.limit {
			break
		}
		w.waiters.Remove(front)
		w.admissions = append(w.admissions, admission{at: now, weight: wt.weight})
		wt.admitted = true
		if w.onAdmit != nil {
			w.onAdmit(wt)
		}
		close(wt.ready)
	}
	if w.waiters.Len() > 0 {
		w.scheduleLocked(now)
	}
}

// scheduleLocked arms the timer for when the oldest admission leaves the window.
func (w *SlidingWindow) scheduleLocked(now time.Time) {
	delay := time.Duration(0)
	if len(w.admissions) > 0 {
		delay = w.admissions[0].at.Add(w.window).Sub(now)
		if delay < 0 {
			delay = 0
		}
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(delay, w.wake)
		return
	}
	w.timer.Reset(delay)
}

func (w *SlidingWindow) wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.drainLocked(w.now())
	w.reportLocked()
}

func (w *SlidingWindow) reportLocked() {
	if w.onQueue != nil {
		w.onQueue(w.waiters.Len())
	}
}
