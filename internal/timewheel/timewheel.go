// Package timewheel provides the gateway's keyed timer facility. Pause
// auto-resume, proposal expiry, compact timeouts, heartbeats, and the idle
// reaper all schedule entries here.
//
// Firing never mutates gateway state directly: the wheel hands the key to
// the fire callback, which enqueues an event onto the router queue. Expiry
// handlers then look entities up by id, so a stale timer can never
// dereference freed state.
package timewheel

import (
	"container/heap"
	"sync"
	"time"
)

type entry struct {
	key       string
	at        time.Time
	index     int
	cancelled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Wheel is a min-heap timer with string keys. Scheduling the same key again
// replaces the previous deadline. Safe for concurrent use.
type Wheel struct {
	mu      sync.Mutex
	heap    entryHeap
	byKey   map[string]*entry
	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	fire    func(key string)
}

// New creates a wheel that calls fire for every expired key. fire runs on
// the wheel's own goroutine and must hand off quickly.
func New(fire func(key string)) *Wheel {
	return &Wheel{
		byKey:   make(map[string]*entry),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		fire:    fire,
	}
}

// Start launches the wheel goroutine.
func (w *Wheel) Start() {
	go w.run()
}

// Stop terminates the wheel and waits for the goroutine to exit. Pending
// entries are dropped.
func (w *Wheel) Stop() {
	close(w.stop)
	<-w.stopped
}

// Schedule arms key to fire at the given time, replacing any previous
// deadline for the same key.
func (w *Wheel) Schedule(key string, at time.Time) {
	w.mu.Lock()
	if old, ok := w.byKey[key]; ok {
		old.at = at
		heap.Fix(&w.heap, old.index)
	} else {
		e := &entry{key: key, at: at}
		heap.Push(&w.heap, e)
		w.byKey[key] = e
	}
	w.mu.Unlock()
	w.kick()
}

// After arms key to fire after d.
func (w *Wheel) After(key string, d time.Duration) {
	w.Schedule(key, time.Now().Add(d))
}

// Cancel disarms key. Unknown keys are ignored.
func (w *Wheel) Cancel(key string) {
	w.mu.Lock()
	if e, ok := w.byKey[key]; ok {
		e.cancelled = true
		heap.Remove(&w.heap, e.index)
		delete(w.byKey, key)
	}
	w.mu.Unlock()
	w.kick()
}

// Len reports the number of armed entries.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byKey)
}

func (w *Wheel) kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Wheel) run() {
	defer close(w.stopped)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		w.mu.Lock()
		var wait time.Duration
		var due *entry
		if len(w.heap) == 0 {
			wait = -1
		} else {
			head := w.heap[0]
			now := time.Now()
			if !head.at.After(now) {
				heap.Pop(&w.heap)
				delete(w.byKey, head.key)
				due = head
			} else {
				wait = head.at.Sub(now)
			}
		}
		w.mu.Unlock()

		if due != nil {
			if !due.cancelled {
				w.fire(due.key)
			}
			continue
		}

		if wait < 0 {
			select {
			case <-w.wake:
			case <-w.stop:
				return
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-w.wake:
		case <-w.stop:
			return
		}
	}
}
