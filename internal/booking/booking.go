// Package booking allocates upload workers to clients.
//
// Each client holds a Booking of how many workers it wants (Desired) and how
// many are currently reserved for it (Current). Workers are reserved for at
// most one client. Freed workers go to a randomly chosen under-served client;
// there is no queue, so fairness is best effort.
package booking

import (
	"math/rand/v2"
	"slices"
	"sync"
)

// Booking is a client's reservation.
type Booking struct {
	Desired int
	Current int
}

// Notifier is called with a client's booking change (+1 or -1) and its new
// Current count. It runs after the engine lock is released.
type Notifier func(client string, change, current int)

type worker struct {
	bookedFor string
	busy      bool
}

type notice struct {
	client  string
	change  int
	current int
}

// Engine holds the worker registry and the booking table.
type Engine struct {
	notify Notifier
	intn   func(n int) int

	mu       sync.Mutex
	workers  map[string]*worker
	order    []string
	bookings map[string]*Booking
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand replaces the source used to pick among under-served clients.
func WithRand(intn func(n int) int) Option {
	return func(e *Engine) { e.intn = intn }
}

// New creates an engine. notify may be nil.
func New(notify Notifier, opts ...Option) *Engine {
	e := &Engine{
		notify:   notify,
		intn:     rand.IntN,
		workers:  make(map[string]*worker),
		bookings: make(map[string]*Booking),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) fire(notices []notice) {
	if e.notify == nil {
		return
	}
	for _, n := range notices {
		e.notify(n.client, n.change, n.current)
	}
}

// AddWorker registers a newly connected worker as idle and offers it to an
// under-served client.
func (e *Engine) AddWorker(id string) {
	e.mu.Lock()
	if _, ok := e.workers[id]; !ok {
		e.workers[id] = &worker{}
		e.order = append(e.order, id)
	}
	notices := e.offer(id)
	e.mu.Unlock()

	e.fire(notices)
}

// RemoveWorker forgets a disconnected worker. If it was booked the owner's
// Current drops by one and the owner is told. It returns the owner and
// whether the worker was mid-upload.
func (e *Engine) RemoveWorker(id string) (client string, busy bool) {
	e.mu.Lock()
	w, ok := e.workers[id]
	if !ok {
		e.mu.Unlock()
		return "", false
	}
	delete(e.workers, id)
	e.order = slices.DeleteFunc(e.order, func(o string) bool { return o == id })

	var notices []notice
	if w.bookedFor != "" {
		if b, ok := e.bookings[w.bookedFor]; ok {
			b.Current--
			notices = append(notices, notice{w.bookedFor, -1, b.Current})
		}
	}
	e.mu.Unlock()

	e.fire(notices)
	return w.bookedFor, w.busy
}

// RequestBooking sets the number of workers client wants and returns how many
// it now holds.
func (e *Engine) RequestBooking(client string, desired int) int {
	if desired < 0 {
		desired = 0
	}

	e.mu.Lock()
	b, ok := e.bookings[client]
	if !ok {
		granted := e.grantIdle(client, desired)
		e.bookings[client] = &Booking{Desired: desired, Current: granted}
		e.mu.Unlock()
		return granted
	}

	var notices []notice
	switch {
	case desired == b.Desired:
	case desired < b.Desired:
		// lowered before offering so the freed workers go to other clients
		b.Desired = desired
		if b.Current > desired {
			freed := e.free(client, b.Current-desired)
			b.Current = desired
			for _, id := range freed {
				notices = append(notices, e.offer(id)...)
			}
		}
	case b.Current == b.Desired:
		b.Current += e.grantIdle(client, desired-b.Desired)
		b.Desired = desired
	default:
		// already under-served; freed workers top it up later
		b.Desired = desired
	}
	current := b.Current
	e.mu.Unlock()

	e.fire(notices)
	return current
}

// ReleaseAll frees every worker booked to client, busy or not, drops the
// booking and redistributes the freed workers.
func (e *Engine) ReleaseAll(client string) {
	e.mu.Lock()
	var freed []string
	for _, id := range e.order {
		w := e.workers[id]
		if w.bookedFor == client {
			w.bookedFor = ""
			freed = append(freed, id)
		}
	}
	delete(e.bookings, client)

	var notices []notice
	for _, id := range freed {
		notices = append(notices, e.offer(id)...)
	}
	e.mu.Unlock()

	e.fire(notices)
}

// ClientDisconnected is ReleaseAll for a client whose connection closed.
func (e *Engine) ClientDisconnected(client string) {
	e.ReleaseAll(client)
}

// Acquire picks an idle worker booked to client and marks it busy. Workers
// that are unbooked or booked to someone else are never handed out.
func (e *Engine) Acquire(client string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range e.order {
		w := e.workers[id]
		if w.bookedFor == client && !w.busy {
			w.busy = true
			return id, true
		}
	}
	return "", false
}

// Release marks a worker idle again. A worker that lost its booking while
// busy is offered to under-served clients.
func (e *Engine) Release(id string) {
	e.mu.Lock()
	w, ok := e.workers[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	w.busy = false
	var notices []notice
	if w.bookedFor == "" {
		notices = e.offer(id)
	}
	e.mu.Unlock()

	e.fire(notices)
}

// grantIdle books up to n idle unbooked workers to client.
func (e *Engine) grantIdle(client string, n int) int {
	granted := 0
	for _, id := range e.order {
		if granted == n {
			break
		}
		w := e.workers[id]
		if w.bookedFor == "" && !w.busy {
			w.bookedFor = client
			granted++
		}
	}
	return granted
}

// free unbooks n workers of client, idle ones first.
func (e *Engine) free(client string, n int) []string {
	var idle, busy []string
	for _, id := range e.order {
		w := e.workers[id]
		if w.bookedFor != client {
			continue
		}
		if w.busy {
			busy = append(busy, id)
		} else {
			idle = append(idle, id)
		}
	}
	freed := append(idle, busy...)[:n]
	for _, id := range freed {
		e.workers[id].bookedFor = ""
	}
	return freed
}

// offer gives an unbooked idle worker to a random under-served client. Busy
// workers are offered by Release once their upload ends.
func (e *Engine) offer(id string) []notice {
	w, ok := e.workers[id]
	if !ok || w.bookedFor != "" || w.busy {
		return nil
	}

	var under []string
	for client, b := range e.bookings {
		if b.Current < b.Desired {
			under = append(under, client)
		}
	}
	if len(under) == 0 {
		return nil
	}
	slices.Sort(under)

	client := under[e.intn(len(under))]
	b := e.bookings[client]
	b.Current++
	w.bookedFor = client
	return []notice{{client, 1, b.Current}}
}

// Booking returns a copy of client's booking.
func (e *Engine) Booking(client string) (Booking, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.bookings[client]
	if !ok {
		return Booking{}, false
	}
	return *b, true
}

// BookedTo returns the client a worker is reserved for, or "".
func (e *Engine) BookedTo(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.workers[id]; ok {
		return w.bookedFor
	}
	return ""
}

// Stats is a consistent snapshot of the engine.
type Stats struct {
	Workers  int
	Busy     int
	Booked   int
	Clients  int
	Desired  int
	Current  int
	Underfed int
}

// Stats returns counts for metrics and invariant checks.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{Workers: len(e.workers), Clients: len(e.bookings)}
	for _, w := range e.workers {
		if w.busy {
			s.Busy++
		}
		if w.bookedFor != "" {
			s.Booked++
		}
	}
	for _, b := range e.bookings {
		s.Desired += b.Desired
		s.Current += b.Current
		if b.Current < b.Desired {
			s.Underfed++
		}
	}
	return s
}

// Consistent reports whether every booking's Current matches the number of
// workers booked to that client.
func (e *Engine) Consistent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := make(map[string]int)
	for _, w := range e.workers {
		if w.bookedFor != "" {
			counts[w.bookedFor]++
		}
	}
	for client, n := range counts {
		b, ok := e.bookings[client]
		if !ok || b.Current != n {
			return false
		}
	}
	for client, b := range e.bookings {
		if b.Current != counts[client] || b.Current < 0 {
			return false
		}
	}
	return true
}
