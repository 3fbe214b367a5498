package booking

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	client  string
	change  int
	current int
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) notify(client string, change, current int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{client, change, current})
}

func (r *recorder) take() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func first(int) int { return 0 }

func newEngine(t *testing.T, workers int) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	e := New(rec.notify, WithRand(first))
	for i := 0; i < workers; i++ {
		e.AddWorker(fmt.Sprintf("w%d", i))
	}
	require.Empty(t, rec.take())
	return e, rec
}

func TestRequestBookingNew(t *testing.T) {
	e, _ := newEngine(t, 3)

	assert.Equal(t, 2, e.RequestBooking("alice", 2))
	assert.Equal(t, 1, e.RequestBooking("bob", 5))

	b, ok := e.Booking("bob")
	require.True(t, ok)
	assert.Equal(t, Booking{Desired: 5, Current: 1}, b)
	assert.True(t, e.Consistent())
}

func TestRequestBookingUnchanged(t *testing.T) {
	e, _ := newEngine(t, 1)
	assert.Equal(t, 1, e.RequestBooking("alice", 3))

	// a new worker appears but is offered, not re-scanned
	e.AddWorker("late")
	assert.Equal(t, 2, e.RequestBooking("alice", 3))
	assert.True(t, e.Consistent())
}

func TestRequestBookingReduction(t *testing.T) {
	e, _ := newEngine(t, 5)

	assert.Equal(t, 5, e.RequestBooking("c", 5))
	assert.Equal(t, 2, e.RequestBooking("c", 2))

	b, _ := e.Booking("c")
	assert.Equal(t, Booking{Desired: 2, Current: 2}, b)
	assert.Equal(t, 2, e.Stats().Booked)
	assert.True(t, e.Consistent())
}

func TestRequestBookingReductionBelowCurrent(t *testing.T) {
	e, _ := newEngine(t, 1)

	assert.Equal(t, 1, e.RequestBooking("c", 4))
	// current 1 already within the new desired 2
	assert.Equal(t, 1, e.RequestBooking("c", 2))
	b, _ := e.Booking("c")
	assert.Equal(t, Booking{Desired: 2, Current: 1}, b)
}

func TestRequestBookingReductionFreesIdleFirst(t *testing.T) {
	e, _ := newEngine(t, 3)
	e.RequestBooking("c", 3)

	busy, ok := e.Acquire("c")
	require.True(t, ok)

	e.RequestBooking("c", 1)
	assert.Equal(t, "c", e.BookedTo(busy))
	assert.True(t, e.Consistent())
}

func TestRequestBookingReductionRedistributes(t *testing.T) {
	e, rec := newEngine(t, 3)
	e.RequestBooking("a", 3)
	assert.Equal(t, 0, e.RequestBooking("b", 2))

	e.RequestBooking("a", 1)
	assert.Equal(t, []recorded{{"b", 1, 1}, {"b", 1, 2}}, rec.take())

	b, _ := e.Booking("b")
	assert.Equal(t, Booking{Desired: 2, Current: 2}, b)
	assert.True(t, e.Consistent())
}

func TestRequestBookingReductionNeverRebooksSelf(t *testing.T) {
	e, rec := newEngine(t, 5)
	e.RequestBooking("c", 5)
	rec.take()

	assert.Equal(t, 2, e.RequestBooking("c", 2))
	assert.Empty(t, rec.take())
	b, _ := e.Booking("c")
	assert.Equal(t, Booking{Desired: 2, Current: 2}, b)
	assert.Equal(t, 2, e.Stats().Booked)
	assert.True(t, e.Consistent())
}

func TestBusyWorkerFreedByReductionWaitsForRelease(t *testing.T) {
	e, rec := newEngine(t, 2)
	e.RequestBooking("a", 2)
	first, ok := e.Acquire("a")
	require.True(t, ok)
	second, ok := e.Acquire("a")
	require.True(t, ok)
	assert.Equal(t, 0, e.RequestBooking("b", 1))

	e.RequestBooking("a", 1)
	assert.Empty(t, rec.take(), "a busy worker is not offered")
	assert.Equal(t, "", e.BookedTo(first))
	assert.Equal(t, "a", e.BookedTo(second))

	e.Release(first)
	assert.Equal(t, []recorded{{"b", 1, 1}}, rec.take())
	assert.Equal(t, "b", e.BookedTo(first))
	assert.True(t, e.Consistent())
}

func TestReleaseAllKeepsBusyWorkersUntilReleased(t *testing.T) {
	e, rec := newEngine(t, 1)
	e.RequestBooking("a", 1)
	id, ok := e.Acquire("a")
	require.True(t, ok)
	assert.Equal(t, 0, e.RequestBooking("c", 1))

	e.ReleaseAll("a")
	assert.Empty(t, rec.take())
	assert.Equal(t, "", e.BookedTo(id))

	e.Release(id)
	assert.Equal(t, []recorded{{"c", 1, 1}}, rec.take())
}

func TestRequestBookingIncreaseWhenSatisfied(t *testing.T) {
	e, _ := newEngine(t, 4)

	assert.Equal(t, 2, e.RequestBooking("c", 2))
	assert.Equal(t, 4, e.RequestBooking("c", 6))

	b, _ := e.Booking("c")
	assert.Equal(t, Booking{Desired: 6, Current: 4}, b)
}

func TestRequestBookingIncreaseWhenUnderServed(t *testing.T) {
	e, _ := newEngine(t, 1)
	assert.Equal(t, 1, e.RequestBooking("c", 2))

	// an idle worker exists now but under-served clients wait for offers
	e.mu.Lock()
	e.workers["idle"] = &worker{}
	e.order = append(e.order, "idle")
	e.mu.Unlock()

	assert.Equal(t, 1, e.RequestBooking("c", 3))
	b, _ := e.Booking("c")
	assert.Equal(t, Booking{Desired: 3, Current: 1}, b)
}

func TestWorkerOfferedToUnderServed(t *testing.T) {
	e, rec := newEngine(t, 0)

	assert.Equal(t, 0, e.RequestBooking("c", 1))
	e.AddWorker("w")

	assert.Equal(t, []recorded{{"c", 1, 1}}, rec.take())
	assert.Equal(t, "c", e.BookedTo("w"))

	// satisfied: the next worker stays unbooked
	e.AddWorker("w2")
	assert.Empty(t, rec.take())
	assert.Equal(t, "", e.BookedTo("w2"))
}

func TestRemoveWorker(t *testing.T) {
	e, rec := newEngine(t, 2)
	e.RequestBooking("c", 2)
	id, ok := e.Acquire("c")
	require.True(t, ok)

	client, busy := e.RemoveWorker(id)
	assert.Equal(t, "c", client)
	assert.True(t, busy)
	assert.Equal(t, []recorded{{"c", -1, 1}}, rec.take())

	b, _ := e.Booking("c")
	assert.Equal(t, Booking{Desired: 2, Current: 1}, b)
	assert.True(t, e.Consistent())

	client, busy = e.RemoveWorker("ghost")
	assert.Equal(t, "", client)
	assert.False(t, busy)
}

func TestReleaseAllRedistributes(t *testing.T) {
	e, rec := newEngine(t, 2)
	e.RequestBooking("a", 2)
	assert.Equal(t, 0, e.RequestBooking("b", 1))

	e.ClientDisconnected("a")
	assert.Equal(t, []recorded{{"b", 1, 1}}, rec.take())

	_, ok := e.Booking("a")
	assert.False(t, ok)
	s := e.Stats()
	assert.Equal(t, 1, s.Booked)
	assert.True(t, e.Consistent())
}

func TestAcquireOnlyOwnIdleWorkers(t *testing.T) {
	e, _ := newEngine(t, 2)
	e.RequestBooking("a", 1)

	_, ok := e.Acquire("b")
	assert.False(t, ok, "unbooked workers are never handed out")

	id, ok := e.Acquire("a")
	require.True(t, ok)
	_, ok = e.Acquire("a")
	assert.False(t, ok, "a busy worker is not handed out twice")

	e.Release(id)
	again, ok := e.Acquire("a")
	require.True(t, ok)
	assert.Equal(t, id, again)
}

func TestReleaseOffersUnbookedWorker(t *testing.T) {
	e, rec := newEngine(t, 1)
	e.RequestBooking("a", 1)
	id, _ := e.Acquire("a")

	e.ReleaseAll("a")
	e.RequestBooking("b", 1)
	rec.take()

	// the busy worker was freed without being idle; finishing offers it
	e.Release(id)
	assert.Equal(t, []recorded{{"b", 1, 1}}, rec.take())
}

func TestBookingInvariantUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	e := New(nil, WithRand(rng.IntN))
	clients := []string{"a", "b", "c", "d"}
	next := 0

	for step := 0; step < 2000; step++ {
		switch rng.IntN(6) {
		case 0:
			e.AddWorker(fmt.Sprintf("w%d", next))
			next++
		case 1:
			if next > 0 {
				e.RemoveWorker(fmt.Sprintf("w%d", rng.IntN(next)))
			}
		case 2:
			e.RequestBooking(clients[rng.IntN(len(clients))], rng.IntN(6))
		case 3:
			e.ReleaseAll(clients[rng.IntN(len(clients))])
		case 4:
			e.Acquire(clients[rng.IntN(len(clients))])
		case 5:
			if next > 0 {
				e.Release(fmt.Sprintf("w%d", rng.IntN(next)))
			}
		}

		require.True(t, e.Consistent(), "step %d", step)
		s := e.Stats()
		require.Equal(t, s.Booked, s.Current, "step %d", step)
		for _, c := range clients {
			if b, ok := e.Booking(c); ok {
				require.LessOrEqual(t, b.Current, b.Desired, "step %d client %s", step, c)
			}
		}
	}
}

func TestConcurrentBooking(t *testing.T) {
	e := New(nil)
	for i := 0; i < 20; i++ {
		e.AddWorker(fmt.Sprintf("w%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(client string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e.RequestBooking(client, j%5)
				if id, ok := e.Acquire(client); ok {
					e.Release(id)
				}
			}
			e.ClientDisconnected(client)
		}(fmt.Sprintf("c%d", i))
	}
	wg.Wait()

	assert.True(t, e.Consistent())
	assert.Equal(t, 0, e.Stats().Booked)
}
