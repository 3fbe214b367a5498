package proto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultReplyTimeout bounds how long Await waits for an answer.
const DefaultReplyTimeout = 10 * time.Second

// ErrNoReply is returned by Await when no reply of the expected kind arrived in time.
var ErrNoReply = errors.New("no reply")

// Replies tracks the requests a single connection is waiting on, keyed by
// correlation id. Replies never cross connections.
type Replies struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[uuid.UUID]chan *Packet
}

// NewReplies creates a pending-reply table. A non-positive timeout selects DefaultReplyTimeout.
func NewReplies(timeout time.Duration) *Replies {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	return &Replies{
		timeout: timeout,
		pending: make(map[uuid.UUID]chan *Packet),
	}
}

// Await assigns p a correlation id if it has none, sends it with send and
// waits for the reply. It returns ErrNoReply when the timeout elapses or the
// reply is not of kind expected. The pending entry is always removed before
// Await returns.
func (r *Replies) Await(ctx context.Context, send func(*Packet) error, p *Packet, expected Kind) (*Packet, error) {
	if p.Received() {
		return nil, ErrReceivedPacket
	}
	if p.ID() == uuid.Nil {
		_ = p.SetID(uuid.New())
	}
	id := p.ID()

	ch := make(chan *Packet, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	if err := send(p); err != nil {
		return nil, err
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if !reply.Is(expected) {
			return nil, fmt.Errorf("%w: expected %s, got %s", ErrNoReply, expected.WireID(), reply.Kind().WireID())
		}
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s timed out after %s", ErrNoReply, p.Kind().WireID(), r.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve hands p to the waiter whose request it answers. It reports whether
// a waiter was found; a resolved packet must not be dispatched again.
func (r *Replies) Resolve(p *Packet) bool {
	id := p.ReplyTo()
	if id == uuid.Nil {
		return false
	}

	r.mu.Lock()
	ch, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if ok {
		ch <- p
	}
	return ok
}

// Len returns the number of requests still waiting.
func (r *Replies) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
