package proto

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback answers every sent packet through the same Replies table, the way
// a peer on the other end of a socket would.
func loopback(t *testing.T, r *Replies, answer func(req *Packet) *Packet) func(*Packet) error {
	return func(p *Packet) error {
		raw, err := p.Marshal()
		require.NoError(t, err)
		req, ok := Parse(raw, p.Kind().Direction)
		require.True(t, ok)

		reply := answer(req)
		if reply == nil {
			return nil
		}
		raw, err = reply.Marshal()
		require.NoError(t, err)
		in, ok := Parse(raw, reply.Kind().Direction)
		require.True(t, ok)
		go r.Resolve(in)
		return nil
	}
}

func TestAwaitResolvesReply(t *testing.T) {
	r := NewReplies(time.Second)
	send := loopback(t, r, func(req *Packet) *Packet {
		resp, err := Reply(req, KindUploadStartResponse, UploadStartResponse{Accepted: true})
		require.NoError(t, err)
		return resp
	})

	p := MustNew(KindUploadStart, UploadStart{UploadID: testUploadID, Name: "a", Path: "/", Size: 1, ChunkSize: 1})
	reply, err := r.Await(context.Background(), send, p, KindUploadStartResponse)
	require.NoError(t, err)

	var resp UploadStartResponse
	require.NoError(t, reply.Decode(&resp))
	assert.True(t, resp.Accepted)
	assert.Equal(t, 0, r.Len())
}

func TestAwaitTimesOut(t *testing.T) {
	timeout := 50 * time.Millisecond
	r := NewReplies(timeout)

	start := time.Now()
	_, err := r.Await(context.Background(), func(*Packet) error { return nil }, MustNew(KindPing, Empty{}), KindPong)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrNoReply)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Equal(t, 0, r.Len())
}

func TestAwaitFiltersReplyType(t *testing.T) {
	r := NewReplies(time.Second)
	send := loopback(t, r, func(req *Packet) *Packet {
		resp, err := Reply(req, KindUploadFailed, UploadFailed{UploadID: testUploadID})
		require.NoError(t, err)
		return resp
	})

	p := MustNew(KindUploadStart, UploadStart{UploadID: testUploadID, Name: "a", Path: "/", Size: 1, ChunkSize: 1})
	_, err := r.Await(context.Background(), send, p, KindUploadStartResponse)
	assert.ErrorIs(t, err, ErrNoReply)
	assert.Equal(t, 0, r.Len())
}

func TestAwaitSendError(t *testing.T) {
	r := NewReplies(time.Second)
	sendErr := errors.New("socket closed")

	_, err := r.Await(context.Background(), func(*Packet) error { return sendErr }, MustNew(KindPing, Empty{}), KindPong)
	assert.ErrorIs(t, err, sendErr)
	assert.Equal(t, 0, r.Len())
}

func TestAwaitContextCanceled(t *testing.T) {
	r := NewReplies(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = r.Await(ctx, func(*Packet) error { return nil }, MustNew(KindPing, Empty{}), KindPong)
	}()

	require.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, r.Len())
}

func TestResolveIgnoresUnknownAndUncorrelated(t *testing.T) {
	r := NewReplies(time.Second)

	p, ok := Parse([]byte(`{"id":"generic:pong","data":{}}`), ClientToServer)
	require.True(t, ok)
	assert.False(t, r.Resolve(p))

	p, ok = Parse([]byte(`{"id":"generic:pong","data":{},"reply_uuid":"`+testUploadID+`"}`), ClientToServer)
	require.True(t, ok)
	assert.False(t, r.Resolve(p))
}
