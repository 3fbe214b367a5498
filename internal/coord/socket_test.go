package coord

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkvault/chunkvault/internal/config"
	"github.com/chunkvault/chunkvault/pkg/proto"
)

const workerAddress = "http://worker.test:8090"

func socketURL(base string, q url.Values) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/ws?" + q.Encode()
}

func dial(t *testing.T, base string, q url.Values) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(socketURL(base, q), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func clientQuery(token string) url.Values {
	return url.Values{"type": {"client"}, "key": {token}}
}

func workerQuery() url.Values {
	return url.Values{"type": {"upload"}, "key": {testUploadKey}, "address": {workerAddress}}
}

// expectClose reads until the server closes the socket and returns the code.
func expectClose(t *testing.T, ws *websocket.Conn) *websocket.CloseError {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected a close frame, got %v", err)
		return ce
	}
}

func send(t *testing.T, ws *websocket.Conn, id string, data any, replyTo string) string {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	env := proto.Envelope{ID: id, Data: raw, UUID: uuid.NewString(), ReplyUUID: replyTo}
	msg, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, msg))
	return env.UUID
}

// next reads envelopes until one with the given id arrives.
func next(t *testing.T, ws *websocket.Conn, id string) proto.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var env proto.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.ID == id {
			return env
		}
	}
}

func payload[T any](t *testing.T, env proto.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func (s *Server) clientIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, waitFor(ctx, 10*time.Millisecond, cond))
}

func TestSocketRefusals(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		query  url.Values
		code   int
		reason string
	}{
		{"no type", url.Values{"key": {"x"}}, CloseMissingMetadata, "missing-service-metadata"},
		{"unknown type", url.Values{"type": {"admin"}, "key": {"x"}}, CloseMissingMetadata, "missing-service-metadata"},
		{"client without key", url.Values{"type": {"client"}}, CloseMissingAuth, "missing-authentication"},
		{"client with bad token", clientQuery("bogus"), CloseInvalidClientAuth, "invalid-client-auth"},
		{"upload without address", url.Values{"type": {"upload"}, "key": {testUploadKey}}, CloseMissingMetadata, "missing-service-metadata"},
		{"upload with bad address", url.Values{"type": {"upload"}, "key": {testUploadKey}, "address": {"ftp://x"}}, CloseMissingMetadata, "missing-service-metadata"},
		{"upload with bad key", url.Values{"type": {"upload"}, "key": {"wrong"}, "address": {workerAddress}}, CloseInvalidServiceAuth, "invalid-service-auth"},
		{"thumbnail with bad key", url.Values{"type": {"thumbnail"}, "key": {"wrong"}}, CloseInvalidServiceAuth, "invalid-service-auth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := dial(t, h.ts.URL, tt.query)
			ce := expectClose(t, ws)
			assert.Equal(t, tt.code, ce.Code)
			assert.Equal(t, tt.reason, ce.Text)
		})
	}
}

func TestSocketTooEarly(t *testing.T) {
	h := newHarness(t)
	h.srv.ready.Store(false)

	ws := dial(t, h.ts.URL, clientQuery(h.token))
	assert.Equal(t, CloseTooEarly, expectClose(t, ws).Code)
}

func TestSocketThumbnailServiceUnavailable(t *testing.T) {
	h := newHarness(t, func(c *config.ManagerConfig) { c.Services.ThumbnailKey = "" })

	ws := dial(t, h.ts.URL, url.Values{"type": {"thumbnail"}, "key": {"anything"}})
	assert.Equal(t, CloseFailedServiceCreation, expectClose(t, ws).Code)
}

func TestServiceRequestBooking(t *testing.T) {
	h := newHarness(t)

	dial(t, h.ts.URL, workerQuery())
	waitUntil(t, func() bool { return h.srv.booking.Stats().Workers == 1 })

	client := dial(t, h.ts.URL, clientQuery(h.token))
	waitUntil(t, func() bool { return len(h.srv.clientIDs()) == 1 })

	id := send(t, client, "c2s:service-request", proto.ServiceRequest{Amount: 2}, "")
	env := next(t, client, "s2c:service-response")
	assert.Equal(t, id, env.ReplyUUID)
	assert.Equal(t, 1, payload[proto.ServiceResponse](t, env).Amount)

	// a second worker tops up the under-served booking
	dial(t, h.ts.URL, workerQuery())
	change := payload[proto.ServiceChange](t, next(t, client, "s2c:service-change"))
	assert.Equal(t, proto.ServiceChange{Change: 1, Amount: 2}, change)

	_ = client.Close()
	waitUntil(t, func() bool { return h.srv.booking.Stats().Clients == 0 })
}

func TestUploadOverSockets(t *testing.T) {
	h := newHarness(t)
	content := []byte("hello world")

	worker := dial(t, h.ts.URL, workerQuery())
	waitUntil(t, func() bool { return h.srv.booking.Stats().Workers == 1 })
	client := dial(t, h.ts.URL, clientQuery(h.token))

	send(t, client, "c2s:service-request", proto.ServiceRequest{Amount: 1}, "")
	next(t, client, "s2c:service-response")

	send(t, client, "c2s:upload-request", proto.UploadRequest{Name: "hello.txt", Path: "/docs", Size: int64(len(content))}, "")

	startEnv := next(t, worker, "s2u:upload-start")
	start := payload[proto.UploadStart](t, startEnv)
	assert.Equal(t, "hello.txt", start.Name)
	assert.Equal(t, int64(testChunkSize), start.ChunkSize)
	send(t, worker, "u2s:upload-start-response", proto.UploadStartResponse{Accepted: true}, startEnv.UUID)

	resp := payload[proto.UploadResponse](t, next(t, client, "s2c:upload-response"))
	require.True(t, resp.Accepted, resp.Reason)
	assert.Equal(t, start.UploadID, resp.UploadID)
	assert.Equal(t, workerAddress, resp.Address)

	sum := sha256.Sum256(content)
	send(t, worker, "u2s:upload-finish", proto.UploadFinish{
		UploadID: start.UploadID,
		Hash:     hex.EncodeToString(sum[:]),
		Type:     "text/plain",
		Channel:  "ch",
		Chunks:   h.blobs.storeChunks(content),
	}, "")

	fin := payload[proto.UploadFinished](t, next(t, client, "s2c:upload-finished"))
	require.True(t, fin.Success, fin.Reason)
	assert.NotEmpty(t, fin.FileID)

	dl := h.do(t, http.MethodGet, "/api/v1/download/docs/hello.txt", nil, h.token)
	require.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Equal(t, "hello world", string(readBody(t, dl)))
}

func TestUploadRejectedWithoutBooking(t *testing.T) {
	h := newHarness(t)
	client := dial(t, h.ts.URL, clientQuery(h.token))

	send(t, client, "c2s:upload-request", proto.UploadRequest{Name: "a.txt", Path: "/", Size: 1}, "")
	resp := payload[proto.UploadResponse](t, next(t, client, "s2c:upload-response"))
	assert.False(t, resp.Accepted)
	assert.NotEmpty(t, resp.Reason)
}

func TestClientCancelReachesWorker(t *testing.T) {
	h := newHarness(t)

	worker := dial(t, h.ts.URL, workerQuery())
	waitUntil(t, func() bool { return h.srv.booking.Stats().Workers == 1 })
	client := dial(t, h.ts.URL, clientQuery(h.token))
	send(t, client, "c2s:service-request", proto.ServiceRequest{Amount: 1}, "")
	next(t, client, "s2c:service-response")

	send(t, client, "c2s:upload-request", proto.UploadRequest{Name: "big.bin", Path: "/", Size: 100}, "")
	startEnv := next(t, worker, "s2u:upload-start")
	send(t, worker, "u2s:upload-start-response", proto.UploadStartResponse{Accepted: true}, startEnv.UUID)
	resp := payload[proto.UploadResponse](t, next(t, client, "s2c:upload-response"))
	require.True(t, resp.Accepted)

	send(t, client, "c2s:upload-cancel", proto.ClientUploadCancel{UploadID: resp.UploadID}, "")
	cancel := payload[proto.UploadCancel](t, next(t, worker, "s2u:upload-cancel"))
	assert.Equal(t, resp.UploadID, cancel.UploadID)
	waitUntil(t, func() bool { return h.srv.uploads.Active() == 0 })
}

func TestServeShutdownClosesSockets(t *testing.T) {
	h := newHarness(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	ws := dial(t, base, clientQuery(h.token))
	waitUntil(t, func() bool { return len(h.srv.clientIDs()) == 1 })

	cancel()
	assert.Equal(t, websocket.CloseGoingAway, expectClose(t, ws).Code)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Empty(t, h.srv.clientIDs())
}
