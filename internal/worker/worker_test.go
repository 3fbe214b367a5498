package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chunkvault/chunkvault/internal/cipher"
	"github.com/chunkvault/chunkvault/internal/wsconn"
	"github.com/chunkvault/chunkvault/pkg/proto"
	"github.com/chunkvault/chunkvault/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type storedChunk struct {
	channel, filename string
	data              []byte
}

type fakeBlobs struct {
	mu     sync.Mutex
	chunks []storedChunk
	err    error
}

func (b *fakeBlobs) UploadChunk(_ context.Context, channel, filename string, data []byte, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.chunks = append(b.chunks, storedChunk{channel, filename, append([]byte(nil), data...)})
	return fmt.Sprintf("m%d", len(b.chunks)), nil
}

func (b *fakeBlobs) stored() []storedChunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]storedChunk(nil), b.chunks...)
}

// fakeManager accepts worker sockets and collects the packets they send.
type fakeManager struct {
	srv     *httptest.Server
	conns   chan *wsconn.Conn
	inbox   chan *proto.Packet
	queries chan url.Values
	wg      sync.WaitGroup
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newFakeManager(t *testing.T) *fakeManager {
	t.Helper()
	m := &fakeManager{
		conns:   make(chan *wsconn.Conn, 4),
		inbox:   make(chan *proto.Packet, 16),
		queries: make(chan url.Values, 4),
	}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.wg.Add(1)
		defer m.wg.Done()
		m.queries <- r.URL.Query()
		c := wsconn.New(ws, wsconn.Options{Inbound: proto.UploadToServer})
		m.conns <- c
		c.Run(func(p *proto.Packet) { m.inbox <- p })
	}))
	return m
}

func (m *fakeManager) conn(t *testing.T) *wsconn.Conn {
	t.Helper()
	select {
	case c := <-m.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not connect")
		return nil
	}
}

func (m *fakeManager) next(t *testing.T, k proto.Kind, v any) {
	t.Helper()
	select {
	case p := <-m.inbox:
		require.True(t, p.Is(k), "got %s, want %s", p.Kind().WireID(), k.WireID())
		require.NoError(t, p.Decode(v))
	case <-time.After(5 * time.Second):
		t.Fatalf("no %s received", k.WireID())
	}
}

type harness struct {
	w       *Worker
	blobs   *fakeBlobs
	manager *fakeManager
	conn    *wsconn.Conn
	http    *httptest.Server
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	m := newFakeManager(t)
	cfg.ManagerURL = m.srv.URL
	cfg.Key = "secret"
	cfg.Address = "http://worker.test"
	cfg.ReconnectDelay = 20 * time.Millisecond
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{"ch1", "ch2"}
	}

	blobs := &fakeBlobs{}
	w, err := New(cfg, blobs)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.maintain(ctx)
	}()

	h := &harness{w: w, blobs: blobs, manager: m, http: httptest.NewServer(w.Handler())}
	h.conn = m.conn(t)
	t.Cleanup(func() {
		cancel()
		<-done
		m.wg.Wait()
		m.srv.Close()
		h.http.Close()
	})
	return h
}

// start assigns an upload and returns the worker's answer.
func (h *harness) start(t *testing.T, start proto.UploadStart) proto.UploadStartResponse {
	t.Helper()
	p := proto.MustNew(proto.KindUploadStart, start)
	reply, err := h.conn.Request(context.Background(), p, proto.KindUploadStartResponse)
	require.NoError(t, err)
	var resp proto.UploadStartResponse
	require.NoError(t, reply.Decode(&resp))
	return resp
}

func (h *harness) post(t *testing.T, id string, index int, data []byte) (int, ChunkResult) {
	t.Helper()
	target := fmt.Sprintf("%s/upload/%s/%d", h.http.URL, id, index)
	resp, err := h.http.Client().Post(target, "application/octet-stream", bytes.NewReader(data))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var res ChunkResult
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	}
	return resp.StatusCode, res
}

const uploadID = "0b7e3c52-4f0e-4d8e-9d7c-1f2a3b4c5d6e"

func TestUploadFlow(t *testing.T) {
	h := newHarness(t, Config{})

	q := <-h.manager.queries
	assert.Equal(t, "upload", q.Get("type"))
	assert.Equal(t, "secret", q.Get("key"))
	assert.Equal(t, "http://worker.test", q.Get("address"))

	content := testutil.RandomBytes(t, 2500)
	resp := h.start(t, proto.UploadStart{UploadID: uploadID, Name: "a.txt", Path: "/docs", Size: 2500, ChunkSize: 1024})
	require.True(t, resp.Accepted, resp.Reason)
	assert.Equal(t, 1, h.w.Active())

	code, _ := h.post(t, uploadID, 1, content[1024:2048])
	assert.Equal(t, http.StatusConflict, code)
	code, _ = h.post(t, uploadID, 0, content[:1000])
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.post(t, "8a1b2c3d-0000-4000-8000-000000000000", 0, content[:1024])
	assert.Equal(t, http.StatusNotFound, code)

	code, res := h.post(t, uploadID, 0, content[:1024])
	require.Equal(t, http.StatusOK, code)
	assert.False(t, res.Done)
	code, _ = h.post(t, uploadID, 1, content[1024:2048])
	require.Equal(t, http.StatusOK, code)
	code, res = h.post(t, uploadID, 2, content[2048:])
	require.Equal(t, http.StatusOK, code)
	assert.True(t, res.Done)

	var fin proto.UploadFinish
	h.manager.next(t, proto.KindUploadFinish, &fin)
	sum := sha256.Sum256(content)
	assert.Equal(t, uploadID, fin.UploadID)
	assert.Equal(t, hex.EncodeToString(sum[:]), fin.Hash)
	assert.True(t, strings.HasPrefix(fin.Type, "text/plain"), fin.Type)
	assert.Equal(t, "ch1", fin.Channel)
	assert.Equal(t, []string{"m1", "m2", "m3"}, fin.Chunks)
	assert.False(t, fin.Encrypted)
	assert.Empty(t, fin.KeySalt)

	stored := h.blobs.stored()
	require.Len(t, stored, 3)
	assert.Equal(t, content[2048:], stored[2].data)
	assert.Equal(t, 0, h.w.Active())

	// a finished upload takes no more chunks
	code, _ = h.post(t, uploadID, 3, []byte{1})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestEncryptedChunks(t *testing.T) {
	master := testutil.RandomBytes(t, cipher.MinMasterKeySize)
	h := newHarness(t, Config{MasterKey: master})

	content := []byte("hello, encrypted world")
	resp := h.start(t, proto.UploadStart{UploadID: uploadID, Name: "n.bin", Path: "/", Size: int64(len(content)), ChunkSize: 1024, Channel: "fixed"})
	require.True(t, resp.Accepted)

	code, _ := h.post(t, uploadID, 0, content)
	require.Equal(t, http.StatusOK, code)

	var fin proto.UploadFinish
	h.manager.next(t, proto.KindUploadFinish, &fin)
	assert.True(t, fin.Encrypted)
	require.NotEmpty(t, fin.KeySalt)
	assert.Equal(t, "fixed", fin.Channel)

	stored := h.blobs.stored()
	require.Len(t, stored, 1)
	assert.NotEqual(t, content, stored[0].data)

	c, err := cipher.ForFile(master, fin.KeySalt)
	require.NoError(t, err)
	plain, err := c.Open(0, stored[0].data)
	require.NoError(t, err)
	assert.Equal(t, content, plain)
}

func TestInactivityTimeout(t *testing.T) {
	h := newHarness(t, Config{InactivityTimeout: 100 * time.Millisecond})

	resp := h.start(t, proto.UploadStart{UploadID: uploadID, Name: "a", Path: "/", Size: 10, ChunkSize: 4})
	require.True(t, resp.Accepted)

	var failed proto.UploadFailed
	h.manager.next(t, proto.KindUploadFailed, &failed)
	assert.Equal(t, uploadID, failed.UploadID)
	assert.Equal(t, "upload timed out", failed.Reason)
	assert.Equal(t, 0, h.w.Active())

	code, _ := h.post(t, uploadID, 0, []byte("abcd"))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestChunksResetInactivity(t *testing.T) {
	h := newHarness(t, Config{InactivityTimeout: 300 * time.Millisecond})

	resp := h.start(t, proto.UploadStart{UploadID: uploadID, Name: "a", Path: "/", Size: 12, ChunkSize: 4})
	require.True(t, resp.Accepted)

	for i := 0; i < 3; i++ {
		time.Sleep(150 * time.Millisecond)
		code, _ := h.post(t, uploadID, i, []byte("abcd"))
		require.Equal(t, http.StatusOK, code, "chunk %d", i)
	}

	var fin proto.UploadFinish
	h.manager.next(t, proto.KindUploadFinish, &fin)
	assert.Len(t, fin.Chunks, 3)
}

func TestCancelFromManager(t *testing.T) {
	h := newHarness(t, Config{})

	resp := h.start(t, proto.UploadStart{UploadID: uploadID, Name: "a", Path: "/", Size: 8, ChunkSize: 4})
	require.True(t, resp.Accepted)

	require.NoError(t, h.conn.Send(proto.MustNew(proto.KindWorkerUploadCancel, proto.UploadCancel{UploadID: uploadID, Reason: "canceled by client"})))
	require.Eventually(t, func() bool { return h.w.Active() == 0 }, 5*time.Second, 10*time.Millisecond)

	code, _ := h.post(t, uploadID, 0, []byte("abcd"))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRejectsWhileBusy(t *testing.T) {
	h := newHarness(t, Config{})

	resp := h.start(t, proto.UploadStart{UploadID: uploadID, Name: "a", Path: "/", Size: 8, ChunkSize: 4})
	require.True(t, resp.Accepted)

	resp = h.start(t, proto.UploadStart{UploadID: "1b7e3c52-4f0e-4d8e-9d7c-1f2a3b4c5d6e", Name: "b", Path: "/", Size: 8, ChunkSize: 4})
	assert.False(t, resp.Accepted)
	assert.Equal(t, "worker busy", resp.Reason)
}

func TestEmptyFile(t *testing.T) {
	h := newHarness(t, Config{})

	resp := h.start(t, proto.UploadStart{UploadID: uploadID, Name: "empty.txt", Path: "/", Size: 0, ChunkSize: 4})
	require.True(t, resp.Accepted)

	code, res := h.post(t, uploadID, 0, nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, res.Done)

	var fin proto.UploadFinish
	h.manager.next(t, proto.KindUploadFinish, &fin)
	sum := sha256.Sum256(nil)
	assert.Equal(t, hex.EncodeToString(sum[:]), fin.Hash)
	assert.Empty(t, fin.Chunks)
	assert.Empty(t, h.blobs.stored())
}

func TestBlobFailureKeepsUpload(t *testing.T) {
	h := newHarness(t, Config{})
	h.blobs.err = errors.New("backend down")

	resp := h.start(t, proto.UploadStart{UploadID: uploadID, Name: "a", Path: "/", Size: 4, ChunkSize: 4})
	require.True(t, resp.Accepted)

	code, _ := h.post(t, uploadID, 0, []byte("abcd"))
	assert.Equal(t, http.StatusBadGateway, code)

	h.blobs.mu.Lock()
	h.blobs.err = nil
	h.blobs.mu.Unlock()

	code, res := h.post(t, uploadID, 0, []byte("abcd"))
	require.Equal(t, http.StatusOK, code)
	assert.True(t, res.Done)
}

func TestReconnectDropsUploads(t *testing.T) {
	h := newHarness(t, Config{})

	resp := h.start(t, proto.UploadStart{UploadID: uploadID, Name: "a", Path: "/", Size: 8, ChunkSize: 4})
	require.True(t, resp.Accepted)

	h.conn.Close()
	second := h.manager.conn(t)
	require.NotNil(t, second)
	assert.Equal(t, 0, h.w.Active())

	// the new connection works
	h.conn = second
	resp = h.start(t, proto.UploadStart{UploadID: uploadID, Name: "a", Path: "/", Size: 8, ChunkSize: 4})
	assert.True(t, resp.Accepted)
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://m:8080", "ws://m:8080/ws?", false},
		{"https://m.example.com", "wss://m.example.com/ws?", false},
		{"ftp://m", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := socketURL(tt.in, "k", "http://w")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(got, tt.want), got)
			u, err := url.Parse(got)
			require.NoError(t, err)
			assert.Equal(t, "upload", u.Query().Get("type"))
			assert.Equal(t, "k", u.Query().Get("key"))
		})
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, &fakeBlobs{})
	assert.Error(t, err)

	_, err = New(Config{Channels: []string{"c"}, MasterKey: []byte("short")}, &fakeBlobs{})
	assert.ErrorIs(t, err, cipher.ErrShortMasterKey)
}
