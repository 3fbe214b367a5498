package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost is an in-memory content host.
type fakeHost struct {
	mu       sync.Mutex
	srv      *httptest.Server
	messages map[string][]byte
	nextID   int
	bulkFail bool
	limited  int // how many requests to answer with 429 first
	requests atomic.Int32
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	h := &fakeHost{messages: make(map[string][]byte)}
	h.srv = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHost) client() *Client {
	return New(Config{BaseURL: h.srv.URL, Token: "tok", MaxRetries: 2, MaxWait: 50 * time.Millisecond})
}

func (h *fakeHost) serve(w http.ResponseWriter, r *http.Request) {
	h.requests.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.limited > 0 {
		h.limited--
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"retry_after": 0.01}`))
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "raw":
		data, ok := h.messages[parts[1]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)

	case len(parts) == 3 && r.Method == http.MethodPost:
		if r.Header.Get("Authorization") != "Bot tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f, _, err := r.FormFile("files[0]")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		h.nextID++
		id := fmt.Sprintf("m%d", h.nextID)
		h.messages[id] = data
		_ = json.NewEncoder(w).Encode(h.message(id))

	case len(parts) == 3 && r.Method == http.MethodGet:
		if h.bulkFail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var out []message
		for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
			if _, ok := h.messages[id]; ok {
				out = append(out, h.message(id))
			}
		}
		_ = json.NewEncoder(w).Encode(out)

	case len(parts) == 4 && r.Method == http.MethodGet:
		if _, ok := h.messages[parts[3]]; !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(h.message(parts[3]))

	default:
		http.NotFound(w, r)
	}
}

func (h *fakeHost) message(id string) message {
	return message{ID: id, Attachments: []attachment{{ID: "a" + id, URL: h.srv.URL + "/raw/" + id}}}
}

func TestUploadAndDownload(t *testing.T) {
	h := newFakeHost(t)
	c := h.client()
	ctx := context.Background()

	id1, err := c.UploadChunk(ctx, "chan", "0", []byte("first"), "file chunk 0")
	require.NoError(t, err)
	id2, err := c.UploadChunk(ctx, "chan", "1", []byte("second"), "file chunk 1")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	links, err := c.FetchLinks(ctx, "chan", []string{id1, id2, "missing"})
	require.NoError(t, err)
	assert.Len(t, links, 2)

	data, err := c.FetchBinary(ctx, links[id2])
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestFetchLinksFallsBackToSingleFetches(t *testing.T) {
	h := newFakeHost(t)
	c := h.client()
	ctx := context.Background()

	id, err := c.UploadChunk(ctx, "chan", "0", []byte("x"), "")
	require.NoError(t, err)

	h.mu.Lock()
	h.bulkFail = true
	h.mu.Unlock()

	links, err := c.FetchLinks(ctx, "chan", []string{id, "gone"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{id: h.srv.URL + "/raw/" + id}, links)
}

func TestFetchLinksEmpty(t *testing.T) {
	h := newFakeHost(t)
	links, err := h.client().FetchLinks(context.Background(), "chan", nil)
	require.NoError(t, err)
	assert.Empty(t, links)
	assert.Zero(t, h.requests.Load())
}

func TestRateLimitedRequestsAreRetried(t *testing.T) {
	h := newFakeHost(t)
	h.limited = 2

	id, err := h.client().UploadChunk(context.Background(), "chan", "0", []byte("x"), "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, int32(3), h.requests.Load())
}

func TestRateLimitGivesUp(t *testing.T) {
	h := newFakeHost(t)
	h.limited = 10

	_, err := h.client().UploadChunk(context.Background(), "chan", "0", []byte("x"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
}

func TestFetchBinaryNotFound(t *testing.T) {
	h := newFakeHost(t)
	_, err := h.client().FetchBinary(context.Background(), h.srv.URL+"/raw/nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetryAfterHeader(t *testing.T) {
	resp := &http.Response{
		Header: http.Header{"Retry-After": {"2"}},
		Body:   io.NopCloser(strings.NewReader("")),
	}
	assert.Equal(t, 2*time.Second, retryAfter(resp))

	resp = &http.Response{Header: http.Header{}, Body: io.NopCloser(strings.NewReader("garbage"))}
	assert.Equal(t, time.Second, retryAfter(resp))
}

func TestCanceledContext(t *testing.T) {
	h := newFakeHost(t)
	c := h.client()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchBinary(ctx, h.srv.URL+"/raw/x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.requests.Load())
}
