// Package worker is the upload worker service. It keeps a socket open to the
// manager, accepts the uploads the manager assigns to it, receives their
// chunks over HTTP in order, and stores them in the blob backend.
package worker

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chunkvault/chunkvault/internal/cipher"
	"github.com/chunkvault/chunkvault/internal/wsconn"
	"github.com/chunkvault/chunkvault/pkg/proto"
)

// Defaults.
const (
	DefaultInactivityTimeout = 60 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
	maxReconnectDelay        = 30 * time.Second
)

var (
	ErrUnknownUpload = errors.New("unknown upload")
	ErrOutOfOrder    = errors.New("chunk out of order")
	ErrChunkSize     = errors.New("chunk has the wrong size")
)

// Blobs stores chunk data.
type Blobs interface {
	UploadChunk(ctx context.Context, channel, filename string, data []byte, metadata string) (string, error)
}

// Config configures a Worker.
type Config struct {
	ManagerURL string
	Key        string
	// Address is where clients post chunks; it is advertised to the manager.
	Address           string
	Listen            string
	Channels          []string
	InactivityTimeout time.Duration
	ReconnectDelay    time.Duration
	ReplyTimeout      time.Duration
	PingInterval      time.Duration
	// MasterKey enables chunk encryption when set.
	MasterKey   []byte
	CORSOrigins []string
}

// Worker is an upload worker.
type Worker struct {
	cfg   Config
	blobs Blobs
	log   zerolog.Logger

	mu          sync.Mutex
	conn        *wsconn.Conn
	uploads     map[string]*upload
	nextChannel int
}

// upload is the transfer state of one assigned upload.
type upload struct {
	mu sync.Mutex

	proto.UploadStart
	next    int
	total   int
	chunks  []string
	hash    hash.Hash
	sniff   []byte
	cipher  *cipher.ChunkCipher
	keySalt string
	timer   *time.Timer
	done    atomic.Bool
}

// New creates a worker.
func New(cfg Config, blobs Blobs) (*Worker, error) {
	if len(cfg.Channels) == 0 {
		return nil, errors.New("at least one channel is required")
	}
	if len(cfg.MasterKey) > 0 && len(cfg.MasterKey) < cipher.MinMasterKeySize {
		return nil, cipher.ErrShortMasterKey
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	return &Worker{
		cfg:     cfg,
		blobs:   blobs,
		log:     log.With().Str("component", "worker").Logger(),
		uploads: make(map[string]*upload),
	}, nil
}

// Run serves chunk uploads on cfg.Listen and keeps the manager connection up
// until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := net.Listen("tcp", w.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", w.cfg.Listen, err)
	}
	srv := &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		w.log.Info().Str("listen", ln.Addr().String()).Msg("chunk receiver listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sockDone := make(chan struct{})
	go func() {
		defer close(sockDone)
		w.maintain(ctx)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
	<-sockDone
	w.abortAll()
	return err
}

// maintain connects to the manager and reconnects with backoff until ctx ends.
func (w *Worker) maintain(ctx context.Context) {
	backoff := w.cfg.ReconnectDelay
	for attempt := 1; ; attempt++ {
		conn, err := w.dial(ctx)
		if err == nil {
			attempt, backoff = 0, w.cfg.ReconnectDelay
			w.serve(ctx, conn)
		} else if ctx.Err() == nil {
			w.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("manager connection failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if err != nil {
			backoff *= 2
			if backoff > maxReconnectDelay {
				backoff = maxReconnectDelay
			}
		}
	}
}

// socketURL builds the manager's socket URL with the worker's credentials.
func socketURL(manager, key, address string) (string, error) {
	u, err := url.Parse(manager)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	u.Path = "/ws"
	q := url.Values{}
	q.Set("type", "upload")
	q.Set("key", key)
	q.Set("address", address)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (w *Worker) dial(ctx context.Context) (*wsconn.Conn, error) {
	wsURL, err := socketURL(w.cfg.ManagerURL, w.cfg.Key, w.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("convert URL: %w", err)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial manager: %w", err)
	}
	return wsconn.New(ws, wsconn.Options{
		Inbound:      proto.ServerToUpload,
		ReplyTimeout: w.cfg.ReplyTimeout,
		PingInterval: w.cfg.PingInterval,
		Logger:       &w.log,
	}), nil
}

// serve runs one manager connection. Uploads do not survive it: the manager
// fails them as soon as it sees the worker go.
func (w *Worker) serve(ctx context.Context, conn *wsconn.Conn) {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.log.Info().Str("manager", w.cfg.ManagerURL).Msg("connected to manager")

	stop := context.AfterFunc(ctx, conn.Close)
	conn.Run(func(p *proto.Packet) { w.handle(conn, p) })
	stop()

	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	w.abortAll()
	if ctx.Err() == nil {
		w.log.Warn().Msg("manager connection lost")
	}
}

func (w *Worker) handle(conn *wsconn.Conn, p *proto.Packet) {
	switch {
	case p.Is(proto.KindUploadStart):
		w.handleStart(conn, p)
	case p.Is(proto.KindWorkerUploadCancel):
		var msg proto.UploadCancel
		if err := p.Decode(&msg); err != nil {
			return
		}
		if u := w.take(msg.UploadID); u != nil {
			u.stop()
			w.log.Info().Str("upload_id", msg.UploadID).Str("reason", msg.Reason).Msg("upload canceled by manager")
		}
	default:
		w.log.Debug().Str("kind", p.Kind().WireID()).Msg("ignoring packet")
	}
}

func (w *Worker) handleStart(conn *wsconn.Conn, p *proto.Packet) {
	var start proto.UploadStart
	if err := p.Decode(&start); err != nil {
		return
	}

	resp := proto.UploadStartResponse{Accepted: true}
	if err := w.begin(start); err != nil {
		resp = proto.UploadStartResponse{Accepted: false, Reason: err.Error()}
		w.log.Warn().Err(err).Str("upload_id", start.UploadID).Msg("rejecting upload")
	}

	reply, err := proto.Reply(p, proto.KindUploadStartResponse, resp)
	if err != nil {
		w.log.Error().Err(err).Msg("build upload start response")
		return
	}
	if err := conn.Send(reply); err != nil {
		w.log.Debug().Err(err).Msg("send upload start response")
	}
}

// begin registers a new upload.
func (w *Worker) begin(start proto.UploadStart) error {
	if start.ChunkSize <= 0 {
		return errors.New("invalid chunk size")
	}
	u := &upload{
		UploadStart: start,
		total:       chunkCount(start.Size, start.ChunkSize),
		chunks:      []string{},
		hash:        sha256.New(),
	}
	if len(w.cfg.MasterKey) > 0 {
		salt, err := cipher.NewSalt()
		if err != nil {
			return err
		}
		c, err := cipher.ForFile(w.cfg.MasterKey, salt)
		if err != nil {
			return err
		}
		u.cipher, u.keySalt = c, salt
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.uploads) > 0 {
		return errors.New("worker busy")
	}
	if _, ok := w.uploads[start.UploadID]; ok {
		return errors.New("duplicate upload id")
	}
	if u.Channel == "" {
		u.Channel = w.cfg.Channels[w.nextChannel%len(w.cfg.Channels)]
		w.nextChannel++
	}
	id := start.UploadID
	u.timer = time.AfterFunc(w.cfg.InactivityTimeout, func() { w.expire(id) })
	w.uploads[id] = u

	w.log.Info().
		Str("upload_id", id).
		Str("name", start.Name).
		Int64("size", start.Size).
		Str("channel", u.Channel).
		Msg("upload accepted")
	return nil
}

func chunkCount(size, chunkSize int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// Active returns the number of uploads in progress.
func (w *Worker) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.uploads)
}

func (w *Worker) lookup(id string) *upload {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.uploads[id]
}

// take removes an upload and returns it, or nil if it is already gone.
func (w *Worker) take(id string) *upload {
	w.mu.Lock()
	defer w.mu.Unlock()
	u, ok := w.uploads[id]
	if !ok {
		return nil
	}
	delete(w.uploads, id)
	return u
}

func (u *upload) stop() {
	u.done.Store(true)
	u.timer.Stop()
}

// expire fails an upload that saw no chunk within the inactivity timeout.
func (w *Worker) expire(id string) {
	u := w.take(id)
	if u == nil {
		return
	}
	u.stop()
	w.log.Warn().Str("upload_id", id).Msg("upload timed out")
	w.send(proto.KindUploadFailed, proto.UploadFailed{UploadID: id, Reason: "upload timed out"})
}

// abortAll drops every upload without telling the manager.
func (w *Worker) abortAll() {
	w.mu.Lock()
	all := w.uploads
	w.uploads = make(map[string]*upload)
	w.mu.Unlock()
	for _, u := range all {
		u.stop()
	}
}

// send sends a packet on the current manager connection, if any.
func (w *Worker) send(k proto.Kind, payload any) {
	p, err := proto.New(k, payload)
	if err != nil {
		w.log.Error().Err(err).Str("kind", k.WireID()).Msg("build packet")
		return
	}
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		w.log.Debug().Str("kind", k.WireID()).Msg("not connected, dropping packet")
		return
	}
	if err := conn.Send(p); err != nil {
		w.log.Debug().Err(err).Str("kind", k.WireID()).Msg("send packet")
	}
}
